package protocol

import "time"

// SyncUserData is a workspace user record shipped by the users synchronizer.
type SyncUserData struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	Revision    Revision   `json:"revision"`
}

// SyncCollaborationData grants a collaborator a role on a root node.
// RootID always equals NodeID: collaborations exist only on roots.
type SyncCollaborationData struct {
	NodeID         string     `json:"nodeId"`
	RootID         string     `json:"rootId"`
	CollaboratorID string     `json:"collaboratorId"`
	WorkspaceID    string     `json:"workspaceId"`
	Role           string     `json:"role"`
	CreatedAt      time.Time  `json:"createdAt"`
	CreatedBy      string     `json:"createdBy"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	UpdatedBy      string     `json:"updatedBy,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	Revision       Revision   `json:"revision"`
}

// SyncNodeUpdateData is one append-only CRDT delta for a node.
type SyncNodeUpdateData struct {
	ID            string    `json:"id"`
	NodeID        string    `json:"nodeId"`
	RootID        string    `json:"rootId"`
	WorkspaceID   string    `json:"workspaceId"`
	NodeType      string    `json:"nodeType"`
	ParentID      string    `json:"parentId,omitempty"`
	CreatedBy     string    `json:"createdBy"`
	Mentions      []string  `json:"mentions,omitempty"`
	Data          string    `json:"data"`
	MergedUpdates int64     `json:"mergedUpdates"`
	CreatedAt     time.Time `json:"createdAt"`
	Revision      Revision  `json:"revision"`
}

// SyncNodeTombstoneData marks a node as hard-deleted.
type SyncNodeTombstoneData struct {
	ID          string    `json:"id"`
	RootID      string    `json:"rootId"`
	WorkspaceID string    `json:"workspaceId"`
	DeletedBy   string    `json:"deletedBy"`
	DeletedAt   time.Time `json:"deletedAt"`
	Revision    Revision  `json:"revision"`
}

// SyncNodeInteractionData carries the per-collaborator seen/opened timestamps for a node.
type SyncNodeInteractionData struct {
	NodeID         string     `json:"nodeId"`
	CollaboratorID string     `json:"collaboratorId"`
	RootID         string     `json:"rootId"`
	WorkspaceID    string     `json:"workspaceId"`
	FirstSeenAt    *time.Time `json:"firstSeenAt,omitempty"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
	FirstOpenedAt  *time.Time `json:"firstOpenedAt,omitempty"`
	LastOpenedAt   *time.Time `json:"lastOpenedAt,omitempty"`
	Revision       Revision   `json:"revision"`
}

// SyncNodeReactionData is an emoji reaction; DeletedAt marks a soft delete.
type SyncNodeReactionData struct {
	NodeID         string     `json:"nodeId"`
	CollaboratorID string     `json:"collaboratorId"`
	Reaction       string     `json:"reaction"`
	RootID         string     `json:"rootId"`
	WorkspaceID    string     `json:"workspaceId"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	Revision       Revision   `json:"revision"`
}

// SyncDocumentUpdateData is one append-only CRDT delta for a document body.
type SyncDocumentUpdateData struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	RootID        string    `json:"rootId"`
	WorkspaceID   string    `json:"workspaceId"`
	Data          string    `json:"data"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	MergedUpdates int64     `json:"mergedUpdates"`
	Revision      Revision  `json:"revision"`
}

// Collaboration roles.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// CanWrite reports whether a role may append node and document updates.
func CanWrite(role string) bool {
	return role == RoleAdmin || role == RoleEditor
}

// KnownRole reports whether role is one of the collaboration roles.
func KnownRole(role string) bool {
	return role == RoleAdmin || role == RoleEditor || role == RoleViewer
}
