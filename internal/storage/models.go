package storage

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"gorm.io/datatypes"
)

// User is a workspace member as stored by the server.
type User struct {
	WorkspaceID string     `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	Email       string     `gorm:"column:email;size:320"`
	Name        string     `gorm:"column:name;size:320"`
	Role        string     `gorm:"column:role;size:32;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt   *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	Revision    int64      `gorm:"column:revision;not null;index:idx_users_revision"`
}

// TableName exposes the table backing workspace users.
func (User) TableName() string {
	return "users"
}

// Record maps the row to its wire representation.
func (u User) Record() protocol.SyncUserData {
	return protocol.SyncUserData{
		ID:          u.ID,
		WorkspaceID: u.WorkspaceID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		Revision:    protocol.Revision(u.Revision),
	}
}

// Collaboration grants a collaborator a role on a root node.
type Collaboration struct {
	NodeID         string     `gorm:"column:node_id;primaryKey;size:190;not null"`
	CollaboratorID string     `gorm:"column:collaborator_id;primaryKey;size:190;not null;index:idx_collaborations_collaborator_revision,priority:1"`
	WorkspaceID    string     `gorm:"column:workspace_id;size:190;not null"`
	Role           string     `gorm:"column:role;size:32;not null"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	CreatedBy      string     `gorm:"column:created_by;size:190;not null"`
	UpdatedAt      *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	UpdatedBy      string     `gorm:"column:updated_by;size:190"`
	DeletedAt      *time.Time `gorm:"column:deleted_at"`
	Revision       int64      `gorm:"column:revision;not null;index:idx_collaborations_collaborator_revision,priority:2"`
}

// TableName exposes the table backing collaborations.
func (Collaboration) TableName() string {
	return "collaborations"
}

// Active reports whether the collaboration has not been revoked.
func (c Collaboration) Active() bool {
	return c.DeletedAt == nil
}

// Record maps the row to its wire representation.
func (c Collaboration) Record() protocol.SyncCollaborationData {
	return protocol.SyncCollaborationData{
		NodeID:         c.NodeID,
		RootID:         c.NodeID,
		CollaboratorID: c.CollaboratorID,
		WorkspaceID:    c.WorkspaceID,
		Role:           c.Role,
		CreatedAt:      c.CreatedAt,
		CreatedBy:      c.CreatedBy,
		UpdatedAt:      c.UpdatedAt,
		UpdatedBy:      c.UpdatedBy,
		DeletedAt:      c.DeletedAt,
		Revision:       protocol.Revision(c.Revision),
	}
}

// Node is the server's index of live nodes; content lives in NodeUpdate rows.
type Node struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	RootID      string    `gorm:"column:root_id;size:190;not null;index"`
	ParentID    string    `gorm:"column:parent_id;size:190"`
	WorkspaceID string    `gorm:"column:workspace_id;size:190;not null"`
	Type        string    `gorm:"column:type;size:64;not null"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName exposes the table backing nodes.
func (Node) TableName() string {
	return "nodes"
}

// NodeUpdate is one append-only CRDT delta for a node.
type NodeUpdate struct {
	ID            string         `gorm:"column:id;primaryKey;size:190;not null"`
	NodeID        string         `gorm:"column:node_id;size:190;not null;index"`
	RootID        string         `gorm:"column:root_id;size:190;not null;index:idx_node_updates_root_revision,priority:1"`
	WorkspaceID   string         `gorm:"column:workspace_id;size:190;not null"`
	NodeType      string         `gorm:"column:node_type;size:64;not null"`
	ParentID      string         `gorm:"column:parent_id;size:190"`
	CreatedBy     string         `gorm:"column:created_by;size:190;not null"`
	Mentions      datatypes.JSON `gorm:"column:mentions"`
	Data          string         `gorm:"column:data;type:text;not null"`
	MergedUpdates int64          `gorm:"column:merged_updates;not null;default:0"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;autoCreateTime:false"`
	Revision      int64          `gorm:"column:revision;not null;index:idx_node_updates_root_revision,priority:2"`
}

// TableName exposes the table backing node updates.
func (NodeUpdate) TableName() string {
	return "node_updates"
}

// Record maps the row to its wire representation.
func (u NodeUpdate) Record() protocol.SyncNodeUpdateData {
	return protocol.SyncNodeUpdateData{
		ID:            u.ID,
		NodeID:        u.NodeID,
		RootID:        u.RootID,
		WorkspaceID:   u.WorkspaceID,
		NodeType:      u.NodeType,
		ParentID:      u.ParentID,
		CreatedBy:     u.CreatedBy,
		Mentions:      DecodeMentions(u.Mentions),
		Data:          u.Data,
		MergedUpdates: u.MergedUpdates,
		CreatedAt:     u.CreatedAt,
		Revision:      protocol.Revision(u.Revision),
	}
}

// NodeTombstone marks a hard-deleted node.
type NodeTombstone struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	RootID      string    `gorm:"column:root_id;size:190;not null;index:idx_node_tombstones_root_revision,priority:1"`
	WorkspaceID string    `gorm:"column:workspace_id;size:190;not null"`
	DeletedBy   string    `gorm:"column:deleted_by;size:190;not null"`
	DeletedAt   time.Time `gorm:"column:deleted_at;not null"`
	Revision    int64     `gorm:"column:revision;not null;index:idx_node_tombstones_root_revision,priority:2"`
}

// TableName exposes the table backing node tombstones.
func (NodeTombstone) TableName() string {
	return "node_tombstones"
}

// Record maps the row to its wire representation.
func (t NodeTombstone) Record() protocol.SyncNodeTombstoneData {
	return protocol.SyncNodeTombstoneData{
		ID:          t.ID,
		RootID:      t.RootID,
		WorkspaceID: t.WorkspaceID,
		DeletedBy:   t.DeletedBy,
		DeletedAt:   t.DeletedAt,
		Revision:    protocol.Revision(t.Revision),
	}
}

// NodeInteraction stores per-collaborator seen/opened timestamps.
type NodeInteraction struct {
	NodeID         string     `gorm:"column:node_id;primaryKey;size:190;not null"`
	CollaboratorID string     `gorm:"column:collaborator_id;primaryKey;size:190;not null"`
	RootID         string     `gorm:"column:root_id;size:190;not null;index:idx_node_interactions_root_revision,priority:1"`
	WorkspaceID    string     `gorm:"column:workspace_id;size:190;not null"`
	FirstSeenAt    *time.Time `gorm:"column:first_seen_at"`
	LastSeenAt     *time.Time `gorm:"column:last_seen_at"`
	FirstOpenedAt  *time.Time `gorm:"column:first_opened_at"`
	LastOpenedAt   *time.Time `gorm:"column:last_opened_at"`
	Revision       int64      `gorm:"column:revision;not null;index:idx_node_interactions_root_revision,priority:2"`
}

// TableName exposes the table backing node interactions.
func (NodeInteraction) TableName() string {
	return "node_interactions"
}

// Record maps the row to its wire representation.
func (i NodeInteraction) Record() protocol.SyncNodeInteractionData {
	return protocol.SyncNodeInteractionData{
		NodeID:         i.NodeID,
		CollaboratorID: i.CollaboratorID,
		RootID:         i.RootID,
		WorkspaceID:    i.WorkspaceID,
		FirstSeenAt:    i.FirstSeenAt,
		LastSeenAt:     i.LastSeenAt,
		FirstOpenedAt:  i.FirstOpenedAt,
		LastOpenedAt:   i.LastOpenedAt,
		Revision:       protocol.Revision(i.Revision),
	}
}

// NodeReaction is an emoji reaction with soft delete.
type NodeReaction struct {
	NodeID         string     `gorm:"column:node_id;primaryKey;size:190;not null"`
	CollaboratorID string     `gorm:"column:collaborator_id;primaryKey;size:190;not null"`
	Reaction       string     `gorm:"column:reaction;primaryKey;size:64;not null"`
	RootID         string     `gorm:"column:root_id;size:190;not null;index:idx_node_reactions_root_revision,priority:1"`
	WorkspaceID    string     `gorm:"column:workspace_id;size:190;not null"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	DeletedAt      *time.Time `gorm:"column:deleted_at"`
	Revision       int64      `gorm:"column:revision;not null;index:idx_node_reactions_root_revision,priority:2"`
}

// TableName exposes the table backing node reactions.
func (NodeReaction) TableName() string {
	return "node_reactions"
}

// Record maps the row to its wire representation.
func (r NodeReaction) Record() protocol.SyncNodeReactionData {
	return protocol.SyncNodeReactionData{
		NodeID:         r.NodeID,
		CollaboratorID: r.CollaboratorID,
		Reaction:       r.Reaction,
		RootID:         r.RootID,
		WorkspaceID:    r.WorkspaceID,
		CreatedAt:      r.CreatedAt,
		DeletedAt:      r.DeletedAt,
		Revision:       protocol.Revision(r.Revision),
	}
}

// DocumentUpdate is one append-only CRDT delta for a document body.
type DocumentUpdate struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID    string    `gorm:"column:document_id;size:190;not null;index"`
	RootID        string    `gorm:"column:root_id;size:190;not null;index:idx_document_updates_root_revision,priority:1"`
	WorkspaceID   string    `gorm:"column:workspace_id;size:190;not null"`
	Data          string    `gorm:"column:data;type:text;not null"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	MergedUpdates int64     `gorm:"column:merged_updates;not null;default:0"`
	Revision      int64     `gorm:"column:revision;not null;index:idx_document_updates_root_revision,priority:2"`
}

// TableName exposes the table backing document updates.
func (DocumentUpdate) TableName() string {
	return "document_updates"
}

// Record maps the row to its wire representation.
func (u DocumentUpdate) Record() protocol.SyncDocumentUpdateData {
	return protocol.SyncDocumentUpdateData{
		ID:            u.ID,
		DocumentID:    u.DocumentID,
		RootID:        u.RootID,
		WorkspaceID:   u.WorkspaceID,
		Data:          u.Data,
		CreatedBy:     u.CreatedBy,
		CreatedAt:     u.CreatedAt,
		MergedUpdates: u.MergedUpdates,
		Revision:      protocol.Revision(u.Revision),
	}
}

// EncodeMentions stores mention ids as a JSON array column.
func EncodeMentions(mentions []string) datatypes.JSON {
	if len(mentions) == 0 {
		return nil
	}
	encoded, err := json.Marshal(mentions)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}

// DecodeMentions reverses EncodeMentions, tolerating empty columns.
func DecodeMentions(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var mentions []string
	if err := json.Unmarshal(raw, &mentions); err != nil {
		return nil
	}
	return mentions
}
