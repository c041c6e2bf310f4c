package protocol

import (
	"encoding/json"
	"time"
)

// MutationType enumerates client-originated writes.
type MutationType string

const (
	MutationCreateNode          MutationType = "create_node"
	MutationUpdateNode          MutationType = "update_node"
	MutationDeleteNode          MutationType = "delete_node"
	MutationCreateNodeReaction  MutationType = "create_node_reaction"
	MutationDeleteNodeReaction  MutationType = "delete_node_reaction"
	MutationMarkNodeSeen        MutationType = "mark_node_seen"
	MutationMarkNodeOpened      MutationType = "mark_node_opened"
	MutationUpdateDocument      MutationType = "update_document"
	MutationGrantCollaboration  MutationType = "grant_collaboration"
	MutationRevokeCollaboration MutationType = "revoke_collaboration"
)

// Mutation is one outbox entry as submitted to the server.
type Mutation struct {
	ID        string          `json:"id"`
	Type      MutationType    `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SubmitMutationsRequest is an ordered batch; the server applies it in order.
type SubmitMutationsRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// MutationStatus is an HTTP-like per-item outcome.
type MutationStatus int

const (
	// MutationStatusSkipped marks an item the server did not attempt after an earlier transient failure.
	MutationStatusSkipped       MutationStatus = 0
	MutationStatusOK            MutationStatus = 200
	MutationStatusBadRequest    MutationStatus = 400
	MutationStatusForbidden     MutationStatus = 403
	MutationStatusNotFound      MutationStatus = 404
	MutationStatusInternalError MutationStatus = 500
)

// Succeeded reports an acknowledged mutation.
func (status MutationStatus) Succeeded() bool {
	return status == MutationStatusOK
}

// Terminal reports a permanent rejection that retrying cannot fix.
func (status MutationStatus) Terminal() bool {
	return status >= 400 && status < 500
}

// MutationResult is the server's verdict on one submitted mutation.
type MutationResult struct {
	ID     string         `json:"id"`
	Status MutationStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

// SubmitMutationsResponse lists results in submission order.
type SubmitMutationsResponse struct {
	Results []MutationResult `json:"results"`
}

// CreateNodeData creates a node and its first CRDT update. An empty ParentID creates a root.
type CreateNodeData struct {
	NodeID    string    `json:"nodeId"`
	ParentID  string    `json:"parentId,omitempty"`
	NodeType  string    `json:"nodeType"`
	UpdateID  string    `json:"updateId"`
	Data      string    `json:"data"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UpdateNodeData appends a CRDT update to a node.
type UpdateNodeData struct {
	NodeID    string    `json:"nodeId"`
	UpdateID  string    `json:"updateId"`
	Data      string    `json:"data"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeleteNodeData hard-deletes a node.
type DeleteNodeData struct {
	NodeID    string    `json:"nodeId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// CreateNodeReactionData adds an emoji reaction.
type CreateNodeReactionData struct {
	NodeID    string    `json:"nodeId"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeleteNodeReactionData soft-deletes an emoji reaction.
type DeleteNodeReactionData struct {
	NodeID    string    `json:"nodeId"`
	Reaction  string    `json:"reaction"`
	DeletedAt time.Time `json:"deletedAt"`
}

// MarkNodeSeenData records that the author saw a node.
type MarkNodeSeenData struct {
	NodeID string    `json:"nodeId"`
	SeenAt time.Time `json:"seenAt"`
}

// MarkNodeOpenedData records that the author opened a node.
type MarkNodeOpenedData struct {
	NodeID   string    `json:"nodeId"`
	OpenedAt time.Time `json:"openedAt"`
}

// UpdateDocumentData appends a CRDT update to a document body.
type UpdateDocumentData struct {
	DocumentID string    `json:"documentId"`
	UpdateID   string    `json:"updateId"`
	Data       string    `json:"data"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GrantCollaborationData adds or changes a collaborator role on a root.
type GrantCollaborationData struct {
	NodeID         string `json:"nodeId"`
	CollaboratorID string `json:"collaboratorId"`
	Role           string `json:"role"`
}

// RevokeCollaborationData removes a collaborator from a root.
type RevokeCollaborationData struct {
	NodeID         string `json:"nodeId"`
	CollaboratorID string `json:"collaboratorId"`
}
