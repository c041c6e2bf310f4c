// Package localdb holds the client replica schema and its transactional helpers.
package localdb

import (
	"time"

	"gorm.io/datatypes"
)

// CounterType names one unread counter kept per node.
type CounterType string

const (
	CounterUnreadMentions          CounterType = "unread_mentions"
	CounterUnreadMessages          CounterType = "unread_messages"
	CounterUnreadImportantMessages CounterType = "unread_important_messages"
)

// Node types the replica treats specially.
const (
	NodeTypeChat    = "chat"
	NodeTypeMessage = "message"
)

// User mirrors a workspace member.
type User struct {
	ID          string     `gorm:"column:id;primaryKey;size:190"`
	WorkspaceID string     `gorm:"column:workspace_id;size:190;not null"`
	Email       string     `gorm:"column:email;size:320"`
	Name        string     `gorm:"column:name;size:320"`
	Role        string     `gorm:"column:role;size:32;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt   *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	Revision    int64      `gorm:"column:revision;not null"`
}

func (User) TableName() string {
	return "users"
}

// Collaboration is the local user's role on a root. A set DeletedAt means access was revoked.
type Collaboration struct {
	NodeID    string     `gorm:"column:node_id;primaryKey;size:190"`
	Role      string     `gorm:"column:role;size:32;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	CreatedBy string     `gorm:"column:created_by;size:190"`
	UpdatedAt *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
	Revision  int64      `gorm:"column:revision;not null"`
}

func (Collaboration) TableName() string {
	return "collaborations"
}

// Active reports whether the collaboration still grants access.
func (c Collaboration) Active() bool {
	return c.DeletedAt == nil
}

// Node is the materialised state of a node. Revision is the newest applied update; zero means
// the node exists only locally so far.
type Node struct {
	ID        string         `gorm:"column:id;primaryKey;size:190"`
	RootID    string         `gorm:"column:root_id;size:190;not null;index"`
	ParentID  string         `gorm:"column:parent_id;size:190;index"`
	Type      string         `gorm:"column:type;size:64;not null"`
	CreatedBy string         `gorm:"column:created_by;size:190;not null"`
	Mentions  datatypes.JSON `gorm:"column:mentions"`
	Data      string         `gorm:"column:data;type:text"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt *time.Time     `gorm:"column:updated_at;autoUpdateTime:false"`
	Revision  int64          `gorm:"column:revision;not null"`
}

func (Node) TableName() string {
	return "nodes"
}

// NodeUpdate is one CRDT delta; rows with revision zero were written locally and await the server.
type NodeUpdate struct {
	ID            string    `gorm:"column:id;primaryKey;size:190"`
	NodeID        string    `gorm:"column:node_id;size:190;not null;index"`
	RootID        string    `gorm:"column:root_id;size:190;not null;index"`
	Data          string    `gorm:"column:data;type:text;not null"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	MergedUpdates int64     `gorm:"column:merged_updates;not null"`
	Revision      int64     `gorm:"column:revision;not null"`
}

func (NodeUpdate) TableName() string {
	return "node_updates"
}

// NodeTombstone records a hard-deleted node.
type NodeTombstone struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	RootID    string    `gorm:"column:root_id;size:190;not null;index"`
	DeletedBy string    `gorm:"column:deleted_by;size:190"`
	DeletedAt time.Time `gorm:"column:deleted_at;not null"`
	Revision  int64     `gorm:"column:revision;not null"`
}

func (NodeTombstone) TableName() string {
	return "node_tombstones"
}

// NodeInteraction holds one collaborator's seen/opened timestamps for a node.
type NodeInteraction struct {
	NodeID         string     `gorm:"column:node_id;primaryKey;size:190"`
	CollaboratorID string     `gorm:"column:collaborator_id;primaryKey;size:190"`
	RootID         string     `gorm:"column:root_id;size:190;not null;index"`
	FirstSeenAt    *time.Time `gorm:"column:first_seen_at"`
	LastSeenAt     *time.Time `gorm:"column:last_seen_at"`
	FirstOpenedAt  *time.Time `gorm:"column:first_opened_at"`
	LastOpenedAt   *time.Time `gorm:"column:last_opened_at"`
	Revision       int64      `gorm:"column:revision;not null"`
}

func (NodeInteraction) TableName() string {
	return "node_interactions"
}

// NodeReaction is an emoji reaction; DeletedAt marks a soft delete.
type NodeReaction struct {
	NodeID         string     `gorm:"column:node_id;primaryKey;size:190"`
	CollaboratorID string     `gorm:"column:collaborator_id;primaryKey;size:190"`
	Reaction       string     `gorm:"column:reaction;primaryKey;size:64"`
	RootID         string     `gorm:"column:root_id;size:190;not null;index"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	DeletedAt      *time.Time `gorm:"column:deleted_at"`
	Revision       int64      `gorm:"column:revision;not null"`
}

func (NodeReaction) TableName() string {
	return "node_reactions"
}

// Active reports whether the reaction is visible.
func (r NodeReaction) Active() bool {
	return r.DeletedAt == nil
}

// Document tracks the newest applied update of a document body.
type Document struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	RootID    string    `gorm:"column:root_id;size:190;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	Revision  int64     `gorm:"column:revision;not null"`
}

func (Document) TableName() string {
	return "documents"
}

// DocumentUpdate is one CRDT delta of a document body.
type DocumentUpdate struct {
	ID            string    `gorm:"column:id;primaryKey;size:190"`
	DocumentID    string    `gorm:"column:document_id;size:190;not null;index"`
	RootID        string    `gorm:"column:root_id;size:190;not null;index"`
	Data          string    `gorm:"column:data;type:text;not null"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	MergedUpdates int64     `gorm:"column:merged_updates;not null"`
	Revision      int64     `gorm:"column:revision;not null"`
}

func (DocumentUpdate) TableName() string {
	return "document_updates"
}

// NodeCounter is a persisted unread counter. Rows with a zero count are deleted.
type NodeCounter struct {
	NodeID    string      `gorm:"column:node_id;primaryKey;size:190"`
	Type      CounterType `gorm:"column:type;primaryKey;size:64"`
	RootID    string      `gorm:"column:root_id;size:190;not null;index"`
	Count     int64       `gorm:"column:count;not null"`
	CreatedAt time.Time   `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt *time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (NodeCounter) TableName() string {
	return "node_counters"
}

// CounterKey identifies one counter.
type CounterKey struct {
	NodeID string
	Type   CounterType
}

// Key returns the counter's identity.
func (c NodeCounter) Key() CounterKey {
	return CounterKey{NodeID: c.NodeID, Type: c.Type}
}

// Mutation is a pending outbox entry. Sequence preserves insertion order for entries created
// within the same clock tick.
type Mutation struct {
	Sequence  int64          `gorm:"column:sequence;primaryKey;autoIncrement"`
	ID        string         `gorm:"column:id;size:190;not null;uniqueIndex"`
	Type      string         `gorm:"column:type;size:64;not null"`
	Data      datatypes.JSON `gorm:"column:data;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index;autoCreateTime:false"`
	Retries   int            `gorm:"column:retries;not null"`
}

func (Mutation) TableName() string {
	return "mutations"
}

// MutationFailure is a mutation removed from the outbox after a terminal rejection.
type MutationFailure struct {
	ID        string         `gorm:"column:id;primaryKey;size:190"`
	Type      string         `gorm:"column:type;size:64;not null"`
	Data      datatypes.JSON `gorm:"column:data;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;autoCreateTime:false"`
	FailedAt  time.Time      `gorm:"column:failed_at;not null"`
	Retries   int            `gorm:"column:retries;not null"`
	Status    int            `gorm:"column:status;not null"`
	Reason    string         `gorm:"column:reason;size:190"`
}

func (MutationFailure) TableName() string {
	return "mutation_failures"
}
