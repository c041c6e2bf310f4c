package localdb

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingConflictColumns = errors.New("localdb: conflict columns are required")

// Schema lists the replica tables.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{
			&User{},
			&Collaboration{},
			&Node{},
			&NodeUpdate{},
			&NodeTombstone{},
			&NodeInteraction{},
			&NodeReaction{},
			&Document{},
			&DocumentUpdate{},
			&NodeCounter{},
			&Mutation{},
			&MutationFailure{},
		},
	}
}

// Open opens (or creates) the replica database at path.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	return database.OpenSQLite(path, Schema(), logger)
}

type tabler interface {
	TableName() string
}

// UpsertIfNewer inserts row, or overwrites the stored row only when its revision is lower than
// row's. It reports whether anything was written; false means the stored copy is the same or newer.
func UpsertIfNewer(tx *gorm.DB, row tabler, conflictColumns ...string) (bool, error) {
	if len(conflictColumns) == 0 {
		return false, errMissingConflictColumns
	}
	columns := make([]clause.Column, 0, len(conflictColumns))
	for _, name := range conflictColumns {
		columns = append(columns, clause.Column{Name: name})
	}
	result := tx.Clauses(clause.OnConflict{
		Columns:   columns,
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: row.TableName() + ".revision < excluded.revision"},
		}},
	}).Create(row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CascadeDeleteRoot removes every replica row scoped to rootID in one pass over the root-scoped
// tables: nodes, node_updates, node_interactions, node_reactions, node_tombstones, documents,
// document_updates and node_counters. It must run inside the caller's transaction and returns the
// counters it removed.
func CascadeDeleteRoot(tx *gorm.DB, rootID string) ([]CounterKey, error) {
	var counters []NodeCounter
	if err := tx.Where("root_id = ?", rootID).Find(&counters).Error; err != nil {
		return nil, err
	}
	for _, model := range []any{
		&Node{},
		&NodeUpdate{},
		&NodeInteraction{},
		&NodeReaction{},
		&NodeTombstone{},
		&Document{},
		&DocumentUpdate{},
		&NodeCounter{},
	} {
		if err := tx.Where("root_id = ?", rootID).Delete(model).Error; err != nil {
			return nil, err
		}
	}
	removed := make([]CounterKey, 0, len(counters))
	for _, counter := range counters {
		removed = append(removed, counter.Key())
	}
	return removed, nil
}

// DeleteNodeRows removes a single node with its updates, interactions, reactions and counters.
// It reports whether the node row existed and returns the counters it removed.
func DeleteNodeRows(tx *gorm.DB, nodeID string) (bool, []CounterKey, error) {
	var counters []NodeCounter
	if err := tx.Where("node_id = ?", nodeID).Find(&counters).Error; err != nil {
		return false, nil, err
	}
	result := tx.Where("id = ?", nodeID).Delete(&Node{})
	if result.Error != nil {
		return false, nil, result.Error
	}
	for _, model := range []any{&NodeUpdate{}, &NodeInteraction{}, &NodeReaction{}, &NodeCounter{}} {
		if err := tx.Where("node_id = ?", nodeID).Delete(model).Error; err != nil {
			return false, nil, err
		}
	}
	removed := make([]CounterKey, 0, len(counters))
	for _, counter := range counters {
		removed = append(removed, counter.Key())
	}
	return result.RowsAffected > 0, removed, nil
}

// CounterStore reads persisted counters.
type CounterStore struct {
	db *gorm.DB
}

// NewCounterStore wraps db.
func NewCounterStore(db *gorm.DB) *CounterStore {
	return &CounterStore{db: db}
}

// LoadCounters returns every persisted counter.
func (s *CounterStore) LoadCounters(ctx context.Context) ([]NodeCounter, error) {
	var counters []NodeCounter
	if err := s.db.WithContext(ctx).Order("node_id ASC, type ASC").Find(&counters).Error; err != nil {
		return nil, err
	}
	return counters, nil
}

// EncodeMentions stores a mention list as JSON; an empty list is stored as NULL.
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

// MentionList decodes the node's mention list.
func (n Node) MentionList() []string {
	if len(n.Mentions) == 0 {
		return nil
	}
	var mentions []string
	if err := json.Unmarshal(n.Mentions, &mentions); err != nil {
		return nil
	}
	return mentions
}

// MentionsUser reports whether userID is mentioned by the node.
func (n Node) MentionsUser(userID string) bool {
	for _, mention := range n.MentionList() {
		if mention == userID {
			return true
		}
	}
	return false
}

// CollaborationStore reads the local user's collaborations.
type CollaborationStore struct {
	db *gorm.DB
}

// NewCollaborationStore wraps db.
func NewCollaborationStore(db *gorm.DB) *CollaborationStore {
	return &CollaborationStore{db: db}
}

// ActiveRootIDs returns the roots the local user can still read, in ascending order.
func (s *CollaborationStore) ActiveRootIDs(ctx context.Context) ([]string, error) {
	var rootIDs []string
	err := s.db.WithContext(ctx).
		Model(&Collaboration{}).
		Where("deleted_at IS NULL").
		Order("node_id ASC").
		Pluck("node_id", &rootIDs).Error
	if err != nil {
		return nil, err
	}
	return rootIDs, nil
}
