package storage

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Revision sequences, one per synced table.
const (
	SequenceUsers            = "users"
	SequenceCollaborations   = "collaborations"
	SequenceNodeUpdates      = "node_updates"
	SequenceNodeTombstones   = "node_tombstones"
	SequenceNodeInteractions = "node_interactions"
	SequenceNodeReactions    = "node_reactions"
	SequenceDocumentUpdates  = "document_updates"
)

var allSequences = []string{
	SequenceUsers,
	SequenceCollaborations,
	SequenceNodeUpdates,
	SequenceNodeTombstones,
	SequenceNodeInteractions,
	SequenceNodeReactions,
	SequenceDocumentUpdates,
}

var errUnknownSequence = errors.New("storage: unknown revision sequence")

// RevisionSequence holds the last revision handed out for one table.
type RevisionSequence struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null"`
}

// TableName exposes the table backing revision sequences.
func (RevisionSequence) TableName() string {
	return "revision_sequences"
}

// NextRevision allocates the next revision of sequence inside tx.
// Writers are serialised by the single sqlite connection, so allocated revisions
// are strictly increasing in commit order.
func NextRevision(tx *gorm.DB, sequence string) (int64, error) {
	if !knownSequence(sequence) {
		return 0, fmt.Errorf("%w: %s", errUnknownSequence, sequence)
	}
	result := tx.Model(&RevisionSequence{}).
		Where("name = ?", sequence).
		Update("value", gorm.Expr("value + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		if err := tx.Create(&RevisionSequence{Name: sequence, Value: 1}).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}
	var current RevisionSequence
	if err := tx.Where("name = ?", sequence).Take(&current).Error; err != nil {
		return 0, err
	}
	return current.Value, nil
}

func knownSequence(sequence string) bool {
	for _, candidate := range allSequences {
		if candidate == sequence {
			return true
		}
	}
	return false
}
