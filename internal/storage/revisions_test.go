package storage

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustOpen(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "server.db"), Schema(), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestNextRevisionIsStrictlyIncreasingPerSequence(testContext *testing.T) {
	db := mustOpen(testContext)

	var previous int64
	for index := 0; index < 5; index++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			next, err := NextRevision(tx, SequenceNodeUpdates)
			if err != nil {
				return err
			}
			if next <= previous {
				testContext.Fatalf("expected revision above %d, got %d", previous, next)
			}
			previous = next
			return nil
		})
		if err != nil {
			testContext.Fatalf("allocation failed: %v", err)
		}
	}

	var other int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		other, err = NextRevision(tx, SequenceUsers)
		return err
	})
	if err != nil {
		testContext.Fatalf("allocation failed: %v", err)
	}
	if other != 1 {
		testContext.Fatalf("expected independent sequence to start at 1, got %d", other)
	}
}

func TestNextRevisionRollsBackWithTransaction(testContext *testing.T) {
	db := mustOpen(testContext)

	_ = db.Transaction(func(tx *gorm.DB) error {
		if _, err := NextRevision(tx, SequenceNodeReactions); err != nil {
			testContext.Fatalf("allocation failed: %v", err)
		}
		return gorm.ErrInvalidData
	})

	var next int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		next, err = NextRevision(tx, SequenceNodeReactions)
		return err
	})
	if err != nil {
		testContext.Fatalf("allocation failed: %v", err)
	}
	if next != 1 {
		testContext.Fatalf("expected rolled back allocation to be reused, got %d", next)
	}
}

func TestNextRevisionRejectsUnknownSequence(testContext *testing.T) {
	db := mustOpen(testContext)
	if _, err := NextRevision(db, "unknown"); err == nil {
		testContext.Fatalf("expected unknown sequence to fail")
	}
}

func TestMentionsRoundTripThroughJSONColumn(testContext *testing.T) {
	if DecodeMentions(EncodeMentions(nil)) != nil {
		testContext.Fatalf("expected empty mentions to stay empty")
	}
	decoded := DecodeMentions(EncodeMentions([]string{"u1", "u2"}))
	if len(decoded) != 2 || decoded[0] != "u1" || decoded[1] != "u2" {
		testContext.Fatalf("unexpected mentions %v", decoded)
	}
}
