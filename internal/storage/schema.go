package storage

import (
	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationSeedRevisionSequences = "2026-09-01_seed_revision_sequences"

// Schema describes the server database.
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
			&DocumentUpdate{},
			&RevisionSequence{},
		},
		Migrations: []database.Migration{
			{Name: migrationSeedRevisionSequences, Apply: seedRevisionSequences},
		},
	}
}

func seedRevisionSequences(db *gorm.DB) error {
	rows := make([]RevisionSequence, 0, len(allSequences))
	for _, name := range allSequences {
		rows = append(rows, RevisionSequence{Name: name})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}
