package synchronizer

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"gorm.io/gorm"
)

const (
	rootPageSize   = 20
	directPageSize = 50
)

// scope bounds what one synchronizer may read.
type scope struct {
	userID      string
	workspaceID string
	rootID      string
}

// reader pages through one revision-ordered log.
type reader interface {
	limit() int
	read(ctx context.Context, db *gorm.DB, bounds scope, cursor int64) ([]protocol.SynchronizerItem, error)
	shouldFetch(event events.Event, bounds scope) bool
}

// logReader is a reader over a table of M rows that map to wire records R.
type logReader[M any, R any] struct {
	pageSize int
	where    func(db *gorm.DB, bounds scope) *gorm.DB
	record   func(row M) R
	revision func(row M) int64
	matches  func(event events.Event, bounds scope) bool
}

func (r logReader[M, R]) limit() int {
	return r.pageSize
}

func (r logReader[M, R]) read(ctx context.Context, db *gorm.DB, bounds scope, cursor int64) ([]protocol.SynchronizerItem, error) {
	var rows []M
	err := r.where(db.WithContext(ctx), bounds).
		Where("revision > ?", cursor).
		Order("revision ASC").
		Limit(r.pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	items := make([]protocol.SynchronizerItem, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(r.record(row))
		if err != nil {
			return nil, err
		}
		items = append(items, protocol.SynchronizerItem{
			Cursor: protocol.Revision(r.revision(row)),
			Data:   data,
		})
	}
	return items, nil
}

func (r logReader[M, R]) shouldFetch(event events.Event, bounds scope) bool {
	if event == nil || event.Workspace() != bounds.workspaceID {
		return false
	}
	return r.matches(event, bounds)
}

func byWorkspace(db *gorm.DB, bounds scope) *gorm.DB {
	return db.Where("workspace_id = ?", bounds.workspaceID)
}

func byCollaborator(db *gorm.DB, bounds scope) *gorm.DB {
	return db.Where("workspace_id = ? AND collaborator_id = ?", bounds.workspaceID, bounds.userID)
}

func byRoot(db *gorm.DB, bounds scope) *gorm.DB {
	return db.Where("workspace_id = ? AND root_id = ?", bounds.workspaceID, bounds.rootID)
}

func readerFor(synchronizerType protocol.SynchronizerType) (reader, bool) {
	switch synchronizerType {
	case protocol.SynchronizerUsers:
		return logReader[storage.User, protocol.SyncUserData]{
			pageSize: directPageSize,
			where:    byWorkspace,
			record:   storage.User.Record,
			revision: func(row storage.User) int64 { return row.Revision },
			matches: func(event events.Event, _ scope) bool {
				_, ok := event.(events.UserChanged)
				return ok
			},
		}, true
	case protocol.SynchronizerCollaborations:
		return logReader[storage.Collaboration, protocol.SyncCollaborationData]{
			pageSize: directPageSize,
			where:    byCollaborator,
			record:   storage.Collaboration.Record,
			revision: func(row storage.Collaboration) int64 { return row.Revision },
			matches: func(event events.Event, bounds scope) bool {
				changed, ok := event.(events.CollaborationChanged)
				return ok && changed.CollaboratorID == bounds.userID
			},
		}, true
	case protocol.SynchronizerNodeUpdates:
		return logReader[storage.NodeUpdate, protocol.SyncNodeUpdateData]{
			pageSize: rootPageSize,
			where:    byRoot,
			record:   storage.NodeUpdate.Record,
			revision: func(row storage.NodeUpdate) int64 { return row.Revision },
			matches: func(event events.Event, bounds scope) bool {
				switch typed := event.(type) {
				case events.NodeCreated:
					return typed.RootID == bounds.rootID
				case events.NodeUpdated:
					return typed.RootID == bounds.rootID
				default:
					return false
				}
			},
		}, true
	case protocol.SynchronizerNodeTombstones:
		return logReader[storage.NodeTombstone, protocol.SyncNodeTombstoneData]{
			pageSize: rootPageSize,
			where:    byRoot,
			record:   storage.NodeTombstone.Record,
			revision: func(row storage.NodeTombstone) int64 { return row.Revision },
			matches: func(event events.Event, bounds scope) bool {
				deleted, ok := event.(events.NodeDeleted)
				return ok && deleted.RootID == bounds.rootID
			},
		}, true
	case protocol.SynchronizerNodeInteractions:
		return logReader[storage.NodeInteraction, protocol.SyncNodeInteractionData]{
			pageSize: rootPageSize,
			where:    byRoot,
			record:   storage.NodeInteraction.Record,
			revision: func(row storage.NodeInteraction) int64 { return row.Revision },
			matches: func(event events.Event, bounds scope) bool {
				updated, ok := event.(events.NodeInteractionUpdated)
				return ok && updated.RootID == bounds.rootID
			},
		}, true
	case protocol.SynchronizerNodeReactions:
		return logReader[storage.NodeReaction, protocol.SyncNodeReactionData]{
			pageSize: rootPageSize,
			where:    byRoot,
			record:   storage.NodeReaction.Record,
			revision: func(row storage.NodeReaction) int64 { return row.Revision },
			matches: func(event events.Event, bounds scope) bool {
				changed, ok := event.(events.NodeReactionChanged)
				return ok && changed.RootID == bounds.rootID
			},
		}, true
	case protocol.SynchronizerDocumentUpdates:
		return logReader[storage.DocumentUpdate, protocol.SyncDocumentUpdateData]{
			pageSize: rootPageSize,
			where:    byRoot,
			record:   storage.DocumentUpdate.Record,
			revision: func(row storage.DocumentUpdate) int64 { return row.Revision },
			matches: func(event events.Event, bounds scope) bool {
				updated, ok := event.(events.DocumentUpdated)
				return ok && updated.RootID == bounds.rootID
			},
		}, true
	default:
		return nil, false
	}
}
