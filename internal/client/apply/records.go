package apply

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"gorm.io/gorm"
)

const (
	opApplyUser           = "apply.user"
	opApplyCollaboration  = "apply.collaboration"
	opApplyNodeUpdate     = "apply.node_update"
	opApplyNodeTombstone  = "apply.node_tombstone"
	opApplyInteraction    = "apply.node_interaction"
	opApplyReaction       = "apply.node_reaction"
	opApplyDocumentUpdate = "apply.document_update"
)

// ApplyUser merges a workspace user.
func (s *Service) ApplyUser(ctx context.Context, record protocol.SyncUserData) (bool, error) {
	return s.run(ctx, opApplyUser, func(tx *gorm.DB) ([]events.Event, error) {
		existed, err := exists(tx, &localdb.User{}, "id = ?", record.ID)
		if err != nil {
			return nil, err
		}
		row := localdb.User{
			ID:          record.ID,
			WorkspaceID: record.WorkspaceID,
			Email:       record.Email,
			Name:        record.Name,
			Role:        record.Role,
			CreatedAt:   record.CreatedAt,
			UpdatedAt:   record.UpdatedAt,
			Revision:    record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &row, "id")
		if err != nil || !written {
			return nil, err
		}
		return []events.Event{events.UserChanged{Created: !existed, User: row}}, nil
	})
}

// ApplyCollaboration merges the local user's collaboration. A revoked collaboration removes every
// row of its root in the same transaction and publishes a single deletion event.
func (s *Service) ApplyCollaboration(ctx context.Context, record protocol.SyncCollaborationData) (bool, error) {
	if record.CollaboratorID != s.userID {
		return false, nil
	}
	return s.run(ctx, opApplyCollaboration, func(tx *gorm.DB) ([]events.Event, error) {
		var previous localdb.Collaboration
		err := tx.Where("node_id = ?", record.NodeID).Take(&previous).Error
		existed := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		row := localdb.Collaboration{
			NodeID:    record.NodeID,
			Role:      record.Role,
			CreatedAt: record.CreatedAt,
			CreatedBy: record.CreatedBy,
			UpdatedAt: record.UpdatedAt,
			DeletedAt: record.DeletedAt,
			Revision:  record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &row, "node_id")
		if err != nil || !written {
			return nil, err
		}

		if !row.Active() {
			removed, err := localdb.CascadeDeleteRoot(tx, record.NodeID)
			if err != nil {
				return nil, err
			}
			published := []events.Event{events.CollaborationDeleted{Collaboration: row}}
			if len(removed) > 0 {
				published = append(published, events.NodeCounterDeleted{Counters: removed})
			}
			return published, nil
		}
		created := !existed || !previous.Active()
		return []events.Event{events.CollaborationChanged{Created: created, Collaboration: row}}, nil
	})
}

// ApplyNodeUpdate stores a node delta and advances the node's materialised state.
func (s *Service) ApplyNodeUpdate(ctx context.Context, record protocol.SyncNodeUpdateData) (bool, error) {
	return s.run(ctx, opApplyNodeUpdate, func(tx *gorm.DB) ([]events.Event, error) {
		tombstoned, err := exists(tx, &localdb.NodeTombstone{}, "id = ?", record.NodeID)
		if err != nil || tombstoned {
			return nil, err
		}

		update := localdb.NodeUpdate{
			ID:            record.ID,
			NodeID:        record.NodeID,
			RootID:        record.RootID,
			Data:          record.Data,
			CreatedBy:     record.CreatedBy,
			CreatedAt:     record.CreatedAt,
			MergedUpdates: record.MergedUpdates,
			Revision:      record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &update, "id")
		if err != nil || !written {
			return nil, err
		}

		var node localdb.Node
		err = tx.Where("id = ?", record.NodeID).Take(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			node = localdb.Node{
				ID:        record.NodeID,
				RootID:    record.RootID,
				ParentID:  record.ParentID,
				Type:      record.NodeType,
				CreatedBy: record.CreatedBy,
				Mentions:  localdb.EncodeMentions(record.Mentions),
				Data:      record.Data,
				CreatedAt: record.CreatedAt,
				Revision:  record.Revision.Int64(),
			}
			if err := tx.Create(&node).Error; err != nil {
				return nil, err
			}
			change, err := s.counters.MessageCreated(tx, node)
			if err != nil {
				return nil, err
			}
			return append([]events.Event{events.NodeChanged{Created: true, Node: node}}, change.Events()...), nil
		}
		if err != nil {
			return nil, err
		}
		if node.Revision >= record.Revision.Int64() {
			return nil, nil
		}

		updatedAt := record.CreatedAt
		node.Data = record.Data
		node.Mentions = localdb.EncodeMentions(record.Mentions)
		node.UpdatedAt = &updatedAt
		node.Revision = record.Revision.Int64()
		err = tx.Model(&localdb.Node{}).Where("id = ?", node.ID).Updates(map[string]any{
			"data":       node.Data,
			"mentions":   node.Mentions,
			"updated_at": node.UpdatedAt,
			"revision":   node.Revision,
		}).Error
		if err != nil {
			return nil, err
		}
		return []events.Event{events.NodeChanged{Node: node}}, nil
	})
}

// ApplyNodeTombstone records a deletion and removes the node's rows.
func (s *Service) ApplyNodeTombstone(ctx context.Context, record protocol.SyncNodeTombstoneData) (bool, error) {
	return s.run(ctx, opApplyNodeTombstone, func(tx *gorm.DB) ([]events.Event, error) {
		tombstone := localdb.NodeTombstone{
			ID:        record.ID,
			RootID:    record.RootID,
			DeletedBy: record.DeletedBy,
			DeletedAt: record.DeletedAt,
			Revision:  record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &tombstone, "id")
		if err != nil || !written {
			return nil, err
		}

		var node localdb.Node
		err = tx.Where("id = ?", record.ID).Take(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		change, err := s.counters.MessageDeleted(tx, node)
		if err != nil {
			return nil, err
		}
		_, removed, err := localdb.DeleteNodeRows(tx, record.ID)
		if err != nil {
			return nil, err
		}
		change.Deleted = append(change.Deleted, removed...)
		return append([]events.Event{events.NodeDeleted{Node: node}}, change.Events()...), nil
	})
}

// ApplyNodeInteraction merges seen/opened timestamps. Changes to the local user's own interactions
// are forwarded to the counter reconciler.
func (s *Service) ApplyNodeInteraction(ctx context.Context, record protocol.SyncNodeInteractionData) (bool, error) {
	return s.run(ctx, opApplyInteraction, func(tx *gorm.DB) ([]events.Event, error) {
		var before *localdb.NodeInteraction
		var previous localdb.NodeInteraction
		err := tx.Where("node_id = ? AND collaborator_id = ?", record.NodeID, record.CollaboratorID).Take(&previous).Error
		switch {
		case err == nil:
			before = &previous
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}

		row := localdb.NodeInteraction{
			NodeID:         record.NodeID,
			CollaboratorID: record.CollaboratorID,
			RootID:         record.RootID,
			FirstSeenAt:    record.FirstSeenAt,
			LastSeenAt:     record.LastSeenAt,
			FirstOpenedAt:  record.FirstOpenedAt,
			LastOpenedAt:   record.LastOpenedAt,
			Revision:       record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &row, "node_id", "collaborator_id")
		if err != nil || !written {
			return nil, err
		}

		change, err := s.counters.InteractionChanged(tx, before, row)
		if err != nil {
			return nil, err
		}
		return append([]events.Event{events.NodeInteractionUpdated{Interaction: row}}, change.Events()...), nil
	})
}

// ApplyNodeReaction merges a reaction, including its soft deletion.
func (s *Service) ApplyNodeReaction(ctx context.Context, record protocol.SyncNodeReactionData) (bool, error) {
	return s.run(ctx, opApplyReaction, func(tx *gorm.DB) ([]events.Event, error) {
		row := localdb.NodeReaction{
			NodeID:         record.NodeID,
			CollaboratorID: record.CollaboratorID,
			Reaction:       record.Reaction,
			RootID:         record.RootID,
			CreatedAt:      record.CreatedAt,
			DeletedAt:      record.DeletedAt,
			Revision:       record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &row, "node_id", "collaborator_id", "reaction")
		if err != nil || !written {
			return nil, err
		}
		return []events.Event{events.NodeReactionChanged{Reaction: row}}, nil
	})
}

// ApplyDocumentUpdate stores a document delta and advances the document head.
func (s *Service) ApplyDocumentUpdate(ctx context.Context, record protocol.SyncDocumentUpdateData) (bool, error) {
	return s.run(ctx, opApplyDocumentUpdate, func(tx *gorm.DB) ([]events.Event, error) {
		update := localdb.DocumentUpdate{
			ID:            record.ID,
			DocumentID:    record.DocumentID,
			RootID:        record.RootID,
			Data:          record.Data,
			CreatedBy:     record.CreatedBy,
			CreatedAt:     record.CreatedAt,
			MergedUpdates: record.MergedUpdates,
			Revision:      record.Revision.Int64(),
		}
		written, err := localdb.UpsertIfNewer(tx, &update, "id")
		if err != nil || !written {
			return nil, err
		}

		document := localdb.Document{
			ID:        record.DocumentID,
			RootID:    record.RootID,
			UpdatedAt: record.CreatedAt,
			Revision:  record.Revision.Int64(),
		}
		advanced, err := localdb.UpsertIfNewer(tx, &document, "id")
		if err != nil || !advanced {
			return nil, err
		}
		return []events.Event{events.DocumentUpdated{Document: document}}, nil
	})
}

func exists(tx *gorm.DB, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := tx.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
