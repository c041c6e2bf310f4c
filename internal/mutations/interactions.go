package mutations

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxReactionLength = 64

func (s *Service) markNodeSeen(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.MarkNodeSeenData](raw)
	if err != nil {
		return nil, err
	}
	seenAt := s.now(data.SeenAt)
	return s.touchInteraction(tx, actor, data.NodeID, func(interaction *storage.NodeInteraction) bool {
		return advance(&interaction.FirstSeenAt, &interaction.LastSeenAt, seenAt)
	})
}

func (s *Service) markNodeOpened(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.MarkNodeOpenedData](raw)
	if err != nil {
		return nil, err
	}
	openedAt := s.now(data.OpenedAt)
	return s.touchInteraction(tx, actor, data.NodeID, func(interaction *storage.NodeInteraction) bool {
		changed := advance(&interaction.FirstOpenedAt, &interaction.LastOpenedAt, openedAt)
		// Opening a node implies having seen it.
		if advance(&interaction.FirstSeenAt, &interaction.LastSeenAt, openedAt) {
			changed = true
		}
		return changed
	})
}

// advance sets first when unset and moves last forward; it reports whether anything changed.
func advance(first, last **time.Time, at time.Time) bool {
	changed := false
	if *first == nil {
		value := at
		*first = &value
		changed = true
	}
	if *last == nil || at.After(**last) {
		value := at
		*last = &value
		changed = true
	}
	return changed
}

func (s *Service) touchInteraction(tx *gorm.DB, actor Actor, nodeID string, apply func(*storage.NodeInteraction) bool) ([]events.Event, error) {
	node, err := loadNode(tx, actor, nodeID, reasonNodeNotFound)
	if err != nil {
		return nil, err
	}
	if _, err := requireRole(tx, actor, node.RootID, anyRole); err != nil {
		return nil, err
	}

	var interaction storage.NodeInteraction
	err = tx.Where("node_id = ? AND collaborator_id = ?", node.ID, actor.UserID).Take(&interaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		interaction = storage.NodeInteraction{
			NodeID:         node.ID,
			CollaboratorID: actor.UserID,
			RootID:         node.RootID,
			WorkspaceID:    node.WorkspaceID,
		}
	} else if err != nil {
		return nil, err
	}

	if !apply(&interaction) {
		return nil, nil
	}
	revision, err := storage.NextRevision(tx, storage.SequenceNodeInteractions)
	if err != nil {
		return nil, err
	}
	interaction.Revision = revision
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "collaborator_id"}},
		UpdateAll: true,
	}
	if err := tx.Clauses(upsert).Create(&interaction).Error; err != nil {
		return nil, err
	}
	return []events.Event{events.NodeInteractionUpdated{
		NodeID:         node.ID,
		CollaboratorID: actor.UserID,
		RootID:         node.RootID,
		WorkspaceID:    node.WorkspaceID,
	}}, nil
}

func (s *Service) createNodeReaction(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.CreateNodeReactionData](raw)
	if err != nil {
		return nil, err
	}
	if !validReaction(data.Reaction) {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	node, err := loadNode(tx, actor, data.NodeID, reasonNodeNotFound)
	if err != nil {
		return nil, err
	}
	if _, err := requireRole(tx, actor, node.RootID, anyRole); err != nil {
		return nil, err
	}

	var reaction storage.NodeReaction
	err = tx.Where("node_id = ? AND collaborator_id = ? AND reaction = ?", node.ID, actor.UserID, data.Reaction).
		Take(&reaction).Error
	if err == nil && reaction.DeletedAt == nil {
		return nil, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	revision, err := storage.NextRevision(tx, storage.SequenceNodeReactions)
	if err != nil {
		return nil, err
	}
	reaction = storage.NodeReaction{
		NodeID:         node.ID,
		CollaboratorID: actor.UserID,
		Reaction:       data.Reaction,
		RootID:         node.RootID,
		WorkspaceID:    node.WorkspaceID,
		CreatedAt:      s.now(data.CreatedAt),
		Revision:       revision,
	}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "collaborator_id"}, {Name: "reaction"}},
		DoUpdates: clause.AssignmentColumns([]string{"created_at", "deleted_at", "revision"}),
	}
	if err := tx.Clauses(upsert).Create(&reaction).Error; err != nil {
		return nil, err
	}
	return []events.Event{reactionEvent(reaction, false)}, nil
}

func (s *Service) deleteNodeReaction(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.DeleteNodeReactionData](raw)
	if err != nil {
		return nil, err
	}
	if !validReaction(data.Reaction) {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}

	var reaction storage.NodeReaction
	err = tx.Where("node_id = ? AND collaborator_id = ? AND reaction = ? AND workspace_id = ?",
		data.NodeID, actor.UserID, data.Reaction, actor.WorkspaceID).
		Take(&reaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reaction.DeletedAt != nil {
		return nil, nil
	}

	revision, err := storage.NextRevision(tx, storage.SequenceNodeReactions)
	if err != nil {
		return nil, err
	}
	deletedAt := s.now(data.DeletedAt)
	err = tx.Model(&storage.NodeReaction{}).
		Where("node_id = ? AND collaborator_id = ? AND reaction = ?", reaction.NodeID, reaction.CollaboratorID, reaction.Reaction).
		Updates(map[string]interface{}{"deleted_at": deletedAt, "revision": revision}).Error
	if err != nil {
		return nil, err
	}
	return []events.Event{reactionEvent(reaction, true)}, nil
}

func reactionEvent(reaction storage.NodeReaction, deleted bool) events.Event {
	return events.NodeReactionChanged{
		Deleted:        deleted,
		NodeID:         reaction.NodeID,
		CollaboratorID: reaction.CollaboratorID,
		RootID:         reaction.RootID,
		WorkspaceID:    reaction.WorkspaceID,
	}
}

func validReaction(reaction string) bool {
	trimmed := strings.TrimSpace(reaction)
	return trimmed != "" && trimmed == reaction && len(reaction) <= maxReactionLength
}
