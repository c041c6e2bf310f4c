package mutations

import (
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"gorm.io/gorm"
)

func (s *Service) grantCollaboration(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.GrantCollaborationData](raw)
	if err != nil {
		return nil, err
	}
	if protocol.ValidateIdentifier("collaborator id", data.CollaboratorID) != nil {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	if !protocol.KnownRole(data.Role) {
		return nil, reject(protocol.MutationStatusBadRequest, reasonUnknownRole)
	}
	root, err := loadRoot(tx, actor, data.NodeID)
	if err != nil {
		return nil, err
	}
	if _, err := requireRole(tx, actor, root.ID, adminRole); err != nil {
		return nil, err
	}
	member, err := recordExists(tx, &storage.User{}, "workspace_id = ? AND id = ?", actor.WorkspaceID, data.CollaboratorID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, reject(protocol.MutationStatusNotFound, reasonCollaboratorGone)
	}

	now := s.clock().UTC()
	var existing storage.Collaboration
	err = tx.Where("node_id = ? AND collaborator_id = ?", root.ID, data.CollaboratorID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		revision, err := storage.NextRevision(tx, storage.SequenceCollaborations)
		if err != nil {
			return nil, err
		}
		collaboration := storage.Collaboration{
			NodeID:         root.ID,
			CollaboratorID: data.CollaboratorID,
			WorkspaceID:    root.WorkspaceID,
			Role:           data.Role,
			CreatedAt:      now,
			CreatedBy:      actor.UserID,
			Revision:       revision,
		}
		if err := tx.Create(&collaboration).Error; err != nil {
			return nil, err
		}
		return []events.Event{collaborationEvent(collaboration, true)}, nil
	case err != nil:
		return nil, err
	}

	if existing.Active() && existing.Role == data.Role {
		return nil, nil
	}
	revision, err := storage.NextRevision(tx, storage.SequenceCollaborations)
	if err != nil {
		return nil, err
	}
	err = tx.Model(&storage.Collaboration{}).
		Where("node_id = ? AND collaborator_id = ?", existing.NodeID, existing.CollaboratorID).
		Updates(map[string]interface{}{
			"role":       data.Role,
			"updated_at": now,
			"updated_by": actor.UserID,
			"deleted_at": nil,
			"revision":   revision,
		}).Error
	if err != nil {
		return nil, err
	}
	return []events.Event{collaborationEvent(existing, false)}, nil
}

// revokeCollaboration soft-deletes a collaboration. Admins may revoke anyone; members may leave.
func (s *Service) revokeCollaboration(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.RevokeCollaborationData](raw)
	if err != nil {
		return nil, err
	}
	if protocol.ValidateIdentifier("collaborator id", data.CollaboratorID) != nil {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	root, err := loadRoot(tx, actor, data.NodeID)
	if err != nil {
		return nil, err
	}
	own, err := requireRole(tx, actor, root.ID, anyRole)
	if err != nil {
		return nil, err
	}
	if own.Role != protocol.RoleAdmin && data.CollaboratorID != actor.UserID {
		return nil, reject(protocol.MutationStatusForbidden, reasonForbidden)
	}

	var existing storage.Collaboration
	err = tx.Where("node_id = ? AND collaborator_id = ?", root.ID, data.CollaboratorID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !existing.Active() {
		return nil, nil
	}

	revision, err := storage.NextRevision(tx, storage.SequenceCollaborations)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	err = tx.Model(&storage.Collaboration{}).
		Where("node_id = ? AND collaborator_id = ?", existing.NodeID, existing.CollaboratorID).
		Updates(map[string]interface{}{
			"updated_at": now,
			"updated_by": actor.UserID,
			"deleted_at": now,
			"revision":   revision,
		}).Error
	if err != nil {
		return nil, err
	}
	return []events.Event{collaborationEvent(existing, false)}, nil
}

func loadRoot(tx *gorm.DB, actor Actor, nodeID string) (storage.Node, error) {
	node, err := loadNode(tx, actor, nodeID, reasonNodeNotFound)
	if err != nil {
		return storage.Node{}, err
	}
	if node.ID != node.RootID {
		return storage.Node{}, reject(protocol.MutationStatusBadRequest, reasonNotRoot)
	}
	return node, nil
}

func collaborationEvent(collaboration storage.Collaboration, created bool) events.Event {
	return events.CollaborationChanged{
		Created:        created,
		NodeID:         collaboration.NodeID,
		CollaboratorID: collaboration.CollaboratorID,
		WorkspaceID:    collaboration.WorkspaceID,
	}
}
