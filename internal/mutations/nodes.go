package mutations

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"gorm.io/gorm"
)

func (s *Service) createNode(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.CreateNodeData](raw)
	if err != nil {
		return nil, err
	}
	if protocol.ValidateIdentifier("node id", data.NodeID) != nil ||
		protocol.ValidateIdentifier("update id", data.UpdateID) != nil ||
		strings.TrimSpace(data.NodeType) == "" ||
		protocol.ValidateBlob(data.Data) != nil {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}

	applied, err := updateApplied(tx, &storage.NodeUpdate{}, "node_id", data.UpdateID, data.NodeID)
	if err != nil || applied {
		return nil, err
	}
	nodeTaken, err := recordExists(tx, &storage.Node{}, "id = ?", data.NodeID)
	if err != nil {
		return nil, err
	}
	tombstoned, err := recordExists(tx, &storage.NodeTombstone{}, "id = ?", data.NodeID)
	if err != nil {
		return nil, err
	}
	if nodeTaken || tombstoned {
		return nil, reject(protocol.MutationStatusBadRequest, reasonNodeExists)
	}

	rootID := data.NodeID
	if data.ParentID != "" {
		parent, err := loadNode(tx, actor, data.ParentID, reasonParentNotFound)
		if err != nil {
			return nil, err
		}
		rootID = parent.RootID
		if _, err := requireRole(tx, actor, rootID, protocol.CanWrite); err != nil {
			return nil, err
		}
	}

	createdAt := s.now(data.CreatedAt)
	node := storage.Node{
		ID:          data.NodeID,
		RootID:      rootID,
		ParentID:    data.ParentID,
		WorkspaceID: actor.WorkspaceID,
		Type:        data.NodeType,
		CreatedBy:   actor.UserID,
		CreatedAt:   createdAt,
	}
	if err := tx.Create(&node).Error; err != nil {
		return nil, err
	}

	var published []events.Event
	if data.ParentID == "" {
		collaborationRevision, err := storage.NextRevision(tx, storage.SequenceCollaborations)
		if err != nil {
			return nil, err
		}
		collaboration := storage.Collaboration{
			NodeID:         data.NodeID,
			CollaboratorID: actor.UserID,
			WorkspaceID:    actor.WorkspaceID,
			Role:           protocol.RoleAdmin,
			CreatedAt:      createdAt,
			CreatedBy:      actor.UserID,
			Revision:       collaborationRevision,
		}
		if err := tx.Create(&collaboration).Error; err != nil {
			return nil, err
		}
		published = append(published, events.CollaborationChanged{
			Created:        true,
			NodeID:         data.NodeID,
			CollaboratorID: actor.UserID,
			WorkspaceID:    actor.WorkspaceID,
		})
	}

	if err := s.appendNodeUpdate(tx, node, data.UpdateID, data.Data, data.Mentions, createdAt, actor); err != nil {
		return nil, err
	}
	published = append(published, events.NodeCreated{NodeID: node.ID, RootID: rootID, WorkspaceID: actor.WorkspaceID})
	return published, nil
}

func (s *Service) updateNode(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.UpdateNodeData](raw)
	if err != nil {
		return nil, err
	}
	if protocol.ValidateIdentifier("update id", data.UpdateID) != nil || protocol.ValidateBlob(data.Data) != nil {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}

	applied, err := updateApplied(tx, &storage.NodeUpdate{}, "node_id", data.UpdateID, data.NodeID)
	if err != nil || applied {
		return nil, err
	}

	node, err := loadNode(tx, actor, data.NodeID, reasonNodeNotFound)
	if err != nil {
		return nil, err
	}
	if _, err := requireRole(tx, actor, node.RootID, protocol.CanWrite); err != nil {
		return nil, err
	}
	if err := s.appendNodeUpdate(tx, node, data.UpdateID, data.Data, data.Mentions, s.now(data.CreatedAt), actor); err != nil {
		return nil, err
	}
	return []events.Event{events.NodeUpdated{NodeID: node.ID, RootID: node.RootID, WorkspaceID: node.WorkspaceID}}, nil
}

func (s *Service) appendNodeUpdate(tx *gorm.DB, node storage.Node, updateID, blob string, mentions []string, createdAt time.Time, actor Actor) error {
	revision, err := storage.NextRevision(tx, storage.SequenceNodeUpdates)
	if err != nil {
		return err
	}
	update := storage.NodeUpdate{
		ID:          updateID,
		NodeID:      node.ID,
		RootID:      node.RootID,
		WorkspaceID: node.WorkspaceID,
		NodeType:    node.Type,
		ParentID:    node.ParentID,
		CreatedBy:   actor.UserID,
		Mentions:    storage.EncodeMentions(mentions),
		Data:        blob,
		CreatedAt:   createdAt,
		Revision:    revision,
	}
	return tx.Create(&update).Error
}

func (s *Service) deleteNode(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.DeleteNodeData](raw)
	if err != nil {
		return nil, err
	}
	if protocol.ValidateIdentifier("node id", data.NodeID) != nil {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	tombstoned, err := recordExists(tx, &storage.NodeTombstone{}, "id = ? AND workspace_id = ?", data.NodeID, actor.WorkspaceID)
	if err != nil || tombstoned {
		return nil, err
	}

	node, err := loadNode(tx, actor, data.NodeID, reasonNodeNotFound)
	if err != nil {
		return nil, err
	}
	collaboration, err := requireRole(tx, actor, node.RootID, protocol.CanWrite)
	if err != nil {
		return nil, err
	}
	if node.ID == node.RootID && collaboration.Role != protocol.RoleAdmin {
		return nil, reject(protocol.MutationStatusForbidden, reasonForbidden)
	}

	revision, err := storage.NextRevision(tx, storage.SequenceNodeTombstones)
	if err != nil {
		return nil, err
	}
	tombstone := storage.NodeTombstone{
		ID:          node.ID,
		RootID:      node.RootID,
		WorkspaceID: node.WorkspaceID,
		DeletedBy:   actor.UserID,
		DeletedAt:   s.now(data.DeletedAt),
		Revision:    revision,
	}
	if err := tx.Create(&tombstone).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("id = ?", node.ID).Delete(&storage.Node{}).Error; err != nil {
		return nil, err
	}
	return []events.Event{events.NodeDeleted{NodeID: node.ID, RootID: node.RootID, WorkspaceID: node.WorkspaceID}}, nil
}

// updateDocument appends to the document body owned by the node with the same id.
func (s *Service) updateDocument(tx *gorm.DB, actor Actor, raw json.RawMessage) ([]events.Event, error) {
	data, err := decodeData[protocol.UpdateDocumentData](raw)
	if err != nil {
		return nil, err
	}
	if protocol.ValidateIdentifier("update id", data.UpdateID) != nil || protocol.ValidateBlob(data.Data) != nil {
		return nil, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}

	applied, err := updateApplied(tx, &storage.DocumentUpdate{}, "document_id", data.UpdateID, data.DocumentID)
	if err != nil || applied {
		return nil, err
	}

	node, err := loadNode(tx, actor, data.DocumentID, reasonNodeNotFound)
	if err != nil {
		return nil, err
	}
	if _, err := requireRole(tx, actor, node.RootID, protocol.CanWrite); err != nil {
		return nil, err
	}

	revision, err := storage.NextRevision(tx, storage.SequenceDocumentUpdates)
	if err != nil {
		return nil, err
	}
	update := storage.DocumentUpdate{
		ID:          data.UpdateID,
		DocumentID:  node.ID,
		RootID:      node.RootID,
		WorkspaceID: node.WorkspaceID,
		Data:        data.Data,
		CreatedBy:   actor.UserID,
		CreatedAt:   s.now(data.CreatedAt),
		Revision:    revision,
	}
	if err := tx.Create(&update).Error; err != nil {
		return nil, err
	}
	return []events.Event{events.DocumentUpdated{DocumentID: node.ID, RootID: node.RootID, WorkspaceID: node.WorkspaceID}}, nil
}
