package commands

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"gorm.io/gorm"
)

const (
	opCreateNode         = "commands.create_node"
	opUpdateNode         = "commands.update_node"
	opDeleteNode         = "commands.delete_node"
	opCreateNodeReaction = "commands.create_node_reaction"
	opDeleteNodeReaction = "commands.delete_node_reaction"
	opUpdateDocument     = "commands.update_document"
)

// CreateNodeInput describes a new node. An empty ParentID creates a root.
type CreateNodeInput struct {
	ParentID string
	Type     string
	Data     string
	Mentions []string
}

// CreateNode inserts a node with its first update. Local rows carry revision zero until the
// server's copy replaces them.
func (s *Service) CreateNode(ctx context.Context, input CreateNodeInput) (Result, error) {
	if err := validateCreate(input); err != nil {
		return Result{}, newServiceError(opCreateNode, reasonInvalidInput, err)
	}
	return s.execute(ctx, opCreateNode, func(tx *gorm.DB) (Result, []events.Event, error) {
		nodeID, err := newID()
		if err != nil {
			return Result{}, nil, err
		}
		updateID, err := newID()
		if err != nil {
			return Result{}, nil, err
		}
		rootID := nodeID
		if input.ParentID != "" {
			parent, err := s.loadNode(tx, opCreateNode, input.ParentID)
			if err != nil {
				return Result{}, nil, err
			}
			rootID = parent.RootID
		}

		now := s.timestamp()
		node := localdb.Node{
			ID:        nodeID,
			RootID:    rootID,
			ParentID:  input.ParentID,
			Type:      input.Type,
			CreatedBy: s.userID,
			Mentions:  localdb.EncodeMentions(input.Mentions),
			Data:      input.Data,
			CreatedAt: now,
		}
		if err := tx.Create(&node).Error; err != nil {
			return Result{}, nil, err
		}
		update := localdb.NodeUpdate{
			ID:        updateID,
			NodeID:    nodeID,
			RootID:    rootID,
			Data:      input.Data,
			CreatedBy: s.userID,
			CreatedAt: now,
		}
		if err := tx.Create(&update).Error; err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationCreateNode, protocol.CreateNodeData{
			NodeID:    nodeID,
			ParentID:  input.ParentID,
			NodeType:  input.Type,
			UpdateID:  updateID,
			Data:      input.Data,
			Mentions:  input.Mentions,
			CreatedAt: now,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: nodeID, MutationID: mutation.ID},
			[]events.Event{events.NodeChanged{Created: true, Node: node}}, nil
	})
}

func validateCreate(input CreateNodeInput) error {
	if err := protocol.ValidateIdentifier("node type", input.Type); err != nil {
		return err
	}
	if input.ParentID != "" {
		if err := protocol.ValidateIdentifier("parent id", input.ParentID); err != nil {
			return err
		}
	}
	return protocol.ValidateBlob(input.Data)
}

// UpdateNode appends a CRDT update to an existing node.
func (s *Service) UpdateNode(ctx context.Context, nodeID, data string, mentions []string) (Result, error) {
	if err := protocol.ValidateBlob(data); err != nil {
		return Result{}, newServiceError(opUpdateNode, reasonInvalidInput, err)
	}
	return s.execute(ctx, opUpdateNode, func(tx *gorm.DB) (Result, []events.Event, error) {
		node, err := s.loadNode(tx, opUpdateNode, nodeID)
		if err != nil {
			return Result{}, nil, err
		}
		updateID, err := newID()
		if err != nil {
			return Result{}, nil, err
		}
		now := s.timestamp()
		update := localdb.NodeUpdate{
			ID:        updateID,
			NodeID:    nodeID,
			RootID:    node.RootID,
			Data:      data,
			CreatedBy: s.userID,
			CreatedAt: now,
		}
		if err := tx.Create(&update).Error; err != nil {
			return Result{}, nil, err
		}

		node.Data = data
		node.Mentions = localdb.EncodeMentions(mentions)
		node.UpdatedAt = &now
		err = tx.Model(&localdb.Node{}).Where("id = ?", nodeID).Updates(map[string]any{
			"data":       node.Data,
			"mentions":   node.Mentions,
			"updated_at": node.UpdatedAt,
		}).Error
		if err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationUpdateNode, protocol.UpdateNodeData{
			NodeID:    nodeID,
			UpdateID:  updateID,
			Data:      data,
			Mentions:  mentions,
			CreatedAt: now,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: nodeID, MutationID: mutation.ID},
			[]events.Event{events.NodeChanged{Node: node}}, nil
	})
}

// DeleteNode removes a node locally and records a tombstone so late updates are ignored.
func (s *Service) DeleteNode(ctx context.Context, nodeID string) (Result, error) {
	return s.execute(ctx, opDeleteNode, func(tx *gorm.DB) (Result, []events.Event, error) {
		node, err := s.loadNode(tx, opDeleteNode, nodeID)
		if err != nil {
			return Result{}, nil, err
		}
		now := s.timestamp()
		tombstone := localdb.NodeTombstone{ID: nodeID, RootID: node.RootID, DeletedBy: s.userID, DeletedAt: now}
		if _, err := localdb.UpsertIfNewer(tx, &tombstone, "id"); err != nil {
			return Result{}, nil, err
		}
		change, err := s.counters.MessageDeleted(tx, node)
		if err != nil {
			return Result{}, nil, err
		}
		_, removed, err := localdb.DeleteNodeRows(tx, nodeID)
		if err != nil {
			return Result{}, nil, err
		}
		change.Deleted = append(change.Deleted, removed...)
		mutation, err := s.outbox.Append(tx, protocol.MutationDeleteNode, protocol.DeleteNodeData{NodeID: nodeID, DeletedAt: now})
		if err != nil {
			return Result{}, nil, err
		}
		published := append([]events.Event{events.NodeDeleted{Node: node}}, change.Events()...)
		return Result{Success: true, NodeID: nodeID, MutationID: mutation.ID}, published, nil
	})
}

// CreateNodeReaction adds, or restores, the local user's reaction. An active reaction is left as is.
func (s *Service) CreateNodeReaction(ctx context.Context, nodeID, reaction string) (Result, error) {
	if err := protocol.ValidateIdentifier("reaction", reaction); err != nil {
		return Result{}, newServiceError(opCreateNodeReaction, reasonInvalidInput, err)
	}
	return s.execute(ctx, opCreateNodeReaction, func(tx *gorm.DB) (Result, []events.Event, error) {
		node, err := s.loadNode(tx, opCreateNodeReaction, nodeID)
		if err != nil {
			return Result{}, nil, err
		}
		existing, found, err := s.loadReaction(tx, nodeID, reaction)
		if err != nil {
			return Result{}, nil, err
		}
		if found && existing.Active() {
			return Result{Success: true, NodeID: nodeID}, nil, nil
		}

		now := s.timestamp()
		row := localdb.NodeReaction{
			NodeID:         nodeID,
			CollaboratorID: s.userID,
			Reaction:       reaction,
			RootID:         node.RootID,
			CreatedAt:      now,
		}
		if found {
			row.Revision = existing.Revision
			err = tx.Model(&localdb.NodeReaction{}).
				Where("node_id = ? AND collaborator_id = ? AND reaction = ?", nodeID, s.userID, reaction).
				Updates(map[string]any{"created_at": now, "deleted_at": nil}).Error
		} else {
			err = tx.Create(&row).Error
		}
		if err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationCreateNodeReaction, protocol.CreateNodeReactionData{
			NodeID:    nodeID,
			Reaction:  reaction,
			CreatedAt: now,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: nodeID, MutationID: mutation.ID},
			[]events.Event{events.NodeReactionChanged{Reaction: row}}, nil
	})
}

// DeleteNodeReaction soft-deletes the local user's reaction. A missing or deleted reaction is left as is.
func (s *Service) DeleteNodeReaction(ctx context.Context, nodeID, reaction string) (Result, error) {
	return s.execute(ctx, opDeleteNodeReaction, func(tx *gorm.DB) (Result, []events.Event, error) {
		existing, found, err := s.loadReaction(tx, nodeID, reaction)
		if err != nil {
			return Result{}, nil, err
		}
		if !found || !existing.Active() {
			return Result{Success: true, NodeID: nodeID}, nil, nil
		}
		now := s.timestamp()
		existing.DeletedAt = &now
		err = tx.Model(&localdb.NodeReaction{}).
			Where("node_id = ? AND collaborator_id = ? AND reaction = ?", nodeID, s.userID, reaction).
			Update("deleted_at", now).Error
		if err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationDeleteNodeReaction, protocol.DeleteNodeReactionData{
			NodeID:    nodeID,
			Reaction:  reaction,
			DeletedAt: now,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: nodeID, MutationID: mutation.ID},
			[]events.Event{events.NodeReactionChanged{Reaction: existing}}, nil
	})
}

func (s *Service) loadReaction(tx *gorm.DB, nodeID, reaction string) (localdb.NodeReaction, bool, error) {
	var row localdb.NodeReaction
	err := tx.Where("node_id = ? AND collaborator_id = ? AND reaction = ?", nodeID, s.userID, reaction).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return localdb.NodeReaction{}, false, nil
	}
	if err != nil {
		return localdb.NodeReaction{}, false, err
	}
	return row, true, nil
}

// UpdateDocument appends a CRDT update to the document body of documentID's node.
func (s *Service) UpdateDocument(ctx context.Context, documentID, data string) (Result, error) {
	if err := protocol.ValidateBlob(data); err != nil {
		return Result{}, newServiceError(opUpdateDocument, reasonInvalidInput, err)
	}
	return s.execute(ctx, opUpdateDocument, func(tx *gorm.DB) (Result, []events.Event, error) {
		node, err := s.loadNode(tx, opUpdateDocument, documentID)
		if err != nil {
			return Result{}, nil, err
		}
		updateID, err := newID()
		if err != nil {
			return Result{}, nil, err
		}
		now := s.timestamp()
		update := localdb.DocumentUpdate{
			ID:         updateID,
			DocumentID: documentID,
			RootID:     node.RootID,
			Data:       data,
			CreatedBy:  s.userID,
			CreatedAt:  now,
		}
		if err := tx.Create(&update).Error; err != nil {
			return Result{}, nil, err
		}

		var document localdb.Document
		err = tx.Where("id = ?", documentID).Take(&document).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			document = localdb.Document{ID: documentID, RootID: node.RootID, UpdatedAt: now}
			err = tx.Create(&document).Error
		case err == nil:
			document.UpdatedAt = now
			err = tx.Model(&localdb.Document{}).Where("id = ?", documentID).Update("updated_at", now).Error
		}
		if err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationUpdateDocument, protocol.UpdateDocumentData{
			DocumentID: documentID,
			UpdateID:   updateID,
			Data:       data,
			CreatedAt:  now,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: documentID, MutationID: mutation.ID},
			[]events.Event{events.DocumentUpdated{Document: document}}, nil
	})
}
