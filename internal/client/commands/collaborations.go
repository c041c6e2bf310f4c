package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"gorm.io/gorm"
)

const (
	opGrantCollaboration  = "commands.grant_collaboration"
	opRevokeCollaboration = "commands.revoke_collaboration"
)

// GrantCollaboration gives collaboratorID role on rootID. The replica only stores the local user's
// own collaborations, so the command has no local effect beyond the outbox entry.
func (s *Service) GrantCollaboration(ctx context.Context, rootID, collaboratorID, role string) (Result, error) {
	if err := protocol.ValidateIdentifier("collaborator id", collaboratorID); err != nil {
		return Result{}, newServiceError(opGrantCollaboration, reasonInvalidInput, err)
	}
	if !protocol.KnownRole(role) {
		return Result{}, newServiceError(opGrantCollaboration, reasonInvalidInput, fmt.Errorf("unknown role %q", role))
	}
	return s.execute(ctx, opGrantCollaboration, func(tx *gorm.DB) (Result, []events.Event, error) {
		if err := s.requireAdmin(tx, opGrantCollaboration, rootID); err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationGrantCollaboration, protocol.GrantCollaborationData{
			NodeID:         rootID,
			CollaboratorID: collaboratorID,
			Role:           role,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: rootID, MutationID: mutation.ID}, nil, nil
	})
}

// RevokeCollaboration removes collaboratorID from rootID.
func (s *Service) RevokeCollaboration(ctx context.Context, rootID, collaboratorID string) (Result, error) {
	if err := protocol.ValidateIdentifier("collaborator id", collaboratorID); err != nil {
		return Result{}, newServiceError(opRevokeCollaboration, reasonInvalidInput, err)
	}
	return s.execute(ctx, opRevokeCollaboration, func(tx *gorm.DB) (Result, []events.Event, error) {
		if err := s.requireAdmin(tx, opRevokeCollaboration, rootID); err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, protocol.MutationRevokeCollaboration, protocol.RevokeCollaborationData{
			NodeID:         rootID,
			CollaboratorID: collaboratorID,
		})
		if err != nil {
			return Result{}, nil, err
		}
		return Result{Success: true, NodeID: rootID, MutationID: mutation.ID}, nil, nil
	})
}

// requireAdmin accepts an active admin collaboration, or a root created locally that the server
// has not confirmed yet.
func (s *Service) requireAdmin(tx *gorm.DB, operation, rootID string) error {
	var collaboration localdb.Collaboration
	err := tx.Where("node_id = ?", rootID).Take(&collaboration).Error
	if err == nil {
		if collaboration.Active() && collaboration.Role == protocol.RoleAdmin {
			return nil
		}
		return newServiceError(operation, reasonForbidden, fmt.Errorf("%w: %s", ErrNotAdmin, rootID))
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	root, err := s.loadNode(tx, operation, rootID)
	if err != nil {
		return err
	}
	if root.ID == root.RootID && root.CreatedBy == s.userID && root.Revision == 0 {
		return nil
	}
	return newServiceError(operation, reasonForbidden, fmt.Errorf("%w: %s", ErrNotAdmin, rootID))
}
