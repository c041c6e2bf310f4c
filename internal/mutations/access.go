package mutations

import (
	"errors"

	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"gorm.io/gorm"
)

func loadNode(tx *gorm.DB, actor Actor, nodeID string, missingReason string) (storage.Node, error) {
	if err := protocol.ValidateIdentifier("node id", nodeID); err != nil {
		return storage.Node{}, reject(protocol.MutationStatusBadRequest, reasonInvalidData)
	}
	var node storage.Node
	err := tx.Where("id = ?", nodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Node{}, reject(protocol.MutationStatusNotFound, missingReason)
	}
	if err != nil {
		return storage.Node{}, err
	}
	if node.WorkspaceID != actor.WorkspaceID {
		return storage.Node{}, reject(protocol.MutationStatusNotFound, missingReason)
	}
	return node, nil
}

// requireRole checks that actor holds an active collaboration on rootID satisfying allowed.
func requireRole(tx *gorm.DB, actor Actor, rootID string, allowed func(role string) bool) (storage.Collaboration, error) {
	var collaboration storage.Collaboration
	err := tx.Where("node_id = ? AND collaborator_id = ? AND deleted_at IS NULL", rootID, actor.UserID).
		Take(&collaboration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Collaboration{}, reject(protocol.MutationStatusForbidden, reasonForbidden)
	}
	if err != nil {
		return storage.Collaboration{}, err
	}
	if allowed != nil && !allowed(collaboration.Role) {
		return storage.Collaboration{}, reject(protocol.MutationStatusForbidden, reasonForbidden)
	}
	return collaboration, nil
}

func anyRole(string) bool {
	return true
}

func adminRole(role string) bool {
	return role == protocol.RoleAdmin
}

func recordExists(tx *gorm.DB, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := tx.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// updateApplied reports whether updateID was already stored for ownerID, rejecting an id
// that is taken by a different owner.
func updateApplied(tx *gorm.DB, model any, ownerColumn, updateID, ownerID string) (bool, error) {
	taken, err := recordExists(tx, model, "id = ?", updateID)
	if err != nil || !taken {
		return false, err
	}
	owned, err := recordExists(tx, model, "id = ? AND "+ownerColumn+" = ?", updateID, ownerID)
	if err != nil {
		return false, err
	}
	if !owned {
		return false, reject(protocol.MutationStatusBadRequest, reasonUpdateIDConflict)
	}
	return true, nil
}
