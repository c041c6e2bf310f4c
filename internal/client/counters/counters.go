// Package counters maintains the persisted unread counters of the local user.
package counters

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"gorm.io/gorm"
)

// Change collects the counter rows one transaction touched.
type Change struct {
	Updated []localdb.NodeCounter
	Deleted []localdb.CounterKey
}

// Merge appends other to c.
func (c *Change) Merge(other Change) {
	c.Updated = append(c.Updated, other.Updated...)
	c.Deleted = append(c.Deleted, other.Deleted...)
}

// Events returns one updated event per changed counter and a single batched deleted event.
func (c Change) Events() []events.Event {
	published := make([]events.Event, 0, len(c.Updated)+1)
	for _, counter := range c.Updated {
		published = append(published, events.NodeCounterUpdated{Counter: counter})
	}
	if len(c.Deleted) > 0 {
		published = append(published, events.NodeCounterDeleted{Counters: c.Deleted})
	}
	return published
}

// CounterDelta maps a seen timestamp transition to a change in unread count: -1 when the node
// becomes seen for the first time, otherwise 0.
func CounterDelta(before, after *time.Time) int64 {
	if before == nil && after != nil {
		return -1
	}
	return 0
}

// Reconciler adjusts counters for one local user.
type Reconciler struct {
	userID string
	now    func() time.Time
}

// NewReconciler constructs a reconciler for userID.
func NewReconciler(userID string, clock func() time.Time) *Reconciler {
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{userID: userID, now: clock}
}

// MessageCreated counts a message written by someone else against its parent,
// unless the local user has already seen it.
func (r *Reconciler) MessageCreated(tx *gorm.DB, message localdb.Node) (Change, error) {
	if message.Type != localdb.NodeTypeMessage || message.CreatedBy == r.userID || message.ParentID == "" {
		return Change{}, nil
	}
	var interaction localdb.NodeInteraction
	err := tx.Where("node_id = ? AND collaborator_id = ?", message.ID, r.userID).Take(&interaction).Error
	switch {
	case err == nil && interaction.LastSeenAt != nil:
		return Change{}, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return Change{}, err
	}
	return r.apply(tx, message, 1)
}

// MessageDeleted withdraws what MessageCreated counted for message. It must run before the
// message's interaction rows are removed.
func (r *Reconciler) MessageDeleted(tx *gorm.DB, message localdb.Node) (Change, error) {
	if message.Type != localdb.NodeTypeMessage || message.CreatedBy == r.userID || message.ParentID == "" {
		return Change{}, nil
	}
	var interaction localdb.NodeInteraction
	err := tx.Where("node_id = ? AND collaborator_id = ?", message.ID, r.userID).Take(&interaction).Error
	switch {
	case err == nil && interaction.LastSeenAt != nil:
		return Change{}, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return Change{}, err
	}
	return r.apply(tx, message, -1)
}

// InteractionChanged forwards a local user's interaction transition to the message's parent counters.
// before is nil when no interaction row existed.
func (r *Reconciler) InteractionChanged(tx *gorm.DB, before *localdb.NodeInteraction, after localdb.NodeInteraction) (Change, error) {
	if after.CollaboratorID != r.userID {
		return Change{}, nil
	}
	var previousSeen *time.Time
	if before != nil {
		previousSeen = before.LastSeenAt
	}
	delta := CounterDelta(previousSeen, after.LastSeenAt)
	if delta == 0 {
		return Change{}, nil
	}
	var message localdb.Node
	err := tx.Where("id = ?", after.NodeID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Change{}, nil
	}
	if err != nil {
		return Change{}, err
	}
	if message.Type != localdb.NodeTypeMessage || message.CreatedBy == r.userID || message.ParentID == "" {
		return Change{}, nil
	}
	return r.apply(tx, message, delta)
}

func (r *Reconciler) apply(tx *gorm.DB, message localdb.Node, delta int64) (Change, error) {
	var parent localdb.Node
	err := tx.Where("id = ?", message.ParentID).Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Change{}, nil
	}
	if err != nil {
		return Change{}, err
	}

	counterTypes := []localdb.CounterType{localdb.CounterUnreadMessages}
	if parent.Type == localdb.NodeTypeChat {
		counterTypes[0] = localdb.CounterUnreadImportantMessages
	}
	if message.MentionsUser(r.userID) {
		counterTypes = append(counterTypes, localdb.CounterUnreadMentions)
	}

	var change Change
	for _, counterType := range counterTypes {
		next, err := r.adjust(tx, parent, counterType, delta)
		if err != nil {
			return Change{}, err
		}
		change.Merge(next)
	}
	return change, nil
}

func (r *Reconciler) adjust(tx *gorm.DB, node localdb.Node, counterType localdb.CounterType, delta int64) (Change, error) {
	now := r.now().UTC()
	var counter localdb.NodeCounter
	err := tx.Where("node_id = ? AND type = ?", node.ID, counterType).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if delta <= 0 {
			return Change{}, nil
		}
		counter = localdb.NodeCounter{NodeID: node.ID, Type: counterType, RootID: node.RootID, Count: delta, CreatedAt: now}
		if err := tx.Create(&counter).Error; err != nil {
			return Change{}, err
		}
		return Change{Updated: []localdb.NodeCounter{counter}}, nil
	}
	if err != nil {
		return Change{}, err
	}

	next := counter.Count + delta
	if next <= 0 {
		if err := tx.Where("node_id = ? AND type = ?", node.ID, counterType).Delete(&localdb.NodeCounter{}).Error; err != nil {
			return Change{}, err
		}
		return Change{Deleted: []localdb.CounterKey{counter.Key()}}, nil
	}
	err = tx.Model(&localdb.NodeCounter{}).
		Where("node_id = ? AND type = ?", node.ID, counterType).
		Updates(map[string]any{"count": next, "updated_at": now}).Error
	if err != nil {
		return Change{}, err
	}
	counter.Count = next
	counter.UpdatedAt = &now
	return Change{Updated: []localdb.NodeCounter{counter}}, nil
}
