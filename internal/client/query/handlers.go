package query

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/radar"
	"gorm.io/gorm"
)

// Query type names, used as subscription id prefixes by callers.
const (
	TypeNodeGet          = "node_get"
	TypeNodeChildrenList = "node_children_list"
	TypeNodeReactionList = "node_reaction_list"
	TypeUserList         = "user_list"
	TypeRadarDataGet     = "radar_data_get"
)

// NodeGetInput selects one node.
type NodeGetInput struct {
	NodeID string
}

// NodeChildrenListInput selects the children of a node, oldest first.
type NodeChildrenListInput struct {
	ParentID string
}

// NodeReactionListInput selects the active reactions of a node.
type NodeReactionListInput struct {
	NodeID string
}

// UserListInput selects every workspace user, ordered by name.
type UserListInput struct{}

// RadarDataGetInput selects the unread projection.
type RadarDataGetInput struct{}

// RadarReader exposes the radar projection.
type RadarReader interface {
	GetData() radar.Data
}

// NodeGetHandler answers node_get. A missing node yields nil.
type NodeGetHandler struct {
	db *gorm.DB
}

// NewNodeGetHandler constructs the node_get handler.
func NewNodeGetHandler(db *gorm.DB) *NodeGetHandler {
	return &NodeGetHandler{db: db}
}

func (h *NodeGetHandler) HandleQuery(ctx context.Context, input NodeGetInput) (*localdb.Node, error) {
	var node localdb.Node
	err := h.db.WithContext(ctx).Where("id = ?", input.NodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (h *NodeGetHandler) CheckForChanges(_ context.Context, event events.Event, input NodeGetInput, previous *localdb.Node) (Change[*localdb.Node], error) {
	return events.Dispatch[Change[*localdb.Node]](event, nodeGetVisitor{input: input, previous: previous}), nil
}

type nodeGetVisitor struct {
	input    NodeGetInput
	previous *localdb.Node
}

func (v nodeGetVisitor) NodeChanged(event events.NodeChanged) Change[*localdb.Node] {
	if event.Node.ID != v.input.NodeID {
		return Unchanged[*localdb.Node]()
	}
	node := event.Node
	return Changed(&node)
}

func (v nodeGetVisitor) NodeDeleted(event events.NodeDeleted) Change[*localdb.Node] {
	if event.Node.ID != v.input.NodeID || v.previous == nil {
		return Unchanged[*localdb.Node]()
	}
	return Changed[*localdb.Node](nil)
}

func (v nodeGetVisitor) CollaborationDeleted(event events.CollaborationDeleted) Change[*localdb.Node] {
	if v.previous == nil || v.previous.RootID != event.Collaboration.NodeID {
		return Unchanged[*localdb.Node]()
	}
	return Changed[*localdb.Node](nil)
}

func (nodeGetVisitor) UserChanged(events.UserChanged) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) CollaborationChanged(events.CollaborationChanged) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) NodeInteractionUpdated(events.NodeInteractionUpdated) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) NodeReactionChanged(events.NodeReactionChanged) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) DocumentUpdated(events.DocumentUpdated) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) NodeCounterUpdated(events.NodeCounterUpdated) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) NodeCounterDeleted(events.NodeCounterDeleted) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) RadarDataUpdated(events.RadarDataUpdated) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}
func (nodeGetVisitor) MutationFailed(events.MutationFailed) Change[*localdb.Node] {
	return Unchanged[*localdb.Node]()
}

// NodeChildrenListHandler answers node_children_list by patching the previous list.
type NodeChildrenListHandler struct {
	db *gorm.DB
}

// NewNodeChildrenListHandler constructs the node_children_list handler.
func NewNodeChildrenListHandler(db *gorm.DB) *NodeChildrenListHandler {
	return &NodeChildrenListHandler{db: db}
}

func (h *NodeChildrenListHandler) HandleQuery(ctx context.Context, input NodeChildrenListInput) ([]localdb.Node, error) {
	var nodes []localdb.Node
	err := h.db.WithContext(ctx).
		Where("parent_id = ?", input.ParentID).
		Order("created_at ASC, id ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (h *NodeChildrenListHandler) CheckForChanges(ctx context.Context, event events.Event, input NodeChildrenListInput, previous []localdb.Node) (Change[[]localdb.Node], error) {
	verdict := events.Dispatch[listVerdict[localdb.Node]](event, childrenVisitor{input: input, previous: previous})
	return verdict.change(), nil
}

type childrenVisitor struct {
	input    NodeChildrenListInput
	previous []localdb.Node
}

func nodeKey(node localdb.Node) string { return node.ID }

func nodeBefore(left, right localdb.Node) bool {
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return left.ID < right.ID
}

func (v childrenVisitor) NodeChanged(event events.NodeChanged) listVerdict[localdb.Node] {
	if event.Node.ParentID != v.input.ParentID {
		return patchedIfChanged(v.previous, removeWhere(v.previous, func(node localdb.Node) bool {
			return node.ID == event.Node.ID
		}))
	}
	return patched(upsertSorted(v.previous, event.Node, nodeKey, nodeBefore))
}

func (v childrenVisitor) NodeDeleted(event events.NodeDeleted) listVerdict[localdb.Node] {
	return patchedIfChanged(v.previous, removeWhere(v.previous, func(node localdb.Node) bool {
		return node.ID == event.Node.ID
	}))
}

func (v childrenVisitor) CollaborationDeleted(event events.CollaborationDeleted) listVerdict[localdb.Node] {
	return patchedIfChanged(v.previous, removeWhere(v.previous, func(node localdb.Node) bool {
		return node.RootID == event.Collaboration.NodeID
	}))
}

func (childrenVisitor) CollaborationChanged(events.CollaborationChanged) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}

func (childrenVisitor) UserChanged(events.UserChanged) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) NodeInteractionUpdated(events.NodeInteractionUpdated) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) NodeReactionChanged(events.NodeReactionChanged) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) DocumentUpdated(events.DocumentUpdated) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) NodeCounterUpdated(events.NodeCounterUpdated) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) NodeCounterDeleted(events.NodeCounterDeleted) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) RadarDataUpdated(events.RadarDataUpdated) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}
func (childrenVisitor) MutationFailed(events.MutationFailed) listVerdict[localdb.Node] {
	return keepList[localdb.Node]()
}

// NodeReactionListHandler answers node_reaction_list with active reactions, oldest first.
type NodeReactionListHandler struct {
	db *gorm.DB
}

// NewNodeReactionListHandler constructs the node_reaction_list handler.
func NewNodeReactionListHandler(db *gorm.DB) *NodeReactionListHandler {
	return &NodeReactionListHandler{db: db}
}

func (h *NodeReactionListHandler) HandleQuery(ctx context.Context, input NodeReactionListInput) ([]localdb.NodeReaction, error) {
	var reactions []localdb.NodeReaction
	err := h.db.WithContext(ctx).
		Where("node_id = ? AND deleted_at IS NULL", input.NodeID).
		Order("created_at ASC, collaborator_id ASC, reaction ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (h *NodeReactionListHandler) CheckForChanges(ctx context.Context, event events.Event, input NodeReactionListInput, previous []localdb.NodeReaction) (Change[[]localdb.NodeReaction], error) {
	verdict := events.Dispatch[listVerdict[localdb.NodeReaction]](event, reactionsVisitor{input: input, previous: previous})
	return verdict.change(), nil
}

type reactionsVisitor struct {
	input    NodeReactionListInput
	previous []localdb.NodeReaction
}

func reactionKey(reaction localdb.NodeReaction) string {
	return reaction.CollaboratorID + "\x00" + reaction.Reaction
}

func reactionBefore(left, right localdb.NodeReaction) bool {
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return reactionKey(left) < reactionKey(right)
}

func (v reactionsVisitor) NodeReactionChanged(event events.NodeReactionChanged) listVerdict[localdb.NodeReaction] {
	reaction := event.Reaction
	if reaction.NodeID != v.input.NodeID {
		return keepList[localdb.NodeReaction]()
	}
	if !reaction.Active() {
		key := reactionKey(reaction)
		return patchedIfChanged(v.previous, removeWhere(v.previous, func(existing localdb.NodeReaction) bool {
			return reactionKey(existing) == key
		}))
	}
	return patched(upsertSorted(v.previous, reaction, reactionKey, reactionBefore))
}

func (v reactionsVisitor) NodeDeleted(event events.NodeDeleted) listVerdict[localdb.NodeReaction] {
	if event.Node.ID != v.input.NodeID || len(v.previous) == 0 {
		return keepList[localdb.NodeReaction]()
	}
	return patched([]localdb.NodeReaction{})
}

func (v reactionsVisitor) CollaborationDeleted(event events.CollaborationDeleted) listVerdict[localdb.NodeReaction] {
	return patchedIfChanged(v.previous, removeWhere(v.previous, func(reaction localdb.NodeReaction) bool {
		return reaction.RootID == event.Collaboration.NodeID
	}))
}

func (reactionsVisitor) UserChanged(events.UserChanged) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) CollaborationChanged(events.CollaborationChanged) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) NodeChanged(events.NodeChanged) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) NodeInteractionUpdated(events.NodeInteractionUpdated) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) DocumentUpdated(events.DocumentUpdated) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) NodeCounterUpdated(events.NodeCounterUpdated) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) NodeCounterDeleted(events.NodeCounterDeleted) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) RadarDataUpdated(events.RadarDataUpdated) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}
func (reactionsVisitor) MutationFailed(events.MutationFailed) listVerdict[localdb.NodeReaction] {
	return keepList[localdb.NodeReaction]()
}

// UserListHandler answers user_list.
type UserListHandler struct {
	db *gorm.DB
}

// NewUserListHandler constructs the user_list handler.
func NewUserListHandler(db *gorm.DB) *UserListHandler {
	return &UserListHandler{db: db}
}

func (h *UserListHandler) HandleQuery(ctx context.Context, _ UserListInput) ([]localdb.User, error) {
	var users []localdb.User
	if err := h.db.WithContext(ctx).Order("name ASC, id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (h *UserListHandler) CheckForChanges(ctx context.Context, event events.Event, input UserListInput, previous []localdb.User) (Change[[]localdb.User], error) {
	verdict := events.Dispatch[listVerdict[localdb.User]](event, usersVisitor{previous: previous})
	return verdict.change(), nil
}

type usersVisitor struct {
	previous []localdb.User
}

func userKey(user localdb.User) string { return user.ID }

func userBefore(left, right localdb.User) bool {
	if left.Name != right.Name {
		return left.Name < right.Name
	}
	return left.ID < right.ID
}

func (v usersVisitor) UserChanged(event events.UserChanged) listVerdict[localdb.User] {
	// A rename moves the row, so drop it before re-inserting in order.
	without := removeWhere(v.previous, func(user localdb.User) bool { return user.ID == event.User.ID })
	return patched(upsertSorted(without, event.User, userKey, userBefore))
}

func (usersVisitor) CollaborationChanged(events.CollaborationChanged) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) CollaborationDeleted(events.CollaborationDeleted) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) NodeChanged(events.NodeChanged) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) NodeDeleted(events.NodeDeleted) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) NodeInteractionUpdated(events.NodeInteractionUpdated) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) NodeReactionChanged(events.NodeReactionChanged) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) DocumentUpdated(events.DocumentUpdated) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) NodeCounterUpdated(events.NodeCounterUpdated) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) NodeCounterDeleted(events.NodeCounterDeleted) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) RadarDataUpdated(events.RadarDataUpdated) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}
func (usersVisitor) MutationFailed(events.MutationFailed) listVerdict[localdb.User] {
	return keepList[localdb.User]()
}

// RadarDataGetHandler answers radar_data_get from the in-memory radar.
type RadarDataGetHandler struct {
	reader RadarReader
}

// NewRadarDataGetHandler constructs the radar_data_get handler.
func NewRadarDataGetHandler(reader RadarReader) *RadarDataGetHandler {
	return &RadarDataGetHandler{reader: reader}
}

func (h *RadarDataGetHandler) HandleQuery(context.Context, RadarDataGetInput) (radar.Data, error) {
	return h.reader.GetData(), nil
}

// The radar event carries no payload, so every radar change is a re-read of the projection.
func (h *RadarDataGetHandler) CheckForChanges(_ context.Context, event events.Event, _ RadarDataGetInput, previous radar.Data) (Change[radar.Data], error) {
	if !events.Dispatch[bool](event, radarVisitor{}) {
		return Unchanged[radar.Data](), nil
	}
	current := h.reader.GetData()
	if current.Equal(previous) {
		return Unchanged[radar.Data](), nil
	}
	return Changed(current), nil
}

// radarVisitor reports whether an event may have changed the projection.
type radarVisitor struct{}

func (radarVisitor) RadarDataUpdated(events.RadarDataUpdated) bool               { return true }
func (radarVisitor) UserChanged(events.UserChanged) bool                         { return false }
func (radarVisitor) CollaborationChanged(events.CollaborationChanged) bool       { return false }
func (radarVisitor) CollaborationDeleted(events.CollaborationDeleted) bool       { return false }
func (radarVisitor) NodeChanged(events.NodeChanged) bool                         { return false }
func (radarVisitor) NodeDeleted(events.NodeDeleted) bool                         { return false }
func (radarVisitor) NodeInteractionUpdated(events.NodeInteractionUpdated) bool   { return false }
func (radarVisitor) NodeReactionChanged(events.NodeReactionChanged) bool         { return false }
func (radarVisitor) DocumentUpdated(events.DocumentUpdated) bool                 { return false }
func (radarVisitor) NodeCounterUpdated(events.NodeCounterUpdated) bool           { return false }
func (radarVisitor) NodeCounterDeleted(events.NodeCounterDeleted) bool           { return false }
func (radarVisitor) MutationFailed(events.MutationFailed) bool                   { return false }

// listVerdict is a list handler's decision for one event: keep the previous list or replace it
// with a patched copy.
type listVerdict[T any] struct {
	changed bool
	result  []T
}

func keepList[T any]() listVerdict[T] {
	return listVerdict[T]{}
}

func patched[T any](result []T) listVerdict[T] {
	return listVerdict[T]{changed: true, result: result}
}

func patchedIfChanged[T any](previous, next []T) listVerdict[T] {
	if len(previous) == len(next) {
		return keepList[T]()
	}
	return patched(next)
}

func (v listVerdict[T]) change() Change[[]T] {
	if !v.changed {
		return Unchanged[[]T]()
	}
	return Changed(v.result)
}

// upsertSorted returns a copy of list with item replacing the entry of the same key, or inserted
// at its ordered position.
func upsertSorted[T any](list []T, item T, key func(T) string, before func(left, right T) bool) []T {
	next := make([]T, 0, len(list)+1)
	target := key(item)
	for _, existing := range list {
		if key(existing) == target {
			continue
		}
		next = append(next, existing)
	}
	position := sort.Search(len(next), func(index int) bool { return before(item, next[index]) })
	next = append(next, item)
	copy(next[position+1:], next[position:])
	next[position] = item
	return next
}

func removeWhere[T any](list []T, match func(T) bool) []T {
	next := make([]T, 0, len(list))
	for _, item := range list {
		if !match(item) {
			next = append(next, item)
		}
	}
	return next
}
