// Package radar keeps the in-memory unread view of a workspace.
//
// The view is seeded once from persisted counters and afterwards changes only through
// node_counter_updated and node_counter_deleted events.
package radar

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"go.uber.org/zap"
)

var (
	errMissingBus    = errors.New("radar: event bus is required")
	errMissingLoader = errors.New("radar: counter loader is required")
	// ErrDestroyed indicates that the radar was used after Destroy.
	ErrDestroyed = errors.New("radar: destroyed")
)

// CounterLoader performs the one full scan of persisted counters.
type CounterLoader interface {
	LoadCounters(ctx context.Context) ([]localdb.NodeCounter, error)
}

// NodeState is the unread projection of one node.
type NodeState struct {
	NodeID      string `json:"nodeId"`
	HasUnread   bool   `json:"hasUnread"`
	UnreadCount int64  `json:"unreadCount"`
}

// Data is the projection returned by GetData.
type Data struct {
	HasUnread   bool                 `json:"hasUnread"`
	UnreadCount int64                `json:"unreadCount"`
	Nodes       map[string]NodeState `json:"nodes"`
}

// Config wires a radar.
type Config struct {
	Bus    *events.Bus
	Loader CounterLoader
	Logger *zap.Logger
}

// Radar aggregates per-node unread counters.
type Radar struct {
	bus    *events.Bus
	loader CounterLoader
	logger *zap.Logger

	mu             sync.RWMutex
	counts         map[string]map[localdb.CounterType]int64
	initialized    bool
	destroyed      bool
	subscriptionID int64
}

// New constructs an uninitialised radar.
func New(cfg Config) (*Radar, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Radar{
		bus:    cfg.Bus,
		loader: cfg.Loader,
		logger: logger,
		counts: make(map[string]map[localdb.CounterType]int64),
	}, nil
}

// Init seeds the view from the loader and starts following counter events. Repeated calls are no-ops.
func (r *Radar) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if r.initialized {
		return nil
	}
	counters, err := r.loader.LoadCounters(ctx)
	if err != nil {
		return err
	}
	for _, counter := range counters {
		r.setLocked(counter.NodeID, counter.Type, counter.Count)
	}
	r.subscriptionID = r.bus.Subscribe(r.handle)
	r.initialized = true
	r.logger.Debug("radar seeded", zap.Int("counters", len(counters)))
	return nil
}

// Destroy stops following events and clears the view.
func (r *Radar) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	if r.initialized {
		r.bus.Unsubscribe(r.subscriptionID)
	}
	r.counts = make(map[string]map[localdb.CounterType]int64)
}

func (r *Radar) handle(event events.Event) {
	if events.Dispatch[bool](event, (*radarVisitor)(r)) {
		r.bus.Publish(events.RadarDataUpdated{})
	}
}

// Count returns one stored counter value.
func (r *Radar) Count(nodeID string, counterType localdb.CounterType) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[nodeID][counterType]
}

// GetData projects the stored counters. Plain unread messages mark a node as unread without
// contributing to its number.
func (r *Radar) GetData() Data {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := Data{Nodes: make(map[string]NodeState, len(r.counts))}
	for nodeID, byType := range r.counts {
		state := project(nodeID, byType)
		data.Nodes[nodeID] = state
		data.HasUnread = data.HasUnread || state.HasUnread
		data.UnreadCount += state.UnreadCount
	}
	return data
}

// NodeIDs returns the nodes with stored counters in ascending order.
func (d Data) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether two projections are identical.
func (d Data) Equal(other Data) bool {
	if d.HasUnread != other.HasUnread || d.UnreadCount != other.UnreadCount || len(d.Nodes) != len(other.Nodes) {
		return false
	}
	for id, state := range d.Nodes {
		if other.Nodes[id] != state {
			return false
		}
	}
	return true
}

func project(nodeID string, byType map[localdb.CounterType]int64) NodeState {
	state := NodeState{NodeID: nodeID}
	for counterType, count := range byType {
		if count > 0 {
			state.HasUnread = true
		}
		switch counterType {
		case localdb.CounterUnreadMentions, localdb.CounterUnreadImportantMessages:
			state.UnreadCount += count
		}
	}
	return state
}

// set stores count and reports whether the stored value changed.
func (r *Radar) set(nodeID string, counterType localdb.CounterType, count int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(nodeID, counterType, count)
}

func (r *Radar) setLocked(nodeID string, counterType localdb.CounterType, count int64) bool {
	byType, ok := r.counts[nodeID]
	if !ok {
		byType = make(map[localdb.CounterType]int64)
		r.counts[nodeID] = byType
	}
	if current, ok := byType[counterType]; ok && current == count {
		return false
	}
	byType[counterType] = count
	return true
}

func (r *Radar) remove(keys []localdb.CounterKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, key := range keys {
		byType, ok := r.counts[key.NodeID]
		if !ok {
			continue
		}
		if _, ok := byType[key.Type]; !ok {
			continue
		}
		delete(byType, key.Type)
		if len(byType) == 0 {
			delete(r.counts, key.NodeID)
		}
		changed = true
	}
	return changed
}

// radarVisitor reports whether an event changed the view.
type radarVisitor Radar

func (v *radarVisitor) NodeCounterUpdated(event events.NodeCounterUpdated) bool {
	counter := event.Counter
	return (*Radar)(v).set(counter.NodeID, counter.Type, counter.Count)
}

func (v *radarVisitor) NodeCounterDeleted(event events.NodeCounterDeleted) bool {
	return (*Radar)(v).remove(event.Counters)
}

func (*radarVisitor) UserChanged(events.UserChanged) bool                       { return false }
func (*radarVisitor) CollaborationChanged(events.CollaborationChanged) bool     { return false }
func (*radarVisitor) CollaborationDeleted(events.CollaborationDeleted) bool     { return false }
func (*radarVisitor) NodeChanged(events.NodeChanged) bool                       { return false }
func (*radarVisitor) NodeDeleted(events.NodeDeleted) bool                       { return false }
func (*radarVisitor) NodeInteractionUpdated(events.NodeInteractionUpdated) bool { return false }
func (*radarVisitor) NodeReactionChanged(events.NodeReactionChanged) bool       { return false }
func (*radarVisitor) DocumentUpdated(events.DocumentUpdated) bool               { return false }
func (*radarVisitor) RadarDataUpdated(events.RadarDataUpdated) bool             { return false }
func (*radarVisitor) MutationFailed(events.MutationFailed) bool                 { return false }
