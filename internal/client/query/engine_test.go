package query

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/radar"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustEngine(testContext *testing.T) (*Engine, *events.Bus, *gorm.DB) {
	testContext.Helper()
	db, err := localdb.Open(filepath.Join(testContext.TempDir(), "replica.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open replica: %v", err)
	}
	bus, err := events.NewBus()
	if err != nil {
		testContext.Fatalf("failed to create bus: %v", err)
	}
	engine, err := NewEngine(Config{Bus: bus})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.Init(context.Background()); err != nil {
		testContext.Fatalf("failed to init engine: %v", err)
	}
	testContext.Cleanup(engine.Destroy)
	return engine, bus, db
}

func mustCreate(testContext *testing.T, db *gorm.DB, rows ...any) {
	testContext.Helper()
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			testContext.Fatalf("failed to insert %T: %v", row, err)
		}
	}
}

func node(id, parentID string, minute int) localdb.Node {
	return localdb.Node{
		ID:        id,
		RootID:    "root-1",
		ParentID:  parentID,
		Type:      "page",
		CreatedBy: "u-1",
		Data:      "AQID",
		CreatedAt: time.Date(2026, 9, 1, 12, minute, 0, 0, time.UTC),
		Revision:  1,
	}
}

func TestNodeGetUsesEventPayloadWithoutReread(testContext *testing.T) {
	engine, bus, db := mustEngine(testContext)
	stored := node("node-x", "root-1", 0)
	mustCreate(testContext, db, &stored)

	var broadcasts []*localdb.Node
	initial, err := Subscribe[NodeGetInput, *localdb.Node](context.Background(), engine, "get-x",
		NewNodeGetHandler(db), NodeGetInput{NodeID: "node-x"},
		func(result *localdb.Node) { broadcasts = append(broadcasts, result) })
	if err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}
	if initial == nil || initial.ID != "node-x" {
		testContext.Fatalf("unexpected initial result: %+v", initial)
	}

	// The row disappears without an event; a re-read would now find nothing.
	if err := db.Where("id = ?", "node-x").Delete(&localdb.Node{}).Error; err != nil {
		testContext.Fatalf("failed to delete row: %v", err)
	}
	updated := stored
	updated.Data = "BAUG"
	updated.Revision = 2
	bus.Publish(events.NodeChanged{Node: updated})

	if len(broadcasts) != 1 || broadcasts[0] == nil || broadcasts[0].Data != "BAUG" || broadcasts[0].Revision != 2 {
		testContext.Fatalf("expected the event payload to be broadcast, got %+v", broadcasts)
	}
	cached, ok := Result[*localdb.Node](engine, "get-x")
	if !ok || cached.Data != "BAUG" {
		testContext.Fatalf("expected cached result to follow the event, got %+v", cached)
	}

	bus.Publish(events.NodeChanged{Node: node("node-y", "root-1", 1)})
	if len(broadcasts) != 1 {
		testContext.Fatalf("expected no broadcast for an unrelated node, got %d", len(broadcasts))
	}
}

func TestChildrenListPatchesInOrder(testContext *testing.T) {
	engine, bus, db := mustEngine(testContext)
	first := node("child-b", "parent-1", 1)
	second := node("child-d", "parent-1", 3)
	mustCreate(testContext, db, &first, &second)

	var latest []localdb.Node
	broadcasts := 0
	_, err := Subscribe[NodeChildrenListInput, []localdb.Node](context.Background(), engine, "children",
		NewNodeChildrenListHandler(db), NodeChildrenListInput{ParentID: "parent-1"},
		func(result []localdb.Node) { latest = result; broadcasts++ })
	if err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}

	bus.Publish(events.NodeChanged{Created: true, Node: node("child-c", "parent-1", 2)})
	bus.Publish(events.NodeChanged{Created: true, Node: node("elsewhere", "parent-2", 0)})
	bus.Publish(events.NodeDeleted{Node: first})

	if broadcasts != 2 {
		testContext.Fatalf("expected two broadcasts, got %d", broadcasts)
	}
	if len(latest) != 2 || latest[0].ID != "child-c" || latest[1].ID != "child-d" {
		testContext.Fatalf("unexpected children: %+v", latest)
	}

	bus.Publish(events.CollaborationDeleted{Collaboration: localdb.Collaboration{NodeID: "root-1"}})
	if len(latest) != 0 || broadcasts != 3 {
		testContext.Fatalf("expected revoked root to empty the list, got %+v", latest)
	}
}

func TestReactionListTracksSoftDeletes(testContext *testing.T) {
	engine, bus, db := mustEngine(testContext)
	created := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	thumbs := localdb.NodeReaction{NodeID: "msg-1", CollaboratorID: "u-2", Reaction: "+1", RootID: "root-1", CreatedAt: created, Revision: 1}
	mustCreate(testContext, db, &thumbs)

	var latest []localdb.NodeReaction
	initial, err := Subscribe[NodeReactionListInput, []localdb.NodeReaction](context.Background(), engine, "reactions",
		NewNodeReactionListHandler(db), NodeReactionListInput{NodeID: "msg-1"},
		func(result []localdb.NodeReaction) { latest = result })
	if err != nil || len(initial) != 1 {
		testContext.Fatalf("unexpected initial reactions %+v (%v)", initial, err)
	}

	heart := localdb.NodeReaction{NodeID: "msg-1", CollaboratorID: "u-3", Reaction: "heart", RootID: "root-1", CreatedAt: created.Add(time.Minute), Revision: 2}
	bus.Publish(events.NodeReactionChanged{Reaction: heart})
	if len(latest) != 2 || latest[1].Reaction != "heart" {
		testContext.Fatalf("expected heart appended, got %+v", latest)
	}

	deletedAt := created.Add(2 * time.Minute)
	removed := thumbs
	removed.DeletedAt = &deletedAt
	bus.Publish(events.NodeReactionChanged{Reaction: removed})
	if len(latest) != 1 || latest[0].Reaction != "heart" {
		testContext.Fatalf("expected +1 removed, got %+v", latest)
	}
}

func TestUserListReordersOnRename(testContext *testing.T) {
	engine, bus, db := mustEngine(testContext)
	created := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	alice := localdb.User{ID: "u-1", WorkspaceID: "ws-1", Name: "Alice", Role: "member", CreatedAt: created, Revision: 1}
	bob := localdb.User{ID: "u-2", WorkspaceID: "ws-1", Name: "Bob", Role: "member", CreatedAt: created, Revision: 2}
	mustCreate(testContext, db, &alice, &bob)

	var latest []localdb.User
	_, err := Subscribe[UserListInput, []localdb.User](context.Background(), engine, "users",
		NewUserListHandler(db), UserListInput{}, func(result []localdb.User) { latest = result })
	if err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}

	renamed := alice
	renamed.Name = "Zoe"
	renamed.Revision = 3
	bus.Publish(events.UserChanged{User: renamed})
	if len(latest) != 2 || latest[0].ID != "u-2" || latest[1].Name != "Zoe" {
		testContext.Fatalf("expected rename to reorder, got %+v", latest)
	}
}

type stubRadar struct {
	data radar.Data
}

func (s *stubRadar) GetData() radar.Data {
	return s.data
}

func TestRadarDataBroadcastsOnlyRealChanges(testContext *testing.T) {
	engine, bus, _ := mustEngine(testContext)
	reader := &stubRadar{data: radar.Data{Nodes: map[string]radar.NodeState{}}}

	broadcasts := 0
	_, err := Subscribe[RadarDataGetInput, radar.Data](context.Background(), engine, "radar",
		NewRadarDataGetHandler(reader), RadarDataGetInput{}, func(radar.Data) { broadcasts++ })
	if err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}

	bus.Publish(events.RadarDataUpdated{})
	if broadcasts != 0 {
		testContext.Fatalf("expected unchanged projection to stay quiet")
	}
	reader.data = radar.Data{HasUnread: true, UnreadCount: 1, Nodes: map[string]radar.NodeState{
		"chat-1": {NodeID: "chat-1", HasUnread: true, UnreadCount: 1},
	}}
	bus.Publish(events.NodeChanged{Node: node("node-1", "", 0)})
	if broadcasts != 0 {
		testContext.Fatalf("expected non-radar events to be ignored")
	}
	bus.Publish(events.RadarDataUpdated{})
	if broadcasts != 1 {
		testContext.Fatalf("expected one broadcast, got %d", broadcasts)
	}
}

type blockingHandler struct {
	engine *Engine
	id     string
}

func (h *blockingHandler) HandleQuery(context.Context, NodeGetInput) (int, error) {
	return 0, nil
}

// CheckForChanges unsubscribes its own subscription before answering.
func (h *blockingHandler) CheckForChanges(context.Context, events.Event, NodeGetInput, int) (Change[int], error) {
	h.engine.Unsubscribe(h.id)
	return Changed(1), nil
}

func TestResultOfRemovedSubscriptionIsDiscarded(testContext *testing.T) {
	engine, bus, _ := mustEngine(testContext)
	handler := &blockingHandler{engine: engine, id: "racy"}
	broadcasts := 0
	if _, err := Subscribe[NodeGetInput, int](context.Background(), engine, "racy", handler, NodeGetInput{}, func(int) { broadcasts++ }); err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}

	bus.Publish(events.RadarDataUpdated{})
	if broadcasts != 0 {
		testContext.Fatalf("expected the in-flight result to be discarded")
	}
	if engine.Len() != 0 {
		testContext.Fatalf("expected subscription to be gone")
	}
	engine.Unsubscribe("racy")
	if _, ok := Result[int](engine, "racy"); ok {
		testContext.Fatalf("expected no cached result after unsubscribe")
	}
}

// publishingNodeGet publishes a newer version of the node while its cold read is in flight.
type publishingNodeGet struct {
	*NodeGetHandler
	bus    *events.Bus
	update localdb.Node
}

func (h *publishingNodeGet) HandleQuery(ctx context.Context, input NodeGetInput) (*localdb.Node, error) {
	result, err := h.NodeGetHandler.HandleQuery(ctx, input)
	h.bus.Publish(events.NodeChanged{Node: h.update})
	return result, err
}

func TestEventDuringColdReadReachesSubscription(testContext *testing.T) {
	engine, bus, db := mustEngine(testContext)
	stored := node("node-x", "root-1", 0)
	mustCreate(testContext, db, &stored)
	updated := stored
	updated.Data = "BAUG"
	updated.Revision = 2

	handler := &publishingNodeGet{NodeGetHandler: NewNodeGetHandler(db), bus: bus, update: updated}
	broadcasts := 0
	initial, err := Subscribe[NodeGetInput, *localdb.Node](context.Background(), engine, "get-x",
		handler, NodeGetInput{NodeID: "node-x"}, func(*localdb.Node) { broadcasts++ })
	if err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}
	if initial == nil || initial.Revision != 2 || initial.Data != "BAUG" {
		testContext.Fatalf("expected the initial result to include the concurrent event, got %+v", initial)
	}
	cached, ok := Result[*localdb.Node](engine, "get-x")
	if !ok || cached.Revision != 2 {
		testContext.Fatalf("expected the cached result at revision 2, got %+v", cached)
	}
	if broadcasts != 0 {
		testContext.Fatalf("expected replayed events to fold into the returned result, got %d broadcasts", broadcasts)
	}
}

// flakyCounter fails CheckForChanges and answers HandleQuery from value.
type flakyCounter struct {
	value int
	reads int
}

func (h *flakyCounter) HandleQuery(context.Context, NodeGetInput) (int, error) {
	h.reads++
	return h.value, nil
}

func (h *flakyCounter) CheckForChanges(context.Context, events.Event, NodeGetInput, int) (Change[int], error) {
	return Unchanged[int](), errors.New("incremental check failed")
}

func TestFailedChangeCheckFallsBackToQuery(testContext *testing.T) {
	engine, bus, _ := mustEngine(testContext)
	handler := &flakyCounter{value: 1}
	var broadcasts []int
	if _, err := Subscribe[NodeGetInput, int](context.Background(), engine, "flaky", handler, NodeGetInput{}, func(result int) {
		broadcasts = append(broadcasts, result)
	}); err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}

	bus.Publish(events.RadarDataUpdated{})
	if len(broadcasts) != 0 {
		testContext.Fatalf("expected an unchanged re-read not to broadcast, got %v", broadcasts)
	}

	handler.value = 2
	bus.Publish(events.RadarDataUpdated{})
	if len(broadcasts) != 1 || broadcasts[0] != 2 {
		testContext.Fatalf("expected the re-read result to be broadcast, got %v", broadcasts)
	}
	if cached, ok := Result[int](engine, "flaky"); !ok || cached != 2 {
		testContext.Fatalf("expected the cached result to follow the re-read, got %v", cached)
	}
	if handler.reads != 3 {
		testContext.Fatalf("expected one cold read plus one re-read per event, got %d", handler.reads)
	}
}
