package commands

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/outbox"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const localUser = "u-1"

type idleSender struct{}

func (idleSender) Send(context.Context, []protocol.Mutation) ([]protocol.MutationResult, error) {
	return nil, errors.New("not connected")
}

type commandFixture struct {
	db        *gorm.DB
	service   *Service
	now       time.Time
	published []events.Event
}

func newFixture(testContext *testing.T) *commandFixture {
	testContext.Helper()
	db, err := localdb.Open(filepath.Join(testContext.TempDir(), "replica.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open replica: %v", err)
	}
	bus, err := events.NewBus()
	if err != nil {
		testContext.Fatalf("failed to create bus: %v", err)
	}
	fixture := &commandFixture{db: db, now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	bus.Subscribe(func(event events.Event) { fixture.published = append(fixture.published, event) })
	clock := func() time.Time { return fixture.now }

	queue, err := outbox.New(outbox.Config{Database: db, Bus: bus, Sender: idleSender{}, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to create outbox: %v", err)
	}
	service, err := NewService(Config{
		Database:            db,
		Bus:                 bus,
		Outbox:              queue,
		UserID:              localUser,
		InteractionDebounce: 5 * time.Minute,
		Clock:               clock,
	})
	if err != nil {
		testContext.Fatalf("failed to create command service: %v", err)
	}
	fixture.service = service
	return fixture
}

func (f *commandFixture) count(testContext *testing.T, model any) int64 {
	testContext.Helper()
	var count int64
	if err := f.db.Model(model).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count %T: %v", model, err)
	}
	return count
}

func (f *commandFixture) mustCreateNode(testContext *testing.T, parentID, nodeType string) string {
	testContext.Helper()
	result, err := f.service.CreateNode(context.Background(), CreateNodeInput{ParentID: parentID, Type: nodeType, Data: "AQID"})
	if err != nil {
		testContext.Fatalf("create node failed: %v", err)
	}
	return result.NodeID
}

func TestMarkNodeOpenedIsDebounced(testContext *testing.T) {
	fixture := newFixture(testContext)
	nodeID := fixture.mustCreateNode(testContext, "", "space")
	mutationsBefore := fixture.count(testContext, &localdb.Mutation{})

	first, err := fixture.service.MarkNodeOpened(context.Background(), nodeID)
	if err != nil || !first.Success || first.MutationID == "" {
		testContext.Fatalf("unexpected first result %+v (%v)", first, err)
	}
	fixture.now = fixture.now.Add(4 * time.Minute)
	second, err := fixture.service.MarkNodeOpened(context.Background(), nodeID)
	if err != nil || !second.Success || second.MutationID != "" {
		testContext.Fatalf("expected a debounced success, got %+v (%v)", second, err)
	}

	if rows := fixture.count(testContext, &localdb.NodeInteraction{}); rows != 1 {
		testContext.Fatalf("expected one interaction row, got %d", rows)
	}
	if added := fixture.count(testContext, &localdb.Mutation{}) - mutationsBefore; added != 1 {
		testContext.Fatalf("expected one mutation for two calls, got %d", added)
	}

	fixture.now = fixture.now.Add(2 * time.Minute)
	third, err := fixture.service.MarkNodeOpened(context.Background(), nodeID)
	if err != nil || third.MutationID == "" {
		testContext.Fatalf("expected a new mutation after the window, got %+v (%v)", third, err)
	}
	var interaction localdb.NodeInteraction
	if err := fixture.db.Take(&interaction).Error; err != nil {
		testContext.Fatalf("failed to read interaction: %v", err)
	}
	if !interaction.LastOpenedAt.Equal(fixture.now) || interaction.FirstOpenedAt.Equal(fixture.now) {
		testContext.Fatalf("expected first opened kept and last opened advanced, got %+v", interaction)
	}
}

func TestMarkNodeSeenClearsCounters(testContext *testing.T) {
	fixture := newFixture(testContext)
	created := fixture.now
	rows := []any{
		&localdb.Node{ID: "chat-1", RootID: "chat-1", Type: localdb.NodeTypeChat, CreatedBy: "u-2", CreatedAt: created, Revision: 1},
		&localdb.Node{ID: "msg-1", RootID: "chat-1", ParentID: "chat-1", Type: localdb.NodeTypeMessage, CreatedBy: "u-2", CreatedAt: created, Revision: 2},
		&localdb.NodeCounter{NodeID: "chat-1", Type: localdb.CounterUnreadImportantMessages, RootID: "chat-1", Count: 1, CreatedAt: created},
	}
	for _, row := range rows {
		if err := fixture.db.Create(row).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", row, err)
		}
	}

	if _, err := fixture.service.MarkNodeSeen(context.Background(), "msg-1"); err != nil {
		testContext.Fatalf("mark seen failed: %v", err)
	}
	if counters := fixture.count(testContext, &localdb.NodeCounter{}); counters != 0 {
		testContext.Fatalf("expected the counter to be cleared, found %d", counters)
	}
	var sawDeletion bool
	for _, event := range fixture.published {
		if event.Kind() == events.KindNodeCounterDeleted {
			sawDeletion = true
		}
	}
	if !sawDeletion {
		testContext.Fatalf("expected a node_counter_deleted event")
	}
}

func TestDeleteNodeWithdrawsUnreadCounters(testContext *testing.T) {
	fixture := newFixture(testContext)
	created := fixture.now
	rows := []any{
		&localdb.Node{ID: "chat-1", RootID: "chat-1", Type: localdb.NodeTypeChat, CreatedBy: "u-2", CreatedAt: created, Revision: 1},
		&localdb.Node{ID: "msg-1", RootID: "chat-1", ParentID: "chat-1", Type: localdb.NodeTypeMessage, CreatedBy: "u-2", CreatedAt: created, Revision: 2},
		&localdb.NodeCounter{NodeID: "chat-1", Type: localdb.CounterUnreadImportantMessages, RootID: "chat-1", Count: 1, CreatedAt: created},
	}
	for _, row := range rows {
		if err := fixture.db.Create(row).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", row, err)
		}
	}

	if _, err := fixture.service.DeleteNode(context.Background(), "msg-1"); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if counters := fixture.count(testContext, &localdb.NodeCounter{}); counters != 0 {
		testContext.Fatalf("expected the chat counter to be withdrawn, found %d", counters)
	}
	var deleted []localdb.CounterKey
	for _, event := range fixture.published {
		if typed, ok := event.(events.NodeCounterDeleted); ok {
			deleted = append(deleted, typed.Counters...)
		}
	}
	if len(deleted) != 1 || deleted[0].NodeID != "chat-1" {
		testContext.Fatalf("expected a deletion event for the chat counter, got %+v", deleted)
	}
}

func TestNodeLifecycleWritesOutboxEntries(testContext *testing.T) {
	fixture := newFixture(testContext)
	rootID := fixture.mustCreateNode(testContext, "", "space")
	childID := fixture.mustCreateNode(testContext, rootID, "page")

	var child localdb.Node
	if err := fixture.db.Take(&child, "id = ?", childID).Error; err != nil {
		testContext.Fatalf("failed to read child: %v", err)
	}
	if child.RootID != rootID || child.Revision != 0 {
		testContext.Fatalf("expected a local child under the root, got %+v", child)
	}

	if _, err := fixture.service.UpdateNode(context.Background(), childID, "BAUG", []string{"u-2"}); err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	if _, err := fixture.service.UpdateDocument(context.Background(), childID, "BwgJ"); err != nil {
		testContext.Fatalf("document update failed: %v", err)
	}
	if _, err := fixture.service.CreateNodeReaction(context.Background(), childID, "+1"); err != nil {
		testContext.Fatalf("reaction failed: %v", err)
	}
	redundant, err := fixture.service.CreateNodeReaction(context.Background(), childID, "+1")
	if err != nil || redundant.MutationID != "" {
		testContext.Fatalf("expected a repeated reaction to be a no-op, got %+v (%v)", redundant, err)
	}
	if _, err := fixture.service.DeleteNodeReaction(context.Background(), childID, "+1"); err != nil {
		testContext.Fatalf("reaction delete failed: %v", err)
	}
	if _, err := fixture.service.DeleteNode(context.Background(), childID); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}

	var mutations []localdb.Mutation
	if err := fixture.db.Order("sequence ASC").Find(&mutations).Error; err != nil {
		testContext.Fatalf("failed to read outbox: %v", err)
	}
	expected := []protocol.MutationType{
		protocol.MutationCreateNode,
		protocol.MutationCreateNode,
		protocol.MutationUpdateNode,
		protocol.MutationUpdateDocument,
		protocol.MutationCreateNodeReaction,
		protocol.MutationDeleteNodeReaction,
		protocol.MutationDeleteNode,
	}
	if len(mutations) != len(expected) {
		testContext.Fatalf("expected %d mutations, got %d", len(expected), len(mutations))
	}
	for index, mutation := range mutations {
		if mutation.Type != string(expected[index]) {
			testContext.Fatalf("mutation %d: expected %s, got %s", index, expected[index], mutation.Type)
		}
	}
	if nodes := fixture.count(testContext, &localdb.Node{}); nodes != 1 {
		testContext.Fatalf("expected only the root to remain, got %d nodes", nodes)
	}
	if tombstones := fixture.count(testContext, &localdb.NodeTombstone{}); tombstones != 1 {
		testContext.Fatalf("expected a tombstone, got %d", tombstones)
	}
}

func TestCommandsRejectInvalidInput(testContext *testing.T) {
	fixture := newFixture(testContext)
	if _, err := fixture.service.CreateNode(context.Background(), CreateNodeInput{Type: "page", Data: "not base64!"}); err == nil {
		testContext.Fatalf("expected invalid blob to fail")
	}
	_, err := fixture.service.MarkNodeSeen(context.Background(), "missing")
	if !errors.Is(err, ErrNodeNotFound) {
		testContext.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if mutations := fixture.count(testContext, &localdb.Mutation{}); mutations != 0 {
		testContext.Fatalf("expected failed commands to leave no mutations, got %d", mutations)
	}
}

func TestCollaborationCommandsRequireAdmin(testContext *testing.T) {
	fixture := newFixture(testContext)
	ownRoot := fixture.mustCreateNode(testContext, "", "space")
	granted, err := fixture.service.GrantCollaboration(context.Background(), ownRoot, "u-2", protocol.RoleEditor)
	if err != nil || granted.MutationID == "" {
		testContext.Fatalf("expected the creator to grant on an unconfirmed root, got %+v (%v)", granted, err)
	}

	created := fixture.now
	foreign := []any{
		&localdb.Node{ID: "root-2", RootID: "root-2", Type: "space", CreatedBy: "u-2", CreatedAt: created, Revision: 4},
		&localdb.Collaboration{NodeID: "root-2", Role: protocol.RoleViewer, CreatedAt: created, Revision: 5},
	}
	for _, row := range foreign {
		if err := fixture.db.Create(row).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", row, err)
		}
	}
	if _, err := fixture.service.RevokeCollaboration(context.Background(), "root-2", "u-3"); !errors.Is(err, ErrNotAdmin) {
		testContext.Fatalf("expected ErrNotAdmin for a viewer, got %v", err)
	}
	if _, err := fixture.service.GrantCollaboration(context.Background(), ownRoot, "u-2", "owner"); err == nil {
		testContext.Fatalf("expected an unknown role to fail")
	}

	var kinds []string
	if err := fixture.db.Model(&localdb.Mutation{}).Order("sequence ASC").Pluck("type", &kinds).Error; err != nil {
		testContext.Fatalf("failed to read outbox: %v", err)
	}
	if len(kinds) != 2 || kinds[1] != string(protocol.MutationGrantCollaboration) {
		testContext.Fatalf("expected create_node then grant_collaboration, got %v", kinds)
	}
}
