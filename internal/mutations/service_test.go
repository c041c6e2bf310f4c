package mutations

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"github.com/MarcoPoloResearchLab/nebula/internal/eventbus"
	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testWorkspace = "ws-1"
	testBlob      = "AQID"
)

var (
	owner    = Actor{UserID: "owner", WorkspaceID: testWorkspace}
	outsider = Actor{UserID: "outsider", WorkspaceID: testWorkspace}
)

type serviceFixture struct {
	db        *gorm.DB
	service   *Service
	published []events.Event
}

func newFixture(testContext *testing.T) *serviceFixture {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "mutations.db"), storage.Schema(), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	bus, err := events.NewBus("", nil, eventbus.Config[events.Event]{})
	if err != nil {
		testContext.Fatalf("failed to create bus: %v", err)
	}
	fixture := &serviceFixture{db: db}
	bus.Subscribe(func(event events.Event) { fixture.published = append(fixture.published, event) })

	service, err := NewService(ServiceConfig{
		Database: db,
		Bus:      bus,
		Clock:    func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	fixture.service = service

	for _, userID := range []string{owner.UserID, outsider.UserID} {
		user := storage.User{WorkspaceID: testWorkspace, ID: userID, Role: "member", CreatedAt: time.Unix(1, 0).UTC(), Revision: 1}
		if err := db.Create(&user).Error; err != nil {
			testContext.Fatalf("failed to seed user: %v", err)
		}
	}
	return fixture
}

func mutation(testContext *testing.T, id string, mutationType protocol.MutationType, data any) protocol.Mutation {
	testContext.Helper()
	encoded, err := json.Marshal(data)
	if err != nil {
		testContext.Fatalf("failed to encode mutation data: %v", err)
	}
	return protocol.Mutation{ID: id, Type: mutationType, Data: encoded, CreatedAt: time.Unix(10, 0).UTC()}
}

func (f *serviceFixture) apply(testContext *testing.T, actor Actor, batch ...protocol.Mutation) []protocol.MutationResult {
	testContext.Helper()
	results, err := f.service.Apply(context.Background(), actor, batch)
	if err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if len(results) != len(batch) {
		testContext.Fatalf("expected %d results, got %d", len(batch), len(results))
	}
	return results
}

func createRoot(testContext *testing.T, mutationID, nodeID string) protocol.Mutation {
	return mutation(testContext, mutationID, protocol.MutationCreateNode, protocol.CreateNodeData{
		NodeID: nodeID, NodeType: "space", UpdateID: nodeID + "-u1", Data: testBlob,
	})
}

func TestCreateRootGrantsAdminAndIsIdempotent(testContext *testing.T) {
	fixture := newFixture(testContext)

	results := fixture.apply(testContext, owner, createRoot(testContext, "m1", "root-1"))
	if results[0].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected ok, got %+v", results[0])
	}

	var collaboration storage.Collaboration
	if err := fixture.db.Where("node_id = ? AND collaborator_id = ?", "root-1", owner.UserID).Take(&collaboration).Error; err != nil {
		testContext.Fatalf("expected admin collaboration: %v", err)
	}
	if collaboration.Role != protocol.RoleAdmin {
		testContext.Fatalf("expected admin role, got %s", collaboration.Role)
	}
	if len(fixture.published) != 2 {
		testContext.Fatalf("expected collaboration and node events, got %v", fixture.published)
	}

	results = fixture.apply(testContext, owner, createRoot(testContext, "m1", "root-1"))
	if results[0].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected resubmission to be acknowledged, got %+v", results[0])
	}
	if len(fixture.published) != 2 {
		testContext.Fatalf("expected resubmission to publish nothing, got %v", fixture.published)
	}

	var updates int64
	fixture.db.Model(&storage.NodeUpdate{}).Where("node_id = ?", "root-1").Count(&updates)
	if updates != 1 {
		testContext.Fatalf("expected a single node update, got %d", updates)
	}
}

func TestChildNodeRequiresWriteAccess(testContext *testing.T) {
	fixture := newFixture(testContext)
	fixture.apply(testContext, owner, createRoot(testContext, "m1", "root-1"))

	child := mutation(testContext, "m2", protocol.MutationCreateNode, protocol.CreateNodeData{
		NodeID: "child-1", ParentID: "root-1", NodeType: "message", UpdateID: "child-1-u1", Data: testBlob,
	})
	results := fixture.apply(testContext, outsider, child)
	if results[0].Status != protocol.MutationStatusForbidden {
		testContext.Fatalf("expected forbidden, got %+v", results[0])
	}

	grant := mutation(testContext, "m3", protocol.MutationGrantCollaboration, protocol.GrantCollaborationData{
		NodeID: "root-1", CollaboratorID: outsider.UserID, Role: protocol.RoleEditor,
	})
	if results := fixture.apply(testContext, owner, grant); results[0].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected grant to succeed, got %+v", results[0])
	}

	results = fixture.apply(testContext, outsider, child)
	if results[0].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected child creation after grant, got %+v", results[0])
	}

	var node storage.Node
	if err := fixture.db.Where("id = ?", "child-1").Take(&node).Error; err != nil {
		testContext.Fatalf("expected child node: %v", err)
	}
	if node.RootID != "root-1" {
		testContext.Fatalf("expected root to be derived from parent, got %s", node.RootID)
	}
}

func TestTerminalFailureDoesNotHaltBatch(testContext *testing.T) {
	fixture := newFixture(testContext)

	missing := mutation(testContext, "m1", protocol.MutationUpdateNode, protocol.UpdateNodeData{
		NodeID: "ghost", UpdateID: "u-1", Data: testBlob,
	})
	results := fixture.apply(testContext, owner, missing, createRoot(testContext, "m2", "root-1"))
	if results[0].Status != protocol.MutationStatusNotFound {
		testContext.Fatalf("expected not found, got %+v", results[0])
	}
	if results[1].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected later mutation to apply, got %+v", results[1])
	}
}

func TestTransientFailureSkipsRemainder(testContext *testing.T) {
	fixture := newFixture(testContext)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := fixture.service.Apply(ctx, owner, []protocol.Mutation{
		createRoot(testContext, "m1", "root-1"),
		createRoot(testContext, "m2", "root-2"),
	})
	if err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if results[0].Status != protocol.MutationStatusInternalError {
		testContext.Fatalf("expected transient failure, got %+v", results[0])
	}
	if results[1].Status != protocol.MutationStatusSkipped {
		testContext.Fatalf("expected remainder to be skipped, got %+v", results[1])
	}
}

func TestMarkNodeSeenBumpsRevisionOnlyOnChange(testContext *testing.T) {
	fixture := newFixture(testContext)
	fixture.apply(testContext, owner, createRoot(testContext, "m1", "root-1"))
	seenAt := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	seen := mutation(testContext, "m2", protocol.MutationMarkNodeSeen, protocol.MarkNodeSeenData{NodeID: "root-1", SeenAt: seenAt})
	fixture.apply(testContext, owner, seen)

	var first storage.NodeInteraction
	if err := fixture.db.Where("node_id = ? AND collaborator_id = ?", "root-1", owner.UserID).Take(&first).Error; err != nil {
		testContext.Fatalf("expected interaction: %v", err)
	}
	if first.FirstSeenAt == nil || !first.FirstSeenAt.Equal(seenAt) {
		testContext.Fatalf("expected first seen to be recorded, got %+v", first)
	}

	eventsBefore := len(fixture.published)
	again := mutation(testContext, "m3", protocol.MutationMarkNodeSeen, protocol.MarkNodeSeenData{NodeID: "root-1", SeenAt: seenAt})
	fixture.apply(testContext, owner, again)
	if len(fixture.published) != eventsBefore {
		testContext.Fatalf("expected unchanged interaction to publish nothing")
	}

	opened := mutation(testContext, "m4", protocol.MutationMarkNodeOpened, protocol.MarkNodeOpenedData{NodeID: "root-1", OpenedAt: seenAt.Add(time.Hour)})
	fixture.apply(testContext, owner, opened)

	var second storage.NodeInteraction
	fixture.db.Where("node_id = ? AND collaborator_id = ?", "root-1", owner.UserID).Take(&second)
	if second.Revision <= first.Revision {
		testContext.Fatalf("expected revision to advance, got %d then %d", first.Revision, second.Revision)
	}
	if second.LastSeenAt == nil || !second.LastSeenAt.Equal(seenAt.Add(time.Hour)) {
		testContext.Fatalf("expected opening to advance last seen, got %+v", second)
	}
	if !second.FirstSeenAt.Equal(seenAt) {
		testContext.Fatalf("expected first seen to stay fixed")
	}
}

func TestReactionsSoftDeleteAndRestore(testContext *testing.T) {
	fixture := newFixture(testContext)
	fixture.apply(testContext, owner, createRoot(testContext, "m1", "root-1"))

	create := mutation(testContext, "m2", protocol.MutationCreateNodeReaction, protocol.CreateNodeReactionData{NodeID: "root-1", Reaction: "+1"})
	remove := mutation(testContext, "m3", protocol.MutationDeleteNodeReaction, protocol.DeleteNodeReactionData{NodeID: "root-1", Reaction: "+1"})
	results := fixture.apply(testContext, owner, create, remove, remove)
	for _, result := range results {
		if result.Status != protocol.MutationStatusOK {
			testContext.Fatalf("expected ok, got %+v", result)
		}
	}

	var reaction storage.NodeReaction
	fixture.db.Where("node_id = ? AND reaction = ?", "root-1", "+1").Take(&reaction)
	if reaction.DeletedAt == nil {
		testContext.Fatalf("expected reaction to be soft deleted")
	}
	deletedRevision := reaction.Revision

	fixture.apply(testContext, owner, mutation(testContext, "m4", protocol.MutationCreateNodeReaction, protocol.CreateNodeReactionData{NodeID: "root-1", Reaction: "+1"}))
	fixture.db.Where("node_id = ? AND reaction = ?", "root-1", "+1").Take(&reaction)
	if reaction.DeletedAt != nil || reaction.Revision <= deletedRevision {
		testContext.Fatalf("expected reaction to be restored with a new revision, got %+v", reaction)
	}
}

func TestDeleteNodeWritesTombstoneAndRevokeSoftDeletes(testContext *testing.T) {
	fixture := newFixture(testContext)
	fixture.apply(testContext, owner, createRoot(testContext, "m1", "root-1"))
	fixture.apply(testContext, owner,
		mutation(testContext, "m2", protocol.MutationGrantCollaboration, protocol.GrantCollaborationData{NodeID: "root-1", CollaboratorID: outsider.UserID, Role: protocol.RoleViewer}),
		mutation(testContext, "m3", protocol.MutationCreateNode, protocol.CreateNodeData{NodeID: "page-1", ParentID: "root-1", NodeType: "page", UpdateID: "page-1-u1", Data: testBlob}),
	)

	results := fixture.apply(testContext, outsider, mutation(testContext, "m4", protocol.MutationDeleteNode, protocol.DeleteNodeData{NodeID: "page-1"}))
	if results[0].Status != protocol.MutationStatusForbidden {
		testContext.Fatalf("expected viewer delete to be forbidden, got %+v", results[0])
	}

	deletion := mutation(testContext, "m5", protocol.MutationDeleteNode, protocol.DeleteNodeData{NodeID: "page-1"})
	results = fixture.apply(testContext, owner, deletion, deletion)
	if results[0].Status != protocol.MutationStatusOK || results[1].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected deletion and its replay to succeed, got %+v", results)
	}
	var tombstones int64
	fixture.db.Model(&storage.NodeTombstone{}).Where("id = ?", "page-1").Count(&tombstones)
	if tombstones != 1 {
		testContext.Fatalf("expected one tombstone, got %d", tombstones)
	}

	revoke := mutation(testContext, "m6", protocol.MutationRevokeCollaboration, protocol.RevokeCollaborationData{NodeID: "root-1", CollaboratorID: outsider.UserID})
	if results := fixture.apply(testContext, owner, revoke); results[0].Status != protocol.MutationStatusOK {
		testContext.Fatalf("expected revoke to succeed, got %+v", results[0])
	}
	var collaboration storage.Collaboration
	fixture.db.Where("node_id = ? AND collaborator_id = ?", "root-1", outsider.UserID).Take(&collaboration)
	if collaboration.Active() {
		testContext.Fatalf("expected collaboration to be soft deleted")
	}
}

func TestApplyRejectsMalformedMutations(testContext *testing.T) {
	fixture := newFixture(testContext)
	results := fixture.apply(testContext, owner,
		protocol.Mutation{ID: "", Type: protocol.MutationCreateNode},
		protocol.Mutation{ID: "m2", Type: "explode"},
		protocol.Mutation{ID: "m3", Type: protocol.MutationCreateNode, Data: json.RawMessage(`{"nodeId":""}`)},
	)
	for _, result := range results {
		if result.Status != protocol.MutationStatusBadRequest {
			testContext.Fatalf("expected bad request, got %+v", result)
		}
	}
}
