package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/jobs"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/blob"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
)

func newEvictionEnv(t *testing.T) (*testEnv, *fakeVectorStore, EvictionService) {
	t.Helper()
	env := newTestEnv(t)
	store, err := blob.NewLocalStore(env.log, t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	vectors := newFakeVectorStore()
	svc := NewEvictionService(env.db, env.log,
		env.groups, env.conversations, env.entries, env.memberships,
		env.transfers, env.attachments, env.tasks, store, vectors, nil)
	return env, vectors, svc
}

func evictionAdmin() *ctxutil.RequestData {
	admin := testCaller()
	admin.Roles = map[ctxutil.Role]bool{ctxutil.RoleAdmin: true}
	return admin
}

func TestEvict_RequiresAdminAndJustification(t *testing.T) {
	_, _, svc := newEvictionEnv(t)
	ctx := context.Background()

	_, err := svc.Evict(ctx, testCaller(), EvictOptions{Justification: "cleanup"}, nil)
	wantAPIErrCode(t, err, apierr.CodeForbidden)

	_, err = svc.Evict(ctx, evictionAdmin(), EvictOptions{}, nil)
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestEvict_HardDeletesExpiredGroups(t *testing.T) {
	env, _, svc := newEvictionEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "doomed")
	ctx := context.Background()

	created, err := env.conversation.AppendEntries(ctx, owner, conv.ID,
		[]AppendEntryInput{historyEntry("one"), historyEntry("two")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := env.conversation.Delete(ctx, owner, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	report, err := svc.Evict(ctx, evictionAdmin(), EvictOptions{
		RetentionPeriod: time.Nanosecond,
		Justification:   "retention sweep test",
	}, nil)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if report.GroupsEvicted != 1 {
		t.Fatalf("expected 1 group evicted, got %d", report.GroupsEvicted)
	}

	dbc := dbctx.New(ctx)
	if _, err := env.groups.GetByID(dbc, conv.GroupID, true); err == nil {
		t.Fatalf("expected group row gone")
	}
	ids := make([]uuid.UUID, 0, len(created))
	for _, e := range created {
		ids = append(ids, e.ID)
	}
	rows, err := env.entries.GetByIDs(dbc, ids)
	if err != nil {
		t.Fatalf("entry scan: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected entries hard-deleted, got %d", len(rows))
	}

	// The vector cleanup is deferred through a durable task.
	tasks, err := env.tasks.ListByType(dbc, types.TaskTypeVectorStoreDelete, 10)
	if err != nil {
		t.Fatalf("task scan: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 vector delete task, got %d", len(tasks))
	}
	if !strings.Contains(string(tasks[0].Body), conv.GroupID.String()) {
		t.Fatalf("task body missing group id: %s", tasks[0].Body)
	}
}

func TestEvict_SkipsGroupsInsideRetention(t *testing.T) {
	env, _, svc := newEvictionEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "recent")
	ctx := context.Background()

	if err := env.conversation.Delete(ctx, owner, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Default retention is far longer than the age of this soft delete.
	report, err := svc.Evict(ctx, evictionAdmin(), EvictOptions{Justification: "sweep"}, nil)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if report.GroupsEvicted != 0 {
		t.Fatalf("expected nothing evicted, got %d", report.GroupsEvicted)
	}
	if _, err := env.groups.GetByID(dbctx.New(ctx), conv.GroupID, true); err != nil {
		t.Fatalf("expected soft-deleted group retained: %v", err)
	}
}

func TestEvict_UnknownResourceRejected(t *testing.T) {
	_, _, svc := newEvictionEnv(t)
	_, err := svc.Evict(context.Background(), evictionAdmin(), EvictOptions{
		ResourceTypes: []string{"users"},
		Justification: "sweep",
	}, nil)
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestEvict_ReportsProgress(t *testing.T) {
	env, _, svc := newEvictionEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "doomed")
	ctx := context.Background()
	if err := env.conversation.Delete(ctx, owner, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var events []EvictProgress
	_, err := svc.Evict(ctx, evictionAdmin(), EvictOptions{
		RetentionPeriod: time.Nanosecond,
		Justification:   "sweep",
	}, func(p EvictProgress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected start and completion events, got %v", events)
	}
	if events[0].Percent != 0 || events[len(events)-1].Percent != 100 {
		t.Fatalf("expected 0..100 progress, got %v", events)
	}
}

func TestEvict_VectorDeleteTaskClearsGroupVectors(t *testing.T) {
	env, vectors, svc := newEvictionEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "doomed")
	other := mustCreateConversation(t, env, owner, "kept")
	ctx := context.Background()

	seed := func(c *types.Conversation, id string) {
		if err := vectors.Upsert(ctx, VectorNamespaceEntries, []pinecone.Vector{{
			ID:       id,
			Values:   []float32{1, 0, 0},
			Metadata: map[string]any{"groupId": c.GroupID.String()},
		}}); err != nil {
			t.Fatalf("seed vectors: %v", err)
		}
	}
	seed(conv, "v-doomed")
	seed(other, "v-kept")

	if err := env.conversation.Delete(ctx, owner, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Evict(ctx, evictionAdmin(), EvictOptions{
		RetentionPeriod: time.Nanosecond,
		Justification:   "sweep",
	}, nil); err != nil {
		t.Fatalf("evict: %v", err)
	}

	// Run the enqueued task through the registered handler, the way the
	// worker would.
	registry := jobs.NewRegistry()
	svc.RegisterHandlers(registry)
	task, err := env.tasks.ClaimNext(dbctx.New(ctx), time.Now().UTC(), time.Minute, 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a claimable vector delete task")
	}
	handler, ok := registry.Get(task.Type)
	if !ok {
		t.Fatalf("no handler for %q", task.Type)
	}
	if err := handler(ctx, task); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if got := vectors.count(VectorNamespaceEntries); got != 1 {
		t.Fatalf("expected only the kept vector, got %d", got)
	}
	if _, ok := vectors.data[VectorNamespaceEntries]["v-kept"]; !ok {
		t.Fatalf("expected the other group's vector untouched")
	}
}
