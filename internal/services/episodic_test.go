package services

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/secretbox"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/policy"
)

func newEpisodicEnv(t *testing.T) (*testEnv, EpisodicService) {
	t.Helper()
	env := newTestEnv(t)
	box, err := secretbox.New(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	engine := policy.NewEngine(env.log)
	svc := NewEpisodicService(env.db, env.log, env.memories, engine, box, nil, nil, nil)
	return env, svc
}

func ownNamespace(caller *ctxutil.RequestData, rest ...string) []string {
	return append([]string{"user", caller.UserID.String()}, rest...)
}

func TestEpisodic_PutGetRoundtripEncrypted(t *testing.T) {
	env, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()

	rec, err := svc.Put(ctx, caller, PutMemoryInput{
		Namespace:  ownNamespace(caller, "prefs"),
		Key:        "editor",
		Value:      map[string]any{"theme": "dark", "fontSize": float64(14)},
		Attributes: map[string]any{"origin": "settings-page"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if rec.Value["theme"] != "dark" {
		t.Fatalf("unexpected value %v", rec.Value)
	}

	got, err := svc.Get(ctx, caller, ownNamespace(caller, "prefs"), "editor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value["theme"] != "dark" || got.Value["fontSize"] != float64(14) {
		t.Fatalf("unexpected value %v", got.Value)
	}
	if got.Attributes["origin"] != "settings-page" {
		t.Fatalf("unexpected attributes %v", got.Attributes)
	}

	// The stored row holds ciphertext only.
	row, err := env.memories.GetByID(dbctx.New(ctx), rec.ID, false)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	if bytes.Contains(row.ValueEncrypted, []byte("dark")) {
		t.Fatalf("value stored in plaintext")
	}
	if len(row.PolicyAttributes) == 0 {
		t.Fatalf("expected plaintext policy attributes for filtering")
	}
}

func TestEpisodic_PutSupersedesPreviousVersion(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()
	ns := ownNamespace(caller, "prefs")

	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ns, Key: "k", Value: map[string]any{"v": "old"}}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ns, Key: "k", Value: map[string]any{"v": "new"}}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := svc.Get(ctx, caller, ns, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value["v"] != "new" {
		t.Fatalf("expected latest value, got %v", got.Value)
	}

	// Both generations appear on the event timeline.
	events, err := svc.Events(ctx, caller, ns, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 timeline rows, got %d", len(events))
	}
}

func TestEpisodic_DeleteLeavesTombstone(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()
	ns := ownNamespace(caller, "prefs")

	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ns, Key: "k", Value: map[string]any{"v": 1}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := svc.Delete(ctx, caller, ns, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := svc.Get(ctx, caller, ns, "k")
	wantAPIErrCode(t, err, apierr.CodeNotFound)

	events, err := svc.Events(ctx, caller, ns, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 timeline row, got %d", len(events))
	}
	if events[0].DeletedAt == nil || events[0].DeletedReason == nil {
		t.Fatalf("expected tombstone metadata, got %+v", events[0])
	}
	if *events[0].DeletedReason != types.MemoryDeletedDeleted {
		t.Fatalf("expected explicit-delete reason, got %d", *events[0].DeletedReason)
	}
}

func TestEpisodic_PolicyDeniesForeignSubtree(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	other := testCaller()
	ctx := context.Background()

	_, err := svc.Put(ctx, caller, PutMemoryInput{
		Namespace: ownNamespace(other, "prefs"),
		Key:       "k",
		Value:     map[string]any{"v": 1},
	})
	wantAPIErrCode(t, err, apierr.CodeForbidden)

	// Reads deny as absence so namespaces cannot be probed.
	_, err = svc.Get(ctx, caller, ownNamespace(other, "prefs"), "k")
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestEpisodic_AdminReadsAnySubtree(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()
	ns := ownNamespace(caller, "prefs")
	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ns, Key: "k", Value: map[string]any{"v": 1}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	admin := testCaller()
	admin.Roles = map[ctxutil.Role]bool{ctxutil.RoleAdmin: true}
	if _, err := svc.Get(ctx, admin, ns, "k"); err != nil {
		t.Fatalf("admin get: %v", err)
	}
}

func TestEpisodic_SearchConfinedToOwnSubtree(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	a := testCaller()
	b := testCaller()
	ctx := context.Background()

	if _, err := svc.Put(ctx, a, PutMemoryInput{Namespace: ownNamespace(a, "notes"), Key: "n1", Value: map[string]any{"v": "a"}}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if _, err := svc.Put(ctx, b, PutMemoryInput{Namespace: ownNamespace(b, "notes"), Key: "n1", Value: map[string]any{"v": "b"}}); err != nil {
		t.Fatalf("put b: %v", err)
	}

	// Asking for the other user's subtree silently clamps to the caller's own.
	got, err := svc.Search(ctx, a, MemorySearchInput{NamespacePrefix: ownNamespace(b)})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Value["v"] != "a" {
		t.Fatalf("expected caller's own record, got %v", got[0].Value)
	}
}

func TestEpisodic_TTLExpiresRows(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()
	ns := ownNamespace(caller, "scratch")

	ttl := time.Nanosecond
	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ns, Key: "k", Value: map[string]any{"v": 1}, TTL: &ttl}); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	svc.(*episodicService).ttlTick(ctx)

	_, err := svc.Get(ctx, caller, ns, "k")
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestEpisodic_PolicyReloadRequiresAdmin(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()

	err := svc.LoadPolicy(ctx, caller, []byte("version: nope"))
	wantAPIErrCode(t, err, apierr.CodeForbidden)

	admin := testCaller()
	admin.Roles = map[ctxutil.Role]bool{ctxutil.RoleAdmin: true}
	if err := svc.LoadPolicy(ctx, admin, []byte("version: v2")); err != nil {
		t.Fatalf("admin reload: %v", err)
	}
	if svc.PolicyVersion() != "v2" {
		t.Fatalf("expected version v2, got %q", svc.PolicyVersion())
	}

	// A bad ruleset is rejected and the old one keeps serving.
	err = svc.LoadPolicy(ctx, admin, []byte("authz: [{operations: [zap], namespace: [x]}]"))
	wantAPIErrCode(t, err, apierr.CodeValidation)
	if svc.PolicyVersion() != "v2" {
		t.Fatalf("expected v2 retained, got %q", svc.PolicyVersion())
	}
}

func TestEpisodic_Namespaces(t *testing.T) {
	_, svc := newEpisodicEnv(t)
	caller := testCaller()
	ctx := context.Background()

	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ownNamespace(caller, "notes"), Key: "a", Value: map[string]any{"v": 1}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := svc.Put(ctx, caller, PutMemoryInput{Namespace: ownNamespace(caller, "prefs"), Key: "b", Value: map[string]any{"v": 1}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	namespaces, err := svc.Namespaces(ctx, caller, ownNamespace(caller), "", 10)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if len(namespaces) != 2 {
		t.Fatalf("expected 2 namespaces, got %d: %v", len(namespaces), namespaces)
	}
}
