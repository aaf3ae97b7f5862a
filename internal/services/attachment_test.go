package services

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/blob"
)

func newAttachmentEnv(t *testing.T) (*testEnv, AttachmentService, blob.Store) {
	t.Helper()
	t.Setenv("ATTACHMENT_TOKEN_SECRET", "test-secret")

	env := newTestEnv(t)
	store, err := blob.NewLocalStore(env.log, t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	svc, err := NewAttachmentService(env.db, env.log, env.attachments, env.entries, env.access, store)
	if err != nil {
		t.Fatalf("attachment service: %v", err)
	}
	return env, svc, store
}

func uploadAttachment(t *testing.T, svc AttachmentService, caller *ctxutil.RequestData, filename, content string) *types.Attachment {
	t.Helper()
	ctx := context.Background()
	row, _, err := svc.CreateUpload(ctx, caller, filename, "text/plain")
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	uploaded, err := svc.UploadContent(ctx, caller, row.ID, strings.NewReader(content))
	if err != nil {
		t.Fatalf("upload content: %v", err)
	}
	return uploaded
}

func TestAttachment_UploadRoundtrip(t *testing.T) {
	_, svc, _ := newAttachmentEnv(t)
	caller := testCaller()

	row, uploadURL, err := svc.CreateUpload(context.Background(), caller, "notes.txt", "text/plain")
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if row.Status != types.AttachmentStatusPending {
		t.Fatalf("expected pending status, got %q", row.Status)
	}
	if uploadURL == "" {
		t.Fatalf("expected upload url")
	}

	uploaded, err := svc.UploadContent(context.Background(), caller, row.ID, strings.NewReader("hello attachment"))
	if err != nil {
		t.Fatalf("upload content: %v", err)
	}
	if uploaded.Status != types.AttachmentStatusReady {
		t.Fatalf("expected ready status, got %q", uploaded.Status)
	}
	if uploaded.Size == nil || *uploaded.Size != int64(len("hello attachment")) {
		t.Fatalf("unexpected size %v", uploaded.Size)
	}
	if uploaded.SHA256 == "" {
		t.Fatalf("expected sha256 to be recorded")
	}

	got, rc, err := svc.Open(context.Background(), caller, row.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello attachment" {
		t.Fatalf("unexpected content %q", data)
	}
	if got.ID != row.ID {
		t.Fatalf("unexpected row")
	}
}

func TestAttachment_DoubleUploadConflicts(t *testing.T) {
	_, svc, _ := newAttachmentEnv(t)
	caller := testCaller()
	row := uploadAttachment(t, svc, caller, "a.txt", "data")

	_, err := svc.UploadContent(context.Background(), caller, row.ID, strings.NewReader("other"))
	wantAPIErrCode(t, err, apierr.CodeConflict)
}

func TestAttachment_IdenticalContentSharesStorageKey(t *testing.T) {
	_, svc, store := newAttachmentEnv(t)
	caller := testCaller()

	first := uploadAttachment(t, svc, caller, "a.txt", "same bytes")
	second := uploadAttachment(t, svc, caller, "b.txt", "same bytes")

	if first.StorageKey != second.StorageKey {
		t.Fatalf("expected deduplicated storage key, got %q vs %q", first.StorageKey, second.StorageKey)
	}
	keys, err := store.ListKeys(context.Background(), "attachments/")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected a single stored object, got %d", len(keys))
	}
}

func TestAttachment_OtherUsersCannotSee(t *testing.T) {
	_, svc, _ := newAttachmentEnv(t)
	owner := testCaller()
	row := uploadAttachment(t, svc, owner, "a.txt", "private")

	other := testCaller()
	_, err := svc.Get(context.Background(), other, row.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestAttachment_LinkedEntryGrantsReaderAccess(t *testing.T) {
	env, svc, _ := newAttachmentEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "with attachment")

	ctx := context.Background()
	entries, err := env.conversation.AppendEntries(ctx, owner, conv.ID, []AppendEntryInput{historyEntry("see attached")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	row := uploadAttachment(t, svc, owner, "a.txt", "shared bytes")
	if err := svc.LinkToEntry(ctx, owner, row.ID, entries[0].ID); err != nil {
		t.Fatalf("link: %v", err)
	}

	reader := testCaller()
	if _, err := env.conversation.Share(ctx, owner, conv.ID, reader.UserID, types.AccessReader); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := svc.Get(ctx, reader, row.ID); err != nil {
		t.Fatalf("reader get after link: %v", err)
	}

	if err := svc.Unlink(ctx, owner, row.ID); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	_, err = svc.Get(ctx, reader, row.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestAttachment_TokenRoundtrip(t *testing.T) {
	_, svc, _ := newAttachmentEnv(t)
	caller := testCaller()
	row := uploadAttachment(t, svc, caller, "a.txt", "token bytes")

	token := svc.SignToken(row.ID, time.Now().Add(time.Hour))
	got, rc, expiresAt, err := svc.OpenByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("open by token: %v", err)
	}
	defer rc.Close()
	if got.ID != row.ID {
		t.Fatalf("unexpected attachment")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry")
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "token bytes" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestAttachment_ExpiredOrForgedTokenRejected(t *testing.T) {
	_, svc, _ := newAttachmentEnv(t)
	caller := testCaller()
	row := uploadAttachment(t, svc, caller, "a.txt", "token bytes")

	expired := svc.SignToken(row.ID, time.Now().Add(-time.Minute))
	_, _, _, err := svc.OpenByToken(context.Background(), expired)
	wantAPIErrCode(t, err, apierr.CodeNotFound)

	_, _, _, err = svc.OpenByToken(context.Background(), "bm90LWEtdG9rZW4")
	wantAPIErrCode(t, err, apierr.CodeNotFound)

	// A valid token for an id with no row resolves to nothing.
	other := svc.SignToken(uuid.New(), time.Now().Add(time.Hour))
	_, _, _, err = svc.OpenByToken(context.Background(), other)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestETagMatches_AcceptedForms(t *testing.T) {
	etag := `"abc123"`
	cases := []struct {
		header string
		want   bool
	}{
		{`"abc123"`, true},
		{`abc123`, true},
		{`W/"abc123"`, true},
		{`"zzz", "abc123"`, true},
		{`*`, true},
		{`"other"`, false},
		{``, false},
	}
	for _, tc := range cases {
		if got := ETagMatches(tc.header, etag); got != tc.want {
			t.Fatalf("ETagMatches(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}

func TestAttachment_HardDeleteKeepsSharedBlob(t *testing.T) {
	_, svc, store := newAttachmentEnv(t)
	caller := testCaller()

	first := uploadAttachment(t, svc, caller, "a.txt", "shared blob")
	second := uploadAttachment(t, svc, caller, "b.txt", "shared blob")

	ctx := context.Background()
	if err := svc.Delete(ctx, caller, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Reach into the concrete type to drive the refcounted hard delete the
	// sweeper normally performs.
	impl := svc.(*attachmentService)
	if err := impl.hardDeleteWithRefcount(ctx, first); err != nil {
		t.Fatalf("hard delete first: %v", err)
	}
	keys, err := store.ListKeys(ctx, "attachments/")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected blob retained while referenced, got %d keys", len(keys))
	}

	if err := svc.Delete(ctx, caller, second.ID); err != nil {
		t.Fatalf("delete second: %v", err)
	}
	if err := impl.hardDeleteWithRefcount(ctx, second); err != nil {
		t.Fatalf("hard delete second: %v", err)
	}
	keys, err = store.ListKeys(ctx, "attachments/")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected blob removed with last reference, got %d keys", len(keys))
	}
}
