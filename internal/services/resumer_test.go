package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/resume"
)

func newResumerEnv(t *testing.T) (*testEnv, ResumerService, *resume.MemoryCancelBus) {
	t.Helper()
	env := newTestEnv(t)
	manager, err := resume.NewManager(env.log, t.TempDir())
	if err != nil {
		t.Fatalf("recording manager: %v", err)
	}
	locators := resume.NewMemoryLocatorStore()
	cancels := resume.NewMemoryCancelBus()
	svc := NewResumerService(env.log, env.conversations, env.access, locators, cancels, manager)
	return env, svc, cancels
}

func drainTail(t *testing.T, tail *resume.Tail) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []string
	for {
		line, err := tail.Next(ctx)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		out = append(out, string(line))
	}
}

func TestResumer_RecordThenResumeReplays(t *testing.T) {
	env, svc, _ := newResumerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "stream")

	ctx := context.Background()
	recorder, err := svc.StartResponse(ctx, caller, conv.ID)
	if err != nil {
		t.Fatalf("start response: %v", err)
	}
	if err := recorder.Append([]byte("{\"delta\":\"a\"}\n")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The response is still open: a resume tails the live recording.
	src, err := svc.Resume(ctx, caller, conv.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if src.Local == nil || src.RemoteURL != "" {
		t.Fatalf("expected local tail, got %+v", src)
	}
	defer src.Local.Close()

	if err := recorder.Append([]byte("{\"delta\":\"b\"}\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := recorder.Close(resume.CloseReasonCompleted); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := drainTail(t, src.Local)
	if len(lines) != 2 || lines[0] != `{"delta":"a"}` || lines[1] != `{"delta":"b"}` {
		t.Fatalf("unexpected replay: %v", lines)
	}
}

func TestResumer_ResumeCheckFiltersByAccess(t *testing.T) {
	env, svc, _ := newResumerEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "stream")

	ctx := context.Background()
	recorder, err := svc.StartResponse(ctx, owner, conv.ID)
	if err != nil {
		t.Fatalf("start response: %v", err)
	}
	defer recorder.Close(resume.CloseReasonCompleted)

	ids, err := svc.ResumeCheck(ctx, owner, []uuid.UUID{conv.ID, uuid.New()})
	if err != nil {
		t.Fatalf("resume check: %v", err)
	}
	if len(ids) != 1 || ids[0] != conv.ID {
		t.Fatalf("expected [%s], got %v", conv.ID, ids)
	}

	stranger := testCaller()
	ids, err = svc.ResumeCheck(ctx, stranger, []uuid.UUID{conv.ID})
	if err != nil {
		t.Fatalf("resume check: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no resumable ids for stranger, got %v", ids)
	}
}

func TestResumer_CompletedResponseNotResumable(t *testing.T) {
	env, svc, _ := newResumerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "stream")

	ctx := context.Background()
	recorder, err := svc.StartResponse(ctx, caller, conv.ID)
	if err != nil {
		t.Fatalf("start response: %v", err)
	}
	if err := recorder.Close(resume.CloseReasonCompleted); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Close drops the locator, so the conversation no longer advertises an
	// in-flight response.
	_, err = svc.Resume(ctx, caller, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestResumer_CancelClosesRecording(t *testing.T) {
	env, svc, _ := newResumerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "stream")

	ctx := context.Background()
	svc.Start(ctx)

	recorder, err := svc.StartResponse(ctx, caller, conv.ID)
	if err != nil {
		t.Fatalf("start response: %v", err)
	}
	if err := recorder.Append([]byte("partial\n")); err != nil {
		t.Fatalf("append: %v", err)
	}

	src, err := svc.Resume(ctx, caller, conv.ID)
	if err != nil {
		t.Fatalf("resume before cancel: %v", err)
	}
	defer src.Local.Close()

	if err := svc.Cancel(ctx, caller, conv.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The tail drains what was recorded and then terminates.
	lines := drainTail(t, src.Local)
	if len(lines) != 1 || lines[0] != "partial" {
		t.Fatalf("unexpected lines after cancel: %v", lines)
	}

	_, err = svc.Resume(ctx, caller, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestResumer_StartRequiresWriter(t *testing.T) {
	env, svc, _ := newResumerEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "stream")

	stranger := testCaller()
	_, err := svc.StartResponse(context.Background(), stranger, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}
