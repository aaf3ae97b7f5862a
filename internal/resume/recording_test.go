package resume

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(logger.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func collectLines(t *testing.T, tail *Tail) []string {
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
			t.Fatalf("tail next: %v", err)
		}
		out = append(out, string(line))
	}
}

func TestTail_ReplaysBytesExactly(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Open("conv-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := rec.Append([]byte("{\"delta\":\"he\"}\n{\"delta\":\"llo\"}\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := rec.Close(CloseReasonCompleted); err != nil {
		t.Fatalf("close: %v", err)
	}

	tail, err := rec.OpenTail()
	if err != nil {
		t.Fatalf("open tail: %v", err)
	}
	defer tail.Close()

	lines := collectLines(t, tail)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != `{"delta":"he"}` || lines[1] != `{"delta":"llo"}` {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestTail_ReassemblesSplitLines(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Open("conv-2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Chunk boundaries land mid-line; the reader must see whole lines only.
	chunks := []string{`{"del`, `ta":"a"}`, "\n{\"delta\":", "\"b\"}\n"}
	for _, c := range chunks {
		if err := rec.Append([]byte(c)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := rec.Close(CloseReasonCompleted); err != nil {
		t.Fatalf("close: %v", err)
	}

	tail, err := rec.OpenTail()
	if err != nil {
		t.Fatalf("open tail: %v", err)
	}
	defer tail.Close()

	lines := collectLines(t, tail)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != `{"delta":"a"}` || lines[1] != `{"delta":"b"}` {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestTail_FlushesTrailingPartialLineOnClose(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Open("conv-3")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rec.Append([]byte("complete\npartial-without-newline")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := rec.Close(CloseReasonErrored); err != nil {
		t.Fatalf("close: %v", err)
	}

	tail, err := rec.OpenTail()
	if err != nil {
		t.Fatalf("open tail: %v", err)
	}
	defer tail.Close()

	lines := collectLines(t, tail)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if lines[1] != "partial-without-newline" {
		t.Fatalf("expected trailing partial flushed, got %q", lines[1])
	}
	if rec.Reason() != CloseReasonErrored {
		t.Fatalf("expected errored close reason, got %q", rec.Reason())
	}
}

func TestTail_FollowsLiveWriter(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Open("conv-4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tail, err := rec.OpenTail()
	if err != nil {
		t.Fatalf("open tail: %v", err)
	}
	defer tail.Close()

	go func() {
		_ = rec.Append([]byte("one\n"))
		_ = rec.Append([]byte("two\n"))
		_ = rec.Close(CloseReasonCompleted)
	}()

	lines := collectLines(t, tail)
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestTail_ContextCancelUnblocks(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Open("conv-5")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tail, err := rec.OpenTail()
	if err != nil {
		t.Fatalf("open tail: %v", err)
	}
	defer tail.Close()
	defer rec.Close(CloseReasonCanceled)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = tail.Next(ctx)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestManager_RejectsDuplicateOpen(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Open("dup"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Open("dup"); err == nil {
		t.Fatalf("expected duplicate open to fail")
	}
}

func TestManager_SweepSkipsActiveRecordings(t *testing.T) {
	m := newTestManager(t)

	active, err := m.Open("active")
	if err != nil {
		t.Fatalf("open active: %v", err)
	}
	finished, err := m.Open("finished")
	if err != nil {
		t.Fatalf("open finished: %v", err)
	}
	if err := finished.Close(CloseReasonCompleted); err != nil {
		t.Fatalf("close finished: %v", err)
	}

	removed, err := m.SweepBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept recording, got %d", removed)
	}
	if _, ok := m.Get("active"); !ok {
		t.Fatalf("active recording must survive the sweep")
	}
	if _, ok := m.Get("finished"); ok {
		t.Fatalf("finished recording should be gone")
	}

	_ = active.Close(CloseReasonCanceled)
}
