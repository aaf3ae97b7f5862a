package resume

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type CloseReason string

const (
	CloseReasonCompleted CloseReason = "completed"
	CloseReasonCanceled  CloseReason = "canceled"
	CloseReasonErrored   CloseReason = "errored"
)

// Recording is the append-only event log for one in-flight response.
// Single writer, many tail readers. Bytes are the agent's exact JSON-line
// stream; a newline delimits a logical event.
type Recording struct {
	id   string
	path string

	mu       sync.Mutex
	file     *os.File
	size     int64
	closed   bool
	reason   CloseReason
	appendCh chan struct{}
}

// Manager owns the node-local recording directory.
type Manager struct {
	log *logger.Logger
	dir string

	mu     sync.Mutex
	active map[string]*Recording
}

func NewManager(log *logger.Logger, dir string) (*Manager, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "recordings"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir %q: %w", dir, err)
	}
	return &Manager{
		log:    log.With("service", "RecordingManager"),
		dir:    dir,
		active: map[string]*Recording{},
	}, nil
}

func (m *Manager) pathFor(recordingID string) string {
	return filepath.Join(m.dir, recordingID+".ndjson")
}

// Open creates the recording file and registers the recording as active.
func (m *Manager) Open(recordingID string) (*Recording, error) {
	recordingID = strings.TrimSpace(recordingID)
	if recordingID == "" {
		return nil, fmt.Errorf("missing recording id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[recordingID]; exists {
		return nil, fmt.Errorf("recording %q already open", recordingID)
	}
	path := m.pathFor(recordingID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	rec := &Recording{
		id:       recordingID,
		path:     path,
		file:     f,
		appendCh: make(chan struct{}),
	}
	m.active[recordingID] = rec
	return rec, nil
}

// Get returns the recording whether still writing or already finalized.
func (m *Manager) Get(recordingID string) (*Recording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[recordingID]
	return rec, ok
}

// Remove drops the recording from the registry and deletes its file.
func (m *Manager) Remove(recordingID string) error {
	m.mu.Lock()
	rec, ok := m.active[recordingID]
	delete(m.active, recordingID)
	m.mu.Unlock()
	if ok && !rec.Closed() {
		_ = rec.Close(CloseReasonErrored)
	}
	if err := os.Remove(m.pathFor(recordingID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SweepBefore deletes finalized recording files last touched before cutoff.
// Active recordings are never swept.
func (m *Manager) SweepBefore(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".ndjson")
		m.mu.Lock()
		rec, tracked := m.active[id]
		m.mu.Unlock()
		if tracked && !rec.Closed() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (r *Recording) ID() string { return r.id }

func (r *Recording) Append(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recording %q is closed", r.id)
	}
	n, err := r.file.Write(b)
	r.size += int64(n)
	if err != nil {
		return fmt.Errorf("append to recording %q: %w", r.id, err)
	}
	// Wake every waiting tail reader.
	close(r.appendCh)
	r.appendCh = make(chan struct{})
	return nil
}

func (r *Recording) Close(reason CloseReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.reason = reason
	err := r.file.Sync()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	close(r.appendCh)
	return err
}

func (r *Recording) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recording) Reason() CloseReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// snapshot returns the current size, closed flag, and the channel that will
// be closed on the next append or close.
func (r *Recording) snapshot() (int64, bool, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size, r.closed, r.appendCh
}

// Tail yields complete lines from offset 0 and keeps following appends
// until the writer closes. Arbitrary chunk boundaries are re-assembled; a
// trailing partial line is flushed once the writer closes.
type Tail struct {
	rec    *Recording
	file   *os.File
	offset int64
	buf    bytes.Buffer
	done   bool
}

func (r *Recording) OpenTail() (*Tail, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open recording %q for tail: %w", r.id, err)
	}
	return &Tail{rec: r, file: f}, nil
}

// Next blocks until a complete line is available and returns it without the
// trailing newline. Returns io.EOF after the writer has closed and every
// buffered byte has been yielded.
func (t *Tail) Next(ctx context.Context) ([]byte, error) {
	for {
		if line, ok := t.takeLine(); ok {
			return line, nil
		}
		if t.done {
			if t.buf.Len() > 0 {
				rest := make([]byte, t.buf.Len())
				copy(rest, t.buf.Bytes())
				t.buf.Reset()
				return rest, nil
			}
			return nil, io.EOF
		}

		size, closed, notify := t.rec.snapshot()
		if t.offset < size {
			if err := t.fill(size); err != nil {
				return nil, err
			}
			continue
		}
		if closed {
			t.done = true
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (t *Tail) takeLine() ([]byte, bool) {
	raw := t.buf.Bytes()
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, raw[:idx])
	t.buf.Next(idx + 1)
	return line, true
}

func (t *Tail) fill(upTo int64) error {
	remaining := upTo - t.offset
	if remaining <= 0 {
		return nil
	}
	chunk := make([]byte, remaining)
	n, err := t.file.ReadAt(chunk, t.offset)
	t.offset += int64(n)
	t.buf.Write(chunk[:n])
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (t *Tail) Close() error {
	return t.file.Close()
}
