package logstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/models"
)

type fakeStream struct {
	mu       sync.Mutex
	groupErr error
	added    []map[string]any
	acked    []string
	queue    chan Message
}

func newFakeStream() *fakeStream {
	return &fakeStream{queue: make(chan Message, 64)}
}

func (s *fakeStream) GroupCreate(context.Context, string, string) error {
	return s.groupErr
}

func (s *fakeStream) Add(_ context.Context, _ string, _ int64, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, values)
	return nil
}

func (s *fakeStream) ReadGroup(ctx context.Context, _, _, _ string, count int64, _ time.Duration) ([]Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first := <-s.queue:
		messages := []Message{first}
		for int64(len(messages)) < count {
			select {
			case m := <-s.queue:
				messages = append(messages, m)
			default:
				return messages, nil
			}
		}
		return messages, nil
	}
}

func (s *fakeStream) Ack(_ context.Context, _, _ string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *fakeStream) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

type fakeLogStore struct {
	mu      sync.Mutex
	fail    bool
	batches [][]*models.LogEntry
}

func (s *fakeLogStore) AppendLogBatch(entries []*models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database unavailable")
	}
	batch := make([]*models.LogEntry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeLogStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeLogStore) stored() []*models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LogEntry
	for _, batch := range s.batches {
		out = append(out, batch...)
	}
	return out
}

func newTestPipeline() (*Pipeline, *fakeStream, *fakeLogStore) {
	stream := newFakeStream()
	store := &fakeLogStore{}
	clk := clock.NewFake(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	return NewPipeline(stream, store, clk), stream, store
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddLogValidation(t *testing.T) {
	p, stream, _ := newTestPipeline()

	bad := []*models.LogEntry{
		{Type: "error", Message: "m"},
		{ServerCode: "S1", Message: "m"},
		{ServerCode: "S1", Type: "error"},
	}
	for _, entry := range bad {
		if err := p.AddLog(entry); err == nil {
			t.Fatalf("expected validation error for %+v", entry)
		}
	}
	if len(stream.added) != 0 {
		t.Fatalf("invalid entries reached the stream: %d", len(stream.added))
	}
}

func TestAddLogDefaultsTimestamp(t *testing.T) {
	p, stream, _ := newTestPipeline()

	if err := p.AddLog(&models.LogEntry{ServerCode: "S1", Type: "error", Message: "disk full"}); err != nil {
		t.Fatalf("AddLog: %v", err)
	}
	if len(stream.added) != 1 {
		t.Fatalf("stream adds = %d, want 1", len(stream.added))
	}
	values := stream.added[0]
	if values["serverCode"] != "S1" || values["type"] != "error" || values["message"] != "disk full" {
		t.Fatalf("unexpected stream fields: %v", values)
	}
	ts, err := time.Parse(time.RFC3339Nano, values["timestamp"].(string))
	if err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
	if !ts.Equal(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v, want the clock's now", ts)
	}
}

func TestParseEntry(t *testing.T) {
	entry := parseEntry(map[string]any{
		"serverCode": "S1",
		"type":       "warning",
		"message":    "high load",
		"timestamp":  "2026-03-10T12:30:00Z",
		"extra":      42, // non-string values are ignored
	})
	if entry.ServerCode != "S1" || entry.Type != "warning" || entry.Message != "high load" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Timestamp.IsZero() {
		t.Fatal("timestamp not parsed")
	}

	entry = parseEntry(map[string]any{"serverCode": "S1", "timestamp": "not-a-date"})
	if !entry.Timestamp.IsZero() {
		t.Fatalf("bad timestamp should stay zero, got %v", entry.Timestamp)
	}
}

func TestWorkerBuffersAndAcks(t *testing.T) {
	p, stream, store := newTestPipeline()
	p.Rebalance(1)
	defer p.Stop()

	stream.queue <- Message{ID: "1-0", Values: map[string]any{
		"serverCode": "S1", "type": "info", "message": "first",
	}}
	stream.queue <- Message{ID: "1-1", Values: map[string]any{
		"serverCode": "S1", "type": "info", "message": "second",
	}}

	waitFor(t, "both messages acked", func() bool { return stream.ackCount() == 2 })

	p.flush()
	entries := store.stored()
	if len(entries) != 2 {
		t.Fatalf("stored entries = %d, want 2", len(entries))
	}
	if entries[0].Message != "first" || entries[1].Message != "second" {
		t.Fatalf("order lost: %q, %q", entries[0].Message, entries[1].Message)
	}

	// A second flush with empty buffers writes nothing.
	p.flush()
	if got := len(store.stored()); got != 2 {
		t.Fatalf("empty flush wrote entries: %d", got)
	}
}

func TestWorkerSkipsEntriesWithoutServerCode(t *testing.T) {
	p, stream, store := newTestPipeline()
	p.Rebalance(1)
	defer p.Stop()

	stream.queue <- Message{ID: "1-0", Values: map[string]any{"type": "info", "message": "orphan"}}
	stream.queue <- Message{ID: "1-1", Values: map[string]any{
		"serverCode": "S1", "type": "info", "message": "kept",
	}}

	waitFor(t, "valid message acked", func() bool { return stream.ackCount() == 1 })

	stream.mu.Lock()
	ackedID := stream.acked[0]
	stream.mu.Unlock()
	if ackedID != "1-1" {
		t.Fatalf("acked %q, want only the entry with a server code", ackedID)
	}

	p.flush()
	entries := store.stored()
	if len(entries) != 1 || entries[0].Message != "kept" {
		t.Fatalf("unexpected stored entries: %+v", entries)
	}
}

func TestRebalanceGrowsAndShrinks(t *testing.T) {
	p, _, _ := newTestPipeline()
	defer p.Stop()

	p.Rebalance(3)
	if got := p.WorkerCount(); got != 3 {
		t.Fatalf("worker count = %d, want 3", got)
	}
	p.Rebalance(1)
	if got := p.WorkerCount(); got != 1 {
		t.Fatalf("worker count = %d, want 1", got)
	}
	p.Rebalance(-5)
	if got := p.WorkerCount(); got != 0 {
		t.Fatalf("worker count = %d, want 0", got)
	}
}

func TestFlushRetainsBufferOnFailure(t *testing.T) {
	p, _, store := newTestPipeline()
	store.setFail(true)

	p.buffer(&models.LogEntry{ServerCode: "S1", Type: "info", Message: "one"})
	p.buffer(&models.LogEntry{ServerCode: "S1", Type: "info", Message: "two"})
	p.flush()

	if got := len(store.stored()); got != 0 {
		t.Fatalf("failed flush stored %d entries", got)
	}
	_, _, flushes, flushErrors := p.Stats()
	if flushes != 0 || flushErrors != 1 {
		t.Fatalf("flushes/flushErrors = %d/%d, want 0/1", flushes, flushErrors)
	}

	// New entries arriving before the retry stay behind the retained batch.
	p.buffer(&models.LogEntry{ServerCode: "S1", Type: "info", Message: "three"})
	store.setFail(false)
	p.flush()

	entries := store.stored()
	if len(entries) != 3 {
		t.Fatalf("stored entries = %d, want 3", len(entries))
	}
	for i, want := range []string{"one", "two", "three"} {
		if entries[i].Message != want {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestBufferBound(t *testing.T) {
	p, _, _ := newTestPipeline()

	for i := 0; i < maxBufferedPerCode+5; i++ {
		p.buffer(&models.LogEntry{ServerCode: "S1", Type: "info", Message: "m"})
	}

	p.mu.Lock()
	got := len(p.buffers["S1"])
	p.mu.Unlock()
	if got != maxBufferedPerCode {
		t.Fatalf("buffer size = %d, want capped at %d", got, maxBufferedPerCode)
	}
}

func TestStartSwallowsExistingGroup(t *testing.T) {
	p, stream, _ := newTestPipeline()
	stream.groupErr = errors.New("BUSYGROUP Consumer Group name already exists")

	if err := p.Start(); err != nil {
		t.Fatalf("existing group must not fail startup: %v", err)
	}
	p.Stop()
}

func TestStartFailsOnOtherGroupError(t *testing.T) {
	p, stream, _ := newTestPipeline()
	stream.groupErr = errors.New("connection refused")

	if err := p.Start(); err == nil {
		t.Fatal("expected startup failure")
	}
}

func TestStopDrainsBuffers(t *testing.T) {
	p, _, store := newTestPipeline()
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.buffer(&models.LogEntry{ServerCode: "S1", Type: "info", Message: "pending"})

	p.Stop()

	entries := store.stored()
	if len(entries) != 1 || entries[0].Message != "pending" {
		t.Fatalf("Stop did not drain buffers: %+v", entries)
	}
}
