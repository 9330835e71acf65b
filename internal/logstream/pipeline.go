// Package logstream consumes the shared log event stream with a pool of
// consumer-group workers, buffers accepted entries per server code, and
// flushes batches to durable storage on a fixed interval.
package logstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"fleetmon/internal/clock"
	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

const (
	// StreamKey is the shared append-only log stream.
	StreamKey = "logs:stream"

	// ConsumerGroup is the single group all workers join.
	ConsumerGroup = "log-processors"

	batchSize     = 1000
	blockTime     = 5 * time.Second
	flushInterval = 10 * time.Second
	errorBackoff  = 5 * time.Second

	// maxStreamLen caps stream growth; trimming is approximate,
	// performed by the backing store.
	maxStreamLen = 1_000_000

	// maxBufferedPerCode bounds how many entries a code's buffer may
	// retain across failed flushes before the oldest are dropped.
	maxBufferedPerCode = 10_000
)

// LogStore persists drained log batches.
type LogStore interface {
	AppendLogBatch(entries []*models.LogEntry) error
}

// Pipeline owns the consumer workers, the per-code buffers, and the
// periodic flush loop.
type Pipeline struct {
	stream   StreamClient
	store    LogStore
	clock    clock.Clock
	validate *validator.Validate

	mu      sync.Mutex
	buffers map[string][]*models.LogEntry
	workers []workerHandle

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Operational counters for the health endpoint.
	consumed    atomic.Uint64
	acked       atomic.Uint64
	flushes     atomic.Uint64
	flushErrors atomic.Uint64
}

type workerHandle struct {
	name   string
	cancel context.CancelFunc
}

// NewPipeline builds a pipeline over the given stream and store.
func NewPipeline(stream StreamClient, store LogStore, clk clock.Clock) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		stream:   stream,
		store:    store,
		clock:    clk,
		validate: validator.New(),
		buffers:  make(map[string][]*models.LogEntry),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start idempotently creates the consumer group and launches the flush
// loop. A "group already exists" condition is swallowed; any other
// group-creation failure is fatal to startup.
func (p *Pipeline) Start() error {
	if err := p.stream.GroupCreate(p.baseCtx, StreamKey, ConsumerGroup); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group: %w", err)
		}
	}

	p.wg.Add(1)
	go p.flushLoop()
	return nil
}

// Stop retires all workers, halts the flush loop, and drains whatever
// the buffers still hold.
func (p *Pipeline) Stop() {
	p.Rebalance(0)
	p.cancel()
	p.wg.Wait()
	p.flush()
}

// Rebalance grows or shrinks the worker pool to the desired count,
// normally the number of registered servers. Workers are named
// processor-1..N; shrinking retires the highest-numbered ones. A
// retiring worker finishes its in-flight read before exiting.
func (p *Pipeline) Rebalance(desired int) {
	if desired < 0 {
		desired = 0
	}

	p.mu.Lock()
	for len(p.workers) > desired {
		last := p.workers[len(p.workers)-1]
		last.cancel()
		p.workers = p.workers[:len(p.workers)-1]
		logutil.Info().Str("worker", last.name).Msg("log consumer retired")
	}
	for len(p.workers) < desired {
		name := fmt.Sprintf("processor-%d", len(p.workers)+1)
		ctx, cancel := context.WithCancel(context.Background())
		p.workers = append(p.workers, workerHandle{name: name, cancel: cancel})
		p.wg.Add(1)
		go p.worker(ctx, name)
		logutil.Info().Str("worker", name).Msg("log consumer started")
	}
	p.mu.Unlock()
}

// WorkerCount returns the current size of the consumer pool.
func (p *Pipeline) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// AddLog validates an entry and appends it to the stream. Timestamp
// defaults to now.
func (p *Pipeline) AddLog(entry *models.LogEntry) error {
	if err := p.validate.Struct(entry); err != nil {
		return fmt.Errorf("invalid log entry: %w", err)
	}
	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = p.clock.Now()
	}
	return p.stream.Add(p.baseCtx, StreamKey, maxStreamLen, map[string]any{
		"serverCode": entry.ServerCode,
		"type":       entry.Type,
		"message":    entry.Message,
		"timestamp":  timestamp.Format(time.RFC3339Nano),
	})
}

// worker is one consumer-group loop. It blocks on the stream, buffers
// accepted entries, and acknowledges them. Entries without a server
// code are skipped without ack and become redeliverable. Errors pause
// the worker briefly; one worker's failure never stops the others.
func (p *Pipeline) worker(ctx context.Context, name string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.baseCtx.Done():
			return
		default:
		}

		// Reads run on the pipeline context, not the worker's, so
		// retiring a worker never interrupts an in-flight batch.
		messages, err := p.stream.ReadGroup(p.baseCtx, StreamKey, ConsumerGroup, name, batchSize, blockTime)
		if err != nil {
			if p.baseCtx.Err() != nil {
				return
			}
			logutil.Error().Err(err).Str("worker", name).Msg("stream read failed")
			p.clock.Sleep(errorBackoff)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, message := range messages {
			p.consumed.Add(1)
			entry := parseEntry(message.Values)
			if entry.ServerCode == "" {
				continue
			}
			p.buffer(entry)
			if err := p.stream.Ack(p.baseCtx, StreamKey, ConsumerGroup, message.ID); err != nil {
				logutil.Error().Err(err).Str("worker", name).Str("id", message.ID).Msg("ack failed")
				continue
			}
			p.acked.Add(1)
		}
	}
}

func (p *Pipeline) buffer(entry *models.LogEntry) {
	p.mu.Lock()
	buffered := append(p.buffers[entry.ServerCode], entry)
	if len(buffered) > maxBufferedPerCode {
		buffered = buffered[len(buffered)-maxBufferedPerCode:]
	}
	p.buffers[entry.ServerCode] = buffered
	p.mu.Unlock()
}

func (p *Pipeline) flushLoop() {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.baseCtx.Done():
			return
		}
	}
}

// flush batch-inserts every non-empty buffer. On success the buffer is
// cleared; on failure it is retained (bounded by maxBufferedPerCode)
// and retried on the next tick.
func (p *Pipeline) flush() {
	p.mu.Lock()
	pending := make(map[string][]*models.LogEntry, len(p.buffers))
	for code, entries := range p.buffers {
		if len(entries) == 0 {
			continue
		}
		pending[code] = entries
		p.buffers[code] = nil
	}
	p.mu.Unlock()

	for code, entries := range pending {
		if err := p.store.AppendLogBatch(entries); err != nil {
			p.flushErrors.Add(1)
			logutil.Error().Err(err).Str("server", code).Int("entries", len(entries)).Msg("log flush failed")
			// Put the batch back at the front so order survives the retry.
			p.mu.Lock()
			restored := append(entries, p.buffers[code]...)
			if len(restored) > maxBufferedPerCode {
				restored = restored[len(restored)-maxBufferedPerCode:]
			}
			p.buffers[code] = restored
			p.mu.Unlock()
			continue
		}
		p.flushes.Add(1)
	}
}

// Stats reports operational counters: entries consumed, entries acked,
// successful flushes, failed flushes.
func (p *Pipeline) Stats() (consumed, acked, flushes, flushErrors uint64) {
	return p.consumed.Load(), p.acked.Load(), p.flushes.Load(), p.flushErrors.Load()
}

// parseEntry maps flat stream fields onto a LogEntry. The timestamp
// field is parsed as a date; all other fields are strings.
func parseEntry(values map[string]any) *models.LogEntry {
	entry := &models.LogEntry{}
	for key, raw := range values {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		switch key {
		case "serverCode":
			entry.ServerCode = value
		case "type":
			entry.Type = value
		case "message":
			entry.Message = value
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				entry.Timestamp = ts
			}
		}
	}
	return entry
}
