// Package capture subscribes to host console log events from any thread,
// buffers them without blocking the producer, and persists drained batches
// with stack traces truncated at ingestion time.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/metrics"
	"github.com/perspec/coordinator/types"
)

// DefaultQueueCapacity bounds the in-memory queue. When the queue is full
// the oldest entries are dropped first: recency beats completeness for
// console logs.
const DefaultQueueCapacity = 1000

// Sink persists drained console entries. Satisfied by *store.Store.
type Sink interface {
	InsertConsoleLogs(ctx context.Context, entries []types.ConsoleLogEntry) error
}

// Event is one host console log event as delivered by the log callback.
type Event struct {
	Level      types.LogLevel
	Message    string
	StackTrace string
	SourceFile string
	SourceLine int
	Context    string
	Timestamp  time.Time
}

// Pipeline is the console capture pipeline. Enqueue is safe from any
// goroutine; Drain is expected to run on the dispatch goroutine's tick.
type Pipeline struct {
	sink      Sink
	truncator *Truncator
	log       zerolog.Logger
	sessionID string
	capacity  int

	mu      sync.Mutex
	queue   []types.ConsoleLogEntry
	dropped uint64

	activeRequest atomic.Int64 // 0 = no run in progress
}

// NewPipeline creates a capture pipeline with a fresh session id, stable
// for the process lifetime.
func NewPipeline(sink Sink, truncator *Truncator, capacity int, logger zerolog.Logger) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Pipeline{
		sink:      sink,
		truncator: truncator,
		log:       logger.With().Str("component", "capture").Logger(),
		sessionID: uuid.New().String(),
		capacity:  capacity,
	}
}

// SessionID returns the opaque session identifier for this process.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// SetActiveRequest tags subsequent entries with the test request currently
// executing. Zero clears the association.
func (p *Pipeline) SetActiveRequest(id int64) {
	p.activeRequest.Store(id)
}

// ActiveRequest returns the request id console output is currently
// attributed to, or 0 when no run is in progress.
func (p *Pipeline) ActiveRequest() int64 {
	return p.activeRequest.Load()
}

// ClearActiveRequest removes the request association.
func (p *Pipeline) ClearActiveRequest() {
	p.activeRequest.Store(0)
}

// Enqueue captures one console event. Truncation happens here, once per
// entry, so read paths never pay for it. Never blocks and never panics
// past the caller: the producer is the host's log callback.
func (p *Pipeline) Enqueue(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("console capture ingestion panicked")
		}
	}()

	entry := p.buildEntry(ev)

	p.mu.Lock()
	if len(p.queue) >= p.capacity {
		over := len(p.queue) - p.capacity + 1
		p.queue = p.queue[over:]
		p.dropped += uint64(over)
		metrics.RecordConsoleLogsDropped(over)
	}
	p.queue = append(p.queue, entry)
	p.mu.Unlock()

	metrics.RecordConsoleLogCaptured(string(ev.Level))
}

func (p *Pipeline) buildEntry(ev Event) types.ConsoleLogEntry {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	entry := types.ConsoleLogEntry{
		SessionID:  p.sessionID,
		Level:      ev.Level,
		Message:    stripansi.Strip(ev.Message),
		RawStack:   ev.StackTrace,
		SourceFile: ev.SourceFile,
		SourceLine: ev.SourceLine,
		Context:    ev.Context,
		Timestamp:  ts,
	}
	if !entry.Level.IsValid() {
		entry.Level = types.LogLevelInfo
	}
	if id := p.activeRequest.Load(); id != 0 {
		entry.RequestID = &id
	}
	if ev.StackTrace != "" {
		res := p.truncator.Truncate(stripansi.Strip(ev.StackTrace))
		if res.Stack == "" {
			// ANSI-only traces strip down to nothing; a non-empty raw
			// stack always gets a non-empty truncated rendering.
			res.Stack = ev.StackTrace
		}
		entry.TruncatedStack = res.Stack
		entry.FrameCount = res.FrameCount
		entry.IsTruncated = res.IsTruncated
	}
	return entry
}

// Drain swaps the queue for an empty one and persists every entry,
// decoupling producer latency from storage latency. A failed batch is not
// requeued; the entries are lost and the error returned.
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	if err := p.sink.InsertConsoleLogs(ctx, batch); err != nil {
		p.log.Warn().Err(err).Int("batch", len(batch)).Msg("failed to persist console log batch")
		return 0, err
	}
	return len(batch), nil
}

// Pending returns the current queue depth, for tests and metrics.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns the total number of entries discarded by backpressure.
func (p *Pipeline) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
