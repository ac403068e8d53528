// Package logplane aggregates child stdout/stderr and internal
// supervisory events into a bounded in-memory ring plus a broadcast
// channel for live subscribers, with batched persistence to the Store
// (spec §4.2). Grounded on original_source/tenement/src/logs.rs's
// VecDeque ring buffer, translated to a Go slice-backed ring, and on the
// teacher's SSE chunk-channel idiom (internal/api/exec_handlers.go) for
// the non-blocking subscriber fan-out.
package logplane

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tenement-host/tenement/internal/store"
)

// DefaultCapacity matches the original ring buffer's default.
const DefaultCapacity = 4000

// subscriberBufferSize is how many records a subscriber may lag behind
// before it is dropped.
const subscriberBufferSize = 256

// Plane is the process-wide log aggregator. It is a singleton,
// constructed once at startup (spec §9).
type Plane struct {
	mu       sync.RWMutex
	ring     []store.LogRecord
	capacity int
	nextSeq  int64

	subMu sync.Mutex
	subs  map[int]chan store.LogRecord
	nextSub int

	db     *store.Store
	logger *slog.Logger

	batchMu sync.Mutex
	batch   []store.LogRecord
	flushMu sync.Mutex // serializes flushes so batches reach the Store in order

	batchSize     int
	flushInterval time.Duration

	flushCh chan struct{}
}

// New constructs a Plane backed by db, with batched writer parameters
// per spec §4.1: "amortizing writes into ≤N records per transaction,
// flushed every ≤250ms or when the batch fills."
func New(db *store.Store, capacity int, logger *slog.Logger) *Plane {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Plane{
		ring:          make([]store.LogRecord, 0, capacity),
		capacity:      capacity,
		db:            db,
		logger:        logger,
		subs:          make(map[int]chan store.LogRecord),
		batchSize:     200,
		flushInterval: 250 * time.Millisecond,
		flushCh:       make(chan struct{}, 1),
	}
}

// Append records a single log line: service/instance/stream/severity and
// message. It is appended to the ring, fanned out to subscribers, and
// queued for the batched writer.
func (p *Plane) Append(service, instance string, stream store.LogStream, severity store.LogSeverity, message string) {
	p.mu.Lock()
	p.nextSeq++
	rec := store.LogRecord{
		Sequence:  p.nextSeq,
		Timestamp: time.Now(),
		Service:   service,
		Instance:  instance,
		Stream:    stream,
		Severity:  severity,
		Message:   message,
	}
	p.ring = append(p.ring, rec)
	if len(p.ring) > p.capacity {
		// evict oldest; older records remain retrievable only via Store.
		p.ring = p.ring[len(p.ring)-p.capacity:]
	}
	p.mu.Unlock()

	p.broadcast(rec)
	p.enqueue(rec)
}

func (p *Plane) broadcast(rec store.LogRecord) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- rec:
		default:
			// slow subscriber: drop it rather than block the log plane.
			close(ch)
			delete(p.subs, id)
		}
	}
}

func (p *Plane) enqueue(rec store.LogRecord) {
	p.batchMu.Lock()
	p.batch = append(p.batch, rec)
	full := len(p.batch) >= p.batchSize
	p.batchMu.Unlock()

	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run drives the batched writer to Store until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-ticker.C:
			p.flush()
		case <-p.flushCh:
			p.flush()
		}
	}
}

func (p *Plane) flush() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.batchMu.Lock()
	if len(p.batch) == 0 {
		p.batchMu.Unlock()
		return
	}
	pending := p.batch
	p.batch = nil
	p.batchMu.Unlock()

	if err := p.db.InsertLogBatch(pending); err != nil && p.logger != nil {
		p.logger.Warn("logplane: batch write failed, will retry on next flush", "error", err, "count", len(pending))
		// Per spec §7, log writer errors are retried, not fatal; re-queue.
		p.batchMu.Lock()
		p.batch = append(pending, p.batch...)
		p.batchMu.Unlock()
	}
}

// Subscribe registers a live-tail channel. The returned cancel func must
// be called to unregister. The channel is closed if the subscriber falls
// behind.
func (p *Plane) Subscribe() (<-chan store.LogRecord, func()) {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan store.LogRecord, subscriberBufferSize)
	p.subs[id] = ch
	p.subMu.Unlock()

	cancel := func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if existing, ok := p.subs[id]; ok {
			close(existing)
			delete(p.subs, id)
		}
	}
	return ch, cancel
}

// Query serves "last N records with filters" from the ring when
// sufficient, falling back to the Store otherwise (after flushing the
// pending batch, so records not yet written are included); an FTS match
// expression always goes to the Store (spec §4.2).
func (p *Plane) Query(q store.LogQuery) ([]store.LogRecord, error) {
	if q.Match != "" {
		return p.db.QueryLogs(q)
	}

	p.mu.RLock()
	ringCopy := make([]store.LogRecord, len(p.ring))
	copy(ringCopy, p.ring)
	p.mu.RUnlock()

	filtered := filterRing(ringCopy, q)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(filtered) >= limit || !q.Since.IsZero() {
		// ring has enough, or caller asked for a bounded recent window
		// the ring can fully answer.
		return reverseLimit(filtered, limit), nil
	}

	p.flush()
	return p.db.QueryLogs(q)
}

func filterRing(recs []store.LogRecord, q store.LogQuery) []store.LogRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if q.Service != "" && r.Service != q.Service {
			continue
		}
		if q.Instance != "" && r.Instance != q.Instance {
			continue
		}
		if q.Stream != "" && r.Stream != q.Stream {
			continue
		}
		if q.Severity != "" && r.Severity != q.Severity {
			continue
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func reverseLimit(recs []store.LogRecord, limit int) []store.LogRecord {
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]store.LogRecord, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out
}

// Len reports the current ring size, for tests/metrics.
func (p *Plane) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ring)
}
