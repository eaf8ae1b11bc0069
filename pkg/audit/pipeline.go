package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds the per-entry write retry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy retries up to 5 attempts with 2s..32s exponential gaps.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 2 * time.Second,
	MaxInterval:     32 * time.Second,
	MaxAttempts:     5,
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Lanes is the number of serial write lanes. Entries hash to a lane by
	// session id, so one session's history is always written in order.
	Lanes int

	// LaneDepth is the buffer size of each lane.
	LaneDepth int

	Retry RetryPolicy

	// DeadLetterCapacity bounds the dead letter ring.
	DeadLetterCapacity int
}

// Pipeline fans audit entries out to serial write lanes.
type Pipeline struct {
	writer Writer
	lanes  []chan Entry
	retry  RetryPolicy
	dead   *DeadLetter

	dropped atomic.Int64
	written atomic.Int64

	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// NewPipeline creates a pipeline writing through w.
func NewPipeline(w Writer, opts PipelineOptions) *Pipeline {
	if opts.Lanes <= 0 {
		opts.Lanes = 4
	}
	if opts.LaneDepth <= 0 {
		opts.LaneDepth = 256
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy
	}

	lanes := make([]chan Entry, opts.Lanes)
	for i := range lanes {
		lanes[i] = make(chan Entry, opts.LaneDepth)
	}
	return &Pipeline{
		writer: w,
		lanes:  lanes,
		retry:  opts.Retry,
		dead:   NewDeadLetter(opts.DeadLetterCapacity),
	}
}

// Start spawns one worker goroutine per lane. The context bounds individual
// writes, not the workers; workers exit when Stop closes the lanes.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		slog.Warn("Audit pipeline already started, ignoring duplicate Start call")
		return
	}
	for i, lane := range p.lanes {
		p.wg.Add(1)
		go p.runLane(ctx, i, lane)
	}
	slog.Info("Audit pipeline started", "lanes", len(p.lanes))
}

// Enqueue hands an entry to its session's lane without blocking. When the
// lane is full the entry is dead-lettered and the caller proceeds; audit
// loss is preferable to stalling a timer operation.
func (p *Pipeline) Enqueue(entry Entry) {
	lane := p.lanes[p.laneFor(entry.SessionID)]
	select {
	case lane <- entry:
	default:
		p.dropped.Add(1)
		p.dead.Add(entry, "lane full", time.Now())
		slog.Warn("Audit lane full, dead-lettering entry",
			"session_id", entry.SessionID,
			"event_type", entry.EventType,
			"dropped_total", p.dropped.Load())
	}
}

// Depth returns the number of entries waiting across all lanes.
func (p *Pipeline) Depth() int {
	depth := 0
	for _, lane := range p.lanes {
		depth += len(lane)
	}
	return depth
}

// Dropped returns how many entries never made it onto a lane.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Written returns how many entries were persisted.
func (p *Pipeline) Written() int64 { return p.written.Load() }

// DeadLetters exposes the dead letter ring for health reporting and tests.
func (p *Pipeline) DeadLetters() *DeadLetter { return p.dead }

// Stop closes the lanes and waits for the workers to drain what is already
// queued. Entries enqueued after Stop panic on the closed channel, so the
// caller must stop producers first.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		for _, lane := range p.lanes {
			close(lane)
		}
		p.wg.Wait()
		slog.Info("Audit pipeline stopped",
			"written", p.written.Load(), "dropped", p.dropped.Load(),
			"dead_letters", p.dead.Len())
	})
}

func (p *Pipeline) laneFor(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *Pipeline) runLane(ctx context.Context, id int, lane <-chan Entry) {
	defer p.wg.Done()
	for entry := range lane {
		if err := p.writeWithRetry(ctx, entry); err != nil {
			p.dead.Add(entry, err.Error(), time.Now())
			slog.Error("Audit write failed permanently, dead-lettering entry",
				"lane", id,
				"session_id", entry.SessionID,
				"event_type", entry.EventType,
				"error", err)
			continue
		}
		p.written.Add(1)
	}
}

// writeWithRetry retries transient failures with exponential backoff.
// Constraint violations are not retried: a write PostgreSQL rejected once
// it will reject forever.
func (p *Pipeline) writeWithRetry(ctx context.Context, entry Entry) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retry.InitialInterval
	bo.MaxInterval = p.retry.MaxInterval
	bo.MaxElapsedTime = 0

	attempts := uint64(p.retry.MaxAttempts - 1)
	op := func() error {
		err := p.writer.Write(ctx, entry)
		if err == nil {
			return nil
		}
		if isPermanentWriteError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), attempts)); err != nil {
		return fmt.Errorf("after %d attempts: %w", p.retry.MaxAttempts, err)
	}
	return nil
}

// isPermanentWriteError reports whether the error is a data problem rather
// than an infrastructure one. SQLSTATE classes 22 (data exception) and 23
// (integrity constraint violation) qualify.
func isPermanentWriteError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if len(pgErr.Code) < 2 {
		return false
	}
	class := pgErr.Code[:2]
	return class == "22" || class == "23"
}
