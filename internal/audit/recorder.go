package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vergecare/vergegate/internal/observability"
)

// Sink is the durable append-only destination for audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// RecorderConfig tunes the asynchronous write pipeline.
type RecorderConfig struct {
	// MaxRetries bounds attempts per record before escalation. Default 6.
	MaxRetries int
	// BaseBackoff is the first retry delay, doubled per attempt. Default 100ms.
	BaseBackoff time.Duration
	// WriteTimeout bounds one sink attempt. Default 5s.
	WriteTimeout time.Duration
}

// Recorder accepts decision records without blocking the caller and writes
// them to the sink in submission order. Failed writes are retried with
// exponential backoff; a record abandoned after retries is escalated through
// the drop counter and an error log, never silently discarded.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     RecorderConfig

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Record
	closed  bool

	seq  atomic.Uint64
	done chan struct{}
}

// NewRecorder starts the background writer.
func NewRecorder(sink Sink, logger *slog.Logger, metrics *observability.Metrics, cfg RecorderConfig) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 6
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

// RecordDecision enqueues one record. The queue is unbounded so a slow sink
// never blocks evaluation; sustained backlog is visible on the queue depth
// gauge. Records submitted from one goroutine keep their submission order.
func (r *Recorder) RecordDecision(rec Record) {
	rec.Seq = r.seq.Add(1)
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	if rec.Category == "" {
		rec.Category = CategoryFor(rec.Allowed, rec.Reason)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Error("audit record submitted after shutdown",
			slog.String("principal", rec.PrincipalID),
			slog.String("reason", rec.Reason))
		r.metrics.AuditRecordDropped()
		return
	}
	r.pending = append(r.pending, rec)
	depth := len(r.pending)
	r.cond.Signal()
	r.mu.Unlock()
	r.metrics.SetAuditQueueDepth(depth)
}

// Close stops the writer after draining pending records, giving up when ctx
// expires. At the deadline the queue is emptied before counting drops, so a
// record is either abandoned here or written by the sink, never both. A write
// already in flight is allowed to finish.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.cond.Signal()
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		abandoned := len(r.pending)
		r.pending = nil
		r.cond.Signal()
		r.mu.Unlock()
		if abandoned > 0 {
			r.logger.Error("audit drain deadline exceeded",
				slog.Int("abandoned", abandoned))
			for i := 0; i < abandoned; i++ {
				r.metrics.AuditRecordDropped()
			}
		}
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.pending) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.pending) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		rec := r.pending[0]
		r.pending = r.pending[1:]
		depth := len(r.pending)
		r.mu.Unlock()
		r.metrics.SetAuditQueueDepth(depth)
		r.write(rec)
	}
}

// write appends one record, retrying with exponential backoff.
func (r *Recorder) write(rec Record) {
	backoff := r.cfg.BaseBackoff
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.sink.Append(ctx, rec)
		cancel()
		if err == nil {
			return
		}
		if attempt == r.cfg.MaxRetries {
			r.logger.Error("audit record lost after retries",
				slog.Uint64("seq", rec.Seq),
				slog.String("principal", rec.PrincipalID),
				slog.String("resource_kind", rec.ResourceKind),
				slog.String("effect", rec.Effect),
				slog.Any("error", err))
			r.metrics.AuditRecordDropped()
			return
		}
		r.logger.Warn("audit write failed, retrying",
			slog.Uint64("seq", rec.Seq),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		r.metrics.AuditWriteRetried()
		time.Sleep(backoff)
		backoff *= 2
	}
}
