// Package recorder batches market events from all sessions and hands them to
// a sink once per flush interval.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"zeus/config"
	"zeus/internal/metrics"
	"zeus/internal/model"
	"zeus/logger"
)

var ErrSinkWrite = errors.New("sink write failed")

// Batch is everything recorded during one flush epoch, in arrival order.
type Batch struct {
	Epoch     time.Time
	FlushedAt time.Time
	Events    []model.MarketEvent
}

// Sink persists batches. The recorder reuses Events after Write returns, so
// implementations must not keep a reference to it.
type Sink interface {
	Write(ctx context.Context, b Batch) error
}

type Options struct {
	Interval      time.Duration
	BufferLimit   int
	Overflow      string
	FailurePolicy string
	RetryAttempts int
	RetryBackoff  time.Duration
}

func OptionsFromConfig(rc config.RecorderConfig) Options {
	return Options{
		Interval:      rc.RecvInterval.Duration(),
		BufferLimit:   rc.BufferLimit,
		Overflow:      rc.Overflow,
		FailurePolicy: rc.SinkFailurePolicy,
		RetryAttempts: rc.RetryAttempts,
		RetryBackoff:  rc.RetryBackoff.Duration(),
	}
}

type Recorder struct {
	opts    Options
	sink    Sink
	metrics *metrics.Collectors
	log     *logger.Log

	mu     sync.Mutex
	active []model.MarketEvent
	// head is the index of the oldest live event in active; entries before
	// it were evicted by drop_oldest.
	head   int
	spare  []model.MarketEvent
	epoch  time.Time
	closed bool

	flushMu sync.Mutex

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	recorded       atomic.Int64
	dropped        atomic.Int64
	written        atomic.Int64
	batchesWritten atomic.Int64
	batchesFailed  atomic.Int64
}

func New(opts Options, sink Sink, m *metrics.Collectors) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("recorder: sink is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("recorder: flush interval must be positive, got %s", opts.Interval)
	}
	if opts.BufferLimit < 0 {
		return nil, fmt.Errorf("recorder: buffer limit must be >= 0, got %d", opts.BufferLimit)
	}
	switch opts.Overflow {
	case "":
		opts.Overflow = config.OverflowDropOldest
	case config.OverflowDropOldest, config.OverflowDropNewest:
	default:
		return nil, fmt.Errorf("recorder: unknown overflow policy %q", opts.Overflow)
	}
	switch opts.FailurePolicy {
	case "":
		opts.FailurePolicy = config.SinkFailureDrop
	case config.SinkFailureDrop, config.SinkFailureRetry:
	default:
		return nil, fmt.Errorf("recorder: unknown sink failure policy %q", opts.FailurePolicy)
	}

	return &Recorder{
		opts:    opts,
		sink:    sink,
		metrics: m,
		log:     logger.GetLogger(),
		epoch:   time.Now(),
	}, nil
}

// Record appends ev to the current epoch. It never waits on the sink. It
// returns false when the event was not kept: the buffer is full under
// drop_newest, or the recorder has been stopped.
func (r *Recorder) Record(ev model.MarketEvent) bool {
	var evicted *model.MarketEvent

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.opts.BufferLimit > 0 && len(r.active)-r.head >= r.opts.BufferLimit {
		if r.opts.Overflow == config.OverflowDropNewest {
			r.mu.Unlock()
			r.drop(ev, config.OverflowDropNewest)
			return false
		}
		old := r.active[r.head]
		evicted = &old
		r.active[r.head] = model.MarketEvent{}
		r.head++
		if r.head >= len(r.active)/2 {
			n := copy(r.active, r.active[r.head:])
			clear(r.active[n:])
			r.active = r.active[:n]
			r.head = 0
		}
	}
	r.active = append(r.active, ev)
	r.mu.Unlock()

	r.recorded.Add(1)
	r.metrics.IncRecorded()
	if evicted != nil {
		r.drop(*evicted, config.OverflowDropOldest)
	}
	return true
}

func (r *Recorder) drop(ev model.MarketEvent, policy string) {
	r.dropped.Add(1)
	r.metrics.AddDropped(policy, 1)
	metrics.EmitDropMetric(r.log, metrics.DropMetricBufferOverflow, 1, ev.Instrument.Exchange, ev.Instrument.Symbol, policy)
}

// Start launches the flush ticker.
func (r *Recorder) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return errors.New("recorder already running")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("recorder already stopped")
	}
	r.epoch = time.Now()
	r.mu.Unlock()

	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"interval":       r.opts.Interval.String(),
		"buffer_limit":   r.opts.BufferLimit,
		"overflow":       r.opts.Overflow,
		"failure_policy": r.opts.FailurePolicy,
	}).Info("starting recorder")

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop halts the ticker, refuses further events and flushes what is left.
func (r *Recorder) Stop() {
	r.runMu.Lock()
	cancel := r.cancel
	ctx := r.ctx
	r.running = false
	r.cancel = nil
	r.runMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if ctx == nil {
		ctx = context.Background()
	}
	r.flush(context.WithoutCancel(ctx), "stop")
	metrics.ReportRecorder(r.log, "recorder", r.Stats())
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx, "interval")
			metrics.ReportRecorder(r.log, "recorder", r.Stats())
		}
	}
}

// flush swaps the active buffer for the spare one and writes the swapped out
// batch. Only one flush runs at a time.
func (r *Recorder) flush(ctx context.Context, reason string) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	now := time.Now()
	r.mu.Lock()
	events := r.active[r.head:]
	backing := r.active
	r.active = r.spare[:0]
	r.spare = nil
	r.head = 0
	epoch := r.epoch
	r.epoch = now
	r.mu.Unlock()

	if len(events) > 0 {
		r.write(ctx, Batch{Epoch: epoch, FlushedAt: now, Events: events}, reason)
	}

	clear(backing)
	r.mu.Lock()
	r.spare = backing[:0]
	r.mu.Unlock()
}

func (r *Recorder) write(ctx context.Context, b Batch, reason string) {
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"epoch":  b.Epoch.UnixMilli(),
		"events": len(b.Events),
		"reason": reason,
	})

	attempts := 1
	if r.opts.FailurePolicy == config.SinkFailureRetry && r.opts.RetryAttempts > 0 {
		attempts += r.opts.RetryAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err = r.sink.Write(context.WithoutCancel(ctx), b)
		r.metrics.ObserveFlush(len(b.Events), time.Since(start), err)
		if err == nil {
			r.batchesWritten.Add(1)
			r.written.Add(int64(len(b.Events)))
			logger.LogDataFlowEntry(log, "recorder", "sink", len(b.Events), "market_event")
			return
		}
		log.WithError(err).WithField("attempt", attempt).Warn("sink write failed")
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(r.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			attempt = attempts
		case <-timer.C:
		}
	}

	r.batchesFailed.Add(1)
	r.dropped.Add(int64(len(b.Events)))
	r.metrics.AddDropped("sink_failure", len(b.Events))
	metrics.EmitDropMetric(r.log, metrics.DropMetricSinkFailure, len(b.Events), "", "", r.opts.FailurePolicy)
	log.WithError(fmt.Errorf("%w: %v", ErrSinkWrite, err)).Error("batch dropped")
}

// Len is the number of events waiting for the next flush.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active) - r.head
}

func (r *Recorder) Stats() metrics.RecorderStats {
	r.mu.Lock()
	bufLen := len(r.active) - r.head
	r.mu.Unlock()
	return metrics.RecorderStats{
		EventsRecorded: r.recorded.Load(),
		EventsDropped:  r.dropped.Load(),
		EventsWritten:  r.written.Load(),
		BatchesWritten: r.batchesWritten.Load(),
		BatchesFailed:  r.batchesFailed.Load(),
		BufferLen:      bufLen,
		BufferCap:      r.opts.BufferLimit,
	}
}
