// Package ingestor drives the fetch, load and acknowledge cycle.
//
// A cycle fetches up to BatchSize messages, turns them into object references,
// hands the references to a Loader as one write and deletes the messages only
// after that write has committed. A failed load leaves every message of the
// batch on the queue, so delivery is at least once.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/baldanca/s3-table-ingestor/batcher"
	"github.com/baldanca/s3-table-ingestor/event"
	"github.com/baldanca/s3-table-ingestor/loader"
	"github.com/baldanca/s3-table-ingestor/logsink"
	"github.com/baldanca/s3-table-ingestor/source"
)

// State is the coordinator's position within a cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateLoading
	StateAcknowledging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateLoading:
		return "loading"
	case StateAcknowledging:
		return "acknowledging"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FailurePolicy decides what Run does after a load failure.
type FailurePolicy string

const (
	// FailFast stops Run with the load error.
	FailFast FailurePolicy = "fail"
	// Continue logs the failure, backs off and keeps polling.
	Continue FailurePolicy = "continue"
)

// Loader commits a batch of object references as one write.
type Loader interface {
	Load(ctx context.Context, refs []event.ObjectRef) (loader.Result, error)
}

type Config struct {
	// BatchSize is the maximum number of messages fetched per cycle.
	BatchSize int
	// PollInterval is the delay between cycles and the base of the failure
	// backoff.
	PollInterval time.Duration
	// MaxBackoff caps the delay after consecutive failures.
	MaxBackoff    time.Duration
	OnLoadFailure FailurePolicy
	// MaxConsecutiveFailures stops a Continue pipeline after that many load
	// failures in a row. Zero means unbounded.
	MaxConsecutiveFailures int
	// ReleaseVisibilitySeconds, when >= 0 and the source is a
	// source.Releaser, makes a failed batch visible again after that many
	// seconds instead of waiting out the visibility timeout.
	ReleaseVisibilitySeconds int32
}

var DefaultConfig = Config{
	BatchSize:                10,
	PollInterval:             10 * time.Second,
	MaxBackoff:               5 * time.Minute,
	OnLoadFailure:            FailFast,
	ReleaseVisibilitySeconds: -1,
}

func (c Config) validate() error {
	if c.BatchSize < 1 || c.BatchSize > 10 {
		return fmt.Errorf("batch size must be between 1 and 10, got %d", c.BatchSize)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if c.MaxBackoff < 0 {
		return fmt.Errorf("max backoff must not be negative")
	}
	switch c.OnLoadFailure {
	case FailFast, Continue:
	default:
		return fmt.Errorf("unknown load failure policy %q", c.OnLoadFailure)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures must not be negative")
	}
	return nil
}

// Cycle describes one completed cycle.
type Cycle struct {
	Fetched int
	// Empty counts messages that yielded no object reference.
	Empty   int
	Refs    int
	Acked   int
	Load    loader.Result
	// FailedAt is the state in which the cycle failed, or StateIdle.
	FailedAt State
}

type Ingestor struct {
	cfg     Config
	source  source.Sourcer
	loader  Loader
	batcher *batcher.Batcher
	logger  log.Logger

	ackRetry RetryPolicy
	logSink  logsink.Sink
	metrics  *Metrics

	state atomic.Int32
}

func NewIngestor(cfg Config, src source.Sourcer, ld Loader, logger log.Logger) (*Ingestor, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if ld == nil {
		return nil, fmt.Errorf("loader is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Ingestor{
		cfg:      cfg,
		source:   src,
		loader:   ld,
		batcher:  batcher.NewBatcher(nil),
		logger:   logger,
		ackRetry: nopRetry{},
		logSink:  logsink.Nop{},
		metrics:  newUnregisteredMetrics(),
	}, nil
}

func NewDefaultIngestor(src source.Sourcer, ld Loader, logger log.Logger) (*Ingestor, error) {
	return NewIngestor(DefaultConfig, src, ld, logger)
}

// SetAckRetryPolicy sets the policy wrapping message deletion. Each retry
// resends only the messages the previous attempt failed to delete.
func (i *Ingestor) SetAckRetryPolicy(p RetryPolicy) {
	if p == nil {
		i.ackRetry = nopRetry{}
		return
	}
	i.ackRetry = p
}

// SetLogSink sets where load failures are archived.
func (i *Ingestor) SetLogSink(s logsink.Sink) {
	if s == nil {
		i.logSink = logsink.Nop{}
		return
	}
	i.logSink = s
}

func (i *Ingestor) SetMetrics(m *Metrics) {
	if m == nil {
		m = newUnregisteredMetrics()
	}
	i.metrics = m
}

// State returns the current coordinator state.
func (i *Ingestor) State() State { return State(i.state.Load()) }

func (i *Ingestor) setState(s State) {
	i.state.Store(int32(s))
	i.metrics.state.Set(float64(s))
}

// RunCycle runs one fetch, load and acknowledge cycle.
//
// Only the fetch observes ctx cancellation. Once messages are in hand the
// load and the acknowledgement run to completion on a context detached from
// ctx's cancellation.
//
// A batch whose messages carry no object reference is acknowledged without
// calling the Loader. On a load failure nothing is acknowledged and the error
// is returned; acknowledgement failures are logged and do not fail the cycle.
func (i *Ingestor) RunCycle(ctx context.Context) (Cycle, error) {
	var c Cycle
	defer i.setState(StateIdle)

	i.setState(StateFetching)
	msgs, err := i.source.Fetch(ctx, i.cfg.BatchSize)
	if err != nil {
		c.FailedAt = StateFetching
		i.metrics.cycles.WithLabelValues(resultFetchFailed).Inc()
		return c, fmt.Errorf("fetch: %w", err)
	}
	c.Fetched = len(msgs)
	if len(msgs) == 0 {
		i.metrics.cycles.WithLabelValues(resultEmpty).Inc()
		return c, nil
	}
	i.metrics.fetched.Add(float64(len(msgs)))

	batch := i.batcher.Accumulate(msgs)
	defer batch.Acks.Clear()
	c.Empty = batch.Empty
	c.Refs = len(batch.Refs)
	if batch.Empty > 0 {
		level.Warn(i.logger).Log("msg", "messages without object references", "count", batch.Empty)
	}

	work := context.WithoutCancel(ctx)

	if batch.HasRefs() {
		i.setState(StateLoading)
		i.metrics.refs.Add(float64(len(batch.Refs)))

		start := time.Now()
		res, err := i.loader.Load(work, batch.Refs)
		i.metrics.loadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			c.FailedAt = StateLoading
			i.metrics.cycles.WithLabelValues(resultLoadFailed).Inc()
			i.handleLoadFailure(work, batch.Acks.Messages(), err)
			return c, err
		}
		c.Load = res
		i.metrics.rows.Add(float64(res.Rows))
	}

	i.setState(StateAcknowledging)
	c.Acked = i.ack(work, batch.Acks)
	i.metrics.cycles.WithLabelValues(resultOK).Inc()

	level.Debug(i.logger).Log("msg", "cycle done", "fetched", c.Fetched, "refs", c.Refs, "rows", c.Load.Rows, "acked", c.Acked)
	return c, nil
}

func (i *Ingestor) handleLoadFailure(ctx context.Context, msgs []source.Message, err error) {
	level.Error(i.logger).Log("msg", "load failed, batch left on queue", "messages", len(msgs), "err", err)
	i.logSink.Archive(ctx, logsink.NewRecord(err))

	if i.cfg.ReleaseVisibilitySeconds < 0 {
		return
	}
	rel, ok := i.source.(source.Releaser)
	if !ok {
		return
	}
	if rerr := rel.ReleaseBatch(ctx, msgs, i.cfg.ReleaseVisibilitySeconds); rerr != nil {
		level.Warn(i.logger).Log("msg", "release failed batch", "err", rerr)
	}
}

// ack deletes the group's messages and returns how many were deleted.
func (i *Ingestor) ack(ctx context.Context, acks source.AckGroup) int {
	total := acks.Len()
	pending := acks
	err := i.ackRetry.Do(ctx, func(ctx context.Context) error {
		err := pending.Commit(ctx, i.source)
		var ae *source.AckError
		if errors.As(err, &ae) && len(ae.Failed) > 0 {
			var next source.AckGroup
			for _, m := range ae.Messages() {
				next.Add(m)
			}
			pending = next
		}
		return err
	})
	if err == nil {
		i.metrics.acked.Add(float64(total))
		return total
	}

	acked := total - pending.Len()
	i.metrics.acked.Add(float64(acked))
	i.metrics.ackFailures.Add(float64(pending.Len()))
	level.Warn(i.logger).Log("msg", "ack failed, messages will be redelivered", "failed", pending.Len(), "err", err)
	return acked
}

// Run loops cycles until ctx is cancelled or a load failure stops it.
//
// Cancellation is checked at the top of every cycle and during the delay
// between cycles; a cycle that has fetched messages always completes. Run
// returns nil on cancellation. Fetch errors never stop the loop. Load
// failures stop it under FailFast, and under Continue once
// MaxConsecutiveFailures is reached.
func (i *Ingestor) Run(ctx context.Context) error {
	backoff := Backoff{Base: i.cfg.PollInterval, Max: i.cfg.MaxBackoff}
	var fetchFailures, loadFailures int

	for {
		if ctx.Err() != nil {
			level.Info(i.logger).Log("msg", "shutting down")
			return nil
		}

		c, err := i.RunCycle(ctx)
		var wait time.Duration
		switch {
		case err == nil:
			fetchFailures, loadFailures = 0, 0
			wait = backoff.Delay(0)

		case c.FailedAt == StateFetching:
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, source.ErrClosed) {
				return err
			}
			fetchFailures++
			wait = backoff.Delay(fetchFailures)
			level.Warn(i.logger).Log("msg", "fetch failed", "err", err, "retry_in", wait)

		default:
			loadFailures++
			if i.cfg.OnLoadFailure != Continue {
				return err
			}
			if i.cfg.MaxConsecutiveFailures > 0 && loadFailures >= i.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("%d consecutive load failures: %w", loadFailures, err)
			}
			wait = backoff.Delay(loadFailures)
			level.Warn(i.logger).Log("msg", "continuing after load failure", "failures", loadFailures, "retry_in", wait)
		}

		if err := sleep(ctx, wait); err != nil {
			level.Info(i.logger).Log("msg", "shutting down")
			return nil
		}
	}
}
