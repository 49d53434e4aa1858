package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

type Orchestrator struct {
	store    Store
	log      *slog.Logger
	now      func() time.Time
	deadline time.Duration
	sweep    int
}

type Option func(*Orchestrator)

// WithDeadline enables ExpireStale. Zero keeps instances waiting forever.
func WithDeadline(d time.Duration) Option { return func(o *Orchestrator) { o.deadline = d } }

// WithSweepBatch caps how many stale instances one ExpireStale call cancels.
// The rest wait for the next tick.
func WithSweepBatch(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sweep = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(store Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store: store,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
		sweep: 100,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle advances the saga of the order env belongs to. A nil return means
// the event was applied or safely dropped; any error leaves the instance
// untouched and the message must be redelivered.
func (o *Orchestrator) Handle(ctx context.Context, env events.Envelope) error {
	log := o.log.With("event_type", env.EventType, "event_id", env.EventID, "order_id", env.CorrelationID)

	var current *Instance
	if id, err := events.OrderIDOf(env); err == nil {
		inst, err := o.store.Load(ctx, id)
		switch {
		case err == nil:
			current = &inst
		case errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("load saga %s: %w", id, err)
		}
	}

	d, err := Transition(current, env, o.now())
	if errors.Is(err, events.ErrMalformedPayload) {
		log.ErrorContext(ctx, "dropping malformed saga event", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if d.Op == OpIgnore {
		log.InfoContext(ctx, "saga event ignored", "why", d.Ignored)
		return nil
	}

	err = o.store.Commit(ctx, changeOf(d))
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyExists):
		log.InfoContext(ctx, "saga event ignored", "why", "saga already started or finished")
		return nil
	case errors.Is(err, ErrConcurrentUpdate):
		// the redelivery reloads and the state guard decides again
		return err
	default:
		return fmt.Errorf("commit saga %s: %w", d.Next.CorrelationID, err)
	}

	o.logDecision(ctx, log, d)
	return nil
}

func (o *Orchestrator) logDecision(ctx context.Context, log *slog.Logger, d Decision) {
	switch d.Op {
	case OpDelete:
		log.InfoContext(ctx, "saga finished", "outcome", string(d.Outcome), "reason", d.Reason)
	default:
		log.InfoContext(ctx, "saga advanced", "state", string(d.Next.State), "op", d.Op.String())
	}
}

// ExpireStale cancels live instances idle for longer than the deadline, at
// most one sweep batch of them, and reports how many were cancelled.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	if o.deadline <= 0 {
		return 0, nil
	}
	now := o.now()
	stale, err := o.store.ListStale(ctx, now.Add(-o.deadline), o.sweep)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, inst := range stale {
		d, err := Timeout(inst, ReasonDeadlineExceeded, now)
		if err != nil {
			return expired, err
		}
		if d.Op == OpIgnore {
			continue
		}
		err = o.store.Commit(ctx, changeOf(d))
		if errors.Is(err, ErrConcurrentUpdate) {
			// a participant answered in the meantime
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire saga %s: %w", inst.CorrelationID, err)
		}
		o.log.WarnContext(ctx, "saga expired", "order_id", inst.CorrelationID,
			"state", string(inst.State), "idle_since", inst.UpdatedAt)
		expired++
	}
	return expired, nil
}

// RunSweeper calls ExpireStale every interval until ctx ends. It returns at
// once when no deadline is configured.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if o.deadline <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				o.log.ErrorContext(ctx, "saga sweep failed", "error", err)
			}
		}
	}
}
