package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
)

// DispatchMode controls whether Dispatch waits for the fan-out to finish.
type DispatchMode int

// Dispatch modes.
const (
	ModeFireAndForget DispatchMode = iota
	ModeAwaited
)

func (m DispatchMode) String() string {
	switch m {
	case ModeAwaited:
		return "awaited"
	default:
		return "fire_and_forget"
	}
}

// DispatchState is the lifecycle of one dispatched event.
type DispatchState int

// Dispatch states.
const (
	StateCreated DispatchState = iota
	StateDispatching
	StateCompleted
)

func (s DispatchState) String() string {
	switch s {
	case StateDispatching:
		return "dispatching"
	case StateCompleted:
		return "completed"
	default:
		return "created"
	}
}

// EmailChannel delivers an event by email.
type EmailChannel interface {
	Notify(ctx context.Context, event domain.StateChangeEvent) (DeliveryReport, error)
}

// PushChannel delivers an event to live connections.
type PushChannel interface {
	Notify(ctx context.Context, event domain.StateChangeEvent) (PushReport, error)
}

// AggregateComputer computes the aggregate status of an organization.
type AggregateComputer interface {
	ComputeAggregate(ctx context.Context, organizationID string) (domain.AggregateStatus, error)
}

// FanoutResult combines the outcome of both channels for one event.
// Channel errors are reported here and never returned from Dispatch.
type FanoutResult struct {
	Event        domain.StateChangeEvent
	State        DispatchState
	Email        DeliveryReport
	EmailErr     error
	Push         PushReport
	PushErr      error
	Aggregate    *domain.AggregateStatus
	AggregateErr error
	Duration     time.Duration
	// Superseded is set when a newer event of the same entity had already been fanned
	// out. Neither channel ran.
	Superseded bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAggregator makes the dispatcher compute the organization aggregate alongside the channels.
func WithAggregator(a AggregateComputer) DispatcherOption {
	return func(d *Dispatcher) {
		d.aggregator = a
	}
}

type job struct {
	ctx    context.Context
	result *FanoutResult
	done   chan struct{}
}

func (j *job) occurredAt() time.Time {
	return j.result.Event.OccurredAt
}

// lane holds the pending events of one entity ordered by OccurredAt.
// It lives while events of the entity are pending or running.
type lane struct {
	pending []*job
	// last is the OccurredAt of the newest event fanned out by this lane.
	last time.Time
}

// insert keeps pending sorted by OccurredAt. Equal times keep dispatch order.
func (l *lane) insert(j *job) {
	i := len(l.pending)
	for i > 0 && j.occurredAt().Before(l.pending[i-1].occurredAt()) {
		i--
	}
	l.pending = append(l.pending, nil)
	copy(l.pending[i+1:], l.pending[i:])
	l.pending[i] = j
}

// Dispatcher fans state change events out to email and push.
// Events for the same entity are processed one at a time in OccurredAt order, and an
// event older than one already fanned out for that entity is dropped as superseded.
// Events for different entities run concurrently.
type Dispatcher struct {
	email      EmailChannel
	push       PushChannel
	aggregator AggregateComputer

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a new dispatcher. A nil channel is skipped and reports zero.
func NewDispatcher(email EmailChannel, push PushChannel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		email: email,
		push:  push,
		lanes: make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates event and schedules its fan-out.
// In ModeFireAndForget it returns (nil, nil) as soon as the event is queued.
// In ModeAwaited it blocks until the fan-out completes or ctx is done; cancelling ctx
// stops the wait, not the fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.StateChangeEvent, mode DispatchMode) (*FanoutResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	j := &job{
		ctx:    context.WithoutCancel(ctx),
		result: &FanoutResult{Event: event, State: StateCreated},
		done:   make(chan struct{}),
	}

	if err := d.enqueue(event.EntityKey(), j); err != nil {
		return nil, err
	}
	recordDispatch(string(event.Kind), mode.String())

	if mode != ModeAwaited {
		return nil, nil
	}

	select {
	case <-j.done:
		return j.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await dispatch: %w", ctx.Err())
	}
}

// Close stops accepting events and waits for queued ones to finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) enqueue(key string, j *job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	l, running := d.lanes[key]
	if !running {
		l = &lane{}
		d.lanes[key] = l
	}
	l.insert(j)
	if !running {
		d.wg.Add(1)
		go d.drain(key, l)
	}
	return nil
}

// drain processes one entity's lane until it is empty, then removes it.
func (d *Dispatcher) drain(key string, l *lane) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(l.pending) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		j := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		stale := j.occurredAt().Before(l.last)
		if !stale {
			l.last = j.occurredAt()
		}
		d.mu.Unlock()

		if stale {
			d.supersede(j)
		} else {
			d.run(j)
		}
		close(j.done)
	}
}

func (d *Dispatcher) supersede(j *job) {
	res := j.result
	res.Superseded = true
	res.State = StateCompleted
	ctxlog.FromContext(j.ctx).Warn("dropped superseded state change",
		"event_kind", res.Event.Kind,
		"entity_id", res.Event.EntityID,
		"occurred_at", res.Event.OccurredAt,
	)
}

func (d *Dispatcher) run(j *job) {
	res := j.result
	event := res.Event
	ctx := ctxlog.With(j.ctx,
		"event_kind", event.Kind,
		"entity_id", event.EntityID,
		"organization_id", event.OrganizationID,
	)
	logger := ctxlog.FromContext(ctx)

	start := time.Now()
	res.State = StateDispatching

	var wg sync.WaitGroup

	if d.email != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.EmailErr = safeCall(ctx, func(ctx context.Context) error {
				var err error
				res.Email, err = d.email.Notify(ctx, event)
				return err
			})
		}()
	}

	if d.push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.PushErr = safeCall(ctx, func(ctx context.Context) error {
				var err error
				res.Push, err = d.push.Notify(ctx, event)
				return err
			})
		}()
	}

	if d.aggregator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.AggregateErr = safeCall(ctx, func(ctx context.Context) error {
				agg, err := d.aggregator.ComputeAggregate(ctx, event.OrganizationID)
				if err != nil {
					return err
				}
				res.Aggregate = &agg
				return nil
			})
		}()
	}

	wg.Wait()

	res.Duration = time.Since(start)
	res.State = StateCompleted
	recordDispatchDuration(string(event.Kind), res.Duration)

	if res.Aggregate != nil {
		activeIncidents.WithLabelValues(event.OrganizationID).Set(float64(res.Aggregate.ActiveIncidentCount))
	}

	if res.EmailErr != nil {
		logger.Error("email fan-out failed", "error", res.EmailErr)
	}
	if res.PushErr != nil {
		logger.Error("push fan-out failed", "error", res.PushErr)
	}
	if res.AggregateErr != nil {
		logger.Warn("aggregate unavailable during dispatch", "error", res.AggregateErr)
	}

	logger.Info("event dispatched",
		"emails_attempted", res.Email.Attempted,
		"emails_failed", len(res.Email.Failed),
		"pushes_attempted", res.Push.Attempted,
		"pushes_succeeded", res.Push.Succeeded,
		"duration", res.Duration,
	)
}
