package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
)

const DefaultPollInterval = 2 * time.Second

// CancelRegistry tracks the cancel functions of tasks running in this process.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) Register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
}

func (r *CancelRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

// Cancel cancels the task if it runs in this process and reports whether it did.
func (r *CancelRegistry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()

	if ok {
		cancel()
	}

	return ok
}

type noopObserver struct{}

func (noopObserver) TaskSubmitted(domain.Algorithm) {}

func (noopObserver) TaskFinished(domain.Algorithm, domain.Status, time.Duration) {}

type Dispatcher struct {
	store        port.TaskStore
	queue        port.TaskQueue
	validate     *validator.Validate
	observer     port.TaskObserver
	cancels      *CancelRegistry
	pollInterval time.Duration
	deleteAfter  bool
	now          func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithObserver(o port.TaskObserver) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithCancelRegistry lets Cancel stop tasks of an in-process worker pool immediately instead
// of waiting for the worker to see the cancel flag.
func WithCancelRegistry(r *CancelRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		d.cancels = r
	}
}

// WithPollInterval sets how often Wait re-reads the task in case a change notification is missed.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithDeleteAfterResult removes a successful task and its result once Result has returned it.
func WithDeleteAfterResult(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.deleteAfter = enabled
	}
}

func NewDispatcher(store port.TaskStore, queue port.TaskQueue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		queue:        queue,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		observer:     noopObserver{},
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) validateRequest(req domain.Request) error {
	err := d.validate.Struct(req)
	if err == nil {
		_, err = domain.ResolveProfile(req.Algorithm, req.Strength)
		return err
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Strength" {
				return fmt.Errorf("%w: got %d", domain.ErrInvalidStrength, req.Strength)
			}
		}
		return fmt.Errorf("%w: %s failed on %s", domain.ErrInvalidArgument, verrs[0].Field(), verrs[0].Tag())
	}

	return fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
}

// Submit validates req, records a pending task and enqueues it. Invalid requests never create
// a task.
func (d *Dispatcher) Submit(ctx context.Context, req domain.Request) (string, error) {
	if err := d.validateRequest(req); err != nil {
		log.Debug().Err(err).Msg("rejected transfer request")
		return "", err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("error generating task id: %w", err)
	}

	task := &domain.Task{
		ID:        id.String(),
		Algorithm: req.Algorithm,
		Strength:  req.Strength,
		Status:    domain.StatusPending,
		CreatedAt: d.now().UTC(),
	}

	l := log.With().Str("taskId", task.ID).Str("algorithm", string(task.Algorithm)).
		Int("strength", task.Strength).Logger()

	if err := d.store.Create(ctx, task); err != nil {
		return "", fmt.Errorf("error creating task: %w", err)
	}

	err = d.queue.Publish(ctx, domain.TaskMessage{
		ID:        task.ID,
		Algorithm: req.Algorithm,
		Strength:  req.Strength,
		Content:   req.Content,
		Style:     req.Style,
	})
	if err != nil {
		l.Error().Err(err).Msg("failed to enqueue task")

		_, uerr := d.store.Update(context.WithoutCancel(ctx), task.ID, func(t *domain.Task) error {
			return t.Finish(domain.StatusFailure, domain.ReasonQueue, d.now().UTC())
		})
		if uerr != nil {
			l.Error().Err(uerr).Msg("failed to mark unqueued task as failed")
		}

		return "", fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}

	d.observer.TaskSubmitted(task.Algorithm)
	l.Info().Msg("task submitted")

	return task.ID, nil
}

func (d *Dispatcher) Task(ctx context.Context, id string) (*domain.Task, error) {
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) Status(ctx context.Context, id string) (domain.Status, error) {
	task, err := d.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	return task.Status, nil
}

// Result returns the encoded result of a successful task, domain.ErrNotReady while it is
// pending or running and domain.ErrTaskFailed or domain.ErrTaskCancelled otherwise.
// With WithDeleteAfterResult the task is gone after the first successful call.
func (d *Dispatcher) Result(ctx context.Context, id string) ([]byte, error) {
	task, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case domain.StatusSuccess:
		result, err := d.store.GetResult(ctx, id)
		if err != nil || !d.deleteAfter {
			return result, err
		}

		if err := d.store.Delete(context.WithoutCancel(ctx), id); err != nil {
			log.Warn().Err(err).Str("taskId", id).Msg("failed to delete retrieved task")
		}

		return result, nil
	case domain.StatusFailure:
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskFailed, task.Reason)
	case domain.StatusCancelled:
		return nil, domain.ErrTaskCancelled
	default:
		return nil, fmt.Errorf("%w: task is %s", domain.ErrNotReady, task.Status)
	}
}

// Wait blocks until the task is terminal. Store notifications drive it; a coarse poll covers
// stores that drop notifications. The returned error wraps ctx.Err() on timeout.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*domain.Task, error) {
	task, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		return task, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := d.store.Watch(watchCtx, id)
	if err != nil {
		return nil, fmt.Errorf("error watching task %s: %w", id, err)
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// the task may have finished before the watch was in place
	task, err = d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for !task.Status.Terminal() {
		select {
		case <-ctx.Done():
			return task, fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
		case t, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			task = t
		case <-ticker.C:
			task, err = d.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
		}
	}

	return task, nil
}

// Cancel finishes a pending task right away and flags a running one so its worker stops at
// the next cancellation point.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	task, err := d.store.Update(ctx, id, func(t *domain.Task) error {
		switch t.Status {
		case domain.StatusPending:
			return t.Finish(domain.StatusCancelled, domain.ReasonCancelled, d.now().UTC())
		case domain.StatusRunning:
			t.CancelRequested = true
			return nil
		default:
			return fmt.Errorf("%w: task is %s", domain.ErrTaskFinished, t.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	l := log.With().Str("taskId", id).Logger()

	switch task.Status {
	case domain.StatusCancelled:
		d.observer.TaskFinished(task.Algorithm, task.Status, 0)
		l.Info().Msg("pending task cancelled")
	case domain.StatusRunning:
		if d.cancels != nil && d.cancels.Cancel(id) {
			l.Info().Msg("running task cancelled")
		} else {
			l.Info().Msg("cancellation requested")
		}
	}

	return task, nil
}
