package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
)

type WorkerPoolConfig struct {
	// Workers is the number of tasks computed at the same time.
	Workers int
	// TaskTimeout bounds a single computation. Zero means no limit.
	TaskTimeout time.Duration
	// Preload loads the model weights when a worker starts instead of on its first task.
	Preload bool
}

// WorkerPool pulls tasks from the queue and runs them, one task per worker at a time. Its
// services are meant to run under a suture supervisor.
type WorkerPool struct {
	store    port.TaskStore
	queue    port.TaskQueue
	engine   port.StyleEngine
	cancels  *CancelRegistry
	observer port.TaskObserver
	config   WorkerPoolConfig
	jobs     chan port.Delivery
	now      func() time.Time
}

func NewWorkerPool(store port.TaskStore, queue port.TaskQueue, engine port.StyleEngine, cancels *CancelRegistry,
	observer port.TaskObserver, config WorkerPoolConfig) *WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}

	if cancels == nil {
		cancels = NewCancelRegistry()
	}

	if observer == nil {
		observer = noopObserver{}
	}

	return &WorkerPool{
		store:    store,
		queue:    queue,
		engine:   engine,
		cancels:  cancels,
		observer: observer,
		config:   config,
		// unbuffered: a delivery is only taken from the queue once a worker is free
		jobs: make(chan port.Delivery),
		now:  time.Now,
	}
}

// Services returns the queue feeder followed by one service per worker.
func (p *WorkerPool) Services() []suture.Service {
	services := []suture.Service{&feeder{pool: p}}
	for i := range p.config.Workers {
		services = append(services, &worker{pool: p, id: i + 1})
	}

	return services
}

// Recover fails tasks a previous process left running. With includePending it also fails
// pending tasks, for queues that do not survive a restart.
func (p *WorkerPool) Recover(ctx context.Context, includePending bool) (int, error) {
	statuses := []domain.Status{domain.StatusRunning}
	if includePending {
		statuses = append(statuses, domain.StatusPending)
	}

	recovered := 0
	for _, status := range statuses {
		tasks, err := p.store.List(ctx, status)
		if err != nil {
			return recovered, fmt.Errorf("error listing %s tasks: %w", status, err)
		}

		for _, task := range tasks {
			_, err := p.store.Update(ctx, task.ID, func(t *domain.Task) error {
				return t.Finish(domain.StatusFailure, domain.ReasonInterrupted, p.now().UTC())
			})
			if err != nil && !errors.Is(err, domain.ErrTaskFinished) {
				return recovered, fmt.Errorf("error recovering task %s: %w", task.ID, err)
			}

			log.Warn().Str("taskId", task.ID).Str("status", string(status)).Msg("marked interrupted task as failed")
			recovered++
		}
	}

	return recovered, nil
}

type feeder struct {
	pool *WorkerPool
}

func (f *feeder) String() string {
	return "task-feeder"
}

func (f *feeder) Serve(ctx context.Context) error {
	deliveries, err := f.pool.queue.Consume(ctx)
	if err != nil {
		log.Error().Err(err).Msg("cannot consume task queue")
		return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("task queue closed")
			}

			select {
			case f.pool.jobs <- d:
			case <-ctx.Done():
				d.Nack()
				return ctx.Err()
			}
		}
	}
}

type worker struct {
	pool *WorkerPool
	id   int
}

func (w *worker) String() string {
	return fmt.Sprintf("style-worker-%d", w.id)
}

func (w *worker) Serve(ctx context.Context) error {
	l := log.With().Str("worker", w.String()).Logger()

	if w.pool.config.Preload {
		if err := w.pool.engine.Warmup(); err != nil {
			l.Error().Err(err).Msg("model weights unavailable, stopping")
			return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
		}
	}

	l.Info().Msg("worker ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-w.pool.jobs:
			if err := w.pool.handle(ctx, d, l); err != nil {
				l.Error().Err(err).Msg("model weights unavailable, stopping")
				return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
			}
		}
	}
}

// handle runs one delivery. It only returns an error for failures that make every later
// task fail too.
func (p *WorkerPool) handle(ctx context.Context, d port.Delivery, wl zerolog.Logger) error {
	msg := d.Message
	l := wl.With().Str("taskId", msg.ID).Str("algorithm", string(msg.Algorithm)).
		Int("strength", msg.Strength).Logger()

	_, err := p.store.Update(ctx, msg.ID, func(t *domain.Task) error {
		return t.Start(p.now().UTC())
	})
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTaskFinished):
		// redelivered, cancelled while queued or expired
		l.Info().Err(err).Msg("skipping task")
		d.Ack()
		return nil
	case err != nil:
		l.Error().Err(err).Msg("could not start task")
		d.Nack()
		return nil
	}

	d.Ack()
	l.Info().Msg("task started")
	start := p.now()

	status, reason, err := p.run(ctx, msg, l)
	if errors.Is(err, domain.ErrWeightsMissing) {
		p.finish(ctx, msg, domain.StatusFailure, domain.ReasonInternal, l)
		p.observer.TaskFinished(msg.Algorithm, domain.StatusFailure, p.now().Sub(start))
		return err
	}

	p.finish(ctx, msg, status, reason, l)
	p.observer.TaskFinished(msg.Algorithm, status, p.now().Sub(start))

	return nil
}

func (p *WorkerPool) run(ctx context.Context, msg domain.TaskMessage, l zerolog.Logger) (status domain.Status,
	reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
			status, reason, err = domain.StatusFailure, domain.ReasonInternal, nil
		}
	}()

	profile, err := domain.ResolveProfile(msg.Algorithm, msg.Strength)
	if err != nil {
		l.Error().Err(err).Msg("invalid queued task")
		return domain.StatusFailure, domain.ReasonInternal, nil
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if p.config.TaskTimeout > 0 {
		var cancelTimeout context.CancelFunc
		taskCtx, cancelTimeout = context.WithTimeout(taskCtx, p.config.TaskTimeout)
		defer cancelTimeout()
	}

	p.cancels.Register(msg.ID, func() { cancel(domain.ErrTaskCancelled) })
	defer p.cancels.Unregister(msg.ID)

	go p.watchCancel(taskCtx, msg.ID, func() { cancel(domain.ErrTaskCancelled) }, l)

	result, err := p.engine.Stylize(taskCtx, msg.Content, msg.Style, profile)

	switch {
	case err == nil:
		if err := p.store.PutResult(context.WithoutCancel(ctx), msg.ID, result); err != nil {
			l.Error().Err(err).Msg("could not store result")
			return domain.StatusFailure, domain.ReasonInternal, nil
		}
		return domain.StatusSuccess, "", nil
	case errors.Is(err, domain.ErrWeightsMissing):
		return domain.StatusFailure, domain.ReasonInternal, err
	case errors.Is(context.Cause(taskCtx), domain.ErrTaskCancelled):
		return domain.StatusCancelled, domain.ReasonCancelled, nil
	case ctx.Err() != nil:
		return domain.StatusFailure, domain.ReasonInterrupted, nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.StatusFailure, domain.ReasonTimeout, nil
	default:
		l.Warn().Err(err).Msg("task computation failed")
		return domain.StatusFailure, domain.FailureReason(err), nil
	}
}

// watchCancel cancels the task once its stored record carries a cancel request, which is how
// a Cancel issued in another process reaches this worker.
func (p *WorkerPool) watchCancel(ctx context.Context, id string, cancel func(), l zerolog.Logger) {
	updates, err := p.store.Watch(ctx, id)
	if err != nil {
		l.Warn().Err(err).Msg("cannot watch task for cancellation")
		return
	}

	if task, err := p.store.Get(ctx, id); err == nil && task.CancelRequested {
		cancel()
		return
	}

	for task := range updates {
		if task.CancelRequested {
			cancel()
			return
		}
	}
}

func (p *WorkerPool) finish(ctx context.Context, msg domain.TaskMessage, status domain.Status, reason string,
	l zerolog.Logger) {
	_, err := p.store.Update(context.WithoutCancel(ctx), msg.ID, func(t *domain.Task) error {
		return t.Finish(status, reason, p.now().UTC())
	})
	if err != nil {
		l.Error().Err(err).Str("status", string(status)).Msg("could not record task outcome")
		return
	}

	l.Info().Str("status", string(status)).Str("reason", reason).Msg("task finished")
}
