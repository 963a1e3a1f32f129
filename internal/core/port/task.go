package port

import (
	"context"
	"time"

	"nstbot/internal/core/domain"
)

type TaskStore interface {
	// Create persists a new task. It fails if a task with the same ID exists.
	Create(ctx context.Context, task *domain.Task) error
	// Get returns the task with the given ID or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Task, error)
	// Update applies fn to the stored task atomically and persists the result. An error returned by fn aborts the
	// update and is passed through.
	Update(ctx context.Context, id string, fn func(task *domain.Task) error) (*domain.Task, error)
	// PutResult stores the encoded result image of a task.
	PutResult(ctx context.Context, id string, result []byte) error
	// GetResult returns the stored result image or domain.ErrNotFound.
	GetResult(ctx context.Context, id string) ([]byte, error)
	// Watch emits the task every time it changes until ctx is done. The channel is closed afterwards.
	Watch(ctx context.Context, id string) (<-chan *domain.Task, error)
	// List returns all tasks in the given status.
	List(ctx context.Context, status domain.Status) ([]*domain.Task, error)
	// Delete removes a task and its result.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Delivery is one queued task handed to a consumer. Exactly one of Ack and Nack must be called.
type Delivery struct {
	Message domain.TaskMessage
	Ack     func()
	Nack    func()
}

type TaskQueue interface {
	// Publish enqueues a task message.
	Publish(ctx context.Context, msg domain.TaskMessage) error
	// Consume streams deliveries until ctx is done.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

type StyleEngine interface {
	// Warmup loads the model weights so the first task does not pay for it.
	Warmup() error
	// Stylize runs a transfer on encoded content and style images and returns the encoded result.
	Stylize(ctx context.Context, content, style []byte, profile domain.StrengthProfile) ([]byte, error)
}

type Dispatcher interface {
	// Submit validates and enqueues a request and returns the task ID without waiting for the computation.
	Submit(ctx context.Context, req domain.Request) (string, error)
	// Status returns the current status of a task.
	Status(ctx context.Context, id string) (domain.Status, error)
	// Task returns the full task record.
	Task(ctx context.Context, id string) (*domain.Task, error)
	// Result returns the result image of a successful task.
	Result(ctx context.Context, id string) ([]byte, error)
	// Wait blocks until the task reaches a terminal status or ctx is done.
	Wait(ctx context.Context, id string) (*domain.Task, error)
	// Cancel stops a pending or running task.
	Cancel(ctx context.Context, id string) (*domain.Task, error)
}

type TaskObserver interface {
	TaskSubmitted(alg domain.Algorithm)
	TaskFinished(alg domain.Algorithm, status domain.Status, duration time.Duration)
}
