package domain

import (
	"fmt"
	"strings"
	"time"
)

type Algorithm string

const (
	Gatys Algorithm = "gatys"
	AdaIN Algorithm = "adain"
)

// ParseAlgorithm accepts the algorithm names and their descriptive aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gatys", "iterative":
		return Gatys, nil
	case "adain", "feed-forward", "feedforward":
		return AdaIN, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidArgument, s)
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Request is a transfer submission. Content and Style are encoded images.
type Request struct {
	Content   []byte    `validate:"required,min=1"`
	Style     []byte    `validate:"required,min=1"`
	Strength  int       `validate:"min=1,max=5"`
	Algorithm Algorithm `validate:"oneof=gatys adain"`
}

type Task struct {
	ID              string     `json:"id"`
	Algorithm       Algorithm  `json:"algorithm"`
	Strength        int        `json:"strength"`
	Status          Status     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

// Start moves a pending task to running.
func (t *Task) Start(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: task %s is %s", ErrTaskFinished, t.ID, t.Status)
	}

	t.Status = StatusRunning
	t.StartedAt = &now

	return nil
}

// Finish moves a task to a terminal status. Finishing an already finished task fails.
func (t *Task) Finish(status Status, reason string, now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTaskFinished, t.ID, t.Status)
	}

	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidArgument, status)
	}

	t.Status = status
	t.Reason = reason
	t.FinishedAt = &now

	return nil
}

// TaskMessage is the queued form of a task: everything a worker needs to run it.
type TaskMessage struct {
	ID        string    `json:"id"`
	Algorithm Algorithm `json:"algorithm"`
	Strength  int       `json:"strength"`
	Content   []byte    `json:"content"`
	Style     []byte    `json:"style"`
}
