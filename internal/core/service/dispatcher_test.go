package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nstbot/internal/adapters/store"
	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
)

func TestSubmitValidation(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff}

	tests := []struct {
		name    string
		req     domain.Request
		wantErr error
	}{
		{
			name:    "strength too high",
			req:     domain.Request{Content: img, Style: img, Strength: 6, Algorithm: domain.AdaIN},
			wantErr: domain.ErrInvalidStrength,
		},
		{
			name:    "strength zero",
			req:     domain.Request{Content: img, Style: img, Strength: 0, Algorithm: domain.Gatys},
			wantErr: domain.ErrInvalidStrength,
		},
		{
			name:    "unknown algorithm",
			req:     domain.Request{Content: img, Style: img, Strength: 3, Algorithm: "cyclegan"},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "missing content",
			req:     domain.Request{Style: img, Strength: 3, Algorithm: domain.AdaIN},
			wantErr: domain.ErrInvalidArgument,
		},
		{
			name:    "empty style",
			req:     domain.Request{Content: img, Style: []byte{}, Strength: 3, Algorithm: domain.AdaIN},
			wantErr: domain.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			id, err := h.dispatcher.Submit(t.Context(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, id)

			for _, status := range []domain.Status{domain.StatusPending, domain.StatusFailure} {
				tasks, err := h.store.List(t.Context(), status)
				require.NoError(t, err)
				assert.Empty(t, tasks, "no task may be created for an invalid request")
			}
			assert.Zero(t, h.observer.submitted)
		})
	}
}

func TestSubmitCreatesPendingTask(t *testing.T) {
	h := newHarness(t)

	id, err := h.dispatcher.Submit(t.Context(), domain.Request{
		Content: []byte{1}, Style: []byte{2}, Strength: 2, Algorithm: domain.Gatys,
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	status, err := h.dispatcher.Status(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	task, err := h.dispatcher.Task(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Gatys, task.Algorithm)
	assert.Equal(t, 2, task.Strength)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Equal(t, 1, h.observer.submitted)

	_, err = h.dispatcher.Status(t.Context(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type brokenQueue struct{}

func (brokenQueue) Publish(context.Context, domain.TaskMessage) error {
	return errors.New("connection refused")
}

func (brokenQueue) Consume(context.Context) (<-chan port.Delivery, error) {
	return nil, errors.New("connection refused")
}

func (brokenQueue) Close() error {
	return nil
}

func TestSubmitQueueFailure(t *testing.T) {
	s := store.NewMemory()
	d := NewDispatcher(s, brokenQueue{})

	id, err := d.Submit(t.Context(), domain.Request{
		Content: []byte{1}, Style: []byte{2}, Strength: 1, Algorithm: domain.AdaIN,
	})
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
	assert.Empty(t, id)

	failed, err := s.List(t.Context(), domain.StatusFailure)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.ReasonQueue, failed[0].Reason)
}

func TestResult(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	now := time.Now().UTC()

	create := func(id string, status domain.Status, reason string) {
		require.NoError(t, h.store.Create(ctx, &domain.Task{
			ID: id, Algorithm: domain.AdaIN, Strength: 1, Status: status, Reason: reason, CreatedAt: now,
		}))
	}

	create("pending", domain.StatusPending, "")
	create("running", domain.StatusRunning, "")
	create("failed", domain.StatusFailure, domain.ReasonDecode)
	create("cancelled", domain.StatusCancelled, domain.ReasonCancelled)
	create("done", domain.StatusSuccess, "")
	require.NoError(t, h.store.PutResult(ctx, "done", []byte("jpeg")))

	tests := []struct {
		id      string
		want    []byte
		wantErr error
	}{
		{id: "pending", wantErr: domain.ErrNotReady},
		{id: "running", wantErr: domain.ErrNotReady},
		{id: "failed", wantErr: domain.ErrTaskFailed},
		{id: "cancelled", wantErr: domain.ErrTaskCancelled},
		{id: "missing", wantErr: domain.ErrNotFound},
		{id: "done", want: []byte("jpeg")},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := h.dispatcher.Result(ctx, tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := h.dispatcher.Result(ctx, "failed")
	assert.ErrorContains(t, err, domain.ReasonDecode)
}

func TestResultDeletesRetrievedTask(t *testing.T) {
	ctx := t.Context()
	now := time.Now().UTC()

	for _, enabled := range []bool{false, true} {
		t.Run(fmt.Sprintf("delete=%v", enabled), func(t *testing.T) {
			s := store.NewMemory()
			d := NewDispatcher(s, brokenQueue{}, WithDeleteAfterResult(enabled))

			for _, id := range []string{"done", "failed"} {
				status := domain.StatusSuccess
				if id == "failed" {
					status = domain.StatusFailure
				}
				require.NoError(t, s.Create(ctx, &domain.Task{
					ID: id, Algorithm: domain.AdaIN, Strength: 1, Status: status, CreatedAt: now,
				}))
			}
			require.NoError(t, s.PutResult(ctx, "done", []byte("jpeg")))

			got, err := d.Result(ctx, "done")
			require.NoError(t, err)
			assert.Equal(t, []byte("jpeg"), got)

			_, err = d.Status(ctx, "done")
			if enabled {
				assert.ErrorIs(t, err, domain.ErrNotFound)
				_, err = s.GetResult(ctx, "done")
				assert.ErrorIs(t, err, domain.ErrNotFound)
			} else {
				assert.NoError(t, err)
			}

			// failed tasks stay around for inspection
			_, err = d.Result(ctx, "failed")
			assert.ErrorIs(t, err, domain.ErrTaskFailed)
			_, err = d.Status(ctx, "failed")
			assert.NoError(t, err)
		})
	}
}

func TestWaitTimesOut(t *testing.T) {
	h := newHarness(t)

	id, err := h.dispatcher.Submit(t.Context(), domain.Request{
		Content: []byte{1}, Style: []byte{2}, Strength: 1, Algorithm: domain.AdaIN,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	task, err := h.dispatcher.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, task)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestWaitSeesCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.store.Create(ctx, &domain.Task{
		ID: "a", Algorithm: domain.AdaIN, Strength: 1, Status: domain.StatusRunning, CreatedAt: time.Now(),
	}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = h.store.Update(context.Background(), "a", func(task *domain.Task) error {
			return task.Finish(domain.StatusSuccess, "", time.Now())
		})
	}()

	task := waitTerminal(t, h.dispatcher, "a")
	assert.Equal(t, domain.StatusSuccess, task.Status)

	// terminal tasks return at once
	task = waitTerminal(t, h.dispatcher, "a")
	assert.Equal(t, domain.StatusSuccess, task.Status)

	_, err := h.dispatcher.Wait(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t)

	id, err := h.dispatcher.Submit(t.Context(), domain.Request{
		Content: []byte{1}, Style: []byte{2}, Strength: 1, Algorithm: domain.AdaIN,
	})
	require.NoError(t, err)

	task, err := h.dispatcher.Cancel(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.Equal(t, 1, h.observer.count(domain.StatusCancelled))

	_, err = h.dispatcher.Cancel(t.Context(), id)
	assert.ErrorIs(t, err, domain.ErrTaskFinished)

	_, err = h.dispatcher.Cancel(t.Context(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()
	ctx, cancel := context.WithCancel(t.Context())
	r.Register("a", cancel)

	assert.False(t, r.Cancel("b"))
	assert.True(t, r.Cancel("a"))
	assert.Error(t, ctx.Err())

	r.Unregister("a")
	assert.False(t, r.Cancel("a"))
}
