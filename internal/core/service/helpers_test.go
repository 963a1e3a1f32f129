package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"nstbot/internal/adapters/queue"
	"nstbot/internal/adapters/store"
	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
	"nstbot/internal/nst"
	"nstbot/internal/nst/backbone"
)

const testDivisor = 16

func testJPEG(t *testing.T, w, h int, tint uint8) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: tint, B: uint8(y * 255 / h), A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	return buf.Bytes()
}

// tinyLoader builds narrow random networks and counts how often it runs.
func tinyLoader(calls *atomic.Int32) nst.Loader {
	return func() (*nst.Models, error) {
		calls.Add(1)

		return nst.BuildModels(
			backbone.RandomWeights(backbone.VGG19Width(testDivisor), 1),
			backbone.RandomWeights(backbone.DecoderWidth(testDivisor), 2),
			testDivisor)
	}
}

type fakeEngine struct {
	warmupErr error
	stylize   func(ctx context.Context, content, style []byte, profile domain.StrengthProfile) ([]byte, error)
}

func (e *fakeEngine) Warmup() error {
	return e.warmupErr
}

func (e *fakeEngine) Stylize(ctx context.Context, content, style []byte, profile domain.StrengthProfile) ([]byte, error) {
	return e.stylize(ctx, content, style, profile)
}

// blockingEngine runs until its context ends and reports when a task started.
func blockingEngine(started chan<- string) *fakeEngine {
	return &fakeEngine{stylize: func(ctx context.Context, content, _ []byte, _ domain.StrengthProfile) ([]byte, error) {
		started <- string(content)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

// recordingStore remembers every status a task passed through.
type recordingStore struct {
	port.TaskStore

	mu      sync.Mutex
	history map[string][]domain.Status
}

func newRecordingStore() *recordingStore {
	return &recordingStore{TaskStore: store.NewMemory(), history: make(map[string][]domain.Status)}
}

func (s *recordingStore) Create(ctx context.Context, task *domain.Task) error {
	err := s.TaskStore.Create(ctx, task)
	if err == nil {
		s.record(task)
	}
	return err
}

func (s *recordingStore) Update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error) {
	task, err := s.TaskStore.Update(ctx, id, fn)
	if err == nil {
		s.record(task)
	}
	return task, err
}

func (s *recordingStore) record(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[task.ID]
	if len(h) == 0 || h[len(h)-1] != task.Status {
		s.history[task.ID] = append(h, task.Status)
	}
}

func (s *recordingStore) statuses(id string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.Status(nil), s.history[id]...)
}

type countingObserver struct {
	mu        sync.Mutex
	submitted int
	finished  map[domain.Status]int
}

func (o *countingObserver) TaskSubmitted(domain.Algorithm) {
	o.mu.Lock()
	o.submitted++
	o.mu.Unlock()
}

func (o *countingObserver) TaskFinished(_ domain.Algorithm, status domain.Status, _ time.Duration) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = make(map[domain.Status]int)
	}
	o.finished[status]++
	o.mu.Unlock()
}

func (o *countingObserver) count(status domain.Status) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished[status]
}

type harness struct {
	store      *recordingStore
	queue      *queue.Queue
	cancels    *CancelRegistry
	observer   *countingObserver
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    newRecordingStore(),
		queue:    queue.NewMemory(nil, queue.DefaultBreakerConfig()),
		cancels:  NewCancelRegistry(),
		observer: &countingObserver{},
	}
	t.Cleanup(func() {
		_ = h.queue.Close()
		_ = h.store.Close()
	})

	h.dispatcher = NewDispatcher(h.store, h.queue,
		WithObserver(h.observer), WithCancelRegistry(h.cancels), WithPollInterval(20*time.Millisecond))

	return h
}

func (h *harness) pool(engine port.StyleEngine, cfg WorkerPoolConfig) *WorkerPool {
	return NewWorkerPool(h.store, h.queue, engine, h.cancels, h.observer, cfg)
}

// serve runs the pool under a supervisor until the test ends and returns the supervisor's
// exit error channel.
func serve(t *testing.T, pool *WorkerPool) <-chan error {
	t.Helper()

	sup := suture.New("test", suture.Spec{
		EventHook:        func(suture.Event) {},
		FailureBackoff:   10 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 5,
	})
	for _, s := range pool.Services() {
		sup.Add(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return sup.ServeBackground(ctx)
}

func waitTerminal(t *testing.T, d *Dispatcher, id string) *domain.Task {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	defer cancel()

	task, err := d.Wait(ctx, id)
	require.NoError(t, err)

	return task
}
