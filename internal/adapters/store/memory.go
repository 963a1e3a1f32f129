package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nstbot/internal/core/domain"
)

const (
	watchBuffer = 8

	maxSweepInterval = time.Minute
)

// Memory keeps tasks in process memory. It is meant for tests and single process development
// setups; nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	results   map[string][]byte
	expires   map[string]time.Time
	watchers  map[string]map[chan *domain.Task]struct{}
	retention time.Duration
	now       func() time.Time
	stop      chan struct{}
	closed    bool
}

type MemoryOption func(*Memory)

// WithRetention expires a task and its result once it has not been written for d, like the
// per-entry TTL of the badger store. A background sweep frees expired entries.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.retention = d
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tasks:    make(map[string]*domain.Task),
		results:  make(map[string][]byte),
		expires:  make(map[string]time.Time),
		watchers: make(map[string]map[chan *domain.Task]struct{}),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.retention > 0 {
		go m.sweepLoop(min(m.retention, maxSweepInterval))
	}

	return m
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Debug().Int("tasks", n).Msg("expired tasks removed")
			}
		}
	}
}

// Sweep removes every expired task and returns how many it removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, at := range m.expires {
		if !now.Before(at) {
			m.remove(id)
			n++
		}
	}

	return n
}

// touch must be called with mu held.
func (m *Memory) touch(id string) {
	if m.retention > 0 {
		m.expires[id] = m.now().Add(m.retention)
	}
}

// live must be called with mu held. It reports whether id exists and has not expired.
func (m *Memory) live(id string) (*domain.Task, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}

	if at, ok := m.expires[id]; ok && !m.now().Before(at) {
		return nil, false
	}

	return t, true
}

// remove must be called with mu held.
func (m *Memory) remove(id string) {
	delete(m.tasks, id)
	delete(m.results, id)
	delete(m.expires, id)
}

func clone(t *domain.Task) *domain.Task {
	c := *t
	return &c
}

func (m *Memory) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, ok := m.live(task.ID); ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	m.remove(task.ID)
	m.tasks[task.ID] = clone(task)
	m.touch(task.ID)
	m.notify(task.ID)

	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.live(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	return clone(t), nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(task *domain.Task) error) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	t, ok := m.live(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	updated := clone(t)
	if err := fn(updated); err != nil {
		return nil, err
	}

	m.tasks[id] = updated
	m.touch(id)
	m.notify(id)

	return clone(updated), nil
}

func (m *Memory) PutResult(_ context.Context, id string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(id); !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	m.results[id] = append([]byte(nil), result...)
	m.touch(id)

	return nil
}

func (m *Memory) GetResult(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.results[id]
	if _, live := m.live(id); !ok || !live {
		return nil, fmt.Errorf("%w: no result for %s", domain.ErrNotFound, id)
	}

	return append([]byte(nil), r...), nil
}

// notify must be called with mu held. Slow watchers miss updates instead of blocking writers.
func (m *Memory) notify(id string) {
	for ch := range m.watchers[id] {
		select {
		case ch <- clone(m.tasks[id]):
		default:
		}
	}
}

func (m *Memory) Watch(ctx context.Context, id string) (<-chan *domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ch := make(chan *domain.Task, watchBuffer)
	if m.watchers[id] == nil {
		m.watchers[id] = make(map[chan *domain.Task]struct{})
	}
	m.watchers[id][ch] = struct{}{}

	go func() {
		<-ctx.Done()

		m.mu.Lock()
		defer m.mu.Unlock()

		if _, ok := m.watchers[id][ch]; ok {
			delete(m.watchers[id], ch)
			if len(m.watchers[id]) == 0 {
				delete(m.watchers, id)
			}
			close(ch)
		}
	}()

	return ch, nil
}

func (m *Memory) List(_ context.Context, status domain.Status) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*domain.Task
	for id := range m.tasks {
		if t, ok := m.live(id); ok && t.Status == status {
			tasks = append(tasks, clone(t))
		}
	}

	sortByCreation(tasks)

	return tasks, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(id)

	return nil
}

// Close closes all open watches.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.stop)
	for id, set := range m.watchers {
		for ch := range set {
			close(ch)
		}
		delete(m.watchers, id)
	}

	return nil
}
