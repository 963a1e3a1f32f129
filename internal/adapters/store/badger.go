package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"nstbot/internal/core/domain"
)

const (
	taskKeyPrefix   = "task:"
	resultKeyPrefix = "result:"

	maxUpdateRetries = 10
)

// Badger stores tasks and results in badger. Every write refreshes the entry TTL, so records
// disappear once they were left untouched for the retention window.
type Badger struct {
	db        *badger.DB
	retention time.Duration
	owned     bool
}

// NewBadger wraps an open database. The caller keeps ownership of db.
func NewBadger(db *badger.DB, retention time.Duration) *Badger {
	return &Badger{db: db, retention: retention}
}

// OpenBadger opens a database with opts. Close also closes the database.
func OpenBadger(opts badger.Options, retention time.Duration) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening task store at %q: %w", opts.Dir, err)
	}

	return &Badger{db: db, retention: retention, owned: true}, nil
}

func taskKey(id string) []byte {
	return []byte(taskKeyPrefix + id)
}

func resultKey(id string) []byte {
	return []byte(resultKeyPrefix + id)
}

func (s *Badger) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

func readTask(txn *badger.Txn, id string) (*domain.Task, error) {
	item, err := txn.Get(taskKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task domain.Task
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &task)
	})
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}

	return &task, nil
}

func (s *Badger) writeTask(txn *badger.Txn, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	return txn.SetEntry(s.entry(taskKey(task.ID), data))
}

func (s *Badger) Create(_ context.Context, task *domain.Task) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(taskKey(task.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get task: %w", err)
		}

		return s.writeTask(txn, task)
	})
}

func (s *Badger) Get(_ context.Context, id string) (*domain.Task, error) {
	var task *domain.Task

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		task, err = readTask(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// Update retries fn when a concurrent transaction wrote the same task.
func (s *Badger) Update(ctx context.Context, id string, fn func(task *domain.Task) error) (*domain.Task, error) {
	for attempt := 0; ; attempt++ {
		var task *domain.Task

		err := s.db.Update(func(txn *badger.Txn) error {
			var err error
			task, err = readTask(txn, id)
			if err != nil {
				return err
			}

			if err := fn(task); err != nil {
				return err
			}

			return s.writeTask(txn, task)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxUpdateRetries {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		return task, nil
	}
}

func (s *Badger) PutResult(_ context.Context, id string, result []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := readTask(txn, id); err != nil {
			return err
		}

		return txn.SetEntry(s.entry(resultKey(id), result))
	})
}

func (s *Badger) GetResult(_ context.Context, id string) ([]byte, error) {
	var result []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: no result for %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get result: %w", err)
		}

		result, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Watch subscribes to writes of the task key. The subscription starts asynchronously, so
// callers re-read the task after Watch returns to catch a change made in between.
func (s *Badger) Watch(ctx context.Context, id string) (<-chan *domain.Task, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *domain.Task, watchBuffer)
	key := taskKey(id)
	l := log.With().Str("taskId", id).Logger()

	go func() {
		defer close(ch)

		err := s.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				if len(kv.Value) == 0 || string(kv.Key) != string(key) {
					continue
				}

				var task domain.Task
				if err := json.Unmarshal(kv.Value, &task); err != nil {
					l.Warn().Err(err).Msg("skipping undecodable task update")
					continue
				}

				select {
				case ch <- &task:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}, []pb.Match{{Prefix: key}})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			l.Warn().Err(err).Msg("task watch ended")
		}
	}()

	return ch, nil
}

func (s *Badger) List(_ context.Context, status domain.Status) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taskKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var task domain.Task
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &task)
			})
			if err != nil {
				return fmt.Errorf("decode task %s: %w", it.Item().Key(), err)
			}

			if task.Status == status {
				tasks = append(tasks, &task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	sortByCreation(tasks)

	return tasks, nil
}

func (s *Badger) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(taskKey(id)); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if err := txn.Delete(resultKey(id)); err != nil {
			return fmt.Errorf("delete result: %w", err)
		}
		return nil
	})
}

func (s *Badger) Close() error {
	if !s.owned {
		return nil
	}

	return s.db.Close()
}
