// Package store holds the task store implementations: an in-memory one and a durable one
// on badger.
package store

import (
	"errors"
	"slices"

	"nstbot/internal/core/domain"
)

var (
	ErrTaskExists = errors.New("task already exists")
	ErrClosed     = errors.New("store closed")
)

func sortByCreation(tasks []*domain.Task) {
	slices.SortFunc(tasks, func(a, b *domain.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
