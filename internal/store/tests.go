package store

import (
	"slices"
	"sync"
)

// LockableSlice is a thread-safe slice with mutex protection.
type LockableSlice[T any] struct {
	data []T
	mu   sync.Mutex
}

// Append adds a value to the slice in a thread-safe manner.
func (l *LockableSlice[T]) Append(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = append(l.data, v)
}

// Prune returns and clears all values from the slice in a thread-safe manner.
func (l *LockableSlice[T]) Prune() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := slices.Clone(l.data)
	l.data = nil
	return c
}
