package cron

import (
	"context"
	"sync"
)

// Lock coordinates exclusive cron cycles.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLock keeps cycles of one process from overlapping. Flows live in process memory,
// so there is nothing to coordinate across instances.
type LocalLock struct {
	mu   sync.Mutex
	held bool
}

// NewLocalLock builds an unheld lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

// Acquire takes the lock if it is free.
func (l *LocalLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *LocalLock) Release(context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}
