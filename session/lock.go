package session

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryAcquire when another context holds the lock.
var ErrLocked = errors.New("refresh lock held by another context")

// RefreshLock makes sure at most one refresh is in flight across all contexts that share it.
type RefreshLock interface {
	// TryAcquire takes the lock without waiting.
	// The returned release func must be called exactly once.
	TryAcquire(ctx context.Context) (release func(), err error)
	// Held reports whether any context holds the lock.
	Held(ctx context.Context) (bool, error)
}

// LocalLock is a RefreshLock for contexts living in the same process.
type LocalLock struct {
	mutex sync.Mutex
	held  bool
}

func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) TryAcquire(ctx context.Context) (func(), error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.held {
		return nil, ErrLocked
	}
	l.held = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mutex.Lock()
			l.held = false
			l.mutex.Unlock()
		})
	}, nil
}

func (l *LocalLock) Held(ctx context.Context) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.held, nil
}
