package service

import (
	"fmt"
	"sync"

	"github.com/artpar/stacker/internal/core/domain"
)

// TargetLocks admits at most one operation per target key. A busy target
// is rejected immediately, never queued.
type TargetLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewTargetLocks creates an empty lock set.
func NewTargetLocks() *TargetLocks {
	return &TargetLocks{held: make(map[string]bool)}
}

// TryAcquire takes the lock for key. It returns ErrOperationInProgress if
// another operation holds it. The returned func releases the lock.
func (l *TargetLocks) TryAcquire(key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%w: %s", domain.ErrOperationInProgress, key)
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *TargetLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

// StackKey is the lock key of a stack instance.
func StackKey(environmentID, stackName string) string {
	return "stack/" + environmentID + "/" + stackName
}

// ProductKey is the lock key of a product deployment target.
func ProductKey(environmentID, productGroupID string) string {
	return "product/" + environmentID + "/" + productGroupID
}
