// Package session serializes work per student. Turns and background objective
// generation for the same student take the same section, so neither observes
// the other's writes half applied.
package session

import (
	"context"
	"sync"
)

// semaphore is a per-student mutex using a buffered channel.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore() *semaphore {
	s := &semaphore{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{} // initially unlocked
	return s
}

// Locker hands out exclusive sections keyed by student ID.
type Locker struct {
	locks sync.Map // studentID → *semaphore

	mu      sync.Mutex
	holders map[string]string // studentID → holder label, for diagnostics
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{holders: make(map[string]string)}
}

// Acquire blocks until the student's section is free or ctx is done.
// The returned release func is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, studentID, holder string) (release func(), err error) {
	sem := l.semaphore(studentID)
	select {
	case <-sem.ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.hold(sem, studentID, holder), nil
}

// TryAcquire takes the section only if it is free right now.
func (l *Locker) TryAcquire(studentID, holder string) (release func(), ok bool) {
	sem := l.semaphore(studentID)
	select {
	case <-sem.ch:
		return l.hold(sem, studentID, holder), true
	default:
		return nil, false
	}
}

func (l *Locker) semaphore(studentID string) *semaphore {
	val, _ := l.locks.LoadOrStore(studentID, newSemaphore())
	return val.(*semaphore)
}

func (l *Locker) hold(sem *semaphore, studentID, holder string) func() {
	l.mu.Lock()
	l.holders[studentID] = holder
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.holders, studentID)
			l.mu.Unlock()
			sem.ch <- struct{}{}
		})
	}
}

// Holder reports who holds the student's section, or "" when it is free.
func (l *Locker) Holder(studentID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[studentID]
}
