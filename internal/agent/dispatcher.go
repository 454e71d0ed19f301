package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// Dispatcher runs objective generation in the background with a bounded
// number of concurrent runs.
type Dispatcher struct {
	gen *ObjectiveGenerator
	sem *semaphore.Weighted
	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher allowing workers concurrent runs.
func NewDispatcher(gen *ObjectiveGenerator, workers int, log *logging.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		gen:    gen,
		sem:    semaphore.NewWeighted(int64(workers)),
		log:    log.WithPrefix("dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Trigger schedules a run and returns at once. It reports false when the
// dispatcher is closed.
func (d *Dispatcher) Trigger(studentID string, trigger Trigger) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		if _, err := d.gen.Generate(d.ctx, studentID, trigger); err != nil {
			d.log.Warn("background objective run failed", logging.StudentID(studentID), logging.Error(err))
		}
	}()
	return true
}

// Wait blocks until every scheduled run has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting triggers, lets scheduled runs finish, and releases
// the dispatcher's context. ctx bounds the wait; when it expires the runs
// still in flight are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
