// Package dispatch runs blocking tasks on a fixed set of worker goroutines.
//
// Tasks start in strict submission order. Each Submit returns a Ticket that
// completes when the task has returned; the done channel is closed only after
// the task's last write, so anything the task produced is visible to the
// goroutine that observed Done.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"syncgate-go/internal/metrics"
)

// ErrClosed is the ticket error for tasks submitted after Close.
var ErrClosed = errors.New("dispatch: pool closed")

// Task is a unit of blocking work.
type Task func(ctx context.Context) error

// PanicError is returned for a task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered from panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Ticket tracks one submitted task.
type Ticket struct {
	ctx      context.Context
	task     Task
	queuedAt time.Time

	done chan struct{}
	err  error
}

// Done is closed once the task has finished or was skipped.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends. A ctx error does not
// stop the task.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) finish(err error) {
	t.err = err
	close(t.done)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size   int `json:"size"`
	Busy   int `json:"busy"`
	Queued int `json:"queued"`
}

// Pool is a bounded FIFO worker pool.
type Pool struct {
	size    int
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Ticket
	busy   int
	closed bool

	wg sync.WaitGroup
}

// New starts size workers. A size below one uses runtime.NumCPU.
// The metrics parameter is optional; pass nil to disable recording.
func New(size int, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		size:    size,
		logger:  logger.With("component", "dispatch"),
		metrics: m,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := range size {
		go p.work(i + 1)
	}
	p.logger.Debug("worker pool started", "workers", size)
	return p
}

// Submit queues task. It never blocks on the task itself.
func (p *Pool) Submit(ctx context.Context, task Task) *Ticket {
	t := &Ticket{
		ctx:      ctx,
		task:     task,
		queuedAt: time.Now(),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.finish(ErrClosed)
		return t
	}
	p.queue = append(p.queue, t)
	p.setGauges()
	p.mu.Unlock()

	p.cond.Signal()
	return t
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.busy++
		p.setGauges()
		p.mu.Unlock()

		p.run(id, t)

		p.mu.Lock()
		p.busy--
		p.setGauges()
		p.mu.Unlock()
	}
}

func (p *Pool) run(id int, t *Ticket) {
	if p.metrics != nil {
		p.metrics.DispatchWait.Observe(time.Since(t.queuedAt).Seconds())
	}

	// The submitter is gone; starting now would only waste a worker.
	if err := t.ctx.Err(); err != nil {
		p.logger.Debug("skipping cancelled task", "worker", id)
		t.finish(err)
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		err = t.task(context.WithValue(t.ctx, workerKey{}, id))
	}()
	t.finish(err)
}

// setGauges must be called with p.mu held.
func (p *Pool) setGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.QueueDepth.Set(float64(len(p.queue)))
	p.metrics.WorkersBusy.Set(float64(p.busy))
}

// Stats returns the current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, Busy: p.busy, Queued: len(p.queue)}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish, or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "dispatch: close")
	}
}

type workerKey struct{}

// WorkerID returns the id of the worker running the task that owns ctx.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerKey{}).(int)
	return id, ok
}
