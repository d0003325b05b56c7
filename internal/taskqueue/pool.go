// Package taskqueue provides a bounded set of long-lived workers draining a
// shared FIFO queue of jobs.
//
// Workers move through Pending → Working → Idle → Working … → Stopping → Stopped.
// Idle workers sleep on a condition variable and are woken by every Submit.
// Terminate stops new submissions; each worker stops the next time it finds
// the queue empty. Terminate never aborts a running job.
//
//	pool := taskqueue.New(4)
//	pool.Submit(func() { ... })
//	pool.Terminate()
//	err := pool.Wait(ctx)
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrTerminated is returned by Submit after Terminate has been called.
	ErrTerminated = errors.New("taskqueue: pool is terminating")

	// ErrWorkerBusy is returned when a worker is asked to stop while running a job.
	ErrWorkerBusy = errors.New("taskqueue: worker is running a job")
)

// State is the lifecycle state of a worker.
type State int

const (
	StatePending State = iota
	StateWorking
	StateIdle
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWorking:
		return "working"
	case StateIdle:
		return "idle"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Job is a unit of work. Jobs report their own results.
type Job func()

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for recovered panics and lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithName labels the pool in log output.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

type worker struct {
	id    int
	state State
	jobs  int
}

// Pool is a fixed set of workers sharing one queue.
type Pool struct {
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []Job
	workers     []*worker
	terminating bool
	stopped     int
	done        chan struct{}
}

// New starts n workers. n below 1 is treated as 1.
func New(n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		name:   "taskqueue",
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cond = sync.NewCond(&p.mu)

	p.workers = make([]*worker, n)
	for i := range p.workers {
		p.workers[i] = &worker{id: i, state: StatePending}
	}
	for _, w := range p.workers {
		go p.run(w)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Submit appends a job to the queue and wakes every worker.
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return errors.New("taskqueue: nil job")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminating {
		return ErrTerminated
	}
	p.queue = append(p.queue, job)
	p.cond.Broadcast()
	return nil
}

// Terminate rejects further submissions. Queued jobs still run; workers
// stop once the queue is empty.
func (p *Pool) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminating {
		return
	}
	p.terminating = true
	p.cond.Broadcast()
}

// Wait blocks until every worker has stopped or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every worker has stopped.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Len returns the number of queued jobs not yet picked up.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// States returns a snapshot of worker states, indexed by worker id.
func (p *Pool) States() []State {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]State, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.state
	}
	return out
}

func (p *Pool) run(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.queue) > 0 {
			job := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]

			w.state = StateWorking
			w.jobs++
			p.mu.Unlock()
			p.exec(w, job)
			p.mu.Lock()
			continue
		}

		w.state = StateIdle
		if p.terminating {
			if err := p.stop(w); err != nil {
				p.logger.Error("stop worker", "pool", p.name, "worker", w.id, "error", err)
			}
			return
		}
		p.cond.Wait()
	}
}

// stop moves an idle worker to Stopped. Must be called with p.mu held.
func (p *Pool) stop(w *worker) error {
	if w.state == StateWorking {
		return fmt.Errorf("%w: worker %d", ErrWorkerBusy, w.id)
	}
	w.state = StateStopping
	p.logger.Debug("worker stopping", "pool", p.name, "worker", w.id, "jobs", w.jobs)
	w.state = StateStopped

	p.stopped++
	if p.stopped == len(p.workers) {
		close(p.done)
	}
	return nil
}

func (p *Pool) exec(w *worker, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "pool", p.name, "worker", w.id, "panic", r)
		}
	}()
	job()
}
