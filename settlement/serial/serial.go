// Package serial runs tasks one at a time per key while distinct keys
// proceed in parallel.
//
// Each key owns a lazily created chain that is removed as soon as it drains,
// so the number of live chains is bounded by the number of keys with work
// in flight.
package serial

import (
	"context"
	"errors"
	"sync"
	"time"

	libSettlement "github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
)

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("serial queue is closed")

// interruptGrace bounds the wait for interrupted tasks to return.
const interruptGrace = 5 * time.Second

// Task is a unit of work run on a key's chain.
type Task func(ctx context.Context)

type entry struct {
	ctx       context.Context
	task      Task
	coalesced bool
}

type chain struct {
	pending []entry
	// coalescedWaiting is set while a coalesced entry sits in pending.
	coalescedWaiting bool
}

// Queue serializes tasks per key.
type Queue struct {
	name   string
	logger log.Logger

	mu     sync.Mutex
	chains map[string]*chain
	closed bool
	wg     sync.WaitGroup

	// stop is cancelled when Close gives up waiting; every task context
	// derives its cancellation from it.
	stop      context.Context
	interrupt context.CancelFunc
}

// New creates a queue. name scopes panic reports.
func New(name string, logger log.Logger) *Queue {
	stop, interrupt := context.WithCancel(context.Background())

	return &Queue{
		name:      name,
		logger:    log.OrNop(logger),
		chains:    make(map[string]*chain),
		stop:      stop,
		interrupt: interrupt,
	}
}

// Enqueue appends task to key's chain. Tasks run with a context that keeps
// the values of ctx but is never cancelled by it. It is cancelled only when
// Close runs out of time, so a task must persist whatever it holds when its
// context ends.
func (q *Queue) Enqueue(ctx context.Context, key string, task Task) error {
	return q.enqueue(ctx, key, entry{task: task})
}

// EnqueueCoalesced appends task unless a coalesced task for key is already
// waiting to start, in which case the waiting one covers it.
func (q *Queue) EnqueueCoalesced(ctx context.Context, key string, task Task) error {
	return q.enqueue(ctx, key, entry{task: task, coalesced: true})
}

func (q *Queue) enqueue(ctx context.Context, key string, e entry) error {
	if e.task == nil {
		return nil
	}

	e.ctx = libSettlement.DetachedContext(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	c, running := q.chains[key]
	if !running {
		c = &chain{}
		q.chains[key] = c
	}

	if e.coalesced {
		if c.coalescedWaiting {
			return nil
		}

		c.coalescedWaiting = true
	}

	c.pending = append(c.pending, e)

	if !running {
		q.wg.Add(1)

		runtime.SafeGo(q.logger, q.name+"_chain", runtime.KeepRunning, func() {
			defer q.wg.Done()

			q.drain(key, c)
		})
	}

	return nil
}

func (q *Queue) drain(key string, c *chain) {
	for {
		q.mu.Lock()

		if len(c.pending) == 0 {
			delete(q.chains, key)
			q.mu.Unlock()

			return
		}

		next := c.pending[0]
		c.pending[0] = entry{}
		c.pending = c.pending[1:]

		if next.coalesced {
			c.coalescedWaiting = false
		}

		q.mu.Unlock()

		q.run(next)
	}
}

func (q *Queue) run(e entry) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	stop := context.AfterFunc(q.stop, cancel)
	defer stop()

	defer runtime.RecoverAndLogWithContext(ctx, q.logger, q.name, "task")

	e.task(ctx)
}

// Active returns the number of keys with queued or running tasks.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.chains)
}

// Close rejects new tasks and waits for every chain to drain. When ctx ends
// first, the contexts of running and queued tasks are cancelled and Close
// waits briefly for them to return before reporting ctx's error.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})

	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	q.logger.Log(ctx, log.LevelWarn, "interrupting unfinished tasks",
		log.Component(q.name), log.Int("active_keys", q.Active()))
	q.interrupt()

	select {
	case <-done:
	case <-time.After(interruptGrace):
		q.logger.Log(ctx, log.LevelError, "tasks did not return after interruption", log.Component(q.name))
	}

	return ctx.Err()
}
