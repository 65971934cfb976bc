// Package worker implements the pooled task executor (spec.md
// §4.3): a single goroutine draining a FIFO queue of inbound CoAP packets,
// invoking the resource handler for each, and tracking load so the
// dispatcher can pick the least-busy worker for new work.
package worker

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/coapcore/coapd/packet"
)

// HeavyLoadThreshold is the queue depth above which IsHeavilyLoaded
// reports true and the dispatcher looks elsewhere before spinning up a
// new worker.
const HeavyLoadThreshold = 64

// Handler processes one packet pulled off a worker's queue. Implementations
// come from the dispatcher, wired to the resource manager.
type Handler func(p *packet.Packet)

// Worker owns a single task queue and goroutine. Workers are created
// on demand by the dispatcher and retired once idle past its configured
// allowance (spec.md §4.3 edge case 1).
type Worker struct {
	ID xid.ID

	handler Handler

	mu       sync.Mutex
	queue    []*packet.Packet
	lastTask time.Time

	tasks chan struct{}
	done  chan struct{}
	stop  chan struct{}
}

// New creates and starts a worker bound to handler. The worker runs until
// Stop is called.
func New(handler Handler) *Worker {
	w := &Worker{
		ID:       xid.New(),
		handler:  handler,
		lastTask: time.Now(),
		tasks:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go w.run()
	return w
}

// SubmitTask appends p to the worker's queue and wakes it if idle.
func (w *Worker) SubmitTask(p *packet.Packet) {
	w.mu.Lock()
	w.queue = append(w.queue, p)
	w.mu.Unlock()

	select {
	case w.tasks <- struct{}{}:
	default:
	}
}

// GetQueueSize returns the number of tasks not yet started.
func (w *Worker) GetQueueSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// IsHeavilyLoaded reports whether this worker's queue exceeds
// HeavyLoadThreshold.
func (w *Worker) IsHeavilyLoaded() bool {
	return w.GetQueueSize() > HeavyLoadThreshold
}

// GetIdleTime reports how long this worker has gone without a task.
func (w *Worker) GetIdleTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastTask)
}

// Stop requests the worker's goroutine to exit once its current queue
// drains, and blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		w.drain()

		select {
		case <-w.stop:
			w.drain()
			return
		case <-w.tasks:
		}
	}
}

func (w *Worker) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		p := w.queue[0]
		w.queue = w.queue[1:]
		w.lastTask = time.Now()
		w.mu.Unlock()

		w.handler(p)
	}
}

// Stats is a point-in-time snapshot used by the dispatcher's stats dump.
type Stats struct {
	ID        string
	QueueSize int
	IdleFor   time.Duration
}

// Snapshot returns a Stats snapshot of this worker's current load.
func (w *Worker) Snapshot() Stats {
	return Stats{
		ID:        w.ID.String(),
		QueueSize: w.GetQueueSize(),
		IdleFor:   w.GetIdleTime(),
	}
}
