package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 10 * time.Second
)

// Dispatcher is a bounded FIFO of telemetry tasks drained by a single worker.
// Tasks reach the sink in enqueue order. Enqueue never blocks: a full queue
// drops the task. A failed write is logged and dropped.
type Dispatcher struct {
	sink         TelemetrySink
	queue        chan TelemetryTask
	writeTimeout time.Duration

	mu     sync.RWMutex // guards closed against sends on a closed channel
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher and starts its worker
func NewDispatcher(sink TelemetrySink, size int, writeTimeout time.Duration) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:         sink,
		queue:        make(chan TelemetryTask, size),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go d.run()
	return d
}

// Enqueue adds a task without blocking. Returns false if the task was dropped.
func (d *Dispatcher) Enqueue(task TelemetryTask) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		log.Printf("[Telemetry] Queue closed, dropping %s %s", task.Op, task.Path)
		return false
	}

	select {
	case d.queue <- task:
		d.enqueued.Add(1)
		return true
	default:
		n := d.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			log.Printf("[Telemetry] Queue full, dropped %d task(s) so far (latest: %s %s)", n, task.Op, task.Path)
		}
		return false
	}
}

// Close stops accepting tasks and waits for the worker to deliver what is
// already queued. If ctx expires first the in-flight write is cancelled and
// the remaining tasks are discarded.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancel()
		log.Printf("[Telemetry] Drain timed out with %d task(s) pending", len(d.queue))
		return ctx.Err()
	}
}

// Stats returns the dispatch counters
func (d *Dispatcher) Stats() QueueStats {
	return QueueStats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Pending:   len(d.queue),
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.cancel()

	for task := range d.queue {
		if d.ctx.Err() != nil {
			d.dropped.Add(1)
			continue
		}
		d.deliver(task)
	}
}

func (d *Dispatcher) deliver(task TelemetryTask) {
	ctx, cancel := context.WithTimeout(d.ctx, d.writeTimeout)
	defer cancel()

	if err := d.sink.Write(ctx, task); err != nil {
		d.failed.Add(1)
		log.Printf("[Telemetry] Write %s %s failed, dropping: %v", task.Op, task.Path, err)
		return
	}
	d.delivered.Add(1)
}
