package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/describe"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/metrics"
	"github.com/visionq/visionq/pkg/types"
)

const (
	// drainPoll is how long the coordinator waits for late arrivals
	// before going idle when nothing is queued or in flight.
	drainPoll = 100 * time.Millisecond

	// saturationWait bounds the wait for a completion signal when every
	// worker is busy.
	saturationWait = 50 * time.Millisecond
)

// AssignmentFunc observes coordinator assignments. It is invoked after
// a worker is marked busy and before the describe call starts, with the
// queue length remaining after the pop. This hook is the only coupling
// between the pool and the streaming dispatcher.
type AssignmentFunc func(workerID, queueLen int, task *types.Task)

// Result is the value a task's future resolves to.
type Result struct {
	Description string
	WorkerID    int
}

// Future resolves once its task reaches a terminal state.
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done returns a channel closed when the task is terminal.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) resolve(res Result, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

// workerSlot is one execution slot in the fixed worker table. busy and
// processed are mutated only under the pool mutex: by the coordinator
// at assignment and by the worker's own completion.
type workerSlot struct {
	id        int
	busy      bool
	processed int64
	current   string
}

type queuedTask struct {
	task *types.Task
	fut  *Future
}

// Pool is the in-process dispatch core: a fixed worker table plus a
// single coordinator that pops a FIFO queue and assigns tasks to idle
// workers. The coordinator is a single logical task guarded by the
// running latch; it never runs concurrently with itself. Workers run
// the describe call in parallel, one task per slot, so in-flight work
// never exceeds the pool size.
type Pool struct {
	describer describe.Describer
	size      int

	mu       sync.Mutex
	workers  []*workerSlot
	queue    []*queuedTask
	inFlight int
	running  bool // coordinator latch
	stopped  bool

	// wake coalesces "queue non-empty" and "worker freed" signals.
	wake chan struct{}

	onAssign AssignmentFunc
	logger   zerolog.Logger
}

// New creates a pool with size workers over the given describer.
func New(size int, describer describe.Describer) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	workers := make([]*workerSlot, size)
	for i := range workers {
		workers[i] = &workerSlot{id: i}
	}
	return &Pool{
		describer: describer,
		size:      size,
		workers:   workers,
		wake:      make(chan struct{}, 1),
		logger:    log.WithComponent("pool"),
	}, nil
}

// Size returns the worker count.
func (p *Pool) Size() int {
	return p.size
}

// OnAssignment sets the assignment hook. Must be called before the
// first Submit.
func (p *Pool) OnAssignment(fn AssignmentFunc) {
	p.onAssign = fn
}

// Submit queues a task and returns its future. Non-blocking and safe
// for concurrent use; if the coordinator is idle it is started, if it
// is waiting it is woken.
func (p *Pool) Submit(task *types.Task) *Future {
	fut := &Future{done: make(chan struct{})}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		fut.resolve(Result{}, fmt.Errorf("pool is stopped"))
		return fut
	}
	p.queue = append(p.queue, &queuedTask{task: task, fut: fut})
	startCoordinator := !p.running
	if startCoordinator {
		p.running = true
	}
	p.mu.Unlock()

	metrics.TasksSubmitted.Inc()
	metrics.PoolQueueDepth.Inc()

	if startCoordinator {
		go p.coordinate()
	} else {
		p.signal()
	}
	return fut
}

// Stop prevents further submissions. Tasks already queued or in flight
// are abandoned by callers per the shutdown contract; their goroutines
// run to completion.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.signal()
}

// Snapshot returns the worker table as it stands right now.
func (p *Pool) Snapshot() []types.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.WorkerInfo, len(p.workers))
	for i, w := range p.workers {
		out[i] = types.WorkerInfo{
			ID:          w.id,
			Busy:        w.busy,
			Processed:   w.processed,
			CurrentTask: w.current,
		}
	}
	return out
}

// QueueLen returns the number of tasks waiting for assignment.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// coordinate is the coordinator loop. It exits (and clears the running
// latch) only after the queue has stayed empty for a drain poll with
// nothing in flight.
func (p *Pool) coordinate() {
	for {
		p.mu.Lock()

		if p.stopped {
			p.running = false
			p.mu.Unlock()
			return
		}

		if len(p.queue) == 0 {
			if p.inFlight == 0 {
				// Poll briefly for late arrivals, then go idle.
				p.mu.Unlock()
				if p.waitWake(drainPoll) {
					continue
				}
				p.mu.Lock()
				if len(p.queue) == 0 && p.inFlight == 0 {
					p.running = false
					p.mu.Unlock()
					return
				}
				p.mu.Unlock()
				continue
			}
			// Nothing queued but completions pending; wait for either a
			// new task or a freed worker.
			p.mu.Unlock()
			p.waitWake(saturationWait)
			continue
		}

		if p.inFlight >= p.size {
			// Saturated; wait for a completion signal.
			p.mu.Unlock()
			p.waitWake(saturationWait)
			continue
		}

		qt := p.queue[0]
		p.queue = p.queue[1:]
		w := p.selectWorker()
		w.busy = true
		w.current = qt.task.ID
		w.processed++ // at assignment, so it doubles as the fairness signal
		p.inFlight++
		queueLen := len(p.queue)
		p.mu.Unlock()

		metrics.PoolQueueDepth.Dec()
		metrics.WorkersBusy.Inc()

		p.logger.Debug().
			Int("worker", w.id).
			Str("task", qt.task.ID).
			Int("queued", queueLen).
			Msg("task assigned")

		if p.onAssign != nil {
			p.onAssign(w.id, queueLen, qt.task)
		}

		// Fire and forget: completion flows through the worker's own
		// callback, not the coordinator.
		go p.execute(w, qt)
	}
}

// selectWorker picks an idle worker, lowest id first. If every worker
// is busy (the saturation wait normally prevents this, but it is legal
// as a fallback) the one with the fewest assignments wins. Caller holds
// the mutex.
func (p *Pool) selectWorker() *workerSlot {
	for _, w := range p.workers {
		if !w.busy {
			return w
		}
	}
	least := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.processed < least.processed {
			least = w
		}
	}
	return least
}

// execute runs one task on its assigned worker and resolves the future.
func (p *Pool) execute(w *workerSlot, qt *queuedTask) {
	start := time.Now()
	desc, err := p.describer.Describe(context.Background(), qt.task.Payload)
	elapsed := time.Since(start)

	p.mu.Lock()
	w.busy = false
	w.current = ""
	p.inFlight--
	p.mu.Unlock()

	metrics.WorkersBusy.Dec()
	metrics.TaskDuration.Observe(elapsed.Seconds())

	p.signal()

	if err != nil {
		metrics.TasksCompleted.WithLabelValues("error").Inc()
		p.logger.Debug().Err(err).Str("task", qt.task.ID).Int("worker", w.id).Msg("task failed")
		qt.fut.resolve(Result{WorkerID: w.id}, err)
		return
	}

	metrics.TasksCompleted.WithLabelValues("completed").Inc()
	qt.fut.resolve(Result{Description: desc, WorkerID: w.id}, nil)
}

// signal wakes the coordinator without blocking; concurrent signals
// coalesce into one.
func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// waitWake blocks until a wake signal or the timeout, reporting whether
// it was woken.
func (p *Pool) waitWake(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.wake:
		return true
	case <-timer.C:
		return false
	}
}
