package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/events"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/metrics"
	"github.com/visionq/visionq/pkg/pool"
	"github.com/visionq/visionq/pkg/storage"
	"github.com/visionq/visionq/pkg/types"
)

// snippetBytes is how much of each image lands in the shard store. The
// store tracks placement, not payloads; full bytes stay with the task.
const snippetBytes = 256

// BatchItem is one image in an incoming batch, already read off the
// multipart form.
type BatchItem struct {
	ID       string
	Filename string
	Data     []byte
}

// Dispatcher is the request-scoped orchestrator: it drives a batch
// through partition assignment, shard storage, pool submission, and
// result streaming. One Dispatcher serves the whole process; each
// request gets its own batch run multiplexed over the shared pool via
// the task index.
type Dispatcher struct {
	pool   *pool.Pool
	store  *storage.ShardStore
	logger zerolog.Logger

	// tasks maps in-flight submission tokens to their batch run so the
	// pool's single assignment callback can find the right stream. The
	// token is unique per submission; task ids are caller-supplied and
	// may repeat across concurrent batches.
	tasks sync.Map
}

// New wires a dispatcher over the pool and shard store, installing
// itself as the pool's assignment hook.
func New(p *pool.Pool, store *storage.ShardStore) *Dispatcher {
	d := &Dispatcher{
		pool:   p,
		store:  store,
		logger: log.WithComponent("dispatch"),
	}
	p.OnAssignment(d.onAssignment)
	return d
}

// run is the per-request state: the stream plus the running counters.
// All counter mutation and event emission happens under mu so the
// stats invariant holds at every emission.
type run struct {
	stream *events.Stream
	mu     sync.Mutex
	stats  types.BatchStats
}

func (r *run) emitStats() {
	r.stream.Send(events.Stats(r.stats))
}

// ProcessBatch drives one batch through the full pipeline and streams
// every event to the client. It returns after the final event; a
// closed stream never interrupts the work.
func (d *Dispatcher) ProcessBatch(ctx context.Context, items []BatchItem, stream *events.Stream) {
	n := len(items)
	r := &run{
		stream: stream,
		stats:  types.BatchStats{Total: n, Pending: n},
	}
	metrics.BatchesTotal.Inc()

	r.mu.Lock()
	r.emitStats()
	stream.Send(events.Log(events.LogInfo, fmt.Sprintf("received batch of %d images", n)))
	stream.Send(events.Workers(d.pool.Snapshot()))
	stream.Send(events.Partitions(d.store.Stats().Partitions, ""))
	r.mu.Unlock()

	if n == 0 {
		stream.Send(events.Log(events.LogSuccess, "batch complete: nothing to process"))
		return
	}

	d.logger.Info().Int("images", n).Msg("batch received")

	// Preparation: place every image before the first submission so the
	// pool's queue is saturated from the first dispatch.
	tasks := make([]*types.Task, 0, n)
	for _, item := range items {
		task, err := d.prepare(item, r)
		if err != nil {
			d.failBeforeSubmit(r, item, err)
			continue
		}
		tasks = append(tasks, task)
	}

	// Submission: everything enters the queue without awaiting anyone.
	futures := make([]*pool.Future, len(tasks))
	for i, task := range tasks {
		d.tasks.Store(task.Submission, r)
		futures[i] = d.pool.Submit(task)
	}

	// Completion: emit each terminal result as its future resolves.
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(task *types.Task, fut *pool.Future) {
			defer wg.Done()
			defer d.tasks.Delete(task.Submission)

			res, err := fut.Wait(context.Background())
			d.complete(r, task, res, err)
		}(task, futures[i])
	}
	wg.Wait()

	stream.Send(events.Log(events.LogSuccess,
		fmt.Sprintf("batch complete: %d processed, %d failed", r.stats.Completed, r.stats.Errors)))
	d.logger.Info().
		Int("completed", r.stats.Completed).
		Int("errors", r.stats.Errors).
		Msg("batch finished")
}

// prepare assigns the item's partition and places its snippet in the
// shard store.
func (d *Dispatcher) prepare(item BatchItem, r *run) (*types.Task, error) {
	part := d.store.Partitioner().Partition(item.ID)

	snippet := item.Data
	if len(snippet) > snippetBytes {
		snippet = snippet[:snippetBytes]
	}
	if err := d.store.Store(item.ID, snippet); err != nil {
		return nil, err
	}
	metrics.ShardItems.WithLabelValues(fmt.Sprintf("%d", part)).Inc()

	r.mu.Lock()
	r.stream.Send(events.Log(events.LogPartition,
		fmt.Sprintf("image %s assigned to partition %d", item.ID, part)))
	r.stream.Send(events.Partitions(d.store.Stats().Partitions, ""))
	r.mu.Unlock()

	return &types.Task{
		ID:         item.ID,
		Submission: uuid.NewString(),
		Filename:   item.Filename,
		Payload:    item.Data,
		Partition:  part,
		Priority:   types.PriorityNormal,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// failBeforeSubmit records a terminal error for an item that never
// reached the pool, keeping the stats invariant intact.
func (d *Dispatcher) failBeforeSubmit(r *run, item BatchItem, err error) {
	part := d.store.Partitioner().Partition(item.ID)
	d.logger.Warn().Err(err).Str("task", item.ID).Msg("image rejected before submission")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Pending--
	r.stats.Errors++
	r.stream.Send(events.Result(&types.TaskResult{
		TaskID:    item.ID,
		Status:    types.TaskStatusError,
		Partition: part,
		WorkerID:  -1,
		ErrorKind: types.KindOf(err),
		Err:       err.Error(),
	}))
	r.emitStats()
}

// onAssignment is the pool's single hook: route the assignment to its
// batch run and flip the task to processing.
func (d *Dispatcher) onAssignment(workerID, queueLen int, task *types.Task) {
	v, ok := d.tasks.Load(task.Submission)
	if !ok {
		return
	}
	r := v.(*run)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Pending--
	r.stats.Processing++
	r.stream.Send(events.Processing(task.ID, task.Partition, workerID))
	r.emitStats()
	r.stream.Send(events.Workers(d.pool.Snapshot()))
}

// complete flips the task to its terminal state and emits the result.
func (d *Dispatcher) complete(r *run, task *types.Task, res pool.Result, err error) {
	elapsed := time.Since(task.CreatedAt).Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Processing--

	result := &types.TaskResult{
		TaskID:    task.ID,
		Partition: task.Partition,
		WorkerID:  res.WorkerID,
		ElapsedMs: elapsed,
	}
	if err != nil {
		r.stats.Errors++
		result.Status = types.TaskStatusError
		result.ErrorKind = types.KindOf(err)
		result.Err = err.Error()
	} else {
		r.stats.Completed++
		result.Status = types.TaskStatusCompleted
		result.Description = res.Description
	}

	r.stream.Send(events.Result(result))
	r.emitStats()
	r.stream.Send(events.Workers(d.pool.Snapshot()))
}

// ErrEmptyBatch rejects a multipart form with no image parts on the
// ingest path, where an empty dataset is a caller mistake.
var ErrEmptyBatch = errors.New("batch contains no images")
