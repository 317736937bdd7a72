package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/describe"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/storage"
	"github.com/visionq/visionq/pkg/types"
)

const (
	// pollInterval is the idle wait between dequeue attempts when no
	// owned partition has ready work.
	pollInterval = 500 * time.Millisecond

	// reapInterval is how often the runner sweeps for expired leases.
	reapInterval = 10 * time.Second
)

// renewInterval is how often an in-flight job's lease is heartbeated;
// three renewals fit inside one LeaseTTL. Variable so tests can shrink
// it.
var renewInterval = LeaseTTL / 3

// JobQueue is the queue surface a runner consumes; *Queue satisfies it
// and tests substitute an in-memory fake.
type JobQueue interface {
	Dequeue(ctx context.Context, owner string, partitions []int) (*types.QueuedJob, error)
	Ack(ctx context.Context, job *types.QueuedJob, result string) error
	Fail(ctx context.Context, job *types.QueuedJob, cause error) error
	Nack(ctx context.Context, job *types.QueuedJob) error
	Renew(ctx context.Context, job *types.QueuedJob) error
	ReapStalled(ctx context.Context) (int, error)
}

// Runner is a worker-mode process: it leases jobs for its owned
// partitions, downloads the image, produces the description, persists
// the result document, and acks. Failures flow back through the queue's
// retry schedule.
type Runner struct {
	queue      JobQueue
	objects    storage.ObjectStore
	describer  describe.Describer
	workerID   string
	partitions []int
	slots      int
	logger     zerolog.Logger
}

// RunnerOptions configures NewRunner.
type RunnerOptions struct {
	WorkerID   string
	Partitions []int
	Slots      int // concurrent jobs; defaults to 1
}

// NewRunner builds a runner over its queue, object store, and describer.
func NewRunner(q JobQueue, objects storage.ObjectStore, d describe.Describer, opts RunnerOptions) (*Runner, error) {
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if len(opts.Partitions) == 0 {
		return nil, fmt.Errorf("worker must own at least one partition")
	}
	slots := opts.Slots
	if slots <= 0 {
		slots = 1
	}
	return &Runner{
		queue:      q,
		objects:    objects,
		describer:  d,
		workerID:   opts.WorkerID,
		partitions: opts.Partitions,
		slots:      slots,
		logger:     log.WithWorkerID(opts.WorkerID),
	}, nil
}

// Run processes jobs until ctx is canceled, then drains in-flight work.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Ints("partitions", r.partitions).
		Int("slots", r.slots).
		Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < r.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reapLoop(ctx)
	}()

	wg.Wait()
	r.logger.Info().Msg("worker stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.queue.Dequeue(ctx, r.workerID, r.partitions)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("dequeue failed")
			r.sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			r.sleep(ctx, pollInterval)
			continue
		}

		r.process(ctx, job)
	}
}

// process runs one leased job to a queue-visible outcome.
func (r *Runner) process(ctx context.Context, job *types.QueuedJob) {
	taskLog := r.logger.With().Str("task", job.Task.ID).Int("partition", job.Task.Partition).Logger()

	if !r.owns(job.Task.Partition) {
		// Routed here by a stale partition map; hand it back untouched.
		taskLog.Warn().Msg("job for unowned partition returned to queue")
		if err := r.queue.Nack(ctx, job); err != nil {
			taskLog.Error().Err(err).Msg("nack failed")
		}
		return
	}

	// The describe call may outlive the lease by an order of magnitude;
	// heartbeat until the job reaches its terminal call.
	hb := r.startHeartbeat(ctx, job)
	defer hb.stop()

	start := time.Now()
	description, err := r.describeJob(ctx, job)
	if err != nil {
		taskLog.Error().Err(err).Int("attempts", job.Attempts).Msg("job attempt failed")
		r.finalizeFailure(ctx, taskLog, job, err)
		return
	}
	elapsed := time.Since(start)

	if err := r.persistResult(ctx, job, description, elapsed); err != nil {
		// The description exists but its document does not; charge the
		// attempt so a retry rebuilds both.
		taskLog.Error().Err(err).Msg("failed to persist result")
		r.finalizeFailure(ctx, taskLog, job, err)
		return
	}

	hb.stop()
	if err := r.queue.Ack(ctx, job, description); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			taskLog.Warn().Msg("lease lost before ack, result discarded")
			return
		}
		taskLog.Error().Err(err).Msg("ack failed")
		return
	}
	taskLog.Info().Dur("elapsed", elapsed).Msg("job completed")
}

// finalizeFailure records a failed attempt unless the lease was lost,
// in which case the outcome belongs to whoever holds the job now.
func (r *Runner) finalizeFailure(ctx context.Context, taskLog zerolog.Logger, job *types.QueuedJob, cause error) {
	if err := r.queue.Fail(ctx, job, cause); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			taskLog.Warn().Msg("lease lost before failure could be recorded")
			return
		}
		taskLog.Error().Err(err).Msg("failed to record job failure")
	}
}

// heartbeat keeps one leased job alive while the worker holds it.
type heartbeat struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

func (r *Runner) startHeartbeat(ctx context.Context, job *types.QueuedJob) *heartbeat {
	hb := &heartbeat{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go func() {
		defer close(hb.doneCh)
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hb.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Renew(ctx, job); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						// Ack/Fail will observe the loss and discard.
						return
					}
					r.logger.Error().Err(err).Str("task", job.Task.ID).Msg("lease renewal failed")
				}
			}
		}
	}()
	return hb
}

// describeJob fetches the image and runs the model on it.
func (r *Runner) describeJob(ctx context.Context, job *types.QueuedJob) (string, error) {
	image := job.Task.Payload
	if len(image) == 0 {
		if job.Task.ObjectKey == "" {
			return "", types.NewKindError(types.ErrKindInvalidInput,
				errors.New("job carries neither payload nor object key"))
		}
		data, err := r.objects.GetObject(ctx, config.ImagesBucket, job.Task.ObjectKey)
		if err != nil {
			return "", err
		}
		image = data
	}
	return r.describer.Describe(ctx, image)
}

// persistResult writes the result document to the results bucket.
func (r *Runner) persistResult(ctx context.Context, job *types.QueuedJob, description string, elapsed time.Duration) error {
	doc := types.StoredResult{
		Description:    description,
		Partition:      job.Task.Partition,
		WorkerID:       r.workerID,
		ProcessingTime: elapsed.Milliseconds(),
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal result for %s: %w", job.Task.ID, err)
	}
	return r.objects.PutObject(ctx, config.ResultsBucket,
		storage.ResultObjectKey(job.Task.ID), data, "application/json", nil)
}

func (r *Runner) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.ReapStalled(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("stall sweep failed")
				continue
			}
			if n > 0 {
				r.logger.Info().Int("reaped", n).Msg("stalled leases swept")
			}
		}
	}
}

func (r *Runner) owns(partition int) bool {
	for _, p := range r.partitions {
		if p == partition {
			return true
		}
	}
	return false
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
