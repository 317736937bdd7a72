package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/metrics"
	"github.com/visionq/visionq/pkg/types"
)

const (
	keyPrefix    = "visionq"
	delayedKey   = keyPrefix + ":delayed"
	leasesKey    = keyPrefix + ":leases"
	completedKey = keyPrefix + ":completed"
	failedKey    = keyPrefix + ":failed"

	// MaxAttempts is the total execution attempts before a job fails
	// terminally.
	MaxAttempts = 3

	// MaxStalls is how many expired leases a job survives before it is
	// failed terminally without another execution.
	MaxStalls = 3

	// LeaseTTL is how long a dequeued job may run before its lease is
	// considered stalled.
	LeaseTTL = 30 * time.Second

	// NackDelay reschedules a mis-routed job without charging an attempt.
	NackDelay = 2 * time.Second

	// Retention caps for the terminal lists.
	completedRetention = 1000
	failedRetention    = 5000

	normalBackoffBase = 2 * time.Second
	highBackoffBase   = 1 * time.Second
)

// dequeue order: high before normal within every owned partition.
var priorityOrder = []types.Priority{types.PriorityHigh, types.PriorityNormal}

// ErrLeaseLost means the caller's lease was reaped or reassigned while
// it held the job; the job's outcome is owned by someone else now and
// the caller must discard its result.
var ErrLeaseLost = errors.New("job lease no longer held")

// Queue is the Redis-backed distributed job queue. Jobs live as JSON
// documents under a per-job key; ready work sits in per-partition,
// per-priority lists so workers only ever pop partitions they own.
// Delayed retries wait in a sorted set scored by their next-attempt
// time, and live leases in a sorted set scored by expiry.
type Queue struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis at the given URL (redis://host:port/db).
func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Queue{
		client: redis.NewClient(opts),
		logger: log.WithComponent("queue"),
	}, nil
}

// Ping verifies the Redis connection; used by the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func readyKey(partition int, priority types.Priority) string {
	return fmt.Sprintf("%s:ready:%d:%s", keyPrefix, partition, priority)
}

func jobKey(id string) string {
	return keyPrefix + ":job:" + id
}

// backoffDelay is the retry schedule: base doubles with every attempt
// already consumed, and high-priority jobs come back twice as fast.
func backoffDelay(priority types.Priority, attempts int) time.Duration {
	base := normalBackoffBase
	if priority == types.PriorityHigh {
		base = highBackoffBase
	}
	return base * (1 << attempts)
}

// Enqueue stores the job document and pushes it onto its partition's
// ready list.
func (q *Queue) Enqueue(ctx context.Context, task types.Task) error {
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	job := &types.QueuedJob{
		Task:       task,
		Priority:   task.Priority,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.LPush(ctx, readyKey(task.Partition, job.Priority), task.ID).Err(); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(job.Priority)).Inc()
	q.logger.Debug().
		Str("job", task.ID).
		Int("partition", task.Partition).
		Str("priority", string(job.Priority)).
		Msg("job enqueued")
	return nil
}

// Dequeue claims the next job for one of the owner's partitions, high
// priority first, and opens a lease on it. Returns nil when nothing is
// ready.
func (q *Queue) Dequeue(ctx context.Context, owner string, partitions []int) (*types.QueuedJob, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	for _, prio := range priorityOrder {
		for _, part := range partitions {
			id, err := q.client.RPop(ctx, readyKey(part, prio)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, types.NewKindError(types.ErrKindQueueUnavailable, err)
			}

			job, err := q.loadJob(ctx, id)
			if err != nil {
				if errors.Is(err, types.ErrNotFound) {
					// Document gone but id still listed; skip it.
					q.logger.Warn().Str("job", id).Msg("dangling queue entry dropped")
					continue
				}
				return nil, err
			}

			job.LeaseOwner = owner
			job.LeaseExpiry = time.Now().UTC().Add(LeaseTTL)
			if err := q.saveJob(ctx, job); err != nil {
				return nil, err
			}
			if err := q.client.ZAdd(ctx, leasesKey, redis.Z{
				Score:  float64(job.LeaseExpiry.Unix()),
				Member: id,
			}).Err(); err != nil {
				return nil, types.NewKindError(types.ErrKindQueueUnavailable, err)
			}
			return job, nil
		}
	}
	return nil, nil
}

// Renew extends the caller's lease by another LeaseTTL. Workers
// heartbeat through this while a describe call runs, so a healthy
// in-flight job is never swept as stalled. Returns ErrLeaseLost when
// the lease was reaped out from under the caller.
func (q *Queue) Renew(ctx context.Context, job *types.QueuedJob) error {
	if err := q.verifyLease(ctx, job); err != nil {
		return err
	}
	job.LeaseExpiry = time.Now().UTC().Add(LeaseTTL)
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, leasesKey, redis.Z{
		Score:  float64(job.LeaseExpiry.Unix()),
		Member: job.Task.ID,
	}).Err(); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	return nil
}

// verifyLease confirms the stored job still names the caller as lease
// owner. A reaped job has been requeued (owner cleared) or finalized
// (document gone); either way the caller's outcome must not land.
func (q *Queue) verifyLease(ctx context.Context, job *types.QueuedJob) error {
	if job.LeaseOwner == "" {
		return ErrLeaseLost
	}
	current, err := q.loadJob(ctx, job.Task.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return ErrLeaseLost
		}
		return err
	}
	if current.LeaseOwner != job.LeaseOwner {
		return ErrLeaseLost
	}
	return nil
}

// Ack records a successful completion: the job moves to the capped
// completed list and its lease and live document are released. The
// caller must still own the lease; a stale holder gets ErrLeaseLost
// so one submission never records two terminal outcomes.
func (q *Queue) Ack(ctx context.Context, job *types.QueuedJob, result string) error {
	if err := q.verifyLease(ctx, job); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.Result = result
	job.LeaseOwner = ""
	job.LeaseExpiry = time.Time{}

	return q.finalize(ctx, job, completedKey, completedRetention)
}

// Fail charges one attempt against the job. Until MaxAttempts it is
// rescheduled with exponential backoff; after that it lands on the
// capped failed list. A non-retryable kind fails terminally at once.
// Like Ack, it refuses to act for a caller whose lease was lost.
func (q *Queue) Fail(ctx context.Context, job *types.QueuedJob, cause error) error {
	if err := q.verifyLease(ctx, job); err != nil {
		return err
	}
	kind := types.KindOf(cause)
	delay := backoffDelay(job.Priority, job.Attempts)
	job.Attempts++
	job.LeaseOwner = ""
	job.LeaseExpiry = time.Time{}
	job.Error = cause.Error()

	if job.Attempts >= MaxAttempts || !kind.Retryable() {
		now := time.Now().UTC()
		job.CompletedAt = &now
		q.logger.Warn().
			Str("job", job.Task.ID).
			Int("attempts", job.Attempts).
			Str("kind", string(kind)).
			Msg("job failed terminally")
		return q.finalize(ctx, job, failedKey, failedRetention)
	}

	metrics.JobRetries.Inc()
	q.logger.Debug().
		Str("job", job.Task.ID).
		Int("attempts", job.Attempts).
		Dur("delay", delay).
		Msg("job scheduled for retry")
	return q.schedule(ctx, job, time.Now().UTC().Add(delay))
}

// Nack returns a job the worker cannot serve (a partition it no longer
// owns) to the delayed set without charging an attempt.
func (q *Queue) Nack(ctx context.Context, job *types.QueuedJob) error {
	job.LeaseOwner = ""
	job.LeaseExpiry = time.Time{}
	return q.schedule(ctx, job, time.Now().UTC().Add(NackDelay))
}

// ReapStalled requeues jobs whose lease expired without an ack. A job
// that stalls MaxStalls times is failed terminally instead of being
// handed out again.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	ids, err := q.client.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, types.NewKindError(types.ErrKindQueueUnavailable, err)
	}

	reaped := 0
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				q.client.ZRem(ctx, leasesKey, id)
				continue
			}
			return reaped, err
		}

		job.Stalls++
		job.LeaseOwner = ""
		job.LeaseExpiry = time.Time{}
		metrics.JobStalls.Inc()

		if job.Stalls >= MaxStalls {
			job.Error = fmt.Sprintf("stalled %d times", job.Stalls)
			completedAt := now
			job.CompletedAt = &completedAt
			q.logger.Warn().Str("job", id).Int("stalls", job.Stalls).Msg("stalled job failed terminally")
			if err := q.finalize(ctx, job, failedKey, failedRetention); err != nil {
				return reaped, err
			}
		} else {
			q.logger.Warn().Str("job", id).Int("stalls", job.Stalls).Msg("stalled job requeued")
			if err := q.saveJob(ctx, job); err != nil {
				return reaped, err
			}
			if err := q.client.LPush(ctx, readyKey(job.Task.Partition, job.Priority), id).Err(); err != nil {
				return reaped, types.NewKindError(types.ErrKindQueueUnavailable, err)
			}
			if err := q.client.ZRem(ctx, leasesKey, id).Err(); err != nil {
				return reaped, types.NewKindError(types.ErrKindQueueUnavailable, err)
			}
		}
		reaped++
	}
	return reaped, nil
}

// Depth reports ready-list lengths per priority across the given
// partitions, and refreshes the queue-depth gauges.
func (q *Queue) Depth(ctx context.Context, partitions []int) (map[types.Priority]int64, error) {
	depths := make(map[types.Priority]int64, len(priorityOrder))
	for _, prio := range priorityOrder {
		var total int64
		for _, part := range partitions {
			n, err := q.client.LLen(ctx, readyKey(part, prio)).Result()
			if err != nil {
				return nil, types.NewKindError(types.ErrKindQueueUnavailable, err)
			}
			total += n
		}
		depths[prio] = total
		metrics.QueueDepth.WithLabelValues(string(prio)).Set(float64(total))
	}
	return depths, nil
}

// Completed returns up to limit of the most recent completed jobs.
func (q *Queue) Completed(ctx context.Context, limit int64) ([]*types.QueuedJob, error) {
	return q.terminalList(ctx, completedKey, limit)
}

// Failed returns up to limit of the most recent terminally failed jobs.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]*types.QueuedJob, error) {
	return q.terminalList(ctx, failedKey, limit)
}

func (q *Queue) terminalList(ctx context.Context, key string, limit int64) ([]*types.QueuedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	jobs := make([]*types.QueuedJob, 0, len(raw))
	for _, doc := range raw {
		var job types.QueuedJob
		if err := json.Unmarshal([]byte(doc), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// schedule parks the job in the delayed set until at.
func (q *Queue) schedule(ctx context.Context, job *types.QueuedJob, at time.Time) error {
	job.NextAttempt = at
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: job.Task.ID,
	}).Err(); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	return q.clearLease(ctx, job.Task.ID)
}

// promoteDelayed moves due retries back onto their ready lists.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				q.client.ZRem(ctx, delayedKey, id)
				continue
			}
			return err
		}
		if err := q.client.LPush(ctx, readyKey(job.Task.Partition, job.Priority), id).Err(); err != nil {
			return types.NewKindError(types.ErrKindQueueUnavailable, err)
		}
		if err := q.client.ZRem(ctx, delayedKey, id).Err(); err != nil {
			return types.NewKindError(types.ErrKindQueueUnavailable, err)
		}
	}
	return nil
}

// finalize pushes the job onto a capped terminal list and removes its
// live document and lease.
func (q *Queue) finalize(ctx context.Context, job *types.QueuedJob, key string, retention int64) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.Task.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, key, doc)
	pipe.LTrim(ctx, key, 0, retention-1)
	pipe.Del(ctx, jobKey(job.Task.ID))
	pipe.ZRem(ctx, leasesKey, job.Task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	return nil
}

func (q *Queue) saveJob(ctx context.Context, job *types.QueuedJob) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.Task.ID, err)
	}
	if err := q.client.Set(ctx, jobKey(job.Task.ID), doc, 0).Err(); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*types.QueuedJob, error) {
	doc, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	var job types.QueuedJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) clearLease(ctx context.Context, id string) error {
	if err := q.client.ZRem(ctx, leasesKey, id).Err(); err != nil {
		return types.NewKindError(types.ErrKindQueueUnavailable, err)
	}
	return nil
}
