package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/storage"
	"github.com/visionq/visionq/pkg/types"
)

// fakeJobQueue hands out a fixed set of jobs once and records outcomes.
type fakeJobQueue struct {
	mu      sync.Mutex
	jobs    []*types.QueuedJob
	acked   []*types.QueuedJob
	failed  []*types.QueuedJob
	causes  []error
	nacked  []*types.QueuedJob
	results []string
	renews  int
	renewEr error
	ackErr  error
}

func (f *fakeJobQueue) Dequeue(ctx context.Context, owner string, partitions []int) (*types.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	job.LeaseOwner = owner
	return job, nil
}

func (f *fakeJobQueue) Ack(ctx context.Context, job *types.QueuedJob, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, job)
	f.results = append(f.results, result)
	return nil
}

func (f *fakeJobQueue) Renew(ctx context.Context, job *types.QueuedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return f.renewEr
}

func (f *fakeJobQueue) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

func (f *fakeJobQueue) Fail(ctx context.Context, job *types.QueuedJob, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Error = cause.Error()
	f.failed = append(f.failed, job)
	f.causes = append(f.causes, cause)
	return nil
}

func (f *fakeJobQueue) Nack(ctx context.Context, job *types.QueuedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, job)
	return nil
}

func (f *fakeJobQueue) ReapStalled(ctx context.Context) (int, error) {
	return 0, nil
}

func (f *fakeJobQueue) counts() (acked, failed, nacked int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked), len(f.failed), len(f.nacked)
}

// memObjectStore is an in-memory ObjectStore for runner tests.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) key(bucket, key string) string { return bucket + "/" + key }

func (m *memObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(bucket, key)] = data
	return nil
}

func (m *memObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.key(bucket, key)]
	if !ok {
		return nil, types.NewKindError(types.ErrKindStorageUnavailable, errors.New("no such object"))
	}
	return data, nil
}

func (m *memObjectStore) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, error) {
	out := make(chan storage.ObjectInfo)
	close(out)
	return out, nil
}

func (m *memObjectStore) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "http://example.invalid/" + m.key(bucket, key), nil
}

func (m *memObjectStore) RemoveObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, m.key(bucket, key))
	return nil
}

func (m *memObjectStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return true, nil
}

func (m *memObjectStore) MakeBucket(ctx context.Context, bucket, region string) error { return nil }

func (m *memObjectStore) SetBucketPolicy(ctx context.Context, bucket, policy string) error {
	return nil
}

// fixedDescriber answers every image with the same text, or an error,
// after an optional delay.
type fixedDescriber struct {
	text  string
	err   error
	delay time.Duration
}

func (d *fixedDescriber) Describe(ctx context.Context, image []byte) (string, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.text, d.err
}

func queuedJob(id string, partition int) *types.QueuedJob {
	return &types.QueuedJob{
		Task: types.Task{
			ID:        id,
			ObjectKey: "partition-0/test-" + id + ".jpg",
			Partition: partition,
			Priority:  types.PriorityNormal,
		},
		Priority: types.PriorityNormal,
	}
}

func runUntil(t *testing.T, r *Runner, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestNewRunnerValidation(t *testing.T) {
	q := &fakeJobQueue{}
	objects := newMemObjectStore()
	d := &fixedDescriber{text: "a cat"}

	_, err := NewRunner(q, objects, d, RunnerOptions{Partitions: []int{0}})
	require.Error(t, err)

	_, err = NewRunner(q, objects, d, RunnerOptions{WorkerID: "worker-1"})
	require.Error(t, err)

	r, err := NewRunner(q, objects, d, RunnerOptions{WorkerID: "worker-1", Partitions: []int{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.slots)
}

func TestRunnerCompletesJob(t *testing.T) {
	job := queuedJob("img-1", 0)
	q := &fakeJobQueue{jobs: []*types.QueuedJob{job}}
	objects := newMemObjectStore()
	require.NoError(t, objects.PutObject(context.Background(), config.ImagesBucket, job.Task.ObjectKey, []byte("jpeg bytes"), "image/jpeg", nil))

	r, err := NewRunner(q, objects, &fixedDescriber{text: "a red bicycle"}, RunnerOptions{
		WorkerID:   "worker-1",
		Partitions: []int{0},
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		acked, _, _ := q.counts()
		return acked == 1
	})

	assert.Equal(t, []string{"a red bicycle"}, q.results)

	// The result document landed in the results bucket.
	doc, err := objects.GetObject(context.Background(), config.ResultsBucket, storage.ResultObjectKey("img-1"))
	require.NoError(t, err)
	var stored types.StoredResult
	require.NoError(t, json.Unmarshal(doc, &stored))
	assert.Equal(t, "a red bicycle", stored.Description)
	assert.Equal(t, 0, stored.Partition)
	assert.Equal(t, "worker-1", stored.WorkerID)
	assert.False(t, stored.Timestamp.IsZero())
}

func TestRunnerFailsJobOnDescribeError(t *testing.T) {
	job := queuedJob("img-1", 0)
	q := &fakeJobQueue{jobs: []*types.QueuedJob{job}}
	objects := newMemObjectStore()
	require.NoError(t, objects.PutObject(context.Background(), config.ImagesBucket, job.Task.ObjectKey, []byte("jpeg bytes"), "image/jpeg", nil))

	cause := types.NewKindError(types.ErrKindDescribeTransient, errors.New("model busy"))
	r, err := NewRunner(q, objects, &fixedDescriber{err: cause}, RunnerOptions{
		WorkerID:   "worker-1",
		Partitions: []int{0},
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		_, failed, _ := q.counts()
		return failed == 1
	})

	assert.Contains(t, q.failed[0].Error, "model busy")
}

func TestRunnerNacksUnownedPartition(t *testing.T) {
	// A stale partition map can hand a worker someone else's job; it
	// must go back without an attempt charged.
	job := queuedJob("img-1", 5)
	q := &fakeJobQueue{jobs: []*types.QueuedJob{job}}

	r, err := NewRunner(q, newMemObjectStore(), &fixedDescriber{text: "x"}, RunnerOptions{
		WorkerID:   "worker-1",
		Partitions: []int{0, 1},
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		_, _, nacked := q.counts()
		return nacked == 1
	})

	assert.Equal(t, 0, q.nacked[0].Attempts)
}

func TestRunnerFailsJobWithoutPayloadOrKey(t *testing.T) {
	job := queuedJob("img-1", 0)
	job.Task.ObjectKey = ""
	q := &fakeJobQueue{jobs: []*types.QueuedJob{job}}

	r, err := NewRunner(q, newMemObjectStore(), &fixedDescriber{text: "x"}, RunnerOptions{
		WorkerID:   "worker-1",
		Partitions: []int{0},
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		_, failed, _ := q.counts()
		return failed == 1
	})

	assert.Equal(t, types.ErrKindInvalidInput, types.KindOf(q.causes[0]))
}

func TestRunnerHeartbeatsLongDescribe(t *testing.T) {
	old := renewInterval
	renewInterval = 10 * time.Millisecond
	defer func() { renewInterval = old }()

	job := queuedJob("img-1", 0)
	q := &fakeJobQueue{jobs: []*types.QueuedJob{job}}
	objects := newMemObjectStore()
	require.NoError(t, objects.PutObject(context.Background(), config.ImagesBucket, job.Task.ObjectKey, []byte("jpeg bytes"), "image/jpeg", nil))

	// A describe call several renewal intervals long must keep the
	// lease alive the whole time.
	r, err := NewRunner(q, objects, &fixedDescriber{text: "a slow cat", delay: 60 * time.Millisecond}, RunnerOptions{
		WorkerID:   "worker-1",
		Partitions: []int{0},
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		acked, _, _ := q.counts()
		return acked == 1
	})

	assert.GreaterOrEqual(t, q.renewCount(), 2)
}

func TestRunnerDiscardsResultWhenLeaseLost(t *testing.T) {
	old := renewInterval
	renewInterval = 10 * time.Millisecond
	defer func() { renewInterval = old }()

	job := queuedJob("img-1", 0)
	q := &fakeJobQueue{
		jobs:    []*types.QueuedJob{job},
		renewEr: ErrLeaseLost,
		ackErr:  ErrLeaseLost,
	}
	objects := newMemObjectStore()
	require.NoError(t, objects.PutObject(context.Background(), config.ImagesBucket, job.Task.ObjectKey, []byte("jpeg bytes"), "image/jpeg", nil))

	r, err := NewRunner(q, objects, &fixedDescriber{text: "x", delay: 40 * time.Millisecond}, RunnerOptions{
		WorkerID:   "worker-1",
		Partitions: []int{0},
	})
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		return q.renewCount() >= 1
	})

	// No terminal outcome lands from this worker; the reaped job's
	// fate belongs to its next holder.
	time.Sleep(100 * time.Millisecond)
	acked, failed, _ := q.counts()
	assert.Zero(t, acked)
	assert.Zero(t, failed)
}
