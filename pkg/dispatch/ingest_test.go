package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/events"
	"github.com/visionq/visionq/pkg/partition"
	"github.com/visionq/visionq/pkg/storage"
	"github.com/visionq/visionq/pkg/types"
)

// memObjects is an in-memory ObjectStore recording uploads.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	failAt  int // fail the nth put (1-based); 0 disables
	puts    int
}

func newMemObjects() *memObjects {
	return &memObjects{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (m *memObjects) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failAt > 0 && m.puts == m.failAt {
		return types.NewKindError(types.ErrKindStorageUnavailable, context.DeadlineExceeded)
	}
	m.objects[bucket+"/"+key] = data
	m.meta[bucket+"/"+key] = metadata
	return nil
}

func (m *memObjects) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, error) {
	out := make(chan storage.ObjectInfo)
	close(out)
	return out, nil
}

func (m *memObjects) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return "", nil
}

func (m *memObjects) RemoveObject(ctx context.Context, bucket, key string) error { return nil }

func (m *memObjects) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return true, nil
}

func (m *memObjects) MakeBucket(ctx context.Context, bucket, region string) error { return nil }

func (m *memObjects) SetBucketPolicy(ctx context.Context, bucket, policy string) error { return nil }

// captureEnqueuer records every task handed to the distributed queue.
type captureEnqueuer struct {
	mu    sync.Mutex
	tasks []types.Task
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, task types.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return nil
}

func TestIngestStreamsProgressAndComplete(t *testing.T) {
	pt, err := partition.New(8, 2)
	require.NoError(t, err)
	objects := newMemObjects()
	enq := &captureEnqueuer{}
	ledger, err := storage.NewLedger(t.TempDir())
	require.NoError(t, err)
	defer ledger.Close()

	ing := NewIngestor(objects, pt, enq, ledger)
	buf := &syncBuffer{}

	ing.Ingest(context.Background(), IngestRequest{
		Dataset:   "cifar-sample",
		BatchSize: 2,
		Items:     items("a", "b", "c", "d", "e"),
	}, events.NewWriterStream(buf))

	evs := decodeEvents(t, buf.String())

	var progress []map[string]any
	var complete map[string]any
	for _, ev := range evs {
		switch ev["type"] {
		case "progress":
			progress = append(progress, ev["progress"].(map[string]any))
		case "complete":
			complete = ev["complete"].(map[string]any)
		case "error":
			t.Fatalf("unexpected error event: %v", ev)
		}
	}

	// Five images at batch size two means three batches.
	require.Len(t, progress, 3)
	assert.Equal(t, 1.0, progress[0]["batchIndex"])
	assert.Equal(t, 3.0, progress[0]["totalBatches"])
	assert.Equal(t, 2.0, progress[0]["batchSize"])
	assert.Equal(t, 1.0, progress[2]["batchSize"])
	assert.Equal(t, 5.0, progress[2]["totalIngested"])

	require.NotNil(t, complete)
	assert.Equal(t, 5.0, complete["totalIngested"])
	assert.Equal(t, "cifar-sample", complete["datasetName"])

	// Every image landed in the images bucket under its partition prefix.
	objects.mu.Lock()
	assert.Len(t, objects.objects, 5)
	for key, meta := range objects.meta {
		assert.True(t, strings.HasPrefix(key, config.ImagesBucket+"/partition-"), key)
		assert.Equal(t, "cifar-sample", meta["dataset"])
	}
	objects.mu.Unlock()

	// And each was handed to the distributed queue with its object key,
	// at normal priority when the request names none.
	require.Len(t, enq.tasks, 5)
	for _, task := range enq.tasks {
		assert.NotEmpty(t, task.ObjectKey)
		assert.Equal(t, pt.Partition(task.ID), task.Partition)
		assert.Equal(t, types.PriorityNormal, task.Priority)
	}

	// The run is on the ledger.
	rec, err := ledger.GetIngest("cifar-sample")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.TotalIngested)
	assert.Equal(t, 2, rec.BatchSize)
}

func TestIngestHighPriority(t *testing.T) {
	pt, err := partition.New(8, 2)
	require.NoError(t, err)
	enq := &captureEnqueuer{}
	ing := NewIngestor(newMemObjects(), pt, enq, nil)

	buf := &syncBuffer{}
	ing.Ingest(context.Background(), IngestRequest{
		Dataset:  "urgent",
		Priority: types.PriorityHigh,
		Items:    items("a", "b"),
	}, events.NewWriterStream(buf))

	require.Len(t, enq.tasks, 2)
	for _, task := range enq.tasks {
		assert.Equal(t, types.PriorityHigh, task.Priority)
	}
}

func TestIngestRejectsUnknownPriority(t *testing.T) {
	pt, err := partition.New(8, 2)
	require.NoError(t, err)
	enq := &captureEnqueuer{}
	ing := NewIngestor(newMemObjects(), pt, enq, nil)

	buf := &syncBuffer{}
	ing.Ingest(context.Background(), IngestRequest{
		Dataset:  "typo",
		Priority: types.Priority("urgent"),
		Items:    items("a"),
	}, events.NewWriterStream(buf))

	evs := decodeEvents(t, buf.String())
	require.Len(t, evs, 1)
	assert.Equal(t, "error", evs[0]["type"])
	assert.Empty(t, enq.tasks)
}

func TestIngestEmptyRequest(t *testing.T) {
	pt, err := partition.New(8, 2)
	require.NoError(t, err)
	ing := NewIngestor(newMemObjects(), pt, nil, nil)

	buf := &syncBuffer{}
	ing.Ingest(context.Background(), IngestRequest{Dataset: "empty"}, events.NewWriterStream(buf))

	evs := decodeEvents(t, buf.String())
	require.Len(t, evs, 1)
	assert.Equal(t, "error", evs[0]["type"])
}

func TestIngestStorageFailureIsTerminal(t *testing.T) {
	pt, err := partition.New(8, 2)
	require.NoError(t, err)
	objects := newMemObjects()
	objects.failAt = 3
	ing := NewIngestor(objects, pt, nil, nil)

	buf := &syncBuffer{}
	ing.Ingest(context.Background(), IngestRequest{
		Dataset:   "flaky",
		BatchSize: 10,
		Items:     items("a", "b", "c", "d"),
	}, events.NewWriterStream(buf))

	evs := decodeEvents(t, buf.String())
	last := evs[len(evs)-1]
	assert.Equal(t, "error", last["type"])
	for _, ev := range evs {
		assert.NotEqual(t, "complete", ev["type"])
	}
}
