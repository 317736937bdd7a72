package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionq/visionq/pkg/events"
	"github.com/visionq/visionq/pkg/partition"
	"github.com/visionq/visionq/pkg/pool"
	"github.com/visionq/visionq/pkg/storage"
)

// slowDescriber answers after a fixed delay, or errors for ids listed
// in fail.
type slowDescriber struct {
	delay time.Duration
	fail  map[string]bool
	mu    sync.Mutex
}

func (d *slowDescriber) Describe(ctx context.Context, image []byte) (string, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[string(image)] {
		return "", errors.New("model refused")
	}
	return "a description of " + string(image), nil
}

// syncBuffer lets the completion goroutines and the test share one
// capture buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newDispatcher(t *testing.T, workers int, d *slowDescriber) *Dispatcher {
	t.Helper()
	pt, err := partition.New(8, 2)
	require.NoError(t, err)
	p, err := pool.New(workers, d)
	require.NoError(t, err)
	return New(p, storage.NewShardStore(pt, 10000))
}

func decodeEvents(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range strings.Split(raw, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func items(ids ...string) []BatchItem {
	out := make([]BatchItem, len(ids))
	for i, id := range ids {
		out[i] = BatchItem{ID: id, Filename: id + ".jpg", Data: []byte(id)}
	}
	return out
}

func TestProcessBatchEventOrder(t *testing.T) {
	disp := newDispatcher(t, 2, &slowDescriber{delay: 10 * time.Millisecond})
	buf := &syncBuffer{}
	stream := events.NewWriterStream(buf)

	disp.ProcessBatch(context.Background(), items("a", "b", "c"), stream)

	evs := decodeEvents(t, buf.String())
	require.NotEmpty(t, evs)

	// First event is the initial stats frame.
	assert.Equal(t, "stats", evs[0]["type"])
	assert.Equal(t, 3.0, evs[0]["stats"].(map[string]any)["total"])
	assert.Equal(t, 3.0, evs[0]["stats"].(map[string]any)["pending"])

	var processing, terminal int
	var finalLog bool
	for _, ev := range evs {
		switch ev["type"] {
		case "result":
			if ev["status"] == "processing" {
				processing++
				assert.NotNil(t, ev["workerThread"])
				assert.NotNil(t, ev["partition"])
			} else {
				terminal++
			}
		case "stats":
			s := ev["stats"].(map[string]any)
			sum := s["pending"].(float64) + s["processing"].(float64) +
				s["completed"].(float64) + s["errors"].(float64)
			assert.Equal(t, s["total"], sum, "stats invariant violated: %v", s)
		case "log":
			if ev["logType"] == "success" {
				finalLog = true
			}
		}
	}
	assert.Equal(t, 3, processing)
	assert.Equal(t, 3, terminal)
	assert.True(t, finalLog)

	// The success log is the last frame on the stream.
	last := evs[len(evs)-1]
	assert.Equal(t, "log", last["type"])
	assert.Equal(t, "success", last["logType"])
}

func TestProcessingPrecedesTerminalPerTask(t *testing.T) {
	disp := newDispatcher(t, 4, &slowDescriber{delay: 5 * time.Millisecond})
	buf := &syncBuffer{}
	stream := events.NewWriterStream(buf)

	disp.ProcessBatch(context.Background(), items("a", "b", "c", "d", "e"), stream)

	seenProcessing := map[string]bool{}
	for _, ev := range decodeEvents(t, buf.String()) {
		if ev["type"] != "result" {
			continue
		}
		id := ev["id"].(string)
		if ev["status"] == "processing" {
			seenProcessing[id] = true
		} else {
			assert.True(t, seenProcessing[id], "terminal result for %s before its processing event", id)
		}
	}
}

func TestProcessBatchEmptyBatch(t *testing.T) {
	disp := newDispatcher(t, 2, &slowDescriber{})
	buf := &syncBuffer{}
	stream := events.NewWriterStream(buf)

	disp.ProcessBatch(context.Background(), nil, stream)

	evs := decodeEvents(t, buf.String())
	require.NotEmpty(t, evs)
	assert.Equal(t, "stats", evs[0]["type"])
	assert.Equal(t, 0.0, evs[0]["stats"].(map[string]any)["total"])
	for _, ev := range evs {
		assert.NotEqual(t, "result", ev["type"])
	}
}

func TestProcessBatchDescribeErrors(t *testing.T) {
	d := &slowDescriber{fail: map[string]bool{"bad": true}}
	disp := newDispatcher(t, 2, d)
	buf := &syncBuffer{}
	stream := events.NewWriterStream(buf)

	disp.ProcessBatch(context.Background(), items("good", "bad"), stream)

	var completed, failed int
	for _, ev := range decodeEvents(t, buf.String()) {
		if ev["type"] != "result" {
			continue
		}
		switch ev["status"] {
		case "completed":
			completed++
			assert.NotEmpty(t, ev["description"])
		case "error":
			failed++
			assert.Contains(t, ev["error"], "model refused")
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
}

func TestProcessBatchPartitionFull(t *testing.T) {
	pt, err := partition.New(4, 1)
	require.NoError(t, err)
	p, err := pool.New(2, &slowDescriber{})
	require.NoError(t, err)
	// Capacity one: the second image landing on a partition is rejected
	// before submission.
	disp := New(p, storage.NewShardStore(pt, 1))

	// Find two ids that share a primary partition.
	first := "img-0"
	second := ""
	for i := 1; i < 100; i++ {
		id := fmt.Sprintf("img-%d", i)
		if pt.Partition(id) == pt.Partition(first) {
			second = id
			break
		}
	}
	require.NotEmpty(t, second)

	buf := &syncBuffer{}
	disp.ProcessBatch(context.Background(), items(first, second), events.NewWriterStream(buf))

	evs := decodeEvents(t, buf.String())
	var sawPartitionFull bool
	for _, ev := range evs {
		if ev["type"] == "result" && ev["status"] == "error" {
			sawPartitionFull = true
			assert.Contains(t, ev["error"], "partition full")
		}
	}
	assert.True(t, sawPartitionFull)

	// The final stats frame still balances.
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i]["type"] != "stats" {
			continue
		}
		s := evs[i]["stats"].(map[string]any)
		assert.Equal(t, 2.0, s["total"])
		assert.Equal(t, s["completed"].(float64)+s["errors"].(float64), 2.0)
		break
	}
}

func TestConcurrentBatchesShareOnePool(t *testing.T) {
	disp := newDispatcher(t, 4, &slowDescriber{delay: 10 * time.Millisecond})

	var wg sync.WaitGroup
	bufs := make([]*syncBuffer, 3)
	for i := range bufs {
		bufs[i] = &syncBuffer{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			disp.ProcessBatch(context.Background(),
				items(fmt.Sprintf("x%d", i), fmt.Sprintf("y%d", i)), events.NewWriterStream(bufs[i]))
		}(i)
	}
	wg.Wait()

	// Every batch sees exactly its own task ids.
	for i, buf := range bufs {
		ids := map[string]bool{}
		for _, ev := range decodeEvents(t, buf.String()) {
			if ev["type"] == "result" {
				ids[ev["id"].(string)] = true
			}
		}
		assert.Equal(t, map[string]bool{
			fmt.Sprintf("x%d", i): true,
			fmt.Sprintf("y%d", i): true,
		}, ids)
	}
}

func TestConcurrentBatchesReuseTaskIDs(t *testing.T) {
	// Task ids are caller-supplied, so two batches in flight at once may
	// legally carry the same id. Each stream must still receive its own
	// task's events, never the other batch's.
	disp := newDispatcher(t, 1, &slowDescriber{delay: 10 * time.Millisecond})

	var wg sync.WaitGroup
	bufs := make([]*syncBuffer, 2)
	for i := range bufs {
		bufs[i] = &syncBuffer{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			disp.ProcessBatch(context.Background(), items("dup"), events.NewWriterStream(bufs[i]))
		}(i)
	}
	wg.Wait()

	for i, buf := range bufs {
		var processing, terminal int
		for _, ev := range decodeEvents(t, buf.String()) {
			if ev["type"] != "result" {
				continue
			}
			require.Equal(t, "dup", ev["id"])
			if ev["status"] == "processing" {
				processing++
				assert.Zero(t, terminal, "batch %d: processing arrived after its terminal result", i)
			} else {
				terminal++
			}
		}
		assert.Equal(t, 1, processing, "batch %d", i)
		assert.Equal(t, 1, terminal, "batch %d", i)

		// The final stats frame accounts for exactly this batch's task.
		evs := decodeEvents(t, buf.String())
		for j := len(evs) - 1; j >= 0; j-- {
			if evs[j]["type"] != "stats" {
				continue
			}
			s := evs[j]["stats"].(map[string]any)
			assert.Equal(t, 1.0, s["total"])
			assert.Equal(t, 1.0, s["completed"].(float64)+s["errors"].(float64))
			break
		}
	}
}
