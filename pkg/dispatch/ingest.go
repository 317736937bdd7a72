package dispatch

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/visionq/visionq/pkg/config"
	"github.com/visionq/visionq/pkg/events"
	"github.com/visionq/visionq/pkg/log"
	"github.com/visionq/visionq/pkg/partition"
	"github.com/visionq/visionq/pkg/storage"
	"github.com/visionq/visionq/pkg/types"
)

// DefaultIngestBatchSize is used when the form omits batchSize.
const DefaultIngestBatchSize = 50

// Enqueuer is the queue surface the ingest path needs; nil disables
// the distributed hand-off and ingest becomes upload-only.
type Enqueuer interface {
	Enqueue(ctx context.Context, task types.Task) error
}

// Ingestor drives bulk dataset uploads: batch the images into the
// object store under partition-prefixed keys, optionally enqueue each
// one for distributed description, and record the run in the ledger.
type Ingestor struct {
	objects     storage.ObjectStore
	partitioner *partition.Partitioner
	queue       Enqueuer
	ledger      *storage.Ledger
	logger      zerolog.Logger
}

// NewIngestor builds the bulk-ingest path. queue and ledger may be nil.
func NewIngestor(objects storage.ObjectStore, pt *partition.Partitioner, queue Enqueuer, ledger *storage.Ledger) *Ingestor {
	return &Ingestor{
		objects:     objects,
		partitioner: pt,
		queue:       queue,
		ledger:      ledger,
		logger:      log.WithComponent("ingest"),
	}
}

// IngestRequest is one bulk upload.
type IngestRequest struct {
	Dataset   string
	BatchSize int
	Priority  types.Priority // queue priority for every item; empty means normal
	Items     []BatchItem
}

// Ingest uploads the request's images in batches, streaming a progress
// event per batch and a complete event at the end. A storage failure
// is terminal: the stream gets one error event and the run stops.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest, stream *events.Stream) {
	if len(req.Items) == 0 {
		stream.Send(events.Fatal(ErrEmptyBatch.Error()))
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if priority != types.PriorityNormal && priority != types.PriorityHigh {
		stream.Send(events.Fatal(fmt.Sprintf("unknown priority %q", req.Priority)))
		return
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultIngestBatchSize
	}

	total := len(req.Items)
	totalBatches := (total + batchSize - 1) / batchSize
	started := time.Now().UTC()

	stream.Send(events.Log(events.LogInfo,
		fmt.Sprintf("ingesting %s: %d images in %d batches", req.Dataset, total, totalBatches)))
	ing.logger.Info().
		Str("dataset", req.Dataset).
		Int("images", total).
		Int("batches", totalBatches).
		Msg("ingest started")

	ingested := 0
	for b := 0; b < totalBatches; b++ {
		lo := b * batchSize
		hi := lo + batchSize
		if hi > total {
			hi = total
		}

		for _, item := range req.Items[lo:hi] {
			if err := ing.ingestOne(ctx, req.Dataset, item, priority); err != nil {
				ing.logger.Error().Err(err).Str("image", item.Filename).Msg("ingest aborted")
				stream.Send(events.Fatal(fmt.Sprintf("ingest failed at image %s: %v", item.Filename, err)))
				return
			}
			ingested++
		}

		stream.Send(events.Progress(events.IngestProgress{
			BatchIndex:    b + 1,
			TotalBatches:  totalBatches,
			BatchSize:     hi - lo,
			TotalIngested: ingested,
			TotalImages:   total,
		}))
	}

	if ing.ledger != nil {
		rec := &types.IngestRecord{
			Dataset:       req.Dataset,
			TotalImages:   total,
			TotalIngested: ingested,
			BatchSize:     batchSize,
			StartedAt:     started,
			FinishedAt:    time.Now().UTC(),
		}
		if err := ing.ledger.RecordIngest(rec); err != nil {
			// The images are uploaded; a ledger miss is not worth
			// failing the run over.
			ing.logger.Warn().Err(err).Str("dataset", req.Dataset).Msg("ledger write failed")
		}
	}

	stream.Send(events.Completed(events.IngestComplete{
		TotalIngested: ingested,
		DatasetName:   req.Dataset,
		Message:       fmt.Sprintf("ingested %d images into %s", ingested, req.Dataset),
	}))
	ing.logger.Info().Str("dataset", req.Dataset).Int("ingested", ingested).Msg("ingest finished")
}

// ingestOne uploads a single image and hands it to the distributed
// queue when one is wired.
func (ing *Ingestor) ingestOne(ctx context.Context, dataset string, item BatchItem, priority types.Priority) error {
	part := ing.partitioner.Partition(item.ID)
	key := storage.ImageObjectKey(part, item.Filename, time.Now())

	metadata := map[string]string{
		"dataset":   dataset,
		"image-id":  item.ID,
		"partition": strconv.Itoa(part),
	}
	contentType := mime.TypeByExtension(path.Ext(item.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := ing.objects.PutObject(ctx, config.ImagesBucket, key, item.Data, contentType, metadata); err != nil {
		return err
	}

	if ing.queue != nil {
		task := types.Task{
			ID:         item.ID,
			Submission: uuid.NewString(),
			Filename:   item.Filename,
			ObjectKey:  key,
			Partition:  part,
			Priority:   priority,
			CreatedAt:  time.Now().UTC(),
		}
		if err := ing.queue.Enqueue(ctx, task); err != nil {
			return err
		}
	}
	return nil
}
