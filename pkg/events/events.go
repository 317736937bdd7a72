package events

import (
	"github.com/visionq/visionq/pkg/types"
)

// Type discriminates the records on the outbound event stream.
type Type string

const (
	TypeStats      Type = "stats"
	TypeLog        Type = "log"
	TypeWorkers    Type = "workers"
	TypePartitions Type = "partitions"
	TypeResult     Type = "result"
	TypeError      Type = "error"
	TypeProgress   Type = "progress"
	TypeComplete   Type = "complete"
)

// LogType classifies log events for the client.
type LogType string

const (
	LogInfo      LogType = "info"
	LogSuccess   LogType = "success"
	LogError     LogType = "error"
	LogWorker    LogType = "worker"
	LogPartition LogType = "partition"
)

// Event is one record on the stream. Exactly the fields for its Type
// are populated; everything else stays omitted from the JSON.
type Event struct {
	Type Type `json:"type"`

	// stats
	Stats *types.BatchStats `json:"stats,omitempty"`

	// log
	LogType LogType `json:"logType,omitempty"`
	Message string  `json:"message,omitempty"`

	// workers / partitions snapshots
	Workers    []types.WorkerInfo    `json:"workers,omitempty"`
	Partitions []types.PartitionInfo `json:"partitions,omitempty"`

	// result
	ID             string           `json:"id,omitempty"`
	Status         types.TaskStatus `json:"status,omitempty"`
	Description    string           `json:"description,omitempty"`
	Partition      *int             `json:"partition,omitempty"`
	WorkerThread   *int             `json:"workerThread,omitempty"`
	ProcessingTime int64            `json:"processingTime,omitempty"`
	Error          string           `json:"error,omitempty"`

	// ingest progress / completion
	Progress *IngestProgress `json:"progress,omitempty"`
	Complete *IngestComplete `json:"complete,omitempty"`
}

// IngestProgress reports one finished ingest batch.
type IngestProgress struct {
	BatchIndex    int `json:"batchIndex"`
	TotalBatches  int `json:"totalBatches"`
	BatchSize     int `json:"batchSize"`
	TotalIngested int `json:"totalIngested"`
	TotalImages   int `json:"totalImages"`
}

// IngestComplete is the terminal ingest event.
type IngestComplete struct {
	TotalIngested int    `json:"totalIngested"`
	DatasetName   string `json:"datasetName"`
	Message       string `json:"message"`
}

// Stats builds a stats event from a counter snapshot.
func Stats(s types.BatchStats) *Event {
	return &Event{Type: TypeStats, Stats: &s}
}

// Log builds a log event.
func Log(logType LogType, message string) *Event {
	return &Event{Type: TypeLog, LogType: logType, Message: message}
}

// Workers builds a worker-table snapshot event.
func Workers(workers []types.WorkerInfo) *Event {
	return &Event{Type: TypeWorkers, Workers: workers}
}

// Partitions builds a partition snapshot event with an optional message.
func Partitions(parts []types.PartitionInfo, message string) *Event {
	return &Event{Type: TypePartitions, Partitions: parts, Message: message}
}

// Processing builds the non-terminal result event emitted at assignment.
func Processing(taskID string, partition, workerThread int) *Event {
	return &Event{
		Type:         TypeResult,
		ID:           taskID,
		Status:       types.TaskStatusProcessing,
		Partition:    &partition,
		WorkerThread: &workerThread,
	}
}

// Result builds the terminal result event for res.
func Result(res *types.TaskResult) *Event {
	ev := &Event{
		Type:           TypeResult,
		ID:             res.TaskID,
		Status:         res.Status,
		Partition:      &res.Partition,
		ProcessingTime: res.ElapsedMs,
	}
	if res.Status == types.TaskStatusCompleted {
		ev.Description = res.Description
		ev.WorkerThread = &res.WorkerID
	} else {
		ev.Error = res.Err
		if res.WorkerID >= 0 {
			ev.WorkerThread = &res.WorkerID
		}
	}
	return ev
}

// Fatal builds the terminal error event; the stream closes after it.
func Fatal(message string) *Event {
	return &Event{Type: TypeError, Message: message}
}

// Progress builds an ingest progress event.
func Progress(p IngestProgress) *Event {
	return &Event{Type: TypeProgress, Progress: &p}
}

// Completed builds the terminal ingest event.
func Completed(c IngestComplete) *Event {
	return &Event{Type: TypeComplete, Complete: &c}
}
