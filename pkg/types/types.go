package types

import (
	"time"
)

// Task is a single request to produce a description for one image.
// Created by the dispatcher, consumed by a pool worker or a queue worker,
// gone once its terminal event has been emitted.
type Task struct {
	ID         string    // caller-supplied image id, or generated
	Submission string    // unique per submission; ids may repeat across batches
	Filename   string    // logical filename from the upload
	Payload    []byte    // inline image bytes (in-process path)
	ObjectKey  string    // object-store key (distributed path)
	Partition  int       // assigned partition, set before submission
	Priority   Priority  // normal or high
	CreatedAt  time.Time
}

// Priority classifies queue scheduling urgency.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskStatus represents the lifecycle stage of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
)

// TaskResult is the terminal outcome for a task. Exactly one is produced
// per submission; retries inside the distributed queue do not emit
// intermediate results.
type TaskResult struct {
	TaskID      string
	Status      TaskStatus // TaskStatusCompleted or TaskStatusError
	Description string
	WorkerID    int
	Partition   int
	ElapsedMs   int64
	Attempts    int
	ErrorKind   ErrorKind
	Err         string
}

// WorkerInfo is a point-in-time snapshot of one execution slot.
type WorkerInfo struct {
	ID          int    `json:"id"`
	Busy        bool   `json:"busy"`
	Processed   int64  `json:"processed"`
	CurrentTask string `json:"currentTask,omitempty"`
}

// PartitionInfo summarizes one shard partition for telemetry events.
type PartitionInfo struct {
	ID        int   `json:"id"`
	ItemCount int   `json:"itemCount"`
	Size      int64 `json:"size"`
}

// BatchStats tracks running counters for one dispatched batch. The
// invariant Pending+Processing+Completed+Errors == Total holds at every
// emission.
type BatchStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Errors     int `json:"errors"`
}

// QueuedJob is a task plus queue-plane metadata, used only on the
// distributed path.
type QueuedJob struct {
	Task        Task       `json:"task"`
	Attempts    int        `json:"attempts"`
	Stalls      int        `json:"stalls"`
	Priority    Priority   `json:"priority"`
	NextAttempt time.Time  `json:"next_attempt"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseExpiry time.Time  `json:"lease_expiry,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StoredResult is the JSON document persisted to the results bucket for
// each completed job on the distributed path.
type StoredResult struct {
	Description    string    `json:"description"`
	Partition      int       `json:"partition"`
	WorkerID       string    `json:"workerId"`
	ProcessingTime int64     `json:"processingTime"`
	Timestamp      time.Time `json:"timestamp"`
}

// IngestRecord is the ledger entry written for each bulk-ingest run.
type IngestRecord struct {
	Dataset       string    `json:"dataset"`
	TotalImages   int       `json:"total_images"`
	TotalIngested int       `json:"total_ingested"`
	BatchSize     int       `json:"batch_size"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}
