/*
Package types defines the core data structures shared across visionq.

This package contains the fundamental types of the dispatch plane: tasks
and their terminal results, worker and partition snapshots, queued jobs
for the distributed path, and the failure taxonomy that drives retry
decisions. All other packages depend on types; types depends on nothing.

# Core Types

Task Execution:
  - Task: one image to describe, with its assigned partition
  - TaskResult: the single terminal outcome per submission
  - TaskStatus: queued, processing, completed, error
  - Priority: normal or high (queue scheduling class)

Telemetry Snapshots:
  - WorkerInfo: {id, busy, processed, currentTask} for workers events
  - PartitionInfo: {id, itemCount, size} for partitions events
  - BatchStats: running counters; Pending+Processing+Completed+Errors
    always equals Total

Distributed Path:
  - QueuedJob: a Task plus attempts, lease owner, backoff schedule
  - StoredResult: result JSON persisted to the results bucket
  - IngestRecord: ledger entry for a bulk-ingest run

# Error Taxonomy

Failures carry an ErrorKind. Only describe_transient and
queue_unavailable are retryable; everything else terminates the job on
first occurrence. KindOf recovers the classification from a wrapped
error chain.

# State Machine

Tasks follow a strict lifecycle:

	Queued → Processing → (Completed | Error)

Queued→Processing fires exactly when the coordinator emits the
assignment event; no other transitions exist.
*/
package types
