/*
Package queue implements the Redis-backed distributed job queue and the
worker-mode runner that drains it.

Jobs are JSON documents keyed by task id. Ready work sits in one Redis
list per partition and priority, so a worker only ever pops partitions
it owns; high priority drains before normal. Dequeue opens a 30s lease
on the claimed job. Failures are charged against a three-attempt budget
and rescheduled through a delayed sorted set with exponential backoff
(2s base, halved for high priority); non-retryable failures and
exhausted budgets land on a capped failed list, successes on a capped
completed list.

A lease that expires without an ack counts as a stall: the sweep
requeues the job, and three stalls fail it terminally without another
execution. Jobs routed to a worker that does not own their partition
are nacked back with a short delay and no attempt charged.

The Runner is the worker process: lease, download the image from the
images bucket, describe, write the result document to the results
bucket, ack.
*/
package queue
