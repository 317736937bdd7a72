/*
Package dispatch contains the request-scoped orchestrators behind the
two streaming endpoints.

Dispatcher drives a submit batch: emit the initial stats frame, place
every image's snippet in the shard store (preparation), push every task
into the worker pool without awaiting any of them (submission), then
emit a terminal result as each future resolves (completion). Preparing
before submitting keeps the pool's queue saturated from the first
dispatch, so all workers run in parallel rather than one at a time.
Assignment events arrive through the pool's hook, routed back to the
owning batch by a per-submission token (task ids are caller-supplied
and may repeat across batches); all counter updates and emissions happen under
the run's lock so the stats invariant holds at every frame.

Ingestor drives a bulk upload: the dataset's images go to the images
bucket in batches under partition-prefixed keys, each one optionally
handed to the distributed queue, with a progress event per batch, a
ledger record for the run, and a terminal complete event.
*/
package dispatch
