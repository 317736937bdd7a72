/*
Package pool implements the in-process dispatch core: a fixed table of
workers fed by a single coordinator.

Submit queues a task and returns a Future. The coordinator pops the
queue in FIFO order, picks the idle worker with the lowest id (or, when
all are busy, the one with the fewest assignments), marks it busy,
bumps its processed counter, and hands the task to a goroutine that
runs the describe call. In-flight work never exceeds the pool size.

The coordinator is signal driven. A buffered wake channel coalesces
"task queued" and "worker freed" notifications; when saturated it waits
up to 50ms for a completion, and when fully drained it polls 100ms for
late arrivals before going idle. The next Submit restarts it.

An optional assignment hook observes every assignment; the streaming
dispatcher uses it to emit processing events and worker snapshots.
*/
package pool
