/*
Package metrics exposes Prometheus instrumentation and the dependency
health registry.

Counters, gauges and histograms cover the dispatch plane (task
submissions, terminal outcomes, batch counts), the worker pool (busy
workers, queue depth), the shard store (per-partition entries) and the
distributed queue (enqueues, retries, stalls, depth). Everything is
registered in init; Handler serves the standard /metrics endpoint.

HealthChecker runs named dependency probes (queue, s3, redis) on
demand; pkg/api turns its aggregate status into the 200/503 health
endpoint.
*/
package metrics
