/*
Package api is the HTTP surface over the dispatch plane.

Routes:

	POST /process  submit a multipart image batch, response is an SSE stream
	POST /ingest   bulk-upload a dataset to the object store, SSE stream
	GET  /health   aggregate dependency health, 200 or 503
	POST /worker   bootstrap the distributed worker loop
	GET  /worker   worker liveness plus queue depth
	GET  /stats    shard and worker-table snapshots
	GET  /metrics  Prometheus exposition

The streaming endpoints parse the form up front; a malformed form
aborts the batch with a single error event before any result. The
worker endpoints are no-ops (503) unless the process was configured
with a worker identity and partition set.
*/
package api
