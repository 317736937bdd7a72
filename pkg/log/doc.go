/*
Package log provides structured logging for visionq using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-scoped child loggers and configurable log levels. Worker
processes get a worker-scoped child via WithWorkerID; finer-grained
fields (task id, partition) are attached at the call site.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then log through component loggers:

	logger := log.WithComponent("pool")
	logger.Info().Int("workers", 4).Msg("worker pool started")

Console (human-readable) output is used when JSONOutput is false, which
is the default for interactive `visionq serve` runs.
*/
package log
