/*
Package log provides structured logging for conductor using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (zerolog.Logger, set via log.Init())       │
	│       │                                                   │
	│       ▼                                                   │
	│  Component Loggers                                        │
	│    - WithComponent("scheduler")                           │
	│    - WithJobID("42")                                       │
	│    - WithWorkerID("worker-1")                              │
	│       │                                                   │
	│       ▼                                                   │
	│  JSON or console output                                   │
	└────────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Int64("job_id", job.ID).Msg("reserved allocation")

	log.WithJobID(fmt.Sprint(job.ID)).Error().Err(err).Msg("spawn failed")

# Integration Points

This package is used by pkg/scheduler, pkg/executor, pkg/cleanup, pkg/recovery,
pkg/api, and pkg/registry for all operational logging.
*/
package log
