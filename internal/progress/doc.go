// Package progress implements the session progress tracking and streaming
// engine: the per-session state machine and weighted aggregation, the batched
// durable snapshot writer, the event hub that fans full-state snapshots out to
// live subscribers with heartbeats and slow-consumer isolation, and the
// recovery and reaping paths that keep restarts and abandoned sessions honest.
package progress
