// Package delegate defines the boundary between the orchestrator and the
// remote executors ("delegates") that perform task work: the executor
// directory, the Transport interface and its in-process and NATS
// implementations.
package delegate
