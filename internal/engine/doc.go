// Package engine drives compiled plans to completion. Each plan execution is
// owned by one actor goroutine that serializes every mutation of its node
// executions; steps run on a bounded worker pool and report back through the
// actor's mailbox, as do task responses, timeouts, retries and operator
// interventions.
package engine
