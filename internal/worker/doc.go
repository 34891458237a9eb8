// Package worker runs the execution-context side of the dispatch protocol and
// provides the spawners that start execution contexts.
//
// Handshake (context side):
//   - send initialize
//   - wait for the resource list
//   - load every resource concurrently; once none are in flight, send ready
//   - serve requests one at a time, replying with a result for each
//
// Spawners:
//   - InProcess runs Serve on a goroutine behind an in-memory byte pipe
//   - Subprocess starts an executable and speaks the protocol over its
//     stdin/stdout, capturing stderr (capped at 64KB)
//
// Termination of a subprocess:
//   - stdin is closed; a well-behaved worker exits on EOF
//   - after the grace period SIGTERM is sent
//   - after a second grace period SIGKILL is sent
//
// Error handling:
//   - A resource that fails to load ends Serve; the dispatcher observes the
//     closed channel and abandons its work
//   - A task that panics or rejects its input produces a failure result
//   - Any message other than the expected one ends Serve
package worker
