// Package dispatch runs work in an isolated execution context and delivers the
// results asynchronously.
//
// A Dispatcher owns exactly one execution context for its whole life. Callers
// submit inputs and get a Subscription back immediately; results are routed to
// the matching callback by request id.
//
// Handshake:
//   - the context sends initialize
//   - the dispatcher replies with the auxiliary resource list (maybe empty)
//   - the context loads the resources and sends ready
//   - the dispatcher flushes work queued before ready in submission order
//
// Requests submitted before ready are never sent early. Once ready, requests
// go straight to the channel.
//
// Cancellation is local: Cancel suppresses delivery of a result but the
// context still computes it, and the registry entry is still removed when the
// result arrives. There are no timeouts.
//
// Errors:
//   - ErrTerminated: Submit after Terminate
//   - *ProtocolError: result for an unknown id, undecodable payload, or a
//     control message out of order; fatal for the instance
//   - ErrContextExited: the context went away without being terminated; fatal
//   - *JobError: the task inside the context failed for one request
//
// Fatal errors terminate the dispatcher. Outstanding work is abandoned and
// never resolved.
package dispatch
