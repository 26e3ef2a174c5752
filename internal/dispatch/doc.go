// Package dispatch runs one command through the routing pipeline and
// contains every failure inside that dispatch.
//
// Each call to Dispatch owns a fresh state machine:
//
//	received → parsed → resolved → context_ready → executing → validated → completed
//
// Any state may end early in a terminal status instead:
//   - rejected: the input was malformed or named an unknown application.
//     Nothing is executed.
//   - degraded: the context could not be built, the application failed or
//     was cancelled, or it broke its boundary or output contract. The result
//     carries an actionable message and the command to run the application
//     directly.
//
// Every stage runs under panic recovery, so a fault in one dispatch (router
// or application side) is reported as degraded and never reaches the caller
// or other dispatches. The routing table snapshot is taken once at the start
// of the dispatch and is not affected by concurrent re-discovery.
//
// Timeouts belong to the caller: cancel ctx to stop a dispatch. Cancellation
// before executing yields degraded/cancelled with no side effects; during
// executing the process is terminated and the context released before
// Dispatch returns.
package dispatch
