// Package dispatch runs functions as subprocesses for accepted triggers.
//
// Each invocation spawns the function's entrypoint, writes one protocol
// request to stdin and reads one response from stdout. Stderr is captured
// (capped at 64KB) and every invocation is recorded in the invocation log.
//
// Timeout handling:
//   - The function's manifest timeout bounds each invocation
//   - On timeout or caller cancellation SIGTERM is sent
//   - After the grace period (default 5s) SIGKILL follows
//
// Outcomes:
//   - Unknown function, spawn failure, protocol error, status=error: failed
//   - Timeout: timed_out
//   - Caller cancellation: cancelled
//   - status=ok: succeeded
//
// Any outcome other than succeeded is returned as an error so queue messages
// are abandoned and redelivered.
package dispatch
