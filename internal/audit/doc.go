// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics
//     and a synchronous fast path for high-severity events.
//   - [Event]: structured audit record with timestamp, type, severity, user, tenant,
//     token, IP, metadata.
//
// # Severities
//
// Low and medium events ride the buffered channel and may be dropped under
// pressure when DropIfFull is set. High-severity events (lockouts, replayed
// refresh tokens, counter regressions, tenant mismatches) are written to the
// sink on the emitting goroutine, before the triggering operation returns its
// error.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authcore or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
