// Package connection owns the single persistent websocket of a session.
//
// The Manager:
//   - Announces the identity (register_user) on every successful connect
//   - Runs connect hooks in registration order (room replay, presence snapshot)
//   - Queues emits issued while reconnecting and flushes them after the hooks
//   - Correlates acknowledgments with the emits that requested them
//   - Reconnects with doubling backoff up to a bounded number of attempts
//   - Publishes inbound frames and lifecycle notices to one ordered buffer
package connection
