// Package refresh re-synchronizes list data after the connection comes back.
//
// Room events missed while offline are never replayed by the server, so every
// reconnect invalidates whatever the domain managers hold. The Refresher:
//   - Listens for connect events flagged as reconnects
//   - Coalesces bursts of reconnects into one refresh cycle
//   - Calls every registered Refetcher with bounded concurrency
//   - Optionally refreshes on a fixed interval as a safety net
package refresh
