// Package reconcile implements optimistic mutations and their reconciliation
// against authoritative server events.
//
// A mutation is applied locally first and recorded in a Ledger as Pending. It then
// ends in exactly one of two states:
//
//	Pending -> Confirmed   (ack or server echo arrived)
//	Pending -> RolledBack  (send failure, rejection or timeout)
//
// The reconciliation functions are pure: they take the current local state, the
// pending mutation (if any) and the server event, and return the next state. They
// are written so that the final state does not depend on whether the local apply or
// the server echo is observed first, and so that replaying an event is a no-op.
package reconcile
