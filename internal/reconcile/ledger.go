package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMutationInFlight = errors.New("a mutation for this entity is already pending")
)

// Status is the state of a pending mutation.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// canTransition lists the only legal moves of the mutation state machine.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to == StatusRolledBack
	case StatusConfirmed, StatusRolledBack:
		return false
	default:
		return false
	}
}

// Kind is the class of optimistic mutation.
type Kind string

const (
	KindLike    Kind = "like"
	KindMessage Kind = "message"
	KindRead    Kind = "read"
	KindComment Kind = "comment"
	KindNotice  Kind = "notification"
)

// Mutation is one optimistic change awaiting the server.
type Mutation[S any] struct {
	LocalID  string
	Kind     Kind
	Key      string // entity the mutation applies to (post id, temp message id, ...)
	Snapshot S      // state before the mutation
	Expected S      // locally predicted state
	IssuedAt time.Time
	Status   Status
}

// MutationError ties a failure to the action that caused it so the caller can show
// contextual feedback.
type MutationError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s rolled back: %v", e.Kind, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Ledger tracks pending mutations, at most one per key.
type Ledger[S any] struct {
	kind Kind
	now  func() time.Time

	mu    sync.Mutex
	byKey map[string]*Mutation[S]
	byID  map[string]*Mutation[S]
}

// NewLedger creates a ledger for one kind of mutation.
func NewLedger[S any](kind Kind) *Ledger[S] {
	return &Ledger[S]{
		kind:  kind,
		now:   time.Now,
		byKey: make(map[string]*Mutation[S]),
		byID:  make(map[string]*Mutation[S]),
	}
}

// Begin records a new pending mutation for key.
func (l *Ledger[S]) Begin(key string, snapshot, expected S) (Mutation[S], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byKey[key]; ok {
		return Mutation[S]{}, ErrMutationInFlight
	}

	m := &Mutation[S]{
		LocalID:  uuid.NewString(),
		Kind:     l.kind,
		Key:      key,
		Snapshot: snapshot,
		Expected: expected,
		IssuedAt: l.now(),
		Status:   StatusPending,
	}
	l.byKey[key] = m
	l.byID[m.LocalID] = m
	return *m, nil
}

// Pending returns the pending mutation for key.
func (l *Ledger[S]) Pending(key string) (Mutation[S], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byKey[key]
	if !ok {
		return Mutation[S]{}, false
	}
	return *m, true
}

// Confirm moves the mutation to Confirmed and forgets it.
// It returns false if the mutation already left the Pending state.
func (l *Ledger[S]) Confirm(localID string) (Mutation[S], bool) {
	return l.finish(localID, StatusConfirmed)
}

// ConfirmKey confirms whatever mutation is pending for key.
func (l *Ledger[S]) ConfirmKey(key string) (Mutation[S], bool) {
	l.mu.Lock()
	m, ok := l.byKey[key]
	l.mu.Unlock()
	if !ok {
		return Mutation[S]{}, false
	}
	return l.finish(m.LocalID, StatusConfirmed)
}

// Rollback moves the mutation to RolledBack and forgets it.
// It returns false if the mutation already left the Pending state, in which case the
// caller must not restore the snapshot.
func (l *Ledger[S]) Rollback(localID string) (Mutation[S], bool) {
	return l.finish(localID, StatusRolledBack)
}

// Len returns the number of pending mutations.
func (l *Ledger[S]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// Keys returns the keys with a pending mutation.
func (l *Ledger[S]) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.byKey))
	for k := range l.byKey {
		keys = append(keys, k)
	}
	return keys
}

func (l *Ledger[S]) finish(localID string, to Status) (Mutation[S], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byID[localID]
	if !ok || !canTransition(m.Status, to) {
		return Mutation[S]{}, false
	}
	m.Status = to
	delete(l.byID, localID)
	delete(l.byKey, m.Key)
	return *m, true
}
