package reconcile

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ReadBatch is one optimistic mark-as-read request.
// Read is monotonic: once the server confirms an id through any channel it can
// never be rolled back, so confirmed ids are trimmed from the batch.
type ReadBatch struct {
	LocalID        string
	ConversationID string
	Status         Status
	ids            map[string]struct{}
}

// IDs returns the ids still awaiting confirmation, sorted.
func (b *ReadBatch) IDs() []string {
	out := make([]string, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReadLedger tracks outstanding read batches.
type ReadLedger struct {
	mu      sync.Mutex
	batches map[string]*ReadBatch
}

// NewReadLedger creates an empty ledger.
func NewReadLedger() *ReadLedger {
	return &ReadLedger{batches: make(map[string]*ReadBatch)}
}

// Begin records the ids flipped locally by one mark-as-read call.
func (l *ReadLedger) Begin(conversationID string, ids []string) *ReadBatch {
	b := &ReadBatch{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		Status:         StatusPending,
		ids:            make(map[string]struct{}, len(ids)),
	}
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}

	l.mu.Lock()
	l.batches[b.LocalID] = b
	l.mu.Unlock()
	return b
}

// Acknowledge trims ids confirmed by the server from every pending batch.
// The server may report fewer modified records than requested when another
// session already read them; that is not a failure.
func (l *ReadLedger) Acknowledge(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.batches {
		for _, id := range ids {
			delete(b.ids, id)
		}
	}
}

// Confirm completes a batch.
func (l *ReadLedger) Confirm(localID string) bool {
	return l.finish(localID, StatusConfirmed) != nil
}

// Rollback completes a batch as failed and returns the ids that must be unmarked.
func (l *ReadLedger) Rollback(localID string) ([]string, bool) {
	b := l.finish(localID, StatusRolledBack)
	if b == nil {
		return nil, false
	}
	return b.IDs(), true
}

// Len returns the number of outstanding batches.
func (l *ReadLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

func (l *ReadLedger) finish(localID string, to Status) *ReadBatch {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.batches[localID]
	if !ok || !canTransition(b.Status, to) {
		return nil
	}
	b.Status = to
	delete(l.batches, localID)
	return b
}
