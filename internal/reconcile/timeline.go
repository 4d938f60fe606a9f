package reconcile

import (
	"slices"
	"time"

	"github.com/rickgao/socialsync/internal/model"
)

// Timeline is the visible message list of one conversation.
// Methods never modify the receiver; they return the next timeline.
type Timeline struct {
	ConversationID string
	Messages       []model.Message

	// resolved maps temporary ids to the canonical id that replaced them, so a late
	// REST response for an entry already reconciled by the room broadcast is a no-op.
	resolved map[string]string
}

// NewTimeline creates a timeline from a REST baseline, dropping duplicate ids.
func NewTimeline(conversationID string, baseline []model.Message) Timeline {
	t := Timeline{ConversationID: conversationID}
	for _, m := range baseline {
		if t.indexOf(m.ID) >= 0 {
			continue
		}
		m.Status = model.DeliveryDelivered
		t.Messages = append(t.Messages, m)
	}
	return t
}

func (t Timeline) clone() Timeline {
	next := Timeline{
		ConversationID: t.ConversationID,
		Messages:       slices.Clone(t.Messages),
	}
	if len(t.resolved) > 0 {
		next.resolved = make(map[string]string, len(t.resolved))
		for k, v := range t.resolved {
			next.resolved[k] = v
		}
	}
	return next
}

func (t Timeline) indexOf(id string) int {
	for i, m := range t.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Has reports whether a message with id is visible.
func (t Timeline) Has(id string) bool {
	return t.indexOf(id) >= 0
}

// Get returns the message with id.
func (t Timeline) Get(id string) (model.Message, bool) {
	if i := t.indexOf(id); i >= 0 {
		return t.Messages[i], true
	}
	return model.Message{}, false
}

// Resolved returns the canonical id a temporary id was reconciled to.
func (t Timeline) Resolved(tempID string) (string, bool) {
	id, ok := t.resolved[tempID]
	return id, ok
}

// AppendProvisional adds a locally created message that carries a temporary id.
func (t Timeline) AppendProvisional(m model.Message) Timeline {
	next := t.clone()
	m.TempID = m.ID
	m.Status = model.DeliveryPending
	next.Messages = append(next.Messages, m)
	return next
}

// replaceAt swaps the provisional entry at i for its canonical form.
func (t Timeline) replaceAt(i int, canonical model.Message) Timeline {
	next := t.clone()
	tempID := next.Messages[i].ID
	canonical.TempID = tempID
	canonical.Status = model.DeliveryDelivered
	next.Messages[i] = canonical
	if next.resolved == nil {
		next.resolved = make(map[string]string)
	}
	next.resolved[tempID] = canonical.ID
	return next
}

// ConfirmProvisional reconciles the provisional entry tempID with the canonical message
// returned by the server for it.
func (t Timeline) ConfirmProvisional(tempID string, canonical model.Message) (Timeline, Outcome) {
	if id, ok := t.resolved[tempID]; ok && id == canonical.ID {
		return t, OutcomeAbsorbed
	}

	i := t.indexOf(tempID)
	if existing := t.indexOf(canonical.ID); existing >= 0 {
		// The broadcast got here first and was appended on its own; drop the provisional copy.
		if i < 0 {
			return t, OutcomeAbsorbed
		}
		next := t.clone()
		next.Messages = slices.Delete(next.Messages, i, i+1)
		if next.resolved == nil {
			next.resolved = make(map[string]string)
		}
		next.resolved[tempID] = canonical.ID
		return next, OutcomeRemoved
	}

	if i < 0 {
		// Provisional entry is gone (rolled back or deleted): treat like a fresh delivery.
		next := t.clone()
		canonical.Status = model.DeliveryDelivered
		next.Messages = append(next.Messages, canonical)
		return next, OutcomeAppended
	}
	return t.replaceAt(i, canonical), OutcomeReplaced
}

// matchProvisional finds the provisional entry the canonical message most likely
// corresponds to: same sender and content, created within window of each other.
func (t Timeline) matchProvisional(m model.Message, window time.Duration) int {
	best, bestGap := -1, time.Duration(-1)
	for i, p := range t.Messages {
		if !p.Provisional() || p.SenderID != m.SenderID || p.Content != m.Content {
			continue
		}
		gap := m.CreatedAt.Sub(p.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if window > 0 && !m.CreatedAt.IsZero() && gap > window {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// ApplyIncoming merges a message delivered by the server (room broadcast or refetch).
// Messages are deduplicated by canonical id. A message sent by self that matches a
// provisional entry replaces that entry in place.
func (t Timeline) ApplyIncoming(m model.Message, self string, window time.Duration) (Timeline, Outcome) {
	if m.ID == "" || t.Has(m.ID) {
		return t, OutcomeAbsorbed
	}
	if m.TempID != "" {
		if i := t.indexOf(m.TempID); i >= 0 {
			return t.replaceAt(i, m), OutcomeReplaced
		}
	}
	if m.SenderID == self {
		if i := t.matchProvisional(m, window); i >= 0 {
			return t.replaceAt(i, m), OutcomeReplaced
		}
	}

	next := t.clone()
	m.Status = model.DeliveryDelivered
	next.Messages = append(next.Messages, m)
	return next, OutcomeAppended
}

// RemoveProvisional drops a provisional entry after its send failed.
// Entries that were already reconciled are left alone.
func (t Timeline) RemoveProvisional(tempID string) (Timeline, bool) {
	i := t.indexOf(tempID)
	if i < 0 || !t.Messages[i].Provisional() {
		return t, false
	}
	next := t.clone()
	next.Messages = slices.Delete(next.Messages, i, i+1)
	if len(next.Messages) == 0 {
		next.Messages = nil
	}
	return next, true
}

// Delete removes the message with id. Deleting an unknown id is a no-op.
func (t Timeline) Delete(id string) (Timeline, bool) {
	i := t.indexOf(id)
	if i < 0 {
		return t, false
	}
	next := t.clone()
	next.Messages = slices.Delete(next.Messages, i, i+1)
	return next, true
}

// MarkRead sets Read on the given ids and returns the ids whose flag actually flipped.
func (t Timeline) MarkRead(ids []string) (Timeline, []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var flipped []string
	next := t
	for i, m := range t.Messages {
		if _, ok := want[m.ID]; !ok || m.Read {
			continue
		}
		if flipped == nil {
			next = t.clone()
		}
		next.Messages[i].Read = true
		flipped = append(flipped, m.ID)
	}
	return next, flipped
}

// UnmarkRead clears Read on the given ids.
func (t Timeline) UnmarkRead(ids []string) (Timeline, bool) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	changed := false
	next := t
	for i, m := range t.Messages {
		if _, ok := want[m.ID]; !ok || !m.Read {
			continue
		}
		if !changed {
			next = t.clone()
			changed = true
		}
		next.Messages[i].Read = false
	}
	return next, changed
}

// Unread returns the ids of unread messages sent by someone other than self.
func (t Timeline) Unread(self string) []string {
	var ids []string
	for _, m := range t.Messages {
		if !m.Read && m.SenderID != self && !m.Provisional() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Merge layers a REST baseline over the timeline. Messages already visible are
// kept, so provisional entries and realtime deliveries survive a refetch, and
// server-side read flags are adopted. The result is ordered by creation time.
func (t Timeline) Merge(baseline []model.Message, self string, window time.Duration) (Timeline, bool) {
	next, changed := t, false
	var read []string
	for _, m := range baseline {
		var out Outcome
		next, out = next.ApplyIncoming(m, self, window)
		if out.Changed() {
			changed = true
		}
		if m.Read {
			read = append(read, m.ID)
		}
	}
	if len(read) > 0 {
		var flipped []string
		next, flipped = next.MarkRead(read)
		if len(flipped) > 0 {
			changed = true
		}
	}
	if !changed {
		return t, false
	}

	next = next.clone()
	slices.SortStableFunc(next.Messages, func(a, b model.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return next, true
}
