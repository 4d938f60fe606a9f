package comments

import (
	"sort"
	"time"

	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/reconcile"
)

// Thread is the ordered comment list of one post. Methods never modify the
// receiver; they return a new Thread.
type Thread []model.Comment

func (t Thread) index(id string) int {
	for i, c := range t {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Contains reports whether a comment with id is present.
func (t Thread) Contains(id string) bool {
	return t.index(id) >= 0
}

func (t Thread) clone() Thread {
	out := make(Thread, len(t))
	copy(out, t)
	return out
}

// insert places c by creation time, after any equal timestamps.
func (t Thread) insert(c model.Comment) Thread {
	i := sort.Search(len(t), func(i int) bool { return t[i].CreatedAt.After(c.CreatedAt) })
	out := make(Thread, 0, len(t)+1)
	out = append(out, t[:i]...)
	out = append(out, c)
	return append(out, t[i:]...)
}

// Apply merges a canonical comment. A known id is absorbed; a provisional
// entry by the same author with the same content, created within window of
// c, takes the canonical identity; anything else is appended.
func (t Thread) Apply(c model.Comment, window time.Duration) (Thread, reconcile.Outcome) {
	if t.Contains(c.ID) {
		return t, reconcile.OutcomeAbsorbed
	}
	for i, p := range t {
		if !matches(p, c, window) {
			continue
		}
		out := t.clone()
		out[i] = c
		return out, reconcile.OutcomeReplaced
	}
	return t.insert(c), reconcile.OutcomeAppended
}

// Confirm swaps the provisional tempID for c. If c already arrived through
// the room the provisional entry is dropped instead.
func (t Thread) Confirm(tempID string, c model.Comment) (Thread, reconcile.Outcome) {
	i := t.index(tempID)
	switch {
	case i < 0 && t.Contains(c.ID):
		return t, reconcile.OutcomeAbsorbed
	case i < 0:
		return t.insert(c), reconcile.OutcomeAppended
	case t.Contains(c.ID):
		out, _ := t.Remove(tempID)
		return out, reconcile.OutcomeRemoved
	}
	out := t.clone()
	out[i] = c
	return out, reconcile.OutcomeReplaced
}

// Remove drops the comment with id.
func (t Thread) Remove(id string) (Thread, bool) {
	i := t.index(id)
	if i < 0 {
		return t, false
	}
	out := make(Thread, 0, len(t)-1)
	out = append(out, t[:i]...)
	return append(out, t[i+1:]...), true
}

// Restore puts back a comment removed by a failed delete. It is a no-op if
// the id is present again.
func (t Thread) Restore(c model.Comment) (Thread, bool) {
	if t.Contains(c.ID) {
		return t, false
	}
	return t.insert(c), true
}

// Merge replaces the canonical entries with baseline while keeping
// provisional entries that baseline does not yet cover. Ids in hidden are
// left out.
func (t Thread) Merge(baseline []model.Comment, hidden map[string]bool, window time.Duration) Thread {
	out := make(Thread, 0, len(baseline))
	for _, c := range baseline {
		if !hidden[c.ID] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	for _, p := range t {
		if p.Provisional() && !out.covers(p, window) {
			out = out.insert(p)
		}
	}
	return out
}

func (t Thread) covers(p model.Comment, window time.Duration) bool {
	for _, c := range t {
		if matches(p, c, window) {
			return true
		}
	}
	return false
}

// matches reports whether canonical c is the server copy of provisional p.
func matches(p, c model.Comment, window time.Duration) bool {
	if !p.Provisional() || c.Provisional() || p.UserID != c.UserID || p.Content != c.Content {
		return false
	}
	return window <= 0 || absDuration(c.CreatedAt.Sub(p.CreatedAt)) <= window
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
