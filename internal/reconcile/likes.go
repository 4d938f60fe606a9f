package reconcile

import (
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
)

// PredictToggle returns the state the user expects after toggling their like.
func PredictToggle(s model.LikeState) model.LikeState {
	next := s
	next.Liked = !s.Liked
	if next.Liked {
		next.Count++
	} else if next.Count > 0 {
		next.Count--
	}
	return next
}

// ToggleAction returns the action that moves from s to its toggled state.
func ToggleAction(s model.LikeState) protocol.LikeAction {
	if s.Liked {
		return protocol.ActionUnlike
	}
	return protocol.ActionLike
}

// pendingDelta is the count change of a mutation the server has not yet reflected.
func pendingDelta(pending *Mutation[model.LikeState]) int {
	if pending == nil || pending.Status != StatusPending {
		return 0
	}
	return pending.Expected.Count - pending.Snapshot.Count
}

// ReconcileLike merges a canonical like update into local state.
//
// Counts from the server are absolute, never increments, so applying the same update
// twice is a no-op. When the actor is the local user the server's count and action
// replace the local prediction (confirming any pending mutation). When the actor is
// someone else only the shared count is taken; Liked stays the local user's own value,
// and a still-pending local toggle is layered on top because the server computed
// that count before seeing it.
func ReconcileLike(local model.LikeState, pending *Mutation[model.LikeState], self string, u protocol.PostLikeUpdate) (model.LikeState, Outcome) {
	next := local
	next.PostID = u.PostID

	if u.UserID == self {
		next.Count = u.Count
		next.Liked = u.Action == protocol.ActionLike
		if next == local {
			return local, OutcomeAbsorbed
		}
		return next, OutcomeAdopted
	}

	next.Count = u.Count + pendingDelta(pending)
	if next.Count < 0 {
		next.Count = 0
	}
	if next == local {
		return local, OutcomeAbsorbed
	}
	return next, OutcomeMerged
}

// ConfirmsLike reports whether u is the server's echo of the local user's pending toggle.
func ConfirmsLike(pending *Mutation[model.LikeState], self string, u protocol.PostLikeUpdate) bool {
	if pending == nil || pending.Status != StatusPending || u.UserID != self {
		return false
	}
	return pending.Expected.Liked == (u.Action == protocol.ActionLike)
}

// RollbackLike undoes a failed toggle. If nothing else touched the post since the
// optimistic apply, the pre-mutation snapshot is restored exactly; otherwise only the
// mutation's own delta is reverted so merged changes from other actors survive.
func RollbackLike(current model.LikeState, m Mutation[model.LikeState]) model.LikeState {
	if current == m.Expected {
		return m.Snapshot
	}
	reverted := current
	reverted.Count = current.Count - (m.Expected.Count - m.Snapshot.Count)
	if reverted.Count < 0 {
		reverted.Count = 0
	}
	reverted.Liked = m.Snapshot.Liked
	return reverted
}
