package reconcile

// Outcome describes what reconciling one server event did to local state.
type Outcome int

const (
	// OutcomeAbsorbed: the event was already reflected locally; nothing changed.
	OutcomeAbsorbed Outcome = iota
	// OutcomeAdopted: the local prediction differed and the server value replaced it.
	OutcomeAdopted
	// OutcomeMerged: another actor's change was merged into shared fields.
	OutcomeMerged
	// OutcomeAppended: a new entity was added.
	OutcomeAppended
	// OutcomeReplaced: a provisional entity took its canonical identity in place.
	OutcomeReplaced
	// OutcomeRemoved: an entity was removed.
	OutcomeRemoved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAbsorbed:
		return "absorbed"
	case OutcomeAdopted:
		return "adopted"
	case OutcomeMerged:
		return "merged"
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Changed reports whether the outcome altered local state.
func (o Outcome) Changed() bool {
	return o != OutcomeAbsorbed
}
