package annotation

// Reconciliation of optimistic local records against the eventually
// consistent remote feed. Three inputs: locally-pending items, confirmed
// remote items, and a deterministic matching rule (same author + same
// content, each remote item matched at most once). Matched local items are
// superseded by their confirmed twins; unmatched local items stay pending;
// nothing is duplicated or lost.

func commentKey(c Comment) string {
	return c.Author + "\x00" + c.Body + "\x00" + c.Quoted
}

func suggestionKey(s Suggestion) string {
	return s.Author + "\x00" + string(s.Kind) + "\x00" + s.Content
}

// ReconcileComments merges locally-pending comments with the confirmed
// remote set. Remote order is preserved; surviving local items follow.
func ReconcileComments(pending, remote []Comment) []Comment {
	return reconcile(pending, remote, commentKey)
}

// ReconcileSuggestions merges locally-pending suggestions with the
// confirmed remote set.
func ReconcileSuggestions(pending, remote []Suggestion) []Suggestion {
	return reconcile(pending, remote, suggestionKey)
}

func reconcile[T any](pending, remote []T, key func(T) string) []T {
	unmatched := make(map[string]int) // key -> remaining remote matches
	for _, r := range remote {
		unmatched[key(r)]++
	}

	out := make([]T, 0, len(remote)+len(pending))
	out = append(out, remote...)
	for _, p := range pending {
		k := key(p)
		if unmatched[k] > 0 {
			unmatched[k]-- // confirmed by the remote feed; drop the optimistic copy
			continue
		}
		out = append(out, p)
	}
	return out
}
