// Package decoration projects peer presence into non-destructive visual
// overlays: a caret marker with a name label for every peer with a
// resolvable cursor, plus a selection highlight when the selection is
// non-empty. Overlays are a read-time projection and never mutate the
// document.
package decoration

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"collabsync/anchor"
	"collabsync/presence"
)

type Kind uint8

const (
	KindCaret Kind = iota
	KindHighlight
)

// Overlay is one rendered decoration. A caret has From == To; a highlight
// spans [From, To).
type Overlay struct {
	Session presence.SessionID `json:"session"`
	Kind    Kind               `json:"kind"`
	From    int                `json:"from"`
	To      int                `json:"to"`
	Label   string             `json:"label"`
	Color   string             `json:"color"`
}

// Set is an immutable overlay collection, ordered by session id so repeated
// recomputation yields identical output for unchanged peers.
type Set struct {
	Overlays []Overlay
}

// Compute builds the overlay set for every peer other than self. Peers whose
// cursor fails to resolve (deleted region, binding not ready) are omitted
// for this pass; that is a normal condition, not an error.
func Compute(b anchor.DocumentBinding, states map[presence.SessionID]presence.State, self presence.SessionID, log *slog.Logger) Set {
	if log == nil {
		log = slog.Default()
	}

	ids := make([]presence.SessionID, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var overlays []Overlay
	for _, id := range ids {
		st := states[id]
		if id == self || st.Cursor == nil {
			continue
		}
		head, err := anchor.ToAbsolute(b, st.Cursor.Head)
		if err != nil {
			logSkip(log, id, "head", err)
			continue
		}
		anch, err := anchor.ToAbsolute(b, st.Cursor.Anchor)
		if err != nil {
			logSkip(log, id, "anchor", err)
			continue
		}

		overlays = append(overlays, Overlay{
			Session: id,
			Kind:    KindCaret,
			From:    head,
			To:      head,
			Label:   st.Name,
			Color:   st.Color,
		})
		if anch != head {
			from, to := anch, head
			if from > to {
				from, to = to, from
			}
			overlays = append(overlays, Overlay{
				Session: id,
				Kind:    KindHighlight,
				From:    from,
				To:      to,
				Color:   st.Color,
			})
		}
	}
	return Set{Overlays: overlays}
}

func logSkip(log *slog.Logger, id presence.SessionID, part string, err error) {
	level := slog.LevelDebug
	if !errors.Is(err, anchor.ErrNotFound) && !errors.Is(err, anchor.ErrNotReady) {
		level = slog.LevelWarn
	}
	log.LogAttrs(context.Background(), level, "decoration: peer skipped",
		slog.String("session", string(id)),
		slog.String("part", part),
		slog.String("reason", err.Error()))
}

// MapThrough shifts the set through a local edit at offset `at` that grew
// the document by delta characters (negative for deletions). Local-only
// keystrokes map the existing set instead of recomputing it; full
// recomputation happens on remote changes.
func (s Set) MapThrough(at, delta int) Set {
	if delta == 0 || len(s.Overlays) == 0 {
		return s
	}
	mapped := make([]Overlay, len(s.Overlays))
	copy(mapped, s.Overlays)
	for i := range mapped {
		mapped[i].From = mapOffset(mapped[i].From, at, delta)
		mapped[i].To = mapOffset(mapped[i].To, at, delta)
	}
	return Set{Overlays: mapped}
}

func mapOffset(o, at, delta int) int {
	if o < at {
		return o
	}
	o += delta
	if o < at {
		o = at
	}
	return o
}
