package decoration_test

import (
	"reflect"
	"testing"

	"collabsync/anchor"
	"collabsync/crdt"
	"collabsync/decoration"
	"collabsync/presence"
)

func caretAt(t *testing.T, d *crdt.Document, off int) *presence.Cursor {
	t.Helper()
	p, err := anchor.ToLogical(d, off)
	if err != nil {
		t.Fatalf("ToLogical(%d): %v", off, err)
	}
	return &presence.Cursor{Anchor: p, Head: p}
}

func selection(t *testing.T, d *crdt.Document, anchorOff, headOff int) *presence.Cursor {
	t.Helper()
	a, err := anchor.ToLogical(d, anchorOff)
	if err != nil {
		t.Fatalf("ToLogical(%d): %v", anchorOff, err)
	}
	h, err := anchor.ToLogical(d, headOff)
	if err != nil {
		t.Fatalf("ToLogical(%d): %v", headOff, err)
	}
	return &presence.Cursor{Anchor: a, Head: h}
}

func TestCompute_SelfExcluded(t *testing.T) {
	d := crdt.NewDocument("me")
	d.InsertText(0, "hello")

	states := map[presence.SessionID]presence.State{
		"me": {Session: "me", Name: "Me", Cursor: caretAt(t, d, 1)},
	}
	set := decoration.Compute(d, states, "me", nil)
	if len(set.Overlays) != 0 {
		t.Fatalf("own session produced overlays: %+v", set.Overlays)
	}
}

func TestCompute_CaretAndHighlight(t *testing.T) {
	d := crdt.NewDocument("me")
	d.InsertText(0, "hello world")

	states := map[presence.SessionID]presence.State{
		"peer": {
			Session: "peer", Name: "Bob", Color: "#00897b",
			// Head before anchor: highlight still spans min..max.
			Cursor: selection(t, d, 8, 3),
		},
	}
	set := decoration.Compute(d, states, "me", nil)
	if got, want := len(set.Overlays), 2; got != want {
		t.Fatalf("overlays=%d, want %d", got, want)
	}

	caret := set.Overlays[0]
	if caret.Kind != decoration.KindCaret || caret.From != 3 || caret.To != 3 {
		t.Fatalf("caret=%+v", caret)
	}
	if caret.Label != "Bob" || caret.Color != "#00897b" {
		t.Fatalf("caret label/color=%+v", caret)
	}

	hl := set.Overlays[1]
	if hl.Kind != decoration.KindHighlight || hl.From != 3 || hl.To != 8 {
		t.Fatalf("highlight=%+v", hl)
	}
}

func TestCompute_StaleCursorSkipped(t *testing.T) {
	d := crdt.NewDocument("me")
	d.InsertText(0, "hello world")
	cur := caretAt(t, d, 7)
	d.DeleteText(6, 5) // delete "world", tombstoning the referenced char

	states := map[presence.SessionID]presence.State{
		"ok":    {Session: "ok", Name: "A", Cursor: caretAt(t, d, 1)},
		"stale": {Session: "stale", Name: "B", Cursor: cur},
	}
	set := decoration.Compute(d, states, "me", nil)
	if got, want := len(set.Overlays), 1; got != want {
		t.Fatalf("overlays=%d, want %d", got, want)
	}
	if set.Overlays[0].Session != "ok" {
		t.Fatalf("wrong peer survived: %+v", set.Overlays[0])
	}
}

func TestCompute_StableAcrossRecomputation(t *testing.T) {
	d := crdt.NewDocument("me")
	d.InsertText(0, "hello")

	states := map[presence.SessionID]presence.State{
		"p1": {Session: "p1", Name: "A", Cursor: caretAt(t, d, 1)},
		"p2": {Session: "p2", Name: "B", Cursor: caretAt(t, d, 2)},
		"p3": {Session: "p3", Name: "C", Cursor: caretAt(t, d, 3)},
	}
	first := decoration.Compute(d, states, "me", nil)
	second := decoration.Compute(d, states, "me", nil)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("recomputation not stable:\n%+v\n%+v", first, second)
	}
}

func TestCompute_NilCursorOmitted(t *testing.T) {
	d := crdt.NewDocument("me")
	d.InsertText(0, "hello")
	states := map[presence.SessionID]presence.State{
		"idle": {Session: "idle", Name: "Idle"},
	}
	set := decoration.Compute(d, states, "me", nil)
	if len(set.Overlays) != 0 {
		t.Fatalf("peer without cursor produced overlays")
	}
}

func TestMapThrough(t *testing.T) {
	set := decoration.Set{Overlays: []decoration.Overlay{
		{Session: "p", Kind: decoration.KindCaret, From: 5, To: 5},
		{Session: "p", Kind: decoration.KindHighlight, From: 2, To: 8},
	}}

	// Insertion of 3 chars at offset 4.
	grown := set.MapThrough(4, 3)
	if got := grown.Overlays[0]; got.From != 8 || got.To != 8 {
		t.Fatalf("caret after insert=%+v", got)
	}
	if got := grown.Overlays[1]; got.From != 2 || got.To != 11 {
		t.Fatalf("highlight after insert=%+v", got)
	}

	// Deletion of 4 chars at offset 3 clamps boundaries inside the cut.
	shrunk := set.MapThrough(3, -4)
	if got := shrunk.Overlays[0]; got.From != 3 || got.To != 3 {
		t.Fatalf("caret after delete=%+v", got)
	}
	if got := shrunk.Overlays[1]; got.From != 2 || got.To != 4 {
		t.Fatalf("highlight after delete=%+v", got)
	}

	// The source set is untouched.
	if set.Overlays[0].From != 5 {
		t.Fatalf("MapThrough mutated its receiver")
	}
}
