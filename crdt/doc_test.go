package crdt

import "testing"

func TestDocument_InsertAndDelete(t *testing.T) {
	d := NewDocument("p1")
	d.InsertText(0, "hello")
	if got, want := d.Text(), "hello"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
	d.InsertText(5, " world")
	if got, want := d.Text(), "hello world"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
	d.DeleteText(0, 6)
	if got, want := d.Text(), "world"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
	if got, want := d.Length(), 5; got != want {
		t.Fatalf("length=%d, want %d", got, want)
	}
}

func TestDocument_BoundsClamped(t *testing.T) {
	d := NewDocument("p1")
	d.InsertText(100, "abc") // clamps to end of empty doc
	if got, want := d.Text(), "abc"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
	d.DeleteText(2, 100) // clamps length
	if got, want := d.Text(), "ab"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
	d.DeleteText(50, 1) // offset past end is a no-op
	if got, want := d.Text(), "ab"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
}

func TestDocument_RemoteConvergence(t *testing.T) {
	a := NewDocument("alice")
	b := NewDocument("bob")

	var fromA, fromB []Op
	a.OnOps(func(ops []Op) { fromA = append(fromA, ops...) })
	b.OnOps(func(ops []Op) { fromB = append(fromB, ops...) })

	a.InsertText(0, "shared")
	b.ApplyAll(fromA)
	fromA = nil

	// Concurrent edits at both replicas against the same base.
	a.InsertText(0, "A:")
	b.InsertText(6, "!")

	b.ApplyAll(fromA)
	a.ApplyAll(fromB)

	if got, want := a.Text(), b.Text(); got != want {
		t.Fatalf("replicas diverged: %q vs %q", got, want)
	}
}

func TestDocument_ApplyIdempotent(t *testing.T) {
	a := NewDocument("alice")
	b := NewDocument("bob")
	var ops []Op
	a.OnOps(func(o []Op) { ops = append(ops, o...) })
	a.InsertText(0, "xy")

	b.ApplyAll(ops)
	b.ApplyAll(ops) // duplicate delivery
	if got, want := b.Text(), "xy"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
}

func TestDocument_ReapplyInsertRevivesTombstone(t *testing.T) {
	d := NewDocument("p1")
	var inserts []Op
	d.OnOps(func(o []Op) {
		for _, op := range o {
			if op.Action == ActionInsert {
				inserts = append(inserts, op)
			}
		}
	})
	d.InsertText(0, "abc")
	d.DeleteText(1, 1)
	if got, want := d.Text(), "ac"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
	// An undo re-applies the original insert ops; the tombstone revives
	// under the same identity.
	d.ApplyAll(inserts)
	if got, want := d.Text(), "abc"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
}

func TestDocument_RefRoundTrip(t *testing.T) {
	d := NewDocument("p1")
	d.InsertText(0, "abcdef")

	ref, ok := d.RefAt(3)
	if !ok {
		t.Fatalf("RefAt(3) not found")
	}
	off, ok := d.Resolve(ref)
	if !ok || off != 3 {
		t.Fatalf("Resolve=%d,%v, want 3,true", off, ok)
	}

	// A deletion before the ref shifts its resolved offset.
	d.DeleteText(0, 1)
	off, ok = d.Resolve(ref)
	if !ok || off != 2 {
		t.Fatalf("Resolve after delete=%d,%v, want 2,true", off, ok)
	}

	// Deleting the referenced character makes resolution fail.
	d.DeleteText(2, 1)
	if _, ok := d.Resolve(ref); ok {
		t.Fatalf("Resolve succeeded for tombstoned char")
	}
}

func TestDecodeOps_Malformed(t *testing.T) {
	if _, err := DecodeOps([]byte("{not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}
