// Package anchor translates between absolute offsets in a locally rendered
// editing surface and logical positions inside the shared replicated document.
//
// Absolute offsets are only meaningful on the machine that produced them: at
// any instant every peer's local document differs in which remote edits have
// been applied. A LogicalPosition references a specific character by its
// stable identity instead, so it keeps pointing at the same semantic location
// while the document mutates underneath it.
package anchor

import "errors"

var (
	// ErrNotReady reports that the binding between the editing surface and
	// the replicated document is not established yet. Callers treat this as
	// "try again on the next event", not as a failure.
	ErrNotReady = errors.New("anchor: document binding not ready")

	// ErrNotFound reports that the referenced character no longer exists in
	// the document (deleted by a concurrent edit). Callers skip rendering
	// the affected item for this pass.
	ErrNotFound = errors.New("anchor: referenced character deleted")
)

// Side selects which side of the referenced character a position points at.
type Side uint8

const (
	Before Side = iota
	After
)

// LogicalPosition is an opaque, document-relative reference to a location
// "just before/after a specific character". The zero value references the
// start of the document.
//
// Raw carries the absolute offset observed when the position was captured.
// It only feeds the degraded fallback path and must never be trusted as the
// current offset.
type LogicalPosition struct {
	Ref  string `json:"ref,omitempty"`
	Side Side   `json:"side,omitempty"`
	Raw  int    `json:"raw"`
}

// IsStart reports whether p references the document start rather than a
// concrete character.
func (p LogicalPosition) IsStart() bool { return p.Ref == "" }

// DocumentBinding is the capability a replicated-document implementation
// must provide for position translation. It is injected once at attach time;
// there is no runtime discovery of which sync engine backs it.
type DocumentBinding interface {
	// Ready reports whether the binding to the editing surface is
	// established. Translation is a no-op until it is.
	Ready() bool

	// Length returns the current visible length of the document in runes.
	Length() int
}

// RefMapper is the precise translation capability: mapping visible offsets
// to stable character references and back. Bindings that cannot provide it
// fall back to raw-index translation, which does not account for pending
// local transactions and is strictly best effort.
type RefMapper interface {
	// RefAt returns the stable reference of the visible character at
	// offset, or ok=false when offset is out of range.
	RefAt(offset int) (ref string, ok bool)

	// Resolve returns the current visible offset of ref, or ok=false when
	// the referenced character has been deleted.
	Resolve(ref string) (offset int, ok bool)
}

// ClampOffset clamps o into the valid caret range [0, length] of a document
// of the given length. Concurrent edits can transiently move a resolved
// offset outside previously valid bounds; clamping before use keeps the
// render pass total.
func ClampOffset(o, length int) int {
	if length < 0 {
		length = 0
	}
	if o < 0 {
		return 0
	}
	if o > length {
		return length
	}
	return o
}

// ToLogical converts an absolute offset into a LogicalPosition anchored in
// the replicated document. Offsets inside the document anchor before the
// character they precede; the end-of-document offset anchors after the last
// character.
func ToLogical(b DocumentBinding, offset int) (LogicalPosition, error) {
	if b == nil || !b.Ready() {
		return LogicalPosition{}, ErrNotReady
	}
	n := b.Length()
	offset = ClampOffset(offset, n)
	if n == 0 {
		return LogicalPosition{}, nil
	}

	m, ok := b.(RefMapper)
	if !ok {
		// Degraded path: no mapping through the binding, keep the raw index.
		return LogicalPosition{Raw: offset}, nil
	}

	if offset < n {
		ref, ok := m.RefAt(offset)
		if !ok {
			return LogicalPosition{}, ErrNotFound
		}
		return LogicalPosition{Ref: ref, Side: Before, Raw: offset}, nil
	}
	ref, ok := m.RefAt(n - 1)
	if !ok {
		return LogicalPosition{}, ErrNotFound
	}
	return LogicalPosition{Ref: ref, Side: After, Raw: offset}, nil
}

// ToAbsolute resolves a LogicalPosition back to an absolute offset in the
// caller's current document. The result is always clamped into
// [0, Length()]. Returns ErrNotFound when the referenced character was
// deleted; callers hide the affected overlay or annotation for this render
// instead of treating it as fatal.
func ToAbsolute(b DocumentBinding, p LogicalPosition) (int, error) {
	if b == nil || !b.Ready() {
		return 0, ErrNotReady
	}
	n := b.Length()
	if p.IsStart() {
		return ClampOffset(p.Raw, n), nil
	}

	m, ok := b.(RefMapper)
	if !ok {
		return ClampOffset(p.Raw, n), nil
	}

	off, ok := m.Resolve(p.Ref)
	if !ok {
		return 0, ErrNotFound
	}
	if p.Side == After {
		off++
	}
	return ClampOffset(off, n), nil
}

// Editor is the narrow write capability a binding may expose for applying
// accepted suggestions. Edits go through the replicated-document API, never
// through direct offset manipulation of shared state.
type Editor interface {
	InsertText(offset int, text string)
	DeleteText(offset, length int)
}
