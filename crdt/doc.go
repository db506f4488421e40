// Package crdt provides the reference replicated text document the sync
// layer binds to. Characters carry stable (clock, peer) identities so that
// concurrent inserts and deletes from any number of peers converge without
// coordination. Deletions leave tombstones; a tombstoned character keeps its
// place in the sequence and revives if the same insert is applied again,
// which is how an undo restores anchored text.
//
// A production deployment may substitute any engine that satisfies the
// anchor.DocumentBinding and anchor.RefMapper capabilities; this package
// exists so the library, its tests, and the relay daemon run end to end.
package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CharID uniquely identifies an inserted character across peers.
type CharID struct {
	Clock  int    `json:"clock"`
	PeerID string `json:"peerID"`
}

// Ref returns the stable string reference used by position translation.
func (id CharID) Ref() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.PeerID)
}

// less orders concurrent siblings deterministically: higher clock first,
// peer id as tie break.
func (id CharID) less(other CharID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.PeerID < other.PeerID
}

// Char is a single character atom.
type Char struct {
	ID    CharID `json:"id"`
	Value string `json:"value"`
}

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

// Op is one replicated operation. For inserts, After names the atom the new
// character goes after (nil means the document head). ClientID identifies
// the originating session for relay loop suppression.
type Op struct {
	Action   string  `json:"action"`
	Char     Char    `json:"char"`
	After    *CharID `json:"after,omitempty"`
	ClientID string  `json:"clientID"`
}

// EncodeOps marshals ops for the relay channel.
func EncodeOps(ops []Op) ([]byte, error) {
	return json.Marshal(ops)
}

// DecodeOps unmarshals ops received from the relay channel.
func DecodeOps(data []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode ops: %w", err)
	}
	return ops, nil
}

type atom struct {
	char    Char
	deleted bool
}

// Document is one peer's replica. All methods are single-goroutine; each
// participant owns exactly one event loop, and cross-peer concurrency is
// reconciled by op application, not by locking.
type Document struct {
	peerID string
	clock  int
	atoms  []atom
	index  map[CharID]int // atom slice position by id
	sink   func([]Op)
}

// NewDocument creates an empty replica for the given peer.
func NewDocument(peerID string) *Document {
	return &Document{
		peerID: peerID,
		index:  make(map[CharID]int),
	}
}

// OnOps registers the sink that receives locally generated ops for
// broadcast. Remote applies never reach the sink.
func (d *Document) OnOps(fn func([]Op)) { d.sink = fn }

// Ready implements anchor.DocumentBinding. A live replica is always ready.
func (d *Document) Ready() bool { return d != nil }

// Length returns the visible length in characters.
func (d *Document) Length() int {
	n := 0
	for _, a := range d.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

// Text returns the visible document content.
func (d *Document) Text() string {
	var b strings.Builder
	for _, a := range d.atoms {
		if !a.deleted {
			b.WriteString(a.char.Value)
		}
	}
	return b.String()
}

// RefAt implements anchor.RefMapper.
func (d *Document) RefAt(offset int) (string, bool) {
	if offset < 0 {
		return "", false
	}
	seen := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if seen == offset {
			return a.char.ID.Ref(), true
		}
		seen++
	}
	return "", false
}

// Resolve implements anchor.RefMapper. A tombstoned character does not
// resolve; it resolves again if a re-applied insert revives it.
func (d *Document) Resolve(ref string) (int, bool) {
	id, err := parseRef(ref)
	if err != nil {
		return 0, false
	}
	pos, ok := d.index[id]
	if !ok || d.atoms[pos].deleted {
		return 0, false
	}
	off := 0
	for _, a := range d.atoms[:pos] {
		if !a.deleted {
			off++
		}
	}
	return off, true
}

func parseRef(ref string) (CharID, error) {
	var id CharID
	i := strings.IndexByte(ref, '@')
	if i < 0 {
		return id, fmt.Errorf("malformed char ref %q", ref)
	}
	if _, err := fmt.Sscanf(ref[:i], "%d", &id.Clock); err != nil {
		return id, fmt.Errorf("malformed char ref %q: %w", ref, err)
	}
	id.PeerID = ref[i+1:]
	return id, nil
}

// atomAtVisible returns the atom slice position of the visible character at
// offset, or -1.
func (d *Document) atomAtVisible(offset int) int {
	if offset < 0 {
		return -1
	}
	seen := 0
	for i, a := range d.atoms {
		if a.deleted {
			continue
		}
		if seen == offset {
			return i
		}
		seen++
	}
	return -1
}

// InsertText inserts text at a visible offset, applying it locally and
// emitting the corresponding ops. Implements anchor.Editor.
func (d *Document) InsertText(offset int, text string) {
	if text == "" {
		return
	}
	n := d.Length()
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}

	var after *CharID
	if offset > 0 {
		pos := d.atomAtVisible(offset - 1)
		id := d.atoms[pos].char.ID
		after = &id
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		d.clock++
		ch := Char{ID: CharID{Clock: d.clock, PeerID: d.peerID}, Value: string(r)}
		op := Op{Action: ActionInsert, Char: ch, After: after, ClientID: d.peerID}
		d.applyInsert(op)
		ops = append(ops, op)
		id := ch.ID
		after = &id
	}
	d.emit(ops)
}

// DeleteText tombstones length visible characters starting at offset.
// Implements anchor.Editor.
func (d *Document) DeleteText(offset, length int) {
	if length <= 0 {
		return
	}
	n := d.Length()
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return
	}
	if offset+length > n {
		length = n - offset
	}

	ids := make([]CharID, 0, length)
	seen := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if seen >= offset && seen < offset+length {
			ids = append(ids, a.char.ID)
		}
		seen++
	}

	ops := make([]Op, 0, len(ids))
	for _, id := range ids {
		op := Op{Action: ActionDelete, Char: Char{ID: id}, ClientID: d.peerID}
		d.applyDelete(op)
		ops = append(ops, op)
	}
	d.emit(ops)
}

// Apply integrates a remote op. Application is idempotent: re-applying an
// insert revives a tombstoned atom, re-applying a delete is a no-op.
func (d *Document) Apply(op Op) {
	switch op.Action {
	case ActionInsert:
		d.applyInsert(op)
	case ActionDelete:
		d.applyDelete(op)
	}
}

// ApplyAll integrates a batch of remote ops in order.
func (d *Document) ApplyAll(ops []Op) {
	for _, op := range ops {
		d.Apply(op)
	}
}

func (d *Document) applyInsert(op Op) {
	if pos, ok := d.index[op.Char.ID]; ok {
		d.atoms[pos].deleted = false
		return
	}
	if op.Char.ID.PeerID != d.peerID && op.Char.ID.Clock > d.clock {
		d.clock = op.Char.ID.Clock
	}

	at := 0
	if op.After != nil {
		pos, ok := d.index[*op.After]
		if !ok {
			// Anchor not integrated yet; append so a later re-apply can
			// still converge. Out-of-order delivery is the transport's
			// problem, not ours.
			at = len(d.atoms)
		} else {
			at = pos + 1
		}
	}
	// Skip over concurrent siblings that order ahead of the new atom.
	for at < len(d.atoms) && op.Char.ID.less(d.atoms[at].char.ID) {
		at++
	}

	d.atoms = append(d.atoms, atom{})
	copy(d.atoms[at+1:], d.atoms[at:])
	d.atoms[at] = atom{char: op.Char}
	d.reindex(at)
}

func (d *Document) applyDelete(op Op) {
	pos, ok := d.index[op.Char.ID]
	if !ok {
		return
	}
	d.atoms[pos].deleted = true
}

func (d *Document) reindex(from int) {
	for i := from; i < len(d.atoms); i++ {
		d.index[d.atoms[i].char.ID] = i
	}
}

func (d *Document) emit(ops []Op) {
	if d.sink != nil && len(ops) > 0 {
		d.sink(ops)
	}
}
