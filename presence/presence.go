// Package presence maintains each participant's published ephemeral state
// (display name, color, live cursor) and observes all peers' states. Entries
// are last-write-wins per field and exclusively owned by their originating
// session; peers never write each other's entries.
package presence

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"

	"collabsync/anchor"
)

// SessionID is the ephemeral identity of one attached participant.
type SessionID string

// Cursor is a published selection: Anchor is the fixed end, Head the moving
// end. A caret has Anchor == Head.
type Cursor struct {
	Anchor anchor.LogicalPosition `json:"anchor"`
	Head   anchor.LogicalPosition `json:"head"`
}

// State is one participant's presence entry.
type State struct {
	Session SessionID `json:"session"`
	Name    string    `json:"name"`
	Color   string    `json:"color"`
	Cursor  *Cursor   `json:"cursor,omitempty"`
}

// Presence field keys understood by Channel.SetLocalField.
const (
	FieldName   = "name"
	FieldColor  = "color"
	FieldCursor = "cursor"
)

// ErrUnknownField reports a SetLocalField key that is not part of the
// presence contract.
var ErrUnknownField = errors.New("presence: unknown state field")

// Channel is the presence store contract this core consumes. Implementations
// broadcast the local entry to all peers and surface peer changes through
// subscribed callbacks.
type Channel interface {
	Session() SessionID
	LocalState() State

	// SetLocalField updates one field of the local entry. Valid keys are
	// FieldName and FieldColor (string values) and FieldCursor (*Cursor,
	// nil clears the cursor).
	SetLocalField(key string, value any) error

	// States returns a snapshot of all entries, local included.
	States() map[SessionID]State

	// Subscribe registers a change callback and returns its cancel func.
	Subscribe(fn func()) (cancel func())

	// Close removes the local entry entirely and stops delivery.
	Close() error
}

// OnlineUser is the read-only projection of a presence entry used for
// rendering and mention matching.
type OnlineUser struct {
	Session SessionID `json:"session"`
	Name    string    `json:"name"`
	Color   string    `json:"color"`
}

// Users projects the given states into a name-sorted OnlineUser list.
func Users(states map[SessionID]State) []OnlineUser {
	out := make([]OnlineUser, 0, len(states))
	for _, st := range states {
		out = append(out, OnlineUser{Session: st.Session, Name: st.Name, Color: st.Color})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Session < out[j].Session
	})
	return out
}

var palette = []string{
	"#e53935", "#8e24aa", "#3949ab", "#039be5",
	"#00897b", "#7cb342", "#fb8c00", "#6d4c41",
}

// ColorFor deterministically assigns a palette color to a session, so a
// participant keeps its color across reconnects under the same id.
func ColorFor(id SessionID) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Options configures a Broadcaster.
type Options struct {
	// ClearCursorOnBlur clears the published cursor when the local surface
	// loses focus. Off by default: keeping the last cursor visible is the
	// historical behavior, and which way to go is a product decision.
	ClearCursorOnBlur bool

	Logger *slog.Logger
}

// Broadcaster publishes this participant's cursor into the channel, skipping
// redundant publishes, and owns the local entry's name and color fields.
type Broadcaster struct {
	ch      Channel
	binding anchor.DocumentBinding
	opts    Options
	log     *slog.Logger

	last *Cursor // last published cursor, nil when none or cleared
}

// NewBroadcaster attaches a broadcaster to the channel and publishes the
// participant's identity fields.
func NewBroadcaster(ch Channel, binding anchor.DocumentBinding, name string, opts Options) *Broadcaster {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{ch: ch, binding: binding, opts: opts, log: log}
	if err := ch.SetLocalField(FieldName, name); err != nil {
		log.Warn("presence: publish name", "err", err)
	}
	if err := ch.SetLocalField(FieldColor, ColorFor(ch.Session())); err != nil {
		log.Warn("presence: publish color", "err", err)
	}
	return b
}

// UpdateSelection translates the local selection to logical positions and
// publishes it, unless it matches the last published value. A not-ready
// binding makes this a no-op; the next selection change retries naturally.
func (b *Broadcaster) UpdateSelection(anchorOff, headOff int) {
	ap, err := anchor.ToLogical(b.binding, anchorOff)
	if err != nil {
		b.log.Debug("presence: selection not published", "err", err)
		return
	}
	hp, err := anchor.ToLogical(b.binding, headOff)
	if err != nil {
		b.log.Debug("presence: selection not published", "err", err)
		return
	}
	cur := &Cursor{Anchor: ap, Head: hp}
	if cursorEqual(b.last, cur) {
		return
	}
	if err := b.ch.SetLocalField(FieldCursor, cur); err != nil {
		b.log.Warn("presence: publish cursor", "err", err)
		return
	}
	b.last = cur
}

// Blur handles the local surface losing focus. The published cursor is
// retained unless Options.ClearCursorOnBlur is set.
func (b *Broadcaster) Blur() {
	if !b.opts.ClearCursorOnBlur {
		return
	}
	if b.last == nil {
		return
	}
	if err := b.ch.SetLocalField(FieldCursor, (*Cursor)(nil)); err != nil {
		b.log.Warn("presence: clear cursor", "err", err)
		return
	}
	b.last = nil
}

// OnlineUsers returns the current participant projection, local included.
func (b *Broadcaster) OnlineUsers() []OnlineUser {
	return Users(b.ch.States())
}

func cursorEqual(a, b *Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Anchor == b.Anchor && a.Head == b.Head
}
