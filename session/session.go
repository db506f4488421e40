// Package session wires the sync core together behind a single Attach call:
// position translation, presence broadcast, decoration recompute and the
// annotation working set, all owned by one explicit Session object. Nothing
// lives in package-level state, so two documents open at once get two fully
// independent sessions and teardown is scoped to the Detach handle.
package session

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"collabsync/anchor"
	"collabsync/annotation"
	"collabsync/decoration"
	"collabsync/mention"
	"collabsync/presence"
)

// Identity names the local participant. Author is the durable id annotation
// records carry; it defaults to Name when empty.
type Identity struct {
	Name   string
	Author string
}

// Options configures an attached session.
type Options struct {
	// ClearCursorOnBlur forwards to presence.Options.
	ClearCursorOnBlur bool

	Logger *slog.Logger
}

// Callbacks are the UI-facing events the core produces. Either may be nil.
type Callbacks struct {
	DecorationsChanged func(decoration.Set)
	AnnotationsChanged func([]annotation.CommentView, []annotation.SuggestionView)
}

// TextProvider is an optional binding capability used to derive quoted
// snippets for new comments.
type TextProvider interface {
	Text() string
}

// Session is the attached sync context for one document in one editing
// surface. Methods are called from the surface's single event loop.
type Session struct {
	docID   string
	binding anchor.DocumentBinding
	channel presence.Channel
	caster  *presence.Broadcaster
	book    *annotation.Book
	store   annotation.Store
	log     *slog.Logger
	cb      Callbacks

	decorations decoration.Set
	unsubscribe func()
	detached    bool
}

// NewSessionID mints an ephemeral session id for a participant attaching to
// a document.
func NewSessionID() presence.SessionID {
	return presence.SessionID(uuid.NewString())
}

// Attach installs translator, presence and decoration behavior for the
// document and returns the handle used for every subsequent operation and
// for teardown. The store may be nil for a view-only / offline surface;
// annotation mutations then stay local.
func Attach(docID string, binding anchor.DocumentBinding, channel presence.Channel, id Identity, store annotation.Store, opts Options, cb Callbacks) (*Session, error) {
	if binding == nil {
		return nil, fmt.Errorf("session: attach %s: nil document binding", docID)
	}
	if channel == nil {
		return nil, fmt.Errorf("session: attach %s: nil presence channel", docID)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("doc", docID, "session", string(channel.Session()))

	author := id.Author
	if author == "" {
		author = id.Name
	}

	s := &Session{
		docID:   docID,
		binding: binding,
		channel: channel,
		store:   store,
		log:     log,
		cb:      cb,
		book:    annotation.NewBook(docID, author, binding, log),
	}
	s.caster = presence.NewBroadcaster(channel, binding, id.Name, presence.Options{
		ClearCursorOnBlur: opts.ClearCursorOnBlur,
		Logger:            log,
	})
	s.unsubscribe = channel.Subscribe(s.onPresenceChange)
	s.refreshDecorations()
	return s, nil
}

// Detach tears the session down: presence entry removed, subscriptions
// cancelled. Further calls on the session are no-ops.
func (s *Session) Detach() {
	if s.detached {
		return
	}
	s.detached = true
	s.unsubscribe()
	if err := s.channel.Close(); err != nil {
		s.log.Warn("session: presence close", "err", err)
	}
}

// SetSelection publishes the local cursor/selection, translated to logical
// positions. Redundant updates are absorbed by the broadcaster.
func (s *Session) SetSelection(anchorOff, headOff int) {
	if s.detached {
		return
	}
	s.caster.UpdateSelection(anchorOff, headOff)
}

// Blur handles the local surface losing focus.
func (s *Session) Blur() {
	if s.detached {
		return
	}
	s.caster.Blur()
}

// HandleLocalEdit maps the current decoration set through a local-only edit
// (delta > 0 insert, < 0 delete) instead of recomputing it, keeping
// keystroke latency flat.
func (s *Session) HandleLocalEdit(at, delta int) {
	if s.detached {
		return
	}
	s.decorations = s.decorations.MapThrough(at, delta)
	s.emitDecorations()
}

// HandleRemoteChange recomputes decorations and re-resolves annotations
// after a document mutation whose origin is a remote peer.
func (s *Session) HandleRemoteChange() {
	if s.detached {
		return
	}
	s.refreshDecorations()
	s.emitAnnotations()
}

func (s *Session) onPresenceChange() {
	if s.detached {
		return
	}
	s.refreshDecorations()
}

func (s *Session) refreshDecorations() {
	s.decorations = decoration.Compute(s.binding, s.channel.States(), s.channel.Session(), s.log)
	s.emitDecorations()
}

func (s *Session) emitDecorations() {
	if s.cb.DecorationsChanged != nil {
		s.cb.DecorationsChanged(s.decorations)
	}
}

func (s *Session) emitAnnotations() {
	if s.cb.AnnotationsChanged != nil {
		cvs, svs := s.book.Views()
		s.cb.AnnotationsChanged(cvs, svs)
	}
}

// Decorations returns the current overlay set.
func (s *Session) Decorations() decoration.Set { return s.decorations }

// OnlineUsers returns the current participant projection.
func (s *Session) OnlineUsers() []presence.OnlineUser {
	return s.caster.OnlineUsers()
}

// MentionCandidates matches an in-progress @-token in buffer at cursor
// against the present participants, excluding the local one.
func (s *Session) MentionCandidates(buffer string, cursor int) ([]presence.OnlineUser, bool) {
	tok, ok := mention.Detect(buffer, cursor)
	if !ok {
		return nil, false
	}
	return mention.Filter(s.OnlineUsers(), s.channel.Session(), tok.Query), true
}

// CompleteMention splices the selected participant name over the
// in-progress token.
func (s *Session) CompleteMention(buffer string, cursor int, name string) (string, int) {
	return mention.Complete(buffer, cursor, name)
}
