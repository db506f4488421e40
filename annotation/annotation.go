// Package annotation keeps comments and edit suggestions anchored to the
// shared document. Each record is anchored by a logical range, captured once
// at creation time and re-resolved to absolute offsets on every render, so
// annotations stay correctly positioned while the text mutates underneath
// them. Lifecycle transitions are idempotent: two collaborators racing to
// resolve the same comment or decide the same suggestion both succeed, and
// the second application is a no-op.
package annotation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"collabsync/anchor"
)

var (
	// ErrNoSelection reports a comment creation without an active captured
	// selection.
	ErrNoSelection = errors.New("annotation: no captured selection")

	// ErrStaleSuggestion reports an accept whose anchor no longer resolves:
	// the underlying text was deleted first. The suggestion is dropped, not
	// applied at the wrong place.
	ErrStaleSuggestion = errors.New("annotation: suggestion anchor is stale")

	// ErrUnknownRecord reports an operation on an id this replica has never
	// seen.
	ErrUnknownRecord = errors.New("annotation: unknown record")
)

// Quoted snippets are bounded for display.
const maxQuoted = 200

// Reply is one threaded reply on a comment.
type Reply struct {
	ID     string    `json:"id"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Comment is an anchored discussion thread. Resolution is a state flag, not
// a deletion; resolved comments are never silently garbage-collected.
type Comment struct {
	ID        string                 `json:"id"`
	DocID     string                 `json:"docID"`
	Author    string                 `json:"author"`
	From      anchor.LogicalPosition `json:"from"`
	To        anchor.LogicalPosition `json:"to"`
	Quoted    string                 `json:"quoted"`
	Body      string                 `json:"body"`
	Resolved  bool                   `json:"resolved"`
	Replies   []Reply                `json:"replies,omitempty"`
	Reactions map[string][]string    `json:"reactions,omitempty"` // emoji -> author ids
	CreatedAt time.Time              `json:"createdAt"`
}

// SuggestionKind distinguishes proposed insertions from proposed deletions.
type SuggestionKind string

const (
	SuggestInsertion SuggestionKind = "insertion"
	SuggestDeletion  SuggestionKind = "deletion"
)

// SuggestionStatus is the suggestion lifecycle. Accepted and rejected are
// terminal; a decided suggestion is immutable.
type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "pending"
	StatusAccepted SuggestionStatus = "accepted"
	StatusRejected SuggestionStatus = "rejected"
)

// Suggestion is a proposed, not-yet-applied edit.
type Suggestion struct {
	ID        string                 `json:"id"`
	DocID     string                 `json:"docID"`
	Author    string                 `json:"author"`
	Kind      SuggestionKind         `json:"kind"`
	Content   string                 `json:"content"`
	From      anchor.LogicalPosition `json:"from"`
	To        anchor.LogicalPosition `json:"to"`
	Status    SuggestionStatus       `json:"status"`
	CreatedAt time.Time              `json:"createdAt"`
}

// CommentView is a comment with its anchor re-resolved for the current
// render. AbsFrom/AbsTo are clamped absolute offsets.
type CommentView struct {
	Comment
	AbsFrom int `json:"absFrom"`
	AbsTo   int `json:"absTo"`
}

// SuggestionView is a pending suggestion with its anchor re-resolved.
type SuggestionView struct {
	Suggestion
	AbsFrom int `json:"absFrom"`
	AbsTo   int `json:"absTo"`
}

type capturedSelection struct {
	from, to int
	quoted   string
}

// Book is one participant's working set of annotations for a document. It
// is single-goroutine like the rest of the core; cross-participant races are
// absorbed by idempotent transitions, not by locking.
type Book struct {
	docID   string
	author  string
	binding anchor.DocumentBinding
	log     *slog.Logger

	comments    map[string]*Comment
	suggestions map[string]*Suggestion
	capture     *capturedSelection
}

func NewBook(docID, author string, binding anchor.DocumentBinding, log *slog.Logger) *Book {
	if log == nil {
		log = slog.Default()
	}
	return &Book{
		docID:       docID,
		author:      author,
		binding:     binding,
		log:         log,
		comments:    make(map[string]*Comment),
		suggestions: make(map[string]*Suggestion),
	}
}

// CaptureSelection records the selection a comment will be created against.
// The absolute range is held only until CreateComment or CancelCapture.
func (b *Book) CaptureSelection(from, to int, quoted string) error {
	if from > to {
		from, to = to, from
	}
	if from == to {
		return ErrNoSelection
	}
	b.capture = &capturedSelection{from: from, to: to, quoted: quoted}
	return nil
}

// CancelCapture clears a pending comment creation flow.
func (b *Book) CancelCapture() { b.capture = nil }

// CreateComment creates a comment against the captured selection. Both ends
// translate to logical positions now so the anchor survives later edits.
func (b *Book) CreateComment(body string) (*Comment, error) {
	if b.capture == nil {
		return nil, ErrNoSelection
	}
	from, err := anchor.ToLogical(b.binding, b.capture.from)
	if err != nil {
		return nil, fmt.Errorf("annotation: anchor comment start: %w", err)
	}
	to, err := anchor.ToLogical(b.binding, b.capture.to)
	if err != nil {
		return nil, fmt.Errorf("annotation: anchor comment end: %w", err)
	}

	quoted := b.capture.quoted
	if r := []rune(quoted); len(r) > maxQuoted {
		quoted = string(r[:maxQuoted])
	}
	c := &Comment{
		ID:        uuid.NewString(),
		DocID:     b.docID,
		Author:    b.author,
		From:      from,
		To:        to,
		Quoted:    quoted,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	b.comments[c.ID] = c
	b.capture = nil
	return cloneComment(c), nil
}

// AddReply appends a reply, keyed by author and text for idempotence under
// retry. Returns false when an identical reply already exists.
func (b *Book) AddReply(commentID, author, text string) (Reply, bool, error) {
	c, ok := b.comments[commentID]
	if !ok {
		return Reply{}, false, fmt.Errorf("annotation: reply to %s: %w", commentID, ErrUnknownRecord)
	}
	for _, r := range c.Replies {
		if r.Author == author && r.Text == text {
			return r, false, nil
		}
	}
	r := Reply{ID: uuid.NewString(), Author: author, Text: text, At: time.Now().UTC()}
	c.Replies = append(c.Replies, r)
	return r, true, nil
}

// AddReaction records author's reaction with the given emoji. Duplicate
// reactions are no-ops.
func (b *Book) AddReaction(commentID, emoji, author string) (bool, error) {
	c, ok := b.comments[commentID]
	if !ok {
		return false, fmt.Errorf("annotation: react to %s: %w", commentID, ErrUnknownRecord)
	}
	if c.Reactions == nil {
		c.Reactions = make(map[string][]string)
	}
	for _, a := range c.Reactions[emoji] {
		if a == author {
			return false, nil
		}
	}
	c.Reactions[emoji] = append(c.Reactions[emoji], author)
	sort.Strings(c.Reactions[emoji])
	return true, nil
}

// RemoveReply withdraws a reply by id, undoing an optimistic append the
// store rejected. Reports false when no such reply exists.
func (b *Book) RemoveReply(commentID, replyID string) bool {
	c, ok := b.comments[commentID]
	if !ok {
		return false
	}
	for i, r := range c.Replies {
		if r.ID == replyID {
			c.Replies = append(c.Replies[:i], c.Replies[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveReaction withdraws author's reaction with the given emoji.
func (b *Book) RemoveReaction(commentID, emoji, author string) bool {
	c, ok := b.comments[commentID]
	if !ok || c.Reactions == nil {
		return false
	}
	for i, a := range c.Reactions[emoji] {
		if a == author {
			c.Reactions[emoji] = append(c.Reactions[emoji][:i], c.Reactions[emoji][i+1:]...)
			if len(c.Reactions[emoji]) == 0 {
				delete(c.Reactions, emoji)
			}
			return true
		}
	}
	return false
}

// RestoreComment reinstates a deleted comment, undoing an optimistic delete
// the store rejected. An existing record with the same id is left untouched.
func (b *Book) RestoreComment(c Comment) {
	if _, ok := b.comments[c.ID]; ok {
		return
	}
	b.comments[c.ID] = cloneComment(&c)
}

// ResolveComment marks the comment resolved. Safe to call twice: the second
// call (including from a racing collaborator) reports false and changes
// nothing.
func (b *Book) ResolveComment(id string) bool {
	c, ok := b.comments[id]
	if !ok || c.Resolved {
		return false
	}
	c.Resolved = true
	return true
}

// ReopenComment is the explicit reverse transition. Not a toggle: reopening
// an open comment is a no-op.
func (b *Book) ReopenComment(id string) bool {
	c, ok := b.comments[id]
	if !ok || !c.Resolved {
		return false
	}
	c.Resolved = false
	return true
}

// DeleteComment removes the comment. Idempotent.
func (b *Book) DeleteComment(id string) bool {
	if _, ok := b.comments[id]; !ok {
		return false
	}
	delete(b.comments, id)
	return true
}

// ProposeSuggestion creates a pending suggestion anchored at the given
// absolute range (from == to for insertions).
func (b *Book) ProposeSuggestion(kind SuggestionKind, content string, from, to int) (*Suggestion, error) {
	if from > to {
		from, to = to, from
	}
	fp, err := anchor.ToLogical(b.binding, from)
	if err != nil {
		return nil, fmt.Errorf("annotation: anchor suggestion start: %w", err)
	}
	tp, err := anchor.ToLogical(b.binding, to)
	if err != nil {
		return nil, fmt.Errorf("annotation: anchor suggestion end: %w", err)
	}
	s := &Suggestion{
		ID:        uuid.NewString(),
		DocID:     b.docID,
		Author:    b.author,
		Kind:      kind,
		Content:   content,
		From:      fp,
		To:        tp,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	b.suggestions[s.ID] = s
	return cloneSuggestion(s), nil
}

// AcceptSuggestion applies the proposed change through the editor at the
// anchor's re-resolved current range and marks the suggestion accepted.
//
// A suggestion whose anchor no longer resolves is dropped with
// ErrStaleSuggestion instead of being applied at a shifted range; this also
// covers two participants accepting overlapping suggestions, where the
// second accept sees the first one's edit. Accepting an already-decided
// suggestion is a no-op.
func (b *Book) AcceptSuggestion(id string, ed anchor.Editor) error {
	s, ok := b.suggestions[id]
	if !ok {
		return fmt.Errorf("annotation: accept %s: %w", id, ErrUnknownRecord)
	}
	if s.Status != StatusPending {
		return nil
	}
	from, err := anchor.ToAbsolute(b.binding, s.From)
	if err != nil {
		s.Status = StatusRejected
		return fmt.Errorf("annotation: accept %s: %w", id, ErrStaleSuggestion)
	}
	to, err := anchor.ToAbsolute(b.binding, s.To)
	if err != nil {
		s.Status = StatusRejected
		return fmt.Errorf("annotation: accept %s: %w", id, ErrStaleSuggestion)
	}

	switch s.Kind {
	case SuggestInsertion:
		ed.InsertText(from, s.Content)
	case SuggestDeletion:
		if to > from {
			ed.DeleteText(from, to-from)
		}
	}
	s.Status = StatusAccepted
	return nil
}

// RejectSuggestion discards a pending suggestion without touching the
// document. Idempotent; rejecting a decided suggestion reports false.
func (b *Book) RejectSuggestion(id string) bool {
	s, ok := b.suggestions[id]
	if !ok || s.Status != StatusPending {
		return false
	}
	s.Status = StatusRejected
	return true
}

// Pending returns the undecided suggestions, creation-ordered.
func (b *Book) Pending() []Suggestion {
	var out []Suggestion
	for _, s := range b.suggestions {
		if s.Status == StatusPending {
			out = append(out, *cloneSuggestion(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Comment returns a copy of the comment, if known.
func (b *Book) Comment(id string) (Comment, bool) {
	c, ok := b.comments[id]
	if !ok {
		return Comment{}, false
	}
	return *cloneComment(c), true
}

// Integrate replaces the book's record sets with a reconciled merge of the
// confirmed remote feed and the surviving optimistic records (see
// ReconcileComments/ReconcileSuggestions). Optimistic copies that were
// superseded by their confirmed twins drop out here.
func (b *Book) Integrate(comments []Comment, suggestions []Suggestion) {
	b.comments = make(map[string]*Comment, len(comments))
	for i := range comments {
		b.comments[comments[i].ID] = cloneComment(&comments[i])
	}
	b.suggestions = make(map[string]*Suggestion, len(suggestions))
	for i := range suggestions {
		b.suggestions[suggestions[i].ID] = cloneSuggestion(&suggestions[i])
	}
}

// All returns the full record sets, for reconciliation against a remote
// feed.
func (b *Book) All() ([]Comment, []Suggestion) {
	var cs []Comment
	for _, c := range b.comments {
		cs = append(cs, *cloneComment(c))
	}
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
	var ss []Suggestion
	for _, s := range b.suggestions {
		ss = append(ss, *cloneSuggestion(s))
	}
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].CreatedAt.Before(ss[j].CreatedAt)
		}
		return ss[i].ID < ss[j].ID
	})
	return cs, ss
}

// Views re-resolves every annotation's anchor for display. Records whose
// anchor fails to resolve are hidden for this render, not deleted: they come
// back if a later update (an undo, an out-of-order remote op) restores the
// referenced text.
func (b *Book) Views() ([]CommentView, []SuggestionView) {
	var cvs []CommentView
	for _, c := range b.comments {
		from, err := anchor.ToAbsolute(b.binding, c.From)
		if err != nil {
			b.hiddenDebug("comment", c.ID, err)
			continue
		}
		to, err := anchor.ToAbsolute(b.binding, c.To)
		if err != nil {
			b.hiddenDebug("comment", c.ID, err)
			continue
		}
		cvs = append(cvs, CommentView{Comment: *cloneComment(c), AbsFrom: from, AbsTo: to})
	}
	sort.Slice(cvs, func(i, j int) bool {
		if cvs[i].AbsFrom != cvs[j].AbsFrom {
			return cvs[i].AbsFrom < cvs[j].AbsFrom
		}
		return cvs[i].ID < cvs[j].ID
	})

	var svs []SuggestionView
	for _, s := range b.suggestions {
		if s.Status != StatusPending {
			continue
		}
		from, err := anchor.ToAbsolute(b.binding, s.From)
		if err != nil {
			b.hiddenDebug("suggestion", s.ID, err)
			continue
		}
		to, err := anchor.ToAbsolute(b.binding, s.To)
		if err != nil {
			b.hiddenDebug("suggestion", s.ID, err)
			continue
		}
		svs = append(svs, SuggestionView{Suggestion: *cloneSuggestion(s), AbsFrom: from, AbsTo: to})
	}
	sort.Slice(svs, func(i, j int) bool {
		if svs[i].AbsFrom != svs[j].AbsFrom {
			return svs[i].AbsFrom < svs[j].AbsFrom
		}
		return svs[i].ID < svs[j].ID
	})
	return cvs, svs
}

func (b *Book) hiddenDebug(kind, id string, err error) {
	b.log.Debug("annotation: hidden for this render",
		"kind", kind, "id", id, "reason", err)
}

func cloneComment(c *Comment) *Comment {
	out := *c
	out.Replies = append([]Reply(nil), c.Replies...)
	if c.Reactions != nil {
		out.Reactions = make(map[string][]string, len(c.Reactions))
		for emoji, authors := range c.Reactions {
			out.Reactions[emoji] = append([]string(nil), authors...)
		}
	}
	return &out
}

func cloneSuggestion(s *Suggestion) *Suggestion {
	out := *s
	return &out
}
