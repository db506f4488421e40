package session

import (
	"context"
	"errors"
	"fmt"

	"collabsync/anchor"
	"collabsync/annotation"
)

// Annotation operations apply optimistically to the local book, then
// persist through the store with retry. The store is the source of truth:
// when it ultimately rejects a write the optimistic state is rolled back and
// the error is surfaced to the initiating user only, never broadcast.

// CaptureSelection records the selection the next comment is created
// against. The quoted snippet is derived from the binding when it can
// provide text.
func (s *Session) CaptureSelection(from, to int) error {
	if from > to {
		from, to = to, from
	}
	quoted := ""
	if tp, ok := s.binding.(TextProvider); ok {
		text := []rune(tp.Text())
		f, t := anchor.ClampOffset(from, len(text)), anchor.ClampOffset(to, len(text))
		quoted = string(text[f:t])
	}
	return s.book.CaptureSelection(from, to, quoted)
}

// CancelComment aborts a pending comment creation flow.
func (s *Session) CancelComment() { s.book.CancelCapture() }

// CreateComment creates a comment against the captured selection and
// persists it.
func (s *Session) CreateComment(ctx context.Context, body string) (*annotation.Comment, error) {
	c, err := s.book.CreateComment(body)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, func() error { return s.store.SaveComment(ctx, *c) }); err != nil {
		s.book.DeleteComment(c.ID)
		s.emitAnnotations()
		return nil, fmt.Errorf("session: create comment: %w", err)
	}
	s.emitAnnotations()
	return c, nil
}

// ReplyToComment appends a reply authored by the local participant.
func (s *Session) ReplyToComment(ctx context.Context, commentID, author, text string) error {
	r, added, err := s.book.AddReply(commentID, author, text)
	if err != nil {
		return err
	}
	if !added {
		return nil // retry of an existing reply
	}
	if err := s.persist(ctx, func() error { return s.store.SaveReply(ctx, commentID, r) }); err != nil {
		s.book.RemoveReply(commentID, r.ID)
		return fmt.Errorf("session: reply: %w", err)
	}
	s.emitAnnotations()
	return nil
}

// ReactToComment records an emoji reaction.
func (s *Session) ReactToComment(ctx context.Context, commentID, emoji, author string) error {
	added, err := s.book.AddReaction(commentID, emoji, author)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	if err := s.persist(ctx, func() error { return s.store.SaveReaction(ctx, commentID, emoji, author) }); err != nil {
		s.book.RemoveReaction(commentID, emoji, author)
		return fmt.Errorf("session: react: %w", err)
	}
	s.emitAnnotations()
	return nil
}

// ResolveComment marks the comment resolved. A second call, including one
// racing from another participant, is a safe no-op.
func (s *Session) ResolveComment(ctx context.Context, id string) error {
	if !s.book.ResolveComment(id) {
		return nil
	}
	if err := s.persist(ctx, func() error { return s.store.SetResolved(ctx, id, true) }); err != nil {
		s.book.ReopenComment(id)
		return fmt.Errorf("session: resolve comment: %w", err)
	}
	s.emitAnnotations()
	return nil
}

// ReopenComment is the explicit reverse of ResolveComment.
func (s *Session) ReopenComment(ctx context.Context, id string) error {
	if !s.book.ReopenComment(id) {
		return nil
	}
	if err := s.persist(ctx, func() error { return s.store.SetResolved(ctx, id, false) }); err != nil {
		s.book.ResolveComment(id)
		return fmt.Errorf("session: reopen comment: %w", err)
	}
	s.emitAnnotations()
	return nil
}

// DeleteComment removes the comment everywhere. Idempotent.
func (s *Session) DeleteComment(ctx context.Context, id string) error {
	c, ok := s.book.Comment(id)
	if !ok {
		return nil
	}
	s.book.DeleteComment(id)
	if err := s.persist(ctx, func() error { return s.store.DeleteComment(ctx, id) }); err != nil {
		s.book.RestoreComment(c)
		return fmt.Errorf("session: delete comment: %w", err)
	}
	s.emitAnnotations()
	return nil
}

// ProposeSuggestion creates a pending suggestion and persists it.
func (s *Session) ProposeSuggestion(ctx context.Context, kind annotation.SuggestionKind, content string, from, to int) (*annotation.Suggestion, error) {
	sg, err := s.book.ProposeSuggestion(kind, content, from, to)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, func() error { return s.store.SaveSuggestion(ctx, *sg) }); err != nil {
		s.book.RejectSuggestion(sg.ID)
		return nil, fmt.Errorf("session: propose suggestion: %w", err)
	}
	s.emitAnnotations()
	return sg, nil
}

// AcceptSuggestion applies the proposed edit through the binding and marks
// the suggestion accepted. A stale anchor drops the suggestion instead.
func (s *Session) AcceptSuggestion(ctx context.Context, id string) error {
	ed, ok := s.binding.(anchor.Editor)
	if !ok {
		return fmt.Errorf("session: accept suggestion %s: binding is read-only", id)
	}
	acceptErr := s.book.AcceptSuggestion(id, ed)
	if errors.Is(acceptErr, annotation.ErrUnknownRecord) {
		return acceptErr
	}

	status := annotation.StatusAccepted
	if acceptErr != nil {
		// Stale: record the drop, propagate the condition.
		status = annotation.StatusRejected
	}
	if err := s.persist(ctx, func() error { return s.store.SetSuggestionStatus(ctx, id, status) }); err != nil {
		s.log.Warn("session: suggestion status not persisted", "id", id, "err", err)
	}
	s.emitAnnotations()
	return acceptErr
}

// RejectSuggestion discards a pending suggestion.
func (s *Session) RejectSuggestion(ctx context.Context, id string) error {
	if !s.book.RejectSuggestion(id) {
		return nil
	}
	if err := s.persist(ctx, func() error {
		return s.store.SetSuggestionStatus(ctx, id, annotation.StatusRejected)
	}); err != nil {
		return fmt.Errorf("session: reject suggestion: %w", err)
	}
	s.emitAnnotations()
	return nil
}

// SyncAnnotations reconciles the local book against the store's confirmed
// records: same author + same content matches an optimistic copy to its
// confirmed twin, unmatched local records stay pending, and nothing is
// duplicated or lost.
func (s *Session) SyncAnnotations(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	remoteComments, err := s.store.Comments(ctx, s.docID)
	if err != nil {
		return fmt.Errorf("session: sync comments: %w", err)
	}
	remoteSuggestions, err := s.store.Suggestions(ctx, s.docID)
	if err != nil {
		return fmt.Errorf("session: sync suggestions: %w", err)
	}
	localComments, localSuggestions := s.book.All()
	s.book.Integrate(
		annotation.ReconcileComments(localComments, remoteComments),
		annotation.ReconcileSuggestions(localSuggestions, remoteSuggestions),
	)
	s.emitAnnotations()
	return nil
}

// Annotations returns the current render views.
func (s *Session) Annotations() ([]annotation.CommentView, []annotation.SuggestionView) {
	return s.book.Views()
}

// persist runs one store call with retry; a nil store makes it a local-only
// no-op.
func (s *Session) persist(ctx context.Context, op func() error) error {
	if s.store == nil {
		return nil
	}
	return annotation.WithRetry(ctx, op)
}
