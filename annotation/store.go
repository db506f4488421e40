package annotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Store is the persistence boundary for annotations. Every call is a single
// request/response and idempotent: retrying a save or a transition must not
// duplicate records or side effects. The store returns enough identity (the
// record ids the caller supplied) to deduplicate retries.
type Store interface {
	SaveComment(ctx context.Context, c Comment) error
	SaveReply(ctx context.Context, commentID string, r Reply) error
	SaveReaction(ctx context.Context, commentID, emoji, author string) error
	SetResolved(ctx context.Context, commentID string, resolved bool) error
	DeleteComment(ctx context.Context, commentID string) error

	SaveSuggestion(ctx context.Context, s Suggestion) error
	// SetSuggestionStatus transitions a pending suggestion. Transitions on
	// an already-decided suggestion are no-ops.
	SetSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error

	Comments(ctx context.Context, docID string) ([]Comment, error)
	Suggestions(ctx context.Context, docID string) ([]Suggestion, error)
}

// WithRetry runs one store call with exponential backoff until it succeeds,
// the backoff gives up, or ctx is done.
func WithRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx))
}

// MemStore is an in-memory Store for tests and single-process use.
type MemStore struct {
	mu          sync.Mutex
	comments    map[string]*Comment
	suggestions map[string]*Suggestion

	// FailNext makes the next mutating call fail, for exercising the
	// optimistic-rollback path.
	FailNext error
}

func NewMemStore() *MemStore {
	return &MemStore{
		comments:    make(map[string]*Comment),
		suggestions: make(map[string]*Suggestion),
	}
}

func (m *MemStore) fail() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MemStore) SaveComment(ctx context.Context, c Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if _, ok := m.comments[c.ID]; ok {
		return nil
	}
	m.comments[c.ID] = cloneComment(&c)
	return nil
}

func (m *MemStore) SaveReply(ctx context.Context, commentID string, r Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	c, ok := m.comments[commentID]
	if !ok {
		return ErrUnknownRecord
	}
	for _, have := range c.Replies {
		if have.Author == r.Author && have.Text == r.Text {
			return nil
		}
	}
	c.Replies = append(c.Replies, r)
	return nil
}

func (m *MemStore) SaveReaction(ctx context.Context, commentID, emoji, author string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	c, ok := m.comments[commentID]
	if !ok {
		return ErrUnknownRecord
	}
	if c.Reactions == nil {
		c.Reactions = make(map[string][]string)
	}
	for _, a := range c.Reactions[emoji] {
		if a == author {
			return nil
		}
	}
	c.Reactions[emoji] = append(c.Reactions[emoji], author)
	sort.Strings(c.Reactions[emoji])
	return nil
}

func (m *MemStore) SetResolved(ctx context.Context, commentID string, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if c, ok := m.comments[commentID]; ok {
		c.Resolved = resolved
	}
	return nil
}

func (m *MemStore) DeleteComment(ctx context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	delete(m.comments, commentID)
	return nil
}

func (m *MemStore) SaveSuggestion(ctx context.Context, s Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if _, ok := m.suggestions[s.ID]; ok {
		return nil
	}
	m.suggestions[s.ID] = cloneSuggestion(&s)
	return nil
}

func (m *MemStore) SetSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if s, ok := m.suggestions[id]; ok && s.Status == StatusPending {
		s.Status = status
	}
	return nil
}

func (m *MemStore) Comments(ctx context.Context, docID string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Comment
	for _, c := range m.comments {
		if c.DocID == docID {
			out = append(out, *cloneComment(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) Suggestions(ctx context.Context, docID string) ([]Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Suggestion
	for _, s := range m.suggestions {
		if s.DocID == docID {
			out = append(out, *cloneSuggestion(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
