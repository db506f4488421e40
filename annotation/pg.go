package annotation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"collabsync/anchor"
)

// PGStore is the Store on PostgreSQL. Writes are shaped for idempotence:
// inserts use ON CONFLICT DO NOTHING on identity (or author+content for
// replies and reactions), transitions guard on current state, so a retried
// or racing call is absorbed by the database instead of the application.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS comments (
	id          UUID PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	author      TEXT NOT NULL,
	anchor_from JSONB NOT NULL,
	anchor_to   JSONB NOT NULL,
	quoted      TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_comments_doc ON comments (doc_id, created_at);

CREATE TABLE IF NOT EXISTS comment_replies (
	id         UUID PRIMARY KEY,
	comment_id UUID NOT NULL REFERENCES comments (id) ON DELETE CASCADE,
	author     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (comment_id, author, body)
);

CREATE TABLE IF NOT EXISTS comment_reactions (
	comment_id UUID NOT NULL REFERENCES comments (id) ON DELETE CASCADE,
	emoji      TEXT NOT NULL,
	author     TEXT NOT NULL,
	PRIMARY KEY (comment_id, emoji, author)
);

CREATE TABLE IF NOT EXISTS suggestions (
	id          UUID PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	author      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	content     TEXT NOT NULL,
	anchor_from JSONB NOT NULL,
	anchor_to   JSONB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_suggestions_doc ON suggestions (doc_id, created_at);
`

// EnsureSchema creates the annotation tables when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("annotation: ensure schema: %w", err)
	}
	return nil
}

func encodePos(p anchor.LogicalPosition) ([]byte, error) {
	return json.Marshal(p)
}

func (s *PGStore) SaveComment(ctx context.Context, c Comment) error {
	from, err := encodePos(c.From)
	if err != nil {
		return fmt.Errorf("annotation: encode anchor: %w", err)
	}
	to, err := encodePos(c.To)
	if err != nil {
		return fmt.Errorf("annotation: encode anchor: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO comments (id, doc_id, author, anchor_from, anchor_to, quoted, body, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.DocID, c.Author, from, to, c.Quoted, c.Body, c.Resolved, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("annotation: insert comment: %w", err)
	}
	for _, r := range c.Replies {
		if err := s.SaveReply(ctx, c.ID, r); err != nil {
			return err
		}
	}
	for emoji, authors := range c.Reactions {
		for _, a := range authors {
			if err := s.SaveReaction(ctx, c.ID, emoji, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PGStore) SaveReply(ctx context.Context, commentID string, r Reply) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comment_replies (id, comment_id, author, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (comment_id, author, body) DO NOTHING
	`, r.ID, commentID, r.Author, r.Text, r.At)
	if err != nil {
		return fmt.Errorf("annotation: insert reply: %w", err)
	}
	return nil
}

func (s *PGStore) SaveReaction(ctx context.Context, commentID, emoji, author string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comment_reactions (comment_id, emoji, author)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, commentID, emoji, author)
	if err != nil {
		return fmt.Errorf("annotation: insert reaction: %w", err)
	}
	return nil
}

func (s *PGStore) SetResolved(ctx context.Context, commentID string, resolved bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE comments SET resolved = $2 WHERE id = $1 AND resolved <> $2
	`, commentID, resolved)
	if err != nil {
		return fmt.Errorf("annotation: set resolved: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM comments WHERE id = $1`, commentID)
	if err != nil {
		return fmt.Errorf("annotation: delete comment: %w", err)
	}
	return nil
}

func (s *PGStore) SaveSuggestion(ctx context.Context, sg Suggestion) error {
	from, err := encodePos(sg.From)
	if err != nil {
		return fmt.Errorf("annotation: encode anchor: %w", err)
	}
	to, err := encodePos(sg.To)
	if err != nil {
		return fmt.Errorf("annotation: encode anchor: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO suggestions (id, doc_id, author, kind, content, anchor_from, anchor_to, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, sg.ID, sg.DocID, sg.Author, string(sg.Kind), sg.Content, from, to, string(sg.Status), sg.CreatedAt)
	if err != nil {
		return fmt.Errorf("annotation: insert suggestion: %w", err)
	}
	return nil
}

func (s *PGStore) SetSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error {
	// Pending-only guard keeps decided suggestions immutable under races.
	_, err := s.pool.Exec(ctx, `
		UPDATE suggestions SET status = $2 WHERE id = $1 AND status = 'pending'
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("annotation: set suggestion status: %w", err)
	}
	return nil
}

func (s *PGStore) Comments(ctx context.Context, docID string) ([]Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc_id, author, anchor_from, anchor_to, quoted, body, resolved, created_at
		FROM comments WHERE doc_id = $1 ORDER BY created_at, id
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("annotation: list comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		var from, to []byte
		if err := rows.Scan(&c.ID, &c.DocID, &c.Author, &from, &to, &c.Quoted, &c.Body, &c.Resolved, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("annotation: scan comment: %w", err)
		}
		if err := json.Unmarshal(from, &c.From); err != nil {
			return nil, fmt.Errorf("annotation: decode anchor for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal(to, &c.To); err != nil {
			return nil, fmt.Errorf("annotation: decode anchor for %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("annotation: list comments: %w", err)
	}

	for i := range out {
		if err := s.loadThread(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) loadThread(ctx context.Context, c *Comment) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, author, body, created_at
		FROM comment_replies WHERE comment_id = $1 ORDER BY created_at, id
	`, c.ID)
	if err != nil {
		return fmt.Errorf("annotation: list replies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Reply
		if err := rows.Scan(&r.ID, &r.Author, &r.Text, &r.At); err != nil {
			return fmt.Errorf("annotation: scan reply: %w", err)
		}
		c.Replies = append(c.Replies, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("annotation: list replies: %w", err)
	}

	rrows, err := s.pool.Query(ctx, `
		SELECT emoji, author FROM comment_reactions WHERE comment_id = $1 ORDER BY emoji, author
	`, c.ID)
	if err != nil {
		return fmt.Errorf("annotation: list reactions: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var emoji, author string
		if err := rrows.Scan(&emoji, &author); err != nil {
			return fmt.Errorf("annotation: scan reaction: %w", err)
		}
		if c.Reactions == nil {
			c.Reactions = make(map[string][]string)
		}
		c.Reactions[emoji] = append(c.Reactions[emoji], author)
	}
	return rrows.Err()
}

func (s *PGStore) Suggestions(ctx context.Context, docID string) ([]Suggestion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc_id, author, kind, content, anchor_from, anchor_to, status, created_at
		FROM suggestions WHERE doc_id = $1 ORDER BY created_at, id
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("annotation: list suggestions: %w", err)
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var sg Suggestion
		var kind, status string
		var from, to []byte
		if err := rows.Scan(&sg.ID, &sg.DocID, &sg.Author, &kind, &sg.Content, &from, &to, &status, &sg.CreatedAt); err != nil {
			return nil, fmt.Errorf("annotation: scan suggestion: %w", err)
		}
		sg.Kind = SuggestionKind(kind)
		sg.Status = SuggestionStatus(status)
		if err := json.Unmarshal(from, &sg.From); err != nil {
			return nil, fmt.Errorf("annotation: decode anchor for %s: %w", sg.ID, err)
		}
		if err := json.Unmarshal(to, &sg.To); err != nil {
			return nil, fmt.Errorf("annotation: decode anchor for %s: %w", sg.ID, err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}
