package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketComments    = []byte("comments")
	bucketSuggestions = []byte("suggestions")
)

// BoltStore is a Store on a local bbolt file. It backs offline-capable
// deployments where annotations are retained on disk between runs and
// reconciled with the remote feed on reconnect.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the annotation database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("annotation: open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketComments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSuggestions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("annotation: init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func recordKey(docID, id string) []byte {
	return []byte(docID + "\x00" + id)
}

func (s *BoltStore) SaveComment(ctx context.Context, c Comment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComments)
		key := recordKey(c.DocID, c.ID)
		if b.Get(key) != nil {
			return nil // retry of an already-saved comment
		}
		val, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode comment %s: %w", c.ID, err)
		}
		return b.Put(key, val)
	})
}

// mutateComment loads, edits and rewrites one comment record. A missing
// record is reported through found=false with a nil error, letting callers
// decide whether that is a failure.
func (s *BoltStore) mutateComment(commentID string, edit func(*Comment)) (found bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComments)
		cur := b.Cursor()
		suffix := []byte("\x00" + commentID)
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			var c Comment
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode comment %s: %w", commentID, err)
			}
			edit(&c)
			val, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode comment %s: %w", commentID, err)
			}
			found = true
			return b.Put(k, val)
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) SaveReply(ctx context.Context, commentID string, r Reply) error {
	found, err := s.mutateComment(commentID, func(c *Comment) {
		for _, have := range c.Replies {
			if have.Author == r.Author && have.Text == r.Text {
				return
			}
		}
		c.Replies = append(c.Replies, r)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("annotation: reply to %s: %w", commentID, ErrUnknownRecord)
	}
	return nil
}

func (s *BoltStore) SaveReaction(ctx context.Context, commentID, emoji, author string) error {
	found, err := s.mutateComment(commentID, func(c *Comment) {
		if c.Reactions == nil {
			c.Reactions = make(map[string][]string)
		}
		for _, a := range c.Reactions[emoji] {
			if a == author {
				return
			}
		}
		c.Reactions[emoji] = append(c.Reactions[emoji], author)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("annotation: react to %s: %w", commentID, ErrUnknownRecord)
	}
	return nil
}

func (s *BoltStore) SetResolved(ctx context.Context, commentID string, resolved bool) error {
	_, err := s.mutateComment(commentID, func(c *Comment) { c.Resolved = resolved })
	return err
}

func (s *BoltStore) DeleteComment(ctx context.Context, commentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComments)
		cur := b.Cursor()
		suffix := []byte("\x00" + commentID)
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			if bytes.HasSuffix(k, suffix) {
				return b.Delete(k)
			}
		}
		return nil
	})
}

func (s *BoltStore) SaveSuggestion(ctx context.Context, sg Suggestion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuggestions)
		key := recordKey(sg.DocID, sg.ID)
		if b.Get(key) != nil {
			return nil
		}
		val, err := json.Marshal(sg)
		if err != nil {
			return fmt.Errorf("encode suggestion %s: %w", sg.ID, err)
		}
		return b.Put(key, val)
	})
}

func (s *BoltStore) SetSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSuggestions)
		cur := b.Cursor()
		suffix := []byte("\x00" + id)
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			var sg Suggestion
			if err := json.Unmarshal(v, &sg); err != nil {
				return fmt.Errorf("decode suggestion %s: %w", id, err)
			}
			if sg.Status != StatusPending {
				return nil // already decided, terminal
			}
			sg.Status = status
			val, err := json.Marshal(sg)
			if err != nil {
				return fmt.Errorf("encode suggestion %s: %w", id, err)
			}
			return b.Put(k, val)
		}
		return nil
	})
}

func (s *BoltStore) Comments(ctx context.Context, docID string) ([]Comment, error) {
	var out []Comment
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketComments).Cursor()
		prefix := []byte(docID + "\x00")
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var c Comment
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode comment %q: %w", k, err)
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Suggestions(ctx context.Context, docID string) ([]Suggestion, error) {
	var out []Suggestion
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketSuggestions).Cursor()
		prefix := []byte(docID + "\x00")
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var sg Suggestion
			if err := json.Unmarshal(v, &sg); err != nil {
				return fmt.Errorf("decode suggestion %q: %w", k, err)
			}
			out = append(out, sg)
		}
		return nil
	})
	return out, err
}
