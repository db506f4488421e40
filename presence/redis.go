package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
)

// presenceMsg is the wire format on the per-document redis channel. Gone
// marks a departing session so peers drop its entry immediately instead of
// waiting for it to go quiet.
type presenceMsg struct {
	State State `json:"state"`
	Gone  bool  `json:"gone,omitempty"`
}

// RedisChannel is a Channel backed by redis pub/sub, one channel per
// document. Updates are fire-and-forget and last-write-wins per session;
// publishing retries with exponential backoff before giving up.
type RedisChannel struct {
	rdb     *redis.Client
	key     string
	session SessionID
	log     *slog.Logger

	mu      sync.Mutex
	local   State
	peers   map[SessionID]State
	subs    map[int]func()
	nextSub int

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// JoinRedis joins the presence channel for docID and starts consuming peer
// updates.
func JoinRedis(ctx context.Context, rdb *redis.Client, docID string, session SessionID, log *slog.Logger) (*RedisChannel, error) {
	if log == nil {
		log = slog.Default()
	}
	key := "presence:" + docID
	pubsub := rdb.Subscribe(ctx, key)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("presence: subscribe %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &RedisChannel{
		rdb:     rdb,
		key:     key,
		session: session,
		log:     log,
		local:   State{Session: session},
		peers:   make(map[SessionID]State),
		subs:    make(map[int]func()),
		pubsub:  pubsub,
		cancel:  cancel,
	}
	go c.consume(runCtx)
	return c, nil
}

func (c *RedisChannel) consume(ctx context.Context) {
	for msg := range c.pubsub.Channel() {
		var pm presenceMsg
		if err := json.Unmarshal([]byte(msg.Payload), &pm); err != nil {
			c.log.Warn("presence: drop malformed update", "err", err)
			continue
		}
		if pm.State.Session == c.session {
			continue // our own publish echoed back
		}
		c.mu.Lock()
		if pm.Gone {
			delete(c.peers, pm.State.Session)
		} else {
			c.peers[pm.State.Session] = pm.State
		}
		c.mu.Unlock()
		c.notify()
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *RedisChannel) publish(pm presenceMsg) error {
	payload, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("presence: encode update: %w", err)
	}
	op := func() error {
		return c.rdb.Publish(context.Background(), c.key, payload).Err()
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4))
}

func (c *RedisChannel) Session() SessionID { return c.session }

func (c *RedisChannel) LocalState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *RedisChannel) SetLocalField(key string, value any) error {
	c.mu.Lock()
	st := c.local
	if err := applyField(&st, key, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.local = st
	c.mu.Unlock()

	if err := c.publish(presenceMsg{State: st}); err != nil {
		return fmt.Errorf("presence: publish %s: %w", key, err)
	}
	c.notify()
	return nil
}

func (c *RedisChannel) States() map[SessionID]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[SessionID]State, len(c.peers)+1)
	for id, st := range c.peers {
		out[id] = st
	}
	out[c.session] = c.local
	return out
}

func (c *RedisChannel) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Close announces departure and stops the consumer. Best effort: if the
// goodbye publish fails peers keep a stale entry until they next prune.
func (c *RedisChannel) Close() error {
	if err := c.publish(presenceMsg{State: State{Session: c.session}, Gone: true}); err != nil {
		c.log.Warn("presence: goodbye publish failed", "err", err)
	}
	c.cancel()
	return c.pubsub.Close()
}

func (c *RedisChannel) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
