package presence

import (
	"fmt"
	"sync"
)

// MemoryHub is an in-process presence store shared by every channel joined
// to it. It backs tests and single-process setups; multi-process deployments
// use RedisChannel.
type MemoryHub struct {
	mu      sync.Mutex
	states  map[SessionID]State
	subs    map[int]func()
	nextSub int
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		states: make(map[SessionID]State),
		subs:   make(map[int]func()),
	}
}

// Join creates the channel for one session and registers its empty entry.
func (h *MemoryHub) Join(id SessionID) Channel {
	h.mu.Lock()
	h.states[id] = State{Session: id}
	h.mu.Unlock()
	h.notify()
	return &memoryChannel{hub: h, session: id}
}

func (h *MemoryHub) notify() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type memoryChannel struct {
	hub     *MemoryHub
	session SessionID
	closed  bool
}

func (c *memoryChannel) Session() SessionID { return c.session }

func (c *memoryChannel) LocalState() State {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.states[c.session]
}

func (c *memoryChannel) SetLocalField(key string, value any) error {
	c.hub.mu.Lock()
	st, ok := c.hub.states[c.session]
	if !ok || c.closed {
		c.hub.mu.Unlock()
		return fmt.Errorf("presence: session %s detached", c.session)
	}
	if err := applyField(&st, key, value); err != nil {
		c.hub.mu.Unlock()
		return err
	}
	c.hub.states[c.session] = st
	c.hub.mu.Unlock()
	c.hub.notify()
	return nil
}

func (c *memoryChannel) States() map[SessionID]State {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	out := make(map[SessionID]State, len(c.hub.states))
	for id, st := range c.hub.states {
		out[id] = st
	}
	return out
}

func (c *memoryChannel) Subscribe(fn func()) func() {
	c.hub.mu.Lock()
	id := c.hub.nextSub
	c.hub.nextSub++
	c.hub.subs[id] = fn
	c.hub.mu.Unlock()
	return func() {
		c.hub.mu.Lock()
		delete(c.hub.subs, id)
		c.hub.mu.Unlock()
	}
}

func (c *memoryChannel) Close() error {
	c.hub.mu.Lock()
	c.closed = true
	delete(c.hub.states, c.session)
	c.hub.mu.Unlock()
	c.hub.notify()
	return nil
}

// applyField writes one presence field, shared by the channel
// implementations. A nil cursor value (typed or untyped) clears the cursor.
func applyField(st *State, key string, value any) error {
	switch key {
	case FieldName:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("presence: field %q wants string, got %T", key, value)
		}
		st.Name = s
	case FieldColor:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("presence: field %q wants string, got %T", key, value)
		}
		st.Color = s
	case FieldCursor:
		if value == nil {
			st.Cursor = nil
			return nil
		}
		cur, ok := value.(*Cursor)
		if !ok {
			return fmt.Errorf("presence: field %q wants *Cursor, got %T", key, value)
		}
		st.Cursor = cur
	default:
		return fmt.Errorf("presence: field %q: %w", key, ErrUnknownField)
	}
	return nil
}
