// Package registrytest provides an in-memory registry.Conn that records the
// frames sent to it.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close or when the conn is set to fail.
var ErrClosed = errors.New("registrytest: connection closed")

// Conn records frames instead of writing them to a network.
type Conn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

// NewConn creates a recording connection with the given id.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fail {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// FailSends makes every later Send fail as if the peer had gone away.
func (c *Conn) FailSends() {
	c.mu.Lock()
	c.fail = true
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of everything sent so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Reset forgets recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Event is a decoded outbound frame.
type Event map[string]any

// Type returns the "type" field.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// Events decodes every recorded frame. Frames that are not JSON objects are
// skipped.
func (c *Conn) Events() []Event {
	var out []Event
	for _, f := range c.Frames() {
		var ev Event
		if err := json.Unmarshal(f, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// EventsOfType returns the decoded frames whose type is t.
func (c *Conn) EventsOfType(t string) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}
