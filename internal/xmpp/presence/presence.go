// Package presence tracks the last-known availability of contacts and
// rooms.
package presence

import (
	"sync"

	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
)

// Well-known presence states. The state space is open-ended: the server
// may send values outside this list and they are stored as-is.
const (
	StateAvailable   = "available"
	StateUnavailable = "unavailable"
	StateSubscribe   = "subscribe"
	StateSubscribed  = "subscribed"
	StateUnknown     = "unknown"
)

// Manager holds the single most recent state per bare identifier,
// last-write-wins. Room-occupant presences are keyed by the room's bare
// address; consumers wanting the occupant nickname read the resource part
// from the stanza themselves.
type Manager struct {
	mu          sync.RWMutex
	states      map[string]string
	self        string
	intended    string
	rebroadcast func(ptype string) error

	nextSub int
	subs    map[int]func(id, state string)
}

// NewManager creates an empty presence manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]string),
		subs:   make(map[int]func(id, state string)),
	}
}

// Bind attaches the manager to a live session: the local user's bare JID
// and the function used to re-broadcast the intended presence.
func (m *Manager) Bind(selfBare string, rebroadcast func(ptype string) error) {
	m.mu.Lock()
	m.self = selfBare
	m.rebroadcast = rebroadcast
	m.mu.Unlock()
}

// SetIntended records the user's deliberate presence choice.
func (m *Manager) SetIntended(state string) {
	m.mu.Lock()
	m.intended = state
	m.mu.Unlock()
}

// HandlePresence classifies an inbound presence stanza and updates the
// map. A stale report about the local user that disagrees with the
// intended state triggers a corrective re-broadcast instead of an update.
func (m *Manager) HandlePresence(p xmpp.Presence) {
	state := p.Type
	if state == "" {
		state = StateAvailable
	}
	bare := p.From.Bare().String()

	if p.MUCUser {
		m.update(bare, state)
		return
	}

	m.mu.RLock()
	self := m.self
	intended := m.intended
	rebroadcast := m.rebroadcast
	m.mu.RUnlock()

	if bare == self && intended != "" && state != intended {
		if rebroadcast != nil {
			_ = rebroadcast(intended)
		}
		return
	}

	m.update(bare, state)
}

func (m *Manager) update(id, state string) {
	m.mu.Lock()
	m.states[id] = state
	fns := make([]func(string, string), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(id, state)
	}
}

// OnChange registers a standing handler called with (identifier, state)
// for every stored update.
func (m *Manager) OnChange(fn func(id, state string)) *xmpp.Subscription {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return xmpp.NewSubscription(func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})
}

// Get returns the last-known state for a bare identifier, or unknown.
func (m *Manager) Get(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[id]; ok {
		return state
	}
	return StateUnknown
}

// All returns a copy of the presence map.
func (m *Manager) All() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Clear drops all presence state. Called on full session teardown.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.states = make(map[string]string)
	m.self = ""
	m.intended = ""
	m.mu.Unlock()
}

// Color maps a presence state to its display color.
func Color(state string) string {
	switch state {
	case StateAvailable:
		return "green"
	case StateUnavailable:
		return "red"
	case StateSubscribe:
		return "yellow"
	case StateSubscribed:
		return "orange"
	case StateUnknown:
		return "gray"
	default:
		return "black"
	}
}
