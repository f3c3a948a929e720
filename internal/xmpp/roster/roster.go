// Package roster manages the server-persisted contact list.
package roster

import (
	"context"
	"encoding/xml"
	"sort"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
)

// Conn is the slice of the transport the roster needs.
type Conn interface {
	Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error)
	Send(v any) error
}

// Contact is a roster entry.
type Contact struct {
	JID          string
	Name         string
	Subscription string
}

type rosterQuery struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
}

type rosterResult struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
	Items   []struct {
		JID          string `xml:"jid,attr"`
		Name         string `xml:"name,attr"`
		Subscription string `xml:"subscription,attr"`
	} `xml:"item"`
}

type rosterSet struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
	Item    struct {
		JID          string `xml:"jid,attr"`
		Name         string `xml:"name,attr,omitempty"`
		Subscription string `xml:"subscription,attr"`
	} `xml:"item"`
}

type subscribePresence struct {
	XMLName  xml.Name `xml:"presence"`
	To       string   `xml:"to,attr"`
	Type     string   `xml:"type,attr"`
	Priority int      `xml:"priority,omitempty"`
}

// Manager fetches and maintains the contact list. The in-memory map is
// keyed by bare JID, so repeated adds of the same identifier overwrite
// rather than duplicate.
type Manager struct {
	mu       sync.RWMutex
	conn     Conn
	priority int
	contacts map[string]Contact
}

// NewManager creates a roster manager.
func NewManager(conn Conn, priority int) *Manager {
	return &Manager{
		conn:     conn,
		priority: priority,
		contacts: make(map[string]Contact),
	}
}

// Fetch issues a roster-get and returns the parsed contacts. A missing
// display name falls back to the local part of the identifier.
func (m *Manager) Fetch(ctx context.Context) ([]Contact, error) {
	reply, err := m.conn.Query(ctx, "", "get", rosterQuery{}, 0)
	if err != nil {
		return nil, err
	}

	var result rosterResult
	if err := xml.Unmarshal(reply, &result); err != nil {
		return nil, err
	}

	contacts := make([]Contact, 0, len(result.Items))
	m.mu.Lock()
	for _, item := range result.Items {
		c := Contact{
			JID:          item.JID,
			Name:         item.Name,
			Subscription: item.Subscription,
		}
		if c.Name == "" {
			c.Name = localpart(c.JID)
		}
		m.contacts[c.JID] = c
		contacts = append(contacts, c)
	}
	m.mu.Unlock()

	sort.Slice(contacts, func(i, j int) bool { return contacts[i].JID < contacts[j].JID })
	return contacts, nil
}

// Add issues a roster-set with subscription intent "both", then sends a
// subscribe presence to the same identifier. The two steps are sequential
// and not transactional: a failed subscribe after a successful set leaves
// the contact without an active subscription request, and re-adding
// retries it.
func (m *Manager) Add(ctx context.Context, jidStr, name string) error {
	set := rosterSet{}
	set.Item.JID = jidStr
	set.Item.Name = name
	set.Item.Subscription = "both"

	if _, err := m.conn.Query(ctx, "", "set", set, 0); err != nil {
		return err
	}

	m.mu.Lock()
	c := Contact{JID: jidStr, Name: name, Subscription: "both"}
	if c.Name == "" {
		c.Name = localpart(jidStr)
	}
	m.contacts[jidStr] = c
	m.mu.Unlock()

	err := m.conn.Send(subscribePresence{To: jidStr, Type: "subscribe", Priority: m.priority})
	if err != nil {
		return xmpp.NewError(xmpp.KindSendFailed, err)
	}
	return nil
}

// Details re-fetches the roster and returns the entry for jidStr.
func (m *Manager) Details(ctx context.Context, jidStr string) (Contact, error) {
	contacts, err := m.Fetch(ctx)
	if err != nil {
		return Contact{}, err
	}
	for _, c := range contacts {
		if c.JID == jidStr {
			return c, nil
		}
	}
	return Contact{}, xmpp.ProtocolError("item-not-found")
}

// All returns the cached contacts.
func (m *Manager) All() []Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contacts := make([]Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		contacts = append(contacts, c)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].JID < contacts[j].JID })
	return contacts
}

// Clear drops the cached contacts. Called on session teardown.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = make(map[string]Contact)
}

func localpart(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil || j.Localpart() == "" {
		return addr
	}
	return j.Localpart()
}
