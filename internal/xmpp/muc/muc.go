// Package muc manages multi-user chat rooms: discovery, creation,
// joining and leaving.
package muc

import (
	"context"
	"encoding/xml"
	"strings"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/disco"
)

// Conn is the slice of the transport the manager needs.
type Conn interface {
	Send(v any) error
	Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error)
	JID() string
}

// Config carries the room-service parameters.
type Config struct {
	// ConferenceDomain is the rooms subdomain, e.g. conference.chat.example.
	ConferenceDomain string
	// SettleDelay is how long to wait after the create-join presence
	// before sending the owner configuration form.
	SettleDelay time.Duration
	// Priority is stamped on join presences.
	Priority int
}

// Room describes a joined or discovered room.
type Room struct {
	JID  string
	Name string
	Nick string
}

type joinPresence struct {
	XMLName  xml.Name `xml:"presence"`
	To       string   `xml:"to,attr"`
	Priority int      `xml:"priority,omitempty"`
	X        mucX     `xml:"x"`
}

type mucX struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc x"`
}

type leavePresence struct {
	XMLName xml.Name `xml:"presence"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
}

type ownerQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    dataForm `xml:"x"`
}

type dataForm struct {
	XMLName xml.Name    `xml:"jabber:x:data x"`
	Type    string      `xml:"type,attr"`
	Fields  []formField `xml:"field"`
}

type formField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

// Manager tracks room membership and drives the room-service protocol.
type Manager struct {
	conn Conn
	cfg  Config

	mu     sync.Mutex
	joined map[string]Room
	cache  *disco.Cache
}

// NewManager creates a room manager.
func NewManager(conn Conn, cfg Config) *Manager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	return &Manager{
		conn:   conn,
		cfg:    cfg,
		joined: make(map[string]Room),
		cache:  disco.NewCache(),
	}
}

// ListRooms enumerates the rooms the conference service advertises.
func (m *Manager) ListRooms(ctx context.Context) ([]Room, error) {
	if items := m.cache.GetItems(m.cfg.ConferenceDomain); items != nil {
		return itemsToRooms(items), nil
	}
	items, err := disco.Items(ctx, m.conn, m.cfg.ConferenceDomain)
	if err != nil {
		return nil, err
	}
	m.cache.SetItems(m.cfg.ConferenceDomain, items)
	return itemsToRooms(items), nil
}

// CreateRoom creates and configures a persistent room. The room name is
// normalized into the room address; the caller joins as creator under
// nick. The owner form is sent after a settle delay so the service has
// registered the locked room.
func (m *Manager) CreateRoom(ctx context.Context, name, nick string) (Room, error) {
	roomJID := m.roomJID(name)
	if nick == "" {
		nick = localpart(m.conn.JID())
	}

	join := joinPresence{
		To:       roomJID + "/" + nick,
		Priority: m.cfg.Priority,
	}
	if err := m.conn.Send(join); err != nil {
		return Room{}, xmpp.NewError(xmpp.KindSendFailed, err)
	}

	select {
	case <-ctx.Done():
		return Room{}, xmpp.NewError(xmpp.KindDisconnected, ctx.Err())
	case <-time.After(m.cfg.SettleDelay):
	}

	cfgForm := ownerQuery{
		Form: dataForm{
			Type: "submit",
			Fields: []formField{
				{Var: "FORM_TYPE", Type: "hidden", Values: []string{"http://jabber.org/protocol/muc#roomconfig"}},
				{Var: "muc#roomconfig_roomname", Values: []string{name}},
				{Var: "muc#roomconfig_nickname", Values: []string{nick}},
				{Var: "muc#roomconfig_persistentroom", Values: []string{"1"}},
			},
		},
	}
	if _, err := m.conn.Query(ctx, roomJID, "set", cfgForm, xmpp.DefaultQueryTimeout); err != nil {
		return Room{}, err
	}

	room := Room{JID: roomJID, Name: name, Nick: nick}
	m.mu.Lock()
	m.joined[roomJID] = room
	m.cache.Clear()
	m.mu.Unlock()
	return room, nil
}

// JoinRoom joins an existing room under nick. The join is optimistic:
// success is reported once the presence is written, and a rejection
// surfaces later as an error presence from the room.
func (m *Manager) JoinRoom(roomJID, nick string) (Room, error) {
	if nick == "" {
		nick = localpart(m.conn.JID())
	}
	roomJID = strings.ToLower(bareOf(roomJID))

	join := joinPresence{
		To:       roomJID + "/" + nick,
		Priority: m.cfg.Priority,
	}
	if err := m.conn.Send(join); err != nil {
		return Room{}, xmpp.NewError(xmpp.KindSendFailed, err)
	}

	room := Room{JID: roomJID, Name: localpart(roomJID), Nick: nick}
	m.mu.Lock()
	m.joined[roomJID] = room
	m.mu.Unlock()
	return room, nil
}

// LeaveRoom departs a joined room. Leaving a room that was never joined
// is a no-op.
func (m *Manager) LeaveRoom(roomJID string) error {
	roomJID = strings.ToLower(bareOf(roomJID))

	m.mu.Lock()
	room, ok := m.joined[roomJID]
	if ok {
		delete(m.joined, roomJID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	leave := leavePresence{
		To:   roomJID + "/" + room.Nick,
		Type: "unavailable",
	}
	if err := m.conn.Send(leave); err != nil {
		return xmpp.NewError(xmpp.KindSendFailed, err)
	}
	return nil
}

// RoomDetails queries the room's service-discovery information.
func (m *Manager) RoomDetails(ctx context.Context, roomJID string) (*disco.Info, error) {
	roomJID = strings.ToLower(bareOf(roomJID))
	if info := m.cache.GetInfo(roomJID); info != nil {
		return info, nil
	}
	info, err := disco.GetInfo(ctx, m.conn, roomJID)
	if err != nil {
		return nil, err
	}
	m.cache.SetInfo(roomJID, info)
	return info, nil
}

// Joined returns the rooms currently joined.
func (m *Manager) Joined() []Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.joined))
	for _, r := range m.joined {
		out = append(out, r)
	}
	return out
}

// Clear drops membership and discovery state, for logout.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.joined = make(map[string]Room)
	m.cache.Clear()
	m.mu.Unlock()
}

// roomJID derives the room address from a display name: lowercased,
// spaces replaced with underscores, at the conference domain.
func (m *Manager) roomJID(name string) string {
	local := strings.ToLower(strings.TrimSpace(name))
	local = strings.ReplaceAll(local, " ", "_")
	return local + "@" + m.cfg.ConferenceDomain
}

func itemsToRooms(items []disco.Item) []Room {
	rooms := make([]Room, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = localpart(it.JID)
		}
		rooms = append(rooms, Room{JID: it.JID, Name: name})
	}
	return rooms
}

func localpart(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil || j.Localpart() == "" {
		return addr
	}
	return j.Localpart()
}

func bareOf(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		return addr
	}
	return j.Bare().String()
}
