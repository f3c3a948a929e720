// Package session composes the transport and the protocol managers into
// the application session: login, credential persistence and restore,
// logout, and account deletion.
package session

import (
	"context"
	"encoding/xml"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/config"
	"github.com/stiv2202/Proyecto-Redes/internal/logging"
	"github.com/stiv2202/Proyecto-Redes/internal/store"
	"github.com/stiv2202/Proyecto-Redes/internal/vault"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/chat"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/disco"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/muc"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/presence"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/roster"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/upload"
)

// transport is the slice of the XMPP client the controller drives.
// Narrowed to an interface so tests can substitute a fake.
type transport interface {
	Connect(ctx context.Context, user, secret string) error
	Register(ctx context.Context, user, secret string) error
	Disconnect()
	Send(v any) error
	Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error)
	SendPresence(ptype string) error
	State() xmpp.State
	JID() jid.JID
	OnMessage(fn func(xmpp.Message)) *xmpp.Subscription
	OnPresence(fn func(xmpp.Presence)) *xmpp.Subscription
	SetDisconnectHandler(fn func(err error))
}

// sessionStore is the persistence surface the controller needs.
type sessionStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

type registerRemove struct {
	XMLName xml.Name `xml:"jabber:iq:register query"`
	Remove  struct{} `xml:"remove"`
}

// mucConn narrows the transport for the room manager, which addresses
// stanzas with string identifiers.
type mucConn struct {
	t transport
}

func (c mucConn) Send(v any) error { return c.t.Send(v) }

func (c mucConn) Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error) {
	return c.t.Query(ctx, to, iqType, payload, timeout)
}

func (c mucConn) JID() string { return c.t.JID().Bare().String() }

// Controller owns a single account session end to end.
type Controller struct {
	cfg   *config.Config
	log   *logging.Logger
	conn  transport
	store sessionStore

	events   *EventBus
	contacts *roster.Manager
	presence *presence.Manager
	chats    *chat.Engine
	rooms    *muc.Manager
}

// New creates a controller over a real XMPP client.
func New(cfg *config.Config, log *logging.Logger, st *store.Store) *Controller {
	client := xmpp.NewClient(xmpp.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Domain:   cfg.Server.Domain,
		Resource: cfg.Server.Resource,
		Priority: cfg.Server.Priority,
		Logger:   log,
	})
	return newController(cfg, log, st, client)
}

func newController(cfg *config.Config, log *logging.Logger, st sessionStore, conn transport) *Controller {
	c := &Controller{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		store:    st,
		events:   NewEventBus(),
		presence: presence.NewManager(),
	}

	c.contacts = roster.NewManager(conn, cfg.Server.Priority)

	uploads := upload.NewService(conn, cfg.Upload.Service)
	c.chats = chat.NewEngine(conn, uploads, cfg.MUC.ConferenceDomain)

	c.rooms = muc.NewManager(mucConn{t: conn}, muc.Config{
		ConferenceDomain: cfg.MUC.ConferenceDomain,
		SettleDelay:      time.Duration(cfg.MUC.SettleDelayMS) * time.Millisecond,
		Priority:         cfg.Server.Priority,
	})

	// Standing wiring: inbound traffic flows into the managers and out
	// through the event bus for the process lifetime.
	c.chats.OnMessage(func(ev chat.Event) {
		c.events.Publish(EventMsg{Type: EventMessage, Data: ev})
	})
	conn.OnPresence(func(p xmpp.Presence) {
		c.presence.HandlePresence(p)
	})
	c.presence.OnChange(func(id, state string) {
		c.events.Publish(EventMsg{Type: EventPresence, Data: PresenceUpdate{JID: id, State: state}})
	})
	conn.SetDisconnectHandler(func(err error) {
		c.log.Warn("stream lost: %v", err)
		c.events.Publish(EventMsg{Type: EventDisconnected, Data: err})
	})

	return c
}

// Events returns the session event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// JID returns the bound account address, empty before login.
func (c *Controller) JID() string {
	j := c.conn.JID()
	if j.Equal(jid.JID{}) {
		return ""
	}
	return j.Bare().String()
}

// Connected reports whether the transport is up.
func (c *Controller) Connected() bool {
	return c.conn.State() == xmpp.StateConnected
}

// Login authenticates and brings the session online: credentials are
// persisted for restore, the presence manager is bound to the account,
// and the initial available presence is broadcast.
func (c *Controller) Login(ctx context.Context, user, secret string) error {
	if err := c.conn.Connect(ctx, user, secret); err != nil {
		return err
	}

	if blob, err := vault.Encrypt(user, secret); err != nil {
		c.log.Warn("session not persisted: %v", err)
	} else if err := c.store.Put(store.SessionKey, blob); err != nil {
		c.log.Warn("session not persisted: %v", err)
	}

	c.presence.Bind(c.conn.JID().Bare().String(), c.conn.SendPresence)
	c.presence.SetIntended(presence.StateAvailable)
	if err := c.conn.SendPresence(presence.StateAvailable); err != nil {
		c.log.Warn("initial presence not sent: %v", err)
	}

	c.events.Publish(EventMsg{Type: EventConnected, Data: c.JID()})
	return nil
}

// Register creates a new account on the server by in-band registration.
// The account is not signed in and nothing is persisted; the caller
// follows up with Login.
func (c *Controller) Register(ctx context.Context, user, secret string) error {
	return c.conn.Register(ctx, user, secret)
}

// Restore attempts to resume the previously persisted session. It
// reports whether a session came online; every failure path degrades to
// false, and an undecryptable record is discarded.
func (c *Controller) Restore(ctx context.Context) bool {
	blob, ok, err := c.store.Get(store.SessionKey)
	if err != nil || !ok {
		return false
	}

	user, secret, err := vault.Decrypt(blob)
	if err != nil {
		c.log.Warn("discarding unreadable session record: %v", err)
		_ = c.store.Delete(store.SessionKey)
		return false
	}

	if err := c.Login(ctx, user, secret); err != nil {
		c.log.Info("session restore failed: %v", err)
		return false
	}
	return true
}

// Logout closes the session and forgets the persisted credentials and
// all protocol state.
func (c *Controller) Logout() error {
	if c.conn.State() != xmpp.StateConnected {
		return xmpp.NewError(xmpp.KindNotConnected, nil)
	}

	c.conn.Disconnect()
	if err := c.store.Delete(store.SessionKey); err != nil {
		c.log.Warn("session record not removed: %v", err)
	}
	c.clearState()

	c.events.Publish(EventMsg{Type: EventDisconnected})
	return nil
}

// DeleteAccount removes the account from the server, then tears the
// session down locally whether or not the removal succeeded.
func (c *Controller) DeleteAccount(ctx context.Context) error {
	if c.conn.State() != xmpp.StateConnected {
		return xmpp.NewError(xmpp.KindNotConnected, nil)
	}

	_, err := c.conn.Query(ctx, "", "set", registerRemove{}, xmpp.DefaultQueryTimeout)

	c.conn.Disconnect()
	if derr := c.store.Delete(store.SessionKey); derr != nil {
		c.log.Warn("session record not removed: %v", derr)
	}
	c.clearState()

	c.events.Publish(EventMsg{Type: EventDisconnected})
	return err
}

func (c *Controller) clearState() {
	c.contacts.Clear()
	c.presence.Clear()
	c.rooms.Clear()
}

// Contacts fetches the roster from the server.
func (c *Controller) Contacts(ctx context.Context) ([]roster.Contact, error) {
	return c.contacts.Fetch(ctx)
}

// AddContact adds a contact and requests a mutual subscription.
func (c *Controller) AddContact(ctx context.Context, jidStr, name string) error {
	return c.contacts.Add(ctx, jidStr, name)
}

// ContactDetails returns the roster entry and presence for one contact.
func (c *Controller) ContactDetails(ctx context.Context, jidStr string) (roster.Contact, string, error) {
	contact, err := c.contacts.Details(ctx, jidStr)
	if err != nil {
		return roster.Contact{}, "", err
	}
	return contact, c.presence.Get(contact.JID), nil
}

// PresenceOf returns the last known presence state for an identifier.
func (c *Controller) PresenceOf(id string) string {
	return c.presence.Get(id)
}

// SendMessage delivers a text message to a contact or room.
func (c *Controller) SendMessage(to, body string) error {
	return c.chats.Send(to, body)
}

// SendFile uploads a file and delivers its link, returning the share URL.
func (c *Controller) SendFile(ctx context.Context, to, filename string, data []byte, contentType string) (string, error) {
	return c.chats.SendFile(ctx, to, filename, data, contentType)
}

// History fetches archived messages exchanged with a contact or room.
func (c *Controller) History(ctx context.Context, target string, max int) ([]chat.Archived, error) {
	return c.chats.History(ctx, target, max)
}

// Rooms lists the rooms on the conference service.
func (c *Controller) Rooms(ctx context.Context) ([]muc.Room, error) {
	return c.rooms.ListRooms(ctx)
}

// CreateRoom creates and configures a persistent room.
func (c *Controller) CreateRoom(ctx context.Context, name, nick string) (muc.Room, error) {
	return c.rooms.CreateRoom(ctx, name, nick)
}

// JoinRoom joins an existing room.
func (c *Controller) JoinRoom(roomJID, nick string) (muc.Room, error) {
	return c.rooms.JoinRoom(roomJID, nick)
}

// LeaveRoom departs a joined room.
func (c *Controller) LeaveRoom(roomJID string) error {
	return c.rooms.LeaveRoom(roomJID)
}

// RoomDetails queries a room's discovery information.
func (c *Controller) RoomDetails(ctx context.Context, roomJID string) (*disco.Info, error) {
	return c.rooms.RoomDetails(ctx, roomJID)
}

// JoinedRooms returns the rooms currently joined.
func (c *Controller) JoinedRooms() []muc.Room {
	return c.rooms.Joined()
}
