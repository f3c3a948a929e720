package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/logging"
)

// State is the transport's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAuthFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth-failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Message is an inbound message stanza reduced to the fields the client
// acts on.
type Message struct {
	From    jid.JID
	Type    string
	Body    string
	FileURL string
	Archive *ArchiveResult
}

// ArchiveResult carries one message-archive page entry (XEP-0313) wrapped
// in an inbound message.
type ArchiveResult struct {
	QueryID   string
	Forwarded []byte
}

// Presence is an inbound presence stanza. MUCUser is set when the stanza
// carries the muc#user extension, i.e. it reports a room occupant.
type Presence struct {
	From        jid.JID
	Type        string
	MUCUser     bool
	Role        string
	Affiliation string
}

// Subscription is a handle for a standing stanza handler. Unsubscribe is
// idempotent.
type Subscription struct {
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s != nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// NewSubscription wraps a cancel function. Higher layers that expose the
// same unsubscribe contract build their tokens with it.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Config configures the stanza transport.
type Config struct {
	// Host is the dial target. Defaults to Domain.
	Host string
	// Port defaults to 5222.
	Port int
	// Domain is the XMPP domain used to build the bound JID.
	Domain string
	// Resource is the preferred resource; the server may override it.
	Resource string
	// Priority is sent with every presence broadcast.
	Priority int

	Logger *logging.Logger
}

// Client owns the single streaming connection to the server. At most one
// connection is live per Client; Connect while connected or while another
// Connect is in flight is a no-op, and a reconnect replaces the previous
// stream.
type Client struct {
	mu       sync.RWMutex
	session  *xmpp.Session
	state    State
	jid      jid.JID
	host     string
	port     int
	domain   string
	resource string
	priority int
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	correlator *Correlator

	hmu          sync.RWMutex
	nextSub      int
	msgSubs      map[int]func(Message)
	presSubs     map[int]func(Presence)
	onDisconnect func(err error)
}

// NewClient creates a transport in the Idle state.
func NewClient(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.Host == "" {
		cfg.Host = cfg.Domain
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	c := &Client{
		state:    StateIdle,
		host:     cfg.Host,
		port:     cfg.Port,
		domain:   cfg.Domain,
		resource: cfg.Resource,
		priority: cfg.Priority,
		log:      cfg.Logger,
		msgSubs:  make(map[int]func(Message)),
		presSubs: make(map[int]func(Presence)),
	}
	c.correlator = newCorrelator(c.Send)
	return c
}

// Connect dials the server and negotiates StartTLS, SASL and resource
// binding. It returns once the identity is bound, with the failure kind
// matching the terminal status: KindAuthenticationFailed on rejected
// credentials, KindTransportFailed otherwise.
func (c *Client) Connect(ctx context.Context, user, secret string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	j, err := jid.New(user, c.domain, c.resource)
	if err != nil {
		return c.abortConnect(StateIdle, NewError(KindTransportFailed, fmt.Errorf("invalid JID: %w", err)))
	}

	// Dial and negotiate outside the lock so state queries and sends do
	// not stall behind a slow login.
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return c.abortConnect(StateIdle, NewError(KindTransportFailed, fmt.Errorf("dial %s: %w", addr, err)))
	}

	tlsConfig := &tls.Config{
		ServerName: c.domain,
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", secret, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, j.Domain(), j, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return c.abortConnect(StateAuthFailed, NewError(KindAuthenticationFailed, err))
		}
		return c.abortConnect(StateIdle, NewError(KindTransportFailed, err))
	}

	bound := session.LocalAddr()

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the handshake; drop the fresh stream.
		c.mu.Unlock()
		_ = session.Close()
		conn.Close()
		return NewError(KindDisconnected, nil)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.session = session
	c.jid = bound
	c.state = StateConnected
	c.mu.Unlock()

	c.correlator.reset()

	go c.readLoop(session)

	c.log.Info("connected as %s", bound.String())
	return nil
}

// abortConnect rolls the state back after a failed handshake, unless a
// concurrent Disconnect already moved it on.
func (c *Client) abortConnect(s State, err error) error {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = s
	}
	c.mu.Unlock()
	return err
}

// Register creates an account on the server by in-band registration
// (XEP-0077). It runs on a dedicated stream negotiated up to StartTLS,
// before any authentication, and leaves the client state untouched; the
// caller logs in afterwards. A taken username surfaces as the server's
// "conflict" condition.
func (c *Client) Register(ctx context.Context, user, secret string) error {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return NewError(KindTransportFailed, fmt.Errorf("dial %s: %w", addr, err))
	}

	origin, err := jid.New("", c.domain, "")
	if err != nil {
		conn.Close()
		return NewError(KindTransportFailed, fmt.Errorf("invalid domain: %w", err))
	}

	tlsConfig := &tls.Config{
		ServerName: c.domain,
		MinVersion: tls.VersionTLS12,
	}
	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{xmpp.StartTLS(tlsConfig)},
		}
	})

	session, err := xmpp.NewSession(ctx, origin.Domain(), origin, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return NewError(KindTransportFailed, err)
	}
	defer conn.Close()
	defer session.Close()

	payload, err := xml.Marshal(registerQuery{Username: user, Password: secret})
	if err != nil {
		return NewError(KindSendFailed, fmt.Errorf("marshal register payload: %w", err))
	}
	id := uuid.NewString()
	if err := session.Encode(ctx, iqStanza{ID: id, Type: "set", Inner: payload}); err != nil {
		return NewError(KindSendFailed, err)
	}

	d := xml.NewTokenDecoder(session.TokenReader())
	for {
		if err := ctx.Err(); err != nil {
			return NewError(KindDisconnected, err)
		}
		tok, err := d.Token()
		if err != nil {
			return NewError(KindTransportFailed, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "iq" {
			if err := d.Skip(); err != nil {
				return NewError(KindTransportFailed, err)
			}
			continue
		}
		var iq inboundIQ
		if err := d.DecodeElement(&iq, &start); err != nil {
			return NewError(KindTransportFailed, err)
		}
		if iq.ID != id {
			continue
		}
		if iq.Type == "error" {
			return ProtocolError(errorCondition(iq.Inner))
		}
		return nil
	}
}

// Disconnect tears down the stream. Safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	session := c.session
	cancel := c.cancel
	ctx := c.ctx
	c.session = nil
	c.cancel = nil
	if c.state == StateConnected || c.state == StateConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if session != nil {
		// Best effort: announce unavailability before closing.
		_ = session.Encode(ctx, presenceStanza{Type: "unavailable"})
		_ = session.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.correlator.failAll()
}

// Send writes a stanza to the stream. When not connected it is a silent
// no-op; callers that need the distinction check State first.
func (c *Client) Send(v any) error {
	c.mu.RLock()
	session := c.session
	ctx := c.ctx
	connected := c.state == StateConnected
	c.mu.RUnlock()

	if !connected || session == nil {
		c.log.Debug("send dropped, transport not connected")
		return nil
	}
	return session.Encode(ctx, v)
}

// Query issues an IQ through the correlator. See Correlator.Query.
func (c *Client) Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error) {
	if c.State() != StateConnected {
		return nil, NewError(KindNotConnected, nil)
	}
	return c.correlator.Query(ctx, to, iqType, payload, timeout)
}

// SendPresence broadcasts a presence of the given type with the configured
// priority. An empty or "available" type is sent without a type attribute.
func (c *Client) SendPresence(ptype string) error {
	if ptype == "available" {
		ptype = ""
	}
	return c.Send(presenceStanza{Type: ptype, Priority: c.priority})
}

// State returns the transport state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// JID returns the bound full identifier. Zero until connected.
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// OnMessage registers a standing handler for inbound message stanzas.
func (c *Client) OnMessage(fn func(Message)) *Subscription {
	c.hmu.Lock()
	id := c.nextSub
	c.nextSub++
	c.msgSubs[id] = fn
	c.hmu.Unlock()

	return &Subscription{cancel: func() {
		c.hmu.Lock()
		delete(c.msgSubs, id)
		c.hmu.Unlock()
	}}
}

// OnPresence registers a standing handler for inbound presence stanzas.
func (c *Client) OnPresence(fn func(Presence)) *Subscription {
	c.hmu.Lock()
	id := c.nextSub
	c.nextSub++
	c.presSubs[id] = fn
	c.hmu.Unlock()

	return &Subscription{cancel: func() {
		c.hmu.Lock()
		delete(c.presSubs, id)
		c.hmu.Unlock()
	}}
}

// SetDisconnectHandler sets the callback invoked when the stream dies
// outside an explicit Disconnect.
func (c *Client) SetDisconnectHandler(fn func(err error)) {
	c.hmu.Lock()
	c.onDisconnect = fn
	c.hmu.Unlock()
}

func (c *Client) readLoop(session *xmpp.Session) {
	d := xml.NewTokenDecoder(session.TokenReader())

	for {
		tok, err := d.Token()
		if err != nil {
			c.teardown(err)
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			var m inboundMessage
			if err := d.DecodeElement(&m, &start); err != nil {
				c.log.Warn("malformed message stanza: %v", err)
				continue
			}
			c.dispatchMessage(m)
		case "presence":
			var p inboundPresence
			if err := d.DecodeElement(&p, &start); err != nil {
				c.log.Warn("malformed presence stanza: %v", err)
				continue
			}
			c.dispatchPresence(p)
		case "iq":
			var iq inboundIQ
			if err := d.DecodeElement(&iq, &start); err != nil {
				c.log.Warn("malformed iq stanza: %v", err)
				continue
			}
			if !c.correlator.resolve(iq) {
				c.log.Debug("unmatched iq id=%s type=%s", iq.ID, iq.Type)
			}
		default:
			if err := d.Skip(); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

func (c *Client) dispatchMessage(m inboundMessage) {
	msg := Message{Type: m.Type, Body: m.Body}
	msg.From, _ = jid.Parse(m.From)
	if m.OOB != nil {
		msg.FileURL = m.OOB.URL
	}
	if m.MAM != nil {
		msg.Archive = &ArchiveResult{QueryID: m.MAM.QueryID, Forwarded: m.MAM.Forwarded}
	}

	for _, fn := range c.messageHandlers() {
		fn(msg)
	}
}

func (c *Client) dispatchPresence(p inboundPresence) {
	pres := Presence{Type: p.Type, MUCUser: p.MUCUser != nil}
	pres.From, _ = jid.Parse(p.From)
	if p.MUCUser != nil && p.MUCUser.Item != nil {
		pres.Role = p.MUCUser.Item.Role
		pres.Affiliation = p.MUCUser.Item.Affiliation
	}

	for _, fn := range c.presenceHandlers() {
		fn(pres)
	}
}

func (c *Client) messageHandlers() []func(Message) {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	fns := make([]func(Message), 0, len(c.msgSubs))
	for _, fn := range c.msgSubs {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Client) presenceHandlers() []func(Presence) {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	fns := make([]func(Presence), 0, len(c.presSubs))
	for _, fn := range c.presSubs {
		fns = append(fns, fn)
	}
	return fns
}

// teardown handles the stream dying underneath the read loop.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.session = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.correlator.failAll()

	if !wasConnected {
		return
	}
	c.log.Warn("stream lost: %v", err)

	c.hmu.RLock()
	fn := c.onDisconnect
	c.hmu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "not-authorized") ||
		strings.Contains(s, "sasl") ||
		strings.Contains(s, "auth")
}
