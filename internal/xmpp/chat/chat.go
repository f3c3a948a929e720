// Package chat formats, sends and classifies chat traffic.
package chat

import (
	"context"
	"encoding/xml"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/upload"
)

// Conn is the slice of the transport the engine needs.
type Conn interface {
	Send(v any) error
	Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error)
	State() xmpp.State
	OnMessage(fn func(xmpp.Message)) *xmpp.Subscription
}

// Event is one classified inbound chat unit. For group chat the sender is
// the occupant nickname and Room carries the room's bare address; for
// direct chat the sender is the peer's bare address.
type Event struct {
	// ID is generated locally for list-rendering stability; it is not a
	// protocol identifier.
	ID        string
	Sender    string
	Body      string
	FileURL   string
	Groupchat bool
	Room      string
	Timestamp time.Time
}

// Archived is one message recovered from the server archive.
type Archived struct {
	From      string
	To        string
	Body      string
	Timestamp time.Time
	Groupchat bool
}

type messageStanza struct {
	XMLName xml.Name `xml:"message"`
	To      string   `xml:"to,attr"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	Body    string   `xml:"body,omitempty"`
	OOB     *oobX    `xml:"x,omitempty"`
}

type oobX struct {
	XMLName xml.Name `xml:"jabber:x:oob x"`
	URL     string   `xml:"url"`
}

type mamQuery struct {
	XMLName xml.Name `xml:"urn:xmpp:mam:2 query"`
	QueryID string   `xml:"queryid,attr"`
	Form    dataForm `xml:"x"`
	Set     *rsmSet  `xml:"set,omitempty"`
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

type rsmSet struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/rsm set"`
	Max     int      `xml:"max"`
}

type forwardedMessage struct {
	XMLName xml.Name `xml:"urn:xmpp:forward:0 forwarded"`
	Delay   *struct {
		Stamp string `xml:"stamp,attr"`
	} `xml:"urn:xmpp:delay delay"`
	Message struct {
		From string `xml:"from,attr"`
		To   string `xml:"to,attr"`
		Body string `xml:"body"`
	} `xml:"message"`
}

// Engine is the messaging engine. It frames outbound messages as chat or
// groupchat by inspecting the target's domain and classifies inbound
// stanzas for subscribers.
type Engine struct {
	conn       Conn
	uploads    *upload.Service
	conference string

	mu         sync.Mutex
	collectors map[string]*[]Archived
}

// NewEngine creates a messaging engine bound to the transport. The
// conference domain decides groupchat framing.
func NewEngine(conn Conn, uploads *upload.Service, conferenceDomain string) *Engine {
	e := &Engine{
		conn:       conn,
		uploads:    uploads,
		conference: conferenceDomain,
		collectors: make(map[string]*[]Archived),
	}
	// Standing handler for archive pages; lives for the process lifetime.
	conn.OnMessage(e.collectArchive)
	return e
}

// Send delivers a chat unit to a contact or room.
func (e *Engine) Send(to, body string) error {
	if e.conn.State() != xmpp.StateConnected {
		return xmpp.NewError(xmpp.KindNotConnected, nil)
	}

	group := e.isRoom(to)
	msg := messageStanza{
		To:   to,
		ID:   uuid.NewString(),
		Type: "chat",
		Body: body,
	}
	if group {
		msg.Type = "groupchat"
	} else {
		msg.To = bareOf(to)
	}

	if err := e.conn.Send(msg); err != nil {
		return xmpp.NewError(xmpp.KindSendFailed, err)
	}
	return nil
}

// SendFile runs the three-step file send: negotiate an upload slot, PUT
// the bytes to the write URL, then reference the read URL in an
// out-of-band message. Any step's failure aborts the whole operation; an
// uploaded-but-unreferenced file is not cleaned up.
func (e *Engine) SendFile(ctx context.Context, to, filename string, data []byte, contentType string) (string, error) {
	if e.conn.State() != xmpp.StateConnected {
		return "", xmpp.NewError(xmpp.KindNotConnected, nil)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	slot, err := e.uploads.RequestSlot(ctx, filename, int64(len(data)), contentType)
	if err != nil {
		return "", xmpp.NewError(xmpp.KindFileUploadFailed, err)
	}

	if err := e.uploads.Put(ctx, slot, data, contentType); err != nil {
		return "", xmpp.NewError(xmpp.KindFileUploadFailed, err)
	}

	group := e.isRoom(to)
	msg := messageStanza{
		To:   to,
		ID:   uuid.NewString(),
		Type: "chat",
		OOB:  &oobX{URL: slot.GetURL},
	}
	if group {
		msg.Type = "groupchat"
	} else {
		msg.To = bareOf(to)
	}

	if err := e.conn.Send(msg); err != nil {
		return "", xmpp.NewError(xmpp.KindFileUploadFailed, err)
	}
	return slot.GetURL, nil
}

// OnMessage registers a standing handler for inbound chat units. Stanzas
// carrying neither body nor file URL are filtered, not delivered.
func (e *Engine) OnMessage(fn func(Event)) *xmpp.Subscription {
	return e.conn.OnMessage(func(m xmpp.Message) {
		if m.Archive != nil {
			return
		}
		if m.Body == "" && m.FileURL == "" {
			return
		}

		group := m.Type == "groupchat"
		ev := Event{
			ID:        uuid.NewString(),
			Body:      DecodeEntities(m.Body),
			FileURL:   m.FileURL,
			Groupchat: group,
			Timestamp: time.Now(),
		}
		if group {
			ev.Sender = m.From.Resourcepart()
			ev.Room = m.From.Bare().String()
		} else {
			ev.Sender = m.From.Bare().String()
		}
		fn(ev)
	})
}

// History fetches up to max archived messages exchanged with target from
// the server archive. Room archives are queried at the room; direct
// archives at the user's own account.
func (e *Engine) History(ctx context.Context, target string, max int) ([]Archived, error) {
	if e.conn.State() != xmpp.StateConnected {
		return nil, xmpp.NewError(xmpp.KindNotConnected, nil)
	}
	if max <= 0 {
		max = 50
	}

	group := e.isRoom(target)
	queryID := uuid.NewString()

	var collected []Archived
	e.mu.Lock()
	e.collectors[queryID] = &collected
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.collectors, queryID)
		e.mu.Unlock()
	}()

	q := mamQuery{
		QueryID: queryID,
		Form: dataForm{
			Type: "submit",
			Fields: []formField{
				{Var: "FORM_TYPE", Type: "hidden", Values: []string{"urn:xmpp:mam:2"}},
				{Var: "with", Values: []string{target}},
			},
		},
		Set: &rsmSet{Max: max},
	}

	to := ""
	if group {
		to = target
	}
	if _, err := e.conn.Query(ctx, to, "set", q, 30*time.Second); err != nil {
		return nil, err
	}

	e.mu.Lock()
	out := make([]Archived, len(collected))
	copy(out, collected)
	e.mu.Unlock()

	for i := range out {
		out[i].Groupchat = group
	}
	return out, nil
}

// collectArchive routes archive pages to the pending History call.
func (e *Engine) collectArchive(m xmpp.Message) {
	if m.Archive == nil {
		return
	}

	e.mu.Lock()
	dst, ok := e.collectors[m.Archive.QueryID]
	e.mu.Unlock()
	if !ok {
		return
	}

	var fwd forwardedMessage
	if err := xml.Unmarshal(m.Archive.Forwarded, &fwd); err != nil {
		return
	}
	if fwd.Message.Body == "" {
		return
	}

	entry := Archived{
		From: bareOf(fwd.Message.From),
		To:   bareOf(fwd.Message.To),
		Body: DecodeEntities(fwd.Message.Body),
	}
	if from, err := jid.Parse(fwd.Message.From); err == nil && from.Resourcepart() != "" && e.isRoom(fwd.Message.From) {
		entry.From = from.Resourcepart()
	}
	if fwd.Delay != nil {
		if ts, err := time.Parse(time.RFC3339, fwd.Delay.Stamp); err == nil {
			entry.Timestamp = ts
		}
	}

	e.mu.Lock()
	*dst = append(*dst, entry)
	e.mu.Unlock()
}

// isRoom reports whether the target's domain part denotes the rooms
// service, e.g. team@conference.chat.example.
func (e *Engine) isRoom(target string) bool {
	j, err := jid.Parse(target)
	if err != nil || j.Localpart() == "" {
		return false
	}
	if j.Domainpart() == e.conference {
		return true
	}
	confLabel := firstLabel(e.conference)
	if confLabel == "" {
		confLabel = "conference"
	}
	return firstLabel(j.Domainpart()) == confLabel
}

func firstLabel(domain string) string {
	if i := strings.Index(domain, "."); i >= 0 {
		return domain[:i]
	}
	return ""
}

func bareOf(addr string) string {
	j, err := jid.Parse(addr)
	if err != nil {
		return addr
	}
	return j.Bare().String()
}

var entityReplacer = strings.NewReplacer(
	"&quot;", `"`,
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
)

// DecodeEntities reverses the HTML-entity escaping some servers apply to
// message bodies.
func DecodeEntities(s string) string {
	return entityReplacer.Replace(s)
}
