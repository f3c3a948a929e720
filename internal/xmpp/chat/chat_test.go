package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/upload"
)

// fakeConn implements Conn for engine tests. Its Query hook can emit
// inbound messages before replying, mimicking archive pages that arrive
// while the query is in flight.
type fakeConn struct {
	state    xmpp.State
	sent     []any
	handlers []func(xmpp.Message)
	onQuery  func(to, iqType string, payload any) ([]byte, error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: xmpp.StateConnected}
}

func (f *fakeConn) Send(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error) {
	if f.onQuery != nil {
		return f.onQuery(to, iqType, payload)
	}
	return nil, nil
}

func (f *fakeConn) State() xmpp.State { return f.state }

func (f *fakeConn) OnMessage(fn func(xmpp.Message)) *xmpp.Subscription {
	f.handlers = append(f.handlers, fn)
	return xmpp.NewSubscription(func() {})
}

func (f *fakeConn) emit(m xmpp.Message) {
	for _, fn := range f.handlers {
		fn(m)
	}
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return j
}

func newTestEngine(conn *fakeConn) *Engine {
	uploads := upload.NewService(conn, "httpfileupload.chat.example")
	return NewEngine(conn, uploads, "conference.chat.example")
}

func TestSendDirectChatUsesBareTarget(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	if err := e.Send("alice@chat.example/phone", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := conn.sent[0].(messageStanza)
	if msg.Type != "chat" {
		t.Fatalf("expected chat type, got %q", msg.Type)
	}
	if msg.To != "alice@chat.example" {
		t.Fatalf("expected bare target, got %q", msg.To)
	}
	if msg.Body != "hello" || msg.ID == "" {
		t.Fatalf("unexpected stanza: %+v", msg)
	}
}

func TestSendToRoomUsesGroupchat(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	if err := e.Send("team@conference.chat.example", "hello room"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := conn.sent[0].(messageStanza)
	if msg.Type != "groupchat" {
		t.Fatalf("expected groupchat type, got %q", msg.Type)
	}
	if msg.To != "team@conference.chat.example" {
		t.Fatalf("unexpected target: %q", msg.To)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	conn := newFakeConn()
	conn.state = xmpp.StateDisconnected
	e := newTestEngine(conn)

	err := e.Send("alice@chat.example", "hello")
	if !xmpp.IsKind(err, xmpp.KindNotConnected) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestIsRoomMatchesConferenceSubdomain(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	cases := map[string]bool{
		"alice@chat.example":                 false,
		"team@conference.chat.example":       true,
		"team@conference.chat.example/alice": true,
		"Team@Conference.Chat.Example":       true,
		"ops@conference.other.example":       true,
		"conference.chat.example":            false,
		"noat-target":                        false,
		"svc@httpfileupload.chat.example":    false,
	}
	for target, want := range cases {
		if got := e.isRoom(target); got != want {
			t.Fatalf("isRoom(%q) = %v, want %v", target, got, want)
		}
	}
}

func TestOnMessageFiltersEmptyStanzas(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	var events []Event
	e.OnMessage(func(ev Event) { events = append(events, ev) })

	// Chat-state style stanza with no body and no file reference.
	conn.emit(xmpp.Message{From: mustJID(t, "bob@chat.example/pc"), Type: "chat"})
	// Archive page, delivered to History collectors only.
	conn.emit(xmpp.Message{
		From:    mustJID(t, "alice@chat.example"),
		Type:    "chat",
		Body:    "old",
		Archive: &xmpp.ArchiveResult{QueryID: "q1"},
	})
	conn.emit(xmpp.Message{From: mustJID(t, "bob@chat.example/pc"), Type: "chat", Body: "hi"})

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Sender != "bob@chat.example" || events[0].Body != "hi" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Groupchat {
		t.Fatalf("expected direct chat classification")
	}
}

func TestOnMessageGroupchatSenderIsNickname(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	var got Event
	e.OnMessage(func(ev Event) { got = ev })

	conn.emit(xmpp.Message{
		From: mustJID(t, "team@conference.chat.example/carol"),
		Type: "groupchat",
		Body: "&lt;escaped&gt; &amp; &quot;quoted&quot;",
	})

	if !got.Groupchat {
		t.Fatalf("expected groupchat classification")
	}
	if got.Sender != "carol" {
		t.Fatalf("expected occupant nickname, got %q", got.Sender)
	}
	if got.Room != "team@conference.chat.example" {
		t.Fatalf("unexpected room: %q", got.Room)
	}
	if got.Body != `<escaped> & "quoted"` {
		t.Fatalf("entities not decoded: %q", got.Body)
	}
}

func TestOnMessageFileOnly(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	var got Event
	e.OnMessage(func(ev Event) { got = ev })

	conn.emit(xmpp.Message{
		From:    mustJID(t, "bob@chat.example"),
		Type:    "chat",
		FileURL: "https://files.chat.example/a.png",
	})

	if got.FileURL != "https://files.chat.example/a.png" {
		t.Fatalf("expected file event, got %+v", got)
	}
}

func TestSendFileUploadsThenReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	conn := newFakeConn()
	conn.onQuery = func(to, iqType string, payload any) ([]byte, error) {
		return []byte(`<slot xmlns='urn:xmpp:http:upload:0'><put url='` + srv.URL + `'/><get url='https://files.chat.example/get/a.png'/></slot>`), nil
	}
	e := newTestEngine(conn)

	url, err := e.SendFile(context.Background(), "alice@chat.example", "a.png", []byte("bytes"), "image/png")
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if url != "https://files.chat.example/get/a.png" {
		t.Fatalf("unexpected share url: %q", url)
	}

	if len(conn.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(conn.sent))
	}
	msg := conn.sent[0].(messageStanza)
	if msg.OOB == nil || msg.OOB.URL != url {
		t.Fatalf("expected oob reference, got %+v", msg)
	}
	if msg.Body != "" {
		t.Fatalf("file message must not carry a body")
	}
}

func TestSendFileAbortsWhenUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	conn := newFakeConn()
	conn.onQuery = func(to, iqType string, payload any) ([]byte, error) {
		return []byte(`<slot xmlns='urn:xmpp:http:upload:0'><put url='` + srv.URL + `'/><get url='https://files.chat.example/get/a.png'/></slot>`), nil
	}
	e := newTestEngine(conn)

	_, err := e.SendFile(context.Background(), "alice@chat.example", "a.png", []byte("bytes"), "")
	if !xmpp.IsKind(err, xmpp.KindFileUploadFailed) {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("no message may reference a failed upload")
	}
}

func TestSendFileSlotFailure(t *testing.T) {
	conn := newFakeConn()
	conn.onQuery = func(to, iqType string, payload any) ([]byte, error) {
		return nil, xmpp.ProtocolError("resource-constraint")
	}
	e := newTestEngine(conn)

	_, err := e.SendFile(context.Background(), "alice@chat.example", "big.bin", []byte("bytes"), "")
	if !xmpp.IsKind(err, xmpp.KindFileUploadFailed) {
		t.Fatalf("expected upload failure, got %v", err)
	}
}

func TestHistoryCollectsArchivePages(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	conn.onQuery = func(to, iqType string, payload any) ([]byte, error) {
		q := payload.(mamQuery)
		if to != "" {
			t.Fatalf("direct history must query the own archive, got to=%q", to)
		}
		if iqType != "set" {
			t.Fatalf("unexpected iq type %q", iqType)
		}

		forwarded := []byte(`<forwarded xmlns='urn:xmpp:forward:0'><delay xmlns='urn:xmpp:delay' stamp='2026-08-30T10:00:00Z'/><message from='bob@chat.example/pc' to='alice@chat.example'><body>earlier &amp; archived</body></message></forwarded>`)
		conn.emit(xmpp.Message{
			From:    mustJID(t, "alice@chat.example"),
			Archive: &xmpp.ArchiveResult{QueryID: q.QueryID, Forwarded: forwarded},
		})
		return []byte(`<fin xmlns='urn:xmpp:mam:2' complete='true'/>`), nil
	}

	entries, err := e.History(context.Background(), "bob@chat.example", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.From != "bob@chat.example" || entry.To != "alice@chat.example" {
		t.Fatalf("unexpected endpoints: %+v", entry)
	}
	if entry.Body != "earlier & archived" {
		t.Fatalf("unexpected body: %q", entry.Body)
	}
	if entry.Timestamp.IsZero() {
		t.Fatalf("expected delay stamp to be parsed")
	}
	if entry.Groupchat {
		t.Fatalf("direct history must not be marked groupchat")
	}
}

func TestHistoryForRoomQueriesRoomArchive(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	conn.onQuery = func(to, iqType string, payload any) ([]byte, error) {
		if to != "team@conference.chat.example" {
			t.Fatalf("room history must query the room, got to=%q", to)
		}
		q := payload.(mamQuery)
		forwarded := []byte(`<forwarded xmlns='urn:xmpp:forward:0'><message from='team@conference.chat.example/carol' to='alice@chat.example'><body>room line</body></message></forwarded>`)
		conn.emit(xmpp.Message{
			From:    mustJID(t, "team@conference.chat.example"),
			Archive: &xmpp.ArchiveResult{QueryID: q.QueryID, Forwarded: forwarded},
		})
		return nil, nil
	}

	entries, err := e.History(context.Background(), "team@conference.chat.example", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].From != "carol" {
		t.Fatalf("expected occupant nickname, got %q", entries[0].From)
	}
	if !entries[0].Groupchat {
		t.Fatalf("expected groupchat classification")
	}
}

func TestHistoryIgnoresPagesForOtherQueries(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(conn)

	conn.onQuery = func(to, iqType string, payload any) ([]byte, error) {
		forwarded := []byte(`<forwarded xmlns='urn:xmpp:forward:0'><message from='bob@chat.example'><body>stray</body></message></forwarded>`)
		conn.emit(xmpp.Message{
			From:    mustJID(t, "alice@chat.example"),
			Archive: &xmpp.ArchiveResult{QueryID: "someone-elses-query", Forwarded: forwarded},
		})
		return nil, nil
	}

	entries, err := e.History(context.Background(), "bob@chat.example", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestDecodeEntities(t *testing.T) {
	in := "&lt;a&gt; &amp;&amp; &quot;b&quot;"
	want := `<a> && "b"`
	if got := DecodeEntities(in); got != want {
		t.Fatalf("DecodeEntities(%q) = %q, want %q", in, got, want)
	}
}
