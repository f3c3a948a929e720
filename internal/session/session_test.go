package session

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/stiv2202/Proyecto-Redes/internal/config"
	"github.com/stiv2202/Proyecto-Redes/internal/logging"
	"github.com/stiv2202/Proyecto-Redes/internal/store"
	"github.com/stiv2202/Proyecto-Redes/internal/vault"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp"
)

type recordedQuery struct {
	to      string
	iqType  string
	payload string
}

// fakeTransport stands in for the XMPP client.
type fakeTransport struct {
	state      xmpp.State
	jid        jid.JID
	connectErr  error
	registerErr error
	queryErr    error

	connectUser    string
	connectSecret  string
	registerUser   string
	registerSecret string
	presences     []string
	queries       []recordedQuery
	disconnects   int

	msgSubs      []func(xmpp.Message)
	presSubs     []func(xmpp.Presence)
	onDisconnect func(err error)
}

func newFakeTransport() *fakeTransport {
	j, _ := jid.Parse("alice@chat.example/PROJECT_1")
	return &fakeTransport{state: xmpp.StateIdle, jid: j}
}

func (f *fakeTransport) Connect(ctx context.Context, user, secret string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connectUser = user
	f.connectSecret = secret
	f.state = xmpp.StateConnected
	return nil
}

func (f *fakeTransport) Register(ctx context.Context, user, secret string) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registerUser = user
	f.registerSecret = secret
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.disconnects++
	f.state = xmpp.StateDisconnected
}

func (f *fakeTransport) Send(v any) error { return nil }

func (f *fakeTransport) Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error) {
	raw, err := xml.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.queries = append(f.queries, recordedQuery{to: to, iqType: iqType, payload: string(raw)})
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return nil, nil
}

func (f *fakeTransport) SendPresence(ptype string) error {
	f.presences = append(f.presences, ptype)
	return nil
}

func (f *fakeTransport) State() xmpp.State { return f.state }

func (f *fakeTransport) JID() jid.JID { return f.jid }

func (f *fakeTransport) OnMessage(fn func(xmpp.Message)) *xmpp.Subscription {
	f.msgSubs = append(f.msgSubs, fn)
	return xmpp.NewSubscription(func() {})
}

func (f *fakeTransport) OnPresence(fn func(xmpp.Presence)) *xmpp.Subscription {
	f.presSubs = append(f.presSubs, fn)
	return xmpp.NewSubscription(func() {})
}

func (f *fakeTransport) SetDisconnectHandler(fn func(err error)) { f.onDisconnect = fn }

// fakeStore is an in-memory sessionStore.
type fakeStore struct {
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Get(key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Put(key string, value []byte) error {
	s.data[key] = value
	return nil
}

func (s *fakeStore) Delete(key string) error {
	delete(s.data, key)
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Domain = "chat.example"
	cfg.MUC.ConferenceDomain = "conference.chat.example"
	cfg.Upload.Service = "httpfileupload.chat.example"
	return cfg
}

func newTestController(conn *fakeTransport, st *fakeStore) *Controller {
	return newController(testConfig(), logging.Discard(), st, conn)
}

func waitForEvent(t *testing.T, ch <-chan EventMsg) EventMsg {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("expected event")
		return EventMsg{}
	}
}

func TestLoginPersistsSessionAndSendsPresence(t *testing.T) {
	conn := newFakeTransport()
	st := newFakeStore()
	c := newTestController(conn, st)

	events := make(chan EventMsg, 1)
	c.Events().Subscribe(EventConnected, func(ev EventMsg) { events <- ev })

	if err := c.Login(context.Background(), "alice@chat.example", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	blob, ok := st.data[store.SessionKey]
	if !ok {
		t.Fatalf("expected session record to be persisted")
	}
	user, secret, err := vault.Decrypt(blob)
	if err != nil {
		t.Fatalf("decrypt persisted record: %v", err)
	}
	if user != "alice@chat.example" || secret != "s3cret" {
		t.Fatalf("unexpected persisted credentials: %q %q", user, secret)
	}

	if len(conn.presences) != 1 || conn.presences[0] != "available" {
		t.Fatalf("expected initial available presence, got %v", conn.presences)
	}

	ev := waitForEvent(t, events)
	if ev.Data != "alice@chat.example" {
		t.Fatalf("unexpected connected payload: %v", ev.Data)
	}
	if !c.Connected() || c.JID() != "alice@chat.example" {
		t.Fatalf("unexpected controller state")
	}
}

func TestLoginFailurePersistsNothing(t *testing.T) {
	conn := newFakeTransport()
	conn.connectErr = xmpp.NewError(xmpp.KindAuthenticationFailed, errors.New("not-authorized"))
	st := newFakeStore()
	c := newTestController(conn, st)

	err := c.Login(context.Background(), "alice@chat.example", "wrong")
	if !xmpp.IsKind(err, xmpp.KindAuthenticationFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if len(st.data) != 0 {
		t.Fatalf("failed login must not persist credentials")
	}
	if len(conn.presences) != 0 {
		t.Fatalf("failed login must not broadcast presence")
	}
}

func TestRegisterCreatesAccountWithoutSigningIn(t *testing.T) {
	conn := newFakeTransport()
	st := newFakeStore()
	c := newTestController(conn, st)

	if err := c.Register(context.Background(), "carol", "pa55word"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if conn.registerUser != "carol" || conn.registerSecret != "pa55word" {
		t.Fatalf("unexpected registration credentials: %q %q", conn.registerUser, conn.registerSecret)
	}
	if conn.connectUser != "" {
		t.Fatalf("register must not connect the session")
	}
	if len(st.data) != 0 {
		t.Fatalf("register must not persist credentials")
	}
	if c.Connected() {
		t.Fatalf("register must leave the controller offline")
	}
}

func TestRegisterSurfacesServerRejection(t *testing.T) {
	conn := newFakeTransport()
	conn.registerErr = xmpp.ProtocolError("conflict")
	c := newTestController(conn, newFakeStore())

	err := c.Register(context.Background(), "carol", "pa55word")
	if !xmpp.IsKind(err, xmpp.KindProtocolError) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestRestoreResumesPersistedSession(t *testing.T) {
	conn := newFakeTransport()
	st := newFakeStore()
	blob, err := vault.Encrypt("alice@chat.example", "s3cret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	st.data[store.SessionKey] = blob

	c := newTestController(conn, st)
	if !c.Restore(context.Background()) {
		t.Fatalf("expected restore to succeed")
	}
	if conn.connectUser != "alice@chat.example" || conn.connectSecret != "s3cret" {
		t.Fatalf("unexpected credentials used: %q %q", conn.connectUser, conn.connectSecret)
	}
}

func TestRestoreWithEmptyStore(t *testing.T) {
	conn := newFakeTransport()
	c := newTestController(conn, newFakeStore())

	if c.Restore(context.Background()) {
		t.Fatalf("expected restore to report false")
	}
	if conn.connectUser != "" {
		t.Fatalf("restore must not connect without a record")
	}
}

func TestRestoreDiscardsUnreadableRecord(t *testing.T) {
	conn := newFakeTransport()
	st := newFakeStore()
	st.data[store.SessionKey] = []byte("garbage")

	c := newTestController(conn, st)
	if c.Restore(context.Background()) {
		t.Fatalf("expected restore to report false")
	}
	if _, ok := st.data[store.SessionKey]; ok {
		t.Fatalf("expected unreadable record to be discarded")
	}
	if conn.connectUser != "" {
		t.Fatalf("restore must not connect with an unreadable record")
	}
}

func TestRestoreKeepsRecordWhenConnectFails(t *testing.T) {
	conn := newFakeTransport()
	conn.connectErr = xmpp.NewError(xmpp.KindTransportFailed, errors.New("connection refused"))
	st := newFakeStore()
	blob, _ := vault.Encrypt("alice@chat.example", "s3cret")
	st.data[store.SessionKey] = blob

	c := newTestController(conn, st)
	if c.Restore(context.Background()) {
		t.Fatalf("expected restore to report false")
	}
	if _, ok := st.data[store.SessionKey]; !ok {
		t.Fatalf("transport failure must not discard the record")
	}
}

func TestLogoutForgetsSession(t *testing.T) {
	conn := newFakeTransport()
	st := newFakeStore()
	c := newTestController(conn, st)

	if err := c.Login(context.Background(), "alice@chat.example", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := c.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if conn.disconnects != 1 {
		t.Fatalf("expected transport disconnect, got %d", conn.disconnects)
	}
	if _, ok := st.data[store.SessionKey]; ok {
		t.Fatalf("expected session record removed")
	}
	if c.PresenceOf("bob@chat.example") != "unknown" {
		t.Fatalf("expected presence state cleared")
	}
}

func TestLogoutWhileDisconnected(t *testing.T) {
	conn := newFakeTransport()
	c := newTestController(conn, newFakeStore())

	err := c.Logout()
	if !xmpp.IsKind(err, xmpp.KindNotConnected) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
}

func TestDeleteAccountAlwaysTearsDown(t *testing.T) {
	conn := newFakeTransport()
	conn.queryErr = xmpp.ProtocolError("forbidden")
	st := newFakeStore()
	c := newTestController(conn, st)

	if err := c.Login(context.Background(), "alice@chat.example", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	err := c.DeleteAccount(context.Background())
	if !xmpp.IsKind(err, xmpp.KindProtocolError) {
		t.Fatalf("expected server error to surface, got %v", err)
	}

	if len(conn.queries) != 1 {
		t.Fatalf("expected one removal query, got %d", len(conn.queries))
	}
	q := conn.queries[0]
	if q.iqType != "set" || !strings.Contains(q.payload, "jabber:iq:register") || !strings.Contains(q.payload, "<remove") {
		t.Fatalf("unexpected removal query: %+v", q)
	}

	if conn.disconnects != 1 {
		t.Fatalf("teardown must run even when removal fails")
	}
	if _, ok := st.data[store.SessionKey]; ok {
		t.Fatalf("expected session record removed")
	}
}

func TestInboundTrafficFlowsToEventBus(t *testing.T) {
	conn := newFakeTransport()
	c := newTestController(conn, newFakeStore())

	messages := make(chan EventMsg, 1)
	presences := make(chan EventMsg, 1)
	c.Events().Subscribe(EventMessage, func(ev EventMsg) { messages <- ev })
	c.Events().Subscribe(EventPresence, func(ev EventMsg) { presences <- ev })

	from, _ := jid.Parse("bob@chat.example/pc")
	for _, fn := range conn.msgSubs {
		fn(xmpp.Message{From: from, Type: "chat", Body: "hi"})
	}
	for _, fn := range conn.presSubs {
		fn(xmpp.Presence{From: from})
	}

	ev := waitForEvent(t, messages)
	if ev.Type != EventMessage {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev = waitForEvent(t, presences)
	up, ok := ev.Data.(PresenceUpdate)
	if !ok || up.JID != "bob@chat.example" || up.State != "available" {
		t.Fatalf("unexpected presence payload: %+v", ev.Data)
	}
	if c.PresenceOf("bob@chat.example") != "available" {
		t.Fatalf("expected presence stored")
	}
}
