package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stiv2202/Proyecto-Redes/internal/session"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/chat"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/presence"
	"github.com/stiv2202/Proyecto-Redes/internal/xmpp/roster"
)

type view int

const (
	viewLogin view = iota
	viewMain
)

type loginField int

const (
	fieldUser loginField = iota
	fieldPassword
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(lipgloss.Color("8")).
			PaddingRight(1)
	senderStyle = lipgloss.NewStyle().Bold(true)

	presenceColors = map[string]lipgloss.Color{
		"green":  lipgloss.Color("2"),
		"red":    lipgloss.Color("1"),
		"yellow": lipgloss.Color("3"),
		"orange": lipgloss.Color("208"),
		"gray":   lipgloss.Color("8"),
		"black":  lipgloss.Color("0"),
	}
)

type restoredMsg struct {
	ok bool
}

type loginResultMsg struct {
	err error
}

type registerResultMsg struct {
	err error
}

type opResultMsg struct {
	text string
	err  error
}

type model struct {
	ctrl *session.Controller

	view   view
	width  int
	height int

	// Login form
	focus    loginField
	user     string
	password string
	busy     bool
	loginErr string

	// Main view
	contacts []roster.Contact
	states   map[string]string
	target   string
	lines    []string
	input    string
	status   string
}

func newModel(ctrl *session.Controller) model {
	return model{
		ctrl:   ctrl,
		states: make(map[string]string),
	}
}

func (m model) Init() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		return restoredMsg{ok: m.ctrl.Restore(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case restoredMsg:
		if msg.ok {
			m.view = viewMain
			m.status = "session restored as " + m.ctrl.JID()
			return m, m.refreshContacts()
		}
		return m, nil

	case loginResultMsg:
		m.busy = false
		if msg.err != nil {
			m.loginErr = msg.err.Error()
			return m, nil
		}
		m.view = viewMain
		m.status = "connected as " + m.ctrl.JID()
		return m, m.refreshContacts()

	case registerResultMsg:
		m.busy = false
		if msg.err != nil {
			m.loginErr = msg.err.Error()
			return m, nil
		}
		m.loginErr = "account created, press enter to sign in"
		return m, nil

	case opResultMsg:
		if msg.err != nil {
			m.lines = append(m.lines, errorStyle.Render("error: "+msg.err.Error()))
		} else if msg.text != "" {
			for _, line := range strings.Split(msg.text, "\n") {
				m.lines = append(m.lines, line)
			}
		}
		return m, nil

	case contactsMsg:
		if msg.err == nil {
			m.contacts = msg.contacts
		}
		return m, nil

	case session.EventMsg:
		return m.handleEvent(msg)

	case tea.KeyMsg:
		if m.view == viewLogin {
			return m.updateLogin(msg)
		}
		return m.updateMain(msg)
	}

	return m, nil
}

func (m model) handleEvent(ev session.EventMsg) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case session.EventMessage:
		if msg, ok := ev.Data.(chat.Event); ok {
			m.lines = append(m.lines, renderMessage(msg))
		}
	case session.EventPresence:
		if up, ok := ev.Data.(session.PresenceUpdate); ok {
			m.states[up.JID] = up.State
		}
	case session.EventDisconnected:
		m.status = "disconnected"
	case session.EventError:
		if err, ok := ev.Data.(error); ok && err != nil {
			m.lines = append(m.lines, errorStyle.Render("error: "+err.Error()))
		}
	}
	return m, nil
}

func renderMessage(msg chat.Event) string {
	sender := senderStyle.Render(msg.Sender)
	if msg.Groupchat {
		sender = senderStyle.Render(msg.Room) + " " + sender
	}
	body := msg.Body
	if msg.FileURL != "" {
		body = strings.TrimSpace(body + " [file] " + msg.FileURL)
	}
	return fmt.Sprintf("%s %s: %s", time.Now().Format("15:04"), sender, body)
}

func (m model) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		if m.focus == fieldUser {
			m.focus = fieldPassword
		} else {
			m.focus = fieldUser
		}
		return m, nil
	case tea.KeyEnter:
		if m.user == "" || m.password == "" {
			m.loginErr = "user and password are required"
			return m, nil
		}
		m.busy = true
		m.loginErr = ""
		user, password := m.user, m.password
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()
			return loginResultMsg{err: m.ctrl.Login(ctx, user, password)}
		}
	case tea.KeyCtrlR:
		if m.user == "" || m.password == "" {
			m.loginErr = "user and password are required"
			return m, nil
		}
		m.busy = true
		m.loginErr = ""
		user, password := m.user, m.password
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()
			return registerResultMsg{err: m.ctrl.Register(ctx, user, password)}
		}
	case tea.KeyBackspace:
		if m.focus == fieldUser && m.user != "" {
			m.user = m.user[:len(m.user)-1]
		} else if m.focus == fieldPassword && m.password != "" {
			m.password = m.password[:len(m.password)-1]
		}
		return m, nil
	case tea.KeyRunes, tea.KeySpace:
		if m.focus == fieldUser {
			m.user += string(msg.Runes)
		} else {
			m.password += string(msg.Runes)
		}
		return m, nil
	}
	return m, nil
}

func (m model) updateMain(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEnter:
		line := strings.TrimSpace(m.input)
		m.input = ""
		if line == "" {
			return m, nil
		}
		if strings.HasPrefix(line, "/") {
			return m.runCommand(line)
		}
		if m.target == "" {
			m.lines = append(m.lines, errorStyle.Render("no target, use /to <jid> first"))
			return m, nil
		}
		target, body := m.target, line
		m.lines = append(m.lines, fmt.Sprintf("%s %s: %s",
			time.Now().Format("15:04"), senderStyle.Render("me"), body))
		return m, func() tea.Msg {
			return opResultMsg{err: m.ctrl.SendMessage(target, body)}
		}
	case tea.KeyBackspace:
		if m.input != "" {
			m.input = m.input[:len(m.input)-1]
		}
		return m, nil
	case tea.KeyRunes, tea.KeySpace:
		m.input += string(msg.Runes)
		return m, nil
	}
	return m, nil
}

func (m model) runCommand(line string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "/quit":
		return m, tea.Quit

	case "/to":
		if len(args) >= 1 {
			m.target = args[0]
			m.status = "talking to " + m.target
		}
		return m, nil

	case "/contacts":
		return m, m.refreshContacts()

	case "/add":
		if len(args) < 1 {
			m.lines = append(m.lines, errorStyle.Render("usage: /add <jid> [name]"))
			return m, nil
		}
		jidStr := args[0]
		name := ""
		if len(args) > 1 {
			name = strings.Join(args[1:], " ")
		}
		return m, tea.Sequence(m.withCtx(func(ctx context.Context) opResultMsg {
			return opResultMsg{text: "subscription requested to " + jidStr,
				err: m.ctrl.AddContact(ctx, jidStr, name)}
		}), m.refreshContacts())

	case "/who":
		if len(args) < 1 {
			m.lines = append(m.lines, errorStyle.Render("usage: /who <jid>"))
			return m, nil
		}
		jidStr := args[0]
		return m, m.withCtx(func(ctx context.Context) opResultMsg {
			contact, state, err := m.ctrl.ContactDetails(ctx, jidStr)
			if err != nil {
				return opResultMsg{err: err}
			}
			return opResultMsg{text: fmt.Sprintf("%s (%s) subscription=%s presence=%s",
				contact.JID, contact.Name, contact.Subscription, state)}
		})

	case "/send":
		if len(args) < 1 {
			m.lines = append(m.lines, errorStyle.Render("usage: /send <path>"))
			return m, nil
		}
		if m.target == "" {
			m.lines = append(m.lines, errorStyle.Render("no target, use /to <jid> first"))
			return m, nil
		}
		path, target := args[0], m.target
		return m, m.withCtx(func(ctx context.Context) opResultMsg {
			data, err := os.ReadFile(path)
			if err != nil {
				return opResultMsg{err: err}
			}
			url, err := m.ctrl.SendFile(ctx, target, filepath.Base(path), data, "")
			if err != nil {
				return opResultMsg{err: err}
			}
			return opResultMsg{text: "file shared: " + url}
		})

	case "/history":
		target := m.target
		if len(args) >= 1 {
			target = args[0]
		}
		if target == "" {
			m.lines = append(m.lines, errorStyle.Render("usage: /history <jid>"))
			return m, nil
		}
		return m, m.withCtx(func(ctx context.Context) opResultMsg {
			entries, err := m.ctrl.History(ctx, target, 50)
			if err != nil {
				return opResultMsg{err: err}
			}
			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "%s %s: %s\n", e.Timestamp.Format("Jan 2 15:04"), e.From, e.Body)
			}
			if b.Len() == 0 {
				return opResultMsg{text: "no archived messages with " + target}
			}
			return opResultMsg{text: strings.TrimRight(b.String(), "\n")}
		})

	case "/rooms":
		return m, m.withCtx(func(ctx context.Context) opResultMsg {
			rooms, err := m.ctrl.Rooms(ctx)
			if err != nil {
				return opResultMsg{err: err}
			}
			var b strings.Builder
			for _, r := range rooms {
				fmt.Fprintf(&b, "%s (%s)\n", r.JID, r.Name)
			}
			if b.Len() == 0 {
				return opResultMsg{text: "no rooms available"}
			}
			return opResultMsg{text: strings.TrimRight(b.String(), "\n")}
		})

	case "/create":
		if len(args) < 1 {
			m.lines = append(m.lines, errorStyle.Render("usage: /create <name> [nick]"))
			return m, nil
		}
		name := args[0]
		nick := ""
		if len(args) > 1 {
			nick = args[1]
		}
		return m, m.withCtx(func(ctx context.Context) opResultMsg {
			room, err := m.ctrl.CreateRoom(ctx, name, nick)
			if err != nil {
				return opResultMsg{err: err}
			}
			return opResultMsg{text: "room created: " + room.JID}
		})

	case "/join":
		if len(args) < 1 {
			m.lines = append(m.lines, errorStyle.Render("usage: /join <room> [nick]"))
			return m, nil
		}
		nick := ""
		if len(args) > 1 {
			nick = args[1]
		}
		room, err := m.ctrl.JoinRoom(args[0], nick)
		if err != nil {
			m.lines = append(m.lines, errorStyle.Render("error: "+err.Error()))
			return m, nil
		}
		m.target = room.JID
		m.status = "joined " + room.JID + " as " + room.Nick
		return m, nil

	case "/leave":
		room := m.target
		if len(args) >= 1 {
			room = args[0]
		}
		if err := m.ctrl.LeaveRoom(room); err != nil {
			m.lines = append(m.lines, errorStyle.Render("error: "+err.Error()))
		} else {
			m.status = "left " + room
			if m.target == room {
				m.target = ""
			}
		}
		return m, nil

	case "/logout":
		if err := m.ctrl.Logout(); err != nil {
			m.lines = append(m.lines, errorStyle.Render("error: "+err.Error()))
			return m, nil
		}
		return m.reset(), nil

	case "/delete-account":
		return m, m.withCtx(func(ctx context.Context) opResultMsg {
			return opResultMsg{text: "account deleted", err: m.ctrl.DeleteAccount(ctx)}
		})

	default:
		m.lines = append(m.lines, errorStyle.Render("unknown command: "+cmd))
		return m, nil
	}
}

func (m model) reset() model {
	next := newModel(m.ctrl)
	next.width = m.width
	next.height = m.height
	return next
}

type contactsMsg struct {
	contacts []roster.Contact
	err      error
}

func (m model) refreshContacts() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		contacts, err := m.ctrl.Contacts(ctx)
		return contactsMsg{contacts: contacts, err: err}
	}
}

func (m model) withCtx(fn func(ctx context.Context) opResultMsg) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		return fn(ctx)
	}
}

func (m model) View() string {
	if m.view == viewLogin {
		return m.viewLogin()
	}
	return m.viewMain()
}

func (m model) viewLogin() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Sign in") + "\n\n")

	userLine := "  "
	passLine := "  "
	if m.focus == fieldUser {
		userLine = "> "
	} else {
		passLine = "> "
	}
	b.WriteString(userLine + labelStyle.Render("user: ") + m.user + "\n")
	b.WriteString(passLine + labelStyle.Render("password: ") + strings.Repeat("*", len(m.password)) + "\n\n")

	if m.busy {
		b.WriteString(statusStyle.Render("connecting...") + "\n")
	}
	if m.loginErr != "" {
		b.WriteString(errorStyle.Render(m.loginErr) + "\n")
	}
	b.WriteString("\n" + labelStyle.Render("tab: switch field, enter: sign in, ctrl+r: create account, esc: quit"))
	return b.String()
}

func (m model) viewMain() string {
	sidebar := m.viewSidebar()

	logHeight := m.height - 3
	if logHeight < 1 {
		logHeight = 1
	}
	lines := m.lines
	if len(lines) > logHeight {
		lines = lines[len(lines)-logHeight:]
	}

	main := strings.Join(lines, "\n") +
		strings.Repeat("\n", logHeight-len(lines)) +
		"\n" + statusStyle.Render(m.status) +
		"\n> " + m.input

	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", main)
}

func (m model) viewSidebar() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Contacts") + "\n")

	contacts := make([]roster.Contact, len(m.contacts))
	copy(contacts, m.contacts)
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].JID < contacts[j].JID })

	for _, c := range contacts {
		state := m.states[c.JID]
		if state == "" {
			state = m.ctrl.PresenceOf(c.JID)
		}
		dot := lipgloss.NewStyle().
			Foreground(presenceColors[presence.Color(state)]).
			Render("●")
		b.WriteString(dot + " " + c.Name + "\n")
	}
	return sidebarStyle.Render(b.String())
}
