// Package chattui is the interactive terminal client: a conversation list
// with a connection indicator, and an open-chat screen with a composer.
package chattui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/tOgg1/gardenchat/internal/events"
	"github.com/tOgg1/gardenchat/internal/messaging"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/notify"
	"github.com/tOgg1/gardenchat/internal/unread"
)

// updateBuffer bounds runtime updates waiting for the UI loop. Overflow is
// dropped; every update re-reads runtime snapshots.
const updateBuffer = 128

// ChatView is an open conversation.
type ChatView interface {
	ID() int64
	Messages() []models.Message
	Send(ctx context.Context, body string) (models.Message, error)
	Reload(ctx context.Context) error
	Close()
}

// Runtime is what the TUI needs from the messaging runtime.
type Runtime interface {
	Subscribe(fn func(messaging.Update)) (*events.Subscription, error)
	Conversations() []models.Conversation
	Unread() unread.Counts
	ConnectionState() models.ConnectionState
	LastStateChange() time.Time
	Identity() models.Identity
	AttachSurface(surface notify.Surface) (detach func())
	RefreshConversations(ctx context.Context) ([]models.Conversation, error)
	Open(ctx context.Context, conversationID int64) (ChatView, error)
	Connect() bool
	SetForeground(foreground bool)
}

type runtimeAdapter struct {
	*messaging.Runtime
}

// Adapt exposes a messaging runtime to the TUI.
func Adapt(rt *messaging.Runtime) Runtime {
	return runtimeAdapter{rt}
}

func (a runtimeAdapter) Open(ctx context.Context, conversationID int64) (ChatView, error) {
	v, err := a.OpenConversation(ctx, conversationID)
	if v == nil {
		return nil, err
	}
	return v, err
}

// Config holds TUI settings.
type Config struct {
	Theme           string
	RefreshInterval time.Duration
	Now             func() time.Time
}

type (
	updateMsg    struct{ update messaging.Update }
	tickMsg      struct{}
	refreshedMsg struct{ err error }
	openedMsg    struct {
		view ChatView
		err  error
	}
	reloadedMsg struct {
		view ChatView
		err  error
	}
	sentMsg struct {
		draft string
		err   error
	}
)

// Model is the bubbletea model.
type Model struct {
	rt      Runtime
	cfg     Config
	styles  styles
	ctx     context.Context
	cancel  context.CancelFunc
	updates chan messaging.Update
	sub     *events.Subscription
	detach  func()

	width  int
	height int

	convs     []models.Conversation
	counts    unread.Counts
	state     models.ConnectionState
	changedAt time.Time
	selected  int

	view    ChatView
	compose string
	status  string
}

// NewModel subscribes to rt and mounts the conversation list.
func NewModel(ctx context.Context, rt Runtime, cfg Config) (*Model, error) {
	if rt == nil {
		return nil, errors.New("chattui: runtime is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Model{
		rt:      rt,
		cfg:     cfg,
		styles:  newStyles(ThemeByName(cfg.Theme)),
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan messaging.Update, updateBuffer),
	}
	sub, err := rt.Subscribe(func(u messaging.Update) {
		select {
		case m.updates <- u:
		default:
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.sub = sub
	m.detach = rt.AttachSurface(notify.SurfaceConversationList)
	m.sync()
	return m, nil
}

// Close releases the subscription, the mounted surface and any open chat.
func (m *Model) Close() {
	if m.view != nil {
		m.view.Close()
		m.view = nil
	}
	if m.detach != nil {
		m.detach()
		m.detach = nil
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.cancel()
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.tick(), m.refreshCmd(), m.connectCmd())
}

func (m *Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		select {
		case u := <-m.updates:
			return updateMsg{update: u}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.RefreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *Model) refreshCmd() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		_, err := m.rt.RefreshConversations(ctx)
		return refreshedMsg{err: err}
	}
}

func (m *Model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		m.rt.Connect()
		return nil
	}
}

func (m *Model) openCmd(conversationID int64) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		view, err := m.rt.Open(ctx, conversationID)
		return openedMsg{view: view, err: err}
	}
}

func (m *Model) sendCmd(view ChatView, body string) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		_, err := view.Send(ctx, body)
		return sentMsg{draft: body, err: err}
	}
}

func (m *Model) reloadCmd(view ChatView) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return reloadedMsg{view: view, err: view.Reload(ctx)}
	}
}

// sync re-reads the runtime snapshots the screens render from.
func (m *Model) sync() {
	m.convs = m.rt.Conversations()
	m.counts = m.rt.Unread()
	m.state = m.rt.ConnectionState()
	m.changedAt = m.rt.LastStateChange()
	if m.selected >= len(m.convs) {
		m.selected = len(m.convs) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = typed.Width, typed.Height
		return m, nil
	case tea.FocusMsg:
		m.rt.SetForeground(true)
		return m, nil
	case tea.BlurMsg:
		m.rt.SetForeground(false)
		return m, nil
	case tickMsg:
		m.sync()
		return m, m.tick()
	case updateMsg:
		m.applyUpdate(typed.update)
		return m, m.waitForUpdate()
	case refreshedMsg:
		if typed.err != nil {
			m.status = "refresh failed: " + typed.err.Error()
		}
		m.sync()
		return m, nil
	case openedMsg:
		m.applyOpened(typed)
		return m, nil
	case reloadedMsg:
		if typed.view == m.view && m.view != nil {
			m.status = ""
			if typed.err != nil {
				m.status = "history unavailable: " + typed.err.Error() + " (ctrl+r to retry)"
			}
		}
		return m, nil
	case sentMsg:
		if typed.err != nil {
			draft := typed.draft
			var sendErr *models.SendError
			if errors.As(typed.err, &sendErr) {
				draft = sendErr.Draft
			}
			if m.compose == "" {
				m.compose = draft
			}
			m.status = "send failed: " + typed.err.Error()
		}
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

func (m *Model) applyUpdate(u messaging.Update) {
	m.sync()
	switch u.Kind {
	case messaging.UpdateNotification:
		if u.Notification != nil {
			m.status = fmt.Sprintf("new message from %s", u.Notification.Title)
		}
	case messaging.UpdateConnection:
		if u.State == models.StateGivenUp {
			m.status = "gave up reconnecting; press c to connect"
		}
	}
}

func (m *Model) applyOpened(msg openedMsg) {
	if msg.view == nil {
		if msg.err != nil {
			m.status = "open failed: " + msg.err.Error()
		}
		return
	}
	if m.view != nil {
		m.view.Close()
	}
	m.view = msg.view
	m.compose = ""
	m.mount(notify.SurfaceOpenChat)
	m.status = ""
	if msg.err != nil {
		m.status = "history unavailable: " + msg.err.Error() + " (ctrl+r to retry)"
	}
	m.sync()
}

func (m *Model) mount(surface notify.Surface) {
	if m.detach != nil {
		m.detach()
	}
	m.detach = m.rt.AttachSurface(surface)
}

func (m *Model) closeChat() {
	if m.view == nil {
		return
	}
	m.view.Close()
	m.view = nil
	m.compose = ""
	m.status = ""
	m.mount(notify.SurfaceConversationList)
	m.sync()
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeyCtrlC {
		return tea.Quit
	}
	if m.view != nil {
		return m.handleChatKey(msg)
	}
	switch msg.String() {
	case "q":
		return tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.convs)-1 {
			m.selected++
		}
	case "enter":
		if m.selected < len(m.convs) {
			return m.openCmd(m.convs[m.selected].ID)
		}
	case "r":
		return m.refreshCmd()
	case "c":
		m.status = ""
		return m.connectCmd()
	}
	return nil
}

func (m *Model) handleChatKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.closeChat()
	case tea.KeyEnter:
		body := m.compose
		if strings.TrimSpace(body) == "" {
			return nil
		}
		m.compose = ""
		m.status = ""
		return m.sendCmd(m.view, body)
	case tea.KeyBackspace:
		if r := []rune(m.compose); len(r) > 0 {
			m.compose = string(r[:len(r)-1])
		}
	case tea.KeyCtrlR:
		return m.reloadCmd(m.view)
	case tea.KeySpace:
		m.compose += " "
	case tea.KeyRunes:
		m.compose += string(msg.Runes)
	}
	return nil
}

func (m *Model) View() string {
	header := m.renderHeader()
	footer := m.renderFooter()
	bodyHeight := m.height - lipgloss.Height(header) - lipgloss.Height(footer)
	if bodyHeight < 1 {
		bodyHeight = 1
	}
	var body string
	if m.view != nil {
		body = m.renderChat(bodyHeight)
	} else {
		body = m.renderList(bodyHeight)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *Model) fit(s string) string {
	if m.width <= 0 {
		return s
	}
	return lipgloss.NewStyle().MaxWidth(m.width).Render(s)
}

func (m *Model) renderHeader() string {
	now := m.cfg.Now()
	var dot lipgloss.Style
	switch m.state {
	case models.StateConnected:
		dot = m.styles.online
	case models.StateConnecting, models.StateReconnecting:
		dot = m.styles.pending
	default:
		dot = m.styles.offline
	}
	since := ""
	if !m.changedAt.IsZero() {
		since = " " + humanize.RelTime(m.changedAt, now, "ago", "from now")
	}
	title := "gardenchat"
	if name := strings.TrimSpace(m.rt.Identity().FirstName); name != "" {
		title += " · " + name
	}
	parts := []string{
		m.styles.header.Render(title),
		dot.Render("●") + " " + m.state.String() + m.styles.muted.Render(since),
	}
	if total := m.counts.Total(); total > 0 {
		parts = append(parts, m.styles.unread.Render(fmt.Sprintf("%d unread", total)))
	}
	return m.fit(strings.Join(parts, "   "))
}

func (m *Model) renderFooter() string {
	help := "↑/↓ move · enter open · r refresh · c connect · q quit"
	if m.view != nil {
		help = "enter send · esc back · ctrl+r reload"
	}
	lines := []string{m.styles.muted.Render(help)}
	if m.status != "" {
		lines = append([]string{m.styles.accent.Render(m.status)}, lines...)
	}
	return m.fit(strings.Join(lines, "\n"))
}

func (m *Model) renderList(height int) string {
	if len(m.convs) == 0 {
		return m.styles.muted.Render("No conversations yet")
	}
	now := m.cfg.Now()
	start := 0
	if m.selected >= height {
		start = m.selected - height + 1
	}
	lines := make([]string, 0, height)
	for i := start; i < len(m.convs) && len(lines) < height; i++ {
		conv := m.convs[i]
		cursor := "  "
		title := conv.Title()
		if i == m.selected {
			cursor = m.styles.selected.Render("› ")
			title = m.styles.selected.Render(title)
		}
		line := cursor + title
		if n := m.counts[conv.ID]; n > 0 {
			line += " " + m.styles.unread.Render("("+strconv.Itoa(n)+")")
		}
		if conv.LastMessage != nil {
			preview := strings.Join(strings.Fields(conv.LastMessage.Body), " ")
			line += "  " + m.styles.muted.Render(preview)
			if !conv.LastMessage.CreatedAt.IsZero() {
				line += m.styles.muted.Render(" · " + humanize.RelTime(conv.LastMessage.CreatedAt, now, "ago", "from now"))
			}
		}
		lines = append(lines, m.fit(line))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderChat(height int) string {
	title := fmt.Sprintf("conversation %d", m.view.ID())
	for _, conv := range m.convs {
		if conv.ID == m.view.ID() {
			title = conv.Title()
			break
		}
	}
	self := m.rt.Identity().UserID

	msgs := m.view.Messages()
	room := height - 2
	if room < 0 {
		room = 0
	}
	if len(msgs) > room {
		msgs = msgs[len(msgs)-room:]
	}
	lines := []string{m.styles.header.Render(title)}
	for _, msg := range msgs {
		who := m.styles.other.Render(title)
		if msg.SenderID == self {
			who = m.styles.own.Render("you")
		}
		line := who + ": " + msg.Body
		if msg.Pending {
			line += m.styles.muted.Render(" …")
		}
		lines = append(lines, m.fit(line))
	}
	lines = append(lines, m.fit(m.styles.accent.Render("> ")+m.compose+"█"))
	return strings.Join(lines, "\n")
}
