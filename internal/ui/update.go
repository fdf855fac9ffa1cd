package ui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"agentchat/internal/api"
	"agentchat/internal/chat"
	"agentchat/internal/models"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var spCmd tea.Cmd
		m.Spinner, spCmd = m.Spinner.Update(msg)
		if snap := m.Chat.Snapshot(); snap.Pending || snap.State == chat.StateLoading {
			m.UpdateViewport()
		}
		return m, spCmd

	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height
		m.layout()
		glamourStyle := "dark"
		if !lipgloss.HasDarkBackground() {
			glamourStyle = "light"
		}
		m.Renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath(glamourStyle),
			glamour.WithWordWrap(m.Viewport.Width-6),
		)
		m.rendered = make(map[int64]string)
		m.UpdateViewport()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.Screen == ScreenLogin {
			return m.updateLogin(msg)
		}
		return m.updateMain(msg)

	case AuthExpiredMsg:
		if m.Screen == ScreenMain {
			m.toLogin(api.NoticeAuthExpired, true)
		}
		return m, nil

	case LoginDoneMsg:
		m.LoginBusy = false
		if msg.Err != nil {
			m.Logger.Info("login failed", "username", msg.Username, "register", msg.Register, "error", msg.Err)
			m.setError(noticeFor(msg.Err))
			return m, nil
		}
		m.Password.Reset()
		m.Password.Blur()
		m.Username.Blur()
		m.Screen = ScreenMain
		m.setFocus(FocusAgents)
		m.Working = "Loading agents"
		m.setInfo(fmt.Sprintf("Logged in as %s.", msg.Username))
		m.layout()
		m.UpdateViewport()
		return m, m.loadAgentsCmd()

	case LoggedOutMsg:
		if msg.Err != nil {
			m.Logger.Warn("logout did not clear stored credentials", "error", msg.Err)
		}
		m.toLogin("Logged out.", false)
		return m, nil

	case AgentsLoadedMsg:
		m.Working = ""
		if m.fail(msg.Err) {
			return m, nil
		}
		return m, m.syncAgentSelection()

	case AgentSavedMsg:
		m.Working = ""
		if !m.fail(msg.Err) {
			m.setInfo(fmt.Sprintf("Agent %q %s.", msg.Agent.Name, msg.Action))
		}
		return m, m.syncAgentSelection()

	case AgentInfoMsg:
		m.Working = ""
		if m.fail(msg.Err) {
			return m, m.syncAgentSelection()
		}
		agent := msg.Agent
		m.AgentInfo = &agent
		return m, m.syncAgentSelection()

	case SessionsLoadedMsg:
		if msg.AgentID != m.Sessions.AgentID() {
			return m, nil
		}
		m.Working = ""
		m.fail(msg.Err)
		m.clampCursors()
		return m, nil

	case SessionCreatedMsg:
		m.Working = ""
		if m.fail(msg.Err) && api.IsStatus(msg.Err, http.StatusNotFound) {
			return m, m.loadAgentsCmd()
		}
		if msg.Session.ID == 0 {
			return m, nil
		}
		if msg.Err == nil {
			m.setInfo("New session started.")
		}
		return m, m.openSession(msg.Session.ID)

	case SessionDeletedMsg:
		m.Working = ""
		failed := m.fail(msg.Err)
		if m.Chat.SessionID() == msg.SessionID && m.Sessions.Selected() != msg.SessionID {
			m.Chat.Select(0)
		}
		if !failed {
			m.setInfo("Session deleted.")
		}
		m.clampCursors()
		m.UpdateViewport()
		return m, nil

	case HistoryLoadedMsg:
		if errors.Is(msg.Err, chat.ErrStale) {
			return m, nil
		}
		m.forgetMissingSession(msg.SessionID, msg.Err)
		m.fail(msg.Err)
		m.UpdateViewport()
		return m, nil

	case DeliveredMsg:
		if errors.Is(msg.Err, chat.ErrStale) {
			return m, nil
		}
		m.forgetMissingSession(msg.SessionID, msg.Err)
		m.fail(msg.Err)
		m.UpdateViewport()
		return m, nil
	}

	return m, nil
}

func (m *Model) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		return m, tea.Quit
	case "ctrl+r":
		m.RegisterMode = !m.RegisterMode
		m.clearNotice()
		return m, nil
	case "tab", "shift+tab", "up", "down":
		m.setLoginField(1 - m.LoginField)
		return m, textinput.Blink
	case "enter":
		if m.LoginBusy {
			return m, nil
		}
		if m.LoginField == 0 {
			m.setLoginField(1)
			return m, textinput.Blink
		}
		username := strings.TrimSpace(m.Username.Value())
		password := m.Password.Value()
		if username == "" || password == "" {
			m.setError("Username and password are required")
			return m, nil
		}
		m.LoginBusy = true
		m.clearNotice()
		return m, m.loginCmd(username, password, m.RegisterMode)
	}

	var cmd tea.Cmd
	if m.LoginField == 0 {
		m.Username, cmd = m.Username.Update(msg)
	} else {
		m.Password, cmd = m.Password.Update(msg)
	}
	return m, cmd
}

func (m *Model) setLoginField(field int) {
	m.LoginField = field
	if field == 0 {
		m.Password.Blur()
		m.Username.Focus()
	} else {
		m.Username.Blur()
		m.Password.Focus()
	}
}

func (m *Model) updateMain(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.ShortcutsOpen {
		switch msg.String() {
		case "esc", "enter", "ctrl+s", "q":
			m.ShortcutsOpen = false
		}
		return m, nil
	}
	if m.AgentInfo != nil {
		switch msg.String() {
		case "esc", "enter", "q":
			m.AgentInfo = nil
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.clearNotice()
		return m, nil
	case "ctrl+s":
		m.ShortcutsOpen = true
		return m, nil
	case "tab":
		m.setFocus((m.Focus + 1) % 3)
		return m, nil
	case "shift+tab":
		m.setFocus((m.Focus + 2) % 3)
		return m, nil
	case "ctrl+n":
		return m, m.newSession()
	case "ctrl+d":
		return m, m.deleteFocused()
	case "ctrl+l":
		return m, m.logoutCmd()
	case "pgup", "pgdown":
		var vpCmd tea.Cmd
		m.Viewport, vpCmd = m.Viewport.Update(msg)
		return m, vpCmd
	}

	switch m.Focus {
	case FocusAgents:
		return m, m.updateAgentList(msg)
	case FocusSessions:
		return m, m.updateSessionList(msg)
	}
	return m.updateInput(msg)
}

func (m *Model) updateAgentList(msg tea.KeyMsg) tea.Cmd {
	list := m.Agents.Agents()
	switch msg.String() {
	case "up", "k":
		if len(list) > 0 {
			m.AgentCursor = (m.AgentCursor - 1 + len(list)) % len(list)
		}
	case "down", "j":
		if len(list) > 0 {
			m.AgentCursor = (m.AgentCursor + 1) % len(list)
		}
	case "enter":
		if m.AgentCursor < len(list) {
			return m.selectAgent(list[m.AgentCursor].ID)
		}
	}
	return nil
}

func (m *Model) updateSessionList(msg tea.KeyMsg) tea.Cmd {
	list := m.Sessions.Sessions()
	switch msg.String() {
	case "up", "k":
		if len(list) > 0 {
			m.SessionCursor = (m.SessionCursor - 1 + len(list)) % len(list)
		}
	case "down", "j":
		if len(list) > 0 {
			m.SessionCursor = (m.SessionCursor + 1) % len(list)
		}
	case "enter":
		if m.SessionCursor < len(list) {
			id := list[m.SessionCursor].ID
			if !m.Sessions.Select(id) {
				return nil
			}
			return m.openSession(id)
		}
	}
	return nil
}

func (m *Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if isNewlineShortcut(msg) {
		m.TextInput.InsertString("\n")
		m.layout()
		return m, nil
	}
	if msg.Type == tea.KeyEnter {
		return m, m.submit()
	}

	var tiCmd tea.Cmd
	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.layout()
	return m, tiCmd
}

func isNewlineShortcut(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "shift+enter", "shift+return", "ctrl+j", "ctrl+enter", "alt+enter":
		return true
	default:
		return false
	}
}

// submit runs a slash command or starts a text send.
func (m *Model) submit() tea.Cmd {
	input := m.TextInput.Value()
	if strings.TrimSpace(input) == "" {
		return nil
	}
	command, err := ParseCommand(input)
	if err != nil {
		m.setError(err.Error())
		return nil
	}
	if command.Kind != CmdNone {
		m.TextInput.Reset()
		m.layout()
		return m.runCommand(command)
	}

	ticket, err := m.Chat.BeginText(input)
	if err != nil {
		m.fail(err)
		return nil
	}
	m.TextInput.Reset()
	m.layout()
	m.clearNotice()
	m.UpdateViewport()
	return m.deliverCmd(ticket, false)
}

func (m *Model) runCommand(command Command) tea.Cmd {
	switch command.Kind {
	case CmdHelp:
		m.ShortcutsOpen = true
	case CmdNewSession:
		return m.newSession()
	case CmdDeleteSession:
		return m.deleteSession(m.Chat.SessionID())
	case CmdVoice:
		return m.sendVoice(command.Arg)
	case CmdRefresh:
		m.Working = "Refreshing"
		return tea.Batch(m.loadAgentsCmd(), m.refreshSessionsCmd())
	case CmdLogout:
		return m.logoutCmd()
	case CmdAgentNew:
		m.Working = "Creating agent"
		return m.createAgentCmd(command.Arg, command.Prompt)
	case CmdAgentRename, CmdAgentPrompt, CmdAgentDelete, CmdAgentInfo:
		agent, ok := m.Agents.Selected()
		if !ok {
			m.setError(NoticeNoAgent)
			return nil
		}
		switch command.Kind {
		case CmdAgentRename:
			m.Working = "Saving agent"
			return m.updateAgentCmd(agent.ID, models.AgentUpdate{Name: &command.Arg})
		case CmdAgentPrompt:
			m.Working = "Saving agent"
			return m.updateAgentCmd(agent.ID, models.AgentUpdate{Prompt: &command.Arg})
		case CmdAgentInfo:
			m.Working = "Loading agent"
			return m.agentInfoCmd(agent.ID)
		default:
			m.Working = "Deleting agent"
			return m.deleteAgentCmd(agent)
		}
	}
	return nil
}

func (m *Model) selectAgent(id int64) tea.Cmd {
	m.setFocus(FocusSessions)
	if id == m.Agents.SelectedID() && id == m.Sessions.AgentID() {
		return nil
	}
	if !m.Agents.Select(id) {
		return nil
	}
	m.Chat.Select(0)
	m.SessionCursor = 0
	m.Working = "Loading sessions"
	m.UpdateViewport()
	return m.setAgentCmd(id)
}

// syncAgentSelection follows the directory's selection after a refetch.
func (m *Model) syncAgentSelection() tea.Cmd {
	m.clampCursors()
	selected := m.Agents.SelectedID()
	for i, agent := range m.Agents.Agents() {
		if agent.ID == selected {
			m.AgentCursor = i
		}
	}
	if selected == m.Sessions.AgentID() {
		return nil
	}
	m.Chat.Select(0)
	m.SessionCursor = 0
	m.UpdateViewport()
	if selected == 0 {
		_ = m.Sessions.SetAgent(context.Background(), 0)
		return nil
	}
	m.Working = "Loading sessions"
	return m.setAgentCmd(selected)
}

func (m *Model) openSession(id int64) tea.Cmd {
	for i, session := range m.Sessions.Sessions() {
		if session.ID == id {
			m.SessionCursor = i
		}
	}
	ticket := m.Chat.Select(id)
	m.setFocus(FocusInput)
	m.UpdateViewport()
	return m.loadHistoryCmd(ticket)
}

func (m *Model) newSession() tea.Cmd {
	agentID := m.Agents.SelectedID()
	if agentID == 0 {
		m.setError(NoticeNoAgent)
		return nil
	}
	m.Working = "Creating session"
	return m.createSessionCmd(agentID)
}

func (m *Model) deleteSession(id int64) tea.Cmd {
	if id == 0 {
		m.setError(NoticeNoSession)
		return nil
	}
	m.Working = "Deleting session"
	return m.deleteSessionCmd(id)
}

func (m *Model) deleteFocused() tea.Cmd {
	switch m.Focus {
	case FocusAgents:
		list := m.Agents.Agents()
		if m.AgentCursor >= len(list) {
			m.setError(NoticeNoAgent)
			return nil
		}
		m.Working = "Deleting agent"
		return m.deleteAgentCmd(list[m.AgentCursor])
	case FocusSessions:
		list := m.Sessions.Sessions()
		if m.SessionCursor >= len(list) {
			m.setError(NoticeNoSession)
			return nil
		}
		return m.deleteSession(list[m.SessionCursor].ID)
	}
	return m.deleteSession(m.Chat.SessionID())
}

func (m *Model) sendVoice(path string) tea.Cmd {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		m.setError(fmt.Sprintf("Cannot read %s", path))
		return nil
	}
	if info.Size() > api.MaxVoiceBytes {
		m.setError("Audio file is too large")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		m.setError(fmt.Sprintf("Cannot read %s", path))
		return nil
	}
	ticket, err := m.Chat.BeginVoice(filepath.Base(path), data)
	if err != nil {
		m.fail(err)
		return nil
	}
	m.clearNotice()
	m.UpdateViewport()
	return m.deliverCmd(ticket, true)
}

func (m *Model) forgetMissingSession(sessionID int64, err error) {
	if !api.IsStatus(err, http.StatusNotFound) {
		return
	}
	m.Sessions.Forget(sessionID)
	if m.Chat.SessionID() == sessionID {
		m.Chat.Select(0)
	}
	m.clampCursors()
}

// fail turns err into a notice. It reports whether there was an error.
func (m *Model) fail(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, chat.ErrStale):
		return true
	case api.Kind(err) == api.KindAuthExpired:
		m.toLogin(api.NoticeAuthExpired, true)
		return true
	case api.Kind(err) == api.KindCanceled:
		return true
	}
	if notice := noticeFor(err); notice != "" {
		m.setError(notice)
	}
	m.Logger.Warn("request failed", "kind", api.Kind(err).String(), "error", err)
	return true
}

func noticeFor(err error) string {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return NoticeBusy
	case errors.Is(err, chat.ErrNoSession):
		return NoticeNoSession
	case errors.Is(err, chat.ErrNotReady):
		return NoticeNotReady
	case errors.Is(err, chat.ErrEmptyMessage):
		return ""
	}
	return api.Notice(err)
}

// toLogin drops all per-user state and shows the login screen.
func (m *Model) toLogin(notice string, isError bool) {
	m.Chat.Select(0)
	_ = m.Sessions.SetAgent(context.Background(), 0)
	m.Agents.Reset()
	m.Screen = ScreenLogin
	m.LoginBusy = false
	m.Working = ""
	m.ShortcutsOpen = false
	m.AgentInfo = nil
	m.AgentCursor, m.SessionCursor = 0, 0
	m.TextInput.Reset()
	m.TextInput.Blur()
	m.rendered = make(map[int64]string)
	m.Password.Reset()
	if strings.TrimSpace(m.Username.Value()) == "" {
		m.setLoginField(0)
	} else {
		m.setLoginField(1)
	}
	if isError {
		m.setError(notice)
	} else {
		m.setInfo(notice)
	}
}

func (m *Model) setFocus(focus Focus) {
	m.Focus = focus
	if focus == FocusInput {
		m.TextInput.Focus()
	} else {
		m.TextInput.Blur()
	}
}

func (m *Model) clampCursors() {
	if n := len(m.Agents.Agents()); m.AgentCursor >= n {
		m.AgentCursor = max(n-1, 0)
	}
	if n := len(m.Sessions.Sessions()); m.SessionCursor >= n {
		m.SessionCursor = max(n-1, 0)
	}
}

func (m *Model) setError(notice string) {
	m.Notice = notice
	m.NoticeError = true
}

func (m *Model) setInfo(notice string) {
	m.Notice = notice
	m.NoticeError = false
}

func (m *Model) clearNotice() {
	m.Notice = ""
	m.NoticeError = false
}

func (m *Model) sidebarWidth() int {
	if m.WindowWidth < CompactWidthThresh {
		return SidebarWidth - 6
	}
	return SidebarWidth
}

func (m *Model) layout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}

	chatWidth := m.WindowWidth - m.sidebarWidth() - 1
	inputWidth := chatWidth - 4
	if inputWidth < 20 {
		inputWidth = 20
	}
	contentWidth := inputWidth - 2
	if contentWidth < 1 {
		contentWidth = 1
	}

	lineCount := WrappedLineCount(m.TextInput.Value(), contentWidth)
	if lineCount < 1 {
		lineCount = 1
	}
	if lineCount > MaxInputHeight {
		lineCount = MaxInputHeight
	}
	m.TextInput.MaxHeight = MaxInputHeight
	m.TextInput.SetWidth(inputWidth)
	m.TextInput.SetHeight(lineCount)

	inputBoxHeight := m.TextInput.Height() + 2
	reserved := inputBoxHeight + 6
	viewportHeight := m.WindowHeight - reserved
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.Viewport.Width = chatWidth - 2
	m.Viewport.Height = viewportHeight
}
