package ui

import (
	"log/slog"

	"agentchat/internal/styles"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func InitialModel(deps Deps) Model {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	user := textinput.New()
	user.Placeholder = "username"
	user.Prompt = "user  "
	user.CharLimit = 64
	user.PromptStyle = lipgloss.NewStyle().Foreground(styles.FgPrimary).Bold(true)
	user.SetValue(deps.Client.Credentials().Username())

	pass := textinput.New()
	pass.Placeholder = "password"
	pass.Prompt = "pass  "
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'
	pass.CharLimit = 128
	pass.PromptStyle = lipgloss.NewStyle().Foreground(styles.FgPrimary).Bold(true)

	loginField := 0
	if user.Value() != "" {
		loginField = 1
		pass.Focus()
	} else {
		user.Focus()
	}

	ti := textarea.New()
	ti.Placeholder = "Type a message, or /help for commands..."
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = MaxInputHeight
	ti.SetHeight(1)
	ti.SetWidth(60)
	ti.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(styles.FgPrimary).Bold(true)
	ti.BlurredStyle.Prompt = lipgloss.NewStyle().Foreground(styles.FgMuted).Bold(true)
	ti.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.HintColor)
	ti.BlurredStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.HintColor)
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ti.KeyMap.InsertNewline.SetEnabled(false)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.FgPrimary)

	m := Model{
		Client:     deps.Client,
		Agents:     deps.Agents,
		Sessions:   deps.Sessions,
		Chat:       deps.Chat,
		Logger:     logger,
		Screen:     ScreenLogin,
		Focus:      FocusAgents,
		Username:   user,
		Password:   pass,
		LoginField: loginField,
		Viewport:   viewport.New(60, 15),
		TextInput:  ti,
		Spinner:    sp,
		rendered:   make(map[int64]string),
	}
	if deps.Client.Credentials().LoggedIn() {
		m.Screen = ScreenMain
		m.Working = "Loading agents"
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.Spinner.Tick, textinput.Blink}
	if m.Screen == ScreenMain {
		cmds = append(cmds, m.loadAgentsCmd())
	}
	return tea.Batch(cmds...)
}

func NewProgram(deps Deps) *tea.Program {
	styles.InitTheme()
	m := InitialModel(deps)
	p := tea.NewProgram(&m, tea.WithAltScreen())
	m.Program = p
	return p
}
