package ui

import (
	"log/slog"

	"agentchat/internal/agents"
	"agentchat/internal/api"
	"agentchat/internal/chat"
	"agentchat/internal/models"
	"agentchat/internal/sessions"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

const (
	ModalWidth         = 60
	SidebarWidth       = 30
	CompactWidthThresh = 90 // Width below which the sidebar narrows

	MaxInputHeight = 6
)

const (
	NoticeBusy       = "Please wait for the current reply."
	NoticeNoSession  = "Select or create a session first."
	NoticeNotReady   = "Messages are still loading."
	NoticeNoAgent    = "Select or create an agent first."
	NoticeSelectChat = "Select or create a session to start chatting."
)

type Screen int

const (
	ScreenLogin Screen = iota
	ScreenMain
)

type Focus int

const (
	FocusAgents Focus = iota
	FocusSessions
	FocusInput
)

// Deps are the collaborators the shell drives. All are required.
type Deps struct {
	Client   *api.Client
	Agents   *agents.Directory
	Sessions *sessions.Store
	Chat     *chat.Synchronizer
	Logger   *slog.Logger
}

type (
	// AuthExpiredMsg is sent by the transport's expiry hook.
	AuthExpiredMsg struct{}

	LoginDoneMsg struct {
		Username string
		Register bool
		Err      error
	}

	LoggedOutMsg struct{ Err error }

	AgentsLoadedMsg struct{ Err error }

	// AgentSavedMsg reports a create, update or delete from the directory.
	AgentSavedMsg struct {
		Action string
		Agent  models.Agent
		Err    error
	}

	AgentInfoMsg struct {
		Agent models.Agent
		Err   error
	}

	SessionsLoadedMsg struct {
		AgentID int64
		Err     error
	}

	SessionCreatedMsg struct {
		Session models.ChatSession
		Err     error
	}

	SessionDeletedMsg struct {
		SessionID int64
		Err       error
	}

	HistoryLoadedMsg struct {
		SessionID int64
		Err       error
	}

	DeliveredMsg struct {
		SessionID int64
		Voice     bool
		Err       error
	}
)

type Model struct {
	Client   *api.Client
	Agents   *agents.Directory
	Sessions *sessions.Store
	Chat     *chat.Synchronizer
	Logger   *slog.Logger
	Program  *tea.Program

	Screen Screen
	Focus  Focus

	// Login screen
	Username     textinput.Model
	Password     textinput.Model
	LoginField   int
	RegisterMode bool
	LoginBusy    bool

	// Main screen
	Viewport      viewport.Model
	TextInput     textarea.Model
	Spinner       spinner.Model
	Renderer      *glamour.TermRenderer
	AgentCursor   int
	SessionCursor int
	Working       string // label of a directory/session request in flight
	ShortcutsOpen bool
	AgentInfo     *models.Agent // agent shown in the details modal

	Notice      string
	NoticeError bool

	WindowWidth  int
	WindowHeight int

	// rendered caches glamour output of confirmed agent replies by id.
	rendered map[int64]string
}
