package ui

import (
	"context"
	"fmt"
	"strings"

	"agentchat/internal/chat"
	"agentchat/internal/models"

	tea "github.com/charmbracelet/bubbletea"
)

// CommandKind enumerates the slash commands typed into the input.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdHelp
	CmdNewSession
	CmdDeleteSession
	CmdVoice
	CmdAgentNew
	CmdAgentRename
	CmdAgentPrompt
	CmdAgentDelete
	CmdAgentInfo
	CmdRefresh
	CmdLogout
)

type Command struct {
	Kind CommandKind
	// Arg is the file for /voice, the name for /agent new and rename, and
	// the prompt for /agent prompt.
	Arg    string
	Prompt string
}

var helpLines = []struct{ key, desc string }{
	{"Tab / Shift+Tab", "Cycle focus: agents, sessions, input"},
	{"↑/↓ Enter", "Move and select in a list"},
	{"Ctrl+N", "New session for the selected agent"},
	{"Ctrl+D", "Delete the focused session or agent"},
	{"Ctrl+L", "Log out"},
	{"PgUp/PgDn", "Scroll the conversation"},
	{"Ctrl+S", "Show this help"},
	{"Ctrl+C", "Quit"},
	{"/new", "New session"},
	{"/delete", "Delete the open session"},
	{"/voice <file>", "Send an .mp3 or .wav voice note"},
	{"/agent new <name> | <prompt>", "Create an agent"},
	{"/agent rename <name>", "Rename the selected agent"},
	{"/agent prompt <text>", "Replace the selected agent's prompt"},
	{"/agent delete", "Delete the selected agent"},
	{"/agent info", "Show the selected agent's full prompt"},
	{"/refresh", "Reload agents and sessions"},
	{"/logout", "Log out"},
}

// ParseCommand recognizes a slash command. Input that does not start with
// "/" yields CmdNone and no error.
func ParseCommand(input string) (Command, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return Command{}, nil
	}
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/help", "/?":
		return Command{Kind: CmdHelp}, nil
	case "/new":
		return Command{Kind: CmdNewSession}, nil
	case "/delete":
		return Command{Kind: CmdDeleteSession}, nil
	case "/refresh":
		return Command{Kind: CmdRefresh}, nil
	case "/logout":
		return Command{Kind: CmdLogout}, nil
	case "/voice":
		if rest == "" {
			return Command{}, fmt.Errorf("usage: /voice <file.mp3|file.wav>")
		}
		return Command{Kind: CmdVoice, Arg: unquote(rest)}, nil
	case "/agent":
		return parseAgentCommand(rest)
	}
	return Command{}, fmt.Errorf("unknown command %s (try /help)", name)
}

func parseAgentCommand(rest string) (Command, error) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch sub {
	case "new":
		name, prompt, ok := strings.Cut(arg, "|")
		name, prompt = strings.TrimSpace(name), strings.TrimSpace(prompt)
		if !ok || name == "" || prompt == "" {
			return Command{}, fmt.Errorf("usage: /agent new <name> | <prompt>")
		}
		return Command{Kind: CmdAgentNew, Arg: name, Prompt: prompt}, nil
	case "rename":
		if arg == "" {
			return Command{}, fmt.Errorf("usage: /agent rename <name>")
		}
		return Command{Kind: CmdAgentRename, Arg: arg}, nil
	case "prompt":
		if arg == "" {
			return Command{}, fmt.Errorf("usage: /agent prompt <text>")
		}
		return Command{Kind: CmdAgentPrompt, Arg: arg}, nil
	case "delete":
		return Command{Kind: CmdAgentDelete}, nil
	case "info":
		return Command{Kind: CmdAgentInfo}, nil
	}
	return Command{}, fmt.Errorf("usage: /agent new|rename|prompt|delete|info")
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (m *Model) loginCmd(username, password string, register bool) tea.Cmd {
	client := m.Client
	return func() tea.Msg {
		ctx := context.Background()
		var err error
		if register {
			_, err = client.RegisterAndLogin(ctx, username, password)
		} else {
			_, err = client.Login(ctx, username, password)
		}
		return LoginDoneMsg{Username: username, Register: register, Err: err}
	}
}

func (m *Model) logoutCmd() tea.Cmd {
	client := m.Client
	return func() tea.Msg {
		return LoggedOutMsg{Err: client.Logout(context.Background())}
	}
}

func (m *Model) loadAgentsCmd() tea.Cmd {
	dir := m.Agents
	return func() tea.Msg {
		return AgentsLoadedMsg{Err: dir.Refresh(context.Background())}
	}
}

func (m *Model) setAgentCmd(agentID int64) tea.Cmd {
	store := m.Sessions
	return func() tea.Msg {
		return SessionsLoadedMsg{AgentID: agentID, Err: store.SetAgent(context.Background(), agentID)}
	}
}

func (m *Model) refreshSessionsCmd() tea.Cmd {
	store := m.Sessions
	return func() tea.Msg {
		agentID := store.AgentID()
		return SessionsLoadedMsg{AgentID: agentID, Err: store.Refresh(context.Background())}
	}
}

func (m *Model) createSessionCmd(agentID int64) tea.Cmd {
	store := m.Sessions
	return func() tea.Msg {
		session, err := store.Create(context.Background(), agentID)
		return SessionCreatedMsg{Session: session, Err: err}
	}
}

func (m *Model) deleteSessionCmd(sessionID int64) tea.Cmd {
	store := m.Sessions
	return func() tea.Msg {
		return SessionDeletedMsg{SessionID: sessionID, Err: store.Delete(context.Background(), sessionID)}
	}
}

func (m *Model) loadHistoryCmd(ticket chat.LoadTicket) tea.Cmd {
	synchronizer := m.Chat
	return func() tea.Msg {
		return HistoryLoadedMsg{SessionID: ticket.SessionID, Err: synchronizer.Load(context.Background(), ticket)}
	}
}

func (m *Model) deliverCmd(ticket chat.SendTicket, voice bool) tea.Cmd {
	synchronizer := m.Chat
	return func() tea.Msg {
		return DeliveredMsg{SessionID: ticket.SessionID, Voice: voice, Err: synchronizer.Deliver(context.Background(), ticket)}
	}
}

func (m *Model) createAgentCmd(name, prompt string) tea.Cmd {
	dir := m.Agents
	return func() tea.Msg {
		agent, err := dir.Create(context.Background(), name, prompt)
		return AgentSavedMsg{Action: "created", Agent: agent, Err: err}
	}
}

func (m *Model) updateAgentCmd(id int64, update models.AgentUpdate) tea.Cmd {
	dir := m.Agents
	return func() tea.Msg {
		agent, err := dir.Update(context.Background(), id, update)
		return AgentSavedMsg{Action: "updated", Agent: agent, Err: err}
	}
}

// agentInfoCmd refetches one agent so the modal shows the server's record.
func (m *Model) agentInfoCmd(id int64) tea.Cmd {
	dir := m.Agents
	return func() tea.Msg {
		agent, err := dir.Get(context.Background(), id)
		return AgentInfoMsg{Agent: agent, Err: err}
	}
}

func (m *Model) deleteAgentCmd(agent models.Agent) tea.Cmd {
	dir := m.Agents
	return func() tea.Msg {
		return AgentSavedMsg{Action: "deleted", Agent: agent, Err: dir.Delete(context.Background(), agent.ID)}
	}
}
