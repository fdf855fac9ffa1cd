// Package agents is the client-side directory of the user's agents.
//
// Every mutation is followed by a full refetch. After a refetch the
// selected agent is kept if it still exists (with its fresh record),
// otherwise the first agent is selected, or none when the list is empty.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"agentchat/internal/api"
	"agentchat/internal/models"
)

// API is the part of the transport the directory needs. *api.Client
// satisfies it.
type API interface {
	ListAgents(ctx context.Context) ([]models.Agent, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	CreateAgent(ctx context.Context, create models.AgentCreate) (*models.Agent, error)
	UpdateAgent(ctx context.Context, id int64, update models.AgentUpdate) (*models.Agent, error)
	DeleteAgent(ctx context.Context, id int64) (*models.Agent, error)
}

type Directory struct {
	api    API
	logger *slog.Logger

	mu       sync.Mutex
	agents   []models.Agent
	selected int64
}

func New(client API, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{api: client, logger: logger}
}

func (d *Directory) Agents() []models.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Agent(nil), d.agents...)
}

// Selected returns the selected agent, if any.
func (d *Directory) Selected() (models.Agent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(d.selected); i >= 0 {
		return d.agents[i], true
	}
	return models.Agent{}, false
}

func (d *Directory) SelectedID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Select makes id the selected agent if it is listed. 0 clears the
// selection.
func (d *Directory) Select(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == 0 {
		d.selected = 0
		return true
	}
	if d.indexLocked(id) < 0 {
		return false
	}
	d.selected = id
	return true
}

// Reset forgets the cached agents, e.g. on logout.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents = nil
	d.selected = 0
}

// Refresh refetches the agent list and applies the selection rule.
func (d *Directory) Refresh(ctx context.Context) error {
	agents, err := d.api.ListAgents(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents = agents
	d.reselectLocked()
	return nil
}

func (d *Directory) reselectLocked() {
	if d.indexLocked(d.selected) >= 0 {
		return
	}
	if len(d.agents) == 0 {
		d.selected = 0
		return
	}
	d.selected = d.agents[0].ID
}

// Get fetches a single agent. A 404 drops it from the directory.
func (d *Directory) Get(ctx context.Context, id int64) (models.Agent, error) {
	agent, err := d.api.GetAgent(ctx, id)
	if err != nil {
		d.handleMissing(ctx, id, err)
		return models.Agent{}, err
	}
	d.mu.Lock()
	if i := d.indexLocked(id); i >= 0 {
		d.agents[i] = *agent
	}
	d.mu.Unlock()
	return *agent, nil
}

func (d *Directory) Create(ctx context.Context, name, prompt string) (models.Agent, error) {
	name, prompt = strings.TrimSpace(name), strings.TrimSpace(prompt)
	if name == "" || prompt == "" {
		return models.Agent{}, api.Invalid("Name and prompt are required")
	}
	agent, err := d.api.CreateAgent(ctx, models.AgentCreate{Name: name, Prompt: prompt})
	if err != nil {
		return models.Agent{}, err
	}
	d.logger.Info("agent created", "agent_id", agent.ID, "name", agent.Name)
	if err := d.Refresh(ctx); err != nil {
		return *agent, fmt.Errorf("agents: refetch after create: %w", err)
	}
	return *agent, nil
}

// Update patches the provided fields of agent id.
func (d *Directory) Update(ctx context.Context, id int64, update models.AgentUpdate) (models.Agent, error) {
	if update.Name == nil && update.Prompt == nil {
		return models.Agent{}, api.Invalid("Nothing to update")
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.Agent{}, api.Invalid("Name cannot be empty")
		}
		update.Name = &name
	}
	if update.Prompt != nil {
		prompt := strings.TrimSpace(*update.Prompt)
		if prompt == "" {
			return models.Agent{}, api.Invalid("Prompt cannot be empty")
		}
		update.Prompt = &prompt
	}

	agent, err := d.api.UpdateAgent(ctx, id, update)
	if err != nil {
		d.handleMissing(ctx, id, err)
		return models.Agent{}, err
	}
	d.logger.Info("agent updated", "agent_id", id)
	if err := d.Refresh(ctx); err != nil {
		return *agent, fmt.Errorf("agents: refetch after update: %w", err)
	}
	return *agent, nil
}

func (d *Directory) Delete(ctx context.Context, id int64) error {
	if _, err := d.api.DeleteAgent(ctx, id); err != nil {
		d.handleMissing(ctx, id, err)
		return err
	}
	d.logger.Info("agent deleted", "agent_id", id)
	if err := d.Refresh(ctx); err != nil {
		return fmt.Errorf("agents: refetch after delete: %w", err)
	}
	return nil
}

// handleMissing clears a selection that points at an agent the server no
// longer knows and refetches.
func (d *Directory) handleMissing(ctx context.Context, id int64, err error) {
	if !api.IsStatus(err, http.StatusNotFound) {
		return
	}
	d.mu.Lock()
	if d.selected == id {
		d.selected = 0
	}
	if i := d.indexLocked(id); i >= 0 {
		d.agents = append(d.agents[:i], d.agents[i+1:]...)
	}
	d.mu.Unlock()
	if refreshErr := d.Refresh(ctx); refreshErr != nil {
		d.logger.Warn("refetch after missing agent failed", "agent_id", id, "error", refreshErr)
	}
}

func (d *Directory) indexLocked(id int64) int {
	if id == 0 {
		return -1
	}
	for i := range d.agents {
		if d.agents[i].ID == id {
			return i
		}
	}
	return -1
}
