package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"agentchat/internal/models"
)

func agentPath(id int64) string {
	return "/agents/" + strconv.FormatInt(id, 10)
}

func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	agents := []models.Agent{}
	if err := c.doJSON(ctx, http.MethodGet, "/agents/", nil, &agents, nil); err != nil {
		return nil, fmt.Errorf("api: list agents: %w", err)
	}
	return agents, nil
}

func (c *Client) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	var agent models.Agent
	if err := c.doJSON(ctx, http.MethodGet, agentPath(id), nil, &agent, nil); err != nil {
		return nil, fmt.Errorf("api: get agent %d: %w", id, err)
	}
	return &agent, nil
}

func (c *Client) CreateAgent(ctx context.Context, create models.AgentCreate) (*models.Agent, error) {
	var agent models.Agent
	if err := c.doJSON(ctx, http.MethodPost, "/agents/", create, &agent, nil); err != nil {
		return nil, fmt.Errorf("api: create agent: %w", err)
	}
	return &agent, nil
}

func (c *Client) UpdateAgent(ctx context.Context, id int64, update models.AgentUpdate) (*models.Agent, error) {
	var agent models.Agent
	if err := c.doJSON(ctx, http.MethodPatch, agentPath(id), update, &agent, nil); err != nil {
		return nil, fmt.Errorf("api: update agent %d: %w", id, err)
	}
	return &agent, nil
}

func (c *Client) DeleteAgent(ctx context.Context, id int64) (*models.Agent, error) {
	var agent models.Agent
	if err := c.doJSON(ctx, http.MethodDelete, agentPath(id), nil, &agent, nil); err != nil {
		return nil, fmt.Errorf("api: delete agent %d: %w", id, err)
	}
	return &agent, nil
}
