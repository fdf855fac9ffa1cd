package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"agentchat/internal/models"
)

func validateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return Invalid("Username and password are required")
	}
	return nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) (*models.User, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	req, err := jsonCall(http.MethodPost, "/auth/register", models.Credentials{
		Username: strings.TrimSpace(username),
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	req.public = true

	body, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("api: register failed: %w", err)
	}
	var user models.User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("api: failed to parse register response: %w", err)
	}
	c.logger.Info("registered account", "username", user.Username, "user_id", user.ID)
	return &user, nil
}

// Login exchanges credentials for a token pair and stores it along with
// the username.
func (c *Client) Login(ctx context.Context, username, password string) (*models.AuthTokens, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	req, err := jsonCall(http.MethodPost, "/auth/login", models.Credentials{
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	req.public = true

	body, err := c.do(ctx, req)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			detail := apiErr.Detail
			if detail == "" {
				detail = "Invalid credentials"
			}
			return nil, &InvalidInputError{Message: detail}
		}
		return nil, fmt.Errorf("api: login failed: %w", err)
	}

	var tokens models.AuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("api: failed to parse login response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("api: login response carried no access token")
	}
	if err := c.creds.SetTokens(ctx, tokens); err != nil {
		c.logger.Warn("tokens not persisted", "error", err)
	}
	if err := c.creds.SetUsername(ctx, username); err != nil {
		c.logger.Warn("username not persisted", "error", err)
	}
	c.logger.Info("logged in", "username", username)
	return &tokens, nil
}

// RegisterAndLogin mirrors the sign-up flow: create the account, then log
// in with the same credentials.
func (c *Client) RegisterAndLogin(ctx context.Context, username, password string) (*models.User, error) {
	user, err := c.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if _, err := c.Login(ctx, username, password); err != nil {
		return user, err
	}
	return user, nil
}

// Refresh trades the stored refresh token for a new pair and stores it.
func (c *Client) Refresh(ctx context.Context) (*models.AuthTokens, error) {
	refreshToken := c.creds.Tokens().Refresh
	if refreshToken == "" {
		return nil, errNoRefreshToken
	}
	req, err := jsonCall(http.MethodPost, "/auth/refresh", struct{}{})
	if err != nil {
		return nil, err
	}
	req.public = true
	req.bearer = refreshToken

	body, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("api: refresh failed: %w", err)
	}
	var tokens models.AuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("api: failed to parse refresh response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("api: refresh response carried no access token")
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if err := c.creds.SetTokens(ctx, tokens); err != nil {
		c.logger.Warn("refreshed tokens not persisted", "error", err)
	}
	c.logger.Debug("access token refreshed")
	return &tokens, nil
}

// Logout is client-side only: the stored credentials are dropped.
func (c *Client) Logout(ctx context.Context) error {
	c.logger.Info("logged out", "username", c.creds.Username())
	return c.creds.Clear(ctx)
}
