package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"agentchat/internal/models"
)

// MaxVoiceBytes bounds a single voice upload.
const MaxVoiceBytes = 25 << 20

// voiceContentTypes are the only formats the backend transcribes.
var voiceContentTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
}

// VoiceContentType returns the upload content type for filename, or an
// *InvalidInputError for unsupported extensions.
func VoiceContentType(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	contentType, ok := voiceContentTypes[ext]
	if !ok {
		return "", Invalid("Invalid audio format. Use MP3 or WAV.")
	}
	return contentType, nil
}

func sessionPath(id int64, suffix string) string {
	return "/sessions/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) ListSessions(ctx context.Context, agentID int64) ([]models.ChatSession, error) {
	var query url.Values
	if agentID != 0 {
		query = url.Values{"agent_id": {strconv.FormatInt(agentID, 10)}}
	}
	sessions := []models.ChatSession{}
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/", nil, &sessions, query); err != nil {
		return nil, fmt.Errorf("api: list sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, agentID int64) (*models.ChatSession, error) {
	var session models.ChatSession
	payload := map[string]int64{"agent_id": agentID}
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/", payload, &session, nil); err != nil {
		return nil, fmt.Errorf("api: create session: %w", err)
	}
	return &session, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID int64) error {
	if err := c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil, nil); err != nil {
		return fmt.Errorf("api: delete session %d: %w", sessionID, err)
	}
	return nil
}

func (c *Client) ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error) {
	messages := []models.Message{}
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), nil, &messages, nil); err != nil {
		return nil, fmt.Errorf("api: list messages: %w", err)
	}
	return messages, nil
}

// SendMessage posts a user message and returns the agent's reply.
func (c *Client) SendMessage(ctx context.Context, sessionID int64, content string) (*models.Message, error) {
	var reply models.Message
	payload := map[string]string{"content": content}
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "/messages"), payload, &reply, nil); err != nil {
		return nil, fmt.Errorf("api: send message: %w", err)
	}
	return &reply, nil
}

// SendVoice uploads audio as the multipart field "audio".
func (c *Client) SendVoice(ctx context.Context, sessionID int64, filename string, audio io.Reader) (*models.VoiceReply, error) {
	contentType, err := VoiceContentType(filename)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(audio, MaxVoiceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("api: read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, Invalid("No audio file to send")
	}
	if len(data) > MaxVoiceBytes {
		return nil, Invalid("Audio file is too large")
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filepath.Base(filename)))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("api: build voice form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("api: build voice form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("api: build voice form: %w", err)
	}

	req := call{
		method:      http.MethodPost,
		path:        sessionPath(sessionID, "/voice"),
		body:        buf.Bytes(),
		contentType: form.FormDataContentType(),
	}
	body, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("api: send voice: %w", err)
	}

	var reply models.VoiceReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("api: failed to parse voice response: %w", err)
	}
	return &reply, nil
}
