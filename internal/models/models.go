package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt Timestamp `json:"created_at"`
}

// AuthTokens is the body of /auth/login and /auth/refresh.
type AuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Agent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	CreatedAt Timestamp `json:"created_at"`
}

type AgentCreate struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// AgentUpdate is a PATCH body; nil fields are left untouched by the server.
type AgentUpdate struct {
	Name   *string `json:"name,omitempty"`
	Prompt *string `json:"prompt,omitempty"`
}

type ChatSession struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	CreatedAt Timestamp `json:"created_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	CreatedAt Timestamp `json:"created_at"`
	AgentName string    `json:"agent_name,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
}

// VoiceReply is the result of a voice upload. UserMessage is nil when the
// server answered with one of the older single-message shapes.
type VoiceReply struct {
	UserMessage  *Message `json:"user_message,omitempty"`
	AgentMessage Message  `json:"agent_message"`
}

// UnmarshalJSON accepts {user_message, agent_message}, {message, audio_url}
// and a bare Message.
func (v *VoiceReply) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("voice reply: %w", err)
	}

	if raw, ok := probe["agent_message"]; ok {
		*v = VoiceReply{}
		if err := json.Unmarshal(raw, &v.AgentMessage); err != nil {
			return fmt.Errorf("voice reply agent_message: %w", err)
		}
		if raw, ok := probe["user_message"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			var user Message
			if err := json.Unmarshal(raw, &user); err != nil {
				return fmt.Errorf("voice reply user_message: %w", err)
			}
			v.UserMessage = &user
		}
		return nil
	}

	if raw, ok := probe["message"]; ok {
		var wrapped struct {
			AudioURL *string `json:"audio_url"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("voice reply: %w", err)
		}
		*v = VoiceReply{}
		if err := json.Unmarshal(raw, &v.AgentMessage); err != nil {
			return fmt.Errorf("voice reply message: %w", err)
		}
		if wrapped.AudioURL != nil {
			v.AgentMessage.AudioURL = *wrapped.AudioURL
		}
		return nil
	}

	*v = VoiceReply{}
	if err := json.Unmarshal(data, &v.AgentMessage); err != nil {
		return fmt.Errorf("voice reply message: %w", err)
	}
	return nil
}

// Timestamp reads both RFC 3339 and the zone-less ISO-8601 form the
// backend emits. Zone-less values are taken as UTC.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func ParseTimestamp(s string) (Timestamp, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: t}, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
