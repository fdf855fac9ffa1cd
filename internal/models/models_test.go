package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestampAcceptsNaiveISO(t *testing.T) {
	var msg Message
	raw := `{"id":1,"session_id":2,"content":"hi","is_user":true,"created_at":"2024-05-01T10:00:00.123456"}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Fatalf("created_at = %v, want %v", msg.CreatedAt.Time, want)
	}
}

func TestTimestampAcceptsRFC3339(t *testing.T) {
	ts, err := ParseTimestamp("2024-05-01T12:00:00+02:00")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if ts.UTC().Hour() != 10 {
		t.Fatalf("expected 10:00 UTC, got %v", ts.UTC())
	}
}

func TestTimestampRejectsGarbage(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

func TestVoiceReplyShapes(t *testing.T) {
	t.Run("paired", func(t *testing.T) {
		var reply VoiceReply
		raw := `{"user_message":{"id":1,"content":"hello","is_user":true},"agent_message":{"id":2,"content":"hi","is_user":false,"audio_url":"/static/a.mp3"}}`
		if err := json.Unmarshal([]byte(raw), &reply); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if reply.UserMessage == nil || reply.UserMessage.Content != "hello" {
			t.Fatalf("unexpected user message: %+v", reply.UserMessage)
		}
		if reply.AgentMessage.ID != 2 || reply.AgentMessage.AudioURL != "/static/a.mp3" {
			t.Fatalf("unexpected agent message: %+v", reply.AgentMessage)
		}
	})

	t.Run("message with audio url", func(t *testing.T) {
		var reply VoiceReply
		raw := `{"message":{"id":7,"content":"reply","is_user":false},"audio_url":"/static/b.mp3"}`
		if err := json.Unmarshal([]byte(raw), &reply); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if reply.UserMessage != nil {
			t.Fatalf("expected no user message, got %+v", reply.UserMessage)
		}
		if reply.AgentMessage.ID != 7 || reply.AgentMessage.AudioURL != "/static/b.mp3" {
			t.Fatalf("unexpected agent message: %+v", reply.AgentMessage)
		}
	})

	t.Run("bare message", func(t *testing.T) {
		var reply VoiceReply
		raw := `{"id":9,"session_id":3,"content":"plain","is_user":false}`
		if err := json.Unmarshal([]byte(raw), &reply); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if reply.UserMessage != nil || reply.AgentMessage.ID != 9 {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	})
}

func TestAgentUpdateOmitsNilFields(t *testing.T) {
	name := "Helper"
	buf, err := json.Marshal(AgentUpdate{Name: &name})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(buf) != `{"name":"Helper"}` {
		t.Fatalf("unexpected body: %s", buf)
	}
}
