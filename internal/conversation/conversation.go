// Package conversation keeps the working set of chat conversations in memory and
// writes them through to the durable store after every turn.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// UnmarshalJSON also accepts "assistant", which older rows used for agent replies.
func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "user":
		*r = RoleUser
	case "agent", "assistant":
		*r = RoleAgent
	default:
		return fmt.Errorf("unknown message role %q", s)
	}
	return nil
}

// Message is immutable once appended.
type Message struct {
	Role        Role               `json:"role"`
	Content     string             `json:"content"`
	Timestamp   time.Time          `json:"timestamp"`
	Attachments []agent.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// Conversation is an append-only message log plus session metadata. The
// identity fields and SystemContext never change after creation.
type Conversation struct {
	SessionID     string
	Kind          agent.Kind
	OwnerID       string
	SystemContext string
	CreatedAt     time.Time

	mu           sync.Mutex
	messages     []Message
	lastActivity time.Time
	metadata     map[string]string
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Conversation) LastActivityAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetMeta records a session-level metadata value.
func (c *Conversation) SetMeta(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		c.metadata = make(map[string]string)
	}
	c.metadata[key] = value
}

func (c *Conversation) Meta(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata[key]
}

// Summary is a conversation without its messages.
type Summary struct {
	SessionID      string     `json:"session_id"`
	Kind           agent.Kind `json:"agent_kind"`
	OwnerID        string     `json:"owner_id"`
	MessageCount   int        `json:"message_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

func (c *Conversation) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		SessionID:      c.SessionID,
		Kind:           c.Kind,
		OwnerID:        c.OwnerID,
		MessageCount:   len(c.messages),
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.lastActivity,
	}
}

// record is the persisted JSON form.
type record struct {
	SessionID     string            `json:"session_id"`
	Kind          agent.Kind        `json:"agent_kind"`
	OwnerID       string            `json:"owner_id"`
	Messages      []Message         `json:"messages"`
	SystemContext string            `json:"system_context,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (c *Conversation) marshal() ([]byte, int, time.Time, error) {
	c.mu.Lock()
	rec := record{
		SessionID:     c.SessionID,
		Kind:          c.Kind,
		OwnerID:       c.OwnerID,
		Messages:      c.messages,
		SystemContext: c.SystemContext,
		CreatedAt:     c.CreatedAt,
		LastActivity:  c.lastActivity,
		Metadata:      c.metadata,
	}
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}
	data, err := json.Marshal(rec)
	n := len(c.messages)
	last := c.lastActivity
	c.mu.Unlock()
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("encode conversation %s: %w", c.SessionID, err)
	}
	return data, n, last, nil
}

func unmarshalConversation(data []byte) (*Conversation, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if rec.SessionID == "" {
		return nil, fmt.Errorf("decode conversation: missing session_id")
	}
	if !rec.Kind.Valid() {
		k, err := agent.ParseKind(string(rec.Kind))
		if err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", rec.SessionID, err)
		}
		rec.Kind = k
	}
	return &Conversation{
		SessionID:     rec.SessionID,
		Kind:          rec.Kind,
		OwnerID:       rec.OwnerID,
		SystemContext: rec.SystemContext,
		CreatedAt:     rec.CreatedAt,
		messages:      rec.Messages,
		lastActivity:  rec.LastActivity,
		metadata:      rec.Metadata,
	}, nil
}
