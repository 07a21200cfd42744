package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/wingrelay/internal/agent"
)

// Turn is everything the bridge needs to run one chat turn.
type Turn struct {
	SessionID     string
	Kind          agent.Kind
	Text          string
	History       []agent.Exchange
	SystemContext string
	Attachments   []agent.Attachment
	TurnNumber    int
}

// Request is the JSON document passed to the bridging tool as a single argument.
type Request struct {
	Version string  `json:"version"`
	Action  string  `json:"action"`
	Capsule string  `json:"capsule"`
	Session string  `json:"session"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	Message   string         `json:"message"`
	Intent    string         `json:"intent"`
	Direction string         `json:"direction"`
	Context   []ContextEntry `json:"context"`
	Metadata  Metadata       `json:"metadata"`
}

// ContextEntry is one structured block of context for the agent.
type ContextEntry struct {
	Title   string `json:"title"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Metadata struct {
	Source       string             `json:"source"`
	MessageCount int                `json:"message_count"`
	Attachments  []agent.Attachment `json:"attachments,omitempty"`
}

const actionFreeform = "freeform"

// BuildRequest serializes a turn into the bridge request schema.
func BuildRequest(cfg Config, turn Turn) (Request, error) {
	entries := []ContextEntry{}

	if len(turn.History) > 0 {
		history, err := json.MarshalIndent(turn.History, "", "  ")
		if err != nil {
			return Request{}, fmt.Errorf("encode history: %w", err)
		}
		entries = append(entries, ContextEntry{
			Title:   "Conversation History",
			Role:    "note",
			Content: string(history),
		})
	}

	if len(turn.Attachments) > 0 {
		attachments, err := json.MarshalIndent(turn.Attachments, "", "  ")
		if err != nil {
			return Request{}, fmt.Errorf("encode attachments: %w", err)
		}
		entries = append(entries, ContextEntry{
			Title:   "Attachments",
			Role:    "note",
			Content: string(attachments),
		})
	}

	// The agent reads the context file from disk itself; large contexts corrupt the
	// line-oriented reply, so only small ones are inlined and only when configured.
	if turn.Kind == agent.Primary && turn.SystemContext != "" &&
		cfg.MaxSystemContext > 0 && len(turn.SystemContext) <= cfg.MaxSystemContext {
		entries = append(entries, ContextEntry{
			Title:   "System Context",
			Role:    "system",
			Content: turn.SystemContext,
		})
	}

	return Request{
		Version: cfg.ProtocolVersion,
		Action:  actionFreeform,
		Capsule: cfg.Capsule,
		Session: turn.SessionID,
		Payload: Payload{
			Message:   turn.Text,
			Intent:    fmt.Sprintf("mobile_%s_query", turn.Kind.LegacyName()),
			Direction: turn.Kind.Direction(),
			Context:   entries,
			Metadata: Metadata{
				Source:       cfg.Source,
				MessageCount: turn.TurnNumber,
				Attachments:  turn.Attachments,
			},
		},
	}, nil
}
