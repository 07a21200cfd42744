package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
)

// Event types sent by the relay.
const (
	TypeReady    = "ready"
	TypeMessage  = "message"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Bare-text frames exchanged during the auth step.
const (
	AuthOK       = "authenticated"
	AuthRejected = "error:invalid_api_key"
)

const (
	DefaultDeviceID = "unknown-device"
	CompleteText    = "Response complete"
	MalformedText   = "Invalid message format"
)

// ErrMalformed is returned by ParseTurn for frames the relay cannot act on.
var ErrMalformed = errors.New("malformed turn frame")

// Features advertises what a relay endpoint supports in its ready event.
type Features struct {
	SessionPersistence  bool `json:"session_persistence"`
	BridgeIntegration   bool `json:"bridgehub_integration"`
	AgentCoordination   bool `json:"agent_coordination,omitempty"`
	IndependentContext  bool `json:"independent_context,omitempty"`
	MultiTurn           bool `json:"multi_turn_conversations,omitempty"`
	DualSessions        bool `json:"dual_sessions,omitempty"`
	ProcessTermination  bool `json:"process_termination,omitempty"`
	SignedTokens        bool `json:"signed_tokens,omitempty"`
	RequestTracing      bool `json:"request_tracing,omitempty"`
	CompressedSnapshots bool `json:"compressed_snapshots,omitempty"`
}

// FeaturesFor returns the ready-event features of an agent kind's endpoint.
func FeaturesFor(kind agent.Kind) Features {
	f := Features{SessionPersistence: true, BridgeIntegration: true}
	if kind == agent.Primary {
		f.AgentCoordination = true
	} else {
		f.IndependentContext = true
	}
	return f
}

// Event is every JSON frame the relay sends after authentication.
type Event struct {
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	MessageCount int       `json:"message_count,omitempty"`
	Features     *Features `json:"features,omitempty"`
}

func ReadyEvent(kind agent.Kind, sessionID, version string) Event {
	f := FeaturesFor(kind)
	return Event{
		Type:      TypeReady,
		Content:   fmt.Sprintf("%s agent connected (session-persistent %s)", displayName(kind), version),
		Timestamp: time.Now(),
		SessionID: sessionID,
		Features:  &f,
	}
}

func displayName(kind agent.Kind) string {
	if kind == agent.Primary {
		return "Claude"
	}
	return "Codex"
}

func MessageEvent(content, errorKind string) Event {
	return Event{Type: TypeMessage, Content: content, Timestamp: time.Now(), ErrorKind: errorKind}
}

func CompleteEvent(sessionID string, messageCount int) Event {
	return Event{
		Type:         TypeComplete,
		Content:      CompleteText,
		Timestamp:    time.Now(),
		SessionID:    sessionID,
		MessageCount: messageCount,
	}
}

func ErrorEvent(msg string) Event {
	return Event{Type: TypeError, Content: msg, Timestamp: time.Now()}
}

// TurnFrame is one user turn sent by the client.
type TurnFrame struct {
	Content     string             `json:"content"`
	SessionID   string             `json:"session_id,omitempty"`
	DeviceID    string             `json:"device_id,omitempty"`
	Attachments []agent.Attachment `json:"attachments,omitempty"`
}

// ParseTurn decodes and validates a turn frame. Frames with empty content
// decode without error; callers skip them.
func ParseTurn(data []byte) (TurnFrame, error) {
	var f TurnFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return TurnFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, a := range f.Attachments {
		if err := a.Validate(); err != nil {
			return TurnFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	f.Content = strings.TrimSpace(f.Content)
	f.SessionID = strings.TrimSpace(f.SessionID)
	f.DeviceID = strings.TrimSpace(f.DeviceID)
	if f.DeviceID == "" {
		f.DeviceID = DefaultDeviceID
	}
	return f, nil
}
