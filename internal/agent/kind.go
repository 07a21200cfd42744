package agent

import (
	"fmt"
	"strings"
)

// Kind selects which external agent backs a session.
type Kind string

const (
	// Primary is the general assistant (reached through the bridge's codex_to_claude route).
	Primary Kind = "primary"
	// Secondary is the code-focused assistant (claude_to_codex route).
	Secondary Kind = "secondary"
)

// Kinds lists every agent kind in display order.
var Kinds = []Kind{Primary, Secondary}

// ParseKind accepts the canonical names and the legacy CLI names ("claude", "codex").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "claude", "jarvis":
		return Primary, nil
	case "secondary", "codex":
		return Secondary, nil
	}
	return "", fmt.Errorf("unknown agent kind %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == Primary || k == Secondary
}

// Direction is the bridge routing flag. The two kinds are mutually exclusive targets.
func (k Kind) Direction() string {
	if k == Primary {
		return "codex_to_claude"
	}
	return "claude_to_codex"
}

// LegacyName is the CLI the kind stands for, used in intents and log lines.
func (k Kind) LegacyName() string {
	if k == Primary {
		return "claude"
	}
	return "codex"
}

func (k Kind) String() string {
	return string(k)
}
