package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Attachment describes a file the client uploaded alongside a turn. The JSON keys match the
// mobile client's wire format.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size,omitempty"`
}

// Validate rejects attachments the relay cannot describe to an agent.
func (a Attachment) Validate() error {
	if strings.TrimSpace(a.Filename) == "" {
		return errors.New("attachment filename is required")
	}
	if a.SizeBytes < 0 {
		return fmt.Errorf("attachment %q: negative size", a.Filename)
	}
	return nil
}

// Describe renders the attachment as one readable line, e.g.
// "- report.pdf [pdf] (2048 bytes) https://host/report.pdf".
func (a Attachment) Describe() string {
	mediaType := a.MediaType
	if mediaType == "" {
		mediaType = "file"
	}
	line := fmt.Sprintf("- %s [%s]", a.Filename, mediaType)
	if a.SizeBytes > 0 {
		line += fmt.Sprintf(" (%d bytes)", a.SizeBytes)
	}
	if a.URL != "" {
		line += " " + a.URL
	}
	return line
}

// Exchange is one history entry as an agent sees it: plain role and content.
type Exchange struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
