package bridge

import (
	"encoding/json"
	"strings"
)

const noResponse = "No response"

// payload is the JSON object that follows the sentinel prefix.
type payload struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

type payloadData struct {
	Output string `json:"output"`
}

// parseResult is what one sentinel line turned into.
type parseResult struct {
	fragments []Fragment
	abandon   bool
}

// parsePayloadLine interprets a line that already starts with the sentinel.
func parsePayloadLine(line, sentinel string, chunkSize int) parseResult {
	raw := strings.TrimPrefix(line, sentinel)

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return parseResult{
			fragments: []Fragment{errorFragment(BridgeProtocolError, "Invalid response from BridgeHub")},
			abandon:   true,
		}
	}

	if !p.OK {
		reason := p.Reason
		if reason == "" {
			reason = "Unknown error"
		}
		msg := reason
		if d := detailsText(p.Details); d != "" {
			msg += " - " + d
		}
		return parseResult{fragments: []Fragment{errorFragment(AgentReportedError, msg)}}
	}

	answer := answerText(p)
	chunks := chunk(answer, chunkSize)
	frags := make([]Fragment, len(chunks))
	for i, c := range chunks {
		frags[i] = Fragment{Text: c}
	}
	return parseResult{fragments: frags}
}

// answerText picks data.output, then summary, then the "No response" sentinel.
func answerText(p payload) string {
	if len(p.Data) > 0 {
		var d payloadData
		if err := json.Unmarshal(p.Data, &d); err == nil && d.Output != "" {
			return d.Output
		}
	}
	if p.Summary != "" {
		return p.Summary
	}
	return noResponse
}

// detailsText renders details whether the bridge sent a string or structured JSON.
func detailsText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// chunk splits s into pieces of at most size runes. Concatenating the pieces yields s.
func chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	var out []string
	runes := 0
	start := 0
	for i := range s {
		if runes == size {
			out = append(out, s[start:i])
			start = i
			runes = 0
		}
		runes++
	}
	return append(out, s[start:])
}
