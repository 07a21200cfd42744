package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
)

// fakeBridge writes a shell script standing in for the bridging tool and returns a
// client that runs it with sh.
func fakeBridge(t *testing.T, body string) *Client {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "bridgehub.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return NewClient(Config{
		Runtime:        "sh",
		Script:         script,
		ChunkSize:      5,
		Source:         "test",
		TerminateGrace: time.Second,
	})
}

func drain(t *testing.T, s *Stream) []Fragment {
	t.Helper()
	var out []Fragment
	timeout := time.After(10 * time.Second)
	for {
		done := make(chan struct{})
		var f Fragment
		var ok bool
		go func() {
			f, ok = s.Next()
			close(done)
		}()
		select {
		case <-done:
		case <-timeout:
			t.Fatal("stream did not finish")
		}
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func testTurn() Turn {
	return Turn{SessionID: "s1", Kind: agent.Primary, Text: "hi", TurnNumber: 1}
}

func TestRunReassemblesChunks(t *testing.T) {
	c := fakeBridge(t, `echo "starting up"
echo 'JARVIS_PAYLOAD={"ok":true,"data":{"output":"Hello world"}}'
echo "done"`)

	s := c.Run(context.Background(), testTurn(), Hooks{})
	frags := drain(t, s)

	want := []string{"Hello", " worl", "d"}
	if len(frags) != len(want) {
		t.Fatalf("got %d fragments, want %d: %+v", len(frags), len(want), frags)
	}
	for i, f := range frags {
		if f.IsError() {
			t.Fatalf("fragment %d is an error: %v", i, f.Err)
		}
		if f.Text != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, f.Text, want[i])
		}
	}
	if s.Text() != "Hello world" {
		t.Errorf("text = %q, want Hello world", s.Text())
	}
	if s.Failure() != nil {
		t.Errorf("unexpected failure %v", s.Failure())
	}
}

func TestRunSummaryFallback(t *testing.T) {
	c := fakeBridge(t, `echo 'JARVIS_PAYLOAD={"ok":true,"summary":"short"}'`)
	frags := drain(t, c.Run(context.Background(), testTurn(), Hooks{}))
	if len(frags) != 1 || frags[0].Text != "short" {
		t.Errorf("got %+v, want single 'short' fragment", frags)
	}
}

func TestRunNoResponse(t *testing.T) {
	c := fakeBridge(t, `echo 'JARVIS_PAYLOAD={"ok":true}'`)
	s := c.Run(context.Background(), testTurn(), Hooks{})
	drain(t, s)
	if s.Text() != noResponse {
		t.Errorf("text = %q, want %q", s.Text(), noResponse)
	}
}

func TestRunAgentReportedError(t *testing.T) {
	c := fakeBridge(t, `echo 'JARVIS_PAYLOAD={"ok":false,"reason":"boom","details":"disk full"}'`)
	frags := drain(t, c.Run(context.Background(), testTurn(), Hooks{}))
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1", len(frags))
	}
	f := frags[0]
	if !f.IsError() || f.Err.Kind != AgentReportedError {
		t.Fatalf("got %+v, want agent_reported_error", f)
	}
	if f.Text != "Error: boom - disk full" {
		t.Errorf("text = %q", f.Text)
	}
}

func TestRunInvalidPayloadAbandons(t *testing.T) {
	c := fakeBridge(t, `echo 'JARVIS_PAYLOAD={not json'
echo 'JARVIS_PAYLOAD={"ok":true,"data":{"output":"late"}}'
exit 2`)
	frags := drain(t, c.Run(context.Background(), testTurn(), Hooks{}))
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want exactly 1: %+v", len(frags), frags)
	}
	if frags[0].Err == nil || frags[0].Err.Kind != BridgeProtocolError {
		t.Errorf("got %+v, want bridge_protocol_error", frags[0])
	}
}

func TestRunNonZeroExit(t *testing.T) {
	c := fakeBridge(t, `echo "node: something broke" >&2
exit 3`)
	frags := drain(t, c.Run(context.Background(), testTurn(), Hooks{}))
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1", len(frags))
	}
	e := frags[0].Err
	if e == nil || e.Kind != BridgeExecutionFailure {
		t.Fatalf("got %+v, want bridge_execution_failure", frags[0])
	}
	if e.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", e.ExitCode)
	}
	if !strings.Contains(frags[0].Text, "something broke") {
		t.Errorf("text %q should include stderr", frags[0].Text)
	}
}

func TestRunMissingScript(t *testing.T) {
	c := NewClient(Config{Runtime: "sh", Script: filepath.Join(t.TempDir(), "missing.js")})
	frags := drain(t, c.Run(context.Background(), testTurn(), Hooks{}))
	if len(frags) != 1 || frags[0].Err == nil || frags[0].Err.Kind != BridgeUnavailable {
		t.Fatalf("got %+v, want one bridge_unavailable fragment", frags)
	}
}

func TestRunMissingRuntime(t *testing.T) {
	c := NewClient(Config{Runtime: "definitely-not-a-runtime-xyz"})
	frags := drain(t, c.Run(context.Background(), testTurn(), Hooks{}))
	if len(frags) != 1 || frags[0].Err == nil || frags[0].Err.Kind != BridgeUnavailable {
		t.Fatalf("got %+v, want one bridge_unavailable fragment", frags)
	}
}

func TestRunPassesRequest(t *testing.T) {
	out := filepath.Join(t.TempDir(), "request.json")
	c := fakeBridge(t, `[ "$1" = "--request" ] || exit 9
printf '%s' "$2" > `+out+`
echo 'JARVIS_PAYLOAD={"ok":true,"summary":"ok"}'`)

	turn := Turn{
		SessionID:  "abc",
		Kind:       agent.Secondary,
		Text:       "what now",
		TurnNumber: 4,
		History:    []agent.Exchange{{Role: "user", Content: "earlier"}},
	}
	frags := drain(t, c.Run(context.Background(), turn, Hooks{}))
	if len(frags) != 1 || frags[0].IsError() {
		t.Fatalf("got %+v", frags)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Session != "abc" || req.Payload.Message != "what now" {
		t.Errorf("request = %+v", req)
	}
	if req.Payload.Direction != "claude_to_codex" {
		t.Errorf("direction = %q", req.Payload.Direction)
	}
	if req.Payload.Intent != "mobile_codex_query" {
		t.Errorf("intent = %q", req.Payload.Intent)
	}
	if req.Payload.Metadata.MessageCount != 4 || req.Payload.Metadata.Source != "test" {
		t.Errorf("metadata = %+v", req.Payload.Metadata)
	}
}

func TestRunHooks(t *testing.T) {
	c := fakeBridge(t, `echo 'JARVIS_PAYLOAD={"ok":true,"summary":"x"}'`)
	var spawned *Process
	var first, payload bool
	drain(t, c.Run(context.Background(), testTurn(), Hooks{
		OnSpawn:       func(p *Process) { spawned = p },
		OnFirstOutput: func(time.Duration) { first = true },
		OnPayload:     func(time.Duration) { payload = true },
	}))
	if spawned == nil || spawned.PID() <= 0 {
		t.Fatal("OnSpawn not called with a process")
	}
	if !first || !payload {
		t.Errorf("first=%v payload=%v, want both", first, payload)
	}
	select {
	case <-spawned.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after stream closed")
	}
	if spawned.Alive() {
		t.Error("process still alive")
	}
}

func TestProcessTerminate(t *testing.T) {
	c := fakeBridge(t, `exec sleep 30`)
	procCh := make(chan *Process, 1)
	s := c.Run(context.Background(), testTurn(), Hooks{
		OnSpawn: func(p *Process) { procCh <- p },
	})
	p := <-procCh

	start := time.Now()
	p.Terminate(time.Second)
	if p.Alive() {
		t.Fatal("process alive after Terminate")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("terminate took %s", time.Since(start))
	}
	drain(t, s)

	// Terminating again is a no-op.
	p.Terminate(time.Second)
}

func TestBuildRequestContext(t *testing.T) {
	cfg := Config{ProtocolVersion: "bridgehub/1.0", Capsule: "/cap", Source: "wingrelay", MaxSystemContext: 100}
	turn := Turn{
		SessionID:     "s",
		Kind:          agent.Primary,
		Text:          "hello",
		History:       []agent.Exchange{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}},
		Attachments:   []agent.Attachment{{Filename: "a.png", MediaType: "image/png", SizeBytes: 10}},
		SystemContext: "be nice",
		TurnNumber:    2,
	}
	req, err := BuildRequest(cfg, turn)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Version != "bridgehub/1.0" || req.Action != "freeform" || req.Capsule != "/cap" {
		t.Errorf("header = %+v", req)
	}
	if req.Payload.Direction != "codex_to_claude" || req.Payload.Intent != "mobile_claude_query" {
		t.Errorf("payload = %+v", req.Payload)
	}
	titles := make([]string, len(req.Payload.Context))
	for i, e := range req.Payload.Context {
		titles[i] = e.Title
	}
	want := []string{"Conversation History", "Attachments", "System Context"}
	if strings.Join(titles, ",") != strings.Join(want, ",") {
		t.Errorf("context titles = %v, want %v", titles, want)
	}
	if !strings.Contains(req.Payload.Context[0].Content, "\n  {") {
		t.Errorf("history not indented: %q", req.Payload.Context[0].Content)
	}
	if len(req.Payload.Metadata.Attachments) != 1 {
		t.Errorf("metadata attachments = %v", req.Payload.Metadata.Attachments)
	}

	// Oversized or secondary system context is not inlined.
	cfg.MaxSystemContext = 3
	req, _ = BuildRequest(cfg, turn)
	if n := len(req.Payload.Context); n != 2 {
		t.Errorf("oversized context: %d entries, want 2", n)
	}
	cfg.MaxSystemContext = 100
	turn.Kind = agent.Secondary
	req, _ = BuildRequest(cfg, turn)
	if n := len(req.Payload.Context); n != 2 {
		t.Errorf("secondary: %d entries, want 2", n)
	}
}

func TestBuildRequestEmptyContext(t *testing.T) {
	req, err := BuildRequest(Config{}, Turn{SessionID: "s", Kind: agent.Primary, Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(req)
	if !strings.Contains(string(data), `"context":[]`) {
		t.Errorf("context should encode as empty list: %s", data)
	}
	if strings.Contains(string(data), `"attachments"`) {
		t.Errorf("attachments should be omitted: %s", data)
	}
}

func TestChunk(t *testing.T) {
	cases := []struct {
		in   string
		size int
		want []string
	}{
		{"", 5, nil},
		{"abc", 5, []string{"abc"}},
		{"abcdef", 3, []string{"abc", "def"}},
		{"abcdefg", 3, []string{"abc", "def", "g"}},
		{"héllo wörld", 4, []string{"héll", "o wö", "rld"}},
	}
	for _, tc := range cases {
		got := chunk(tc.in, tc.size)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
			t.Errorf("chunk(%q, %d) = %q, want %q", tc.in, tc.size, got, tc.want)
		}
		if strings.Join(got, "") != tc.in {
			t.Errorf("chunk(%q) does not reassemble", tc.in)
		}
	}
}

func TestParsePayloadStructuredDetails(t *testing.T) {
	res := parsePayloadLine(`P={"ok":false,"details":{"code":7}}`, "P=", 10)
	if len(res.fragments) != 1 || res.abandon {
		t.Fatalf("got %+v", res)
	}
	if got := res.fragments[0].Err.Msg; got != `Unknown error - {"code":7}` {
		t.Errorf("msg = %q", got)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	if n != 6 || err != nil {
		t.Errorf("write = %d, %v", n, err)
	}
	b.Write([]byte("gh"))
	if b.String() != "abcd" {
		t.Errorf("buffer = %q, want abcd", b.String())
	}
}
