package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/auth"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
	"github.com/ehrlich-b/wingrelay/internal/conversation"
	"github.com/ehrlich-b/wingrelay/internal/pool"
	"github.com/ehrlich-b/wingrelay/internal/store"
	"github.com/ehrlich-b/wingrelay/internal/trace"
	"github.com/ehrlich-b/wingrelay/internal/ws"
)

const testKey = "test-key"

// echoInvoker answers every turn with "echo: <text>" in two fragments, or an
// agent error when the text is "fail". A "slow" turn signals started and waits
// for gate.
type echoInvoker struct {
	mu    sync.Mutex
	turns []bridge.Turn

	started chan struct{}
	gate    chan struct{}
}

func (e *echoInvoker) Run(ctx context.Context, turn bridge.Turn, hooks bridge.Hooks) *bridge.Stream {
	e.mu.Lock()
	e.turns = append(e.turns, turn)
	e.mu.Unlock()
	if turn.Text == "slow" {
		close(e.started)
		<-e.gate
	}
	if turn.Text == "fail" {
		return bridge.NewTestStream(bridge.ErrorFragment(bridge.AgentReportedError, "boom"))
	}
	return bridge.NewTestStream(bridge.TextFragments("echo: ", turn.Text)...)
}

func (e *echoInvoker) recorded() []bridge.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bridge.Turn(nil), e.turns...)
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	convs *conversation.Manager
	store *store.Store
	inv   *echoInvoker
	pool  *pool.Pool
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v, err := auth.NewVerifier(auth.Config{APIKey: testKey})
	if err != nil {
		t.Fatal(err)
	}
	inv := &echoInvoker{}
	p := pool.New(inv, pool.Options{})
	t.Cleanup(p.Shutdown)
	convs := conversation.NewManager(st, conversation.Options{})

	if opts.Version == "" {
		opts.Version = "test"
	}
	srv := NewServer(Deps{
		Verifier:      v,
		Pool:          p,
		Conversations: convs,
		Traces:        trace.NewRecorder(50),
	}, opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return &testEnv{srv: srv, http: hs, convs: convs, store: st, inv: inv, pool: p}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, ctx context.Context, path string) *ws.Client {
	t.Helper()
	c, err := ws.Dial(ctx, e.wsURL(path), testKey)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *testEnv) get(t *testing.T, path, token string, v any) int {
	t.Helper()
	req, _ := http.NewRequest("GET", e.http.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWrongTokenClosesWithoutReady(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := testCtx(t)

	conn, _, err := websocket.Dial(ctx, env.wsURL("/api/primary/ws"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("wrong")); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(data) != ws.AuthRejected {
		t.Fatalf("reply = %q, want %q", data, ws.AuthRejected)
	}

	_, data, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected close, got frame %q", data)
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
	if env.srv.Connections().Len() != 0 {
		t.Error("rejected connection registered")
	}
}

func TestWrongTokenWithClient(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := ws.Dial(testCtx(t), env.wsURL("/api/secondary/ws"), "nope")
	if !errors.Is(err, ws.ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestAuthTimeout(t *testing.T) {
	env := newTestEnv(t, Options{AuthTimeout: 100 * time.Millisecond})
	ctx := testCtx(t)

	conn, _, err := websocket.Dial(ctx, env.wsURL("/api/primary/ws"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	start := time.Now()
	if _, data, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected close, got frame %q", data)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("connection closed after %v", time.Since(start))
	}
}

func TestTwoTurnsSameSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")

	ready := c.Ready()
	if ready.Features == nil || !ready.Features.AgentCoordination {
		t.Errorf("ready = %+v", ready)
	}

	var streamed []string
	for i := 0; i < 2; i++ {
		streamed = streamed[:0]
		done, err := c.Ask(ctx, ws.TurnFrame{Content: "hi", SessionID: "s1"}, func(ev ws.Event) {
			streamed = append(streamed, ev.Content)
		})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if strings.Join(streamed, "") != "echo: hi" {
			t.Errorf("turn %d streamed %q", i, streamed)
		}
		if done.MessageCount != 2*(i+1) || done.SessionID != "s1" {
			t.Errorf("turn %d complete = %+v", i, done)
		}
	}

	conv := env.convs.Get("s1")
	if conv == nil {
		t.Fatal("conversation s1 not in memory")
	}
	msgs := conv.Messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	wantRoles := []conversation.Role{conversation.RoleUser, conversation.RoleAgent, conversation.RoleUser, conversation.RoleAgent}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("msg %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
		if i > 0 && m.Timestamp.Before(msgs[i-1].Timestamp) {
			t.Errorf("msg %d out of order", i)
		}
	}
	if msgs[1].Content != "echo: hi" {
		t.Errorf("agent reply = %q", msgs[1].Content)
	}

	row, err := env.store.GetConversation("s1")
	if err != nil || row == nil {
		t.Fatalf("stored row = %v, %v", row, err)
	}
	if row.MessageCount != 4 {
		t.Errorf("stored message_count = %d, want 4", row.MessageCount)
	}

	turns := env.inv.recorded()
	if len(turns) != 2 {
		t.Fatalf("bridge turns = %d", len(turns))
	}
	// The second turn sees the first exchange plus its own message.
	if len(turns[1].History) != 3 || turns[1].History[1].Role != "assistant" {
		t.Errorf("second turn history = %+v", turns[1].History)
	}
	if turns[1].Kind != agent.Primary || turns[1].TurnNumber != 2 {
		t.Errorf("second turn = %+v", turns[1])
	}
}

func TestMissingSessionUsesConnectionID(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/codex/ws")

	done, err := c.Ask(ctx, ws.TurnFrame{Content: "hello", DeviceID: "phone"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.SessionID == "" || done.SessionID != c.Ready().SessionID {
		t.Errorf("complete session = %q, ready session = %q", done.SessionID, c.Ready().SessionID)
	}
	conv := env.convs.Get(done.SessionID)
	if conv == nil || conv.Kind != agent.Secondary || conv.OwnerID != "phone" {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")

	for _, bad := range []string{"{nope", `{"content":"x","attachments":[{"size":3}]}`} {
		if err := c.SendRaw(ctx, []byte(bad)); err != nil {
			t.Fatal(err)
		}
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("after %q: %v", bad, err)
		}
		if ev.Type != ws.TypeError || ev.Content != ws.MalformedText {
			t.Errorf("after %q got %+v", bad, ev)
		}
	}

	// Empty content is ignored; the next real turn still works.
	if err := c.Send(ctx, ws.TurnFrame{Content: "  "}); err != nil {
		t.Fatal(err)
	}
	done, err := c.Ask(ctx, ws.TurnFrame{Content: "ok", SessionID: "m1"}, nil)
	if err != nil {
		t.Fatalf("turn after malformed frames: %v", err)
	}
	if done.MessageCount != 2 {
		t.Errorf("message_count = %d", done.MessageCount)
	}
}

func TestErrorFragmentInline(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")

	var events []ws.Event
	done, err := c.Ask(ctx, ws.TurnFrame{Content: "fail", SessionID: "e1"}, func(ev ws.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].ErrorKind != string(bridge.AgentReportedError) || !strings.Contains(events[0].Content, "boom") {
		t.Errorf("error event = %+v", events[0])
	}
	if done.MessageCount != 2 {
		t.Errorf("message_count = %d", done.MessageCount)
	}

	msgs := env.convs.Get("e1").Messages()
	if msgs[1].Metadata["error_kind"] != string(bridge.AgentReportedError) {
		t.Errorf("agent message metadata = %v", msgs[1].Metadata)
	}
}

func TestFragmentPacing(t *testing.T) {
	env := newTestEnv(t, Options{Pacing: 30 * time.Millisecond})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")

	var arrivals []time.Time
	if _, err := c.Ask(ctx, ws.TurnFrame{Content: "x", SessionID: "p1"}, func(ws.Event) {
		arrivals = append(arrivals, time.Now())
	}); err != nil {
		t.Fatal(err)
	}
	if len(arrivals) != 2 {
		t.Fatalf("fragments = %d", len(arrivals))
	}
	if gap := arrivals[1].Sub(arrivals[0]); gap < 20*time.Millisecond {
		t.Errorf("gap between fragments = %v, want about 30ms", gap)
	}
}

func TestInboundRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{FrameRate: 0.1, FrameBurst: 2})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")

	var got []string
	for i := 0; i < 3; i++ {
		if err := c.SendRaw(ctx, []byte("{bad")); err != nil {
			t.Fatal(err)
		}
		ev, err := c.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ev.Content)
	}
	if got[0] != ws.MalformedText || got[1] != ws.MalformedText {
		t.Errorf("first two = %q", got[:2])
	}
	if got[2] != rateLimitedText {
		t.Errorf("third = %q, want rate limit error", got[2])
	}
}

func TestTerminateSession(t *testing.T) {
	env := newTestEnv(t, Options{RequireAuth: true})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")
	if _, err := c.Ask(ctx, ws.TurnFrame{Content: "hi", SessionID: "t1"}, nil); err != nil {
		t.Fatal(err)
	}

	del := func(token string) (int, map[string]any) {
		req, _ := http.NewRequest("DELETE", env.http.URL+"/api/sessions/t1", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	if code, _ := del(""); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated delete = %d", code)
	}
	code, body := del(testKey)
	if code != http.StatusOK || body["terminated"] != true {
		t.Errorf("delete = %d %v", code, body)
	}
	if env.pool.Get("t1") != nil {
		t.Error("handle still present")
	}
	if _, body := del(testKey); body["terminated"] != false {
		t.Errorf("second delete = %v", body)
	}
}

func TestShutdownWaitsForRunningTurn(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.inv.started = make(chan struct{})
	env.inv.gate = make(chan struct{})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")
	if err := c.Send(ctx, ws.TurnFrame{Content: "slow", SessionID: "sd"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-env.inv.started:
	case <-ctx.Done():
		t.Fatal("turn never reached the invoker")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(env.inv.gate)
	}()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	row, err := env.store.GetConversation("sd")
	if err != nil || row == nil {
		t.Fatalf("get sd: %v", err)
	}
	if row.MessageCount != 2 {
		t.Errorf("persisted %d messages, want 2", row.MessageCount)
	}
	if n := env.srv.Connections().Len(); n != 0 {
		t.Errorf("%d connections registered after shutdown", n)
	}
	if _, err := ws.Dial(ctx, env.wsURL("/api/primary/ws"), testKey); err == nil {
		t.Error("dial succeeded after shutdown")
	}
}

func TestShutdownBoundedByContext(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.inv.started = make(chan struct{})
	env.inv.gate = make(chan struct{})
	t.Cleanup(func() { close(env.inv.gate) })
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")
	if err := c.Send(ctx, ws.TurnFrame{Content: "slow", SessionID: "sb"}); err != nil {
		t.Fatal(err)
	}
	<-env.inv.started

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := env.srv.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("shutdown = %v, want deadline exceeded", err)
	}
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, Options{Version: "9.9.9"})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/secondary/ws")
	if _, err := c.Ask(ctx, ws.TurnFrame{Content: "hi", SessionID: "h1"}, nil); err != nil {
		t.Fatal(err)
	}

	var health HealthResponse
	if code := env.get(t, "/api/health", "", &health); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if health.Status != "ok" || health.Version != "9.9.9" {
		t.Errorf("health = %+v", health)
	}
	if health.Connections[agent.Secondary] != 1 || health.Connections[agent.Primary] != 0 {
		t.Errorf("connections = %v", health.Connections)
	}
	if len(health.Clients) != 1 || health.Clients[0].Kind != agent.Secondary || health.Clients[0].Subject != "api-key" {
		t.Errorf("clients = %+v", health.Clients)
	}
	if health.Pool.Total != 1 || health.Pool.ByKind[agent.Secondary] != 1 {
		t.Errorf("pool = %+v", health.Pool)
	}
	if health.Conversations.Total != 1 || health.Traces != 1 {
		t.Errorf("conversations = %+v traces = %d", health.Conversations, health.Traces)
	}

	var status StatusResponse
	if code := env.get(t, "/api/status", "", &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Status != "running" || !status.Features.SessionPersistence || !status.Features.DualSessions {
		t.Errorf("status = %+v", status)
	}
	if status.Features.SignedTokens {
		t.Error("signed tokens advertised without a secret")
	}
}

func TestSessionsAndTraces(t *testing.T) {
	env := newTestEnv(t, Options{RequireAuth: true})
	ctx := testCtx(t)
	c := env.dial(t, ctx, "/api/primary/ws")
	if _, err := c.Ask(ctx, ws.TurnFrame{Content: "hi", SessionID: "l1", DeviceID: "ipad"}, nil); err != nil {
		t.Fatal(err)
	}

	if code := env.get(t, "/api/sessions", "", nil); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list = %d", code)
	}

	var list sessionsResponse
	if code := env.get(t, "/api/sessions?kind=primary", testKey, &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if list.Count != 1 || list.Sessions[0].SessionID != "l1" || list.Sessions[0].MessageCount != 2 {
		t.Errorf("list = %+v", list)
	}

	list = sessionsResponse{}
	if code := env.get(t, "/api/sessions?owner=ipad", testKey, &list); code != http.StatusOK {
		t.Fatalf("owner list = %d", code)
	}
	if list.Count != 1 {
		t.Errorf("owner list = %+v", list)
	}
	if code := env.get(t, "/api/sessions?kind=bogus", testKey, nil); code != http.StatusBadRequest {
		t.Errorf("bad kind = %d", code)
	}

	var traces struct {
		Traces []trace.Summary `json:"traces"`
	}
	if code := env.get(t, "/api/traces", testKey, &traces); code != http.StatusOK {
		t.Fatalf("traces = %d", code)
	}
	if len(traces.Traces) != 1 {
		t.Fatalf("traces = %+v", traces)
	}
	tr := traces.Traces[0]
	if tr.SessionID != "l1" || tr.Kind != "primary" {
		t.Errorf("trace = %+v", tr)
	}
	if !contains(tr.Checkpoints, "session_loaded") || !contains(tr.Checkpoints, "persisted") {
		t.Errorf("checkpoints = %v", tr.Checkpoints)
	}

	var one trace.Summary
	if code := env.get(t, "/api/traces/"+tr.TraceID, testKey, &one); code != http.StatusOK || one.TraceID != tr.TraceID {
		t.Errorf("get trace = %d %+v", code, one)
	}
	if code := env.get(t, "/api/traces/nope", testKey, nil); code != http.StatusNotFound {
		t.Errorf("missing trace = %d", code)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
