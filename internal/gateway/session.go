package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/auth"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
	"github.com/ehrlich-b/wingrelay/internal/conversation"
	"github.com/ehrlich-b/wingrelay/internal/pool"
	"github.com/ehrlich-b/wingrelay/internal/ws"
)

const (
	writeTimeout     = 10 * time.Second
	rateLimitedText  = "Too many messages, slow down"
	loadFailedText   = "Error: conversation could not be loaded, try again"
	binaryFrameError = "binary frames are not supported"
)

// connection is one authenticated client. Its read loop runs one turn at a time.
type connection struct {
	srv       *Server
	conn      *websocket.Conn
	info      ConnInfo
	identity  *auth.Identity
	sessionID string // used by frames that carry no session_id
	log       *slog.Logger

	inbound *rate.Limiter
	pace    *rate.Limiter
	writeMu sync.Mutex
}

func (s *Server) handleWS(kind agent.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.track() {
			writeError(w, http.StatusServiceUnavailable, "relay is shutting down")
			return
		}
		defer s.active.Done()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			s.log.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(s.opts.ReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		defer context.AfterFunc(s.base, cancel)()

		id, err := s.authenticate(ctx, conn)
		if err != nil {
			s.log.Warn("websocket auth failed", "kind", kind, "remote", r.RemoteAddr, "error", err)
			return
		}

		c := &connection{
			srv:  s,
			conn: conn,
			info: ConnInfo{
				ID:          uuid.NewString(),
				Kind:        kind,
				Subject:     id.Subject,
				RemoteAddr:  r.RemoteAddr,
				ConnectedAt: time.Now(),
			},
			identity:  id,
			sessionID: uuid.NewString(),
			inbound:   rate.NewLimiter(rate.Limit(s.opts.FrameRate), s.opts.FrameBurst),
			pace:      rate.NewLimiter(rate.Inf, 1),
		}
		if s.opts.Pacing > 0 {
			c.pace = rate.NewLimiter(rate.Every(s.opts.Pacing), 1)
		}
		c.log = s.log.With("conn", c.info.ID[:8], "kind", kind)

		s.conns.Add(c.info)
		defer s.conns.Remove(c.info.ID)
		c.log.Info("client connected", "subject", id.Subject, "method", id.Method, "total", s.conns.Len())

		if err := c.send(ctx, ws.ReadyEvent(kind, c.sessionID, s.opts.Version)); err != nil {
			c.log.Info("send ready", "error", err)
			return
		}
		c.serve(ctx)
		c.log.Info("client disconnected")
	}
}

// authenticate reads the token frame. On failure the connection is closed with
// a policy-violation status.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) (*auth.Identity, error) {
	authCtx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	typ, data, err := conn.Read(authCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "authentication timeout")
		return nil, err
	}
	if typ != websocket.MessageText {
		conn.Close(websocket.StatusPolicyViolation, "expected token")
		return nil, errors.New("first frame was not text")
	}

	id, err := s.deps.Verifier.Verify(string(data))
	if err != nil {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		conn.Write(writeCtx, websocket.MessageText, []byte(ws.AuthRejected))
		cancel()
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, []byte(ws.AuthOK)); err != nil {
		return nil, err
	}
	return id, nil
}

func (c *connection) serve(ctx context.Context) {
	for {
		// Read closes the connection when its context expires.
		readCtx, cancel := context.WithTimeout(ctx, c.srv.opts.ReadTimeout)
		typ, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				c.log.Info("idle timeout", "after", c.srv.opts.ReadTimeout)
			case websocket.CloseStatus(err) != -1:
				c.log.Debug("client closed", "status", websocket.CloseStatus(err))
			default:
				c.log.Debug("read", "error", err)
			}
			return
		}

		if !c.inbound.Allow() {
			c.log.Warn("inbound frame rate exceeded")
			if c.send(ctx, ws.ErrorEvent(rateLimitedText)) != nil {
				return
			}
			continue
		}

		if typ != websocket.MessageText {
			c.log.Warn("rejecting frame", "reason", binaryFrameError)
			if c.send(ctx, ws.ErrorEvent(ws.MalformedText)) != nil {
				return
			}
			continue
		}

		frame, err := ws.ParseTurn(data)
		if err != nil {
			c.log.Warn("malformed frame", "error", err)
			if c.send(ctx, ws.ErrorEvent(ws.MalformedText)) != nil {
				return
			}
			continue
		}
		if frame.Content == "" {
			continue
		}

		if !c.runTurn(ctx, frame) {
			return
		}
	}
}

// runTurn drives one turn end to end. It returns false once the client is gone.
func (c *connection) runTurn(ctx context.Context, frame ws.TurnFrame) bool {
	s := c.srv
	kind := c.info.Kind
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	log := c.log.With("session", sessionID)

	tr := s.deps.Traces.Start(uuid.NewString(), sessionID, string(kind))
	tr.Mark("turn_received", map[string]any{"bytes": len(frame.Content), "attachments": len(frame.Attachments)})

	conv, err := s.deps.Conversations.GetOrCreate(sessionID, kind, c.owner(frame))
	if err != nil {
		log.Error("load conversation", "error", err)
		tr.Mark("load_failed", map[string]any{"error": err.Error()})
		tr.LogSummary()
		return c.send(ctx, ws.ErrorEvent(loadFailedText)) == nil
	}
	if conv.Kind != kind {
		log.Warn("session reused across agent kinds", "stored", conv.Kind)
	}
	tr.Mark("session_loaded", map[string]any{"messages": conv.Len()})

	s.deps.Conversations.Append(conv, conversation.RoleUser, frame.Content, frame.Attachments, map[string]string{
		"device_id": frame.DeviceID,
	})
	history := s.deps.Conversations.HistoryForPrompt(conv, s.opts.HistoryLimit)
	log.Info("turn started", "history", len(history))

	sink := &wsSink{c: c, ctx: ctx}
	res := s.deps.Pool.Execute(ctx, pool.Request{
		SessionID:     sessionID,
		Kind:          kind,
		Text:          frame.Content,
		History:       history,
		SystemContext: conv.SystemContext,
		Attachments:   frame.Attachments,
		Hooks: bridge.Hooks{
			OnSpawn: func(p *bridge.Process) {
				tr.Mark("process_spawned", map[string]any{"pid": p.PID()})
			},
			OnFirstOutput: func(time.Duration) { tr.Mark("first_output", nil) },
			OnPayload:     func(time.Duration) { tr.Mark("payload_parsed", nil) },
		},
	}, sink)
	tr.Mark("response_streamed", map[string]any{"fragments": res.Fragments, "sent": sink.sent})

	meta := map[string]string{"trace_id": tr.ID}
	if res.Err != nil {
		meta["error_kind"] = string(res.Err.Kind)
		log.Warn("turn failed", "kind", res.Err.Kind, "error", res.Err.Msg)
	}
	if res.Detached {
		meta["detached"] = "true"
	}
	s.deps.Conversations.Append(conv, conversation.RoleAgent, res.Text, nil, meta)
	// Store failures are retried by the manager and never reach the client.
	s.deps.Conversations.Persist(conv)
	tr.Mark("persisted", map[string]any{"messages": conv.Len()})

	if res.Detached {
		tr.LogSummary()
		log.Info("turn finished without client", "fragments", res.Fragments)
		return false
	}
	err = c.send(ctx, ws.CompleteEvent(sessionID, conv.Len()))
	tr.Mark("complete_sent", nil)
	tr.LogSummary()
	log.Info("turn complete", "fragments", res.Fragments, "messages", conv.Len(), "duration", res.Duration.Round(time.Millisecond))
	return err == nil
}

// owner is who a conversation is recorded under: the token subject for signed
// tokens, otherwise the device the client reports.
func (c *connection) owner(frame ws.TurnFrame) string {
	if c.identity.Method == auth.MethodJWT && c.identity.Subject != "" {
		return c.identity.Subject
	}
	return frame.DeviceID
}

func (c *connection) send(ctx context.Context, ev ws.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// wsSink paces fragments onto the connection.
type wsSink struct {
	c    *connection
	ctx  context.Context
	sent int
}

func (s *wsSink) Send(f bridge.Fragment) error {
	if err := s.c.pace.Wait(s.ctx); err != nil {
		return err
	}
	var kind string
	if f.Err != nil {
		kind = string(f.Err.Kind)
	}
	if err := s.c.send(s.ctx, ws.MessageEvent(f.Text, kind)); err != nil {
		return err
	}
	s.sent++
	return nil
}
