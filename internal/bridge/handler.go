package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MarkSong535/canvas-ai/internal/agent"
	"github.com/MarkSong535/canvas-ai/internal/auth"
	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/domain"
	"github.com/MarkSong535/canvas-ai/internal/download"
)

// Handler upgrades HTTP requests to WebSocket sessions and drives the
// per-connection workflow.
type Handler struct {
	verifier       *auth.Verifier
	responder      agent.Responder
	client         canvas.Client
	runner         *download.Runner
	registry       *Registry
	requireConfirm bool
}

func NewHandler(verifier *auth.Verifier, responder agent.Responder, client canvas.Client, runner *download.Runner, registry *Registry, requireConfirm bool) *Handler {
	return &Handler{
		verifier:       verifier,
		responder:      responder,
		client:         client,
		runner:         runner,
		registry:       registry,
		requireConfirm: requireConfirm,
	}
}

// conn serializes writes to a single WebSocket. Progress callbacks write
// from download workers while the dispatch loop owns everything else.
// Inbound messages flow through msgs so a running download job can watch
// for disconnects without giving up the socket reader.
type conn struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	msgs chan inboundMessage
}

func (c *conn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	session := NewSession()
	h.registry.Register(session.ID, ws)
	defer h.registry.Unregister(session.ID)
	defer session.Close()

	slog.Info("websocket session opened", "session_id", session.ID, "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws, msgs: make(chan inboundMessage)}
	go h.receive(ctx, c, session)

	for msg := range c.msgs {
		h.dispatch(ctx, c, session, msg)
	}

	slog.Info("websocket session ended", "session_id", session.ID)
}

// receive owns the socket reads for the connection's lifetime and closes
// the message channel when the client goes away.
func (h *Handler) receive(ctx context.Context, c *conn, session *Session) {
	defer close(c.msgs)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "session_id", session.ID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "session_id", session.ID)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(c, session, errorOf(kindProtocolError, "malformed message"))
			continue
		}

		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, session *Session, msg inboundMessage) {
	// The auth gate is absolute: nothing else is interpreted before it,
	// but a failed attempt never drops the connection.
	if !session.Authenticated() {
		if msg.Type != "auth" {
			h.send(c, session, errorOf(kindAuthError, "authentication required"))
			return
		}
		h.handleAuth(c, session, msg)
		return
	}

	switch msg.Type {
	case "auth":
		// Re-auth on an open session is a no-op.
		h.send(c, session, statusOK())
	case "chat":
		h.handleChat(ctx, c, session, msg)
	case "download":
		h.handleDownload(ctx, c, session, msg)
	case "confirm":
		h.handleConfirm(ctx, c, session, msg)
	default:
		h.send(c, session, errorOf(kindProtocolError, "unknown message type "+msg.Type))
	}
}

func (h *Handler) handleAuth(c *conn, session *Session, msg inboundMessage) {
	if !h.verifier.Verify(msg.Password, msg.TOTP, time.Now()) {
		slog.Warn("authentication failed", "session_id", session.ID)
		h.send(c, session, errorOf(kindAuthError, "invalid credentials"))
		return
	}
	session.Authenticate()
	slog.Info("session authenticated", "session_id", session.ID)
	h.send(c, session, statusOK())
}

func (h *Handler) handleChat(ctx context.Context, c *conn, session *Session, msg inboundMessage) {
	if strings.TrimSpace(msg.Query) == "" {
		h.send(c, session, errorOf(kindProtocolError, "empty query"))
		return
	}
	if h.responder == nil {
		h.send(c, session, errorOf(kindFatalError, "assistant agent not configured"))
		return
	}
	if err := session.BeginChat(); err != nil {
		h.send(c, session, errorOf(kindProtocolError, err.Error()))
		return
	}
	defer session.EndChat()

	answer, err := h.responder.Answer(ctx, msg.Query)
	if err != nil {
		slog.Warn("agent query failed", "session_id", session.ID, "error", err)
		h.send(c, session, errorOf(kindFatalError, "agent query failed: "+err.Error()))
		return
	}
	h.send(c, session, chatResultMessage{Type: "chat_result", Text: answer})
}

func (h *Handler) handleDownload(ctx context.Context, c *conn, session *Session, msg inboundMessage) {
	if len(msg.CourseIndices) == 0 && len(msg.CourseIDs) == 0 {
		h.sendRoster(ctx, c, session)
		return
	}

	selection, err := session.ResolveSelection(msg.CourseIndices, msg.CourseIDs)
	if err != nil {
		h.send(c, session, errorOf(kindProtocolError, err.Error()))
		return
	}

	if h.requireConfirm && !msg.AutoConfirm {
		session.RequestConfirm(selection)
		ids := make([]int64, len(selection))
		for i, course := range selection {
			ids[i] = course.ID
		}
		h.send(c, session, statusMessage{
			Type:                 "status",
			Authenticated:        true,
			AwaitingConfirmation: true,
			SelectedCourses:      ids,
		})
		return
	}

	h.execute(ctx, c, session, selection)
}

func (h *Handler) handleConfirm(ctx context.Context, c *conn, session *Session, msg inboundMessage) {
	selection, err := session.Confirm(msg.Accept)
	if err != nil {
		h.send(c, session, errorOf(kindProtocolError, err.Error()))
		return
	}
	if selection == nil {
		slog.Info("download declined", "session_id", session.ID)
		h.send(c, session, statusOK())
		return
	}
	h.execute(ctx, c, session, selection)
}

func (h *Handler) sendRoster(ctx context.Context, c *conn, session *Session) {
	courses, err := h.client.Courses(ctx)
	if err != nil {
		// A roster failure aborts the whole workflow, unlike per-file
		// fetch errors inside a job.
		slog.Warn("roster fetch failed", "session_id", session.ID, "error", err)
		h.send(c, session, errorOf(kindFatalError, "course roster unavailable: "+err.Error()))
		return
	}

	entries, err := session.HoldRoster(courses)
	if err != nil {
		h.send(c, session, errorOf(kindProtocolError, err.Error()))
		return
	}
	h.send(c, session, rosterMessage{Type: "roster", Entries: entries})
}

func (h *Handler) execute(ctx context.Context, c *conn, session *Session, selection []canvas.Course) {
	session.BeginExecute()
	defer session.FinishExecute()

	slog.Info("download job started", "session_id", session.ID, "courses", len(selection))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type jobResult struct {
		report *domain.RunReport
		err    error
	}
	done := make(chan jobResult, 1)
	go func() {
		report, err := h.runner.Run(jobCtx, selection, func(p domain.Progress) {
			h.send(c, session, progressMessage{
				Type:         "progress",
				CourseID:     p.CourseID,
				Downloaded:   p.Stats.Downloaded,
				Skipped:      p.Stats.Skipped,
				Failed:       p.Stats.Failed,
				Uploaded:     p.Stats.Uploaded,
				UploadFailed: p.Stats.UploadFailed,
			})
		})
		done <- jobResult{report, err}
	}()

	// Keep draining inbound traffic while the job runs: messages sent
	// mid-job are rejected, and a closed channel means the client is
	// gone, so the remaining plan is abandoned. Manifest entries already
	// written keep the next run resumable.
	for {
		select {
		case res := <-done:
			if res.err != nil {
				if jobCtx.Err() != nil {
					slog.Info("download job cancelled", "session_id", session.ID)
					return
				}
				slog.Error("download job failed", "session_id", session.ID, "error", res.err)
				h.send(c, session, errorOf(kindFatalError, "download job failed: "+res.err.Error()))
				return
			}
			h.send(c, session, summaryMessage{
				Type:        "summary",
				Courses:     res.report.Courses,
				Errors:      res.report.Errors,
				ReportPath:  res.report.ReportPath,
				MappingPath: res.report.MappingPath,
			})
			slog.Info("download job complete", "session_id", session.ID)
			return
		case _, ok := <-c.msgs:
			if !ok {
				cancel()
				<-done
				slog.Info("download job abandoned after disconnect", "session_id", session.ID)
				return
			}
			h.send(c, session, errorOf(kindProtocolError, "download in progress"))
		}
	}
}

func (h *Handler) send(c *conn, session *Session, v interface{}) {
	if err := c.writeJSON(v); err != nil {
		slog.Debug("websocket write failed", "session_id", session.ID, "error", err)
	}
}
