package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pquerna/otp/totp"

	"github.com/MarkSong535/canvas-ai/internal/auth"
	"github.com/MarkSong535/canvas-ai/internal/canvas"
	"github.com/MarkSong535/canvas-ai/internal/config"
	"github.com/MarkSong535/canvas-ai/internal/domain"
	"github.com/MarkSong535/canvas-ai/internal/download"
	"github.com/MarkSong535/canvas-ai/internal/store"
	"github.com/MarkSong535/canvas-ai/internal/syncer"
	"github.com/MarkSong535/canvas-ai/internal/uploader"
)

const (
	testPassword   = "swordfish"
	testTOTPSecret = "JBSWY3DPEHPK3PXP"
)

type fakeCanvas struct {
	courses  []canvas.Course
	files    map[int64][]canvas.File
	payloads map[string]string
}

func (f *fakeCanvas) Courses(_ context.Context) ([]canvas.Course, error) {
	if f.courses == nil {
		return nil, errors.New("canvas unavailable")
	}
	return f.courses, nil
}

func (f *fakeCanvas) CourseFiles(_ context.Context, courseID int64) ([]canvas.File, error) {
	return f.files[courseID], nil
}

func (f *fakeCanvas) Download(_ context.Context, fileURL string, w io.Writer) error {
	_, err := io.WriteString(w, f.payloads[fileURL])
	return err
}

type fakeProvider struct {
	mu sync.Mutex
	n  int
}

func (p *fakeProvider) CreateStore(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return fmt.Sprintf("vs_%d", p.n), nil
}

func (p *fakeProvider) Upload(_ context.Context, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return fmt.Sprintf("file_%d", p.n), nil
}

type fakeResponder struct {
	mu  sync.Mutex
	err error
}

func (r *fakeResponder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeResponder) Answer(_ context.Context, query string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return "echo: " + query, nil
}

// wireMessage is a union of every outbound shape for test decoding.
type wireMessage struct {
	Type                 string                        `json:"type"`
	Authenticated        bool                          `json:"authenticated"`
	AwaitingConfirmation bool                          `json:"awaiting_confirmation"`
	Kind                 string                        `json:"kind"`
	Message              string                        `json:"message"`
	Text                 string                        `json:"text"`
	Entries              []domain.CourseRosterEntry    `json:"entries"`
	CourseID             int64                         `json:"course_id"`
	Downloaded           int                           `json:"downloaded"`
	Courses              map[string]domain.CourseStats `json:"courses"`
	ReportPath           string                        `json:"report_path"`
	MappingPath          string                        `json:"mapping_path"`
}

func defaultCanvas() *fakeCanvas {
	return &fakeCanvas{
		courses: []canvas.Course{
			{ID: 101, Name: "Algorithms", CourseCode: "CS101"},
			{ID: 102, Name: "Databases", CourseCode: "CS102"},
		},
		files: map[int64][]canvas.File{
			101: {
				{ID: 1, DisplayName: "notes.pdf", RelativePath: "Files/notes.pdf", URL: "u1", Size: 3, UpdatedAt: "t1"},
				{ID: 2, DisplayName: "lab.txt", RelativePath: "Files/lab.txt", URL: "u2", Size: 3, UpdatedAt: "t2"},
			},
			102: {
				{ID: 3, DisplayName: "schema.sql", RelativePath: "Files/schema.sql", URL: "u3", Size: 3, UpdatedAt: "t3"},
			},
		},
		payloads: map[string]string{"u1": "aaa", "u2": "bbb", "u3": "ccc"},
	}
}

type testEnv struct {
	server    *httptest.Server
	responder *fakeResponder
}

func newTestEnv(t *testing.T, client canvas.Client, authCfg config.AuthConfig, requireConfirm bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	root := filepath.Join(dir, "file_index")
	engine := syncer.NewEngine(client, repo, root)
	uploads := uploader.New(&fakeProvider{}, repo, config.DownloadConfig{
		UploadExtensions: []string{".pdf", ".txt"},
		MaxUploadSize:    1 << 20,
	})
	runner := download.NewRunner(client, repo, engine, uploads, root, 2)

	responder := &fakeResponder{}
	handler := NewHandler(auth.NewVerifier(authCfg), responder, client, runner, NewRegistry(), requireConfirm)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnv{server: server, responder: responder}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws
}

func sendMessage(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

// readUntilSummary drains progress messages and returns the summary plus
// the number of progress updates seen.
func readUntilSummary(t *testing.T, ws *websocket.Conn) (wireMessage, int) {
	t.Helper()
	progress := 0
	for {
		msg := readMessage(t, ws)
		switch msg.Type {
		case "progress":
			progress++
		case "summary":
			return msg, progress
		default:
			t.Fatalf("unexpected message before summary: %+v", msg)
		}
	}
}

func authenticate(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	sendMessage(t, ws, map[string]string{"type": "auth", "password": testPassword})
	if msg := readMessage(t, ws); msg.Type != "status" || !msg.Authenticated {
		t.Fatalf("auth reply = %+v", msg)
	}
}

func passwordOnlyAuth() config.AuthConfig {
	return config.AuthConfig{Password: testPassword, TOTPDisabled: true}
}

func TestHandler_PreAuthMessagesRejectedWithoutDisconnect(t *testing.T) {
	env := newTestEnv(t, defaultCanvas(), passwordOnlyAuth(), false)
	ws := env.dial(t)

	sendMessage(t, ws, map[string]string{"type": "chat", "query": "hello"})
	if msg := readMessage(t, ws); msg.Type != "error" || msg.Kind != "auth_error" {
		t.Fatalf("pre-auth chat reply = %+v", msg)
	}

	sendMessage(t, ws, map[string]string{"type": "auth", "password": "wrong"})
	if msg := readMessage(t, ws); msg.Type != "error" || msg.Kind != "auth_error" {
		t.Fatalf("bad auth reply = %+v", msg)
	}

	// The connection survived both rejections.
	authenticate(t, ws)
}

func TestHandler_TOTPAuth(t *testing.T) {
	cfg := config.AuthConfig{
		Password:   testPassword,
		TOTPSecret: testTOTPSecret,
		TOTPPeriod: 30,
		TOTPSkew:   1,
	}
	env := newTestEnv(t, defaultCanvas(), cfg, false)
	ws := env.dial(t)

	sendMessage(t, ws, map[string]string{"type": "auth", "password": testPassword})
	if msg := readMessage(t, ws); msg.Kind != "auth_error" {
		t.Fatalf("auth without code should fail, got %+v", msg)
	}

	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	sendMessage(t, ws, map[string]string{"type": "auth", "password": testPassword, "totp": code})
	if msg := readMessage(t, ws); msg.Type != "status" || !msg.Authenticated {
		t.Fatalf("auth with code reply = %+v", msg)
	}
}

func TestHandler_ChatRoundTrip(t *testing.T) {
	env := newTestEnv(t, defaultCanvas(), passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	sendMessage(t, ws, map[string]string{"type": "chat", "query": "what is due this week"})
	msg := readMessage(t, ws)
	if msg.Type != "chat_result" || msg.Text != "echo: what is due this week" {
		t.Fatalf("chat reply = %+v", msg)
	}

	sendMessage(t, ws, map[string]string{"type": "chat", "query": "   "})
	if msg := readMessage(t, ws); msg.Kind != "protocol_error" {
		t.Fatalf("blank query reply = %+v", msg)
	}
}

func TestHandler_DownloadWorkflow(t *testing.T) {
	env := newTestEnv(t, defaultCanvas(), passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	sendMessage(t, ws, map[string]string{"type": "download"})
	roster := readMessage(t, ws)
	if roster.Type != "roster" || len(roster.Entries) != 2 {
		t.Fatalf("roster = %+v", roster)
	}
	if roster.Entries[0].Index != 1 || roster.Entries[0].CourseID != 101 {
		t.Fatalf("roster entry 0 = %+v", roster.Entries[0])
	}

	sendMessage(t, ws, map[string]interface{}{
		"type":           "download",
		"course_indices": []int{1},
		"auto_confirm":   true,
	})
	summary, progress := readUntilSummary(t, ws)
	if progress != 2 {
		t.Errorf("expected 2 progress updates, got %d", progress)
	}
	stats := summary.Courses["101"]
	if stats.Downloaded != 2 || stats.Failed != 0 {
		t.Errorf("summary stats = %+v", stats)
	}
	if _, ok := summary.Courses["102"]; ok {
		t.Error("unselected course appeared in summary")
	}
	if summary.ReportPath == "" || summary.MappingPath == "" {
		t.Errorf("summary missing artifact paths: %+v", summary)
	}
}

func TestHandler_InvalidSelection(t *testing.T) {
	env := newTestEnv(t, defaultCanvas(), passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	// Selection before any roster was sent.
	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_indices": []int{1}})
	if msg := readMessage(t, ws); msg.Kind != "protocol_error" {
		t.Fatalf("selection without roster reply = %+v", msg)
	}

	sendMessage(t, ws, map[string]string{"type": "download"})
	if msg := readMessage(t, ws); msg.Type != "roster" {
		t.Fatalf("expected roster, got %+v", msg)
	}

	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_indices": []int{99}, "auto_confirm": true})
	if msg := readMessage(t, ws); msg.Kind != "protocol_error" {
		t.Fatalf("bad index reply = %+v", msg)
	}

	// The held roster survives the failed selection.
	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_ids": []int64{102}, "auto_confirm": true})
	summary, _ := readUntilSummary(t, ws)
	if summary.Courses["102"].Total() != 1 {
		t.Errorf("summary = %+v", summary.Courses)
	}
}

func TestHandler_ConfirmationStage(t *testing.T) {
	env := newTestEnv(t, defaultCanvas(), passwordOnlyAuth(), true)
	ws := env.dial(t)
	authenticate(t, ws)

	sendMessage(t, ws, map[string]string{"type": "download"})
	if msg := readMessage(t, ws); msg.Type != "roster" {
		t.Fatalf("expected roster, got %+v", msg)
	}

	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_indices": []int{1}})
	pending := readMessage(t, ws)
	if pending.Type != "status" || !pending.AwaitingConfirmation {
		t.Fatalf("expected confirmation prompt, got %+v", pending)
	}

	// Declining drops the job and returns the workflow to idle.
	sendMessage(t, ws, map[string]interface{}{"type": "confirm", "accept": false})
	if msg := readMessage(t, ws); msg.Type != "status" || msg.AwaitingConfirmation {
		t.Fatalf("decline reply = %+v", msg)
	}

	// A fresh roster, selection, and acceptance runs the job.
	sendMessage(t, ws, map[string]string{"type": "download"})
	if msg := readMessage(t, ws); msg.Type != "roster" {
		t.Fatalf("expected roster, got %+v", msg)
	}
	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_indices": []int{2}})
	if msg := readMessage(t, ws); !msg.AwaitingConfirmation {
		t.Fatalf("expected confirmation prompt, got %+v", msg)
	}
	sendMessage(t, ws, map[string]interface{}{"type": "confirm", "accept": true})
	summary, _ := readUntilSummary(t, ws)
	if summary.Courses["102"].Total() != 1 {
		t.Errorf("summary = %+v", summary.Courses)
	}

	// auto_confirm skips the prompt entirely.
	sendMessage(t, ws, map[string]string{"type": "download"})
	if msg := readMessage(t, ws); msg.Type != "roster" {
		t.Fatalf("expected roster, got %+v", msg)
	}
	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_indices": []int{1}, "auto_confirm": true})
	if summary, _ := readUntilSummary(t, ws); summary.Type != "summary" {
		t.Fatalf("expected summary, got %+v", summary)
	}
}

func TestHandler_RosterFetchFailure(t *testing.T) {
	env := newTestEnv(t, &fakeCanvas{}, passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	sendMessage(t, ws, map[string]string{"type": "download"})
	if msg := readMessage(t, ws); msg.Kind != "fatal_error" {
		t.Fatalf("roster failure reply = %+v", msg)
	}

	// Still idle and usable.
	sendMessage(t, ws, map[string]string{"type": "chat", "query": "ping"})
	if msg := readMessage(t, ws); msg.Type != "chat_result" {
		t.Fatalf("chat after roster failure = %+v", msg)
	}
}

func TestHandler_UnknownType(t *testing.T) {
	env := newTestEnv(t, defaultCanvas(), passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	sendMessage(t, ws, map[string]string{"type": "ping"})
	if msg := readMessage(t, ws); msg.Kind != "protocol_error" {
		t.Fatalf("unknown type reply = %+v", msg)
	}
}

// blockingCanvas parks every download until its context is cancelled and
// reports the error each download finished with.
type blockingCanvas struct {
	fakeCanvas
	once     sync.Once
	started  chan struct{}
	finished chan error
}

func (b *blockingCanvas) Download(ctx context.Context, _ string, _ io.Writer) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	b.finished <- ctx.Err()
	return ctx.Err()
}

func TestHandler_DisconnectAbandonsRunningJob(t *testing.T) {
	client := &blockingCanvas{
		fakeCanvas: *defaultCanvas(),
		started:    make(chan struct{}),
		finished:   make(chan error, 4),
	}
	env := newTestEnv(t, client, passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	sendMessage(t, ws, map[string]string{"type": "download"})
	if msg := readMessage(t, ws); msg.Type != "roster" {
		t.Fatalf("expected roster, got %+v", msg)
	}
	sendMessage(t, ws, map[string]interface{}{"type": "download", "course_indices": []int{1}, "auto_confirm": true})
	<-client.started

	// Messages arriving mid-job are rejected without aborting it.
	sendMessage(t, ws, map[string]string{"type": "chat", "query": "status?"})
	if msg := readMessage(t, ws); msg.Kind != "protocol_error" {
		t.Fatalf("mid-job chat reply = %+v", msg)
	}

	if err := ws.Close(websocket.StatusNormalClosure, "client gone"); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-client.finished:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("in-flight download finished with %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job kept running after the client disconnected")
	}
}

func TestHandler_AgentFailureIsFatal(t *testing.T) {
	client := defaultCanvas()
	env := newTestEnv(t, client, passwordOnlyAuth(), false)
	ws := env.dial(t)
	authenticate(t, ws)

	env.responder.setErr(errors.New("agent crashed"))
	sendMessage(t, ws, map[string]string{"type": "chat", "query": "hello"})
	if msg := readMessage(t, ws); msg.Kind != "fatal_error" {
		t.Fatalf("agent failure reply = %+v", msg)
	}

	// Recoverable: the session is back in idle.
	env.responder.setErr(nil)
	sendMessage(t, ws, map[string]string{"type": "chat", "query": "hello"})
	if msg := readMessage(t, ws); msg.Type != "chat_result" {
		t.Fatalf("chat after agent failure = %+v", msg)
	}
}
