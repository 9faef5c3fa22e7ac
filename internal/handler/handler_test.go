package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	helpy "github.com/haqury/helpy"
	"go.uber.org/zap/zaptest"

	"teleop-gateway/internal/auth"
	"teleop-gateway/internal/capture"
	"teleop-gateway/internal/config"
	"teleop-gateway/internal/dispatch"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/relay"
	"teleop-gateway/internal/robot"
	"teleop-gateway/internal/session"
)

type testEnv struct {
	router *gin.Engine
	robot  *robot.Recorder
	ingest *capture.Ingest
}

type fakeMonitor struct{}

func (fakeMonitor) Sessions() []session.Info {
	return []session.Info{{ID: "s1", State: "registered", Role: session.RoleController}}
}

func (fakeMonitor) Stats(context.Context) protocol.Stats {
	return protocol.Stats{TotalClients: 1, Controllers: 1, Sources: 1}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	cfg := config.GetDefaultConfig()
	cfg.Relay.Sources = []string{"front"}
	cfg.Auth.Provider = "static"
	cfg.Auth.Static = []config.StaticToken{
		{Token: "ctl", Subject: "operator", Role: "controller"},
		{Token: "view", Subject: "guest", Role: "viewer"},
	}
	verifier, err := auth.New(cfg.Auth, logger)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	hub := relay.NewHub(cfg.Relay.Sources, relay.ConfigFrom(cfg.Relay), logger)
	rec := robot.NewRecorder()
	d := dispatch.New(rec, cfg.Dispatch, logger)
	ingest := capture.NewIngest(hub, cfg.Video, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	for _, run := range []func(context.Context) error{hub.Run, d.Run} {
		go func() {
			_ = run(ctx)
			done <- struct{}{}
		}()
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	router := gin.New()
	api := router.Group("/api/v1")
	NewCommandHandler(logger, verifier, d, cfg.Dispatch).RegisterRoutes(api)
	NewVideoStreamHandler(logger, verifier, hub, ingest).RegisterRoutes(api)
	NewSessionHandler(fakeMonitor{}).RegisterRoutes(api)

	return &testEnv{router: router, robot: rec, ingest: ingest}
}

func (e *testEnv) do(method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error
}

func TestMoveAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/move/forward", "ctl",
		bytes.NewBufferString(`{"id":"c1","parameters":{"speed":0.5}}`), "application/json")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp helpy.ApiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Metadata["command_id"] != "c1" || resp.Metadata["path"] != "rest" {
		t.Fatalf("unexpected response %+v", &resp)
	}

	calls := env.robot.Calls()
	if len(calls) != 1 || calls[0].Action != "forward" {
		t.Fatalf("unexpected robot calls %+v", calls)
	}
}

func TestMoveWithoutBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/move/stop", "ctl", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMoveRejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
		kind   protocol.Kind
	}{
		{"no token", "/api/v1/move/forward", "", `{}`, http.StatusForbidden, protocol.KindUnauthorized},
		{"viewer", "/api/v1/move/forward", "view", `{}`, http.StatusForbidden, protocol.KindUnauthorized},
		{"unknown action", "/api/v1/move/dance", "ctl", `{}`, http.StatusBadRequest, protocol.KindInvalidCommand},
		{"out of range", "/api/v1/move/forward", "ctl", `{"parameters":{"speed":9}}`, http.StatusBadRequest, protocol.KindInvalidCommand},
		{"malformed", "/api/v1/move/forward", "ctl", `{"parameters":`, http.StatusBadRequest, protocol.KindProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tt.path, tt.token, bytes.NewBufferString(tt.body), "application/json")
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if got := decodeError(t, w); got != string(tt.kind) {
				t.Fatalf("expected %s, got %s", tt.kind, got)
			}
		})
	}

	if calls := env.robot.Calls(); len(calls) != 0 {
		t.Fatalf("rejected commands reached the robot: %+v", calls)
	}
}

func TestEmergencyStopByViewer(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/emergency_stop?id=e1", "view", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp helpy.ApiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Metadata["command_id"] != "e1" || resp.Metadata["action"] != "emergency_stop" {
		t.Fatalf("unexpected response %+v", &resp)
	}
	if got := env.robot.Actions(); len(got) != 1 || got[0] != "emergency_stop" {
		t.Fatalf("unexpected robot actions %v", got)
	}
}

func TestVocabulary(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/commands", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Actions) != len(dispatch.Actions()) {
		t.Fatalf("unexpected actions %v", body.Actions)
	}
}

func TestSendFrameJSONThenSnapshot(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte("\xff\xd8jpeg-bytes")
	body, _ := json.Marshal(map[string]any{"source": "front", "frame_data": payload})
	w := env.do(http.MethodPost, "/api/v1/video/frame", "ctl", bytes.NewReader(body), "application/json")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/v1/video/snapshot?source=front", "view", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Fatalf("unexpected snapshot %q", w.Body.Bytes())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if seq := w.Header().Get("X-Frame-Sequence"); seq != "1" {
		t.Fatalf("unexpected sequence %q", seq)
	}
}

func TestSendFrameMultipart(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("source", "front")
	part, err := mw.CreateFormFile("frame", "frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("\xff\xd8multipart"))
	_ = mw.Close()

	w := env.do(http.MethodPost, "/api/v1/video/frame", "ctl", &buf, mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSendFrameRejections(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{"frame_data": []byte("x")})
	if w := env.do(http.MethodPost, "/api/v1/video/frame", "view", bytes.NewReader(body), "application/json"); w.Code != http.StatusForbidden {
		t.Fatalf("viewer push: expected 403, got %d", w.Code)
	}

	body, _ = json.Marshal(map[string]any{"frame_data": []byte("x"), "content_type": "text/plain"})
	if w := env.do(http.MethodPost, "/api/v1/video/frame", "ctl", bytes.NewReader(body), "application/json"); w.Code != http.StatusBadRequest {
		t.Fatalf("text frame: expected 400, got %d", w.Code)
	}

	body, _ = json.Marshal(map[string]any{"source": "rear", "frame_data": []byte("x")})
	if w := env.do(http.MethodPost, "/api/v1/video/frame", "ctl", bytes.NewReader(body), "application/json"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unknown source: expected 503, got %d", w.Code)
	}
}

func TestSnapshotUnavailable(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/video/snapshot", "view", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := decodeError(t, w); got != string(protocol.KindSourceUnavailable) {
		t.Fatalf("unexpected error %s", got)
	}
}

func TestMJPEGStream(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/video/stream?token=view", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != MJPEGBoundary {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	payload := []byte("\xff\xd8streamed")
	if _, err := env.ingest.Push("front", payload, "image/jpeg"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	part, err := multipart.NewReader(resp.Body, MJPEGBoundary).NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	got, err := io.ReadAll(io.LimitReader(part, int64(len(payload))))
	if err != nil {
		t.Fatalf("read part: %v", err)
	}
	if !bytes.Equal(got, payload) || part.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected part %q (%s)", got, part.Header.Get("Content-Type"))
	}
}

func TestSessionsAndStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/sessions", "", nil, "")
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || list.Count != 1 {
		t.Fatalf("unexpected sessions %s", w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/v1/stats", "", nil, "")
	var st protocol.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Controllers != 1 {
		t.Fatalf("unexpected stats %s", w.Body.String())
	}
}
