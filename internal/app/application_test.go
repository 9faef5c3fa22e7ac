package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"teleop-gateway/internal/config"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	app, err := NewApplication(cfg, "", BuildInfo{Version: "1.2.3"}, zaptest.NewLogger(t), level)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	return app
}

func TestHealth(t *testing.T) {
	app := newTestApplication(t)

	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestRouterKeepsGinMode(t *testing.T) {
	newTestApplication(t)
	if gin.Mode() != gin.TestMode {
		t.Fatalf("router changed gin mode to %s", gin.Mode())
	}
}

func TestNoRoute(t *testing.T) {
	app := newTestApplication(t)

	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["path"] != "/api/v1/nope" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/move/forward", nil)
	req.Header.Set("Origin", "http://console.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://console.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestReload(t *testing.T) {
	app := newTestApplication(t)

	cfg := config.GetDefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Dispatch.Limits.Speed.Max = 0.5
	app.reload(cfg)

	if app.level.Level() != zap.DebugLevel {
		t.Fatalf("level not applied: %s", app.level.Level())
	}
	if got := app.dispatcher.Limits().Speed.Max; got != 0.5 {
		t.Fatalf("limits not applied: %v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	app := newTestApplication(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
