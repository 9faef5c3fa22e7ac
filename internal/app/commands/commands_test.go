package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"

	"teleop-gateway/internal/app"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cliApp := &cli.App{
		Name:     "teleop-gateway",
		Writer:   &out,
		Flags:    GlobalFlags(),
		Commands: GetCommands(app.BuildInfo{Version: "1.0.0", Commit: "abc123", BuildDate: "today"}),
	}
	if err := cliApp.Run(append([]string{"teleop-gateway"}, args...)); err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := run(t, "version")
	if !strings.Contains(out, "1.0.0") || !strings.Contains(out, "abc123") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	yml := `port: 9000
auth:
  provider: static
  static:
    - token: very-secret
      subject: operator
      role: controller
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELEOP_JWT_SECRET", "jwt-secret")

	out := run(t, "--config", path, "config")
	if strings.Contains(out, "very-secret") || strings.Contains(out, "jwt-secret") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	for _, want := range []string{"port: 9000", "subject: operator", redacted} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCaptureURL(t *testing.T) {
	got, err := captureURL("https://robot.example:8443/", "front")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://robot.example:8443/ws/capture?source=front" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestPushPatternSendsJPEG(t *testing.T) {
	frames := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err == nil && mt == websocket.BinaryMessage {
			frames <- data
		}
	}))
	defer server.Close()

	u, _ := captureURL(server.URL, "")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pushPattern(ctx, conn, 50, 64, 48, zaptest.NewLogger(t)) }()

	select {
	case frame := <-frames:
		if len(frame) < 2 || frame[0] != 0xff || frame[1] != 0xd8 {
			t.Fatalf("frame is not a JPEG: % x", frame[:min(len(frame), 4)])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}
}
