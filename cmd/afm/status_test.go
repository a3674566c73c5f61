package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-afm/internal/persistence"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(healthReport{Healthy: true, DBOK: true})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	printHealth(&buf, healthReport{
		Healthy:    true,
		ConfigHash: "cfg-1",
		Queue:      []persistence.TaskSummary{{Type: "wait", Version: 1, Queued: 3, Processing: 1}},
	})
	out := buf.String()
	for _, want := range []string{"afm healthy", "cfg-1", "TYPE", "wait"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}

	buf.Reset()
	printHealth(&buf, healthReport{})
	if !strings.Contains(buf.String(), "UNHEALTHY") || !strings.Contains(buf.String(), "queue empty") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets AFM_HOME.
func setTestConfig(t *testing.T, addr, token string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AFM_HOME", home)
	yaml := "bind_addr: \"" + addr + "\"\n"
	if token != "" {
		yaml += "admin_token: \"" + token + "\"\n"
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
