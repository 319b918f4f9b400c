package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bangremind/internal/observability"
	"bangremind/internal/sweep"
	logx "bangremind/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	m, err := observability.NewMetrics("test", prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	m.SweepFinished(sweep.Report{Candidates: 3, Fired: 3, StartedAt: time.Now()})
	m.ReminderProcessed(sweep.ResultFired, 20*time.Millisecond)
	m.NotifyOutcome("sent")

	healthy := true
	s := New(Config{Enabled: true}, logx.Nop(),
		WithRegistry(m.Registry()),
		WithHealth(func(context.Context) error {
			if !healthy {
				return errors.New("sweep stale")
			}
			return nil
		}),
		WithStatus(func(context.Context) any { return map[string]int{"fired": 3} }),
	)
	h := s.Handler(Config{Enabled: true})

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	healthy = false
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "sweep stale") {
		t.Fatalf("unhealthy = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"fired": 3`) {
		t.Fatalf("status = %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	body := get(t, h, "/metrics", "").Body.String()
	for _, want := range []string{
		`test_sweep_runs_total{status="ok"} 1`,
		`test_sweep_candidates_total 3`,
		`test_reminder_processed_total{result="fired"} 1`,
		`test_notifier_alerts_total{outcome="sent"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	if rec := get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", rec.Code)
	}
}

func TestHandlerTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), WithRegistry(prometheus.NewRegistry()))
	h := s.Handler(Config{Enabled: true, Token: "s3cret", Pprof: true})

	if rec := get(t, h, "/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := get(t, h, "/status", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof = %d", rec.Code)
	}
	// Liveness stays open.
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	var addr string
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, b)
	}

	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(sctx, Config{Enabled: false})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after disable")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure bind") {
		t.Fatalf("err = %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
