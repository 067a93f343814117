package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthReportsVersion(t *testing.T) {
	testlog.Start(t)
	s := New(Options{ID: "client-a"})
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["node"] != "client-a" || body["version"] != buildinfo.Version {
		t.Fatalf("unexpected health body %v", body)
	}
	if rec.Header().Get(observability.RequestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
}

func TestReadyFollowsCheck(t *testing.T) {
	testlog.Start(t)
	var notReady error = errors.New("connecting")
	s := New(Options{ID: "client-a", Ready: func() error { return notReady }})

	rec := get(t, s, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "connecting" {
		t.Fatalf("unexpected body %v", body)
	}

	notReady = nil
	rec = get(t, s, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rec.Code)
	}
}

func TestStatusEmbedsProvider(t *testing.T) {
	testlog.Start(t)
	s := New(Options{ID: "server-1", Status: func() any {
		return map[string]int{"sessions": 3}
	}})
	body := decode(t, get(t, s, "/status"))
	status, ok := body["status"].(map[string]any)
	if !ok || status["sessions"] != float64(3) {
		t.Fatalf("unexpected status %v", body)
	}
	if body["artifact"] != buildinfo.Artifact {
		t.Fatalf("artifact=%v", body["artifact"])
	}
}

func TestMetricsExposed(t *testing.T) {
	testlog.Start(t)
	s := New(Options{ID: "metrics"})
	_ = get(t, s, "/health")
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tdcore_http_requests_total") {
		t.Fatalf("http metrics missing from exposition")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	testlog.Start(t)
	s := New(Options{ID: "echo"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(observability.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(observability.RequestIDHeader); got != "req-42" {
		t.Fatalf("request id=%q", got)
	}
}
