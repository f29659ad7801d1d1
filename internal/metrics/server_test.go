package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServerExposesMetrics(t *testing.T) {
	c := NewCollectors()
	c.IncRecorded()

	srv, err := NewServer("127.0.0.1:0", c, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	defer srv.Shutdown(context.Background())

	code, body := get(t, "http://"+srv.Addr()+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if !strings.Contains(body, "zeus_recorder_events_total 1") {
		t.Fatalf("metrics output missing recorder counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics output missing go collector")
	}

	code, body = get(t, "http://"+srv.Addr()+"/sessions")
	if code != http.StatusOK || !strings.Contains(body, `"sessions":[]`) {
		t.Fatalf("unexpected empty session list: %d %s", code, body)
	}
}

func TestServerReportsSessionHealth(t *testing.T) {
	var mu sync.Mutex
	sessions := []SessionStatus{
		{Name: "binance", Exchange: "binance", State: "connected"},
		{Name: "okx", Exchange: "okx", State: "reconnecting", Reconnects: 2},
	}
	status := func() []SessionStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]SessionStatus(nil), sessions...)
	}
	srv, err := NewServer("127.0.0.1:0", NewCollectors(), status)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	defer srv.Shutdown(context.Background())

	code, body := get(t, "http://"+srv.Addr()+"/sessions")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var payload struct {
		Sessions []SessionStatus `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Sessions) != 2 || payload.Sessions[1].Reconnects != 2 {
		t.Fatalf("unexpected sessions: %+v", payload.Sessions)
	}

	if code, body := get(t, "http://"+srv.Addr()+"/healthz"); code != http.StatusOK {
		t.Fatalf("expected healthy, got %d %s", code, body)
	}

	mu.Lock()
	sessions = append(sessions, SessionStatus{Name: "bybit", Exchange: "bybit", State: "terminated", Terminated: true})
	mu.Unlock()
	code, body = get(t, "http://"+srv.Addr()+"/healthz")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, `"terminated":1`) {
		t.Fatalf("expected unhealthy, got %d %s", code, body)
	}
}

func TestNewServerRejectsBadAddress(t *testing.T) {
	if _, err := NewServer("not-an-address", NewCollectors(), nil); err == nil {
		t.Fatal("expected listen error")
	}
}
