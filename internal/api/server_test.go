package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/db"
	"github.com/energizer-project/proxytransport/internal/metrics"
	"github.com/energizer-project/proxytransport/internal/monitor"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
	"github.com/energizer-project/proxytransport/internal/session"
	"github.com/energizer-project/proxytransport/internal/transporttest"
)

type fakeTransport struct {
	mu       sync.Mutex
	sessions []*session.Session
	closed   []string
}

func (f *fakeTransport) Sessions() []*session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*session.Session(nil), f.sessions...)
}

func (f *fakeTransport) Disconnect(id string, _ session.Reason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sessions {
		if s.ID() == id {
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			f.closed = append(f.closed, id)
			return true
		}
	}
	return false
}

func (f *fakeTransport) PoolEntries() []network.PoolEntry {
	return []network.PoolEntry{
		{Address: "10.0.0.2:19132", Connected: true},
		{Address: "10.0.0.1:19132", Connected: false},
	}
}

type fakeDumps struct {
	dumps []db.Dump
}

func (f *fakeDumps) List(server string, limit int) ([]db.Dump, error) {
	var out []db.Dump
	for _, d := range f.dumps {
		if server == "" || d.Server == server {
			out = append(out, d)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDumps) Get(id string) (*db.Dump, error) {
	for _, d := range f.dumps {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, db.ErrDumpNotFound
}

func (f *fakeDumps) Count() (int, error) { return len(f.dumps), nil }

type fakeLatency []monitor.ServerStats

func (f fakeLatency) All() []monitor.ServerStats { return f }

func newSession(id, server string) *session.Session {
	return session.New(session.Config{
		ID:      id,
		Server:  network.ServerInfo{Name: server, Address: "127.0.0.1:19132", Kind: network.KindTCP},
		Host:    transporttest.NewHost("player-" + id),
		Packets: protocol.NewRegistry(),
	})
}

func newTestServer(cfg config.APIConfig, deps Deps) *Server {
	if deps.Transport == nil {
		deps.Transport = &fakeTransport{}
	}
	return NewServer(cfg, false, deps)
}

func do(t *testing.T, s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	tr := &fakeTransport{sessions: []*session.Session{newSession("a", "lobby")}}
	s := newTestServer(config.APIConfig{APIKey: "secret"}, Deps{Transport: tr})

	rec := do(t, s, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	decode(t, rec, &body)
	if body.Status != "ok" || body.Sessions != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestAPIKey(t *testing.T) {
	s := newTestServer(config.APIConfig{APIKey: "secret"}, Deps{})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{APIKeyHeader: "nope"}, http.StatusForbidden},
		{"header", map[string]string{APIKeyHeader: "secret"}, http.StatusOK},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := do(t, s, http.MethodGet, "/api/sessions", tt.header).Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListSessionsFilters(t *testing.T) {
	tr := &fakeTransport{sessions: []*session.Session{
		newSession("a", "lobby"),
		newSession("b", "game"),
		newSession("c", "lobby"),
	}}
	s := newTestServer(config.APIConfig{}, Deps{Transport: tr})

	var body struct {
		Sessions []session.Info `json:"sessions"`
		Total    int            `json:"total"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/sessions?server=lobby", nil), &body)

	var ids []string
	for _, info := range body.Sessions {
		ids = append(ids, info.ID)
		if info.State != session.StateConnecting || info.LatencyMS != -1 {
			t.Errorf("session %s = %+v", info.ID, info)
		}
	}
	if diff := cmp.Diff([]string{"a", "c"}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if body.Total != 2 {
		t.Errorf("total = %d, want 2", body.Total)
	}

	decode(t, do(t, s, http.MethodGet, "/api/sessions?state=connected", nil), &body)
	if body.Total != 0 {
		t.Errorf("connected sessions = %d, want 0", body.Total)
	}
}

func TestDisconnectSession(t *testing.T) {
	tr := &fakeTransport{sessions: []*session.Session{newSession("a", "lobby")}}
	s := newTestServer(config.APIConfig{}, Deps{Transport: tr})

	if got := do(t, s, http.MethodGet, "/api/sessions/a", nil).Code; got != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", got)
	}
	if got := do(t, s, http.MethodDelete, "/api/sessions/a", nil).Code; got != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", got)
	}
	if got := do(t, s, http.MethodDelete, "/api/sessions/a", nil).Code; got != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", got)
	}
	if got := do(t, s, http.MethodGet, "/api/sessions/a", nil).Code; got != http.StatusNotFound {
		t.Errorf("GET after DELETE status = %d, want 404", got)
	}
	if diff := cmp.Diff([]string{"a"}, tr.closed); diff != "" {
		t.Errorf("closed (-want +got):\n%s", diff)
	}
}

func TestPoolSorted(t *testing.T) {
	s := newTestServer(config.APIConfig{}, Deps{})

	var body struct {
		Connections []network.PoolEntry `json:"connections"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/pool", nil), &body)
	want := []network.PoolEntry{
		{Address: "10.0.0.1:19132", Connected: false},
		{Address: "10.0.0.2:19132", Connected: true},
	}
	if diff := cmp.Diff(want, body.Connections); diff != "" {
		t.Errorf("pool (-want +got):\n%s", diff)
	}
}

func TestDumps(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000).UTC()
	dumps := &fakeDumps{dumps: []db.Dump{
		{ID: "d1", Server: "lobby", Error: "bad", Size: 3, Data: []byte{1, 2, 3}, CreatedAt: created},
		{ID: "d2", Server: "game", Error: "bad", CreatedAt: created},
	}}
	s := newTestServer(config.APIConfig{}, Deps{Dumps: dumps})

	var list struct {
		Dumps []db.Dump `json:"dumps"`
		Total int       `json:"total"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/dumps?server=lobby", nil), &list)
	if len(list.Dumps) != 1 || list.Dumps[0].ID != "d1" || list.Total != 2 {
		t.Errorf("list = %+v", list)
	}

	rec := do(t, s, http.MethodGet, "/api/dumps/d1?raw=1", nil)
	if diff := cmp.Diff([]byte{1, 2, 3}, rec.Body.Bytes()); diff != "" {
		t.Errorf("raw dump (-want +got):\n%s", diff)
	}

	var one db.Dump
	decode(t, do(t, s, http.MethodGet, "/api/dumps/d1", nil), &one)
	if diff := cmp.Diff([]byte{1, 2, 3}, one.Data); diff != "" {
		t.Errorf("json dump data (-want +got):\n%s", diff)
	}

	if got := do(t, s, http.MethodGet, "/api/dumps/zzz", nil).Code; got != http.StatusNotFound {
		t.Errorf("missing dump status = %d, want 404", got)
	}
}

func TestDisabledFeatures(t *testing.T) {
	s := newTestServer(config.APIConfig{}, Deps{})
	for _, path := range []string{"/api/dumps", "/api/latency"} {
		if got := do(t, s, http.MethodGet, path, nil).Code; got != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, got)
		}
	}
	if got := do(t, s, http.MethodGet, "/metrics", nil).Code; got != http.StatusNotFound {
		t.Errorf("/metrics without gatherer status = %d, want 404", got)
	}
}

func TestLatency(t *testing.T) {
	s := newTestServer(config.APIConfig{}, Deps{Latency: fakeLatency{
		{Server: "lobby", TotalSamples: 4, AvgLatency: 20 * time.Millisecond},
	}})

	var body struct {
		Servers []monitor.ServerStats `json:"servers"`
	}
	decode(t, do(t, s, http.MethodGet, "/api/latency", nil), &body)
	if len(body.Servers) != 1 || body.Servers[0].AvgLatency != 20*time.Millisecond {
		t.Errorf("latency = %+v", body.Servers)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(metrics.WithRegistry(reg))
	sink.FloodDetected("lobby")

	s := newTestServer(config.APIConfig{APIKey: "secret"}, Deps{Gatherer: reg})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rec.Body.Bytes()) == 0 {
		t.Error("empty metrics body")
	}
}

func TestIPWhitelist(t *testing.T) {
	s := newTestServer(config.APIConfig{IPWhitelist: []string{"10.1.0.0/16"}}, Deps{})

	// httptest requests come from 192.0.2.1.
	if got := do(t, s, http.MethodGet, "/api/health", nil).Code; got != http.StatusForbidden {
		t.Errorf("status = %d, want 403", got)
	}

	allowed := newTestServer(config.APIConfig{IPWhitelist: []string{"192.0.2.1"}}, Deps{})
	if got := do(t, allowed, http.MethodGet, "/api/health", nil).Code; got != http.StatusOK {
		t.Errorf("status = %d, want 200", got)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(config.APIConfig{RateLimitRPS: 1}, Deps{})

	var limited bool
	for i := 0; i < 10; i++ {
		if do(t, s, http.MethodGet, "/api/health", nil).Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("no request was rate limited")
	}
}
