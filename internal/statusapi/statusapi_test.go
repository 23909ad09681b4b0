package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"brewpanel/internal/jobs"
	"brewpanel/internal/process"
	rtsup "brewpanel/internal/runtime/supervisor"
	"brewpanel/internal/storage"
	logx "brewpanel/pkg/logx"
)

type fakeHistory struct {
	recs      []storage.JobRecord
	lastLimit int
}

func (f *fakeHistory) AppendJob(_ context.Context, r storage.JobRecord) error {
	f.recs = append(f.recs, r)
	return nil
}

func (f *fakeHistory) RecentJobs(_ context.Context, limit int) ([]storage.JobRecord, error) {
	f.lastLimit = limit
	if limit > len(f.recs) {
		limit = len(f.recs)
	}
	return f.recs[:limit], nil
}

func (f *fakeHistory) Close() error { return nil }

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	closed := false
	src := Sources{Jobs: func() jobs.Snapshot { return jobs.Snapshot{Closed: closed, Active: 2, Pending: 1} }}
	h := NewHandler(src, "", false)

	rr := do(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d want 200", rr.Code)
	}
	var got health
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.Active != 2 || got.Pending != 1 {
		t.Fatalf("unexpected health: %+v", got)
	}

	closed = true
	rr = do(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503 while closing", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := NewHandler(Sources{}, "s3cret", false)

	cases := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"wrong query", "/healthz?token=x", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, tc.target, tc.hdr)
			if rr.Code != tc.want {
				t.Fatalf("code=%d want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := NewHandler(Sources{}, "", false)
	rr := do(t, h, http.MethodPost, "/healthz", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d want 405", rr.Code)
	}
	if rr.Header().Get("Allow") == "" {
		t.Fatalf("missing Allow header")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	if rr := do(t, NewHandler(Sources{}, "", false), http.MethodGet, "/history", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("disabled history code=%d want 404", rr.Code)
	}

	fh := &fakeHistory{}
	for i := 0; i < 3; i++ {
		_ = fh.AppendJob(context.Background(), storage.JobRecord{Event: storage.EventDone, Type: "sensor", Name: "mash"})
	}
	h := NewHandler(Sources{History: fh}, "", false)

	for _, bad := range []string{"0", "-1", "abc"} {
		if rr := do(t, h, http.MethodGet, "/history?limit="+bad, nil); rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s code=%d want 400", bad, rr.Code)
		}
	}

	rr := do(t, h, http.MethodGet, "/history?limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d want 200", rr.Code)
	}
	var recs []storage.JobRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len=%d want 2", len(recs))
	}

	_ = do(t, h, http.MethodGet, "/history?limit=99999", nil)
	if fh.lastLimit != maxHistoryLimit {
		t.Fatalf("limit not clamped: %d", fh.lastLimit)
	}
	_ = do(t, h, http.MethodGet, "/history", nil)
	if fh.lastLimit != defaultHistoryLimit {
		t.Fatalf("default limit=%d", fh.lastLimit)
	}
}

func TestPprofRoutes(t *testing.T) {
	t.Parallel()

	if rr := do(t, NewHandler(Sources{}, "", false), http.MethodGet, "/debug/pprof/", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("pprof off code=%d want 404", rr.Code)
	}
	if rr := do(t, NewHandler(Sources{}, "", true), http.MethodGet, "/debug/pprof/", nil); rr.Code != http.StatusOK {
		t.Fatalf("pprof on code=%d want 200", rr.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}

func TestServerRefusesPublicAddrWithoutToken(t *testing.T) {
	t.Parallel()

	sup := rtsup.NewSupervisor(context.Background())
	defer func() { _ = sup.Stop(context.Background()) }()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.Start(sup); err == nil {
		t.Fatalf("expected refusal")
	}
}

func TestServerServesAndStops(t *testing.T) {
	t.Parallel()

	sup := rtsup.NewSupervisor(context.Background())
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	if err := s.Start(sup); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never listened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type fakeControl struct {
	calls []string
	err   error
}

func (f *fakeControl) op(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeControl) Start(context.Context) error { return f.op("start") }
func (f *fakeControl) Stop(context.Context) error  { return f.op("stop") }
func (f *fakeControl) Next(context.Context) error  { return f.op("next") }
func (f *fakeControl) Reset(context.Context) error { return f.op("reset") }

func TestStepRoutes(t *testing.T) {
	t.Parallel()

	ctl := &fakeControl{}
	steps := func() []process.StepState {
		return []process.StepState{{Name: "rest", Kind: process.KindMash, Status: process.StatusActive}}
	}
	h := NewHandler(Sources{Steps: steps, Control: ctl}, "", false)

	rr := do(t, h, http.MethodGet, "/steps", nil)
	var got []process.StepState
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].Name != "rest" {
		t.Fatalf("GET /steps: code=%d body=%s err=%v", rr.Code, rr.Body.String(), err)
	}

	for _, action := range []string{"start", "stop", "next", "reset"} {
		if rr := do(t, h, http.MethodPost, "/steps/"+action, nil); rr.Code != http.StatusOK {
			t.Fatalf("POST %s: code=%d", action, rr.Code)
		}
	}
	if len(ctl.calls) != 4 || ctl.calls[0] != "start" || ctl.calls[3] != "reset" {
		t.Fatalf("calls=%v", ctl.calls)
	}
	if rr := do(t, h, http.MethodGet, "/steps/start", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on control route: code=%d", rr.Code)
	}

	ctl.err = process.ErrAlreadyRunning
	if rr := do(t, h, http.MethodPost, "/steps/start", nil); rr.Code != http.StatusConflict {
		t.Fatalf("conflict code=%d", rr.Code)
	}
	ctl.err = errors.New("boom")
	if rr := do(t, h, http.MethodPost, "/steps/stop", nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("error code=%d", rr.Code)
	}

	if rr := do(t, NewHandler(Sources{}, "", false), http.MethodPost, "/steps/start", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("no control: code=%d", rr.Code)
	}
	authed := NewHandler(Sources{Control: &fakeControl{}}, "s3cret", false)
	if rr := do(t, authed, http.MethodPost, "/steps/start", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated control: code=%d", rr.Code)
	}
}
