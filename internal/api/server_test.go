package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/starkbot/internal/agent"
	"github.com/nugget/starkbot/internal/scheduler"
	"github.com/nugget/starkbot/internal/usage"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []*agent.Request
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Response{
		RequestID:    "r-1",
		Content:      "echo: " + req.Message,
		Model:        "test-model",
		Iterations:   1,
		InputTokens:  10,
		OutputTokens: 5,
		Duration:     1500 * time.Millisecond,
	}, nil
}

type fakeJobs struct {
	jobs    map[string]scheduler.Job
	stopped []string
}

func (f *fakeJobs) Job(key string) (scheduler.Job, bool) {
	j, ok := f.jobs[key]
	return j, ok
}

func (f *fakeJobs) Stop(_ context.Context, key string) (string, error) {
	f.stopped = append(f.stopped, key)
	delete(f.jobs, key)
	return scheduler.AckStopped, nil
}

func newTestServer(runner Runner, jobs Jobs) (*Server, *Outbox) {
	ob := NewOutbox()
	return NewServer("127.0.0.1", 0, runner, jobs, ob, nil), ob
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleMessage(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(runner, &fakeJobs{})

	rec := do(t, s.Handler(), http.MethodPost, "/v1/sessions/alice/messages", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "echo: hi" || resp.Model != "test-model" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 10 || resp.DurationMS != 1500 {
		t.Errorf("usage/duration = %+v/%d", resp.Usage, resp.DurationMS)
	}
	if len(runner.reqs) != 1 {
		t.Fatalf("runner calls = %d", len(runner.reqs))
	}
	if got := runner.reqs[0].SessionKey; got != "api-alice" {
		t.Errorf("session key = %q, want api-alice", got)
	}
	if runner.reqs[0].Source != "api" {
		t.Errorf("source = %q", runner.reqs[0].Source)
	}
}

func TestHandleMessageBadRequests(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(runner, &fakeJobs{})
	h := s.Handler()

	for _, body := range []string{`not json`, `{"message":"   "}`, `{}`} {
		rec := do(t, h, http.MethodPost, "/v1/sessions/alice/messages", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(runner.reqs) != 0 {
		t.Errorf("runner should not be called, got %d calls", len(runner.reqs))
	}
}

func TestHandleMessageErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w after 10 iterations", agent.ErrMaxIterations), http.StatusUnprocessableEntity},
		{fmt.Errorf("model call: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		s, _ := newTestServer(&fakeRunner{err: tt.err}, &fakeJobs{})
		rec := do(t, s.Handler(), http.MethodPost, "/v1/sessions/x/messages", `{"message":"hi"}`)
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
			t.Errorf("%v: error body = %s", tt.err, rec.Body.String())
		}
	}
}

func TestJobRoutes(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	jobs := &fakeJobs{jobs: map[string]scheduler.Job{
		"api-bob": {ID: "j1", SessionKey: "api-bob", Directive: "check balance", Interval: 30 * time.Second, CreatedAt: created},
	}}
	s, _ := newTestServer(&fakeRunner{}, jobs)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/sessions/bob/job", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var job JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != "j1" || job.Directive != "check balance" || job.IntervalSeconds != 30 || !job.CreatedAt.Equal(created) {
		t.Errorf("job = %+v", job)
	}

	rec = do(t, h, http.MethodDelete, "/v1/sessions/bob/job", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), scheduler.AckStopped) {
		t.Fatalf("delete = %d %s", rec.Code, rec.Body.String())
	}
	if len(jobs.stopped) != 1 || jobs.stopped[0] != "api-bob" {
		t.Errorf("stopped = %v", jobs.stopped)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/bob/job", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after stop = %d, want 404", rec.Code)
	}

	// Stopping again is still fine.
	rec = do(t, h, http.MethodDelete, "/v1/sessions/bob/job", "")
	if rec.Code != http.StatusOK {
		t.Errorf("second delete = %d", rec.Code)
	}
}

func TestNotifications(t *testing.T) {
	s, ob := newTestServer(&fakeRunner{}, &fakeJobs{})
	h := s.Handler()

	_ = ob.Notify(context.Background(), "api-carol", "first")
	_ = ob.Notify(context.Background(), "api-carol", "second")
	_ = ob.Notify(context.Background(), "api-dave", "other")

	rec := do(t, h, http.MethodGet, "/v1/sessions/carol/notifications", "")
	var body struct {
		Notifications []Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Notifications) != 2 || body.Notifications[0].Text != "first" || body.Notifications[1].Text != "second" {
		t.Fatalf("notifications = %+v", body.Notifications)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/carol/notifications", "")
	if !strings.Contains(rec.Body.String(), `"notifications":[]`) {
		t.Errorf("second drain = %s", rec.Body.String())
	}
	if got := ob.Drain("api-dave"); len(got) != 1 {
		t.Errorf("dave = %v", got)
	}
}

func TestOutboxBounded(t *testing.T) {
	ob := NewOutbox()
	for i := 0; i < outboxLimit+5; i++ {
		_ = ob.Notify(context.Background(), "k", fmt.Sprintf("n%d", i))
	}
	got := ob.Drain("k")
	if len(got) != outboxLimit {
		t.Fatalf("len = %d, want %d", len(got), outboxLimit)
	}
	if got[0].Text != "n5" {
		t.Errorf("oldest kept = %q, want n5", got[0].Text)
	}
	if d := ob.Stats()["dropped"]; d != 5 {
		t.Errorf("dropped = %v", d)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{}, &fakeJobs{})
	s.AddStats("scheduler", func() map[string]any { return map[string]any{"jobs": 2} })
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var health struct {
		Status string                    `json:"status"`
		Stats  map[string]map[string]any `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Stats["scheduler"]["jobs"] != float64(2) {
		t.Errorf("stats = %v", health.Stats)
	}
	if _, ok := health.Stats["outbox"]; !ok {
		t.Error("outbox stats missing")
	}

	rec = do(t, h, http.MethodGet, "/v1/version", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version"`) {
		t.Errorf("version = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK {
		t.Errorf("ping = %d", rec.Code)
	}
}

func TestInvalidSession(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{}, &fakeJobs{})
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/a%20b/job", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("session with space = %d, want 400", rec.Code)
	}
}

func TestStartAfterShutdown(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{}, &fakeJobs{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrServerClosed", err)
	}
}

type fakeUsage struct{ keys []string }

func (f *fakeUsage) SessionSummary(_ context.Context, key string) (*usage.Summary, error) {
	f.keys = append(f.keys, key)
	return &usage.Summary{Turns: 3, InputTokens: 1200, OutputTokens: 80}, nil
}

func TestUsageRoute(t *testing.T) {
	s, _ := newTestServer(&fakeRunner{}, &fakeJobs{})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/sessions/erin/usage", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("usage without reporter = %d, want 404", rec.Code)
	}

	u := &fakeUsage{}
	s.SetUsage(u)
	rec = do(t, s.Handler(), http.MethodGet, "/v1/sessions/erin/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage = %d", rec.Code)
	}
	var sum usage.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Turns != 3 || sum.InputTokens != 1200 {
		t.Errorf("summary = %+v", sum)
	}
	if len(u.keys) != 1 || u.keys[0] != "api-erin" {
		t.Errorf("queried keys = %v", u.keys)
	}
}
