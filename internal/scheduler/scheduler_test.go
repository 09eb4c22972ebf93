package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type recorder struct {
	mu       sync.Mutex
	runs     []string
	notes    []string
	notified chan string
	runErr   error
}

func newRecorder() *recorder {
	return &recorder{notified: make(chan string, 64)}
}

func (r *recorder) run(_ context.Context, sessionKey, directive string) (string, error) {
	r.mu.Lock()
	r.runs = append(r.runs, sessionKey+"|"+directive)
	err := r.runErr
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "did " + directive, nil
}

func (r *recorder) Notify(_ context.Context, sessionKey, text string) error {
	r.mu.Lock()
	r.notes = append(r.notes, text)
	r.mu.Unlock()
	r.notified <- sessionKey + ": " + text
	return nil
}

func (r *recorder) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func waitNote(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case n := <-r.notified:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func newTestScheduler(t *testing.T, r *recorder, store *Store) *Scheduler {
	t.Helper()
	s := New(nil, store, r.run, r, Config{TurnTimeout: time.Second})
	t.Cleanup(s.Close)
	return s
}

func TestStart_FiresAndNotifies(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, r, nil)

	ack, err := s.Start(context.Background(), "s1", "check news", 10*time.Millisecond)
	if err != nil || ack != "Started." {
		t.Fatalf("Start = %q, %v", ack, err)
	}
	if got := waitNote(t, r); got != "s1: did check news" {
		t.Errorf("notification = %q", got)
	}
	// It keeps firing.
	waitNote(t, r)

	job, ok := s.Job("s1")
	if !ok || job.Directive != "check news" || job.Interval != 10*time.Millisecond {
		t.Errorf("Job = %+v, %v", job, ok)
	}
}

func TestStart_ReplacesExistingJob(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, r, nil)
	ctx := context.Background()

	if _, err := s.Start(ctx, "s1", "check news", 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(ctx, "s1", "check price", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		waitNote(t, r)
	}
	for _, run := range r.snapshot() {
		if run != "s1|check price" {
			t.Fatalf("replaced job fired: %q", run)
		}
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Directive != "check price" || jobs[0].Interval != 10*time.Millisecond {
		t.Errorf("Jobs = %+v", jobs)
	}
}

func TestStop_Idempotent(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, r, nil)
	ctx := context.Background()

	if ack, err := s.Stop(ctx, "nobody"); err != nil || ack != "Stopped." {
		t.Fatalf("Stop without job = %q, %v", ack, err)
	}

	if _, err := s.Start(ctx, "s1", "x", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitNote(t, r)

	for i := 0; i < 2; i++ {
		if ack, err := s.Stop(ctx, "s1"); err != nil || ack != "Stopped." {
			t.Fatalf("Stop #%d = %q, %v", i+1, ack, err)
		}
	}
	if _, ok := s.Job("s1"); ok {
		t.Fatal("job still registered after stop")
	}

	// A tick that was already dispatched may still land; after that the
	// count must not move.
	time.Sleep(30 * time.Millisecond)
	before := r.runCount()
	time.Sleep(60 * time.Millisecond)
	if after := r.runCount(); after != before {
		t.Errorf("job fired after stop: %d -> %d runs", before, after)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	r := newRecorder()
	s := newTestScheduler(t, r, nil)
	ctx := context.Background()

	_, _ = s.Start(ctx, "a", "alpha", time.Hour)
	_, _ = s.Start(ctx, "b", "beta", time.Hour)
	_, _ = s.Stop(ctx, "a")

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].SessionKey != "b" {
		t.Errorf("Jobs = %+v", jobs)
	}
}

func TestFire_RunErrorSendsApology(t *testing.T) {
	r := newRecorder()
	r.runErr = errors.New("model offline")
	s := newTestScheduler(t, r, nil)

	if _, err := s.Start(context.Background(), "s1", "check news", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	got := waitNote(t, r)
	if !strings.Contains(got, "failed") || !strings.Contains(got, "model offline") {
		t.Errorf("notification = %q", got)
	}
}

func TestFire_SkipsOverlappingTicks(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	run := func(ctx context.Context, _, _ string) (string, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", nil
	}
	s := New(nil, nil, run, NotifierFunc(func(context.Context, string, string) error { return nil }), Config{})
	defer s.Close()

	if _, err := s.Start(context.Background(), "s1", "slow", 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	got := runs
	mu.Unlock()
	close(release)

	if got != 1 {
		t.Errorf("runs while first tick blocked = %d, want 1", got)
	}
}

func TestClose_CancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	notified := false
	s := New(nil, nil, run, NotifierFunc(func(context.Context, string, string) error {
		notified = true
		return nil
	}), Config{})

	if _, err := s.Start(context.Background(), "s1", "x", 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	<-started

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if notified {
		t.Error("cancelled tick sent a notification")
	}
	if _, err := s.Start(context.Background(), "s1", "x", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	first := New(nil, store, newRecorder().run, newRecorder(), Config{})
	if _, err := first.Start(ctx, "s1", "check news", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Start(ctx, "s1", "check price", 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Start(ctx, "s2", "gm", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Stop(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	first.Close()

	persisted, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Directive != "check price" || persisted[0].Interval != 2*time.Hour {
		t.Fatalf("persisted = %+v", persisted)
	}

	r := newRecorder()
	second := newTestScheduler(t, r, store)
	n, err := second.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	job, ok := second.Job("s1")
	if !ok || job.Directive != "check price" {
		t.Errorf("restored job = %+v, %v", job, ok)
	}
}

func TestRouter(t *testing.T) {
	var got []string
	mk := func(name string) Notifier {
		return NotifierFunc(func(_ context.Context, key, _ string) error {
			got = append(got, name+":"+key)
			return nil
		})
	}
	r := NewRouter(nil)
	r.Handle("telegram-", mk("tg"))
	r.Handle("telegram-vip-", mk("vip"))

	ctx := context.Background()
	_ = r.Notify(ctx, "telegram-42", "x")
	_ = r.Notify(ctx, "telegram-vip-1", "x")
	if err := r.Notify(ctx, "api-1", "x"); err == nil {
		t.Error("unrouted session without fallback should fail")
	}

	want := "tg:telegram-42,vip:telegram-vip-1"
	if strings.Join(got, ",") != want {
		t.Errorf("routes = %v, want %s", got, want)
	}
}
