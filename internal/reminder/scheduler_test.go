package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-voice/kestrel/internal/actions/calendar"
)

type recorder struct {
	mu     sync.Mutex
	titles []string
}

func (r *recorder) notify(_ context.Context, ev calendar.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, ev.Title)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func newTestScheduler(t *testing.T, store calendar.Store) (*Scheduler, *recorder, time.Time) {
	t.Helper()
	rec := &recorder{}
	s := New(store, rec.notify, Config{
		Poll:        time.Second,
		Lookahead:   15 * time.Minute,
		DefaultLead: 10 * time.Minute,
	}, nil)
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.Local)
	s.now = func() time.Time { return now }
	return s, rec, now
}

func TestSweepAnnouncesDueEventOnce(t *testing.T) {
	t.Parallel()

	store := calendar.NewMemoryStore()
	s, rec, now := newTestScheduler(t, store)

	// Starts in 5m with the 10m default lead: already due.
	store.Upsert(context.Background(), calendar.Event{
		Title: "Standup",
		Start: now.Add(5 * time.Minute),
		End:   now.Add(20 * time.Minute),
	})

	for range 3 {
		if err := s.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
	}
	if got := rec.seen(); len(got) != 1 || got[0] != "Standup" {
		t.Fatalf("announced = %v, want [Standup]", got)
	}
}

func TestSweepSkipsBeyondLookahead(t *testing.T) {
	t.Parallel()

	store := calendar.NewMemoryStore()
	s, rec, now := newTestScheduler(t, store)

	store.Upsert(context.Background(), calendar.Event{
		Title:        "Next week",
		Start:        now.Add(7 * 24 * time.Hour),
		End:          now.Add(7*24*time.Hour + time.Hour),
		ReminderLead: 30 * 24 * time.Hour,
	})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := rec.seen(); len(got) != 0 {
		t.Fatalf("announced = %v, want none", got)
	}
}

func TestSweepSkipsBeforeLead(t *testing.T) {
	t.Parallel()

	store := calendar.NewMemoryStore()
	s, rec, now := newTestScheduler(t, store)

	// Starts in 14m, lead 5m: within lookahead but the window has not
	// opened yet.
	store.Upsert(context.Background(), calendar.Event{
		Title:        "Lunch",
		Start:        now.Add(14 * time.Minute),
		End:          now.Add(time.Hour),
		ReminderLead: 5 * time.Minute,
	})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := rec.seen(); len(got) != 0 {
		t.Fatalf("announced = %v, want none", got)
	}
}

func TestSweepHonorsCustomLead(t *testing.T) {
	t.Parallel()

	store := calendar.NewMemoryStore()
	s, rec, now := newTestScheduler(t, store)

	// Starts in 14m with a 14m lead: due right now.
	store.Upsert(context.Background(), calendar.Event{
		Title:        "Flight",
		Start:        now.Add(14 * time.Minute),
		End:          now.Add(2 * time.Hour),
		ReminderLead: 14 * time.Minute,
	})

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := rec.seen(); len(got) != 1 || got[0] != "Flight" {
		t.Fatalf("announced = %v, want [Flight]", got)
	}
}

type brokenStore struct{}

func (brokenStore) Upsert(context.Context, calendar.Event) (calendar.Event, error) {
	return calendar.Event{}, errors.New("down")
}
func (brokenStore) Delete(context.Context, string) error { return errors.New("down") }
func (brokenStore) ListUpcoming(context.Context, time.Time) ([]calendar.Event, error) {
	return nil, errors.New("down")
}

func TestSweepSurfacesStoreError(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, brokenStore{})
	if err := s.Sweep(context.Background()); err == nil {
		t.Fatal("expected error from broken store")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := calendar.NewMemoryStore()
	s, _, _ := newTestScheduler(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
