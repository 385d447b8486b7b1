// Package reminder polls the calendar store and surfaces events whose
// reminder window has opened. Each event is announced once; the notifier
// decides how (spoken through the sink, or just logged).
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-voice/kestrel/internal/actions/calendar"
)

// Notifier receives one announcement per due event.
type Notifier func(ctx context.Context, ev calendar.Event)

// Config tunes the scheduler.
type Config struct {
	// Poll is the store polling interval.
	Poll time.Duration

	// Lookahead bounds how far ahead an event may start and still be
	// announced, so a reminder set weeks out does not fire today.
	Lookahead time.Duration

	// DefaultLead applies when an event carries no reminder lead.
	DefaultLead time.Duration
}

// Scheduler polls the store and announces due reminders.
type Scheduler struct {
	store  calendar.Store
	notify Notifier
	cfg    Config
	log    *slog.Logger

	mu       sync.Mutex
	notified map[string]time.Time // event id -> event start

	// now is swapped in tests.
	now func() time.Time
}

// New creates a scheduler. The notifier must not be nil.
func New(store calendar.Store, notify Notifier, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 30 * time.Second
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 15 * time.Minute
	}
	if cfg.DefaultLead <= 0 {
		cfg.DefaultLead = 10 * time.Minute
	}
	return &Scheduler{
		store:    store,
		notify:   notify,
		cfg:      cfg,
		log:      log,
		notified: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run polls until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("reminder: sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one poll pass, announcing every event whose reminder
// window has opened and which has not been announced before. Exposed for
// tests and for an eager first pass at startup.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now()
	events, err := s.store.ListUpcoming(ctx, now)
	if err != nil {
		return fmt.Errorf("reminder: list upcoming: %w", err)
	}

	for _, ev := range events {
		if ev.Start.After(now.Add(s.cfg.Lookahead)) {
			continue
		}
		lead := ev.ReminderLead
		if lead <= 0 {
			lead = s.cfg.DefaultLead
		}
		if now.Before(ev.Start.Add(-lead)) {
			continue
		}
		if !s.markNotified(ev.ID, ev.Start) {
			continue
		}

		s.log.Info("reminder: due", "title", ev.Title, "start", ev.Start)
		s.notify(ctx, ev)
	}

	s.prune(now)
	return nil
}

// markNotified records the event id; returns false when it was already
// announced.
func (s *Scheduler) markNotified(id string, start time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.notified[id]; seen {
		return false
	}
	s.notified[id] = start
	return true
}

// prune drops bookkeeping for events that have already started. An event in
// the past is never re-announced because ListUpcoming no longer returns it,
// so the entry is dead weight.
func (s *Scheduler) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, start := range s.notified {
		if start.Before(now) {
			delete(s.notified, id)
		}
	}
}
