// Package calendar implements the assistant's calendar actions: creating
// events, scheduling reminders, deleting events by spoken title, and
// listing what is coming up.
//
// The [Store] interface separates the action logic from persistence. The
// [MemoryStore] keeps events in process; [GoogleStore] talks to the Google
// Calendar API and [NewFallbackStore] degrades from one to the other when
// the API misbehaves, so a broken token never takes voice control down.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
)

// Event is one calendar entry.
type Event struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	ReminderLead time.Duration `json:"-"`
}

// Store persists events.
type Store interface {
	// Upsert stores the event, assigning an ID when empty, and returns the
	// stored form.
	Upsert(ctx context.Context, ev Event) (Event, error)

	// Delete removes the event with the given ID. Unknown IDs are not an
	// error.
	Delete(ctx context.Context, id string) error

	// ListUpcoming returns events starting at or after from, soonest
	// first.
	ListUpcoming(ctx context.Context, from time.Time) ([]Event, error)
}

// MemoryStore is the in-process fallback store.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

func (s *MemoryStore) Upsert(_ context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.events[ev.ID] = ev
	s.mu.Unlock()
	return ev, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.events, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListUpcoming(_ context.Context, from time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if !ev.Start.Before(from) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// ServiceConfig tunes the action executor.
type ServiceConfig struct {
	// DefaultEventDuration applies when the model omits a duration.
	DefaultEventDuration time.Duration

	// DefaultReminderLead applies when the model omits
	// remind_before_minutes.
	DefaultReminderLead time.Duration
}

// Service executes the calendar actions against a Store.
type Service struct {
	store Store
	cfg   ServiceConfig

	// now is swapped in tests.
	now func() time.Time
}

// NewService wires the executor to store.
func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.DefaultEventDuration <= 0 {
		cfg.DefaultEventDuration = 30 * time.Minute
	}
	if cfg.DefaultReminderLead <= 0 {
		cfg.DefaultReminderLead = 10 * time.Minute
	}
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// Action names, a fixed contract with the model.
const (
	ActionCreateEvent      = "create_calendar_event"
	ActionScheduleReminder = "schedule_reminder"
	ActionDeleteEvent      = "delete_calendar_event"
	ActionListEvents       = "list_calendar_events"
)

// Definitions returns the action definitions this service answers.
func Definitions() []realtime.ActionDefinition {
	timedArgs := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":    map[string]any{"type": "string", "description": "Event title."},
			"datetime": map[string]any{"type": "string", "description": "Start time, RFC 3339 or YYYY-MM-DDTHH:MM."},
			"duration_minutes": map[string]any{
				"type": "integer", "description": "Event length in minutes. Defaults to 30.",
			},
			"remind_before_minutes": map[string]any{
				"type": "integer", "description": "Reminder lead time in minutes. Defaults to 10.",
			},
		},
		"required": []string{"title", "datetime"},
	}

	return []realtime.ActionDefinition{
		{
			Name:        ActionCreateEvent,
			Description: "Create a calendar event at the given time.",
			Parameters:  timedArgs,
		},
		{
			Name:        ActionScheduleReminder,
			Description: "Schedule a reminder for the given time.",
			Parameters:  timedArgs,
		},
		{
			Name:        ActionDeleteEvent,
			Description: "Delete the calendar event whose title best matches. The first match wins.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string", "description": "Title of the event to delete."},
				},
				"required": []string{"title"},
			},
		},
		{
			Name:        ActionListEvents,
			Description: "List upcoming calendar events, optionally for a single date.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date": map[string]any{"type": "string", "description": "Date to list (YYYY-MM-DD). Omit for all upcoming events."},
				},
			},
		},
	}
}

type timedArguments struct {
	Title               string `json:"title"`
	Datetime            string `json:"datetime"`
	DurationMinutes     *int   `json:"duration_minutes"`
	RemindBeforeMinutes *int   `json:"remind_before_minutes"`
}

type deleteArguments struct {
	Title string `json:"title"`
}

type listArguments struct {
	Date string `json:"date"`
}

// Execute implements the action executor contract for the four calendar
// actions.
func (s *Service) Execute(ctx context.Context, name, arguments string) (string, error) {
	switch name {
	case ActionCreateEvent, ActionScheduleReminder:
		return s.createEvent(ctx, arguments)
	case ActionDeleteEvent:
		return s.deleteEvent(ctx, arguments)
	case ActionListEvents:
		return s.listEvents(ctx, arguments)
	default:
		return "", fmt.Errorf("calendar: unsupported action %q", name)
	}
}

func (s *Service) createEvent(ctx context.Context, arguments string) (string, error) {
	var args timedArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("calendar: decode arguments: %w", err)
	}
	if args.Title == "" {
		return "", fmt.Errorf("calendar: title is required")
	}

	start, err := parseWhen(args.Datetime)
	if err != nil {
		return "", err
	}

	duration := s.cfg.DefaultEventDuration
	if args.DurationMinutes != nil && *args.DurationMinutes > 0 {
		duration = time.Duration(*args.DurationMinutes) * time.Minute
	}
	lead := s.cfg.DefaultReminderLead
	if args.RemindBeforeMinutes != nil && *args.RemindBeforeMinutes > 0 {
		lead = time.Duration(*args.RemindBeforeMinutes) * time.Minute
	}

	ev, err := s.store.Upsert(ctx, Event{
		Title:        args.Title,
		Start:        start,
		End:          start.Add(duration),
		ReminderLead: lead,
	})
	if err != nil {
		return "", fmt.Errorf("calendar: store event: %w", err)
	}

	return encode(map[string]any{
		"status":   "scheduled",
		"event_id": ev.ID,
		"title":    ev.Title,
		"start":    ev.Start.Format(time.RFC3339),
		"end":      ev.End.Format(time.RFC3339),
	})
}

func (s *Service) deleteEvent(ctx context.Context, arguments string) (string, error) {
	var args deleteArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("calendar: decode arguments: %w", err)
	}
	if args.Title == "" {
		return "", fmt.Errorf("calendar: title is required")
	}

	upcoming, err := s.store.ListUpcoming(ctx, s.now())
	if err != nil {
		return "", fmt.Errorf("calendar: list events: %w", err)
	}

	// Spoken titles rarely match stored titles verbatim; rank phonetically
	// and take the best candidate.
	ev, ok := BestMatch(args.Title, upcoming)
	if !ok {
		return encode(map[string]any{
			"status": "not_found",
			"title":  args.Title,
		})
	}
	if err := s.store.Delete(ctx, ev.ID); err != nil {
		return "", fmt.Errorf("calendar: delete event: %w", err)
	}

	return encode(map[string]any{
		"status":   "deleted",
		"event_id": ev.ID,
		"title":    ev.Title,
	})
}

func (s *Service) listEvents(ctx context.Context, arguments string) (string, error) {
	var args listArguments
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("calendar: decode arguments: %w", err)
		}
	}

	from := s.now()
	var until time.Time
	if args.Date != "" {
		day, err := time.ParseInLocation("2006-01-02", args.Date, time.Local)
		if err != nil {
			return "", fmt.Errorf("calendar: invalid date %q: %w", args.Date, err)
		}
		from = day
		until = day.AddDate(0, 0, 1)
	}

	events, err := s.store.ListUpcoming(ctx, from)
	if err != nil {
		return "", fmt.Errorf("calendar: list events: %w", err)
	}

	type item struct {
		Title string `json:"title"`
		Start string `json:"start"`
		End   string `json:"end"`
	}
	items := make([]item, 0, len(events))
	for _, ev := range events {
		if !until.IsZero() && !ev.Start.Before(until) {
			continue
		}
		items = append(items, item{
			Title: ev.Title,
			Start: ev.Start.Format(time.RFC3339),
			End:   ev.End.Format(time.RFC3339),
		})
	}

	return encode(map[string]any{"events": items})
}

// parseWhen accepts RFC 3339 as well as the local short forms the model
// tends to produce.
func parseWhen(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("calendar: datetime is required")
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("calendar: unrecognised datetime %q", raw)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("calendar: encode result: %w", err)
	}
	return string(b), nil
}
