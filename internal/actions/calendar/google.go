package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// GoogleCredentials are the OAuth refresh-token credentials read from the
// environment by main. No browser flow: the refresh token is provisioned
// out of band.
type GoogleCredentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Complete reports whether all three parts are present.
func (c GoogleCredentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// GoogleStore persists events in a Google calendar.
type GoogleStore struct {
	svc        *gcal.Service
	calendarID string
}

// NewGoogleStore builds an API-backed store for the given calendar.
func NewGoogleStore(ctx context.Context, creds GoogleCredentials, calendarID string) (*GoogleStore, error) {
	if !creds.Complete() {
		return nil, fmt.Errorf("calendar: incomplete google credentials")
	}
	if calendarID == "" {
		calendarID = "primary"
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     googleoauth.Endpoint,
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})

	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("calendar: build google service: %w", err)
	}
	return &GoogleStore{svc: svc, calendarID: calendarID}, nil
}

func (g *GoogleStore) Upsert(ctx context.Context, ev Event) (Event, error) {
	body := &gcal.Event{
		Summary: ev.Title,
		Start:   &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:     &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "popup", Minutes: int64(ev.ReminderLead / time.Minute)},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}

	created, err := g.svc.Events.Insert(g.calendarID, body).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("calendar: google insert: %w", err)
	}
	ev.ID = created.Id
	return ev, nil
}

func (g *GoogleStore) Delete(ctx context.Context, id string) error {
	if err := g.svc.Events.Delete(g.calendarID, id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: google delete: %w", err)
	}
	return nil
}

func (g *GoogleStore) ListUpcoming(ctx context.Context, from time.Time) ([]Event, error) {
	resp, err := g.svc.Events.List(g.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(50).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("calendar: google list: %w", err)
	}

	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev, err := fromAPIItem(item)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func fromAPIItem(item *gcal.Event) (Event, error) {
	start, err := parseAPITime(item.Start)
	if err != nil {
		return Event{}, err
	}
	end, err := parseAPITime(item.End)
	if err != nil {
		return Event{}, err
	}

	lead := 10 * time.Minute
	if item.Reminders != nil && len(item.Reminders.Overrides) > 0 {
		lead = time.Duration(item.Reminders.Overrides[0].Minutes) * time.Minute
	}

	title := item.Summary
	if title == "" {
		title = "(untitled)"
	}
	return Event{
		ID:           item.Id,
		Title:        title,
		Start:        start,
		End:          end,
		ReminderLead: lead,
	}, nil
}

func parseAPITime(edt *gcal.EventDateTime) (time.Time, error) {
	if edt == nil {
		return time.Time{}, fmt.Errorf("calendar: event without time")
	}
	if edt.DateTime != "" {
		return time.Parse(time.RFC3339, edt.DateTime)
	}
	// All-day events carry only a date.
	return time.ParseInLocation("2006-01-02", edt.Date, time.Local)
}

var _ Store = (*GoogleStore)(nil)

// FallbackStore wraps a primary store and degrades permanently to the
// fallback on the first primary failure, mirroring events into the
// fallback so a mid-session degradation keeps this session's events
// reachable.
type FallbackStore struct {
	log      *slog.Logger
	fallback Store

	mu       sync.Mutex
	primary  Store
	degraded bool
}

// NewFallbackStore wraps primary with fallback.
func NewFallbackStore(primary, fallback Store, log *slog.Logger) *FallbackStore {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackStore{primary: primary, fallback: fallback, log: log}
}

// Degraded reports whether the primary has been abandoned.
func (f *FallbackStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *FallbackStore) active() Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return f.fallback
	}
	return f.primary
}

func (f *FallbackStore) degrade(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		f.degraded = true
		f.log.Warn("calendar: degrading to in-memory store", "op", op, "error", err)
	}
}

func (f *FallbackStore) Upsert(ctx context.Context, ev Event) (Event, error) {
	store := f.active()
	stored, err := store.Upsert(ctx, ev)
	if err != nil && store != f.fallback {
		f.degrade("upsert", err)
		return f.fallback.Upsert(ctx, ev)
	}
	if err == nil && store != f.fallback {
		// Mirror so the fallback can answer if the primary dies later.
		f.fallback.Upsert(ctx, stored)
	}
	return stored, err
}

func (f *FallbackStore) Delete(ctx context.Context, id string) error {
	store := f.active()
	err := store.Delete(ctx, id)
	if err != nil && store != f.fallback {
		f.degrade("delete", err)
		return f.fallback.Delete(ctx, id)
	}
	if err == nil && store != f.fallback {
		f.fallback.Delete(ctx, id)
	}
	return err
}

func (f *FallbackStore) ListUpcoming(ctx context.Context, from time.Time) ([]Event, error) {
	store := f.active()
	events, err := store.ListUpcoming(ctx, from)
	if err != nil && store != f.fallback {
		f.degrade("list", err)
		return f.fallback.ListUpcoming(ctx, from)
	}
	return events, err
}

var _ Store = (*FallbackStore)(nil)
