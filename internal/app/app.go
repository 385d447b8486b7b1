// Package app assembles the assistant: the audio pipeline, the wake gate,
// the session orchestrator, the reminder scheduler, and the operational
// HTTP endpoint, all built from one [config.Config].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-voice/kestrel/internal/actions"
	"github.com/kestrel-voice/kestrel/internal/actions/calendar"
	"github.com/kestrel-voice/kestrel/internal/actions/mcpexec"
	"github.com/kestrel-voice/kestrel/internal/config"
	"github.com/kestrel-voice/kestrel/internal/health"
	"github.com/kestrel-voice/kestrel/internal/history"
	"github.com/kestrel-voice/kestrel/internal/observe"
	"github.com/kestrel-voice/kestrel/internal/reminder"
	"github.com/kestrel-voice/kestrel/internal/resilience"
	"github.com/kestrel-voice/kestrel/internal/session"
	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad/energy"
	"github.com/kestrel-voice/kestrel/pkg/provider/wake"
)

// Providers are the externally-constructed collaborators: device access,
// the wake model, and remote services. main builds the real ones; tests
// inject mocks.
type Providers struct {
	// WakeEngine scans frames for the wake word. Required.
	WakeEngine wake.Engine

	// Detector endpoints speech. Nil builds an energy detector from the
	// VAD config.
	Detector vad.Detector

	// Realtime opens duplex conversation streams. Required.
	Realtime realtime.Provider

	// Capture produces microphone frames. Required.
	Capture audio.Source

	// Output plays synthesized speech. Required.
	Output audio.OutputDevice

	// CalendarStore persists events; nil disables the calendar actions and
	// the reminder scheduler.
	CalendarStore calendar.Store

	// MCP contributes tools from external MCP servers. Optional.
	MCP *mcpexec.Host

	// Recorder persists conversation history. Nil disables recording.
	Recorder history.Recorder
}

// App owns the running assistant.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	bus       *audio.Bus
	capture   audio.Source
	sink      *audio.Sink
	gate      *wake.Gate
	orch      *session.Orchestrator
	reminders *reminder.Scheduler
	health    *health.Handler
	srv       *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// New wires the pipeline. It does not start anything; call [App.Run].
func New(cfg *config.Config, p Providers, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case p.WakeEngine == nil:
		return nil, errors.New("app: wake engine is required")
	case p.Realtime == nil:
		return nil, errors.New("app: realtime provider is required")
	case p.Capture == nil:
		return nil, errors.New("app: capture source is required")
	case p.Output == nil:
		return nil, errors.New("app: output device is required")
	}

	metrics := observe.DefaultMetrics()
	a := &App{cfg: cfg, log: log, metrics: metrics, capture: p.Capture}

	a.bus = audio.NewBus(func(subscriber string, _ uint64) {
		metrics.RecordFrameDrop(context.Background(), subscriber)
	})
	a.closers = append(a.closers, p.Capture.Close, func() error {
		a.bus.Close()
		return nil
	})

	a.sink = audio.NewSink(p.Output, cfg.Audio.SinkDepth, log)
	a.closers = append(a.closers, a.sink.Close)

	wakeSub, err := a.bus.Subscribe("wake", 32)
	if err != nil {
		return nil, fmt.Errorf("app: subscribe wake: %w", err)
	}
	a.gate = wake.NewGate(p.WakeEngine, wakeSub, cfg.Wake.Refractory.Std(), log)
	a.closers = append(a.closers, a.gate.Close)

	det := p.Detector
	if det == nil {
		det = energy.New(vad.Config{
			SpeechThreshold:  cfg.VAD.SpeechThreshold,
			SilenceThreshold: cfg.VAD.SilenceThreshold,
			ActivationFrames: cfg.VAD.ActivationFrames,
			HangoverFrames:   cfg.VAD.HangoverFrames,
		})
	}

	dispatcher := actions.NewDispatcher(cfg.Actions.Timeout.Std(), metrics, log)
	var checkers []health.Checker
	if p.CalendarStore != nil {
		svc := calendar.NewService(p.CalendarStore, calendar.ServiceConfig{
			DefaultEventDuration: cfg.Calendar.DefaultEventDuration.Std(),
			DefaultReminderLead:  cfg.Calendar.DefaultReminderLead.Std(),
		})
		for _, def := range calendar.Definitions() {
			if err := dispatcher.Register(def, svc); err != nil {
				return nil, fmt.Errorf("app: register calendar actions: %w", err)
			}
		}
		checkers = append(checkers, health.Checker{
			Name: "calendar",
			Check: func(ctx context.Context) error {
				_, err := p.CalendarStore.ListUpcoming(ctx, time.Now())
				return err
			},
		})

		a.reminders = reminder.New(p.CalendarStore, a.announceReminder, reminder.Config{
			Poll:        cfg.Calendar.ReminderPoll.Std(),
			Lookahead:   cfg.Calendar.ReminderLookahead.Std(),
			DefaultLead: cfg.Calendar.DefaultReminderLead.Std(),
		}, log)
	}
	if p.MCP != nil {
		for _, def := range p.MCP.Definitions() {
			if err := dispatcher.Register(def, p.MCP); err != nil {
				return nil, fmt.Errorf("app: register mcp tool: %w", err)
			}
		}
		a.closers = append(a.closers, p.MCP.Close)
	}

	a.orch = session.New(session.Deps{
		Bus:        a.bus,
		Gate:       a.gate,
		Detector:   det,
		Provider:   p.Realtime,
		Sink:       a.sink,
		Dispatcher: dispatcher,
		Breaker:    resilience.New(resilience.Config{Name: "realtime"}),
		Recorder:   p.Recorder,
		Metrics:    metrics,
		Log:        log,
	}, session.Config{
		ListenTimeout:  cfg.Session.ListenTimeout.Std(),
		SessionTimeout: cfg.Session.SessionTimeout.Std(),
		BargeIn:        cfg.Session.BargeIn,
		Instructions:   cfg.Session.Instructions,
		Voice:          cfg.Session.Voice,
		SampleRate:     cfg.Audio.SampleRate,
		MinUtterance:   cfg.VAD.MinUtterance.Std(),
	})

	a.health = health.New(checkers...)
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// announceReminder is the reminder notifier. With no open conversation
// there is no synthesis channel, so the reminder is logged; the calendar
// provider's own notification path covers the audible side.
func (a *App) announceReminder(_ context.Context, ev calendar.Event) {
	a.log.Info("upcoming event", "title", ev.Title, "start", ev.Start)
}

// Run starts every component and blocks until the context ends or one
// component fails. Shutdown is orderly: readiness flips off, the HTTP
// server drains, then Close tears the pipeline down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(a.pumpCapture(ctx)) })
	g.Go(func() error { return ignoreCancel(a.gate.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.orch.Run(ctx)) })
	if a.reminders != nil {
		g.Go(func() error { return ignoreCancel(a.reminders.Run(ctx)) })
	}

	g.Go(func() error {
		if err := a.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.health.SetReady(false)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutCtx)
	})

	a.health.SetReady(true)
	a.log.Info("kestrel running", "listen_addr", a.srv.Addr)

	err := g.Wait()
	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// pumpCapture feeds microphone frames onto the bus.
func (a *App) pumpCapture(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-a.capture.Frames():
			if !ok {
				return errors.New("app: capture source closed")
			}
			if err := a.bus.Publish(f); err != nil {
				if errors.Is(err, audio.ErrBusClosed) {
					return nil
				}
				return fmt.Errorf("app: publish frame: %w", err)
			}
		}
	}
}

// Close releases devices and connections. Idempotent.
func (a *App) Close() error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Health exposes the probe handler so main can flip readiness in tests and
// during shutdown hooks.
func (a *App) Health() *health.Handler { return a.health }

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
