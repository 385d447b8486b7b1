// Command kestrel is the wake-word voice assistant daemon.
//
// Secrets come from the environment, never from the config file:
//
//	OPENAI_API_KEY        realtime conversation API
//	PORCUPINE_ACCESS_KEY  wake-word engine (optional; falls back to no gate)
//	GOOGLE_CLIENT_ID      Google Calendar OAuth client
//	GOOGLE_CLIENT_SECRET
//	GOOGLE_REFRESH_TOKEN
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-voice/kestrel/internal/actions/calendar"
	"github.com/kestrel-voice/kestrel/internal/actions/mcpexec"
	"github.com/kestrel-voice/kestrel/internal/app"
	"github.com/kestrel-voice/kestrel/internal/config"
	"github.com/kestrel-voice/kestrel/internal/history"
	"github.com/kestrel-voice/kestrel/internal/observe"
	"github.com/kestrel-voice/kestrel/pkg/audio"
	audiomock "github.com/kestrel-voice/kestrel/pkg/audio/mock"
	paaudio "github.com/kestrel-voice/kestrel/pkg/audio/portaudio"
	rtmock "github.com/kestrel-voice/kestrel/pkg/provider/realtime/mock"
	rtopenai "github.com/kestrel-voice/kestrel/pkg/provider/realtime/openai"
	"github.com/kestrel-voice/kestrel/pkg/provider/wake"
	"github.com/kestrel-voice/kestrel/pkg/provider/wake/porcupine"
)

// version is stamped by the build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dryRun := flag.Bool("dry-run", false, "validate configuration and wiring without audio hardware, then exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kestrel: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("kestrel starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"dry_run", *dryRun,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kestrel",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, cleanup, err := buildProviders(ctx, cfg, *dryRun)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer cleanup()

	// ── Run ───────────────────────────────────────────────────────────────────
	application, err := app.New(cfg, providers, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *dryRun {
		slog.Info("dry run: configuration and wiring are valid")
		if err := application.Close(); err != nil {
			slog.Warn("dry run teardown error", "err", err)
		}
		return 0
	}

	slog.Info("assistant ready — press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders assembles the hardware and remote-service collaborators.
// The returned cleanup closes everything app.Close does not own.
func buildProviders(ctx context.Context, cfg *config.Config, dryRun bool) (app.Providers, func(), error) {
	var (
		p        app.Providers
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// ── Wake engine ───────────────────────────────────────────────────────────
	p.WakeEngine = wake.Always{}
	if cfg.Wake.Enabled {
		accessKey := os.Getenv("PORCUPINE_ACCESS_KEY")
		if accessKey == "" {
			slog.Warn("PORCUPINE_ACCESS_KEY not set, running without a wake word")
		} else {
			engine, err := porcupine.New(porcupine.Config{
				AccessKey:   accessKey,
				Keyword:     cfg.Wake.Keyword,
				KeywordPath: cfg.Wake.KeywordPath,
				Sensitivity: cfg.Wake.Sensitivity,
			})
			if err != nil {
				cleanup()
				return p, nil, fmt.Errorf("create wake engine: %w", err)
			}
			if cfg.Audio.SampleRate != porcupine.SampleRate() {
				slog.Warn("wake model sample rate differs from capture",
					"model", porcupine.SampleRate(), "capture", cfg.Audio.SampleRate)
			}
			p.WakeEngine = engine
			slog.Info("wake engine ready", "keyword", cfg.Wake.Keyword)
		}
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if dryRun {
		p.Capture = audiomock.NewSource(64, cfg.Audio.FrameDuration.Std())
		p.Output = &audiomock.MemoryDevice{}
	} else {
		capture, err := paaudio.OpenCapture(cfg.Audio.SampleRate, cfg.Audio.FrameSamples(), slog.Default())
		if err != nil {
			cleanup()
			return p, nil, fmt.Errorf("open capture device: %w", err)
		}
		p.Capture = capture

		output, err := paaudio.OpenOutput(cfg.Audio.SampleRate, cfg.Audio.FrameSamples())
		if err != nil {
			capture.Close()
			cleanup()
			return p, nil, fmt.Errorf("open output device: %w", err)
		}
		p.Output = output
		cleanups = append(cleanups, func() {
			if err := output.Close(); err != nil {
				slog.Warn("output device close error", "err", err)
			}
		})
	}

	// ── Realtime conversation ─────────────────────────────────────────────────
	apiKey := os.Getenv("OPENAI_API_KEY")
	switch {
	case apiKey != "":
		var opts []rtopenai.Option
		if cfg.Realtime.Model != "" {
			opts = append(opts, rtopenai.WithModel(cfg.Realtime.Model))
		}
		if cfg.Realtime.BaseURL != "" {
			opts = append(opts, rtopenai.WithBaseURL(cfg.Realtime.BaseURL))
		}
		p.Realtime = rtopenai.New(apiKey, opts...)
	case dryRun:
		slog.Warn("OPENAI_API_KEY not set, conversations will go nowhere")
		p.Realtime = &rtmock.Provider{}
	default:
		cleanup()
		return p, nil, errors.New("OPENAI_API_KEY is required (or pass -dry-run)")
	}

	// ── Calendar ──────────────────────────────────────────────────────────────
	p.CalendarStore = buildCalendarStore(ctx, cfg)

	// ── Conversation history ──────────────────────────────────────────────────
	if cfg.History.Enabled {
		pool, err := history.NewPool(ctx, cfg.History.DSN)
		if err != nil {
			cleanup()
			return p, nil, fmt.Errorf("connect history database: %w", err)
		}
		store := history.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			cleanup()
			return p, nil, fmt.Errorf("migrate history schema: %w", err)
		}
		p.Recorder = store
		cleanups = append(cleanups, pool.Close)
		slog.Info("history recording enabled")
	}

	// ── MCP tool servers ──────────────────────────────────────────────────────
	if len(cfg.MCP.Servers) > 0 {
		host := mcpexec.NewHost(slog.Default())
		for _, srv := range cfg.MCP.Servers {
			err := host.RegisterServer(ctx, mcpexec.ServerConfig{
				Name:    srv.Name,
				Command: srv.Command,
				Args:    srv.Args,
			})
			if err != nil {
				// A broken tool server degrades the toolset, not the assistant.
				slog.Warn("mcp server unavailable", "server", srv.Name, "err", err)
			}
		}
		p.MCP = host
	}

	return p, cleanup, nil
}

// buildCalendarStore prefers the Google API when credentials are present and
// always keeps an in-memory fallback so calendar actions keep working when
// the API is down.
func buildCalendarStore(ctx context.Context, cfg *config.Config) calendar.Store {
	creds := calendar.GoogleCredentials{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RefreshToken: os.Getenv("GOOGLE_REFRESH_TOKEN"),
	}
	if !creds.Complete() {
		slog.Info("google calendar credentials not set, using in-memory calendar")
		return calendar.NewMemoryStore()
	}

	google, err := calendar.NewGoogleStore(ctx, creds, cfg.Calendar.CalendarID)
	if err != nil {
		slog.Warn("google calendar unavailable, using in-memory calendar", "err", err)
		return calendar.NewMemoryStore()
	}
	slog.Info("google calendar connected", "calendar_id", cfg.Calendar.CalendarID)
	return calendar.NewFallbackStore(google, calendar.NewMemoryStore(), slog.Default())
}

// Interface checks for the portaudio devices handed to the app.
var (
	_ audio.Source       = (*paaudio.Capture)(nil)
	_ audio.OutputDevice = (*paaudio.Output)(nil)
)
