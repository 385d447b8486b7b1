// Package config defines the YAML configuration of the assistant and its
// loader. Secrets never appear here: API keys and tokens are read from the
// environment by main.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30ms" or
// "5s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel is the configured slog level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the known names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts the level for use with log/slog.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root of the YAML file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Wake     WakeConfig     `yaml:"wake"`
	VAD      VADConfig      `yaml:"vad"`
	Session  SessionConfig  `yaml:"session"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Actions  ActionsConfig  `yaml:"actions"`
	Calendar CalendarConfig `yaml:"calendar"`
	History  HistoryConfig  `yaml:"history"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ServerConfig covers the operational HTTP endpoint and logging.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics.
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture format. Playback uses the same rate.
type AudioConfig struct {
	SampleRate    int      `yaml:"sample_rate"`
	FrameDuration Duration `yaml:"frame_duration"`

	// SinkDepth is the playback queue's initial capacity in blocks; the
	// queue grows when the downlink runs ahead of the device.
	SinkDepth int `yaml:"sink_depth"`
}

// FrameSamples returns the per-frame sample count.
func (a AudioConfig) FrameSamples() int {
	return int(int64(a.SampleRate) * int64(a.FrameDuration.Std()) / int64(time.Second))
}

// WakeConfig selects and tunes the wake engine.
type WakeConfig struct {
	// Enabled false starts a session as soon as the pipeline runs.
	Enabled     bool     `yaml:"enabled"`
	Keyword     string   `yaml:"keyword"`
	KeywordPath string   `yaml:"keyword_path"`
	Sensitivity float32  `yaml:"sensitivity"`
	Refractory  Duration `yaml:"refractory"`
}

// VADConfig tunes the energy detector and utterance assembly.
type VADConfig struct {
	SpeechThreshold  float64  `yaml:"speech_threshold"`
	SilenceThreshold float64  `yaml:"silence_threshold"`
	ActivationFrames int      `yaml:"activation_frames"`
	HangoverFrames   int      `yaml:"hangover_frames"`
	MinUtterance     Duration `yaml:"min_utterance"`
}

// SessionConfig tunes the conversation state machine.
type SessionConfig struct {
	// ListenTimeout bounds the wait for speech after activation.
	ListenTimeout Duration `yaml:"listen_timeout"`

	// SessionTimeout bounds a whole session without forward progress.
	SessionTimeout Duration `yaml:"session_timeout"`

	// BargeIn enables interrupting playback by speaking.
	BargeIn bool `yaml:"barge_in"`

	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
}

// RealtimeConfig selects the speech model endpoint. The API key comes from
// the environment.
type RealtimeConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ActionsConfig tunes action dispatch.
type ActionsConfig struct {
	// Timeout bounds a single action execution.
	Timeout Duration `yaml:"timeout"`
}

// CalendarConfig tunes the calendar executor and reminder scheduler.
type CalendarConfig struct {
	// CalendarID targets a Google calendar; "primary" by default.
	CalendarID string `yaml:"calendar_id"`

	DefaultEventDuration Duration `yaml:"default_event_duration"`
	DefaultReminderLead  Duration `yaml:"default_reminder_lead"`
	ReminderLookahead    Duration `yaml:"reminder_lookahead"`
	ReminderPoll         Duration `yaml:"reminder_poll"`
}

// HistoryConfig enables the Postgres conversation log.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// DSN is a pgx connection string. May be empty when disabled.
	DSN string `yaml:"dsn"`
}

// MCPServer describes one stdio MCP server whose tools become actions.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// MCPConfig lists external tool servers.
type MCPConfig struct {
	Servers []MCPServer `yaml:"servers"`
}

// Validate reports every constraint violation at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", c.Audio.SampleRate))
	}
	if c.Audio.FrameDuration.Std() <= 0 {
		errs = append(errs, errors.New("audio.frame_duration must be positive"))
	}
	if c.Audio.SinkDepth < 1 {
		errs = append(errs, fmt.Errorf("audio.sink_depth %d must be >= 1", c.Audio.SinkDepth))
	}

	if c.Wake.Enabled {
		if c.Wake.Keyword == "" && c.Wake.KeywordPath == "" {
			errs = append(errs, errors.New("wake.keyword or wake.keyword_path required when wake is enabled"))
		}
		if c.Wake.Sensitivity < 0 || c.Wake.Sensitivity > 1 {
			errs = append(errs, fmt.Errorf("wake.sensitivity %v outside [0, 1]", c.Wake.Sensitivity))
		}
	}

	if c.VAD.SpeechThreshold <= 0 || c.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %v outside (0, 1]", c.VAD.SpeechThreshold))
	}
	if c.VAD.SilenceThreshold < 0 || c.VAD.SilenceThreshold > c.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %v outside [0, speech_threshold]", c.VAD.SilenceThreshold))
	}
	if c.VAD.ActivationFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.activation_frames %d must be >= 1", c.VAD.ActivationFrames))
	}
	if c.VAD.HangoverFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.hangover_frames %d must be >= 1", c.VAD.HangoverFrames))
	}
	if c.VAD.MinUtterance.Std() < 0 {
		errs = append(errs, errors.New("vad.min_utterance must not be negative"))
	}

	if c.Session.ListenTimeout.Std() <= 0 {
		errs = append(errs, errors.New("session.listen_timeout must be positive"))
	}
	if c.Session.SessionTimeout.Std() <= 0 {
		errs = append(errs, errors.New("session.session_timeout must be positive"))
	}

	if c.Actions.Timeout.Std() <= 0 {
		errs = append(errs, errors.New("actions.timeout must be positive"))
	}

	if c.Calendar.DefaultEventDuration.Std() <= 0 {
		errs = append(errs, errors.New("calendar.default_event_duration must be positive"))
	}
	if c.Calendar.ReminderPoll.Std() <= 0 {
		errs = append(errs, errors.New("calendar.reminder_poll must be positive"))
	}

	if c.History.Enabled && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn required when history is enabled"))
	}

	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].name must not be empty", i))
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].command must not be empty", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
