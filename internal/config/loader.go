package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns the configuration used when a field is absent from the
// YAML file. The values mirror the reference deployment: 16 kHz mono PCM16
// in 30 ms frames, a 5 second listening window, a 10 second session
// progress timeout.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8089",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			FrameDuration: Duration(30 * time.Millisecond),
			SinkDepth:     32,
		},
		Wake: WakeConfig{
			Enabled:     true,
			Keyword:     "porcupine",
			Sensitivity: 0.5,
			Refractory:  Duration(500 * time.Millisecond),
		},
		VAD: VADConfig{
			SpeechThreshold:  0.02,
			SilenceThreshold: 0.01,
			ActivationFrames: 3,
			HangoverFrames:   20,
			MinUtterance:     Duration(300 * time.Millisecond),
		},
		Session: SessionConfig{
			ListenTimeout:  Duration(5 * time.Second),
			SessionTimeout: Duration(10 * time.Second),
			BargeIn:        true,
			Voice:          "coral",
		},
		Actions: ActionsConfig{
			Timeout: Duration(5 * time.Second),
		},
		Calendar: CalendarConfig{
			CalendarID:           "primary",
			DefaultEventDuration: Duration(30 * time.Minute),
			DefaultReminderLead:  Duration(10 * time.Minute),
			ReminderLookahead:    Duration(15 * time.Minute),
			ReminderPoll:         Duration(30 * time.Second),
		},
	}
}

// Load reads and validates the YAML configuration file at path. Absent
// fields keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Unknown fields are rejected. Useful in tests where
// configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
