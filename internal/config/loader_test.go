package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("sample rate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameSamples() != 480 {
		t.Errorf("frame samples = %d, want 480 for 30ms at 16kHz", cfg.Audio.FrameSamples())
	}
	if cfg.Session.ListenTimeout.Std() != 5*time.Second {
		t.Errorf("listen timeout = %v", cfg.Session.ListenTimeout.Std())
	}
	if !cfg.Session.BargeIn {
		t.Error("barge-in disabled by default")
	}
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`
audio:
  sample_rate: 8000
  frame_duration: 20ms
vad:
  speech_threshold: 0.1
  silence_threshold: 0.05
session:
  listen_timeout: 2s
  barge_in: false
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("sample rate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameDuration.Std() != 20*time.Millisecond {
		t.Errorf("frame duration = %v", cfg.Audio.FrameDuration.Std())
	}
	if cfg.VAD.SpeechThreshold != 0.1 {
		t.Errorf("speech threshold = %v", cfg.VAD.SpeechThreshold)
	}
	if cfg.Session.BargeIn {
		t.Error("barge_in override lost")
	}

	// Untouched fields keep their defaults.
	if cfg.Session.SessionTimeout.Std() != 10*time.Second {
		t.Errorf("session timeout = %v, want default 10s", cfg.Session.SessionTimeout.Std())
	}
	if cfg.Calendar.DefaultEventDuration.Std() != 30*time.Minute {
		t.Errorf("event duration = %v, want default 30m", cfg.Calendar.DefaultEventDuration.Std())
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
audio:
  sample_rate: 16000
  bogus_knob: 7
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
session:
  listen_timeout: "five seconds"
`))
	if err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Server.ListenAddr = ""
	cfg.Server.LogLevel = "loud"
	cfg.Audio.SampleRate = 0
	cfg.VAD.SilenceThreshold = 0.9 // above speech threshold
	cfg.History.Enabled = true     // without DSN

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"server.listen_addr",
		"server.log_level",
		"audio.sample_rate",
		"vad.silence_threshold",
		"history.dsn",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidateWakeRequiresKeyword(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Wake.Keyword = ""
	cfg.Wake.KeywordPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("wake enabled without keyword accepted")
	}

	cfg.Wake.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("wake disabled should not require keyword: %v", err)
	}
}

func TestLogLevelSlog(t *testing.T) {
	t.Parallel()

	if !LogLevel("warn").IsValid() {
		t.Error("warn not valid")
	}
	if LogLevel("verbose").IsValid() {
		t.Error("verbose accepted")
	}
}
