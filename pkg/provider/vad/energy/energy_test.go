package energy

import (
	"encoding/binary"
	"testing"

	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
)

func pcmFrame(t *testing.T, amplitude int16, seq uint64) audio.Frame {
	t.Helper()
	data := make([]byte, 320)
	for i := 0; i < len(data); i += 2 {
		binary.LittleEndian.PutUint16(data[i:], uint16(amplitude))
	}
	return audio.Frame{Data: data, Seq: seq}
}

func testConfig() vad.Config {
	return vad.Config{
		SpeechThreshold:  0.1,
		SilenceThreshold: 0.05,
		ActivationFrames: 3,
		HangoverFrames:   4,
	}
}

func feed(d *Detector, frames ...audio.Frame) []vad.EventType {
	var out []vad.EventType
	for _, f := range frames {
		out = append(out, d.Process(f).Type)
	}
	return out
}

func TestActivationRequiresConsecutiveFrames(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	loud := pcmFrame(t, 16000, 0)
	quiet := pcmFrame(t, 0, 0)

	// Two loud, one quiet, two loud: never three in a row, never activates.
	got := feed(d, loud, loud, quiet, loud, loud)
	for i, e := range got {
		if e != vad.Silence {
			t.Fatalf("frame %d: event %v, want silence", i, e)
		}
	}

	// The third consecutive loud frame opens the utterance.
	if e := d.Process(loud); e.Type != vad.SpeechStart {
		t.Fatalf("event %v, want speech_start", e.Type)
	}
}

func TestSpeechStartCarriesRunUp(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	for i := uint64(0); i < 2; i++ {
		d.Process(pcmFrame(t, 16000, i))
	}
	e := d.Process(pcmFrame(t, 16000, 2))
	if e.Type != vad.SpeechStart {
		t.Fatalf("event %v, want speech_start", e.Type)
	}
	if len(e.Frames) != 3 {
		t.Fatalf("run-up has %d frames, want 3", len(e.Frames))
	}
	for i, f := range e.Frames {
		if f.Seq != uint64(i) {
			t.Fatalf("run-up frame %d has seq %d", i, f.Seq)
		}
	}
}

func TestHangoverBridgesShortPauses(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	loud := pcmFrame(t, 16000, 0)
	quiet := pcmFrame(t, 0, 0)

	feed(d, loud, loud, loud) // activate

	// Three quiet frames (below hangover of 4) stay inside the utterance.
	got := feed(d, quiet, quiet, quiet)
	for i, e := range got {
		if e != vad.SpeechContinue {
			t.Fatalf("pause frame %d: event %v, want speech_continue", i, e)
		}
	}

	// Speech resumes: the quiet run resets.
	if e := d.Process(loud); e.Type != vad.SpeechContinue {
		t.Fatalf("resume: event %v, want speech_continue", e.Type)
	}

	// Now four quiet frames close it.
	got = feed(d, quiet, quiet, quiet, quiet)
	want := []vad.EventType{vad.SpeechContinue, vad.SpeechContinue, vad.SpeechContinue, vad.SpeechEnd}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("closing frame %d: event %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStartEndAlwaysPaired(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	loud := pcmFrame(t, 16000, 0)
	quiet := pcmFrame(t, 0, 0)

	// Alternating bursts; count boundary events and check ordering.
	pattern := []audio.Frame{
		loud, loud, loud, // start
		quiet, quiet, quiet, quiet, // end
		loud, quiet, loud, // noise, no start
		loud, loud, loud, // start
		quiet, quiet, quiet, quiet, // end
	}

	depth := 0
	for i, f := range pattern {
		switch d.Process(f).Type {
		case vad.SpeechStart:
			if depth != 0 {
				t.Fatalf("frame %d: nested speech_start", i)
			}
			depth = 1
		case vad.SpeechEnd:
			if depth != 1 {
				t.Fatalf("frame %d: speech_end without start", i)
			}
			depth = 0
		}
	}
	if depth != 0 {
		t.Fatal("utterance left open")
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	d := New(testConfig())
	loud := pcmFrame(t, 16000, 0)

	feed(d, loud, loud, loud) // in speech
	d.Reset()

	// After reset the detector needs a full activation run again.
	got := feed(d, loud, loud)
	for i, e := range got {
		if e != vad.Silence {
			t.Fatalf("frame %d after reset: event %v, want silence", i, e)
		}
	}
	if e := d.Process(loud); e.Type != vad.SpeechStart {
		t.Fatalf("event %v, want speech_start after full run", e.Type)
	}
}
