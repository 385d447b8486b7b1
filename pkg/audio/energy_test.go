package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func constantFrame(amplitude int16, samples int) []byte {
	data := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	return data
}

func TestRMSConstantAmplitude(t *testing.T) {
	t.Parallel()

	// A constant signal's RMS equals its normalised amplitude, at any
	// volume. Quiet amplitudes matter: silence thresholds sit well below
	// 0.01 and misreporting them keeps speech-end from ever firing.
	for _, amp := range []int16{1, 3, 10, 50, 1600, 16000} {
		got := RMS(constantFrame(amp, 480))
		want := float64(amp) / 32768.0
		if math.Abs(got-want) > want*1e-9 {
			t.Errorf("RMS(amp=%d) = %g, want %g", amp, got, want)
		}
	}
}

func TestRMSQuietFrameStaysBelowSilenceThreshold(t *testing.T) {
	t.Parallel()

	if got := RMS(constantFrame(1, 480)); got >= 0.001 {
		t.Errorf("RMS of near-silence = %g, classifies above a 0.001 threshold", got)
	}
}

func TestRMSDegenerateInput(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %g", got)
	}
	if got := RMS([]byte{0x01}); got != 0 {
		t.Errorf("RMS(odd length) = %g", got)
	}
	if got := RMS(constantFrame(0, 480)); got != 0 {
		t.Errorf("RMS(zeros) = %g", got)
	}
}
