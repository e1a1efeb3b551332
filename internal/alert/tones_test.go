package alert

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToneCueTable(t *testing.T) {
	tests := []struct {
		name    ToneName
		freq    float64
		beeps   int
		lastOff time.Duration
	}{
		{ToneInfo, 440, 1, 0},
		{ToneSuccess, 523, 2, 250 * time.Millisecond},
		{ToneWarning, 659, 3, 800 * time.Millisecond},
		{ToneError, 330, 1, 0},
		{ToneWalkingStart, 523, 2, 300 * time.Millisecond},
		{ToneWalkingStop, 392, 1, 0},
		{ToneConnection, 880, 3, 400 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			c := ToneCue(tt.name, 0.5)
			assert.Equal(t, tt.name, c.Name)
			require.Len(t, c.Beeps, tt.beeps)
			for _, b := range c.Beeps {
				assert.Equal(t, tt.freq, b.Frequency)
				assert.Equal(t, Sine, b.Wave)
			}
			assert.Equal(t, tt.lastOff, c.Beeps[len(c.Beeps)-1].Offset)
		})
	}
}

func TestWarningMiddleStepIsHalfLength(t *testing.T) {
	c := ToneCue(ToneWarning, 1)
	assert.Equal(t, 300*time.Millisecond, c.Beeps[0].Duration)
	assert.Equal(t, 150*time.Millisecond, c.Beeps[1].Duration)
	assert.Equal(t, 400*time.Millisecond, c.Beeps[1].Offset)
}

func TestUnknownToneFallsBackToInfo(t *testing.T) {
	c := ToneCue("chirp", 0.2)
	assert.Equal(t, ToneInfo, c.Name)
	assert.Equal(t, 440.0, c.Beeps[0].Frequency)
}

func TestEmergencyCue(t *testing.T) {
	normal := EmergencyCue(false, 0.4)
	require.Len(t, normal.Beeps, 2)
	assert.Equal(t, 600.0, normal.Beeps[0].Frequency)
	assert.Equal(t, 700*time.Millisecond, normal.Beeps[1].Offset)
	assert.Equal(t, 1200*time.Millisecond, normal.Length())

	critical := EmergencyCue(true, 0.4)
	require.Len(t, critical.Beeps, 3)
	for _, b := range critical.Beeps {
		assert.Equal(t, 800.0, b.Frequency)
		assert.Equal(t, time.Second, b.Duration)
		assert.Equal(t, Square, b.Wave)
	}
	assert.Equal(t, 2400*time.Millisecond, critical.Beeps[2].Offset)
	assert.Equal(t, ToneCritical, critical.Name)
}

func TestRenderLengthAndSilence(t *testing.T) {
	c := ToneCue(ToneSuccess, 0.5) // 150ms, gap, 150ms: ends at 400ms
	pcm := Render(c, 1000)
	assert.Len(t, pcm, 400)

	// The rest between the two beeps is silent.
	for _, s := range pcm[160:240] {
		assert.Equal(t, int16(0), s)
	}
	assert.NotZero(t, maxAbs(pcm[:150]))

	muted := Render(ToneCue(ToneSuccess, 0), 1000)
	assert.Zero(t, maxAbs(muted))
}

func TestRenderScalesWithVolume(t *testing.T) {
	loud := maxAbs(Render(EmergencyCue(false, 1), 8000))
	quiet := maxAbs(Render(EmergencyCue(false, 0.1), 8000))
	assert.Greater(t, loud, quiet)
	assert.InDelta(t, 32767, loud, 1)
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := []int16{0, 100, -100}
	wav := EncodeWAV(pcm, 8000)
	require.Len(t, wav, 44+6)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(36+6), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestFallbackBeep(t *testing.T) {
	wav := FallbackBeep(440)
	// 0.2s at 8kHz, 16-bit mono.
	assert.Len(t, wav, 44+1600*2)
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(wav[24:28]))
}

func TestBellRingsOncePerBeep(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Bell{W: &buf}.Play(EmergencyCue(true, 0.5)))
	assert.Equal(t, "\a\a\a", buf.String())

	buf.Reset()
	require.NoError(t, Bell{W: &buf}.Play(ToneCue(ToneInfo, 0)))
	assert.Empty(t, buf.String())
}

func maxAbs(pcm []int16) int {
	m := 0
	for _, s := range pcm {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
