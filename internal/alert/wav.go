package alert

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

const (
	renderSampleRate   = 22050
	fallbackSampleRate = 8000
	fadeFloor          = 0.01
)

// Render synthesises cue as signed 16-bit mono PCM. Each beep starts at the
// cue volume and decays exponentially to 1% by its end; rests are silence.
func Render(cue Cue, sampleRate int) []int16 {
	total := samplesFor(cue.Length(), sampleRate)
	out := make([]int16, total)
	vol := clampUnit(cue.Volume)
	if vol == 0 {
		return out
	}
	for _, b := range cue.Beeps {
		start := samplesFor(b.Offset, sampleRate)
		n := samplesFor(b.Duration, sampleRate)
		for i := 0; i < n && start+i < total; i++ {
			t := float64(i) / float64(sampleRate)
			// Exponential ramp from vol to fadeFloor over the beep.
			gain := vol * math.Pow(fadeFloor/vol, float64(i)/float64(n))
			if vol <= fadeFloor {
				gain = vol
			}
			v := oscillate(b.Wave, b.Frequency, t) * gain
			out[start+i] = mix(out[start+i], v)
		}
	}
	return out
}

// FallbackBeep is the minimal 0.2s sine beep used when full synthesis is
// unavailable, already encoded as an 8kHz WAV file.
func FallbackBeep(frequency float64) []byte {
	n := samplesFor(200*time.Millisecond, fallbackSampleRate)
	pcm := make([]int16, n)
	for i := range pcm {
		t := float64(i) / fallbackSampleRate
		pcm[i] = int16(math.Sin(2*math.Pi*frequency*t) * 0.3 * math.MaxInt16)
	}
	return EncodeWAV(pcm, fallbackSampleRate)
}

// EncodeWAV wraps PCM samples in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	dataLen := uint32(len(pcm) * 2)
	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	binary.Write(&buf, binary.LittleEndian, pcm)
	return buf.Bytes()
}

func oscillate(w Waveform, freq, t float64) float64 {
	s := math.Sin(2 * math.Pi * freq * t)
	if w == Square {
		if s >= 0 {
			return 1
		}
		return -1
	}
	return s
}

func mix(cur int16, v float64) int16 {
	sum := float64(cur) + v*math.MaxInt16
	switch {
	case sum > math.MaxInt16:
		return math.MaxInt16
	case sum < math.MinInt16:
		return math.MinInt16
	}
	return int16(sum)
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(math.Round(d.Seconds() * float64(sampleRate)))
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
