package alert

import "time"

// ToneName selects an entry of the tone table.
type ToneName string

const (
	ToneInfo         ToneName = "info"
	ToneSuccess      ToneName = "success"
	ToneWarning      ToneName = "warning"
	ToneError        ToneName = "error"
	ToneWalkingStart ToneName = "walking_start"
	ToneWalkingStop  ToneName = "walking_stop"
	ToneConnection   ToneName = "connection"

	// Emergency cues are not in the table; see EmergencyCue.
	ToneEmergency ToneName = "emergency"
	ToneCritical  ToneName = "critical"
)

// Waveform is the oscillator shape of a beep.
type Waveform int

const (
	Sine Waveform = iota
	Square
)

// Beep is one oscillator burst within a cue. Offset is measured from the
// start of the cue.
type Beep struct {
	Frequency float64
	Duration  time.Duration
	Offset    time.Duration
	Wave      Waveform
}

// Cue is a fully specified sound: a name for logs, the bursts, and the
// linear volume in [0,1] at which they start before fading out.
type Cue struct {
	Name   ToneName
	Beeps  []Beep
	Volume float64
}

// Length returns the time from the start of the cue to the end of its last
// beep.
func (c Cue) Length() time.Duration {
	var end time.Duration
	for _, b := range c.Beeps {
		if e := b.Offset + b.Duration; e > end {
			end = e
		}
	}
	return end
}

type toneSpec struct {
	frequency float64
	duration  time.Duration
	// pattern scales duration per step; zero steps are rests.
	pattern []float64
}

var toneTable = map[ToneName]toneSpec{
	ToneInfo:         {440, 200 * time.Millisecond, []float64{1}},
	ToneSuccess:      {523, 150 * time.Millisecond, []float64{1, 1}},
	ToneWarning:      {659, 300 * time.Millisecond, []float64{1, 0.5, 1}},
	ToneError:        {330, 500 * time.Millisecond, []float64{1}},
	ToneWalkingStart: {523, 200 * time.Millisecond, []float64{1, 1}},
	ToneWalkingStop:  {392, 200 * time.Millisecond, []float64{1}},
	ToneConnection:   {880, 100 * time.Millisecond, []float64{1, 1, 1}},
}

const stepGap = 100 * time.Millisecond

// ToneCue builds the cue for a table entry. Unknown names use ToneInfo.
// Steps start every duration+100ms regardless of their scaled length.
func ToneCue(name ToneName, volume float64) Cue {
	def, ok := toneTable[name]
	if !ok {
		name, def = ToneInfo, toneTable[ToneInfo]
	}
	cue := Cue{Name: name, Volume: volume}
	for i, scale := range def.pattern {
		if scale <= 0 {
			continue
		}
		cue.Beeps = append(cue.Beeps, Beep{
			Frequency: def.frequency,
			Duration:  time.Duration(float64(def.duration) * scale),
			Offset:    time.Duration(i) * (def.duration + stepGap),
			Wave:      Sine,
		})
	}
	return cue
}

// ToneNames lists the table entries in a stable order.
func ToneNames() []ToneName {
	return []ToneName{
		ToneInfo, ToneSuccess, ToneWarning, ToneError,
		ToneWalkingStart, ToneWalkingStop, ToneConnection,
	}
}

const emergencyGap = 200 * time.Millisecond

// EmergencyCue builds the square-wave alarm: 600Hz for 0.5s twice, or
// 800Hz for 1s three times when critical, with 200ms between repeats.
func EmergencyCue(critical bool, volume float64) Cue {
	freq, dur, repeats, name := 600.0, 500*time.Millisecond, 2, ToneEmergency
	if critical {
		freq, dur, repeats, name = 800.0, time.Second, 3, ToneCritical
	}
	cue := Cue{Name: name, Volume: volume}
	for i := 0; i < repeats; i++ {
		cue.Beeps = append(cue.Beeps, Beep{
			Frequency: freq,
			Duration:  dur,
			Offset:    time.Duration(i) * (dur + emergencyGap),
			Wave:      Square,
		})
	}
	return cue
}
