package mockserver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/walkerholic/fallwatch/internal/client"
)

// Labels as the device backend sends them.
const (
	labelDaily     = "일상"
	labelWalking   = "걷기"
	labelFall      = "낙상"
	labelEmergency = "응급"
)

const (
	walkTicks    = 8
	idleTicks    = 6
	samplingRate = 10
)

type sim struct {
	userID     string
	label      string
	phaseTicks int
	since      time.Time
	lastFall   time.Time
	t          float64
}

// Generator drives every connected user through a walking/idle cycle,
// replying with IMU frames that carry user_state, and injects a fall at a
// fixed period. Falls left unanswered for the window are declared
// emergencies.
type Generator struct {
	hub       *Hub
	em        *emergencies
	interval  time.Duration
	fallEvery time.Duration
	window    time.Duration

	mu   sync.Mutex
	sims map[string]*sim
	rng  *rand.Rand
}

func newGenerator(hub *Hub, em *emergencies, opts Options) *Generator {
	return &Generator{
		hub:       hub,
		em:        em,
		interval:  opts.Interval,
		fallEvery: opts.FallEvery,
		window:    opts.Window,
		sims:      make(map[string]*sim),
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
}

// Start runs the generator until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Step(now)
		}
	}
}

// Step advances every connected user by one tick and declares expired
// emergencies.
func (g *Generator) Step(now time.Time) {
	for _, user := range g.hub.Users() {
		g.advance(g.simFor(user, now), now)
	}
	g.declareExpired(now)
}

func (g *Generator) simFor(user string, now time.Time) *sim {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sims[user]
	if !ok {
		s = &sim{userID: user, label: labelDaily, since: now, lastFall: now}
		g.sims[user] = s
	}
	return s
}

// currentLabel is what connection_established reports for user.
func (g *Generator) currentLabel(user string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sims[user]; ok {
		return s.label
	}
	return labelDaily
}

func (g *Generator) advance(s *sim, now time.Time) {
	g.mu.Lock()
	switch {
	case g.em.active(s.userID):
		// Lying still until someone answers.
		g.setLabelLocked(s, labelFall, now)
	case s.label == labelEmergency:
		// Held until resolved.
	case g.fallEvery > 0 && now.Sub(s.lastFall) >= g.fallEvery:
		g.mu.Unlock()
		g.Fall(s.userID, now)
		return
	default:
		s.phaseTicks++
		switch s.label {
		case labelWalking:
			if s.phaseTicks >= walkTicks {
				g.setLabelLocked(s, labelDaily, now)
			}
		default:
			if s.phaseTicks >= idleTicks {
				g.setLabelLocked(s, labelWalking, now)
			}
		}
	}
	s.t += g.interval.Seconds()
	accel, gyro := g.sampleLocked(s)
	conf := 0.75 + 0.2*g.rng.Float64()
	frame := map[string]any{
		"type": client.MsgIMUDataReceived,
		"data": map[string]any{
			"acc_x": accel.X, "acc_y": accel.Y, "acc_z": accel.Z,
			"gyr_x": gyro.X, "gyr_y": gyro.Y, "gyr_z": gyro.Z,
		},
		"sampling_rate": samplingRate,
		"user_state": client.UserStatePayload{
			CurrentState:    s.label,
			StateDuration:   now.Sub(s.since).Seconds(),
			ConfidenceScore: math.Round(conf*100) / 100,
			LastUpdate:      now.Format(time.RFC3339Nano),
		},
	}
	user := s.userID
	g.mu.Unlock()

	g.hub.SendTo(user, frame)
}

func (g *Generator) setLabelLocked(s *sim, label string, now time.Time) {
	if s.label == label {
		return
	}
	s.label = label
	s.phaseTicks = 0
	s.since = now
}

func (g *Generator) sampleLocked(s *sim) (client.Vector3, client.Vector3) {
	noise := func(scale float64) float64 { return (g.rng.Float64()*2 - 1) * scale }
	switch s.label {
	case labelWalking:
		step := 2 * math.Pi * 1.8 * s.t
		return client.Vector3{X: 1.2 * math.Sin(step), Y: 0.8 * math.Cos(step), Z: 9.81 + 2*math.Sin(2*step)},
			client.Vector3{X: 40 * math.Sin(step), Y: noise(5), Z: noise(5)}
	case labelFall:
		return client.Vector3{X: 9.81 + noise(0.1), Y: noise(0.1), Z: noise(0.1)},
			client.Vector3{X: noise(0.5), Y: noise(0.5), Z: noise(0.5)}
	default:
		return client.Vector3{X: noise(0.05), Y: noise(0.05), Z: 9.81 + noise(0.05)},
			client.Vector3{X: noise(0.5), Y: noise(0.5), Z: noise(0.5)}
	}
}

// Fall injects a fall for user: the emergency timer starts and a
// fall_alert is broadcast. It reports false when a fall is already open.
func (g *Generator) Fall(user string, now time.Time) bool {
	s := g.simFor(user, now)
	if !g.em.start(user, now) {
		return false
	}
	g.mu.Lock()
	s.lastFall = now
	g.setLabelLocked(s, labelFall, now)
	conf := 0.85 + 0.1*g.rng.Float64()
	g.mu.Unlock()

	g.hub.Broadcast(map[string]any{
		"type": client.MsgFallAlert,
		"data": client.AlertPayload{
			UserID:          user,
			Message:         fmt.Sprintf("Fall detected for %s", user),
			ConfidenceScore: math.Round(conf*100) / 100,
			EmergencyLevel:  "HIGH",
			Timestamp:       now.Format(time.RFC3339),
		},
	})
	return true
}

// Recover puts user back into daily activity, as after a resolution.
func (g *Generator) Recover(user string, now time.Time) {
	s := g.simFor(user, now)
	g.mu.Lock()
	g.setLabelLocked(s, labelDaily, now)
	g.mu.Unlock()
}

func (g *Generator) declareExpired(now time.Time) {
	for _, e := range g.em.expire(now, g.window) {
		s := g.simFor(e.user, now)
		g.mu.Lock()
		g.setLabelLocked(s, labelEmergency, now)
		g.mu.Unlock()

		g.hub.Broadcast(map[string]any{
			"type": client.MsgEmergencyDeclared,
			"data": client.AlertPayload{
				UserID:          e.user,
				Message:         fmt.Sprintf("Emergency: %s has not moved for %.0f seconds", e.user, g.window.Seconds()),
				DurationSeconds: int(now.Sub(e.fallAt).Seconds()),
				EmergencyLevel:  "CRITICAL",
				Timestamp:       now.Format(time.RFC3339),
			},
		})
	}
}
