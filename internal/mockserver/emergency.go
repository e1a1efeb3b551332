package mockserver

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/walkerholic/fallwatch/internal/client"
)

// emergencies holds the open fall timer of each user.
type emergencies struct {
	mu   sync.Mutex
	open map[string]time.Time
}

func newEmergencies() *emergencies {
	return &emergencies{open: make(map[string]time.Time)}
}

// start opens a timer for user unless one is already running.
func (e *emergencies) start(user string, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[user]; ok {
		return false
	}
	e.open[user] = at
	return true
}

// stop closes the timer and returns when the fall happened.
func (e *emergencies) stop(user string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.open[user]
	delete(e.open, user)
	return at, ok
}

func (e *emergencies) active(user string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[user]
	return ok
}

// status reports the current-emergency view for user. The level turns
// CRITICAL once window has elapsed.
func (e *emergencies) status(user string, now time.Time, window time.Duration) client.EmergencyStatus {
	e.mu.Lock()
	at, ok := e.open[user]
	e.mu.Unlock()

	if !ok {
		return client.EmergencyStatus{UserID: user, Message: "no active emergency"}
	}
	d := now.Sub(at).Seconds()
	level := "MONITORING"
	if d >= window.Seconds() {
		level = "CRITICAL"
	}
	return client.EmergencyStatus{
		UserID:            user,
		HasEmergency:      true,
		FallTime:          float64(at.UnixNano()) / float64(time.Second),
		DurationSeconds:   d,
		EmergencyLevel:    level,
		TimeUntilCritical: math.Max(0, window.Seconds()-d),
		Message:           fmt.Sprintf("%.1fs since fall", d),
	}
}

type expiredEmergency struct {
	user   string
	fallAt time.Time
}

// expire removes and returns every timer older than window.
func (e *emergencies) expire(now time.Time, window time.Duration) []expiredEmergency {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []expiredEmergency
	for user, at := range e.open {
		if now.Sub(at) >= window {
			out = append(out, expiredEmergency{user: user, fallAt: at})
			delete(e.open, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].user < out[j].user })
	return out
}
