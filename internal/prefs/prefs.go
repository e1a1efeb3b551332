// Package prefs persists the notification preferences consulted by the alert
// dispatcher. The record lives in ~/.local/state/fallwatch/preferences.yaml
// (respecting XDG_STATE_HOME).
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	prefsFileName = "preferences.yaml"
	appDirName    = "fallwatch"
)

// ErrInvalidVolume is returned when a volume lies outside [0,1].
var ErrInvalidVolume = errors.New("volume must be between 0 and 1")

// ErrUnknownKey is returned by Set for a key that names no preference.
var ErrUnknownKey = errors.New("unknown preference")

// Category selects the volume and enable flag that apply to a cue.
type Category int

const (
	Emergency Category = iota
	StateChange
	Connection
)

func (c Category) String() string {
	switch c {
	case Emergency:
		return "emergency"
	case StateChange:
		return "state_change"
	case Connection:
		return "connection"
	}
	return "unknown"
}

// Preferences is the persisted notification record.
type Preferences struct {
	MasterVolume            float64 `yaml:"master_volume" json:"masterVolume"`
	EnableStateChangeAlerts bool    `yaml:"enable_state_change_alerts" json:"enableStateChangeAlerts"`
	EnableConnectionAlerts  bool    `yaml:"enable_connection_alerts" json:"enableConnectionAlerts"`
	EnableEmergencyAlerts   bool    `yaml:"enable_emergency_alerts" json:"enableEmergencyAlerts"`
	EmergencyVolume         float64 `yaml:"emergency_volume" json:"emergencyVolume"`
	StateChangeVolume       float64 `yaml:"state_change_volume" json:"stateChangeVolume"`
	ConnectionVolume        float64 `yaml:"connection_volume" json:"connectionVolume"`
}

// Defaults returns the out-of-the-box preferences.
func Defaults() Preferences {
	return Preferences{
		MasterVolume:            0.3,
		EnableStateChangeAlerts: true,
		EnableConnectionAlerts:  true,
		EnableEmergencyAlerts:   true,
		EmergencyVolume:         0.5,
		StateChangeVolume:       0.2,
		ConnectionVolume:        0.1,
	}
}

// Validate reports the first volume outside [0,1].
func (p Preferences) Validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"master_volume", p.MasterVolume},
		{"emergency_volume", p.EmergencyVolume},
		{"state_change_volume", p.StateChangeVolume},
		{"connection_volume", p.ConnectionVolume},
	} {
		if v.val < 0 || v.val > 1 {
			return fmt.Errorf("%s=%g: %w", v.name, v.val, ErrInvalidVolume)
		}
	}
	return nil
}

// Enabled reports whether cues of the category may sound.
func (p Preferences) Enabled(c Category) bool {
	switch c {
	case Emergency:
		return p.EnableEmergencyAlerts
	case StateChange:
		return p.EnableStateChangeAlerts
	case Connection:
		return p.EnableConnectionAlerts
	}
	return false
}

// EffectiveVolume is MasterVolume times the category volume, clamped to [0,1].
func (p Preferences) EffectiveVolume(c Category) float64 {
	var cat float64
	switch c {
	case Emergency:
		cat = p.EmergencyVolume
	case StateChange:
		cat = p.StateChangeVolume
	case Connection:
		cat = p.ConnectionVolume
	}
	return clamp(p.MasterVolume * cat)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// setters maps the persisted key names to field setters.
var setters = map[string]func(p *Preferences, raw string) error{
	"master_volume":              volumeSetter(func(p *Preferences) *float64 { return &p.MasterVolume }),
	"emergency_volume":           volumeSetter(func(p *Preferences) *float64 { return &p.EmergencyVolume }),
	"state_change_volume":        volumeSetter(func(p *Preferences) *float64 { return &p.StateChangeVolume }),
	"connection_volume":          volumeSetter(func(p *Preferences) *float64 { return &p.ConnectionVolume }),
	"enable_state_change_alerts": boolSetter(func(p *Preferences) *bool { return &p.EnableStateChangeAlerts }),
	"enable_connection_alerts":   boolSetter(func(p *Preferences) *bool { return &p.EnableConnectionAlerts }),
	"enable_emergency_alerts":    boolSetter(func(p *Preferences) *bool { return &p.EnableEmergencyAlerts }),
}

func volumeSetter(field func(*Preferences) *float64) func(*Preferences, string) error {
	return func(p *Preferences, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", raw, err)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("%g: %w", v, ErrInvalidVolume)
		}
		*field(p) = v
		return nil
	}
}

func boolSetter(field func(*Preferences) *bool) func(*Preferences, string) error {
	return func(p *Preferences, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", raw, err)
		}
		*field(p) = v
		return nil
	}
}

// Keys lists the settable preference names in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one preference from its string form. Dashes in key are
// accepted in place of underscores.
func (p *Preferences) Set(key, raw string) error {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("%q: %w", key, ErrUnknownKey)
	}
	if err := set(p, strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Store loads and saves Preferences and caches the current record for
// concurrent readers.
type Store struct {
	dir string

	mu      sync.RWMutex
	current Preferences
}

// NewStore creates a Store that reads/writes preferences in the given
// directory. Pass an empty string to use the default XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultDir()
	}
	return &Store{dir: dir, current: Defaults()}
}

// Path returns the full path to the preferences file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, prefsFileName)
}

// Load reads preferences from disk. Missing keys keep their defaults; a
// missing file yields Defaults.
func (s *Store) Load() (Preferences, error) {
	p := Defaults()
	data, err := os.ReadFile(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return p, fmt.Errorf("reading preferences: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Defaults(), fmt.Errorf("parsing preferences: %w", err)
		}
		if err := p.Validate(); err != nil {
			return Defaults(), fmt.Errorf("invalid preferences in %s: %w", s.Path(), err)
		}
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return p, nil
}

// Current returns the cached record, Defaults until the first Load or Save.
func (s *Store) Current() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save validates p and writes it using an atomic temp-file-then-rename.
func (s *Store) Save(p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating preferences dir: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling preferences: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".preferences-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming preferences file: %w", err)
	}
	committed = true

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return nil
}

// Update applies fn to the current record and saves the result.
func (s *Store) Update(fn func(*Preferences) error) (Preferences, error) {
	p := s.Current()
	if err := fn(&p); err != nil {
		return s.Current(), err
	}
	if err := s.Save(p); err != nil {
		return s.Current(), err
	}
	return p, nil
}

// Reset restores Defaults on disk.
func (s *Store) Reset() error {
	return s.Save(Defaults())
}

// defaultDir returns ~/.local/state/fallwatch, respecting XDG_STATE_HOME.
func defaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
