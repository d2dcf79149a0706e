// Package pressure turns raw heap telemetry into discrete pressure levels.
//
// A Sampler keeps a bounded window of MemorySamples fed by a telemetry
// Source, derives a Trend from the most recent entries, and Classify maps the
// latest sample plus trend onto a Level. Classification is a pure function of
// its inputs so every observer of the same window agrees on the level.
package pressure

import (
	"fmt"
	"strings"
)

// Level is the ordered pressure classification: Low < Moderate < High < Critical
type Level int

const (
	Low Level = iota
	Moderate
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Moderate:
		return "moderate"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a level name back into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "moderate":
		return Moderate, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Low, fmt.Errorf("unknown pressure level %q", s)
}

// Trend is the direction of heap usage over the trend window
type Trend int

const (
	Stable Trend = iota
	Increasing
	Decreasing
)

func (t Trend) String() string {
	switch t {
	case Stable:
		return "stable"
	case Increasing:
		return "increasing"
	case Decreasing:
		return "decreasing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (t Trend) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Trend) UnmarshalText(text []byte) error {
	parsed, err := ParseTrend(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTrend parses a trend name
func ParseTrend(s string) (Trend, error) {
	switch strings.ToLower(s) {
	case "stable":
		return Stable, nil
	case "increasing":
		return Increasing, nil
	case "decreasing":
		return Decreasing, nil
	}
	return Stable, fmt.Errorf("unknown trend %q", s)
}
