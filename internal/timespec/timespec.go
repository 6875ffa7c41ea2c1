// Package timespec models absolute device and reference time as whole seconds
// plus a fractional part, so that sub-second precision survives arithmetic on
// epoch-sized values.
package timespec

import (
	"fmt"
	"math"
)

// Time is an absolute instant. Frac is kept normalized to [0, 1).
type Time struct {
	Full int64
	Frac float64
}

// New builds a normalized Time from whole and fractional seconds.
func New(full int64, frac float64) Time {
	return normalize(full, frac)
}

// FromSeconds converts a real number of seconds into a Time.
func FromSeconds(secs float64) Time {
	whole := math.Floor(secs)
	return normalize(int64(whole), secs-whole)
}

// FromInt returns a Time on a whole-second boundary.
func FromInt(secs int64) Time { return Time{Full: secs} }

func normalize(full int64, frac float64) Time {
	if frac >= 1 || frac < 0 {
		whole := math.Floor(frac)
		full += int64(whole)
		frac -= whole
	}
	// Guard against rounding pushing frac to exactly 1.
	if frac >= 1 {
		full++
		frac = 0
	}
	return Time{Full: full, Frac: frac}
}

// Add returns t shifted by secs (which may be negative).
func (t Time) Add(secs float64) Time {
	whole := math.Floor(secs)
	return normalize(t.Full+int64(whole), t.Frac+(secs-whole))
}

// AddTime returns t + o.
func (t Time) AddTime(o Time) Time {
	return normalize(t.Full+o.Full, t.Frac+o.Frac)
}

// Sub returns t - o in seconds.
func (t Time) Sub(o Time) float64 {
	return float64(t.Full-o.Full) + (t.Frac - o.Frac)
}

// Compare returns -1, 0 or +1 for t before, equal to or after o.
func (t Time) Compare(o Time) int {
	switch {
	case t.Full < o.Full:
		return -1
	case t.Full > o.Full:
		return 1
	case t.Frac < o.Frac:
		return -1
	case t.Frac > o.Frac:
		return 1
	default:
		return 0
	}
}

func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }
func (t Time) After(o Time) bool  { return t.Compare(o) > 0 }
func (t Time) Equal(o Time) bool  { return t.Compare(o) == 0 }

// IsZero reports whether t is the zero instant.
func (t Time) IsZero() bool { return t.Full == 0 && t.Frac == 0 }

// RealSecs returns the instant as floating point seconds. Precision is lost
// for large epochs; use Sub for differences.
func (t Time) RealSecs() float64 { return float64(t.Full) + t.Frac }

// Ticks converts the fractional part to a tick count at the given rate.
func (t Time) Ticks(rate float64) int64 {
	return int64(math.Round(t.Frac * rate))
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%06d", t.Full, int64(math.Round(t.Frac*1e6))%1_000_000)
}
