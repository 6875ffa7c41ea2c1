package acquire

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rjboer/ppsrx/internal/timespec"
)

// DefaultStatsWindow is the number of recent blocks summarised.
const DefaultStatsWindow = 1024

// Summary describes block sizes and timestamp continuity over the recent
// window.
type Summary struct {
	Window          int
	MeanBlock       float64
	StdBlock        float64
	MeanGapError    float64
	StdGapError     float64
	MaxAbsGapError  float64
	Discontinuities int
}

// Stats tracks timestamp continuity: each block should start exactly where
// the previous one ended. Storage is a fixed ring allocated up front.
type Stats struct {
	rate      float64
	tolerance float64

	sizes  []float64
	errs   []float64
	absErr []float64
	next   int
	count  int

	prevEnd         timespec.Time
	havePrev        bool
	discontinuities int
}

func NewStats(rate float64, window int) *Stats {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	tol := 0.0
	if rate > 0 {
		tol = 0.5 / rate
	}
	return &Stats{
		rate:      rate,
		tolerance: tol,
		sizes:     make([]float64, window),
		errs:      make([]float64, window),
		absErr:    make([]float64, window),
	}
}

// Observe records one block and reports whether its timestamp broke
// continuity, with the offset from the expected start in seconds.
func (s *Stats) Observe(ts timespec.Time, hasTime bool, n int) (bool, float64) {
	gap := 0.0
	broken := false
	if hasTime && s.havePrev && s.rate > 0 {
		gap = ts.Sub(s.prevEnd)
		if math.Abs(gap) > s.tolerance {
			broken = true
			s.discontinuities++
		}
	}
	if hasTime && s.rate > 0 {
		s.prevEnd = ts.Add(float64(n) / s.rate)
		s.havePrev = true
	}

	s.sizes[s.next] = float64(n)
	s.errs[s.next] = gap
	s.absErr[s.next] = math.Abs(gap)
	s.next = (s.next + 1) % len(s.sizes)
	if s.count < len(s.sizes) {
		s.count++
	}
	return broken, gap
}

func (s *Stats) Discontinuities() int { return s.discontinuities }

func (s *Stats) Summary() Summary {
	out := Summary{Window: s.count, Discontinuities: s.discontinuities}
	if s.count == 0 {
		return out
	}
	sizes := s.sizes[:s.count]
	errs := s.errs[:s.count]
	if s.count == 1 {
		out.MeanBlock = sizes[0]
		out.MeanGapError = errs[0]
	} else {
		out.MeanBlock, out.StdBlock = stat.MeanStdDev(sizes, nil)
		out.MeanGapError, out.StdGapError = stat.MeanStdDev(errs, nil)
	}
	out.MaxAbsGapError = floats.Max(s.absErr[:s.count])
	return out
}
