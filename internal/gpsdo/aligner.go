package gpsdo

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/timespec"
)

const (
	DefaultSettle    = 2 * time.Second
	DefaultEdgePoll  = 50 * time.Millisecond
	DefaultEdgeGuard = 200 * time.Millisecond
	// DefaultSkewTolerance is the skew above which alignment logs a warning.
	DefaultSkewTolerance = time.Millisecond
	maxEdgeWait          = 3 * time.Second
)

// AlignmentReport is the outcome of one alignment.
type AlignmentReport struct {
	// LastPPS is the device time latched at the most recent edge.
	LastPPS timespec.Time
	// Reference is the reference time read after the settle delay.
	Reference timespec.Time
	// Skew is |Reference - LastPPS| in seconds.
	Skew float64
}

// Aligner latches the device clock to reference time at a PPS edge.
type Aligner struct {
	Device sdr.Device
	Source string
	Settle time.Duration
	// WaitForEdge arms the device just after an observed edge rather than at
	// an arbitrary point in the second.
	WaitForEdge   bool
	EdgePoll      time.Duration
	EdgeGuard     time.Duration
	LogNMEA       bool
	SkewTolerance time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
	Logger        logging.Logger
	Metrics       *metrics.Collectors
}

// NewAligner aligns dev to the GPSDO with the default settle delay.
func NewAligner(dev sdr.Device) *Aligner {
	return &Aligner{Device: dev, Source: sdr.SourceGPSDO, Settle: DefaultSettle, LogNMEA: true}
}

func (a *Aligner) sleep(ctx context.Context, d time.Duration) error {
	if a.Sleep != nil {
		return a.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// Align selects the reference as clock and time source, arms the device to
// take reference+1 at the next edge, waits for it to settle, and reports the
// remaining skew. A nonzero skew is reported, never returned as an error.
func (a *Aligner) Align(ctx context.Context) (AlignmentReport, error) {
	log := componentLogger(a.Logger)
	src := a.Source
	if src == "" {
		src = sdr.SourceGPSDO
	}
	if err := (sdr.DeviceConfig{ClockSource: src, TimeSource: src}).Apply(a.Device); err != nil {
		return AlignmentReport{}, errors.Wrap(err, "select reference source")
	}

	if a.WaitForEdge {
		if err := a.waitForEdge(ctx); err != nil {
			return AlignmentReport{}, err
		}
	}

	ref, err := a.referenceTime()
	if err != nil {
		return AlignmentReport{}, err
	}
	next := ref.Add(1)
	if err := a.Device.SetTimeNextPPS(next); err != nil {
		return AlignmentReport{}, errors.Wrap(err, "arm next pps time")
	}
	log.Info("armed device clock for next pps", logging.F("reference", ref.String()), logging.F("next_pps", next.String()))

	if a.LogNMEA {
		a.logNMEA(log)
	}

	settle := a.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	if err := a.sleep(ctx, settle); err != nil {
		return AlignmentReport{}, errors.Wrap(err, "settle after arming")
	}

	ref, err = a.referenceTime()
	if err != nil {
		return AlignmentReport{}, err
	}
	last, err := a.Device.TimeLastPPS()
	if err != nil {
		return AlignmentReport{}, errors.Wrap(err, "read last pps time")
	}
	report := AlignmentReport{LastPPS: last, Reference: ref, Skew: math.Abs(ref.Sub(last))}
	a.Metrics.ObserveAlignment(report.Skew)

	tol := a.SkewTolerance
	if tol <= 0 {
		tol = DefaultSkewTolerance
	}
	fields := []logging.Field{
		logging.F("reference", ref.String()),
		logging.F("last_pps", last.String()),
		logging.F("skew_s", report.Skew),
	}
	if report.Skew > tol.Seconds() {
		log.Warn("device clock not aligned to reference", fields...)
	} else {
		log.Info("device clock aligned", fields...)
	}
	return report, nil
}

func (a *Aligner) referenceTime() (timespec.Time, error) {
	v, err := a.Device.ReadSensor(sdr.SensorGPSTime)
	if err != nil {
		return timespec.Time{}, errors.Wrap(err, "read reference time")
	}
	secs, err := v.Int()
	if err != nil {
		return timespec.Time{}, err
	}
	return timespec.FromInt(secs), nil
}

// waitForEdge polls the last-PPS time until it changes, then waits a guard
// interval so the arming write lands well inside the second.
func (a *Aligner) waitForEdge(ctx context.Context) error {
	poll := a.EdgePoll
	if poll <= 0 {
		poll = DefaultEdgePoll
	}
	guard := a.EdgeGuard
	if guard <= 0 {
		guard = DefaultEdgeGuard
	}

	last, err := a.Device.TimeLastPPS()
	if err != nil {
		return errors.Wrap(err, "read last pps time")
	}
	for waited := time.Duration(0); ; waited += poll {
		if waited >= maxEdgeWait {
			return errors.Errorf("no pps edge observed within %s", maxEdgeWait)
		}
		if err := a.sleep(ctx, poll); err != nil {
			return errors.Wrap(err, "waiting for pps edge")
		}
		next, err := a.Device.TimeLastPPS()
		if err != nil {
			return errors.Wrap(err, "read last pps time")
		}
		if !next.Equal(last) {
			break
		}
	}
	return errors.Wrap(a.sleep(ctx, guard), "pps edge guard")
}

func (a *Aligner) logNMEA(log logging.Logger) {
	for _, name := range []string{sdr.SensorGPGGA, sdr.SensorGPRMC} {
		v, err := a.Device.ReadSensor(name)
		if err != nil {
			log.Debug("nmea sensor unavailable", logging.F("sensor", name), logging.F("error", err.Error()))
			continue
		}
		log.Info("nmea", logging.F("sensor", name), logging.F("value", v.String()))
	}
}
