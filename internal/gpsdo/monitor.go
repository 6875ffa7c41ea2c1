// Package gpsdo waits for a GPS-disciplined reference to lock, aligns the
// device clock to it at a PPS edge, and watches the lock while streaming.
package gpsdo

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
)

// DefaultLockInterval is the fixed pause between lock checks.
const DefaultLockInterval = 10 * time.Second

// lockLogEvery limits unlocked notices at info level to one per this many checks.
const lockLogEvery = 6

// ErrNotLocked is the awaited condition of WaitForLock. It is only returned
// wrapped, when a deadline expires first.
var ErrNotLocked = stderrors.New("reference not locked")

var errWarmingUp = stderrors.New("reference locked, minimum lock duration not reached")

// Monitor polls the reference lock sensor until it reports locked.
type Monitor struct {
	Device   sdr.Device
	Interval time.Duration
	// MinLockDuration requires lock to be held continuously this long.
	// Losing lock restarts the timer.
	MinLockDuration time.Duration
	// OnWait is called once per failed check, before the interval wait.
	OnWait  func(attempt int, next time.Duration)
	Now     func() time.Time
	Logger  logging.Logger
	Metrics *metrics.Collectors
}

// NewMonitor polls dev every DefaultLockInterval.
func NewMonitor(dev sdr.Device) *Monitor {
	return &Monitor{Device: dev, Interval: DefaultLockInterval}
}

// WaitForLock blocks until the reference is locked or ctx ends. The wait
// between checks is abandoned on cancellation without another sensor read.
func (m *Monitor) WaitForLock(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultLockInterval
	}
	now := m.Now
	if now == nil {
		now = time.Now
	}
	log := componentLogger(m.Logger)

	start := now()
	var lockedSince time.Time
	attempts := 0

	check := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		v, err := m.Device.ReadSensor(sdr.SensorGPSLocked)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "read lock sensor"))
		}
		locked, err := v.Bool()
		if err != nil {
			return backoff.Permanent(err)
		}
		m.Metrics.ObserveLockCheck(locked)
		if !locked {
			lockedSince = time.Time{}
			return ErrNotLocked
		}
		if m.MinLockDuration <= 0 {
			return nil
		}
		t := now()
		if lockedSince.IsZero() {
			lockedSince = t
		}
		if t.Sub(lockedSince) < m.MinLockDuration {
			return errWarmingUp
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		fields := []logging.Field{
			logging.F("attempt", attempts),
			logging.F("retry_in", next.String()),
		}
		if err == errWarmingUp {
			fields = append(fields,
				logging.F("locked_for", now().Sub(lockedSince).Round(time.Second).String()),
				logging.F("required", m.MinLockDuration.String()))
		}
		if attempts == 1 || attempts%lockLogEvery == 0 {
			log.Info(err.Error(), fields...)
		} else {
			log.Debug(err.Error(), fields...)
		}
		if m.OnWait != nil {
			m.OnWait(attempts, next)
		}
	}

	err := backoff.RetryNotify(check, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx), notify)
	if err == nil {
		waited := now().Sub(start)
		m.Metrics.ObserveLockWait(waited.Seconds())
		log.Info("reference locked", logging.F("attempts", attempts), logging.F("waited", waited.String()))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, "waiting for reference lock")
	}
	if err == ErrNotLocked || err == errWarmingUp {
		// The policy stops early when the next check would land past the deadline.
		return errors.Wrap(context.DeadlineExceeded, ErrNotLocked.Error())
	}
	return err
}

func componentLogger(l logging.Logger) logging.Logger {
	if l == nil {
		l = logging.Default()
	}
	return l.With(logging.F("subsystem", "gpsdo"))
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
