package gpsdo

import (
	stderrors "errors"
	"time"

	"github.com/pkg/errors"

	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
)

// ErrHoldoverExceeded reports that lock was lost for longer than the
// configured holdover time.
var ErrHoldoverExceeded = stderrors.New("reference holdover exceeded")

const DefaultHoldoverCheckInterval = time.Second

// HoldoverMonitor checks the lock sensor at a bounded rate while streaming.
// It is not safe for concurrent use.
type HoldoverMonitor struct {
	Device sdr.Device
	// Holdover is how long lock may be lost before Check fails. Zero disables
	// the monitor.
	Holdover      time.Duration
	CheckInterval time.Duration
	Now           func() time.Time
	Logger        logging.Logger
	Metrics       *metrics.Collectors

	started    bool
	lastCheck  time.Time
	lastLocked time.Time
}

func NewHoldoverMonitor(dev sdr.Device, holdover time.Duration) *HoldoverMonitor {
	return &HoldoverMonitor{Device: dev, Holdover: holdover, CheckInterval: DefaultHoldoverCheckInterval}
}

// Check reads the lock sensor unless one was read within CheckInterval. A
// failed sensor read counts as unlocked.
func (h *HoldoverMonitor) Check() error {
	if h == nil || h.Holdover <= 0 {
		return nil
	}
	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	if !h.started {
		h.started = true
		h.lastLocked = now
	}
	interval := h.CheckInterval
	if interval <= 0 {
		interval = DefaultHoldoverCheckInterval
	}
	if !h.lastCheck.IsZero() && now.Sub(h.lastCheck) < interval {
		return nil
	}
	h.lastCheck = now

	log := componentLogger(h.Logger)
	locked := false
	v, err := h.Device.ReadSensor(sdr.SensorGPSLocked)
	if err == nil {
		locked, err = v.Bool()
	}
	if err != nil {
		log.Warn("lock sensor unreadable", logging.F("error", err.Error()))
	}
	h.Metrics.ObserveLockCheck(locked)

	if locked {
		h.lastLocked = now
		h.Metrics.SetHoldover(0)
		return nil
	}
	lost := now.Sub(h.lastLocked)
	h.Metrics.SetHoldover(lost.Seconds())
	if lost > h.Holdover {
		log.Error("reference lock lost beyond holdover", logging.F("lost_for", lost.String()), logging.F("holdover", h.Holdover.String()))
		return errors.Wrapf(ErrHoldoverExceeded, "lock lost for %s", lost.Round(time.Millisecond))
	}
	log.Warn("reference lock lost", logging.F("lost_for", lost.String()), logging.F("holdover", h.Holdover.String()))
	return nil
}
