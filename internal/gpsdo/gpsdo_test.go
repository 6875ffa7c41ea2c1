package gpsdo

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/timespec"
)

func newFakeMock(cfg sdr.MockConfig) (*sdr.MockSDR, *sdr.FakeClock) {
	clock := sdr.NewFakeClock(time.Unix(1000, 300_000_000))
	cfg.Clock = clock
	return sdr.NewMock(cfg), clock
}

// fakeSleep advances the fake clock instead of sleeping.
func fakeSleep(clock *sdr.FakeClock) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.Advance(d)
		return nil
	}
}

type failingSensor struct {
	*sdr.MockSDR
}

func (failingSensor) ReadSensor(string) (sdr.SensorValue, error) {
	return sdr.SensorValue{}, stderrors.New("usb disconnected")
}

func TestWaitForLockWaitsOnceForFalseThenTrue(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{LockSequence: []bool{false, true}})
	waits := 0
	m := &Monitor{Device: mock, Interval: time.Millisecond, OnWait: func(int, time.Duration) { waits++ }}

	if err := m.WaitForLock(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waits != 1 {
		t.Fatalf("expected exactly one wait, got %d", waits)
	}
	if reads := mock.SensorReads(sdr.SensorGPSLocked); reads != 2 {
		t.Fatalf("expected 2 sensor reads, got %d", reads)
	}
}

func TestWaitForLockLockedImmediately(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{})
	waits := 0
	m := &Monitor{Device: mock, Interval: time.Hour, OnWait: func(int, time.Duration) { waits++ }}
	if err := m.WaitForLock(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waits != 0 || mock.SensorReads(sdr.SensorGPSLocked) != 1 {
		t.Fatalf("expected a single read and no wait")
	}
}

func TestWaitForLockCancelDuringWait(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{LockSequence: []bool{false}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &Monitor{Device: mock, Interval: time.Hour, OnWait: func(int, time.Duration) { cancel() }}

	done := make(chan error, 1)
	go func() { done <- m.WaitForLock(ctx) }()

	select {
	case err := <-done:
		if !stderrors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("WaitForLock did not return after cancellation")
	}
	if reads := mock.SensorReads(sdr.SensorGPSLocked); reads != 1 {
		t.Fatalf("expected no further sensor read after cancellation, got %d reads", reads)
	}
}

func TestWaitForLockAlreadyCancelled(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &Monitor{Device: mock, Interval: time.Millisecond}
	if err := m.WaitForLock(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if mock.SensorReads(sdr.SensorGPSLocked) != 0 {
		t.Fatalf("sensor read after cancellation")
	}
}

func TestWaitForLockDeadline(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{LockSequence: []bool{false}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m := &Monitor{Device: mock, Interval: time.Hour}
	if err := m.WaitForLock(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestWaitForLockSensorFailureIsNotRetried(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{})
	waits := 0
	m := &Monitor{Device: failingSensor{mock}, Interval: time.Millisecond, OnWait: func(int, time.Duration) { waits++ }}
	err := m.WaitForLock(context.Background())
	if err == nil || waits != 0 {
		t.Fatalf("expected immediate failure, got err=%v waits=%d", err, waits)
	}
}

func TestWaitForLockMinimumDuration(t *testing.T) {
	cases := []struct {
		name      string
		sequence  []bool
		wantWaits int
	}{
		{name: "held", sequence: []bool{true}, wantWaits: 3},
		{name: "lost resets timer", sequence: []bool{true, true, false, true}, wantWaits: 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock, clock := newFakeMock(sdr.MockConfig{LockSequence: tc.sequence})
			waits := 0
			m := &Monitor{
				Device:          mock,
				Interval:        time.Millisecond,
				MinLockDuration: 25 * time.Second,
				Now:             clock.Now,
				OnWait: func(int, time.Duration) {
					waits++
					clock.Advance(10 * time.Second)
				},
			}
			if err := m.WaitForLock(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if waits != tc.wantWaits {
				t.Fatalf("expected %d waits, got %d", tc.wantWaits, waits)
			}
		})
	}
}

func TestAlignLatchesNextEdge(t *testing.T) {
	mock, clock := newFakeMock(sdr.MockConfig{DeviceOffset: -3.4})
	a := NewAligner(mock)
	a.Sleep = fakeSleep(clock)

	report, err := a.Align(context.Background())
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if report.Skew != 0 {
		t.Fatalf("expected zero skew, got %v", report.Skew)
	}
	if !report.LastPPS.Equal(timespec.FromInt(1002)) || !report.Reference.Equal(timespec.FromInt(1002)) {
		t.Fatalf("unexpected report %+v", report)
	}
	if clockSrc, timeSrc := mock.Sources(); clockSrc != sdr.SourceGPSDO || timeSrc != sdr.SourceGPSDO {
		t.Fatalf("sources not set: %q %q", clockSrc, timeSrc)
	}
	if mock.SensorReads(sdr.SensorGPGGA) != 1 || mock.SensorReads(sdr.SensorGPRMC) != 1 {
		t.Fatalf("expected nmea sensors to be logged once")
	}
	if got := clock.Now(); !got.Equal(time.Unix(1002, 300_000_000)) {
		t.Fatalf("expected a 2s settle, clock at %v", got)
	}
}

func TestAlignTwiceDoesNotRegress(t *testing.T) {
	for _, settle := range []time.Duration{500 * time.Millisecond, DefaultSettle} {
		mock, clock := newFakeMock(sdr.MockConfig{DeviceOffset: -3.4, LateApplyEdges: 0})
		a := &Aligner{Device: mock, Settle: settle, Sleep: fakeSleep(clock)}

		first, err := a.Align(context.Background())
		if err != nil {
			t.Fatalf("first align: %v", err)
		}
		second, err := a.Align(context.Background())
		if err != nil {
			t.Fatalf("second align: %v", err)
		}
		if second.Skew > first.Skew {
			t.Fatalf("settle %s: skew regressed from %v to %v", settle, first.Skew, second.Skew)
		}
	}
}

func TestAlignReportsSkewWithoutFailing(t *testing.T) {
	mock, clock := newFakeMock(sdr.MockConfig{DeviceOffset: -3.4, LateApplyEdges: 5})
	a := &Aligner{Device: mock, Sleep: fakeSleep(clock)}
	report, err := a.Align(context.Background())
	if err != nil {
		t.Fatalf("skew must not fail alignment: %v", err)
	}
	if report.Skew < 3 {
		t.Fatalf("expected the late-latching device to leave skew, got %v", report.Skew)
	}
}

func TestAlignWaitsForEdge(t *testing.T) {
	mock, clock := newFakeMock(sdr.MockConfig{})
	a := &Aligner{Device: mock, WaitForEdge: true, Sleep: fakeSleep(clock)}

	report, err := a.Align(context.Background())
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	// Edge at 1001.0, guard 0.2s, settle 2s.
	if got := clock.Now(); !got.Equal(time.Unix(1003, 200_000_000)) {
		t.Fatalf("unexpected clock %v", got)
	}
	if !report.LastPPS.Equal(timespec.FromInt(1003)) || report.Skew != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestAlignCancelledDuringSettle(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aligner{Device: mock, Sleep: func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	if _, err := a.Align(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestHoldoverMonitor(t *testing.T) {
	mock, clock := newFakeMock(sdr.MockConfig{LockSequence: []bool{true, false}})
	h := &HoldoverMonitor{Device: mock, Holdover: 30 * time.Second, CheckInterval: time.Second, Now: clock.Now}

	steps := []struct {
		advance time.Duration
		fail    bool
	}{
		{0, false},                      // locked
		{500 * time.Millisecond, false}, // rate limited, no read
		{10 * time.Second, false},       // lost 10s
		{10 * time.Second, false},       // lost 20s
		{20 * time.Second, true},        // lost 40s
	}
	for i, step := range steps {
		clock.Advance(step.advance)
		err := h.Check()
		if step.fail != (err != nil) {
			t.Fatalf("step %d: unexpected result %v", i, err)
		}
		if err != nil && !stderrors.Is(err, ErrHoldoverExceeded) {
			t.Fatalf("step %d: expected ErrHoldoverExceeded, got %v", i, err)
		}
	}
	if reads := mock.SensorReads(sdr.SensorGPSLocked); reads != 4 {
		t.Fatalf("expected 4 rate-limited reads, got %d", reads)
	}
}

func TestHoldoverDisabled(t *testing.T) {
	mock, _ := newFakeMock(sdr.MockConfig{LockSequence: []bool{false}})
	h := NewHoldoverMonitor(mock, 0)
	if err := h.Check(); err != nil {
		t.Fatalf("disabled monitor failed: %v", err)
	}
	if mock.SensorReads(sdr.SensorGPSLocked) != 0 {
		t.Fatalf("disabled monitor read the sensor")
	}
}
