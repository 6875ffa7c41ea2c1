package app

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/ppsrx/internal/handoff"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/telemetry"
	"github.com/rjboer/ppsrx/internal/timespec"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingReporter) Report(e telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingReporter) stages() []telemetry.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Stage
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Stage {
			out = append(out, e.Stage)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Lead = 2 * time.Second
	cfg.Rate = 10_000
	cfg.Channels = "0,1"
	return cfg
}

func newTestAcquirer(mock *sdr.MockSDR, clock sdr.Clock, cfg Config) (*Acquirer, *recordingReporter) {
	rec := &recordingReporter{}
	a := NewAcquirer(mock, cfg)
	a.Clock = clock
	a.Reporter = rec
	a.Metrics = metrics.New(prometheus.NewRegistry())
	return a, rec
}

func TestAcquirerEndToEnd(t *testing.T) {
	clock := sdr.NewFakeClock(time.Unix(1000, 0))
	mock := sdr.NewMock(sdr.MockConfig{
		Clock:              clock,
		DeviceOffset:       37,
		MaxSamplesPerBlock: 100,
		StreamDuration:     50 * time.Millisecond,
	})
	cfg := testConfig()
	cfg.QueueDepth = 2

	var mu sync.Mutex
	var consumed []uint64
	a, rec := newTestAcquirer(mock, clock, cfg)
	a.Consume = func(s *handoff.Slot) error {
		if s.Channels() != 2 || s.N != 100 {
			t.Errorf("unexpected slot shape %d x %d", s.Channels(), s.N)
		}
		mu.Lock()
		consumed = append(consumed, s.Seq)
		mu.Unlock()
		return nil
	}

	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Blocks != 5 || res.Samples != 500 {
		t.Fatalf("expected 5 blocks of 100 samples, got %+v", res)
	}
	// armed 1001 at the edge after 1000, settled 2s, scheduled 2s after the 1002 edge
	if !res.FirstBlock.Equal(timespec.FromInt(1004)) {
		t.Fatalf("first block at %s, want 1004", res.FirstBlock)
	}
	if first := mock.RecvTimeouts()[0]; first < 2*time.Second || first >= 2200*time.Millisecond {
		t.Fatalf("first receive timeout %s", first)
	}
	if mock.StopCount() != 1 {
		t.Fatalf("expected one stop command, got %d", mock.StopCount())
	}
	if clk, tm := mock.Sources(); clk != sdr.SourceGPSDO || tm != sdr.SourceGPSDO {
		t.Fatalf("reference sources not selected: %q %q", clk, tm)
	}
	if len(consumed) != 5 || consumed[4] != 5 {
		t.Fatalf("consumer saw %v", consumed)
	}

	want := []telemetry.Stage{telemetry.StageLockWait, telemetry.StageAligning, telemetry.StageScheduled,
		telemetry.StageStreaming, telemetry.StageDone}
	got := rec.stages()
	if len(got) != len(want) {
		t.Fatalf("stages %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages %v want %v", got, want)
		}
	}
}

func TestAcquirerRejectsConfigBeforeTouchingDevice(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{Clock: sdr.NewFakeClock(time.Unix(1000, 0))})
	cfg := testConfig()
	cfg.Lead = -time.Second
	a, rec := newTestAcquirer(mock, nil, cfg)

	_, err := a.Run(context.Background())
	if !sdr.IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if mock.SensorReads(sdr.SensorGPSLocked) != 0 || len(mock.StreamCommands()) != 0 || mock.RxRate() != 0 {
		t.Fatalf("device was touched despite invalid configuration")
	}
	if st := rec.stages(); len(st) != 1 || st[0] != telemetry.StageFailed {
		t.Fatalf("expected a single failed event, got %v", st)
	}
}

func TestAcquirerRejectsUnknownChannel(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{Clock: sdr.NewFakeClock(time.Unix(1000, 0))})
	cfg := testConfig()
	cfg.Channels = "0,5"
	a, _ := newTestAcquirer(mock, nil, cfg)
	if _, err := a.Run(context.Background()); !sdr.IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if mock.SensorReads(sdr.SensorGPSLocked) != 0 {
		t.Fatalf("lock wait started with an invalid channel list")
	}
}

func TestAcquirerPropagatesTransportError(t *testing.T) {
	clock := sdr.NewFakeClock(time.Unix(1000, 0))
	mock := sdr.NewMock(sdr.MockConfig{
		Clock:    clock,
		Scripted: true,
		Script: []sdr.MockRecv{
			{Samples: 64}, {Samples: 64},
			{Code: sdr.ErrorCodeOverflow, Detail: "rx fifo"},
		},
	})
	a, rec := newTestAcquirer(mock, clock, testConfig())

	res, err := a.Run(context.Background())
	var terr *sdr.TransportError
	if !stderrors.As(err, &terr) || terr.Code != sdr.ErrorCodeOverflow {
		t.Fatalf("expected overflow transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "ERROR_CODE_OVERFLOW") || res.Blocks != 2 {
		t.Fatalf("unexpected failure %v after %d blocks", err, res.Blocks)
	}
	if mock.StopCount() != 1 {
		t.Fatalf("expected one stop command, got %d", mock.StopCount())
	}
	st := rec.stages()
	if st[len(st)-1] != telemetry.StageFailed {
		t.Fatalf("expected failed stage last, got %v", st)
	}
}

func TestAcquirerConsumerFailureAborts(t *testing.T) {
	clock := sdr.NewFakeClock(time.Unix(1000, 0))
	mock := sdr.NewMock(sdr.MockConfig{
		Clock:    clock,
		Scripted: true,
		Script:   []sdr.MockRecv{{Samples: 8}, {Samples: 8}, {Samples: 8}, {Samples: 8}},
	})
	cfg := testConfig()
	cfg.QueueDepth = 1
	a, _ := newTestAcquirer(mock, clock, cfg)
	boom := stderrors.New("disk full")
	a.Consume = func(*handoff.Slot) error { return boom }

	_, err := a.Run(context.Background())
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected consumer failure, got %v", err)
	}
	if mock.StopCount() != 1 {
		t.Fatalf("expected one stop command, got %d", mock.StopCount())
	}
}

func TestAcquirerCancelledDuringLockWait(t *testing.T) {
	mock := sdr.NewMock(sdr.MockConfig{
		Clock:        sdr.NewFakeClock(time.Unix(1000, 0)),
		LockSequence: []bool{false},
	})
	cfg := testConfig()
	cfg.LockInterval = time.Hour
	a, rec := newTestAcquirer(mock, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for mock.SensorReads(sdr.SensorGPSLocked) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := a.Run(ctx)
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(mock.StreamCommands()) != 0 {
		t.Fatalf("stream commanded after cancellation")
	}
	for _, s := range rec.stages() {
		if s == telemetry.StageFailed {
			t.Fatalf("cancellation reported as failure")
		}
	}
}
