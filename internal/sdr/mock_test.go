package sdr

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rjboer/ppsrx/internal/timespec"
)

func newFakeMock(cfg MockConfig) (*MockSDR, *FakeClock) {
	clock := NewFakeClock(time.Unix(1000, 300_000_000))
	cfg.Clock = clock
	return NewMock(cfg), clock
}

func TestMockLockSequence(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{LockSequence: []bool{false, false, true}})
	want := []bool{false, false, true, true}
	for i, w := range want {
		v, err := mock.ReadSensor(SensorGPSLocked)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got, err := v.Bool()
		if err != nil || got != w {
			t.Fatalf("read %d: got %v (%v) want %v", i, got, err, w)
		}
	}
	if mock.SensorReads(SensorGPSLocked) != len(want) {
		t.Fatalf("unexpected read count %d", mock.SensorReads(SensorGPSLocked))
	}
}

func TestMockUnknownSensor(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{})
	if _, err := mock.ReadSensor("ref_locked"); !errors.Is(err, ErrSensorNotFound) {
		t.Fatalf("expected ErrSensorNotFound, got %v", err)
	}
}

func TestMockGPSTimeTracksClock(t *testing.T) {
	mock, clock := newFakeMock(MockConfig{})
	v, _ := mock.ReadSensor(SensorGPSTime)
	if n, err := v.Int(); err != nil || n != 1000 {
		t.Fatalf("gps_time = %d (%v), want 1000", n, err)
	}
	clock.Advance(1500 * time.Millisecond)
	v, _ = mock.ReadSensor(SensorGPSTime)
	if n, _ := v.Int(); n != 1001 {
		t.Fatalf("gps_time = %d, want 1001", n)
	}
}

func TestMockSetTimeNextPPSAppliesAtNextEdge(t *testing.T) {
	mock, clock := newFakeMock(MockConfig{DeviceOffset: -0.4})

	before, _ := mock.TimeLastPPS()
	if math.Abs(before.Sub(timespec.FromInt(1000))+0.4) > 1e-9 {
		t.Fatalf("unsynced last pps = %s", before)
	}
	if err := mock.SetTimeNextPPS(timespec.FromInt(1001)); err != nil {
		t.Fatalf("arm: %v", err)
	}
	clock.Advance(time.Second)
	after, _ := mock.TimeLastPPS()
	if !after.Equal(timespec.FromInt(1001)) {
		t.Fatalf("last pps after edge = %s, want 1001", after)
	}
	clock.Advance(time.Second)
	after, _ = mock.TimeLastPPS()
	if !after.Equal(timespec.FromInt(1002)) {
		t.Fatalf("last pps two edges later = %s, want 1002", after)
	}
}

func TestMockLateApplyEdges(t *testing.T) {
	mock, clock := newFakeMock(MockConfig{DeviceOffset: 0.5, LateApplyEdges: 1})
	_ = mock.SetTimeNextPPS(timespec.FromInt(1001))
	clock.Advance(time.Second)
	got, _ := mock.TimeLastPPS()
	if got.Equal(timespec.FromInt(1001)) {
		t.Fatalf("late-latching device applied armed time on the first edge")
	}
	clock.Advance(time.Second)
	got, _ = mock.TimeLastPPS()
	if !got.Equal(timespec.FromInt(1002)) {
		t.Fatalf("last pps = %s, want 1002", got)
	}
}

func TestMockScriptedRecv(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{
		MaxSamplesPerBlock: 16,
		Scripted:           true,
		Script: []MockRecv{
			{Samples: 16},
			{Samples: 8},
			{Code: ErrorCodeOverflow, Detail: "D"},
		},
	})
	st, err := mock.OpenRxStream(StreamArgs{CPUFormat: CPUFormatFC32, Channels: []int{0, 1}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := make([]complex64, 16)
	buffs := [][]complex64{buf, buf}
	for i, want := range []int{16, 8} {
		n, md, err := st.Recv(buffs, 16, time.Second, false)
		if err != nil || md.ErrorCode != ErrorCodeNone || n != want {
			t.Fatalf("recv %d: n=%d code=%s err=%v", i, n, md.ErrorCode, err)
		}
	}
	_, md, _ := st.Recv(buffs, 16, time.Second, false)
	if md.ErrorCode != ErrorCodeOverflow || md.Detail != "D" {
		t.Fatalf("expected scripted overflow, got %+v", md)
	}
	_, md, _ = st.Recv(buffs, 16, time.Second, false)
	if md.ErrorCode != ErrorCodeTimeout {
		t.Fatalf("exhausted script should time out, got %s", md.ErrorCode)
	}
	if len(mock.RecvTimeouts()) != 4 {
		t.Fatalf("expected 4 recorded receive calls, got %d", len(mock.RecvTimeouts()))
	}
}

func TestMockEmptyScriptTimesOut(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{MaxSamplesPerBlock: 16, Scripted: true})
	st, err := mock.OpenRxStream(StreamArgs{Channels: []int{0}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	n, md, err := st.Recv([][]complex64{make([]complex64, 16)}, 16, time.Second, false)
	if err != nil || n != 0 || md.ErrorCode != ErrorCodeTimeout {
		t.Fatalf("empty script: n=%d code=%s err=%v", n, md.ErrorCode, err)
	}
}

func TestMockRecvRejectsWrongBufferCount(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{})
	st, _ := mock.OpenRxStream(StreamArgs{Channels: []int{0, 1}})
	if _, _, err := st.Recv([][]complex64{make([]complex64, 8)}, 8, time.Second, false); err == nil {
		t.Fatalf("expected error for single buffer on two channels")
	}
}

func TestMockFreeRunningWaitsForStartTime(t *testing.T) {
	mock, clock := newFakeMock(MockConfig{MaxSamplesPerBlock: 100, StreamDuration: 10 * time.Millisecond})
	_ = mock.SetRxRate(10_000)
	st, _ := mock.OpenRxStream(StreamArgs{Channels: []int{0}})

	start := timespec.FromInt(1003)
	if err := st.IssueStreamCmd(StreamCommand{Mode: StreamModeStartContinuous, Time: start}); err != nil {
		t.Fatalf("start: %v", err)
	}
	buffs := [][]complex64{make([]complex64, 100)}

	// 2.7s away: a 1s receive times out.
	_, md, _ := st.Recv(buffs, 100, time.Second, false)
	if md.ErrorCode != ErrorCodeTimeout {
		t.Fatalf("expected timeout before start, got %s", md.ErrorCode)
	}
	n, md, _ := st.Recv(buffs, 100, 3*time.Second, false)
	if md.ErrorCode != ErrorCodeNone || n != 100 {
		t.Fatalf("expected first block, got n=%d code=%s", n, md.ErrorCode)
	}
	if !md.TimeSpec.Equal(start) || !md.StartOfBurst {
		t.Fatalf("first block stamped %s, want %s", md.TimeSpec, start)
	}
	if clock.Now().Before(time.Unix(1003, 0)) {
		t.Fatalf("clock did not reach the start time: %v", clock.Now())
	}

	// 10ms at 10kS/s is exactly one block.
	_, md, _ = st.Recv(buffs, 100, 100*time.Millisecond, false)
	if md.ErrorCode != ErrorCodeTimeout {
		t.Fatalf("expected timeout after stream duration, got %s", md.ErrorCode)
	}
}

func TestMockLateCommand(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{})
	st, _ := mock.OpenRxStream(StreamArgs{Channels: []int{0}})
	_ = st.IssueStreamCmd(StreamCommand{Mode: StreamModeStartContinuous, Time: timespec.FromInt(900)})
	_, md, _ := st.Recv([][]complex64{make([]complex64, 8)}, 8, time.Second, false)
	if md.ErrorCode != ErrorCodeLateCommand {
		t.Fatalf("expected late command, got %s", md.ErrorCode)
	}
}

func TestMockCountsStops(t *testing.T) {
	mock, _ := newFakeMock(MockConfig{})
	st, _ := mock.OpenRxStream(StreamArgs{Channels: []int{0}})
	_ = st.IssueStreamCmd(StreamCommand{Mode: StreamModeStartContinuous, StreamNow: true})
	_ = st.IssueStreamCmd(StreamCommand{Mode: StreamModeStopContinuous, StreamNow: true})
	if mock.StopCount() != 1 || len(mock.StreamCommands()) != 2 {
		t.Fatalf("unexpected command log %+v", mock.StreamCommands())
	}
}
