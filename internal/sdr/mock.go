package sdr

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rjboer/ppsrx/internal/timespec"
)

// MockRecv scripts the outcome of one receive call on a Mock stream.
type MockRecv struct {
	Samples int
	Code    ErrorCode
	Detail  string
}

// MockConfig controls the simulated radio.
type MockConfig struct {
	RxChannels int
	TxChannels int
	Clock      Clock
	// ReferenceOffset shifts the GPS reference time relative to Clock.Now().
	ReferenceOffset time.Duration
	// DeviceOffset is the free-running device clock error, in seconds,
	// before any PPS alignment.
	DeviceOffset float64
	// LockSequence is returned by successive gps_locked reads; the last entry
	// repeats. Empty means always locked.
	LockSequence []bool
	// LateApplyEdges delays visibility of an armed PPS time by this many
	// edges, modelling hardware that latches one edge late.
	LateApplyEdges     int
	MaxSamplesPerBlock int
	// SeparateBuffers models a transport with one buffer per channel.
	SeparateBuffers bool
	// Scripted replaces free-running delivery with Script. Calls beyond
	// the script time out, so an empty script times out on the first call.
	Scripted bool
	Script   []MockRecv
	// StreamDuration bounds free-running delivery; after it elapses every
	// receive times out. Zero streams forever.
	StreamDuration time.Duration
	ToneHz         float64
	GPGGA          string
	GPRMC          string
}

// MockSDR simulates a GPSDO-equipped radio with a PPS-latched clock.
type MockSDR struct {
	mu  sync.Mutex
	cfg MockConfig

	clockSource string
	timeSource  string
	rxRate      float64
	sensorReads map[string]int

	synced     bool
	syncValue  timespec.Time
	syncEdge   int64
	hasPending bool
	pendValue  timespec.Time
	pendEdge   int64

	commands     []StreamCommand
	recvTimeouts []time.Duration
	streams      []*mockStream
	closed       bool
}

func NewMock(cfg MockConfig) *MockSDR {
	if cfg.RxChannels == 0 {
		cfg.RxChannels = 2
	}
	if cfg.TxChannels == 0 {
		cfg.TxChannels = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.MaxSamplesPerBlock <= 0 {
		cfg.MaxSamplesPerBlock = 2040
	}
	if cfg.GPGGA == "" {
		cfg.GPGGA = "$GPGGA,000000.00,0000.0000,N,00000.0000,E,1,08,1.0,0.0,M,0.0,M,,*47"
	}
	if cfg.GPRMC == "" {
		cfg.GPRMC = "$GPRMC,000000.00,A,0000.0000,N,00000.0000,E,0.0,0.0,010100,,,A*6C"
	}
	return &MockSDR{cfg: cfg, sensorReads: make(map[string]int)}
}

func (m *MockSDR) ChannelCount(dir Direction) (int, error) {
	if dir == TX {
		return m.cfg.TxChannels, nil
	}
	return m.cfg.RxChannels, nil
}

func (m *MockSDR) SetClockSource(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clockSource = name
	return nil
}

func (m *MockSDR) SetTimeSource(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeSource = name
	return nil
}

// Sources returns the configured clock and time source names.
func (m *MockSDR) Sources() (clock, tm string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clockSource, m.timeSource
}

func (m *MockSDR) reference() timespec.Time {
	now := m.cfg.Clock.Now().Add(m.cfg.ReferenceOffset)
	return timespec.New(now.Unix(), float64(now.Nanosecond())/1e9)
}

func (m *MockSDR) ReadSensor(name string) (SensorValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.sensorReads[name]
	m.sensorReads[name] = count + 1

	switch name {
	case SensorGPSLocked:
		locked := true
		if n := len(m.cfg.LockSequence); n > 0 {
			if count >= n {
				count = n - 1
			}
			locked = m.cfg.LockSequence[count]
		}
		return SensorValue{Name: name, Value: fmt.Sprintf("%t", locked)}, nil
	case SensorGPSTime:
		return SensorValue{Name: name, Value: fmt.Sprintf("%d", m.reference().Full)}, nil
	case SensorGPGGA:
		return SensorValue{Name: name, Value: m.cfg.GPGGA}, nil
	case SensorGPRMC:
		return SensorValue{Name: name, Value: m.cfg.GPRMC}, nil
	}
	return SensorValue{}, fmt.Errorf("%s: %w", name, ErrSensorNotFound)
}

// SensorReads returns how many times a sensor was read.
func (m *MockSDR) SensorReads(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sensorReads[name]
}

func (m *MockSDR) SetTimeNextPPS(t timespec.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasPending = true
	m.pendValue = t
	m.pendEdge = m.reference().Full + 1
	return nil
}

// edgeValue returns the device time latched at reference edge e. Callers hold mu.
func (m *MockSDR) edgeValue(e int64) timespec.Time {
	if m.hasPending && e >= m.pendEdge+int64(m.cfg.LateApplyEdges) {
		m.synced = true
		m.syncValue = m.pendValue
		m.syncEdge = m.pendEdge
		m.hasPending = false
	}
	if m.synced && e >= m.syncEdge {
		return m.syncValue.Add(float64(e - m.syncEdge))
	}
	return timespec.FromInt(e).Add(m.cfg.DeviceOffset)
}

func (m *MockSDR) TimeLastPPS() (timespec.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edgeValue(m.reference().Full), nil
}

// deviceNow returns the current device time. Callers hold mu.
func (m *MockSDR) deviceNow() timespec.Time {
	ref := m.reference()
	edge := m.edgeValue(ref.Full)
	return edge.Add(ref.Frac)
}

func (m *MockSDR) SetRxRate(rate float64) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("invalid rx rate %v", rate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxRate = rate
	return nil
}

// RxRate returns the last configured receive rate.
func (m *MockSDR) RxRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxRate
}

func (m *MockSDR) OpenRxStream(args StreamArgs) (Stream, error) {
	if args.CPUFormat != "" && args.CPUFormat != CPUFormatFC32 {
		return nil, fmt.Errorf("unsupported cpu format %q", args.CPUFormat)
	}
	if _, err := ParseWireFormat(args.WireFormat); err != nil {
		return nil, err
	}
	if len(args.Channels) == 0 {
		return nil, errors.New("no channels requested")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("device closed")
	}
	rate := m.rxRate
	if rate == 0 {
		rate = 1e6
	}
	s := &mockStream{
		dev:      m,
		channels: append([]int(nil), args.Channels...),
		rate:     rate,
		script:   append([]MockRecv(nil), m.cfg.Script...),
	}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *MockSDR) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// StreamCommands returns every stream command issued on any stream.
func (m *MockSDR) StreamCommands() []StreamCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StreamCommand(nil), m.commands...)
}

// StopCount returns how many stop commands were issued.
func (m *MockSDR) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if c.Mode == StreamModeStopContinuous {
			n++
		}
	}
	return n
}

// RecvTimeouts returns the timeout passed to each receive call, in order.
func (m *MockSDR) RecvTimeouts() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.recvTimeouts...)
}

type mockStream struct {
	dev      *MockSDR
	channels []int
	rate     float64
	script   []MockRecv

	started   bool
	stopped   bool
	late      bool
	startTime timespec.Time
	next      timespec.Time
	delivered uint64
	closed    bool
}

func (s *mockStream) NumChannels() int           { return len(s.channels) }
func (s *mockStream) MaxSamplesPerBlock() int    { return s.dev.cfg.MaxSamplesPerBlock }
func (s *mockStream) SharesPhysicalBuffer() bool { return !s.dev.cfg.SeparateBuffers }

func (s *mockStream) IssueStreamCmd(cmd StreamCommand) error {
	m := s.dev
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	m.commands = append(m.commands, cmd)
	switch cmd.Mode {
	case StreamModeStopContinuous:
		s.stopped = true
	default:
		now := m.deviceNow()
		s.started = true
		s.stopped = false
		s.startTime = now
		if !cmd.StreamNow {
			s.startTime = cmd.Time
			s.late = cmd.Time.Before(now)
		}
		s.next = s.startTime
	}
	return nil
}

func (s *mockStream) Recv(buffs [][]complex64, maxSamples int, timeout time.Duration, _ bool) (int, RxMetadata, error) {
	m := s.dev
	m.mu.Lock()
	m.recvTimeouts = append(m.recvTimeouts, timeout)
	m.mu.Unlock()

	if len(buffs) != len(s.channels) {
		return 0, RxMetadata{}, fmt.Errorf("got %d buffers for %d channels", len(buffs), len(s.channels))
	}
	if maxSamples > s.MaxSamplesPerBlock() {
		maxSamples = s.MaxSamplesPerBlock()
	}
	for _, b := range buffs {
		if len(b) < maxSamples {
			return 0, RxMetadata{}, fmt.Errorf("buffer of %d samples is smaller than request %d", len(b), maxSamples)
		}
	}

	if m.cfg.Scripted {
		return s.recvScripted(buffs, maxSamples)
	}
	return s.recvFreeRunning(buffs, maxSamples, timeout)
}

func (s *mockStream) recvScripted(buffs [][]complex64, maxSamples int) (int, RxMetadata, error) {
	if len(s.script) == 0 {
		return 0, RxMetadata{ErrorCode: ErrorCodeTimeout}, nil
	}
	step := s.script[0]
	s.script = s.script[1:]
	if step.Code != ErrorCodeNone {
		return 0, RxMetadata{ErrorCode: step.Code, Detail: step.Detail}, nil
	}
	n := step.Samples
	if n > maxSamples {
		n = maxSamples
	}
	md := RxMetadata{ErrorCode: ErrorCodeNone, TimeSpec: s.next, HasTimeSpec: true, StartOfBurst: s.delivered == 0}
	s.fill(buffs, n)
	return n, md, nil
}

func (s *mockStream) recvFreeRunning(buffs [][]complex64, maxSamples int, timeout time.Duration) (int, RxMetadata, error) {
	m := s.dev
	clock := m.cfg.Clock

	m.mu.Lock()
	if !s.started || s.stopped || s.closed {
		m.mu.Unlock()
		clock.Sleep(timeout)
		return 0, RxMetadata{ErrorCode: ErrorCodeTimeout}, nil
	}
	if s.late {
		s.late = false
		m.mu.Unlock()
		return 0, RxMetadata{ErrorCode: ErrorCodeLateCommand}, nil
	}
	now := m.deviceNow()
	m.mu.Unlock()

	if wait := s.startTime.Sub(now); wait > 0 {
		d := secondsToDuration(wait)
		if d > timeout {
			clock.Sleep(timeout)
			return 0, RxMetadata{ErrorCode: ErrorCodeTimeout}, nil
		}
		clock.Sleep(d)
	}
	if d := m.cfg.StreamDuration; d > 0 && s.delivered >= uint64(math.Round(d.Seconds()*s.rate)) {
		clock.Sleep(timeout)
		return 0, RxMetadata{ErrorCode: ErrorCodeTimeout}, nil
	}

	n := maxSamples
	md := RxMetadata{ErrorCode: ErrorCodeNone, TimeSpec: s.next, HasTimeSpec: true, StartOfBurst: s.delivered == 0}
	s.fill(buffs, n)

	m.mu.Lock()
	now = m.deviceNow()
	m.mu.Unlock()
	if ahead := s.next.Sub(now); ahead > 0 {
		clock.Sleep(secondsToDuration(ahead))
	}
	return n, md, nil
}

// fill writes n tone samples and advances the stream timeline.
func (s *mockStream) fill(buffs [][]complex64, n int) {
	targets := buffs
	if s.SharesPhysicalBuffer() {
		targets = buffs[:1]
	}
	step := 2 * math.Pi * s.dev.cfg.ToneHz / s.rate
	for i := 0; i < n; i++ {
		sin, cos := math.Sincos(step * float64(s.delivered+uint64(i)))
		v := complex(float32(cos), float32(sin))
		for _, b := range targets {
			b[i] = v
		}
	}
	s.delivered += uint64(n)
	s.next = s.next.Add(float64(n) / s.rate)
}

func (s *mockStream) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.closed = true
	return nil
}

// secondsToDuration rounds up so a sleep never ends before the target time.
func secondsToDuration(secs float64) time.Duration {
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}
