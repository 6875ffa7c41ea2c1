package sdr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/ppsrx/internal/connectionmgr"
	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/timespec"
)

// SensorReader reads a named sensor through a side channel.
type SensorReader interface {
	ReadSensor(ctx context.Context, name string) (string, error)
}

// RemoteConfig configures a networked radio daemon connection.
type RemoteConfig struct {
	Address string
	// Timeout bounds every control exchange.
	Timeout time.Duration
	// RecvGrace is added to the receive timeout to form the socket deadline,
	// leaving the daemon time to report its own timeout.
	RecvGrace time.Duration
	// Fallback serves sensors the daemon reports as missing.
	Fallback SensorReader
	Logger   logging.Logger
}

// Remote drives a radio daemon over the line-oriented control protocol.
type Remote struct {
	mgr *connectionmgr.Manager
	cfg RemoteConfig
	log logging.Logger
}

// DialRemote connects to the daemon at cfg.Address.
func DialRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	mgr := connectionmgr.New(cfg.Address)
	if cfg.Timeout > 0 {
		mgr.Timeout = cfg.Timeout
	}
	r := NewRemote(mgr, cfg)
	if err := mgr.Connect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRemote wraps an existing manager. The manager must be connected before
// the first call.
func NewRemote(mgr *connectionmgr.Manager, cfg RemoteConfig) *Remote {
	if cfg.RecvGrace <= 0 {
		cfg.RecvGrace = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.F("subsystem", "remote"), logging.F("address", cfg.Address))
	mgr.SetLogger(logger)
	return &Remote{mgr: mgr, cfg: cfg, log: logger}
}

func (r *Remote) ChannelCount(dir Direction) (int, error) {
	return r.mgr.ExecCommand("NCHAN " + dir.String())
}

func (r *Remote) SetClockSource(name string) error {
	_, err := r.mgr.ExecCommand("CLOCKSRC " + name)
	return err
}

func (r *Remote) SetTimeSource(name string) error {
	_, err := r.mgr.ExecCommand("TIMESRC " + name)
	return err
}

func (r *Remote) ReadSensor(name string) (SensorValue, error) {
	v, err := r.mgr.QueryString("SENSOR " + name)
	if err == nil {
		return SensorValue{Name: name, Value: strings.TrimSpace(v)}, nil
	}
	var se *connectionmgr.StatusError
	if !errors.As(err, &se) || se.Errno() != connectionmgr.ENOENT {
		return SensorValue{}, err
	}
	if r.cfg.Fallback == nil {
		return SensorValue{}, fmt.Errorf("%s: %w", name, ErrSensorNotFound)
	}
	r.log.Debug("sensor missing on daemon, using fallback", logging.F("sensor", name))
	ctx, cancel := context.WithTimeout(context.Background(), r.mgr.Timeout)
	defer cancel()
	v, err = r.cfg.Fallback.ReadSensor(ctx, name)
	if err != nil {
		return SensorValue{}, fmt.Errorf("fallback sensor %s: %w", name, err)
	}
	return SensorValue{Name: name, Value: strings.TrimSpace(v)}, nil
}

func (r *Remote) SetTimeNextPPS(t timespec.Time) error {
	_, err := r.mgr.ExecCommand(fmt.Sprintf("SETPPS %d %.9f", t.Full, t.Frac))
	return err
}

func (r *Remote) TimeLastPPS() (timespec.Time, error) {
	v, err := r.mgr.QueryString("GETPPS")
	if err != nil {
		return timespec.Time{}, err
	}
	return parseTimeFields(strings.Fields(v))
}

func (r *Remote) SetRxRate(rate float64) error {
	_, err := r.mgr.ExecCommand("RXRATE " + strconv.FormatFloat(rate, 'f', -1, 64))
	return err
}

func (r *Remote) OpenRxStream(args StreamArgs) (Stream, error) {
	wire, err := ParseWireFormat(args.WireFormat)
	if err != nil {
		return nil, err
	}
	cpu := args.CPUFormat
	if cpu == "" {
		cpu = CPUFormatFC32
	}
	chans := make([]string, len(args.Channels))
	for i, ch := range args.Channels {
		chans[i] = strconv.Itoa(ch)
	}
	reply, err := r.mgr.QueryString(fmt.Sprintf("OPEN %s %s %s", cpu, wire, strings.Join(chans, ",")))
	if err != nil {
		return nil, err
	}
	f := strings.Fields(reply)
	if len(f) != 3 {
		return nil, fmt.Errorf("malformed OPEN reply %q", reply)
	}
	id, err1 := strconv.Atoi(f[0])
	maxSamps, err2 := strconv.Atoi(f[1])
	if err1 != nil || err2 != nil || maxSamps <= 0 {
		return nil, fmt.Errorf("malformed OPEN reply %q", reply)
	}
	shared := f[2] == "1"

	planes := len(args.Channels)
	if shared {
		planes = 1
	}
	return &remoteStream{
		dev:      r,
		id:       id,
		nch:      len(args.Channels),
		maxSamps: maxSamps,
		shared:   shared,
		wire:     wire,
		payload:  make([]byte, recvHeaderMax+maxSamps*wire.BytesPerSample()*planes+1),
	}, nil
}

func (r *Remote) Close() error {
	return r.mgr.Close()
}

func parseTimeFields(f []string) (timespec.Time, error) {
	if len(f) != 2 {
		return timespec.Time{}, fmt.Errorf("malformed time %q", strings.Join(f, " "))
	}
	full, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return timespec.Time{}, fmt.Errorf("malformed time: %w", err)
	}
	frac, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return timespec.Time{}, fmt.Errorf("malformed time: %w", err)
	}
	return timespec.New(full, frac), nil
}

// Receive payload header flags.
const (
	recvFlagHasTime = 1 << iota
	recvFlagStartOfBurst
	recvFlagEndOfBurst
	recvFlagOutOfSequence
)

const recvHeaderMax = 128

type remoteStream struct {
	dev      *Remote
	id       int
	nch      int
	maxSamps int
	shared   bool
	wire     WireFormat
	payload  []byte
	closed   bool
}

func (s *remoteStream) NumChannels() int           { return s.nch }
func (s *remoteStream) MaxSamplesPerBlock() int    { return s.maxSamps }
func (s *remoteStream) SharesPhysicalBuffer() bool { return s.shared }

func (s *remoteStream) IssueStreamCmd(cmd StreamCommand) error {
	mgr := s.dev.mgr
	if mgr.Desynchronized() {
		if cmd.Mode != StreamModeStopContinuous {
			return connectionmgr.ErrDesynchronized
		}
		// The daemon stops every stream of a dropped client.
		s.dev.log.Warn("control connection desynchronized, stopping stream by disconnecting", logging.F("stream", s.id))
		return mgr.Close()
	}
	now := 0
	if cmd.StreamNow {
		now = 1
	}
	_, err := mgr.ExecCommand(fmt.Sprintf("STREAMCMD %d %s %d %d %.9f %d",
		s.id, cmd.Mode, now, cmd.Time.Full, cmd.Time.Frac, cmd.NumSamps))
	return err
}

func (s *remoteStream) Recv(buffs [][]complex64, maxSamples int, timeout time.Duration, onePacket bool) (int, RxMetadata, error) {
	if len(buffs) != s.nch {
		return 0, RxMetadata{}, fmt.Errorf("got %d buffers for %d channels", len(buffs), s.nch)
	}
	if maxSamples > s.maxSamps {
		maxSamples = s.maxSamps
	}
	ms := timeout.Milliseconds()
	cmd := fmt.Sprintf("RECV %d %d %d", s.id, maxSamples, ms)
	if onePacket {
		cmd += " 1"
	}
	n, err := s.dev.mgr.QueryInto(cmd, timeout+s.dev.cfg.RecvGrace, s.payload)
	if err != nil {
		if connectionmgr.IsTimeout(err) {
			return 0, RxMetadata{ErrorCode: ErrorCodeTimeout, Detail: "socket deadline"}, nil
		}
		return 0, RxMetadata{}, err
	}
	return s.decode(s.payload[:n], buffs, maxSamples)
}

// decode parses "code nsamps full frac flags\n" followed by sample planes.
func (s *remoteStream) decode(payload []byte, buffs [][]complex64, maxSamples int) (int, RxMetadata, error) {
	// A reply without sample planes is the header alone.
	header, data := payload, []byte(nil)
	if nl := bytes.IndexByte(payload, '\n'); nl >= 0 {
		header, data = payload[:nl], payload[nl+1:]
	}
	f := strings.Fields(string(header))
	if len(f) < 5 {
		return 0, RxMetadata{}, fmt.Errorf("malformed receive header %q", header)
	}
	code, err := strconv.Atoi(f[0])
	if err != nil {
		return 0, RxMetadata{}, fmt.Errorf("malformed receive header: %w", err)
	}
	n, err := strconv.Atoi(f[1])
	if err != nil || n < 0 || n > maxSamples {
		return 0, RxMetadata{}, fmt.Errorf("malformed receive sample count %q", f[1])
	}
	ts, err := parseTimeFields(f[2:4])
	if err != nil {
		return 0, RxMetadata{}, err
	}
	flags, err := strconv.Atoi(f[4])
	if err != nil {
		return 0, RxMetadata{}, fmt.Errorf("malformed receive flags: %w", err)
	}
	md := RxMetadata{
		ErrorCode:     ErrorCode(code),
		TimeSpec:      ts,
		HasTimeSpec:   flags&recvFlagHasTime != 0,
		StartOfBurst:  flags&recvFlagStartOfBurst != 0,
		EndOfBurst:    flags&recvFlagEndOfBurst != 0,
		OutOfSequence: flags&recvFlagOutOfSequence != 0,
		Detail:        strings.Join(f[5:], " "),
	}

	plane := n * s.wire.BytesPerSample()
	targets := buffs
	if s.shared {
		targets = buffs[:1]
	}
	if len(data) != plane*len(targets) {
		return 0, md, fmt.Errorf("receive payload holds %d bytes, want %d", len(data), plane*len(targets))
	}
	for k, dst := range targets {
		if _, err := DecodeSamples(s.wire, data[k*plane:(k+1)*plane], dst); err != nil {
			return 0, md, err
		}
	}
	return n, md, nil
}

func (s *remoteStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.dev.mgr.Desynchronized() {
		return nil
	}
	_, err := s.dev.mgr.ExecCommand(fmt.Sprintf("CLOSE %d", s.id))
	return err
}
