package sdr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/ppsrx/internal/timespec"
)

// Sensor names exposed by GPSDO-equipped radios.
const (
	SensorGPSLocked = "gps_locked"
	SensorGPSTime   = "gps_time"
	SensorGPGGA     = "gps_gpgga"
	SensorGPRMC     = "gps_gprmc"
)

// SourceGPSDO is the clock/time source name of an internal GPS-disciplined oscillator.
const SourceGPSDO = "gpsdo"

// CPUFormatFC32 is the in-memory sample format: complex float32.
const CPUFormatFC32 = "fc32"

// Direction selects the receive or transmit side of a device.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Device captures the radio operations required by the acquisition pipeline.
// A Device is owned by a single caller; implementations need not be safe for
// concurrent configuration.
type Device interface {
	ChannelCount(dir Direction) (int, error)
	SetClockSource(name string) error
	SetTimeSource(name string) error
	ReadSensor(name string) (SensorValue, error)
	// SetTimeNextPPS arms the device clock to become t at the next PPS edge.
	SetTimeNextPPS(t timespec.Time) error
	// TimeLastPPS returns the device time latched at the most recent PPS edge.
	TimeLastPPS() (timespec.Time, error)
	SetRxRate(rate float64) error
	OpenRxStream(args StreamArgs) (Stream, error)
	Close() error
}

// Stream is an open receive streamer bound to a set of channels.
type Stream interface {
	NumChannels() int
	MaxSamplesPerBlock() int
	// SharesPhysicalBuffer reports whether the transport multiplexes all
	// channels into one interleaved stream, so every channel slot may point at
	// the same buffer memory.
	SharesPhysicalBuffer() bool
	IssueStreamCmd(cmd StreamCommand) error
	// Recv fills buffs with at most maxSamples samples per channel and must
	// return no later than timeout. A non-nil error means the transport itself
	// failed; device-reported conditions are carried in RxMetadata.
	Recv(buffs [][]complex64, maxSamples int, timeout time.Duration, onePacket bool) (int, RxMetadata, error)
	Close() error
}

// StreamArgs selects formats and channels for a receive stream.
type StreamArgs struct {
	CPUFormat  string
	WireFormat string
	Channels   []int
}

// StreamMode mirrors the device stream command modes.
type StreamMode int

const (
	StreamModeStartContinuous StreamMode = iota
	StreamModeStopContinuous
	StreamModeNumSampsAndDone
	StreamModeNumSampsAndMore
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeStartContinuous:
		return "start_continuous"
	case StreamModeStopContinuous:
		return "stop_continuous"
	case StreamModeNumSampsAndDone:
		return "num_done"
	case StreamModeNumSampsAndMore:
		return "num_more"
	default:
		return "unknown"
	}
}

// StreamCommand starts or stops sample delivery, optionally at a device time.
type StreamCommand struct {
	Mode      StreamMode
	StreamNow bool
	Time      timespec.Time
	NumSamps  uint64
}

// ErrorCode classifies the outcome of a receive call.
type ErrorCode int

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeTimeout
	ErrorCodeLateCommand
	ErrorCodeBrokenChain
	ErrorCodeOverflow
	ErrorCodeAlignment
	ErrorCodeBadPacket
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeLateCommand:
		return "late_command"
	case ErrorCodeBrokenChain:
		return "broken_chain"
	case ErrorCodeOverflow:
		return "overflow"
	case ErrorCodeAlignment:
		return "alignment"
	case ErrorCodeBadPacket:
		return "bad_packet"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// RxMetadata describes a single receive call.
type RxMetadata struct {
	ErrorCode     ErrorCode
	TimeSpec      timespec.Time
	HasTimeSpec   bool
	StartOfBurst  bool
	EndOfBurst    bool
	OutOfSequence bool
	// Detail is optional extra diagnostic text supplied by the device.
	Detail string
}

// Strerror renders the device diagnostic string for the metadata.
func (md RxMetadata) Strerror() string {
	var desc string
	switch md.ErrorCode {
	case ErrorCodeNone:
		desc = "no error"
	case ErrorCodeTimeout:
		desc = "no packet received, implementation timed-out"
	case ErrorCodeLateCommand:
		desc = "a stream command was issued in the past"
	case ErrorCodeBrokenChain:
		desc = "expected another stream command"
	case ErrorCodeOverflow:
		desc = "an internal receive buffer has filled"
		if md.OutOfSequence {
			desc += " or a sequence error has been detected"
		}
	case ErrorCodeAlignment:
		desc = "multi-channel alignment failed"
	case ErrorCodeBadPacket:
		desc = "the packet could not be parsed"
	default:
		desc = "unknown error code"
	}
	s := fmt.Sprintf("ERROR_CODE_%s: %s", strings.ToUpper(md.ErrorCode.String()), desc)
	if md.Detail != "" {
		s += " (" + md.Detail + ")"
	}
	return s
}

// SensorValue is the raw textual value of a device sensor.
type SensorValue struct {
	Name  string
	Value string
}

// Bool interprets the sensor as a boolean.
func (s SensorValue) Bool() (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s.Value)) {
	case "true", "1", "yes", "locked":
		return true, nil
	case "false", "0", "no", "unlocked":
		return false, nil
	}
	return false, fmt.Errorf("sensor %s: %q is not a boolean", s.Name, s.Value)
}

// Int interprets the sensor as an integer.
func (s SensorValue) Int() (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sensor %s: %w", s.Name, err)
	}
	return v, nil
}

func (s SensorValue) String() string { return s.Value }

// DeviceConfig is the ambient clock/time source state applied once before
// alignment.
type DeviceConfig struct {
	ClockSource string
	TimeSource  string
}

// Apply programs the clock and time sources. Both calls are idempotent.
func (c DeviceConfig) Apply(dev Device) error {
	if c.ClockSource != "" {
		if err := dev.SetClockSource(c.ClockSource); err != nil {
			return fmt.Errorf("set clock source %q: %w", c.ClockSource, err)
		}
	}
	if c.TimeSource != "" {
		if err := dev.SetTimeSource(c.TimeSource); err != nil {
			return fmt.Errorf("set time source %q: %w", c.TimeSource, err)
		}
	}
	return nil
}
