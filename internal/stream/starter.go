package stream

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/timespec"
)

// DefaultLead is the default delay between the last PPS edge and the start.
const DefaultLead = 5 * time.Second

// ErrNonPositiveLead rejects a start time that is not in the future.
var ErrNonPositiveLead error = sdr.NewConfigError("lead", "lead time must be positive")

// Request describes a scheduled start.
type Request struct {
	Channels   sdr.ChannelSelection
	Rate       float64
	WireFormat sdr.WireFormat
	LastPPS    timespec.Time
	Lead       time.Duration
}

// StartTime returns LastPPS + Lead.
func (r Request) StartTime() timespec.Time {
	return r.LastPPS.Add(r.Lead.Seconds())
}

func (r Request) validate() (sdr.WireFormat, error) {
	if r.Lead <= 0 {
		return "", errors.WithMessagef(ErrNonPositiveLead, "got %s", r.Lead)
	}
	if r.Channels.Empty() {
		return "", sdr.NewConfigError("channels", "empty channel selection")
	}
	if r.Rate <= 0 || math.IsNaN(r.Rate) || math.IsInf(r.Rate, 0) {
		return "", sdr.NewConfigError("rate", "sample rate must be positive, got %v", r.Rate)
	}
	return sdr.ParseWireFormat(string(r.WireFormat))
}

// Starter configures the receive rate, opens the stream and schedules the
// start.
type Starter struct {
	Device  sdr.Device
	Logger  logging.Logger
	Metrics *metrics.Collectors
}

// NewStarter returns a Starter for dev.
func NewStarter(dev sdr.Device) *Starter { return &Starter{Device: dev} }

// StartAt validates the request before touching the device. On failure
// after the stream opened, the stream is closed again.
func (s *Starter) StartAt(req Request) (*Session, error) {
	wire, err := req.validate()
	if err != nil {
		return nil, err
	}
	if err := s.Device.SetRxRate(req.Rate); err != nil {
		return nil, errors.Wrapf(err, "set rx rate %v", req.Rate)
	}
	st, err := s.Device.OpenRxStream(sdr.StreamArgs{
		CPUFormat:  sdr.CPUFormatFC32,
		WireFormat: string(wire),
		Channels:   req.Channels.Indices(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open rx stream")
	}

	sess := NewSession(st, req.Channels, wire, req.Rate, req.Lead, s.Logger)
	if err := sess.Start(req.StartTime()); err != nil {
		_ = st.Close()
		return nil, err
	}
	s.Metrics.ObserveStreamStart()
	return sess, nil
}
