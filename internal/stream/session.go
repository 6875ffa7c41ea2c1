// Package stream schedules synchronized multi-channel stream starts and owns
// the resulting receive session.
package stream

import (
	stderrors "errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/timespec"
)

// FirstReceiveMargin is added to the lead time to form the first receive
// timeout.
const FirstReceiveMargin = 100 * time.Millisecond

// ErrAlreadyStarted is returned by a second Start on the same session.
var ErrAlreadyStarted = stderrors.New("stream session already started")

// Session is an open receive stream bound to a channel selection. It is
// single-use: one Start, then Stop.
type Session struct {
	stream   sdr.Stream
	channels sdr.ChannelSelection
	wire     sdr.WireFormat
	rate     float64
	lead     time.Duration
	log      logging.Logger

	startTime timespec.Time
	started   bool
	stopped   bool
	closed    bool
}

// NewSession wraps an opened stream that will start lead after the last
// PPS edge.
func NewSession(st sdr.Stream, channels sdr.ChannelSelection, wire sdr.WireFormat, rate float64, lead time.Duration, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	return &Session{
		stream:   st,
		channels: channels,
		wire:     wire,
		rate:     rate,
		lead:     lead,
		log:      logger.With(logging.F("subsystem", "stream")),
	}
}

// Start issues a timed continuous start so every channel begins at the same
// device time.
func (s *Session) Start(at timespec.Time) error {
	if s.started {
		return ErrAlreadyStarted
	}
	cmd := sdr.StreamCommand{Mode: sdr.StreamModeStartContinuous, StreamNow: false, Time: at}
	if err := s.stream.IssueStreamCmd(cmd); err != nil {
		return errors.Wrap(err, "issue timed stream start")
	}
	s.started = true
	s.startTime = at
	s.log.Info("stream start scheduled",
		logging.F("start_time", at.String()),
		logging.F("channels", s.channels.String()),
		logging.F("rate", s.rate),
		logging.F("wire", string(s.wire)))
	return nil
}

// Stop issues exactly one stop command for a started session. Later calls
// are no-ops.
func (s *Session) Stop() error {
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	err := s.stream.IssueStreamCmd(sdr.StreamCommand{Mode: sdr.StreamModeStopContinuous, StreamNow: true})
	if err != nil {
		return errors.Wrap(err, "issue stream stop")
	}
	s.log.Debug("stream stopped")
	return nil
}

// Close stops the session and releases the stream.
func (s *Session) Close() error {
	var result *multierror.Error
	if err := s.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if !s.closed {
		s.closed = true
		if err := s.stream.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close stream"))
		}
	}
	return result.ErrorOrNil()
}

func (s *Session) Stream() sdr.Stream              { return s.stream }
func (s *Session) Channels() sdr.ChannelSelection { return s.channels }
func (s *Session) WireFormat() sdr.WireFormat     { return s.wire }
func (s *Session) Rate() float64                  { return s.rate }
func (s *Session) Lead() time.Duration            { return s.lead }
func (s *Session) StartTime() timespec.Time       { return s.startTime }
func (s *Session) Started() bool                  { return s.started }
func (s *Session) Stopped() bool                  { return s.stopped }

// FirstTimeout is the receive timeout that covers the wait until the
// scheduled start.
func (s *Session) FirstTimeout() time.Duration { return s.lead + FirstReceiveMargin }
