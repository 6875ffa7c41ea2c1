// Package acquire runs the bounded-timeout receive loop of a scheduled
// stream session.
package acquire

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/rjboer/ppsrx/internal/handoff"
	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/stream"
	"github.com/rjboer/ppsrx/internal/timespec"
)

// SteadyTimeout bounds each receive once samples are flowing.
const SteadyTimeout = 100 * time.Millisecond

// State is the loop state.
type State int

const (
	AwaitingFirstBlock State = iota
	Steady
)

func (s State) String() string {
	if s == Steady {
		return "steady"
	}
	return "awaiting_first_block"
}

// BlockInfo describes a received block to observers.
type BlockInfo struct {
	Index         int
	Samples       int
	Time          timespec.Time
	HasTime       bool
	Discontinuity bool
}

// Result summarises a finished run.
type Result struct {
	Blocks     int
	Samples    uint64
	FirstBlock timespec.Time
	LastBlock  timespec.Time
	Stats      Summary
}

// Loop pulls blocks from a started session until a receive times out.
type Loop struct {
	// Between runs before every receive call. An error aborts the run.
	Between func() error
	// Handoff, when set, receives a copy of every block.
	Handoff *handoff.Queue
	// NumSamples is advisory: reaching it is logged once, the loop goes on.
	NumSamples    uint64
	OnePacket     bool
	SteadyTimeout time.Duration
	StatsWindow   int
	OnBlock       func(BlockInfo)
	Logger        logging.Logger
	Metrics       *metrics.Collectors
}

// Run receives into block until a receive times out, which ends the run
// without error. Any other device error code is fatal and returned as
// *sdr.TransportError. The session is stopped on every return path; a stop
// failure never hides the loop's own error.
func (l *Loop) Run(ctx context.Context, sess *stream.Session, block *stream.SampleBlock, initialTimeout time.Duration) (res Result, err error) {
	log := l.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.With(logging.F("subsystem", "acquire"))

	defer func() {
		stopErr := sess.Stop()
		if stopErr == nil {
			return
		}
		log.Error("failed to stop stream", logging.F("error", stopErr.Error()))
		if err == nil {
			err = stopErr
			return
		}
		err = multierror.Append(err, stopErr)
	}()

	steady := l.SteadyTimeout
	if steady <= 0 {
		steady = SteadyTimeout
	}
	st := sess.Stream()
	buffs := block.Buffers()
	stats := NewStats(sess.Rate(), l.StatsWindow)
	defer func() { res.Stats = stats.Summary() }()

	state := AwaitingFirstBlock
	timeout := initialTimeout
	advisoryLogged := false

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, errors.Wrap(ctxErr, "acquisition cancelled")
		}
		if l.Between != nil {
			if hookErr := l.Between(); hookErr != nil {
				return res, hookErr
			}
		}

		n, md, recvErr := st.Recv(buffs, block.Capacity(), timeout, l.OnePacket)
		if recvErr != nil {
			return res, errors.Wrap(recvErr, "receive")
		}

		switch md.ErrorCode {
		case sdr.ErrorCodeNone:
		case sdr.ErrorCodeTimeout:
			if state == AwaitingFirstBlock {
				log.Warn("no samples before first receive timeout", logging.F("timeout", timeout.String()))
			} else {
				log.Info("receive timed out, acquisition complete",
					logging.F("blocks", res.Blocks), logging.F("samples", res.Samples))
			}
			return res, nil
		default:
			l.Metrics.ObserveRecvError(md.ErrorCode.String())
			terr := sdr.NewTransportError(md)
			log.Error("receive failed", logging.F("code", md.ErrorCode.String()),
				logging.F("block", res.Blocks), logging.F("error", terr.Detail))
			return res, terr
		}

		if state == AwaitingFirstBlock {
			state = Steady
			timeout = steady
			res.FirstBlock = md.TimeSpec
			log.Info("first block received", logging.F("time", md.TimeSpec.String()), logging.F("samples", n))
		}
		res.Blocks++
		res.Samples += uint64(n)
		res.LastBlock = md.TimeSpec

		broken, gap := stats.Observe(md.TimeSpec, md.HasTimeSpec, n)
		l.Metrics.ObserveBlock(n)
		if broken {
			l.Metrics.ObserveDiscontinuity()
			log.Warn("timestamp discontinuity", logging.F("block", res.Blocks), logging.F("gap_s", gap))
		}
		log.Debug("block", logging.F("index", res.Blocks), logging.F("samples", n), logging.F("time", md.TimeSpec.String()))

		if l.Handoff != nil {
			if putErr := l.Handoff.Put(ctx, buffs, n, md.TimeSpec, md.HasTimeSpec); putErr != nil {
				return res, errors.Wrap(putErr, "hand off block")
			}
		}
		if l.OnBlock != nil {
			l.OnBlock(BlockInfo{Index: res.Blocks, Samples: n, Time: md.TimeSpec, HasTime: md.HasTimeSpec, Discontinuity: broken})
		}
		if !advisoryLogged && l.NumSamples > 0 && res.Samples >= l.NumSamples {
			advisoryLogged = true
			log.Info("requested sample count reached, continuing", logging.F("nsamps", l.NumSamples))
		}
	}
}
