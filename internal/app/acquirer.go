package app

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/rjboer/ppsrx/internal/acquire"
	"github.com/rjboer/ppsrx/internal/gpsdo"
	"github.com/rjboer/ppsrx/internal/handoff"
	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/stream"
	"github.com/rjboer/ppsrx/internal/telemetry"
)

// ConsumeFunc processes one handed-off block. The slot is released after it
// returns.
type ConsumeFunc func(s *handoff.Slot) error

// Acquirer wires lock wait, clock alignment, scheduled start and the receive
// loop into one run against a device.
type Acquirer struct {
	Device   sdr.Device
	Config   Config
	Reporter telemetry.Reporter
	Logger   logging.Logger
	Metrics  *metrics.Collectors
	// Clock drives settle sleeps and holdover timing. Nil uses the wall clock.
	Clock sdr.Clock
	// Consume runs on its own goroutine when QueueDepth > 0. Nil uses a
	// per-channel power meter.
	Consume ConsumeFunc
}

func NewAcquirer(dev sdr.Device, cfg Config) *Acquirer {
	return &Acquirer{Device: dev, Config: cfg}
}

func (a *Acquirer) logger() logging.Logger {
	l := a.Logger
	if l == nil {
		l = logging.Default()
	}
	return l
}

func (a *Acquirer) clock() sdr.Clock {
	if a.Clock == nil {
		return sdr.RealClock()
	}
	return a.Clock
}

func (a *Acquirer) report(e telemetry.Event) {
	if a.Reporter == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock().Now()
	}
	a.Reporter.Report(e)
}

// sleep waits d on the acquirer clock, returning early on cancellation.
func (a *Acquirer) sleep(ctx context.Context, d time.Duration) error {
	if a.Clock == nil {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.Clock.Sleep(d)
	return nil
}

// Run performs one acquisition. Configuration errors are reported before the
// device is touched. The stream, once started, is stopped and closed on
// every return path.
func (a *Acquirer) Run(ctx context.Context) (res acquire.Result, err error) {
	cfg := a.Config
	log := a.logger().With(logging.F("subsystem", "app"))

	defer func() {
		if err == nil {
			a.report(telemetry.Event{Stage: telemetry.StageDone, Message: "acquisition complete",
				Blocks: res.Blocks, Samples: res.Samples})
			return
		}
		if !errors.Is(err, context.Canceled) {
			a.report(telemetry.Event{Stage: telemetry.StageFailed, Message: "acquisition failed", Error: err.Error()})
		}
	}()

	if err := cfg.Validate(); err != nil {
		return res, err
	}
	wire, _ := sdr.ParseWireFormat(cfg.WireFormat)
	policy, _ := handoff.ParsePolicy(cfg.QueuePolicy)
	channels, err := sdr.SelectChannels(a.Device, cfg.Channels)
	if err != nil {
		return res, err
	}
	log.Info("acquisition configured", logging.F("channels", channels.String()),
		logging.F("rate", cfg.Rate), logging.F("wire", string(wire)), logging.F("lead", cfg.Lead.String()))

	a.report(telemetry.Event{Stage: telemetry.StageLockWait, Message: "waiting for reference lock"})
	mon := gpsdo.NewMonitor(a.Device)
	mon.Interval = cfg.LockInterval
	mon.MinLockDuration = cfg.MinLockDuration
	mon.Now = a.clock().Now
	mon.Logger = a.Logger
	mon.Metrics = a.Metrics
	if err := mon.WaitForLock(ctx); err != nil {
		return res, err
	}

	a.report(telemetry.Event{Stage: telemetry.StageAligning, Message: "aligning device clock"})
	al := gpsdo.NewAligner(a.Device)
	al.Source = cfg.ReferenceSource
	al.Settle = cfg.Settle
	al.WaitForEdge = cfg.WaitForEdge
	al.Sleep = a.sleep
	al.Logger = a.Logger
	al.Metrics = a.Metrics
	rep, err := al.Align(ctx)
	if err != nil {
		return res, errors.Wrap(err, "align device clock")
	}
	a.report(telemetry.Event{Stage: telemetry.StageAligning, Message: "device clock aligned",
		DeviceTime: rep.LastPPS.String(), SkewSeconds: rep.Skew})

	lastPPS, err := a.Device.TimeLastPPS()
	if err != nil {
		return res, errors.Wrap(err, "read last pps time")
	}
	starter := &stream.Starter{Device: a.Device, Logger: a.Logger, Metrics: a.Metrics}
	sess, err := starter.StartAt(stream.Request{
		Channels:   channels,
		Rate:       cfg.Rate,
		WireFormat: wire,
		LastPPS:    lastPPS,
		Lead:       cfg.Lead,
	})
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			err = multierror.Append(err, errors.Wrap(closeErr, "close stream"))
		}
	}()
	a.report(telemetry.Event{Stage: telemetry.StageScheduled, Message: "stream start scheduled",
		DeviceTime: sess.StartTime().String()})

	block := stream.NewSampleBlockFor(sess.Stream(), 0)
	holdover := gpsdo.NewHoldoverMonitor(a.Device, cfg.Holdover)
	holdover.Now = a.clock().Now
	holdover.Logger = a.Logger
	holdover.Metrics = a.Metrics

	var consumer *consumerRun
	if cfg.QueueDepth > 0 {
		q := handoff.New(cfg.QueueDepth, block.Channels(), block.Capacity(), policy, a.Metrics)
		consume := a.Consume
		if consume == nil {
			consume = newPowerMeter(a.logger(), block.Capacity()).consume
		}
		consumer = startConsumer(q, consume)
	}

	loop := &acquire.Loop{
		Between: func() error {
			if consumer != nil {
				if cErr := consumer.failure(); cErr != nil {
					return errors.Wrap(cErr, "block consumer")
				}
			}
			return holdover.Check()
		},
		NumSamples: cfg.NumSamples,
		OnePacket:  cfg.OnePacket,
		Logger:     a.Logger,
		Metrics:    a.Metrics,
		OnBlock: func(b acquire.BlockInfo) {
			if b.Index == 1 || (cfg.StatusEvery > 0 && b.Index%cfg.StatusEvery == 0) {
				a.report(telemetry.Event{Stage: telemetry.StageStreaming, Blocks: b.Index,
					Samples: uint64(b.Samples), DeviceTime: b.Time.String()})
			}
		},
	}
	if consumer != nil {
		loop.Handoff = consumer.queue
	}

	res, err = loop.Run(ctx, sess, block, sess.FirstTimeout())
	if consumer != nil {
		consumer.queue.Close()
		if cErr := consumer.wait(); cErr != nil && err == nil {
			err = errors.Wrap(cErr, "block consumer")
		}
	}
	if err != nil {
		return res, err
	}
	log.Info("acquisition finished", logging.F("blocks", res.Blocks), logging.F("samples", res.Samples),
		logging.F("discontinuities", res.Stats.Discontinuities), logging.F("mean_block", res.Stats.MeanBlock))
	return res, nil
}

// consumerRun drains a hand-off queue on its own goroutine. After the first
// consumer error the remaining blocks are released unprocessed so the
// producer never blocks on a dead consumer.
type consumerRun struct {
	queue *handoff.Queue
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func startConsumer(q *handoff.Queue, consume ConsumeFunc) *consumerRun {
	c := &consumerRun{queue: q, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			slot, err := q.Get(context.Background())
			if err != nil {
				return
			}
			if c.failure() == nil {
				if cErr := consume(slot); cErr != nil {
					c.mu.Lock()
					c.err = cErr
					c.mu.Unlock()
				}
			}
			q.Release(slot)
		}
	}()
	return c
}

func (c *consumerRun) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *consumerRun) wait() error {
	<-c.done
	return c.failure()
}

const powerFloorDB = -200.0

// powerMeter logs the mean power of every channel of each handed-off block.
type powerMeter struct {
	log     logging.Logger
	scratch []float64
}

func newPowerMeter(log logging.Logger, capacity int) *powerMeter {
	return &powerMeter{
		log:     log.With(logging.F("subsystem", "consumer")),
		scratch: make([]float64, capacity),
	}
}

func (p *powerMeter) consume(s *handoff.Slot) error {
	if s.N == 0 {
		return nil
	}
	fields := make([]logging.Field, 0, s.Channels()+1)
	fields = append(fields, logging.F("seq", s.Seq))
	for ch := 0; ch < s.Channels(); ch++ {
		samples := s.Channel(ch)
		pw := p.scratch[:len(samples)]
		for i, v := range samples {
			re, im := float64(real(v)), float64(imag(v))
			pw[i] = re*re + im*im
		}
		dbfs := powerFloorDB
		if mean := stat.Mean(pw, nil); mean > 0 {
			dbfs = math.Max(10*math.Log10(mean), powerFloorDB)
		}
		fields = append(fields, logging.F("ch"+strconv.Itoa(ch)+"_dbfs", dbfs))
	}
	p.log.Debug("block power", fields...)
	return nil
}
