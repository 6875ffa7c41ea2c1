package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/ppsrx/internal/app"
	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/mdns"
	"github.com/rjboer/ppsrx/internal/metrics"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/telemetry"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stderr))
}

func run(args []string, lookup func(string) (string, bool), stderr io.Writer) int {
	configPath := envString(lookup, "PPSRX_CONFIG", "ppsrx.yaml")

	persistent, err := app.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitFailure
	}
	cfg, err := parseConfig(args, lookup, persistent)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	if err := app.SaveConfig(configPath, cfg); err != nil {
		fmt.Fprintf(stderr, "save config: %v\n", err)
		return exitFailure
	}

	logger := newLogger(cfg, stderr)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	var reporters telemetry.MultiReporter
	if cfg.WebAddr != "" {
		hub := telemetry.NewHub(cfg.HistoryLimit, logger)
		reporters = append(reporters, hub)
		ws := telemetry.NewWebServer(cfg.WebAddr, hub, reg)
		go func() {
			if err := ws.Start(ctx); err != nil {
				logger.Error("status server stopped", logging.F("error", err.Error()))
			}
		}()
	} else {
		reporters = append(reporters, telemetry.NewStdoutReporter(logger))
	}

	dev, closeDevice, err := openDevice(ctx, cfg, logger)
	if err != nil {
		logger.Error("open device", logging.F("backend", cfg.Backend), logging.F("error", err.Error()))
		return exitCode(err)
	}
	defer closeDevice()

	acq := app.NewAcquirer(dev, cfg)
	acq.Reporter = reporters
	acq.Logger = logger
	acq.Metrics = collectors

	logger.Info("starting acquisition (Ctrl+C to stop)", logging.F("backend", cfg.Backend))
	res, err := acq.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("acquisition interrupted", logging.F("blocks", res.Blocks))
			return exitOK
		}
		logger.Error("acquisition failed", logging.F("error", err.Error()))
		return exitCode(err)
	}
	logger.Info("done", logging.F("blocks", res.Blocks), logging.F("samples", res.Samples))
	return exitOK
}

func exitCode(err error) int {
	if sdr.IsConfigError(err) {
		return exitUsage
	}
	return exitFailure
}

func newLogger(cfg app.Config, out io.Writer) logging.Logger {
	level, _ := logging.ParseLevel(cfg.LogLevel)
	if cfg.Quiet && level < logging.Warn {
		level = logging.Warn
	}
	format, _ := logging.ParseFormat(cfg.LogFormat)
	return logging.New(level, format, out)
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults app.Config) (app.Config, error) {
	cfg := defaults
	var leadSecs float64
	fs := flag.NewFlagSet("ppsrx", flag.ContinueOnError)
	fs.StringVar(&cfg.Backend, "backend", envString(lookup, "PPSRX_BACKEND", defaults.Backend), "Device backend (mock|remote)")
	fs.StringVar(&cfg.Address, "args", envString(lookup, "PPSRX_ARGS", defaults.Address), "Device address (host:port); empty discovers via mDNS")
	fs.StringVar(&cfg.WireFormat, "wire", envString(lookup, "PPSRX_WIRE", defaults.WireFormat), "Over the wire sample format (sc16|sc8|fc32)")
	fs.Float64Var(&leadSecs, "secs", envFloat(lookup, "PPSRX_SECS", defaults.Lead.Seconds()), "Seconds after the last PPS edge to start streaming")
	fs.Uint64Var(&cfg.NumSamples, "nsamps", envUint(lookup, "PPSRX_NSAMPS", defaults.NumSamples), "Requested number of samples (advisory)")
	fs.Float64Var(&cfg.Rate, "rate", envFloat(lookup, "PPSRX_RATE", defaults.Rate), "Sample rate in Hz")
	fs.StringVar(&cfg.Channels, "channels", envString(lookup, "PPSRX_CHANNELS", defaults.Channels), `Channels to receive ("0", "1", "0,1", ...)`)
	fs.BoolVar(&cfg.Quiet, "quiet", envBool(lookup, "PPSRX_QUIET", defaults.Quiet), "Only log warnings and errors")
	fs.BoolVar(&cfg.OnePacket, "one-packet", envBool(lookup, "PPSRX_ONE_PACKET", defaults.OnePacket), "Return after one transport packet per receive")
	fs.StringVar(&cfg.ReferenceSource, "ref", envString(lookup, "PPSRX_REF", defaults.ReferenceSource), "Clock and time source name")
	fs.DurationVar(&cfg.LockInterval, "lock-interval", envDuration(lookup, "PPSRX_LOCK_INTERVAL", defaults.LockInterval), "Interval between reference lock checks")
	fs.DurationVar(&cfg.MinLockDuration, "min-lock", envDuration(lookup, "PPSRX_MIN_LOCK", defaults.MinLockDuration), "Continuous lock required before alignment")
	fs.DurationVar(&cfg.Settle, "settle", envDuration(lookup, "PPSRX_SETTLE", defaults.Settle), "Wait after arming the next PPS time")
	fs.BoolVar(&cfg.WaitForEdge, "wait-edge", envBool(lookup, "PPSRX_WAIT_EDGE", defaults.WaitForEdge), "Arm the device just after an observed PPS edge")
	fs.DurationVar(&cfg.Holdover, "holdover", envDuration(lookup, "PPSRX_HOLDOVER", defaults.Holdover), "Tolerated loss of reference lock while streaming (0 disables)")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", envInt(lookup, "PPSRX_QUEUE_DEPTH", defaults.QueueDepth), "Blocks buffered for the consumer (0 disables hand-off)")
	fs.StringVar(&cfg.QueuePolicy, "queue-policy", envString(lookup, "PPSRX_QUEUE_POLICY", defaults.QueuePolicy), "Full queue policy (block|drop-oldest)")
	fs.StringVar(&cfg.WebAddr, "web-addr", envString(lookup, "PPSRX_WEB_ADDR", defaults.WebAddr), "Optional status server listen address (e.g. :8080)")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", envInt(lookup, "PPSRX_HISTORY_LIMIT", defaults.HistoryLimit), "Maximum status events kept for the web UI")
	fs.StringVar(&cfg.LogLevel, "log-level", envString(lookup, "PPSRX_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFormat, "log-format", envString(lookup, "PPSRX_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
	fs.DurationVar(&cfg.DiscoverTimeout, "discover-timeout", envDuration(lookup, "PPSRX_DISCOVER_TIMEOUT", defaults.DiscoverTimeout), "mDNS discovery timeout")
	fs.StringVar(&cfg.SSH.Host, "ssh-host", envString(lookup, "PPSRX_SSH_HOST", defaults.SSH.Host), "Host serving GPSDO sensor files over SSH")
	fs.StringVar(&cfg.SSH.User, "ssh-user", envString(lookup, "PPSRX_SSH_USER", defaults.SSH.User), "SSH user")
	fs.StringVar(&cfg.SSH.KeyPath, "ssh-key", envString(lookup, "PPSRX_SSH_KEY", defaults.SSH.KeyPath), "SSH private key path")
	fs.IntVar(&cfg.SSH.Port, "ssh-port", envInt(lookup, "PPSRX_SSH_PORT", defaults.SSH.Port), "SSH port")
	cfg.SSH.Password = envString(lookup, "PPSRX_SSH_PASSWORD", defaults.SSH.Password)

	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}
	if fs.NArg() > 0 {
		return app.Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	cfg.Lead = time.Duration(leadSecs * float64(time.Second))
	return cfg, nil
}

// openDevice builds the configured backend. The returned func releases it.
func openDevice(ctx context.Context, cfg app.Config, logger logging.Logger) (sdr.Device, func(), error) {
	switch cfg.Backend {
	case app.BackendMock:
		mock := sdr.NewMock(sdr.MockConfig{
			StreamDuration: time.Duration(float64(cfg.NumSamples) / cfg.Rate * float64(time.Second)),
			ToneHz:         cfg.Rate / 10,
		})
		return mock, func() { _ = mock.Close() }, nil
	case app.BackendRemote:
		return openRemote(ctx, cfg, logger)
	default:
		return nil, nil, sdr.NewConfigError("backend", "unknown backend %q", cfg.Backend)
	}
}

func openRemote(ctx context.Context, cfg app.Config, logger logging.Logger) (sdr.Device, func(), error) {
	addr := cfg.Address
	if addr == "" {
		logger.Info("discovering radio daemons", logging.F("service", cfg.DiscoverService),
			logging.F("timeout", cfg.DiscoverTimeout.String()))
		hosts, err := mdns.Discover(ctx, cfg.DiscoverService, cfg.DiscoverTimeout)
		if err != nil {
			return nil, nil, errors.Wrap(err, "discover radio daemon")
		}
		if len(hosts) == 0 {
			return nil, nil, errors.Errorf("no %s daemon found within %s", cfg.DiscoverService, cfg.DiscoverTimeout)
		}
		addr = hosts[0].Address()
		logger.Info("using discovered daemon", logging.F("instance", hosts[0].Instance), logging.F("address", addr))
	}

	rcfg := sdr.RemoteConfig{Address: addr, Timeout: cfg.ControlTimeout, Logger: logger}
	var reader *sdr.SSHSensorReader
	if cfg.SSH.Enabled() {
		r, err := sdr.NewSSHSensorReader(cfg.SSH.SensorConfig())
		if err != nil {
			return nil, nil, errors.Wrap(err, "ssh sensor reader")
		}
		reader = r
		rcfg.Fallback = reader
	}

	remote, err := sdr.DialRemote(ctx, rcfg)
	if err != nil {
		if reader != nil {
			_ = reader.Close()
		}
		return nil, nil, errors.Wrapf(err, "connect %s", addr)
	}
	closeAll := func() {
		if err := remote.Close(); err != nil {
			logger.Warn("close device", logging.F("error", err.Error()))
		}
		if reader != nil {
			_ = reader.Close()
		}
	}
	return remote, closeAll, nil
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
