package telemetry

import (
	"github.com/rjboer/ppsrx/internal/logging"
)

// StdoutReporter writes pipeline events through the logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(e Event) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "stage", Value: string(e.Stage)},
	}
	if e.Blocks != 0 {
		fields = append(fields, logging.Field{Key: "blocks", Value: e.Blocks})
	}
	if e.Samples != 0 {
		fields = append(fields, logging.Field{Key: "samples", Value: e.Samples})
	}
	if e.DeviceTime != "" {
		fields = append(fields, logging.Field{Key: "device_time", Value: e.DeviceTime})
	}
	if e.SkewSeconds != 0 {
		fields = append(fields, logging.Field{Key: "skew_s", Value: e.SkewSeconds})
	}
	msg := e.Message
	if msg == "" {
		msg = "pipeline status"
	}
	if e.Error != "" {
		fields = append(fields, logging.Field{Key: "error", Value: e.Error})
		r.logger.Error(msg, fields...)
		return
	}
	r.logger.Info(msg, fields...)
}
