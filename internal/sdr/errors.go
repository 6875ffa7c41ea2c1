package sdr

import (
	"errors"
	"fmt"
)

// ConfigError reports invalid configuration detected before any hardware
// interaction. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TransportError is a non-timeout receive error reported by the device.
type TransportError struct {
	Code   ErrorCode
	Detail string
}

func (e *TransportError) Error() string {
	return "receiver error " + e.Detail
}

// NewTransportError wraps the metadata of a failed receive call.
func NewTransportError(md RxMetadata) *TransportError {
	return &TransportError{Code: md.ErrorCode, Detail: md.Strerror()}
}

// ErrSensorNotFound is returned when the device does not expose a sensor.
var ErrSensorNotFound = errors.New("sensor not found")
