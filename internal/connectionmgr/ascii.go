package connectionmgr

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rjboer/ppsrx/internal/logging"
)

// ENOENT is the errno a daemon reports for a missing object such as a sensor.
const ENOENT = 2

// StatusError is a negative status line returned by the daemon.
type StatusError struct {
	Command string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Command, e.Code)
}

// Errno returns the positive errno value.
func (e *StatusError) Errno() int { return -e.Code }

// readInteger reads a single ASCII integer terminated by '\n'.
// It reads byte-by-byte directly from the socket to avoid any read-ahead.
func (m *Manager) readInteger() (int, error) {
	var buf []byte
	var one [1]byte
	started := false

	for {
		if _, err := m.conn.Read(one[:]); err != nil {
			return 0, err
		}

		b := one[0]

		// Newline ends the integer ONLY if we started collecting
		if b == '\n' {
			if started {
				break
			}
			continue
		}

		if b == '\r' {
			continue
		}

		if (b >= '0' && b <= '9') || b == '-' {
			started = true
			buf = append(buf, b)
			continue
		}

		// Otherwise: padding → skip
	}

	val, err := strconv.Atoi(string(buf))
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", string(buf), err)
	}
	return val, nil
}

// hasLineEnding checks whether the string already ends with CR or LF.
func hasLineEnding(s string) bool {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' || s[i] == '\r' {
			return true
		}
	}
	return false
}

// writeLine writes a command line terminated with CRLF.
func (m *Manager) writeLine(cmd string) error {
	if !hasLineEnding(cmd) {
		cmd += "\r\n"
	}
	return m.writeAll([]byte(cmd))
}

// exec runs one command and returns the raw status. Callers hold mu.
func (m *Manager) exec(cmd string, timeout time.Duration) (int, error) {
	if err := m.begin(timeout); err != nil {
		return 0, err
	}
	if err := m.writeLine(cmd); err != nil {
		return 0, m.fail(fmt.Errorf("write %q: %w", cmd, err))
	}
	status, err := m.readInteger()
	if err != nil {
		return 0, m.fail(fmt.Errorf("read status for %q: %w", cmd, err))
	}
	m.logger().Debug("command", logging.F("cmd", cmd), logging.F("status", status))
	return status, nil
}

// ExecCommand sends a single ASCII command and returns its non-negative
// status. A negative status is returned as *StatusError.
func (m *Manager) ExecCommand(cmd string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, err := m.exec(cmd, 0)
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return status, &StatusError{Command: cmd, Code: status}
	}
	return status, nil
}

// Query sends a command whose positive status is the length of a payload
// that follows, terminated by '\n'. The whole exchange must complete within
// timeout (the manager default when zero).
func (m *Manager) Query(cmd string, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, err := m.exec(cmd, timeout)
	if err != nil {
		return nil, err
	}
	if status < 0 {
		return nil, &StatusError{Command: cmd, Code: status}
	}
	buf := make([]byte, status+1) // +1 for trailing '\n'
	if err := m.readAll(buf); err != nil {
		return nil, m.fail(fmt.Errorf("read %d byte payload for %q: %w", status, cmd, err))
	}
	return buf[:status], nil
}

// QueryInto is Query reading the payload into buf, for callers that reuse a
// receive buffer. It returns the payload length.
func (m *Manager) QueryInto(cmd string, timeout time.Duration, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, err := m.exec(cmd, timeout)
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return 0, &StatusError{Command: cmd, Code: status}
	}
	if status+1 > len(buf) {
		return 0, m.fail(fmt.Errorf("%q payload of %d bytes exceeds buffer of %d", cmd, status, len(buf)))
	}
	if err := m.readAll(buf[:status+1]); err != nil {
		return 0, m.fail(fmt.Errorf("read %d byte payload for %q: %w", status, cmd, err))
	}
	return status, nil
}

// QueryString is Query for short textual replies.
func (m *Manager) QueryString(cmd string) (string, error) {
	b, err := m.Query(cmd, 0)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
