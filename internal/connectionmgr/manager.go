package connectionmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rjboer/ppsrx/internal/logging"
)

// ErrDesynchronized is returned once a response was abandoned mid-exchange;
// the byte stream can no longer be trusted and the connection must be closed.
var ErrDesynchronized = errors.New("connection desynchronized")

// Manager owns one line-oriented control connection to a radio daemon.
// Exchanges are serialized: one command is in flight at a time.
type Manager struct {
	Address string
	Timeout time.Duration
	Logger  logging.Logger

	mu       sync.Mutex
	conn     net.Conn
	desynced bool
}

// ---------- Construction / lifecycle ----------

func New(addr string) *Manager {
	return &Manager{
		Address: addr,
		Timeout: 5 * time.Second,
	}
}

// Connect dials the daemon. The dial is bounded by ctx and the manager timeout.
func (m *Manager) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: m.Timeout}
	c, err := dialer.DialContext(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	m.mu.Lock()
	m.conn = c
	m.desynced = false
	m.mu.Unlock()
	m.logger().Debug("connected", logging.F("address", m.Address))
	return nil
}

// SetConn injects an established connection (tests, SSH tunnels, etc.).
func (m *Manager) SetConn(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.desynced = false
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// Desynchronized reports whether an exchange was abandoned.
func (m *Manager) Desynchronized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desynced
}

func (m *Manager) SetLogger(l logging.Logger) {
	m.Logger = l
}

func (m *Manager) logger() logging.Logger {
	if m.Logger == nil {
		return logging.Default().With(logging.F("subsystem", "connectionmgr"))
	}
	return m.Logger
}

// ---------- Raw I/O (NO BUFFERING) ----------

// begin validates the connection and arms a deadline for one exchange.
// Callers hold mu.
func (m *Manager) begin(timeout time.Duration) error {
	if m.conn == nil {
		return fmt.Errorf("not connected")
	}
	if m.desynced {
		return ErrDesynchronized
	}
	if timeout <= 0 {
		timeout = m.Timeout
	}
	if timeout > 0 {
		_ = m.conn.SetDeadline(time.Now().Add(timeout))
	}
	return nil
}

// fail marks the stream desynchronized when err left a partial exchange.
// Callers hold mu.
func (m *Manager) fail(err error) error {
	m.desynced = true
	return err
}

// writeAll writes the full buffer to the socket, handling short writes.
func (m *Manager) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := m.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// readAll reads exactly len(b) bytes from the socket.
// This MUST use the raw connection, not a buffered reader.
func (m *Manager) readAll(b []byte) error {
	_, err := io.ReadFull(m.conn, b)
	return err
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
