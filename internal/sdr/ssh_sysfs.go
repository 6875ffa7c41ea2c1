package sdr

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a radio host whose GPSDO sensors are
// exported as files, for daemons that do not expose them over the control
// protocol.
type SSHConfig struct {
	Host       string
	User       string
	Password   string
	KeyPath    string
	Port       int
	SensorRoot string
}

// SSHSensorReader reads sensor files over SSH. It implements SensorReader.
type SSHSensorReader struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHSensorReader validates configuration and prepares a reader instance.
func NewSSHSensorReader(cfg SSHConfig) (*SSHSensorReader, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for sensor fallback")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SensorRoot == "" {
		cfg.SensorRoot = "/run/gpsdo"
	}

	return &SSHSensorReader{cfg: cfg}, nil
}

// ReadSensor returns the contents of the sensor file named after the sensor.
func (r *SSHSensorReader) ReadSensor(ctx context.Context, name string) (string, error) {
	target, err := r.sensorPath(name)
	if err != nil {
		return "", err
	}
	client, err := r.dial(ctx)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	done := make(chan error, 1)
	go func() { done <- session.Run("cat " + shellQuote(target)) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("read sensor %s via ssh: %w", name, err)
		}
		return strings.TrimSpace(out.String()), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// Close releases the SSH connection.
func (r *SSHSensorReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHSensorReader) dial(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	auth := []ssh.AuthMethod{}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}
	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(r.cfg.Host, fmt.Sprint(r.cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	r.client = ssh.NewClient(clientConn, chans, reqs)
	return r.client, nil
}

// sensorPath maps a sensor name to its file, rejecting names that would
// escape the sensor directory.
func (r *SSHSensorReader) sensorPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", fmt.Errorf("invalid sensor name %q", name)
	}
	return path.Join(r.cfg.SensorRoot, name), nil
}

// shellQuote returns a value wrapped in single quotes with embedded quotes escaped
// for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
