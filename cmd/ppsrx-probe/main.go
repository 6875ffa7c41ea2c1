package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net"
	"time"

	"github.com/rjboer/ppsrx/internal/connectionmgr"
	"github.com/rjboer/ppsrx/internal/sdr"
	"github.com/rjboer/ppsrx/internal/timespec"
)

// loggingConn wraps a net.Conn and dumps every byte that crosses the wire.
type loggingConn struct {
	net.Conn
}

func (c *loggingConn) logDirection(dir string, data []byte) {
	if len(data) == 0 {
		return
	}
	log.Printf("[wire][%s] %d bytes\n%s", dir, len(data), hex.Dump(data))
}

func (c *loggingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.logDirection("in ", p[:n])
	}
	return n, err
}

func (c *loggingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.logDirection("out", p[:n])
	}
	return n, err
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := flag.String("args", "127.0.0.1:5555", "Radio daemon host:port")
	timeout := flag.Duration("timeout", 2*time.Second, "Control command timeout")
	wire := flag.Bool("dump", false, "Hex dump every byte on the control connection")
	flag.Parse()

	log.Printf("[BOOT] probing radio daemon at %s (timeout=%s)", *addr, *timeout)

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatalf("dial %s failed: %v", *addr, err)
	}
	m := connectionmgr.New(*addr)
	m.Timeout = *timeout
	if *wire {
		m.SetConn(&loggingConn{Conn: conn})
	} else {
		m.SetConn(conn)
	}
	dev := sdr.NewRemote(m, sdr.RemoteConfig{Address: *addr, Timeout: *timeout})
	defer func() {
		if err := dev.Close(); err != nil {
			log.Printf("[WARN] close: %v", err)
		}
	}()

	for _, dir := range []sdr.Direction{sdr.RX, sdr.TX} {
		n, err := dev.ChannelCount(dir)
		if err != nil {
			log.Fatalf("channel count %s: %v", dir, err)
		}
		log.Printf("[INFO] %s channels: %d", dir, n)
	}

	for _, name := range []string{sdr.SensorGPSLocked, sdr.SensorGPSTime, sdr.SensorGPGGA, sdr.SensorGPRMC} {
		v, err := dev.ReadSensor(name)
		if err != nil {
			log.Printf("[WARN] sensor %s: %v", name, err)
			continue
		}
		log.Printf("[INFO] sensor %s = %q", name, v.Value)
	}

	last, err := dev.TimeLastPPS()
	if err != nil {
		log.Fatalf("last pps: %v", err)
	}
	log.Printf("[INFO] device time at last PPS: %s", last)
	if ref, err := dev.ReadSensor(sdr.SensorGPSTime); err == nil {
		if secs, err := ref.Int(); err == nil {
			log.Printf("[INFO] device minus reference at last edge: %+.9fs", last.Sub(timespec.FromInt(secs)))
		}
	}

	log.Println("[DONE] probe completed")
}
