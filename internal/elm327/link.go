package elm327

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// link is the byte stream to the adapter: a TCP socket for WiFi adapters or a
// serial port for USB and rfcomm-bound Bluetooth ones.
type link interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

func dial(ctx context.Context, cfg Config) (link, error) {
	switch cfg.Transport {
	case TransportSerial:
		return openSerial(cfg.SerialPort, cfg.BaudRate)
	default:
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		return d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	}
}

// serialLink adapts a serial.Port, which only has a per-read timeout, to the
// deadline model used by the session.
type serialLink struct {
	port     serial.Port
	deadline time.Time
}

func openSerial(path string, baud int) (*serialLink, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset %s: %w", path, err)
	}
	return &serialLink{port: port}, nil
}

func (l *serialLink) SetDeadline(t time.Time) error {
	l.deadline = t
	return nil
}

func (l *serialLink) Read(p []byte) (int, error) {
	if !l.deadline.IsZero() {
		remaining := time.Until(l.deadline)
		if remaining <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		if err := l.port.SetReadTimeout(remaining); err != nil {
			return 0, err
		}
	}
	n, err := l.port.Read(p)
	// go.bug.st/serial reports an expired read timeout as (0, nil).
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (l *serialLink) Write(p []byte) (int, error) { return l.port.Write(p) }
func (l *serialLink) Close() error                { return l.port.Close() }
