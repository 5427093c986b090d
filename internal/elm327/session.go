// Package elm327 talks to ELM327-compatible OBD-II adapters over TCP (WiFi
// adapters) or a serial port.
//
// The adapter is half-duplex: one command is written, terminated by CR, and
// the reply is read until the '>' prompt. A Session is owned by a single
// goroutine; only Close may be called concurrently.
package elm327

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/elm327-dash/internal/obd"
)

// Transports.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// Defaults for a typical WiFi adapter.
const (
	DefaultHost           = "192.168.0.10"
	DefaultPort           = 35000
	DefaultBaudRate       = 38400
	DefaultConnectTimeout = 5 * time.Second
	DefaultCommandTimeout = 3 * time.Second
)

// maxResponse bounds a single reply. No answer to the commands issued here
// comes close; anything larger means the stream is garbage.
const maxResponse = 4096

// initCommands reset the adapter, turn off echo, linefeeds, spaces and
// headers, then select automatic protocol detection.
var initCommands = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

// initDelay is the pause between init commands; some clones drop a command
// sent right after the previous prompt.
var initDelay = 50 * time.Millisecond

// Config holds connection parameters.
type Config struct {
	Transport      string
	Host           string
	Port           int
	SerialPort     string
	BaudRate       int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Addr describes the adapter endpoint for logs and errors.
func (c Config) Addr() string {
	if c.Transport == TransportSerial {
		return c.SerialPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	return c
}

// State is the lifecycle stage of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one open, initialised conversation with an adapter.
type Session struct {
	id      string
	cfg     Config
	link    link
	log     *zap.SugaredLogger
	state   atomic.Int32
	banner  string
	closeMu sync.Once
	buf     []byte
}

// Open connects to the adapter and runs the init sequence. Any failure,
// including a cancelled ctx, closes the link and returns a *ConnectionError.
func Open(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Session, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := uuid.NewString()
	s := &Session{
		id:  id,
		cfg: cfg,
		log: log.With("session", id[:8]),
		buf: make([]byte, 256),
	}

	l, err := dial(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Op: "connect " + cfg.Addr(), Err: err}
	}
	s.link = l
	s.state.Store(int32(StateHandshaking))
	s.log.Debugf("connected to %s, initialising", cfg.Addr())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := s.handshake(ctx); err != nil {
		s.Close()
		if ctx.Err() != nil {
			return nil, &ConnectionError{Op: "init", Err: ctx.Err()}
		}
		return nil, err
	}

	s.state.Store(int32(StateReady))
	s.log.Infof("adapter ready at %s (%s)", cfg.Addr(), s.banner)
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	// Two bare CRs abort anything half-typed and surface a fresh prompt.
	// Failures here are expected on a quiet adapter.
	for range 2 {
		if _, err := s.exchange("", s.cfg.CommandTimeout); err != nil {
			s.log.Debugf("prompt sync: %v", err)
			if IsConnectionLevel(err) && !isTimeout(err) {
				return &ConnectionError{Op: "prompt sync", Err: err}
			}
			break
		}
	}

	for _, cmd := range initCommands {
		raw, err := s.exchange(cmd, s.cfg.CommandTimeout)
		if err != nil {
			return &ConnectionError{Op: "init " + cmd, Err: err}
		}
		lines := replyLines(raw, cmd)
		if tok := errorReply(lines); tok != "" {
			return &ConnectionError{Op: "init " + cmd, Err: &AdapterError{Command: cmd, Reply: tok}}
		}
		if cmd == "ATZ" {
			s.banner = cleanReply(raw, cmd)
		}
		if err := sleepCtx(ctx, initDelay); err != nil {
			return &ConnectionError{Op: "init " + cmd, Err: err}
		}
	}
	return nil
}

// ID returns the random identifier used to tag this session's log lines.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Banner returns the adapter identification printed after reset,
// e.g. "ELM327 V1.5".
func (s *Session) Banner() string { return s.banner }

// Request queries one mode/PID and returns exactly spec.Bytes data bytes.
// Adapter and parse errors leave the session usable; connection-level
// errors close it.
func (s *Session) Request(ctx context.Context, spec obd.Spec) ([]byte, error) {
	if !spec.IsPID() {
		return nil, fmt.Errorf("elm327: %s is not a PID request", spec.ID)
	}
	raw, err := s.command(ctx, spec.Request())
	if err != nil {
		return nil, err
	}
	return parsePayload(spec, raw)
}

// Voltage reads the adapter supply voltage with ATRV.
func (s *Session) Voltage(ctx context.Context) (float64, error) {
	raw, err := s.command(ctx, obd.VoltageCommand)
	if err != nil {
		return 0, err
	}
	return parseVoltage(raw)
}

// Exec sends an arbitrary command and returns the raw reply text up to, but
// not including, the prompt. Error tokens are returned as text, not errors.
func (s *Session) Exec(ctx context.Context, cmd string) (string, error) {
	return s.command(ctx, cmd)
}

func (s *Session) command(ctx context.Context, cmd string) (string, error) {
	if st := s.State(); st != StateReady {
		return "", &ConnectionError{Op: cmd, Err: fmt.Errorf("session %s", st)}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	raw, err := s.exchange(cmd, s.cfg.CommandTimeout)
	if err != nil {
		s.Close()
		return "", err
	}
	return raw, nil
}

// exchange writes cmd followed by CR and reads up to the prompt.
func (s *Session) exchange(cmd string, timeout time.Duration) (string, error) {
	if err := s.link.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", &ConnectionError{Op: "set deadline", Err: err}
	}
	if _, err := s.link.Write([]byte(cmd + "\r")); err != nil {
		return "", s.ioError("write", cmd, timeout, err)
	}

	var resp []byte
	for {
		n, err := s.link.Read(s.buf)
		if n > 0 {
			resp = append(resp, s.buf[:n]...)
			if i := bytes.IndexByte(resp, Prompt); i >= 0 {
				return string(resp[:i]), nil
			}
			if len(resp) > maxResponse {
				return "", &ConnectionError{Op: "read " + cmd, Err: fmt.Errorf("%d bytes without prompt", len(resp))}
			}
		}
		if err != nil {
			return "", s.ioError("read", cmd, timeout, err)
		}
	}
}

func (s *Session) ioError(op, cmd string, timeout time.Duration, err error) error {
	switch {
	case isTimeout(err):
		return &TimeoutError{Command: cmd, After: timeout}
	case errors.Is(err, io.EOF):
		return &ConnectionError{Op: op + " " + cmd, Err: errAdapterClosed}
	default:
		return &ConnectionError{Op: op + " " + cmd, Err: err}
	}
}

// Close releases the link. It is safe to call more than once and from any
// goroutine.
func (s *Session) Close() error {
	var err error
	s.closeMu.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.link != nil {
			err = s.link.Close()
		}
		s.log.Debugf("closed")
	})
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
