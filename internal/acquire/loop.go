// Package acquire runs the single goroutine that owns the adapter session,
// polls every metric on a fixed cadence and publishes one snapshot per cycle.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/obd"
	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

// Session is the part of an adapter session the loop needs. *elm327.Session
// implements it.
type Session interface {
	Request(ctx context.Context, spec obd.Spec) ([]byte, error)
	Voltage(ctx context.Context) (float64, error)
	Exec(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Opener establishes and initialises a new session.
type Opener func(ctx context.Context) (Session, error)

// ErrNotConnected is returned by Passthrough when no session is open.
var ErrNotConnected = errors.New("acquire: adapter not connected")

// State of the acquisition loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWait:
		return "reconnect_wait"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config controls pacing and what is polled.
type Config struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	// MaxReconnectDelay enables exponential backoff: the delay doubles after
	// each failed attempt up to this value. Zero, or anything not above
	// ReconnectDelay, keeps the delay fixed.
	MaxReconnectDelay time.Duration
	Simulate          bool
	Adapter           snapshot.Adapter
	Specs             []obd.Spec
}

type passthrough struct {
	cmd   string
	reply chan passthroughResult
}

type passthroughResult struct {
	text string
	err  error
}

// Loop is the acquisition state machine. Run it in exactly one goroutine.
type Loop struct {
	cfg      Config
	open     Opener
	store    *snapshot.Store
	log      *zap.SugaredLogger
	state    atomic.Int32
	requests chan passthrough
	sim      *Simulator
	ids      []string
	now      func() time.Time
}

// New creates a loop publishing into store. open may be nil in simulate mode.
func New(cfg Config, open Opener, store *snapshot.Store, log *zap.SugaredLogger) *Loop {
	if cfg.Specs == nil {
		cfg.Specs = obd.Specs()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ids := make([]string, len(cfg.Specs))
	for i, s := range cfg.Specs {
		ids[i] = s.ID
	}
	l := &Loop{
		cfg:      cfg,
		open:     open,
		store:    store,
		log:      log,
		requests: make(chan passthrough),
		ids:      ids,
		now:      time.Now,
	}
	if cfg.Simulate {
		l.sim = NewSimulator(cfg.Specs, uint64(time.Now().UnixNano()))
	}
	return l
}

// State returns the loop's current state. Safe from any goroutine.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	if old := State(l.state.Swap(int32(s))); old != s {
		l.log.Debugf("state %s -> %s", old, s)
	}
}

// Run drives the loop until ctx is cancelled. It returns nil on
// cancellation; no reconnect is attempted afterwards.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateDisconnected)
	if l.cfg.Simulate {
		return l.runSimulated(ctx)
	}
	if l.open == nil {
		return errors.New("acquire: no session opener")
	}

	delay := l.cfg.ReconnectDelay
	for {
		l.setState(StateConnecting)
		sess, err := l.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warnf("connect failed: %v (retrying in %s)", err, delay)
			l.publishDisconnected(err)
			l.setState(StateReconnectWait)
			if l.idle(ctx, delay, nil) != nil {
				return nil
			}
			delay = l.nextDelay(delay)
			continue
		}

		delay = l.cfg.ReconnectDelay
		l.setState(StateConnected)
		l.log.Infof("connected to %s:%d", l.cfg.Adapter.Host, l.cfg.Adapter.Port)

		err = l.poll(ctx, sess)
		sess.Close()
		if ctx.Err() != nil {
			return nil
		}

		l.log.Warnf("connection lost: %v (reconnecting in %s)", err, delay)
		l.publishDisconnected(err)
		l.setState(StateReconnectWait)
		if l.idle(ctx, delay, nil) != nil {
			return nil
		}
	}
}

// poll runs cycles on sess until a connection-level fault or cancellation.
func (l *Loop) poll(ctx context.Context, sess Session) error {
	for {
		start := time.Now()
		if err := l.cycle(ctx, sess); err != nil {
			return err
		}
		if err := l.idle(ctx, l.pace(start), sess); err != nil {
			return err
		}
	}
}

// pace returns how long to wait after a cycle that began at start so cycles
// start every PollInterval. A cycle that overran starts the next at once.
func (l *Loop) pace(start time.Time) time.Duration {
	return max(l.cfg.PollInterval-time.Since(start), 0)
}

// cycle requests every spec once and publishes the result. PID-level faults
// become absent readings; the first connection-level fault aborts the cycle
// without publishing.
func (l *Loop) cycle(ctx context.Context, sess Session) error {
	metrics := make(map[string]snapshot.Reading, len(l.cfg.Specs))
	var faults []string

	for _, spec := range l.cfg.Specs {
		v, err := read(ctx, sess, spec)
		if err != nil {
			if elm327.IsConnectionLevel(err) {
				return err
			}
			l.log.Debugf("%s: %v", spec.ID, err)
			faults = append(faults, fmt.Sprintf("%s: %v", spec.ID, err))
			metrics[spec.ID] = snapshot.Absent()
			continue
		}
		metrics[spec.ID] = snapshot.Present(spec.Round(v))
	}

	l.store.Publish(snapshot.Snapshot{
		Connected: true,
		UpdatedAt: l.now(),
		Adapter:   l.cfg.Adapter,
		LastError: snapshot.ErrorText(strings.Join(faults, "; ")),
		Metrics:   metrics,
	})
	return nil
}

func read(ctx context.Context, sess Session, spec obd.Spec) (float64, error) {
	if !spec.IsPID() {
		return sess.Voltage(ctx)
	}
	data, err := sess.Request(ctx, spec)
	if err != nil {
		return 0, err
	}
	return spec.Decode(data), nil
}

func (l *Loop) publishDisconnected(err error) {
	l.store.Publish(snapshot.Snapshot{
		Connected: false,
		UpdatedAt: l.now(),
		Adapter:   l.cfg.Adapter,
		LastError: snapshot.ErrorText(err.Error()),
		Metrics:   snapshot.AllAbsent(l.ids),
	})
}

func (l *Loop) runSimulated(ctx context.Context) error {
	l.setState(StateConnected)
	l.log.Infof("simulation mode, publishing every %s", l.cfg.PollInterval)
	for {
		start := time.Now()
		l.store.Publish(snapshot.Snapshot{
			Connected: true,
			UpdatedAt: l.now(),
			Adapter:   l.cfg.Adapter,
			Metrics:   l.sim.Next(),
		})
		if l.idle(ctx, l.pace(start), nil) != nil {
			return nil
		}
	}
}

// idle waits d while serving passthrough commands on sess. It returns
// ctx.Err() on cancellation, or the error of a passthrough command that broke
// the session.
func (l *Loop) idle(ctx context.Context, d time.Duration, sess Session) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case req := <-l.requests:
			if sess == nil {
				req.reply <- passthroughResult{err: ErrNotConnected}
				continue
			}
			text, err := sess.Exec(ctx, req.cmd)
			req.reply <- passthroughResult{text: text, err: err}
			if elm327.IsConnectionLevel(err) {
				return err
			}
		}
	}
}

func (l *Loop) nextDelay(d time.Duration) time.Duration {
	if l.cfg.MaxReconnectDelay <= l.cfg.ReconnectDelay {
		return l.cfg.ReconnectDelay
	}
	return min(d*2, l.cfg.MaxReconnectDelay)
}

// Passthrough runs cmd on the adapter between poll cycles and returns the raw
// reply text. It fails with ErrNotConnected unless a real session is up.
func (l *Loop) Passthrough(ctx context.Context, cmd string) (string, error) {
	if l.cfg.Simulate || l.State() != StateConnected {
		return "", ErrNotConnected
	}
	req := passthrough{cmd: cmd, reply: make(chan passthroughResult, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
