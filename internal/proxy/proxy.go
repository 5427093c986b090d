// Package proxy re-serves the adapter over TCP so phone OBD apps can share it
// with the dashboard.
//
// Client commands are not written to the adapter directly: they are handed
// to the acquisition loop, which runs them on its own session between poll
// cycles. Commands that would change that session's settings are answered
// here and never forwarded.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Banner is returned for resets, as a real adapter prints it.
const Banner = "ELM327 v1.5"

// DefaultCommandTimeout bounds how long a client waits for a forwarded
// command, including the wait for the current poll cycle to finish.
const DefaultCommandTimeout = 5 * time.Second

// maxLine caps a single client command.
const maxLine = 256

// Executor runs a raw adapter command and returns its reply text without the
// prompt. *acquire.Loop implements it.
type Executor interface {
	Passthrough(ctx context.Context, cmd string) (string, error)
}

// Proxy accepts ELM327 clients.
type Proxy struct {
	exec    Executor
	log     *zap.SugaredLogger
	timeout time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a proxy forwarding to exec.
func New(exec Executor, log *zap.SugaredLogger) *Proxy {
	return &Proxy{
		exec:    exec,
		log:     log,
		timeout: DefaultCommandTimeout,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	return p.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled, then closes every
// client and waits for their handlers. It returns nil on cancellation.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.log.Infof("listening on %s", ln.Addr())
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		p.closeAll()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			p.closeAll()
			p.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		if !p.track(conn) {
			conn.Close()
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.untrack(conn)
			p.handle(ctx, conn)
		}()
	}
}

func (p *Proxy) track(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	p.conns[conn] = struct{}{}
	return true
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, conn)
	conn.Close()
}

func (p *Proxy) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

// client holds the per-connection settings an app believes it has set.
type client struct {
	echo     bool
	linefeed bool
}

func newClient() *client { return &client{echo: true} }

func (c *client) reset() {
	c.echo = true
	c.linefeed = false
}

func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	p.log.Infof("client %s connected", addr)
	defer p.log.Infof("client %s disconnected", addr)

	c := newClient()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, maxLine), maxLine)
	sc.Split(splitCommands)

	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		cmd := normalize(raw)

		// The command itself is echoed under the settings it arrived with.
		echo := c.echo
		body, ok := c.local(cmd)
		if !ok {
			body = p.forward(ctx, raw)
		}
		p.log.Debugf("%s: %q -> %q", addr, raw, body)

		if _, err := conn.Write(c.format(echo, raw, body)); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.log.Debugf("client %s: %v", addr, err)
	}
}

func (p *Proxy) forward(ctx context.Context, cmd string) string {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	text, err := p.exec.Passthrough(cctx, cmd)
	if err != nil {
		p.log.Debugf("forward %q: %v", cmd, err)
		return "?"
	}
	return text
}

// local answers commands that must not reach the shared session. The second
// result is false when cmd should be forwarded.
func (c *client) local(cmd string) (string, bool) {
	switch cmd {
	case "ATZ", "ATWS":
		c.reset()
		return Banner, true
	case "ATD":
		c.reset()
		return "OK", true
	case "ATE0", "ATE1":
		c.echo = cmd == "ATE1"
		return "OK", true
	case "ATL0", "ATL1":
		c.linefeed = cmd == "ATL1"
		return "OK", true
	case "ATR0", "ATR1", "ATM0", "ATM1", "ATV0", "ATV1", "ATAL", "ATNL":
		return "OK", true
	}
	switch {
	// Monitoring floods the session and baud changes would lose it.
	case hasAnyPrefix(cmd, "ATMA", "ATMR", "ATMT", "ATBRD", "ATBRT", "ATPP", "ATLP"):
		return "?", true
	case hasAnyPrefix(cmd, "ATS", "ATH", "ATTP", "ATAT", "ATCAF", "ATCF", "ATCM", "ATCRA", "ATFC", "ATIB", "ATIIA", "ATKW", "ATWM", "ATCEA"):
		return "OK", true
	}
	return "", false
}

// format renders a reply the way the client's settings expect it: optional
// echo, CR or CRLF line ends, a blank line and the prompt.
func (c *client) format(echo bool, cmd, body string) []byte {
	eol := "\r"
	if c.linefeed {
		eol = "\r\n"
	}
	var b bytes.Buffer
	if echo {
		b.WriteString(cmd)
		b.WriteString(eol)
	}
	for _, line := range strings.FieldsFunc(body, func(r rune) bool { return r == '\r' || r == '\n' }) {
		b.WriteString(line)
		b.WriteString(eol)
	}
	b.WriteString(eol)
	b.WriteByte('>')
	return b.Bytes()
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// splitCommands is a bufio.SplitFunc yielding CR- or LF-terminated commands.
func splitCommands(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
