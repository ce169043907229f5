// Package qmp speaks the QEMU Machine Protocol directly over a monitor
// socket, just far enough to tunnel human-monitor commands for register and
// physical memory introspection.
//
// The client deliberately does not decode QMP JSON. Replies are treated as
// raw text, and the fields the backends need are pulled out by marker
// scanning, matching what real monitor output looks like on the wire.
package qmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/mdlayher/vsock"

	"github.com/FirstLoveLife/kvm-dmesg/internal/arch"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/chunk"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/hmp"
)

// Protocol literals. The greeting is matched by prefix, the negotiation
// acknowledgment must match exactly.
const (
	greetingPrefix  = `{"QMP":`
	capabilitiesCmd = `{ "execute": "qmp_capabilities" }`
	capabilitiesAck = "{\"return\": {}}\r\n"

	// monitorCmd wraps a human-monitor command line in the QMP envelope.
	monitorCmd = `{"execute": "human-monitor-command", "arguments": {"command-line": "%s"}}`

	// returnMarker starts the string payload of a human-monitor reply.
	returnMarker = `"return": "`
)

const (
	// DefaultReadTimeout is the per-iteration quiesce window of the reply
	// read loop. QMP carries no length or terminator this client can rely
	// on, so "no data for this long" is what ends a reply. Replies that
	// stall longer than this mid-transfer are truncated; raising the value
	// trades latency for safety under load. This is a correctness knob, not
	// a tuning knob.
	DefaultReadTimeout = 50 * time.Millisecond

	// DefaultDialTimeout bounds the initial socket connect.
	DefaultDialTimeout = 5 * time.Second

	// maxReplyBytes bounds the reply accumulation buffer. A single 4096-byte
	// dump reply is under 32KiB of text; anything near this limit is not a
	// monitor reply.
	maxReplyBytes = 1 << 20

	// readChunkBytes is drained per loop iteration while data is ready.
	readChunkBytes = 1024
)

// State is the handshake progress of a connection. Commands may only be
// issued in StateReady.
type State int

const (
	StateDisconnected State = iota
	StateGreeted
	StateReady
)

// Config tunes a Client. The zero value uses the defaults above.
type Config struct {
	ReadTimeout time.Duration
	DialTimeout time.Duration
}

// Client is a connected QMP monitor session. Not safe for concurrent use;
// the socket is a single shared command channel.
type Client struct {
	conn        net.Conn
	state       State
	readTimeout time.Duration
}

// Dial connects to a QMP monitor endpoint and performs the greeting and
// capability negotiation handshake. The endpoint is a unix socket path, a
// "tcp://host:port" address, or a "vsock://cid:port" address. Any handshake
// failure closes the socket and fails the dial.
func Dial(ctx context.Context, endpoint string, cfg Config) (*Client, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	conn, err := dialEndpoint(ctx, endpoint, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to monitor %q: %w", endpoint, err)
	}

	c := &Client{conn: conn, state: StateDisconnected, readTimeout: cfg.ReadTimeout}
	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}

	log.G(ctx).WithField("endpoint", endpoint).Debug("qmp session ready")
	return c, nil
}

func dialEndpoint(ctx context.Context, endpoint string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	switch {
	case strings.HasPrefix(endpoint, "vsock://"):
		cid, port, err := splitVsock(strings.TrimPrefix(endpoint, "vsock://"))
		if err != nil {
			return nil, err
		}
		return dialVsock(ctx, cid, port, timeout)
	case strings.HasPrefix(endpoint, "tcp://"):
		return d.DialContext(ctx, "tcp", strings.TrimPrefix(endpoint, "tcp://"))
	default:
		return d.DialContext(ctx, "unix", endpoint)
	}
}

// dialVsock bounds vsock.Dial, which takes neither a context nor a timeout,
// with the same deadline the other endpoint kinds get.
func dialVsock(ctx context.Context, cid, port uint32, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn *vsock.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		// The dial goroutine may still succeed; don't leak its socket.
		go func() {
			if r := <-ch; r.err == nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func splitVsock(addr string) (cid, port uint32, err error) {
	cs, ps, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock address %q: want cid:port", addr)
	}
	c, err := strconv.ParseUint(cs, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock cid %q: %w", cs, err)
	}
	p, err := strconv.ParseUint(ps, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port %q: %w", ps, err)
	}
	return uint32(c), uint32(p), nil
}

// handshake advances disconnected -> greeted -> ready.
func (c *Client) handshake() error {
	greeting, err := c.readReply()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if len(greeting) == 0 || !strings.HasPrefix(string(greeting), greetingPrefix) {
		return fmt.Errorf("no QMP greeting from monitor")
	}
	c.state = StateGreeted

	ack, err := c.exchange(capabilitiesCmd)
	if err != nil {
		return fmt.Errorf("negotiate capabilities: %w", err)
	}
	if string(ack) != capabilitiesAck {
		return fmt.Errorf("unexpected capabilities reply %q", ack)
	}
	c.state = StateReady
	return nil
}

// Registers queries "info registers" and extracts CR3, CR4 and IDT. Unlike
// the hypervisor-connection backend, a missing token here is a hard error
// rather than a zero value.
func (c *Client) Registers() (arch.Registers, error) {
	reply, err := c.command("info registers")
	if err != nil {
		return arch.Registers{}, err
	}

	var regs arch.Registers
	for _, f := range []struct {
		token string
		dst   *uint64
	}{
		{"CR3", &regs.CR3},
		{"CR4", &regs.CR4},
		{"IDT", &regs.IDTR},
	} {
		v, ok := hmp.ScanRegister(string(reply), f.token)
		if !ok {
			return arch.Registers{}, fmt.Errorf("register %s not in monitor reply", f.token)
		}
		*f.dst = v
	}
	return regs, nil
}

// ReadMemory fills buf with guest physical memory starting at addr, issuing
// one byte-granularity dump per 4096-byte part. A zero-length read is a
// no-op.
func (c *Client) ReadMemory(addr uint64, buf []byte) (int, error) {
	if err := chunk.Read(addr, buf, c.readPart); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (c *Client) readPart(addr uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}

	reply, err := c.command(fmt.Sprintf("xp /%dxb 0x%x", len(out), addr))
	if err != nil {
		return err
	}

	n, err := parseByteDump(string(reply), out)
	if err != nil {
		return fmt.Errorf("dump at 0x%x: %w", addr, err)
	}
	if n < len(out) {
		// No framing to detect a stalled reply; a short parse is most
		// likely a truncated read (see DefaultReadTimeout).
		log.L.WithField("addr", fmt.Sprintf("0x%x", addr)).
			WithField("want", len(out)).WithField("got", n).
			Warn("monitor dump reply shorter than requested")
	}
	return nil
}

// parseByteDump locates the string payload of a human-monitor reply and
// parses the dump lines inside it into out. Line breaks inside the payload
// are the literal two-character sequences \r and \n, not real control
// characters, so the payload is walked byte by byte instead of being
// unescaped wholesale.
func parseByteDump(reply string, out []byte) (int, error) {
	i := strings.Index(reply, returnMarker)
	if i < 0 {
		return 0, fmt.Errorf("no return payload in monitor reply")
	}
	payload := reply[i+len(returnMarker):]

	var line strings.Builder
	pos := 0
	for j := 0; j < len(payload) && pos < len(out); j++ {
		ch := payload[j]
		switch {
		case ch == '"':
			return pos, nil
		case ch == '\\' && j+1 < len(payload) && payload[j+1] == 'r':
			pos += copy(out[pos:], hmp.ParseByteLine(line.String()))
			line.Reset()
			j++
		case ch == '\\' && j+1 < len(payload) && payload[j+1] == 'n':
			j++
		default:
			line.WriteByte(ch)
		}
	}
	return pos, nil
}

// command sends one human-monitor command and returns the raw reply text.
// Only a fully negotiated connection may issue commands.
func (c *Client) command(line string) ([]byte, error) {
	if c.state != StateReady {
		return nil, fmt.Errorf("monitor connection not negotiated: %w", errdefs.ErrFailedPrecondition)
	}
	return c.exchange(fmt.Sprintf(monitorCmd, line))
}

// exchange writes one QMP request and drains the reply. An empty reply means
// the monitor did not answer within the quiesce window and fails the call.
func (c *Client) exchange(req string) ([]byte, error) {
	if c.state == StateDisconnected || c.conn == nil {
		return nil, fmt.Errorf("monitor connection not established: %w", errdefs.ErrFailedPrecondition)
	}
	if _, err := io.WriteString(c.conn, req); err != nil {
		return nil, fmt.Errorf("send monitor command: %w", err)
	}
	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty reply from monitor")
	}
	return reply, nil
}

// readReply accumulates socket data until no more arrives within the read
// timeout, treating quiescence as end of message. QMP gives this client no
// better signal; see DefaultReadTimeout.
func (c *Client) readReply() ([]byte, error) {
	var reply []byte
	buf := make([]byte, readChunkBytes)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, fmt.Errorf("arm read timeout: %w", err)
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			reply = append(reply, buf[:n]...)
			if len(reply) > maxReplyBytes {
				return nil, fmt.Errorf("monitor reply exceeds %d bytes", maxReplyBytes)
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
				return reply, nil
			}
			return nil, fmt.Errorf("read monitor reply: %w", err)
		}
	}
}

// State reports the handshake progress. Registers and ReadMemory require
// StateReady.
func (c *Client) State() State {
	return c.state
}

// Close tears the connection down. Close errors on an already-dead
// descriptor are logged and swallowed so that a session release never fails
// on teardown.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		log.L.WithError(err).Warn("failed to close monitor connection")
	}
	c.conn = nil
	c.state = StateDisconnected
	return nil
}
