package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go-conductor/debug"
	"go-conductor/protocol"
)

// DefaultDialTimeout bounds connection establishment when ctx has no deadline
const DefaultDialTimeout = 5 * time.Second

var ErrClosed = errors.New("dispatch: channel closed")

// ConnectionError reports a transport that could not be established or was
// lost mid-stream. It is fatal to the session; nothing is retried.
type ConnectionError struct {
	Op   string // "dial" or "write"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dispatch: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type options struct {
	dialTimeout time.Duration
	onStatus    func(line string)
}

// Option configures Dial and New
type Option func(*options)

// WithDialTimeout overrides DefaultDialTimeout
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithStatusHandler enables read-back: every line the receiver writes is
// passed to fn from a background goroutine. Without it the channel is
// write-only.
func WithStatusHandler(fn func(line string)) Option {
	return func(o *options) { o.onStatus = fn }
}

func buildOptions(opts []Option) options {
	o := options{dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Channel is an ordered, write-only command stream to one receiver.
// Send must be called from one goroutine; Close may be called from any.
type Channel struct {
	name string
	w    io.WriteCloser
	buf  []byte // owned by Send

	mu     sync.Mutex
	sent   int
	err    error // sticky transport failure
	closed bool

	statusDone chan struct{}
}

// Dial connects to target and returns a ready channel
func Dial(ctx context.Context, target Target, opts ...Option) (*Channel, error) {
	o := buildOptions(opts)

	if _, ok := ctx.Deadline(); !ok && o.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
	}

	var (
		conn net.Conn
		err  error
	)
	switch target.Transport {
	case TransportTCP, "":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", target.Addr())
	case TransportWS, TransportWSS:
		conn, err = dialWebSocket(ctx, target, o.onStatus != nil)
	default:
		err = fmt.Errorf("unknown transport %q", target.Transport)
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: target.String(), Err: err}
	}

	debug.Log("dispatch", "connected to %s", target)
	return newChannel(conn, target.String(), o), nil
}

// New wraps an already established stream. If w is also an io.Reader and a
// status handler is given, receiver lines are read back.
func New(w io.WriteCloser, name string, opts ...Option) *Channel {
	return newChannel(w, name, buildOptions(opts))
}

func newChannel(w io.WriteCloser, name string, o options) *Channel {
	c := &Channel{name: name, w: w}
	if r, ok := w.(io.Reader); ok && o.onStatus != nil {
		c.statusDone = make(chan struct{})
		go c.readStatus(r, o.onStatus)
	}
	return c
}

func (c *Channel) readStatus(r io.Reader, fn func(string)) {
	defer close(c.statusDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		debug.Log("status", "read-back from %s ended: %v", c.name, err)
	}
}

// Name identifies the remote end in logs and errors
func (c *Channel) Name() string {
	return c.name
}

// Send encodes cmd and writes the whole line. A transport failure is
// returned as *ConnectionError and every later Send fails the same way.
// Once Close has been called Send returns ErrClosed, including for a write
// interrupted by the close.
func (c *Channel) Send(cmd protocol.Command) error {
	c.mu.Lock()
	err, closed := c.err, c.closed
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if closed {
		return ErrClosed
	}

	line, err := protocol.Append(c.buf[:0], cmd)
	if err != nil {
		return err
	}
	c.buf = line

	// io.Writer guarantees an error on short writes
	_, werr := c.w.Write(line)

	c.mu.Lock()
	defer c.mu.Unlock()
	if werr != nil {
		if c.closed {
			return ErrClosed
		}
		c.err = &ConnectionError{Op: "write", Addr: c.name, Err: werr}
		return c.err
	}
	c.sent++
	debug.LogEvery(sendLogEvery, "dispatch", "%s: sent %s", c.name, line[:len(line)-1])
	return nil
}

// sendLogEvery thins the per-line debug output; warm-up sends 40 lines
// in a few milliseconds
const sendLogEvery = 10

// Sent returns the number of commands fully written
func (c *Channel) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// StatusDone is closed when read-back stops; nil when read-back is off
func (c *Channel) StatusDone() <-chan struct{} {
	return c.statusDone
}

// Close closes the underlying stream. Calling it again is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sent := c.sent
	c.mu.Unlock()

	debug.Log("dispatch", "closing %s after %d commands", c.name, sent)
	return c.w.Close()
}
