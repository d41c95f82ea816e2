// Package client is a Go client for the dserv wire protocol.
//
// Client issues requests and waits for their replies: datapoint queries
// ('<'), fixed frame pushes ('>') and text commands ('%'). Stream is a
// separate connection that receives subscribed datapoints as fixed frames.
package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/wire"
)

// Option configures a client connection.
type Option func(*options)

type options struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout bounds each request round trip. Zero disables deadlines.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{timeout: 5 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Dial", "connect to "+addr)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return nc, nil
}

// Client is a request/response connection. Methods are safe for
// concurrent use; requests are serialized.
type Client struct {
	mu     sync.Mutex
	nc     net.Conn
	br     *bufio.Reader
	opts   options
	logger *slog.Logger
}

// Dial connects to a dserv server.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	nc, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &Client{
		nc:     nc,
		br:     bufio.NewReader(nc),
		opts:   o,
		logger: o.logger.With("component", "client", "addr", addr),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

func (c *Client) deadline() {
	if c.opts.timeout > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(c.opts.timeout))
	}
}

// Get queries name. The boolean is false when the server holds no value.
func (c *Client) Get(name string) (*datapoint.Datapoint, bool, error) {
	msg, err := wire.AppendQuery(nil, name)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline()
	if _, err := c.nc.Write(msg); err != nil {
		return nil, false, errors.WrapTransient(err, "Client", "Get", "send query")
	}
	return wire.ReadQueryReply(c.br)
}

// Push sends dp as a fixed frame. Datapoints that do not fit are rejected
// before anything is written. A zero timestamp is stamped by the server.
// Fixed frames have no reply.
func (c *Client) Push(dp *datapoint.Datapoint) error {
	frame, err := wire.EncodeFixedFrame(dp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline()
	if _, err := c.nc.Write(frame); err != nil {
		return errors.WrapTransient(err, "Client", "Push", "send fixed frame")
	}
	return nil
}

// Command sends a text command and returns the reply. Arguments holding a
// line break are rejected before anything is written.
func (c *Client) Command(verb string, args ...string) (wire.Status, string, error) {
	for _, a := range append([]string{verb}, args...) {
		if strings.ContainsAny(a, "\r\n") {
			return wire.StatusFail, "", errors.WrapInvalid(errors.ErrLineBreak, "Client", "Command",
				"format "+verb)
		}
	}
	return c.roundTrip(wire.FormatCommand(verb, args...))
}

func (c *Client) roundTrip(cmd string) (wire.Status, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline()

	if _, err := c.nc.Write([]byte(cmd)); err != nil {
		return wire.StatusFail, "", errors.WrapTransient(err, "Client", "roundTrip", "send command")
	}
	line, err := c.br.ReadString('\n')
	if err != nil {
		return wire.StatusFail, "", errors.WrapTransient(err, "Client", "roundTrip", "read reply")
	}
	return wire.ParseReply(line)
}

// expectOK turns a non-OK reply into an error.
func expectOK(method string, status wire.Status, payload string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if status != wire.StatusOK {
		return "", errors.WrapInvalid(fmt.Errorf("status %d: %s", status, payload), "Client", method, "execute command")
	}
	return payload, nil
}

// SetData stores dp through %setdata, which has no size limit.
func (c *Client) SetData(dp *datapoint.Datapoint) error {
	if err := dp.Validate(); err != nil {
		return err
	}
	cmd, err := wire.FormatSetData(dp)
	if err != nil {
		return err
	}
	status, payload, err := c.roundTrip(cmd)
	_, err = expectOK("SetData", status, payload, err)
	return err
}

// Set stores value as a STRING stamped with the server time.
func (c *Client) Set(name, value string) error {
	status, payload, err := c.Command("set", name+"="+value)
	_, err = expectOK("Set", status, payload, err)
	return err
}

// GetText returns the text form of name via %get.
func (c *Client) GetText(name string) (*datapoint.Datapoint, bool, error) {
	status, payload, err := c.Command("get", name)
	if err != nil {
		return nil, false, err
	}
	if status == wire.StatusNotFound {
		return nil, false, nil
	}
	if _, err := expectOK("GetText", status, payload, nil); err != nil {
		return nil, false, err
	}
	dp, err := datapoint.ParseText(payload)
	if err != nil {
		return nil, false, err
	}
	return dp, true, nil
}

// Keys lists every name held by the server.
func (c *Client) Keys() ([]string, error) {
	status, payload, err := c.Command("getkeys")
	payload, err = expectOK("Keys", status, payload, err)
	if err != nil {
		return nil, err
	}
	return strings.Fields(payload), nil
}

// Version returns the server protocol version.
func (c *Client) Version() (string, error) {
	status, payload, err := c.Command("version")
	return expectOK("Version", status, payload, err)
}

// PutEvent posts one event through %evt.
func (c *Client) PutEvent(typ, subtype uint8, ts uint64, data []byte) error {
	status, payload, err := c.Command("evt",
		strconv.Itoa(int(typ)), strconv.Itoa(int(subtype)),
		strconv.FormatUint(ts, 10), strconv.Itoa(len(data)),
		"{"+datapoint.EncodeBase64(data)+"}")
	_, err = expectOK("PutEvent", status, payload, err)
	return err
}

// RenameEvent redefines the name and put type of an event slot.
func (c *Client) RenameEvent(typ, putType uint8, name string) error {
	status, payload, err := c.Command("evtname", strconv.Itoa(int(typ)), strconv.Itoa(int(putType)), name)
	_, err = expectOK("RenameEvent", status, payload, err)
	return err
}
