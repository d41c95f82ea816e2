package server

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/dserv/dispatch"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/wire"
)

// conn is one client session.
type conn struct {
	id     string
	srv    *Server
	nc     net.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	subMu  sync.Mutex
	sub    *dispatch.Subscriber
	pumpWG sync.WaitGroup

	// rejections are logged for the first few, then once per second
	rejectLog rate.Sometimes

	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn, id string) *conn {
	return &conn{
		id:     id,
		srv:    s,
		nc:     nc,
		logger: s.logger.With("conn_id", id, "remote", nc.RemoteAddr().String()),

		rejectLog: rate.Sometimes{First: 5, Interval: time.Second},
	}
}

// serve runs the read loop until the peer disconnects, a framing error
// occurs or ctx ends. On return the connection's subscriptions are gone.
func (c *conn) serve(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(parent)
	stop := context.AfterFunc(c.ctx, c.close)
	defer func() {
		stop()
		c.teardown()
	}()

	c.logger.Debug("Connection opened")
	r := wire.NewReader(c.nc, c.srv.cfg.MaxLineLength)
	for {
		f, err := r.Next()
		if err != nil {
			if wire.Recoverable(err) {
				if werr := c.reject(f, err); werr != nil {
					return
				}
				continue
			}
			c.readFailed(err)
			return
		}

		c.srv.metrics.recordFrame(f.Kind.String())
		if err := c.handle(f); err != nil {
			if wire.ClosesConnection(err) {
				c.logger.Warn("Closing connection after framing error", "error", err)
			} else {
				c.logger.Debug("Write failed", "error", err)
			}
			return
		}
	}
}

func (c *conn) handle(f wire.Frame) error {
	switch f.Kind {
	case wire.KindQuery:
		dp, ok := c.srv.broker.Get(f.Name)
		if !ok {
			dp = nil
		}
		return c.write(wire.AppendQueryReply(nil, dp))

	case wire.KindFixed:
		dp := f.Datapoint
		dp.Timestamp = c.srv.broker.Stamp(dp.Timestamp)
		if err := c.srv.broker.Set(dp); err != nil {
			c.srv.metrics.recordProtocolError()
			c.rejectLog.Do(func() { c.logger.Warn("Rejected fixed frame", "error", err) })
		}
		return nil

	default:
		status, payload, closeErr := c.execute(f.Line)
		if err := c.write(wire.AppendReply(nil, status, payload)); err != nil {
			return err
		}
		return closeErr
	}
}

// reject answers a message that failed validation but left the stream
// aligned. Queries get an absent reply; fixed frames have no reply.
func (c *conn) reject(f wire.Frame, err error) error {
	c.srv.metrics.recordProtocolError()
	c.rejectLog.Do(func() { c.logger.Warn("Rejected message", "kind", f.Kind.String(), "error", err) })
	if f.Kind == wire.KindQuery {
		return c.write(wire.AppendQueryReply(nil, nil))
	}
	return nil
}

func (c *conn) readFailed(err error) {
	switch {
	case stderrors.Is(err, io.EOF), stderrors.Is(err, net.ErrClosed), c.ctx.Err() != nil:
		c.logger.Debug("Connection closed")
	case errors.IsInvalid(err):
		c.srv.metrics.recordProtocolError()
		c.logger.Warn("Closing connection after framing error", "error", err)
		_ = c.write(wire.AppendReply(nil, wire.StatusFail, err.Error()))
	default:
		c.logger.Debug("Read failed", "error", err)
	}
}

func (c *conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if t := c.srv.cfg.WriteTimeout; t > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(t))
	}
	_, err := c.nc.Write(b)
	return err
}

// subscriber returns the connection's subscriber, registering it and
// starting its write loop on first use.
func (c *conn) subscriber() *dispatch.Subscriber {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.sub != nil {
		return c.sub
	}
	c.sub = c.srv.broker.Subscribe(c.srv.cfg.QueueSize)

	c.pumpWG.Add(1)
	go func(sub *dispatch.Subscriber) {
		defer c.pumpWG.Done()
		err := pump(c.ctx, sub, c.write, c.srv.metrics)
		if err != nil && !stderrors.Is(err, errors.ErrSubscriberClosed) && c.ctx.Err() == nil {
			c.logger.Debug("Notification write failed", "error", err)
			c.cancel()
		}
	}(c.sub)
	return c.sub
}

// dropped returns the connection's overflow count.
func (c *conn) dropped() int64 {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub == nil {
		return 0
	}
	return c.sub.Dropped()
}

func (c *conn) teardown() {
	c.cancel()

	c.subMu.Lock()
	sub := c.sub
	c.subMu.Unlock()
	if sub != nil {
		sub.Close()
	}

	c.close()
	c.pumpWG.Wait()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
	})
}
