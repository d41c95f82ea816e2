package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/wire"
)

// Stream receives subscribed datapoints as fixed frames. Replies to its
// subscription commands share the socket with notifications; the two are
// told apart by the leading '>' of every frame. Datapoints too large for
// a fixed frame are not delivered to a Stream. A Stream is not safe for
// concurrent use.
type Stream struct {
	nc      net.Conn
	br      *bufio.Reader
	backlog []*datapoint.Datapoint
}

// DialStream opens a streaming connection.
func DialStream(ctx context.Context, addr string) (*Stream, error) {
	nc, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	s := &Stream{nc: nc, br: bufio.NewReader(nc)}
	if err := s.command("format", "binary"); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection.
func (s *Stream) Close() error {
	return s.nc.Close()
}

// Subscribe adds a name pattern; every > 1 thins the updates.
func (s *Stream) Subscribe(pattern string, every int) error {
	return s.command("sub", pattern, strconv.Itoa(every))
}

// Unsubscribe removes a name pattern.
func (s *Stream) Unsubscribe(pattern string) error {
	return s.command("unsub", pattern)
}

// SubscribeGroup adds an event-group filter.
func (s *Stream) SubscribeGroup(id int) error {
	return s.command("subgroup", strconv.Itoa(id))
}

// Next blocks until the next notification arrives.
func (s *Stream) Next() (*datapoint.Datapoint, error) {
	if len(s.backlog) > 0 {
		dp := s.backlog[0]
		s.backlog = s.backlog[1:]
		return dp, nil
	}
	dp, line, err := s.read()
	if err != nil {
		return nil, err
	}
	if dp == nil {
		return nil, errors.WrapInvalid(errors.ErrUnknownFraming, "Stream", "Next", "read notification, got reply "+strconv.Quote(line))
	}
	return dp, nil
}

func (s *Stream) command(verb string, args ...string) error {
	if _, err := s.nc.Write([]byte(wire.FormatCommand(verb, args...))); err != nil {
		return errors.WrapTransient(err, "Stream", "command", "send "+verb)
	}
	for {
		dp, line, err := s.read()
		if err != nil {
			return err
		}
		if dp != nil {
			s.backlog = append(s.backlog, dp)
			continue
		}
		status, payload, err := wire.ParseReply(line)
		if err != nil {
			return err
		}
		_, err = expectOK(verb, status, payload, nil)
		return err
	}
}

// read returns either a notification or a reply line.
func (s *Stream) read() (*datapoint.Datapoint, string, error) {
	first, err := s.br.Peek(1)
	if err != nil {
		return nil, "", errors.WrapTransient(err, "Stream", "read", "peek message")
	}
	if first[0] == wire.PrefixFixed {
		frame := make([]byte, wire.FixedFrameSize)
		if _, err := io.ReadFull(s.br, frame); err != nil {
			return nil, "", errors.WrapTransient(err, "Stream", "read", "read fixed frame")
		}
		dp, err := wire.DecodeFixedFrame(frame)
		return dp, "", err
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		return nil, "", errors.WrapTransient(err, "Stream", "read", "read reply")
	}
	return nil, line, nil
}
