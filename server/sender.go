package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/c360/dserv/dispatch"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/wire"
)

// SendTable holds the outbound push clients registered with %reg. Each
// client is a subscriber whose notifications are written to a socket the
// server dialed; it receives only names added with %match.
type SendTable struct {
	srv *Server

	mu      sync.Mutex
	clients map[string]*sendClient
	wg      sync.WaitGroup
}

type sendClient struct {
	key    string
	nc     net.Conn
	sub    *dispatch.Subscriber
	cancel context.CancelFunc
	writeT time.Duration
	once   sync.Once
}

func (sc *sendClient) write(b []byte) error {
	if sc.writeT > 0 {
		_ = sc.nc.SetWriteDeadline(time.Now().Add(sc.writeT))
	}
	_, err := sc.nc.Write(b)
	return err
}

func (sc *sendClient) stop() {
	sc.once.Do(func() {
		sc.cancel()
		sc.sub.Close()
		_ = sc.nc.Close()
	})
}

func newSendTable(s *Server) *SendTable {
	return &SendTable{srv: s, clients: make(map[string]*sendClient)}
}

func sendKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Register dials host:port and starts pushing matched datapoints to it.
// flags bit 0 selects fixed frames, bit 1 JSON lines, otherwise text lines.
// Registering an existing client replaces it.
func (t *SendTable) Register(host string, port, flags int) error {
	key := sendKey(host, port)
	d := net.Dialer{Timeout: t.srv.cfg.DialTimeout}
	nc, err := d.Dial("tcp", key)
	if err != nil {
		return errors.WrapTransient(err, "SendTable", "Register", "dial "+key)
	}
	if tc, ok := nc.(*net.TCPConn); ok && t.srv.cfg.NoDelay {
		_ = tc.SetNoDelay(true)
	}

	sub := t.srv.broker.Subscribe(t.srv.cfg.QueueSize)
	sub.SetFormat(wire.FormatFromFlags(flags))
	ctx, cancel := context.WithCancel(context.Background())
	sc := &sendClient{key: key, nc: nc, sub: sub, cancel: cancel, writeT: t.srv.cfg.WriteTimeout}

	t.mu.Lock()
	old := t.clients[key]
	t.clients[key] = sc
	n := len(t.clients)
	t.mu.Unlock()

	if old != nil {
		old.stop()
	}
	t.srv.metrics.setSendClients(n)
	t.srv.logger.Info("Send client registered", "client", key, "format", sub.Format().String())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := pump(ctx, sub, sc.write, t.srv.metrics)
		if err != nil && !stderrors.Is(err, errors.ErrSubscriberClosed) && ctx.Err() == nil {
			t.srv.logger.Warn("Send client dropped", "client", key, "error", err)
		}
		t.remove(sc)
	}()
	return nil
}

func (t *SendTable) remove(sc *sendClient) {
	t.mu.Lock()
	if t.clients[sc.key] == sc {
		delete(t.clients, sc.key)
	}
	n := len(t.clients)
	t.mu.Unlock()

	sc.stop()
	t.srv.metrics.setSendClients(n)
}

func (t *SendTable) lookup(host string, port int) (*sendClient, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sc, ok := t.clients[sendKey(host, port)]
	return sc, ok
}

// Unregister stops the client and reports whether it was registered.
func (t *SendTable) Unregister(host string, port int) bool {
	sc, ok := t.lookup(host, port)
	if ok {
		t.remove(sc)
		t.srv.logger.Info("Send client unregistered", "client", sc.key)
	}
	return ok
}

// AddMatch adds a name pattern to a registered client.
func (t *SendTable) AddMatch(host string, port int, pattern string, every int) error {
	sc, ok := t.lookup(host, port)
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownClient, "SendTable", "AddMatch",
			fmt.Sprintf("find client %s", sendKey(host, port)))
	}
	return sc.sub.Subscribe(pattern, every)
}

// RemoveMatch removes a pattern and reports whether it was present.
func (t *SendTable) RemoveMatch(host string, port int, pattern string) bool {
	sc, ok := t.lookup(host, port)
	if !ok {
		return false
	}
	return sc.sub.Unsubscribe(pattern)
}

// Matches returns the patterns of a registered client.
func (t *SendTable) Matches(host string, port int) ([]dispatch.Filter, bool) {
	sc, ok := t.lookup(host, port)
	if !ok {
		return nil, false
	}
	return sc.sub.Filters(), true
}

// Len returns the number of registered clients.
func (t *SendTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Close stops every client and waits for their write loops.
func (t *SendTable) Close() {
	t.mu.Lock()
	clients := make([]*sendClient, 0, len(t.clients))
	for _, sc := range t.clients {
		clients = append(clients, sc)
	}
	t.mu.Unlock()

	for _, sc := range clients {
		t.remove(sc)
	}
	t.wg.Wait()
}
