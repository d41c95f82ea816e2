package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dserv/broker"
	"github.com/c360/dserv/client"
	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/event"
	"github.com/c360/dserv/metric"
	"github.com/c360/dserv/pkg/timestamp"
	"github.com/c360/dserv/wire"
)

const testNow = 1_700_000_000_000_000

func startServer(t *testing.T) (*Server, *broker.Broker, string) {
	t.Helper()

	cfg := broker.DefaultConfig()
	cfg.KeysDatapoint = false
	b, err := broker.New(cfg, broker.Deps{Clock: timestamp.Fixed(testNow)})
	require.NoError(t, err)

	scfg := DefaultConfig()
	scfg.Bind = "127.0.0.1"
	scfg.Port = 0
	srv, err := New(scfg, Deps{Broker: b, MetricsRegistry: metric.NewMetricsRegistry()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		_ = srv.Stop(5 * time.Second)
		b.Close()
	})
	return srv, b, srv.Addr().String()
}

func dialClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_QueryAbsent(t *testing.T) {
	_, _, addr := startServer(t)
	c := dialClient(t, addr)

	dp, ok, err := c.Get("never/set")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, dp)
}

func TestServer_PushThenQuery(t *testing.T) {
	_, _, addr := startServer(t)
	c := dialClient(t, addr)

	want := datapoint.New("ain/vals", datapoint.Short, 12345, datapoint.Int16s(1, -2, 3))
	require.NoError(t, c.Push(want))

	require.Eventually(t, func() bool {
		_, ok, err := c.Get("ain/vals")
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	got, ok, err := c.Get("ain/vals")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(want), "got %s", got)
}

func TestServer_PushStampsZeroTimestamp(t *testing.T) {
	_, b, addr := startServer(t)
	c := dialClient(t, addr)

	require.NoError(t, c.Push(datapoint.New("stamped", datapoint.Int, 0, datapoint.Int32s(1))))
	require.Eventually(t, func() bool {
		dp, ok := b.Get("stamped")
		return ok && dp.Timestamp == testNow
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_TextCommands(t *testing.T) {
	_, b, addr := startServer(t)
	c := dialClient(t, addr)

	tests := []struct {
		name    string
		verb    string
		args    []string
		status  wire.Status
		payload string
	}{
		{"version", "version", nil, wire.StatusOK, Version},
		{"get absent", "get", []string{"x"}, wire.StatusNotFound, ""},
		{"set", "set", []string{"x=hello world"}, wire.StatusOK, ""},
		{"get", "get", []string{"x"}, wire.StatusOK, "x 1 " + strconv.Itoa(testNow) + " 11 {hello world}"},
		{"getsize", "getsize", []string{"x"}, wire.StatusOK, "11"},
		{"getsize absent", "getsize", []string{"y"}, wire.StatusNotFound, ""},
		{"setdata", "setdata", []string{"y 5 7 4 {AQAAAA==}"}, wire.StatusOK, ""},
		{"get setdata", "get", []string{"y"}, wire.StatusOK, "y 5 7 4 {AQAAAA==}"},
		{"getkeys", "getkeys", nil, wire.StatusOK, "x y"},
		{"touch", "touch", []string{"x"}, wire.StatusOK, ""},
		{"touch absent", "touch", []string{"zz"}, wire.StatusFail, ""},
		{"clear", "clear", []string{"y"}, wire.StatusOK, ""},
		{"clear again", "clear", []string{"y"}, wire.StatusFail, ""},
		{"dropped", "dropped", nil, wire.StatusOK, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload, err := c.Command(tt.verb, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.payload, payload)
		})
	}

	assert.Equal(t, []string{"x"}, b.Keys())
}

func TestServer_CommandErrors(t *testing.T) {
	_, _, addr := startServer(t)
	c := dialClient(t, addr)

	tests := []struct {
		name string
		verb string
		args []string
		want string
	}{
		{"unknown", "frobnicate", nil, "unknown command"},
		{"set without equals", "set", []string{"novalue"}, "malformed command"},
		{"setdata length mismatch", "setdata", []string{"n 1 0 9 {abc}"}, "length mismatch"},
		{"get empty", "get", nil, "empty datapoint name"},
		{"evt too large", "evt", []string{"3 0 0 300 {" + datapoint.EncodeBase64(make([]byte, 300)) + "}"}, "exceeds capacity"},
		{"subgroup unknown", "subgroup", []string{"42"}, "unknown event group"},
		{"format unknown", "format", []string{"xml"}, "malformed command"},
		{"match unregistered", "match", []string{"127.0.0.1", "9", "x"}, "not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload, err := c.Command(tt.verb, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, wire.StatusFail, status)
			assert.Contains(t, payload, tt.want)
		})
	}

	// The connection survives command errors.
	v, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, Version, v)
}

func TestServer_SetDataRoundTrip(t *testing.T) {
	_, _, addr := startServer(t)
	c := dialClient(t, addr)

	for _, n := range []int{0, 1, 3, 4, 1024} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		want := datapoint.New("blob/"+strconv.Itoa(n), datapoint.Byte, 99, payload)
		require.NoError(t, c.SetData(want))

		got, ok, err := c.Get(want.Name)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Equal(want), "length %d", n)
	}
}

func TestServer_FramingErrorClosesOnlyThatConnection(t *testing.T) {
	srv, _, addr := startServer(t)
	good := dialClient(t, addr)
	require.NoError(t, good.Set("k", "v"))

	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer bad.Close()

	_, err = bad.Write([]byte("garbage"))
	require.NoError(t, err)

	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(bad).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "0 "))
	assert.Contains(t, line, "unknown framing")

	buf := make([]byte, 1)
	_, err = bad.Read(buf)
	assert.Error(t, err, "connection must be closed after a framing error")

	dp, ok, err := good.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(dp.Data))

	assert.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_MalformedBase64ClosesConnection(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"setdata", "%setdata x 5 1 4 {!!!!}\r\n"},
		{"evt", "%evt 3 0 0 4 {!!!!}\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, b, addr := startServer(t)
			good := dialClient(t, addr)

			bad, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer bad.Close()

			_, err = bad.Write([]byte(tt.line + "%version\r\n"))
			require.NoError(t, err)

			_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
			r := bufio.NewReader(bad)
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(line, "0 "))
			assert.Contains(t, line, "malformed base64")

			_, err = r.ReadString('\n')
			assert.Error(t, err, "the command after a framing error must not run")

			_, exists := b.Get("x")
			assert.False(t, exists)

			v, err := good.Version()
			require.NoError(t, err)
			assert.Equal(t, Version, v)
			assert.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServer_OversizeFixedFrameKeepsConnection(t *testing.T) {
	_, b, addr := startServer(t)
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	frame := make([]byte, wire.FixedFrameSize)
	frame[0] = wire.PrefixFixed
	binary.LittleEndian.PutUint16(frame[1:], 1)
	frame[3] = 'n'
	binary.LittleEndian.PutUint32(frame[16:], 500)
	_, err = nc.Write(frame)
	require.NoError(t, err)

	query, err := wire.AppendQuery(nil, "n")
	require.NoError(t, err)
	_, err = nc.Write(query)
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ok, err := wire.ReadQueryReply(nc)
	require.NoError(t, err)
	assert.False(t, ok)
	_, exists := b.Get("n")
	assert.False(t, exists)
}

func TestServer_InConnectionSubscription(t *testing.T) {
	_, b, addr := startServer(t)

	stream, err := client.DialStream(context.Background(), addr)
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, stream.Subscribe("ess/*", 1))

	pub := dialClient(t, addr)
	require.NoError(t, pub.Set("other", "ignored"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, pub.Push(datapoint.New("ess/state", datapoint.Int, uint64(i), datapoint.Int32s(int32(i)))))
	}

	for i := 1; i <= 3; i++ {
		dp, err := stream.Next()
		require.NoError(t, err)
		assert.Equal(t, "ess/state", dp.Name)
		assert.Equal(t, uint64(i), dp.Timestamp, "per-name commit order")
	}
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, stream.Close())
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond,
		"disconnect removes the subscription")
}

func TestServer_EventGroupSubscription(t *testing.T) {
	_, _, addr := startServer(t)

	stream, err := client.DialStream(context.Background(), addr)
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, stream.SubscribeGroup(4))

	pub := dialClient(t, addr)
	require.NoError(t, pub.PutEvent(3, 0, 10, nil))
	require.NoError(t, pub.PutEvent(130, 2, 11, []byte("ab")))

	dp, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, event.DatapointName, dp.Name)
	assert.Equal(t, uint8(130), dp.Event.Type)
	assert.Equal(t, uint8(2), dp.Event.Subtype)
	assert.Equal(t, uint64(11), dp.Timestamp)
}

func TestServer_EventRename(t *testing.T) {
	_, b, addr := startServer(t)
	c := dialClient(t, addr)

	require.NoError(t, c.RenameEvent(150, uint8(event.PutFloat), "Joystick"))
	assert.Equal(t, "Joystick", b.Events().Table().Lookup(150).Name)

	require.NoError(t, c.PutEvent(150, 0, 0, datapoint.Float32s(0.5)))
	status, payload, err := c.Command("get", event.DatapointName)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
	assert.True(t, strings.HasPrefix(payload, "evt:150:0 2 "+strconv.Itoa(testNow)+" 4 {"), payload)

	status, _, err = c.Command("evtname", "1", "2", "reserved")
	require.NoError(t, err)
	assert.Equal(t, wire.StatusFail, status)
}

func TestServer_SendClient(t *testing.T) {
	srv, _, addr := startServer(t)

	sink, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := sink.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	host, port, err := net.SplitHostPort(sink.Addr().String())
	require.NoError(t, err)
	c := dialClient(t, addr)

	status, _, err := c.Command("reg", host, port, "0")
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("send client never connected")
	}
	defer peer.Close()

	status, _, err = c.Command("match", host, port, "grasp/*", "2")
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)

	status, payload, err := c.Command("getmatch", host, port)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
	assert.Equal(t, "grasp/* 2", payload)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.SetData(datapoint.New("grasp/x", datapoint.String, uint64(100+i), []byte("v"))))
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(peer)
	for _, ts := range []string{"100", "102"} {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "grasp/x 1 "+ts+" 1 {v}\n", line)
	}

	status, _, err = c.Command("unmatch", host, port, "grasp/*")
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)

	status, _, err = c.Command("unreg", host, port)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
	assert.Eventually(t, func() bool { return srv.Senders().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	status, _, err = c.Command("getmatch", host, port)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusNotFound, status)
}

func TestServer_BinarySubscriberSkipsOversize(t *testing.T) {
	_, _, addr := startServer(t)

	stream, err := client.DialStream(context.Background(), addr)
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, stream.Subscribe("*", 1))

	pub := dialClient(t, addr)
	require.NoError(t, pub.SetData(datapoint.New("big", datapoint.Byte, 1, make([]byte, 500))))
	require.NoError(t, pub.Push(datapoint.New("small", datapoint.Byte, 2, []byte{1})))

	dp, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "small", dp.Name)
}

func TestServer_StopClosesConnections(t *testing.T) {
	srv, _, addr := startServer(t)
	c := dialClient(t, addr)
	_, err := c.Version()
	require.NoError(t, err)
	require.Equal(t, 1, srv.Connections())
	assert.True(t, srv.Health().IsHealthy())

	require.NoError(t, srv.Stop(5*time.Second))
	assert.Equal(t, 0, srv.Connections())
	assert.False(t, srv.Health().IsHealthy())

	_, err = c.Version()
	assert.Error(t, err)
}

func TestServer_StartTwice(t *testing.T) {
	srv, _, _ := startServer(t)
	assert.Error(t, srv.Start(context.Background()))
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Port = 70000
	b, err := broker.New(broker.DefaultConfig(), broker.Deps{})
	require.NoError(t, err)
	_, err = New(cfg, Deps{Broker: b})
	assert.Error(t, err)
}
