package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddr(t *testing.T) {
	golden := []struct{ Addr, Normal string }{
		{"", "localhost:6379"},
		{":", "localhost:6379"},
		{"test.host", "test.host:6379"},
		{"test.host:", "test.host:6379"},
		{":99", "localhost:99"},
		{"/var/redis/../run/redis.sock", "/var/run/redis.sock"},
	}
	for _, gold := range golden {
		assert.Equal(t, gold.Normal, normalizeAddr(gold.Addr), "addr %q", gold.Addr)
	}
}

func TestIsUnixAddr(t *testing.T) {
	assert.True(t, isUnixAddr("/var/run/redis.sock"))
	assert.False(t, isUnixAddr("localhost:6379"))
	assert.False(t, isUnixAddr(""))
}

func TestNetTransport_ConnectWriteReceiveClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		serverDone <- buf[:n]
		_, _ = conn.Write([]byte("+PONG\r\n"))
	}()

	tr := NewTCPTransport(ln.Addr().String(), time.Second, nil)

	dataCh := make(chan []byte, 1)
	tr.SetCallbacks(
		func(p []byte, ts time.Time) { dataCh <- p },
		func() {},
		func() {},
		func(err error, code Code, ts time.Time) {},
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	assert.Equal(t, TransportConnected, tr.State())

	require.NoError(t, tr.Write([]byte("PING\r\n")))

	select {
	case got := <-serverDone:
		assert.Equal(t, "PING\r\n", string(got))
	case <-time.After(time.Second):
		t.Fatal("server never received the write")
	}

	select {
	case got := <-dataCh:
		assert.Equal(t, "+PONG\r\n", string(got))
	case <-time.After(time.Second):
		t.Fatal("client never received the reply")
	}

	require.NoError(t, tr.Close())
}

func TestNetTransport_ReconnectFromConnectedFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	tr := NewTCPTransport(ln.Addr().String(), time.Second, nil)
	tr.SetCallbacks(func([]byte, time.Time) {}, func() {}, func() {}, func(error, Code, time.Time) {})

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	err = tr.Connect(ctx)
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeAlreadyConnected, rerr.Code)
}

func TestNetTransport_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	tr := NewTCPTransport(addr, time.Second, nil)
	tr.SetCallbacks(func([]byte, time.Time) {}, func() {}, func() {}, func(error, Code, time.Time) {})

	err = tr.Connect(context.Background())
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeConnectionRefused, rerr.Code)
}
