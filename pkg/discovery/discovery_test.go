package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/security"
	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/cuemby/jobmesh/pkg/wire"
)

// fakeNode accepts one connection, reads the auth placeholder + PING
// frame, and replies with a PONG built from the given sign/cpus.
func fakeNode(t *testing.T, nodeSecret []byte, sign string, cpus int, name string) (addr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = wire.ReadAuthPrefix(conn, authPlaceholderLen)
		env, err := wire.ReadFrame(conn)
		if err != nil || env.Cmd != "PING" {
			return
		}
		auth := security.AuthCode(nodeSecret, []byte(sign))
		_ = wire.WriteFrame(conn, "PONG", types.PongMsg{
			IPAddr: "127.0.0.1",
			Port:   0,
			CPUs:   cpus,
			Sign:   sign,
			Name:   name,
			Auth:   auth,
		})
	}()
	return ln.Addr().String(), ch
}

func TestHandshakeRegistersNode(t *testing.T) {
	secret := []byte("node-secret")
	sign := "sign-1"
	addr, done := fakeNode(t, secret, sign, 4, "node1")
	host, portStr, splitErr := net.SplitHostPort(addr)
	require.NoError(t, splitErr)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	reg := registry.New()
	var found *types.Node
	svc := New(Config{SchedulerPort: 51347, NodeSecret: secret, Sign: "scheduler-sign"}, reg, func(n *types.Node, wasNew bool, dead []uint64) {
		found = n
	})

	node, wasNew, err := svc.Handshake(context.Background(), host, port)
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, 4, node.TotalCPUs)
	assert.Same(t, found, node)

	<-done
}

func TestHandshakeRejectsBadAuth(t *testing.T) {
	addr, done := fakeNode(t, []byte("real-secret"), "sign-1", 2, "node1")
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	reg := registry.New()
	svc := New(Config{SchedulerPort: 51347, NodeSecret: []byte("wrong-secret"), Sign: "scheduler-sign", MsgTimeout: time.Second}, reg, nil)

	_, _, err = svc.Handshake(context.Background(), host, port)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "auth mismatch"))

	<-done
}

func TestRegisterValidatesAuth(t *testing.T) {
	reg := registry.New()
	svc := New(Config{NodeSecret: []byte("s")}, reg, nil)

	_, _, _, err := svc.Register(types.PongMsg{IPAddr: "10.0.0.1", Port: 1, Sign: "x", Auth: "bogus"})
	assert.Error(t, err)

	valid := security.AuthCode([]byte("s"), []byte("x"))
	node, wasNew, dead, err := svc.Register(types.PongMsg{IPAddr: "10.0.0.1", Port: 1, Sign: "x", Auth: valid, CPUs: 2})
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Empty(t, dead)
	assert.Equal(t, valid, node.AuthToken)
}
