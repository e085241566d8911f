package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestConnectToHerdAgent_Acquire(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, port := listen(t)

	accepted := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		c, err := AcceptShepherd(ctx, nc, ConnConfig{AcquireMessage: "You are mine now!"}, zap.NewNop())
		if err == nil {
			c.Disconnect()
		}
		accepted <- err
	}()

	c, err := ConnectToHerdAgent(ctx, "127.0.0.1", ConnConfig{Port: port, AcquireMessage: "You are mine now!", DialTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, <-accepted)

	_, err = c.Transmitter(Options{})
	assert.NoError(t, err)

	c.Disconnect()
	c.Disconnect()
	_, err = c.Transmitter(Options{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAcceptShepherd_WrongMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, port := listen(t)

	accepted := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		_, err = AcceptShepherd(ctx, nc, ConnConfig{AcquireMessage: "right"}, zap.NewNop())
		accepted <- err
	}()

	c, err := ConnectToHerdAgent(ctx, "127.0.0.1", ConnConfig{Port: port, AcquireMessage: "wrong"}, nil)
	require.NoError(t, err)
	defer c.Disconnect()
	assert.ErrorIs(t, <-accepted, ErrAcquireRejected)
}

func TestConnectToHerdAgent_Refused(t *testing.T) {
	ln, port := listen(t)
	ln.Close()

	_, err := ConnectToHerdAgent(context.Background(), "127.0.0.1", ConnConfig{Port: port, AcquireMessage: "x", DialTimeout: time.Second}, nil)
	assert.Error(t, err)
}
