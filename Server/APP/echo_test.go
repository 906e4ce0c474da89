package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	cwrapper "github.com/Liangxia6/quicmux/Client/cWrapper"
	wrapper "github.com/Liangxia6/quicmux/Server/sWrapper"
)

func TestEchoHandler(t *testing.T) {
	srv, err := wrapper.Listen(wrapper.ServerOptions{ListenAddr: "127.0.0.1:0", Quiet: true, Logger: zap.NewNop()}, newEchoHandler(zap.NewNop()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	m := &cwrapper.Manager{Target: srv.LocalAddr().String(), Quiet: true, DialTimeout: 3 * time.Second, Logger: zap.NewNop()}
	s, err := m.Dial(ctx)
	require.NoError(t, err)
	defer s.Close()

	// larger than a packet, so the echo spans several STREAM frames
	body := bytes.Repeat([]byte("0123456789"), 500)
	reqCtx, reqCancel := context.WithTimeout(ctx, 3*time.Second)
	defer reqCancel()
	resp, err := s.Request(reqCtx, quicmux.NewHeaderBlock(":method", "POST", ":path", "/echo"), body)
	require.NoError(t, err)
	require.Equal(t, "200", resp.Status())
	require.Equal(t, body, resp.Body)
}
