// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

package tunneler

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/fwdcore/forward"
	"github.com/gatewaycore/fwdcore/fwderrors"
	"github.com/gatewaycore/fwdcore/peer/path"
)

func pipeConn() (*path.Connection, net.Conn) {
	client, peer := net.Pipe()
	return path.Open(path.Path{Port: 3128}, client), peer
}

func TestTunnelSucceedsAndCapturesLeftover(t *testing.T) {
	conn, peer := pipeConn()
	defer peer.Close()

	go func() {
		br := bufio.NewReader(peer)
		req, err := http.ReadRequest(br)
		require.NoError(t, err)
		assert.Equal(t, http.MethodConnect, req.Method)
		assert.Equal(t, "origin.test:443", req.Host)
		_, _ = peer.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\nHELLO"))
	}()

	tun := New(Config{Timeout: time.Second})
	req := &forward.Request{TargetHost: "origin.test", TargetPort: 443}

	out, err := tun.Tunnel(context.Background(), conn, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), out.Leftover)
}

func TestTunnelFailsOnNon2xx(t *testing.T) {
	conn, peer := pipeConn()
	defer peer.Close()

	go func() {
		br := bufio.NewReader(peer)
		_, _ = http.ReadRequest(br)
		_, _ = peer.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))
	}()

	tun := New(Config{Timeout: time.Second})
	req := &forward.Request{TargetHost: "origin.test", TargetPort: 443}

	_, err := tun.Tunnel(context.Background(), conn, req)
	require.Error(t, err)
	assert.Equal(t, 407, fwderrors.UpstreamStatus(err))
}

func TestTunnelSendsProxyAuthorization(t *testing.T) {
	conn, peer := pipeConn()
	defer peer.Close()

	done := make(chan string, 1)
	go func() {
		br := bufio.NewReader(peer)
		req, err := http.ReadRequest(br)
		require.NoError(t, err)
		done <- req.Header.Get("Proxy-Authorization")
		_, _ = peer.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	tun := New(Config{Timeout: time.Second})
	req := &forward.Request{TargetHost: "origin.test", TargetPort: 443, ProxyAuthorization: "Basic dXNlcjpwYXNz"}

	_, err := tun.Tunnel(context.Background(), conn, req)
	require.NoError(t, err)
	assert.Equal(t, "Basic dXNlcjpwYXNz", <-done)
}

func TestTunnelRejectsMalformedTargetHost(t *testing.T) {
	conn, peer := pipeConn()
	defer peer.Close()

	tun := New(Config{Timeout: time.Second})
	req := &forward.Request{TargetHost: "origin.test\r\nX-Injected: yes", TargetPort: 443}

	_, err := tun.Tunnel(context.Background(), conn, req)
	require.Error(t, err)
	assert.False(t, conn.IsOpen())
}

func TestTunnelClosesConnOnWriteFailure(t *testing.T) {
	conn, peer := pipeConn()
	_ = peer.Close() // make writes fail immediately

	tun := New(Config{Timeout: time.Second})
	req := &forward.Request{TargetHost: "origin.test", TargetPort: 443}

	_, err := tun.Tunnel(context.Background(), conn, req)
	require.Error(t, err)
	assert.False(t, conn.IsOpen())
}
