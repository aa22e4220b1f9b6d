// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package tunneler implements TunnelerThruProxy (C4): writing a fabricated
// CONNECT request on an already-open transport to a parent proxy and
// consuming that proxy's response.
package tunneler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/gatewaycore/fwdcore/forward"
	"github.com/gatewaycore/fwdcore/fwderrors"
	"github.com/gatewaycore/fwdcore/peer/path"
)

// Config bounds a single CONNECT exchange.
type Config struct {
	// Timeout is the handshake timeout, derived identically to the connect
	// timeout per SPEC_FULL.md §4.4. Defaults to 30s if zero.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Tunneler writes a CONNECT request and parses the peer's response.
type Tunneler struct {
	cfg Config
	log *zap.Logger
}

// New constructs a Tunneler.
func New(cfg Config) *Tunneler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Tunneler{cfg: cfg, log: log}
}

// Tunnel implements forward.Tunneler. On a 2xx response it returns conn with
// any bytes read past the status line stashed in conn.Leftover. On a
// non-2xx or malformed response it closes conn and returns a
// fwderrors.TunnelerErrorf carrying the peer's status for display.
func (t *Tunneler) Tunnel(ctx context.Context, conn *path.Connection, req *forward.Request) (*path.Connection, error) {
	if !conn.IsOpen() {
		return nil, fwderrors.TunnelerErrorf(0, "connection closed before CONNECT could be written")
	}

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.Conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fwderrors.TunnelerErrorf(0, "setting CONNECT deadline: %v", err)
	}
	defer func() { _ = conn.Conn.SetDeadline(time.Time{}) }()

	target := net.JoinHostPort(req.TargetHost, strconv.Itoa(req.TargetPort))

	// The target and any forwarded Proxy-Authorization value can come from
	// an untrusted client request; httpguts rejects anything that could
	// smuggle a CRLF into the fabricated request line/header.
	if !httpguts.ValidHostHeader(target) {
		_ = conn.Close()
		return nil, fwderrors.TunnelerErrorf(0, "refusing CONNECT to malformed target %q", target)
	}
	if req.ProxyAuthorization != "" && !httpguts.ValidHeaderFieldValue(req.ProxyAuthorization) {
		_ = conn.Close()
		return nil, fwderrors.TunnelerErrorf(0, "refusing malformed Proxy-Authorization header value")
	}

	t.log.Debug("sending CONNECT", zap.String("target", target))

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	if req.ProxyAuthorization != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", req.ProxyAuthorization)
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn.Conn, b.String()); err != nil {
		_ = conn.Close()
		return nil, fwderrors.Wrap(fwderrors.TunnelerErrorf(0, "writing CONNECT request to %s", target), err)
	}

	br := bufio.NewReader(conn.Conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = conn.Close()
		return nil, fwderrors.Wrap(fwderrors.TunnelerErrorf(0, "reading CONNECT response from %s", target), err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = conn.Close()
		return nil, fwderrors.TunnelerErrorf(resp.StatusCode, "peer refused CONNECT to %s: %s", target, resp.Status)
	}

	if n := br.Buffered(); n > 0 {
		leftover := make([]byte, n)
		if _, err := io.ReadFull(br, leftover); err != nil {
			_ = conn.Close()
			return nil, fwderrors.Wrap(fwderrors.TunnelerErrorf(0, "draining CONNECT leftovers from %s", target), err)
		}
		conn.Leftover = leftover
	}

	return conn, nil
}
