// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	otlog "github.com/opentracing/opentracing-go/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gatewaycore/fwdcore/fwderrors"
	"github.com/gatewaycore/fwdcore/internal/buffer"
	"github.com/gatewaycore/fwdcore/internal/metrics"
	"github.com/gatewaycore/fwdcore/peer/path"
	"github.com/gatewaycore/fwdcore/peer/resolvedpeers"
)

const defaultShovelBufferSize = 32 * 1024

// establishedResponse is the synthesized reply written to a client that
// originally sent a CONNECT request, once the tunnel is ready to shovel.
const establishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"

// TunnelConfig bounds a TunnelState's pre-commit retry budget and its
// post-commit shovel behavior.
type TunnelConfig struct {
	Config

	// IdleReadTimeout is the per-direction idle read timeout applied once
	// shoveling starts; zero disables idle timeouts.
	IdleReadTimeout time.Duration

	// BufferSize is the size of each direction's pooled read buffer.
	// Defaults to 32KiB if zero.
	BufferSize int

	// Logger receives the shovel's closing byte counts and any shutdown
	// errors; nil is treated as a no-op logger.
	Logger *zap.Logger

	// Metrics receives per-direction shoveled byte counts; nil is treated
	// as a no-op registry (internal/metrics.Registry is itself nil-safe).
	Metrics *metrics.Registry
}

func (c TunnelConfig) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return defaultShovelBufferSize
}

func (c TunnelConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c TunnelConfig) metrics() *metrics.Registry {
	return c.Metrics
}

// TunnelState is the CONNECT/force-tunnel state machine (C6): it drives
// peer selection exactly as FwdState does, then hands two already-open
// ends over to a bidirectional byte shovel. Exactly one goroutine owns a
// TunnelState between Run and the shovel's completion (SPEC_FULL.md §5).
type TunnelState struct {
	cfg TunnelConfig

	opener    Opener
	tunneler  Tunneler
	connector Connector
	decider   Decider

	req          *Request
	destinations *resolvedpeers.List

	client                 net.Conn
	clientConnectRequested bool
	clientLeftover         []byte

	startTime time.Time
	tries     int

	flags struct {
		dontRetry bool
	}

	lastError error
}

// NewTunnelState constructs a TunnelState ready to drive a single tunneled
// transaction. client is the already-accepted client connection;
// clientConnectRequested is true when the client's own request was a
// CONNECT (so a synthesized "200 Established" must be written back before
// shoveling starts); clientLeftover is any bytes the client already pushed
// past its request that must be replayed into the shovel rather than
// dropped.
//
// Per SPEC_FULL.md §4.6 step 3, opener should be constructed with
// allowPersistent=false/retriable=false semantics — i.e. wired with
// happyeyeballs.NoReuse{} rather than a Pool-backed Reuser — since a
// tunneled byte stream can never safely hand back a standby connection.
func NewTunnelState(cfg TunnelConfig, opener Opener, tunneler Tunneler, connector Connector, decider Decider, req *Request, client net.Conn, clientConnectRequested bool, clientLeftover []byte) *TunnelState {
	return &TunnelState{
		cfg:                    cfg,
		opener:                 opener,
		tunneler:               tunneler,
		connector:              connector,
		decider:                decider,
		req:                    req,
		destinations:           resolvedpeers.New(cfg.MaxTries),
		client:                 client,
		clientConnectRequested: clientConnectRequested,
		clientLeftover:         clientLeftover,
		startTime:              time.Now(),
	}
}

// AddDestination appends a candidate path for this transaction.
func (t *TunnelState) AddDestination(p path.Path) {
	t.destinations.Add(p)
}

// Finalize marks that no more destinations will ever be added.
func (t *TunnelState) Finalize() {
	t.destinations.Finalize()
}

// Run selects a peer, establishes CONNECT/TLS as needed, and then shovels
// bytes bidirectionally until both directions are closed. It returns once
// the tunnel has fully closed, or an error if no destination could ever be
// made ready (spec §4.6 step 8: "before commit, failures follow the same
// retry-or-bail logic as FwdState").
func (t *TunnelState) Run(ctx context.Context) error {
	for {
		if t.exhaustedBudget() {
			return fwderrors.BudgetErrorf("forwarding budget exhausted after %d tries", t.tries)
		}

		attemptCtx, cancel := t.remainingCtx(ctx)
		answer, openErr := t.opener.Open(attemptCtx, t.destinations)
		cancel()
		t.tries = maxInt(t.tries+1, answer.Tries)
		if openErr != nil {
			t.lastError = openErr
			traceEvent(t.req.Span, "open failed", otlog.Int("tries", t.tries), otlog.Error(openErr))
			if t.checkRetry() {
				continue
			}
			return t.lastError
		}
		traceEvent(t.req.Span, "connected", otlog.String("hostHint", answer.Ref.Path.HostHint), otlog.Bool("reused", answer.Reused))

		server, err := t.advance(ctx, answer.Conn)
		if err != nil {
			t.lastError = err
			traceEvent(t.req.Span, "advance failed", otlog.Int("tries", t.tries), otlog.Error(err))
			if t.checkRetry() {
				continue
			}
			return t.lastError
		}
		if server == nil {
			// A peeking handshake already took over forwarding (see advance);
			// this transaction is done.
			return nil
		}

		return t.commitAndShovel(server)
	}
}

// advance performs the same CONNECT-through-proxy / TLS decision rules as
// FwdState.advance, but never dispatches: the result, once ready, is the
// connection the shovel will run on. A nil, nil return means a peeking
// handshake already transferred forwarding responsibility elsewhere.
func (t *TunnelState) advance(ctx context.Context, conn *path.Connection) (*path.Connection, error) {
	if t.decider.NeedsTunnelThroughProxy(conn, t.req) {
		tunneled, err := t.tunneler.Tunnel(ctx, conn, t.req)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tunneled
	}

	if t.decider.NeedsSecuring(conn, t.req) {
		secured, tunneledOff, err := t.connector.Secure(ctx, conn, t.req)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if tunneledOff {
			return nil, nil
		}
		conn = secured
	}

	return conn, nil
}

// checkRetry mirrors FwdState.checkRetry, minus the reply-status whitelist
// (this driver never dispatches, so "reforward after a reply" never
// applies) and minus body-consumption tracking (a CONNECT/tunnel request
// has no body of its own).
func (t *TunnelState) checkRetry() bool {
	if t.cfg.MaxTries > 0 && t.tries >= t.cfg.MaxTries {
		return false
	}
	if t.destinations.Empty() && t.destinations.Finalized() {
		return false
	}
	if t.flags.dontRetry {
		return false
	}
	return t.enoughTimeToReForward()
}

func (t *TunnelState) enoughTimeToReForward() bool {
	return t.cfg.Budget <= 0 || t.remainingBudget() > time.Second
}

func (t *TunnelState) exhaustedBudget() bool {
	if t.cfg.Budget <= 0 {
		return false
	}
	return time.Since(t.startTime) >= t.cfg.Budget
}

func (t *TunnelState) remainingBudget() time.Duration {
	if t.cfg.Budget <= 0 {
		return 0
	}
	remaining := t.cfg.Budget - time.Since(t.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *TunnelState) remainingCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.Budget <= 0 {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, t.startTime.Add(t.cfg.Budget))
}

// commitAndShovel is notePeerReadyToShovel: past this point the tunnel is
// not retriable (spec §4.6 step 5), since the client side may already have
// been written to. The two directions are driven by an errgroup.Group
// (SPEC_FULL.md §9) so either side's terminal error is captured and both
// are waited on uniformly; a clean EOF on both sides is not an error.
func (t *TunnelState) commitAndShovel(server *path.Connection) error {
	t.flags.dontRetry = true

	if t.clientConnectRequested {
		if _, err := t.client.Write([]byte(establishedResponse)); err != nil {
			closeErr := multierr.Combine(server.Close(), t.client.Close())
			return fwderrors.Wrap(fwderrors.TunnelerErrorf(0, "writing CONNECT-established response to client"),
				multierr.Append(err, closeErr))
		}
	}

	var g errgroup.Group
	var clientToServer, serverToClient int64
	g.Go(func() error {
		n, err := t.pump(t.client, server, t.clientLeftover)
		clientToServer = n
		return err
	})
	g.Go(func() error {
		n, err := t.pump(server, t.client, server.Leftover)
		serverToClient = n
		return err
	})
	err := g.Wait()

	t.cfg.metrics().AddTunnelBytes("clientToServer", clientToServer)
	t.cfg.metrics().AddTunnelBytes("serverToClient", serverToClient)

	t.cfg.logger().Debug("tunnel shovel closed",
		zap.Int64("clientToServerBytes", clientToServer),
		zap.Int64("serverToClientBytes", serverToClient),
		zap.Error(err))
	traceEvent(t.req.Span, "tunnel closed",
		otlog.Int64("clientToServerBytes", clientToServer),
		otlog.Int64("serverToClientBytes", serverToClient),
		otlog.Error(err))
	return err
}

// pump is one direction of the blind byte-shovel (spec §4.6 step 6): read
// from src, write whatever was read to dst, repeat; on any read or write
// error half-close dst so the opposite-direction pump can keep draining
// whatever dst's peer still has in flight. A clean io.EOF from src.Read is
// reported as a nil error, since it just means src closed its write side;
// any other error (including a write failure on dst) is returned so the
// caller's errgroup can surface it.
func (t *TunnelState) pump(src, dst net.Conn, leftover []byte) (int64, error) {
	buf := buffer.Get()
	defer buffer.Put(buf)
	size := t.cfg.bufferSize()
	buf.Grow(size)
	b := buf.Bytes()[:size]

	var total int64

	resetTimeouts := func() {
		if t.cfg.IdleReadTimeout <= 0 {
			return
		}
		deadline := time.Now().Add(t.cfg.IdleReadTimeout)
		_ = src.SetReadDeadline(deadline)
		_ = dst.SetReadDeadline(deadline)
	}

	if len(leftover) > 0 {
		if _, err := dst.Write(leftover); err != nil {
			halfClose(dst)
			if isBenignShovelEOF(err) {
				return total, nil
			}
			return total, err
		}
		total += int64(len(leftover))
		resetTimeouts()
	}

	for {
		resetTimeouts()
		n, err := src.Read(b)
		if n > 0 {
			if _, werr := dst.Write(b[:n]); werr != nil {
				halfClose(dst)
				if isBenignShovelEOF(werr) {
					return total, nil
				}
				return total, werr
			}
			total += int64(n)
			resetTimeouts()
		}
		if err != nil {
			halfClose(dst)
			if isBenignShovelEOF(err) {
				return total, nil
			}
			return total, err
		}
	}
}

// isBenignShovelEOF reports whether err is just the opposite-direction
// pump's own shutdown showing up as a read failure: a clean io.EOF (src
// closed its write side) or a "connection already closed" error (the
// sibling pump's halfClose/Close on this same leg raced this read). Either
// is a normal tunnel teardown signal, not a transport failure worth
// surfacing to the caller.
func isBenignShovelEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

type closeWriter interface {
	CloseWrite() error
}

// halfClose shuts down the write side of conn so its peer observes EOF
// while the opposite direction keeps flowing; conn types with no
// CloseWrite (e.g. an in-memory net.Pipe) fall back to a full Close.
func halfClose(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
