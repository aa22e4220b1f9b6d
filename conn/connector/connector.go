// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package connector implements PeerConnector (C4): performing a TLS
// handshake on an already-open transport connection, in its blind (normal
// HTTPS peer) and peeking (client-first intercept / step-wise bumping)
// variants.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gatewaycore/fwdcore/forward"
	"github.com/gatewaycore/fwdcore/fwderrors"
	"github.com/gatewaycore/fwdcore/peer/path"
)

// Config bounds and templates a handshake. TLSConfig is cloned per call so
// per-request ServerName/peek hooks never leak across connections.
type Config struct {
	// Timeout is the handshake deadline, derived identically to the connect
	// timeout per SPEC_FULL.md §4.2/§4.4.
	Timeout time.Duration
	// TLSConfig is the base client configuration (trust anchors, min
	// version, cipher policy). Cloned per handshake; may be nil to accept
	// the crypto/tls defaults.
	TLSConfig *tls.Config
	Logger    *zap.Logger
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c Config) baseTLSConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig.Clone()
	}
	return &tls.Config{}
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func handshakeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return deadline
}

// Blind is the normal-HTTPS-peer / standby-refill PeerConnector, grounded on
// Security::BlindPeerConnector: validate per the configured peer trust
// anchors and hostname, no SslBump capability.
type Blind struct {
	cfg Config
}

// NewBlind constructs a Blind connector.
func NewBlind(cfg Config) *Blind {
	return &Blind{cfg: cfg}
}

// Secure implements forward.Connector. Blind never tunnels: tunneled is
// always false.
func (b *Blind) Secure(ctx context.Context, conn *path.Connection, req *forward.Request) (*path.Connection, bool, error) {
	if !conn.IsOpen() {
		return nil, false, fwderrors.TlsErrorf("connection closed before TLS handshake could start")
	}

	tlsConf := b.cfg.baseTLSConfig()
	tlsConf.ServerName = req.TargetHost

	if err := conn.Conn.SetDeadline(handshakeDeadline(ctx, b.cfg.timeout())); err != nil {
		_ = conn.Close()
		return nil, false, fwderrors.Wrap(fwderrors.TlsErrorf("setting handshake deadline"), err)
	}
	defer func() { _ = conn.Conn.SetDeadline(time.Time{}) }()

	tlsConn := tls.Client(conn.Conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, false, fwderrors.Wrap(fwderrors.TlsErrorf("TLS handshake with %s failed", req.TargetHost), err)
	}

	b.cfg.logger().Debug("TLS handshake complete", zap.String("target", req.TargetHost))
	conn.Conn = tlsConn
	conn.TLS = true
	return conn, false, nil
}

// SecureBlind implements peer/pool.Securer, so a Blind connector can be
// wired directly into a standby refill loop. The pool has no per-request
// Request to draw a target host from, so req.TargetHost falls back to the
// path's HostHint — exactly the SNI/reuse name a standby connection for
// that peer would need.
func (b *Blind) SecureBlind(ctx context.Context, conn *path.Connection) (*path.Connection, error) {
	out, _, err := b.Secure(ctx, conn, &forward.Request{TargetHost: conn.HostHint})
	return out, err
}

// PeekDecider inspects the peer certificate chain presented mid-handshake
// (Peeking does not verify it against any trust anchors) and decides whether to abandon the TLS handshake in favor of upgrading
// this transaction to a raw tunnel (SPEC_FULL.md §4.4's peeking variant).
type PeekDecider interface {
	ShouldTunnel(peerCerts []*tls.Certificate, serverName string) bool
}

var errTunnelRequested = fwderrors.TlsErrorf("peeking decider requested a raw tunnel")

// Peeking is the client-first-intercept / step-wise-bumping PeerConnector.
// No original_source file for Squid's PeekingPeerConnector/SslBump machinery
// was present in the retrieved pack (see DESIGN.md); this is built directly
// from SPEC_FULL.md §4.4's behavior description, in Blind's idiom.
//
// crypto/tls has no native "abort mid-handshake, hand the raw bytes to
// someone else" primitive: aborting from VerifyConnection corrupts the
// TLS record framing on the wire, so a tunneled=true Answer here can never
// carry a byte-for-byte-replayable connection the way Tunneler's leftovers
// do. Per §4.4 ("the initiator must treat this as a successful terminal
// state that does not yield a reusable connection"), that is exactly the
// contract: the caller must not attempt to reuse or re-read conn once
// tunneled is true, only close the raw descriptor and splice it if its own
// raw-shovel driver owns both ends (DESIGN.md Open Question).
type Peeking struct {
	cfg    Config
	decide PeekDecider
}

// NewPeeking constructs a Peeking connector. decide may be nil, in which
// case Peeking never tunnels. Unlike Blind, Peeking never verifies the
// server's certificate chain or hostname, with or without a decider.
func NewPeeking(cfg Config, decide PeekDecider) *Peeking {
	return &Peeking{cfg: cfg, decide: decide}
}

// Secure implements forward.Connector.
func (p *Peeking) Secure(ctx context.Context, conn *path.Connection, req *forward.Request) (*path.Connection, bool, error) {
	if !conn.IsOpen() {
		return nil, false, fwderrors.TlsErrorf("connection closed before TLS handshake could start")
	}

	tlsConf := p.cfg.baseTLSConfig()
	tlsConf.ServerName = req.TargetHost
	tlsConf.InsecureSkipVerify = true // the chain is not verified; VerifyConnection below only consults decide

	if p.decide != nil {
		tlsConf.VerifyConnection = func(cs tls.ConnectionState) error {
			certs := make([]*tls.Certificate, 0, len(cs.PeerCertificates))
			for _, crt := range cs.PeerCertificates {
				certs = append(certs, &tls.Certificate{Leaf: crt})
			}
			if p.decide.ShouldTunnel(certs, cs.ServerName) {
				return errTunnelRequested
			}
			return nil
		}
	}

	if err := conn.Conn.SetDeadline(handshakeDeadline(ctx, p.cfg.timeout())); err != nil {
		_ = conn.Close()
		return nil, false, fwderrors.Wrap(fwderrors.TlsErrorf("setting handshake deadline"), err)
	}
	defer func() { _ = conn.Conn.SetDeadline(time.Time{}) }()

	tlsConn := tls.Client(conn.Conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if errors.Is(err, errTunnelRequested) {
			p.cfg.logger().Debug("peeking decider upgraded to raw tunnel", zap.String("target", req.TargetHost))
			return conn, true, nil
		}
		_ = conn.Close()
		return nil, false, fwderrors.Wrap(fwderrors.TlsErrorf("TLS handshake with %s failed", req.TargetHost), err)
	}

	conn.Conn = tlsConn
	conn.TLS = true
	return conn, false, nil
}
