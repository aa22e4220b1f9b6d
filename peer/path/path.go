// Copyright (c) 2016 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package path defines the candidate-destination data model shared by every
// forwarding-core component: Path (an unopened profile), Connection (an
// opened Path), and Family (the address-family partitioning Happy Eyeballs
// races on).
package path

import (
	"net"
	"time"

	"github.com/gatewaycore/fwdcore/peer/handle"
)

// Family is the address family of a path's remote endpoint.
type Family int

const (
	// FamilyUnknown means the remote address's family could not be
	// determined; Of returns it for a nil address.
	FamilyUnknown Family = iota
	// FamilyIPv4 is an IPv4 remote endpoint.
	FamilyIPv4
	// FamilyIPv6 is an IPv6 remote endpoint.
	FamilyIPv6
)

// Of returns the Family of a remote address.
func Of(addr net.IP) Family {
	if addr == nil {
		return FamilyUnknown
	}
	if addr.To4() != nil {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Kind tags what role a Path plays for the peer it targets.
type Kind int

const (
	// KindDirect is a plain origin-server path, no configured parent peer.
	KindDirect Kind = iota
	// KindPeer is a path to a configured parent proxy or sibling.
	KindPeer
	// KindPinned is the client's pinned to-server connection; it is never
	// reopened and carries no remote address of its own.
	KindPinned
	// KindStandby is a path opened by the standby pool's refill loop.
	KindStandby
)

// Markings carries the outgoing packet markings applied to a path's socket
// (§6 QoS: TOS and netfilter-mark table keyed by ACL).
type Markings struct {
	TOS    uint8
	NfMark uint32
}

// Path is a candidate destination: a connection profile that has not been
// opened yet. Paths are immutable once added to a ResolvedPeers list; Clone
// produces the mutable Connection that opening a Path yields.
type Path struct {
	Remote net.IP
	Port   int

	// Peer is nil for KindDirect paths whose "same peer" identity is instead
	// determined by HostHint equality; see SamePeer.
	Peer *handle.Handle
	Kind Kind

	// LocalBind is the outgoing-address selection result, or nil to let the
	// OS choose.
	LocalBind net.IP

	Markings Markings

	// HostHint is the host the pool keys reuse on (e.g. the SNI/Host the
	// request names), independent of Remote.
	HostHint string
}

// Family reports the address family of the path's remote endpoint.
func (p Path) Family() Family {
	return Of(p.Remote)
}

// SamePeer reports whether p and other target the same configured peer, per
// §4.1: "Same peer is equality of the opaque peer handle pointer or, if both
// are absent, equality of the destination host." Direct (no configured
// parent) paths for the same origin host routinely carry different remote
// addresses — that's the whole point of racing an A and a AAAA record — so
// remote-address equality cannot be the direct-path test.
func (p Path) SamePeer(other Path) bool {
	if p.Peer != nil || other.Peer != nil {
		return p.Peer == other.Peer
	}
	return p.HostHint == other.HostHint
}

// Clone strips any per-attempt state and returns a fresh Connection profile
// ready to be opened.
func (p Path) Clone() *Connection {
	return &Connection{Path: p}
}

// Connection is an opened Path. Exactly one owner registers CloseHandler at
// a time; transferring ownership unregisters before re-registering (§3).
type Connection struct {
	Path

	net.Conn
	StartTime time.Time

	// TLS is set once a TLS handshake has completed on this connection.
	TLS bool

	// Leftover holds bytes already read off the wire that the next layer
	// must replay before issuing its own reads: a CONNECT peer's response
	// may arrive in the same packet as the first bytes of the tunneled
	// reply, and those bytes must not be dropped on the floor.
	Leftover []byte

	closed       bool
	closeHandler func(error)
}

// Open wraps an established net.Conn into a Connection carrying p's profile.
func Open(p Path, nc net.Conn) *Connection {
	return &Connection{Path: p, Conn: nc, StartTime: time.Now()}
}

// IsOpen reports whether the connection's descriptor is still valid: it has
// an underlying net.Conn and Close has not been called on it.
func (c *Connection) IsOpen() bool {
	return c != nil && c.Conn != nil && !c.closed
}

// RegisterCloseHandler registers fn to be called when the connection closes,
// unregistering any previously registered handler first (§3 invariant: only
// one owner registers a close handler at a time).
func (c *Connection) RegisterCloseHandler(fn func(error)) {
	c.closeHandler = fn
}

// UnregisterCloseHandler clears the registered close handler without
// closing the connection.
func (c *Connection) UnregisterCloseHandler() {
	c.closeHandler = nil
}

// Close closes the underlying connection and invokes the registered close
// handler, if any, exactly once.
func (c *Connection) Close() error {
	if c.Conn == nil || c.closed {
		return nil
	}
	c.closed = true
	err := c.Conn.Close()
	if h := c.closeHandler; h != nil {
		c.closeHandler = nil
		h(err)
	}
	return err
}
