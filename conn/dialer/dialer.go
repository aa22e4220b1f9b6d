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

// Package dialer owns the one net.Dialer shared by every fresh-open attempt
// (§4.2's "Fresh open") and the map of peer handles those attempts share with
// the standby pool (peer/pool) and the happy-eyeballs opener (peer/happyeyeballs).
package dialer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gatewaycore/fwdcore/peer/handle"
	"github.com/gatewaycore/fwdcore/peer/path"
)

type config struct {
	keepAlive time.Duration
}

var defaultConfig = config{keepAlive: 30 * time.Second}

// Option customizes the behavior of a Dialer.
type Option func(*config)

// KeepAlive specifies the keep-alive period for outgoing transport
// connections. Zero disables keep-alives.
//
// Defaults to 30 seconds.
func KeepAlive(d time.Duration) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// New creates a Dialer for opening and tracking outgoing peer connections.
func New(opts ...Option) *Dialer {
	cfg := defaultConfig
	for _, o := range opts {
		o(&cfg)
	}

	return &Dialer{
		inner: net.Dialer{KeepAlive: cfg.keepAlive},
		peers: make(map[handle.ID]*handle.Handle),
	}
}

// Dialer opens transport connections and keeps track of the peer handles
// (peer/handle.Handle) those connections target, so that C2/C3/C5/C6 can all
// observe and update the same peer's reachability.
type Dialer struct {
	lock sync.Mutex

	inner net.Dialer
	peers map[handle.ID]*handle.Handle
}

// DialContext opens a fresh transport connection to addr, honoring ctx's
// deadline as the connect timeout (§4.2: "the connect timeout is never less
// than 1 second once the call is actually placed" — callers are responsible
// for clamping ctx's deadline before calling this).
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.inner.DialContext(ctx, network, addr)
}

// DialPath satisfies peer/happyeyeballs.Dialer and peer/pool.Dialer: it
// resolves p's remote/port into the dial address DialContext expects and, if
// p requests a specific outgoing interface, binds to it.
//
// Known approximation: p.Markings (TOS/netfilter mark) is not applied —
// setting those requires a raw socket option unavailable through net.Dialer,
// and no retrieved example repo wraps one for this purpose. A deployment
// needing QoS markings would apply them via a net.Dialer.Control hook built
// on golang.org/x/sys, which SPEC_FULL.md's domain stack does not list.
func (d *Dialer) DialPath(ctx context.Context, p path.Path) (net.Conn, error) {
	inner := d.inner
	if p.LocalBind != nil {
		inner.LocalAddr = &net.TCPAddr{IP: p.LocalBind}
	}
	addr := net.JoinHostPort(p.Remote.String(), strconv.Itoa(p.Port))
	return inner.DialContext(ctx, "tcp", addr)
}

// RetainPeer gets or creates the Handle for id and registers sub as one of
// its subscribers (e.g. the standby pool manager for that peer).
func (d *Dialer) RetainPeer(id handle.ID, sub handle.Subscriber) *handle.Handle {
	d.lock.Lock()
	defer d.lock.Unlock()

	h := d.getOrCreateLocked(id)
	h.AddSubscriber(sub)
	return h
}

// ReleasePeer unregisters sub from id's Handle and drops the Handle entirely
// once nothing subscribes to it anymore.
func (d *Dialer) ReleasePeer(id handle.ID, sub handle.Subscriber) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	h, ok := d.peers[id]
	if !ok {
		return fmt.Errorf("dialer has no reference to peer %q", id)
	}

	h.RemoveSubscriber(sub)
	if h.NumSubscribers() == 0 {
		delete(d.peers, id)
	}
	return nil
}

// Peer returns the Handle for id, creating it (Unavailable, no subscribers)
// if it does not exist yet. Used by components that need to read or update a
// peer's status without subscribing to it.
func (d *Dialer) Peer(id handle.ID) *handle.Handle {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.getOrCreateLocked(id)
}

func (d *Dialer) getOrCreateLocked(id handle.ID) *handle.Handle {
	if h, ok := d.peers[id]; ok {
		return h
	}
	h := handle.New(id)
	d.peers[id] = h
	return h
}
