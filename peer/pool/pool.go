// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package pool implements PeerPool (C3): a per-(peer, host hint) cache of
// idle persistent connections, plus a standby refill loop that keeps a
// configured number of fresh connections open to a peer ahead of demand.
package pool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gatewaycore/fwdcore/internal/metrics"
	"github.com/gatewaycore/fwdcore/peer/handle"
	"github.com/gatewaycore/fwdcore/peer/path"
)

// Key identifies one idle sub-pool: connections for the same configured peer
// (or, for direct/peerless destinations, the same remote address) and the
// same host hint are interchangeable with one another.
type Key struct {
	PeerID   handle.ID
	Remote   string
	HostHint string
}

func keyFor(p path.Path, hostHint string) Key {
	if p.Peer != nil {
		return Key{PeerID: p.Peer.ID(), HostHint: hostHint}
	}
	return Key{Remote: p.Remote.String(), HostHint: hostHint}
}

// tag renders k as a single metrics tag value: the configured peer ID, or
// the bare remote address for peerless destinations, qualified by host hint
// so distinct TLS SNI targets behind the same peer report separately.
func (k Key) tag() string {
	id := string(k.PeerID)
	if id == "" {
		id = k.Remote
	}
	if k.HostHint == "" {
		return id
	}
	return id + "/" + k.HostHint
}

// subPool is the idle connection list for one Key. Newest-pushed is popped
// first (a connection that just went idle is more likely still warm at the
// peer's end); CloseN always closes the oldest entries first, since those
// are the ones least likely to still be useful.
type subPool struct {
	mu    sync.Mutex
	conns []*path.Connection
}

func (s *subPool) push(c *path.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, c)
}

func (s *subPool) pop() (*path.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil, false
	}
	last := len(s.conns) - 1
	c := s.conns[last]
	s.conns = s.conns[:last]
	return c, true
}

func (s *subPool) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// closeOldest closes up to n of the oldest entries and reports how many it
// actually closed along with any close errors, aggregated.
func (s *subPool) closeOldest(n int) (closed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.conns) {
		n = len(s.conns)
	}
	for i := 0; i < n; i++ {
		err = multierr.Append(err, s.conns[i].Close())
	}
	s.conns = s.conns[n:]
	return n, err
}

func (s *subPool) closeAll() error {
	return multierr.Combine(func() []error {
		s.mu.Lock()
		defer s.mu.Unlock()
		errs := make([]error, 0, len(s.conns))
		for _, c := range s.conns {
			errs = append(errs, c.Close())
		}
		s.conns = nil
		return errs
	}()...)
}

// Pool is the process-wide persistent-connection cache described by
// SPEC_FULL.md §4.3. A Pool is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	subpools map[Key]*subPool
	// bound caps the number of distinct Keys tracked at once: a pathological
	// number of distinct hosts must not grow the pool index without bound
	// (an LRU of sub-pool keys, evicting and closing the least-recently-used
	// one once the bound is exceeded).
	bound *lru.Cache

	managers map[handle.ID]*manager

	dial   Dialer
	secure Securer

	// Logger receives standby-refill lifecycle events (dial/secure
	// failures, backoff scheduling); nil is treated as a no-op logger.
	Logger *zap.Logger

	// Metrics receives standby pool occupancy gauges; nil is treated as a
	// no-op registry (internal/metrics.Registry is itself nil-safe).
	Metrics *metrics.Registry
}

func (p *Pool) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

func (p *Pool) metrics() *metrics.Registry {
	return p.Metrics
}

// reportSize publishes k's current idle count to Metrics. Called after any
// mutation (push/pop/close) so the gauge tracks the sub-pool live rather
// than only at checkpoint time.
func (p *Pool) reportSize(k Key, sp *subPool) {
	p.metrics().SetStandbySize(k.tag(), sp.count())
}

// New creates an empty Pool. maxKeys bounds the number of distinct
// (peer, hostHint) sub-pools tracked simultaneously; a non-positive value
// disables the bound. dial is used by every peer's standby refill loop to
// open fresh connections; secure may be nil if no configured peer requires
// TLS on its standby connections.
func New(maxKeys int, dial Dialer, secure Securer) *Pool {
	p := &Pool{
		subpools: make(map[Key]*subPool),
		managers: make(map[handle.ID]*manager),
		dial:     dial,
		secure:   secure,
	}
	if maxKeys > 0 {
		// OnEvict runs synchronously inside lru.Cache.Add while p.mu is held
		// by the caller (see getOrCreateLocked), so it is safe to touch
		// p.subpools directly here.
		c, _ := lru.NewWithEvict(maxKeys, func(key interface{}, _ interface{}) {
			k := key.(Key)
			if sp, ok := p.subpools[k]; ok {
				delete(p.subpools, k)
				_ = sp.closeAll()
			}
		})
		p.bound = c
	}
	return p
}

func (p *Pool) getOrCreateLocked(k Key) *subPool {
	if sp, ok := p.subpools[k]; ok {
		return sp
	}
	sp := &subPool{}
	p.subpools[k] = sp
	if p.bound != nil {
		p.bound.Add(k, struct{}{})
	}
	return sp
}

// Push deposits an idle connection for reuse and, if a standby manager is
// registered for the connection's peer, re-triggers its checkpoint (a
// pushed connection can turn an under-limit standby pool into an at-limit
// one, or simply confirms the peer is reachable).
func (p *Pool) Push(conn *path.Connection, hostHint string) {
	k := keyFor(conn.Path, hostHint)

	p.mu.Lock()
	sp := p.getOrCreateLocked(k)
	mgr := p.managerForLocked(conn.Path)
	p.mu.Unlock()

	sp.push(conn)
	p.reportSize(k, sp)
	if mgr != nil {
		mgr.Checkpoint("pushed idle connection")
	}
}

// Pop returns a matching idle connection, if any, for dest/hostHint. An
// empty result triggers a standby checkpoint for dest's peer (per §4.3:
// "an empty pool triggers a standby checkpoint"), since the caller is about
// to open a fresh connection and the standby loop should catch up.
//
// retriable is accepted for interface symmetry with the spec's Pop
// signature; every connection this pool stores was idle (not mid-request)
// when pushed, so it is always safe to hand back regardless of the
// caller's retriable flag.
func (p *Pool) Pop(dest path.Path, hostHint string, retriable bool) (*path.Connection, bool) {
	_ = retriable
	k := keyFor(dest, hostHint)

	p.mu.Lock()
	sp, ok := p.subpools[k]
	mgr := p.managerForLocked(dest)
	p.mu.Unlock()

	if ok {
		if conn, found := sp.pop(); found {
			p.reportSize(k, sp)
			return conn, true
		}
	}
	if mgr != nil {
		mgr.Checkpoint("pop found empty pool")
	}
	return nil, false
}

// Reuse implements peer/happyeyeballs.Reuser, so a Pool can be passed
// directly as C2's standby source.
func (p *Pool) Reuse(dest path.Path) (*path.Connection, bool) {
	return p.Pop(dest, dest.HostHint, true)
}

// CloseN closes up to n idle connections for the peer/host-hint identified
// by dest, oldest first.
func (p *Pool) CloseN(dest path.Path, hostHint string, n int) error {
	return p.closeN(keyFor(dest, hostHint), n)
}

func (p *Pool) closeN(k Key, n int) error {
	p.mu.Lock()
	sp, ok := p.subpools[k]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := sp.closeOldest(n)
	p.reportSize(k, sp)
	return err
}

// CountForPeer and CloseNForPeer address a standby sub-pool by configured
// peer ID directly, for the standby manager loop (and its tests), which has
// no single Remote address to build a full Path from — a peer's standby
// pool is shared across every address in its round-robin list.
func (p *Pool) CountForPeer(id handle.ID, hostHint string) int {
	return p.count(Key{PeerID: id, HostHint: hostHint})
}

func (p *Pool) count(k Key) int {
	p.mu.Lock()
	sp, ok := p.subpools[k]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return sp.count()
}

// CloseNForPeer is CloseN addressed by configured peer ID; see CountForPeer.
func (p *Pool) CloseNForPeer(id handle.ID, hostHint string, n int) error {
	return p.closeN(Key{PeerID: id, HostHint: hostHint}, n)
}

// Count reports the number of idle connections currently cached for
// dest/hostHint.
func (p *Pool) Count(dest path.Path, hostHint string) int {
	return p.count(keyFor(dest, hostHint))
}

func (p *Pool) managerForLocked(dest path.Path) *manager {
	if dest.Peer == nil {
		return nil
	}
	return p.managers[dest.Peer.ID()]
}
