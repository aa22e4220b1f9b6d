// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	ibackoff "github.com/gatewaycore/fwdcore/internal/backoff"
	"github.com/gatewaycore/fwdcore/peer/handle"
	"github.com/gatewaycore/fwdcore/peer/path"
)

// Dialer opens a fresh transport connection to a standby candidate.
type Dialer interface {
	DialPath(ctx context.Context, p path.Path) (net.Conn, error)
}

// Securer performs the blind TLS handshake a standby refill needs before a
// freshly opened connection to an HTTPS peer can be deposited. The peeking
// variant (C4's other PeerConnector mode) never applies to standby refills:
// there is no client request driving a mid-handshake tunnel decision here.
type Securer interface {
	SecureBlind(ctx context.Context, conn *path.Connection) (*path.Connection, error)
}

// PeerSpec describes one peer's standby configuration: how many connections
// to keep warm, which addresses to cycle through, and how to reach them.
type PeerSpec struct {
	ID             handle.ID
	Addresses      []net.IP
	Port           int
	HostHint       string
	Markings       path.Markings
	StandbyLimit   int
	ConnectTimeout time.Duration
	RequiresTLS    bool
}

// fdPressure reports whether process-wide descriptor usage is too high to
// justify opening another standby connection right now. Overridable in
// tests; production callers should wire this to their own ulimit/rlimit
// headroom check.
var defaultFdPressure = func() bool { return false }

// manager is the per-peer standby refill loop, grounded on PeerPoolMgr: at
// most one outstanding open-or-secure attempt at a time, re-triggered by
// Checkpoint calls from Push/Pop and by peer status-change notifications.
type manager struct {
	pool *Pool
	spec PeerSpec

	handle     *handle.Handle
	checkpoint chan string
	done       chan struct{}
	stopOnce   sync.Once

	addrUsed        atomic.Uint32
	inFlight        atomic.Bool
	waitingForClose atomic.Bool
	failures        atomic.Uint32

	fdPressure func() bool
	backoff    func(uint) time.Duration
}

// StartManager registers and starts the standby refill loop for spec,
// subscribing it to h's status changes. Call Pool.StopManager with spec.ID
// when the peer is removed from configuration.
func (p *Pool) StartManager(spec PeerSpec, h *handle.Handle) {
	m := &manager{
		pool:       p,
		spec:       spec,
		handle:     h,
		checkpoint: make(chan string, 1),
		done:       make(chan struct{}),
		fdPressure: defaultFdPressure,
		backoff:    ibackoff.DefaultExponential(),
	}

	p.mu.Lock()
	p.managers[spec.ID] = m
	p.mu.Unlock()

	h.AddSubscriber(m)
	go m.loop()
	m.Checkpoint("peer initialized")
}

// StopManager halts id's standby refill loop and unregisters it.
func (p *Pool) StopManager(id handle.ID) {
	p.mu.Lock()
	m, ok := p.managers[id]
	if ok {
		delete(p.managers, id)
	}
	p.mu.Unlock()

	if ok {
		m.handle.RemoveSubscriber(m)
		m.stop()
	}
}

// NotifyStatusChanged implements handle.Subscriber: any reachability change
// is a reason to re-evaluate the standby pool.
func (m *manager) NotifyStatusChanged(handle.ID) {
	m.Checkpoint("peer status changed")
}

// Checkpoint schedules a checkpoint run for reason, coalescing with any
// already-pending one (the loop only ever needs to run the latest state,
// not replay every trigger).
func (m *manager) Checkpoint(reason string) {
	select {
	case m.checkpoint <- reason:
	default:
	}
}

func (m *manager) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *manager) loop() {
	for {
		select {
		case reason := <-m.checkpoint:
			m.runCheckpoint(reason)
		case <-m.done:
			return
		}
	}
}

// runCheckpoint is PeerPoolMgr::checkpoint: compare idle count to the
// configured limit, and open or close connections to close the gap.
func (m *manager) runCheckpoint(reason string) {
	_ = reason
	if m.spec.StandbyLimit <= 0 {
		return
	}

	count := m.pool.CountForPeer(m.spec.ID, m.spec.HostHint)
	limit := m.spec.StandbyLimit

	if count < limit {
		m.openNewConnection()
	} else if count > limit {
		_ = m.pool.CloseNForPeer(m.spec.ID, m.spec.HostHint, count-limit)
	}
}

func (m *manager) template() path.Path {
	return path.Path{Peer: m.handle, Port: m.spec.Port, Kind: path.KindStandby, HostHint: m.spec.HostHint, Markings: m.spec.Markings}
}

// validPeer mirrors PeerPoolMgr::validPeer: the peer must currently be
// usable before the refill loop bothers opening anything.
func (m *manager) validPeer() bool {
	return m.handle.Status().ConnectionStatus != handle.Unavailable
}

func (m *manager) openNewConnection() {
	if m.inFlight.Load() {
		return // there will be another checkpoint when the in-flight attempt finishes
	}
	if !m.validPeer() {
		return // there will be another checkpoint when the peer comes back up
	}
	if len(m.spec.Addresses) == 0 {
		return
	}
	if m.fdPressure() {
		m.waitingForClose.Store(true)
		return // there will be another checkpoint on the next idle-closure notification
	}
	m.waitingForClose.Store(false)

	idx := int(m.addrUsed.Inc()-1) % len(m.spec.Addresses)
	dest := m.template()
	dest.Remote = m.spec.Addresses[idx]

	m.inFlight.Store(true)
	go m.open(dest)
}

// open must clear inFlight before scheduling the next checkpoint (via the
// async m.Checkpoint, never a direct m.runCheckpoint call): runCheckpoint
// re-enters openNewConnection, which bails out whenever inFlight is still
// true, so triggering it before the reset would silently drop the retry.
func (m *manager) open(dest path.Path) {
	timeout := m.spec.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	nc, err := m.pool.dial.DialPath(ctx, dest)
	if err != nil {
		m.pool.logger().Debug("standby dial failed",
			zap.String("peer", string(m.spec.ID)), zap.String("hostHint", m.spec.HostHint), zap.Error(err))
		m.inFlight.Store(false)
		m.retryAfterFailure("conn opening failure")
		return
	}
	conn := path.Open(dest, nc)

	if m.spec.RequiresTLS {
		secured, err := m.pool.secure.SecureBlind(ctx, conn)
		if err != nil {
			m.pool.logger().Debug("standby secure failed",
				zap.String("peer", string(m.spec.ID)), zap.String("hostHint", m.spec.HostHint), zap.Error(err))
			_ = conn.Close()
			m.inFlight.Store(false)
			m.retryAfterFailure("conn securing failure")
			return
		}
		conn = secured
	}

	m.failures.Store(0)
	m.inFlight.Store(false)
	m.pool.logger().Debug("standby connection ready",
		zap.String("peer", string(m.spec.ID)), zap.String("hostHint", m.spec.HostHint))
	m.pool.Push(conn, m.spec.HostHint) // Push triggers the next checkpoint
}

// retryAfterFailure paces the next checkpoint by an exponential backoff on
// consecutive failures, rather than retrying immediately on every tick
// (PeerPoolMgr's handleOpenedConnection/handleSecuredPeer instead rely on the
// comm layer's own retry timers; an AfterFunc-scheduled Checkpoint gives the
// same effect without one). inFlight is already cleared by the caller before
// this runs, so the delayed Checkpoint will find openNewConnection willing to
// proceed.
func (m *manager) retryAfterFailure(reason string) {
	n := m.failures.Inc()
	delay := m.backoff(uint(n))
	time.AfterFunc(delay, func() { m.Checkpoint(reason) })
}
