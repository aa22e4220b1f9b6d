// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package forward implements the top-level forwarding state machines: the
// cacheable-request driver FwdState (C5) and its CONNECT/force-tunnel
// sibling TunnelState (C6).
package forward

import (
	"context"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	otlog "github.com/opentracing/opentracing-go/log"

	"github.com/gatewaycore/fwdcore/fwderrors"
	"github.com/gatewaycore/fwdcore/peer/path"
	"github.com/gatewaycore/fwdcore/peer/resolvedpeers"
)

// traceEvent annotates span with a single named event, if the caller
// supplied one; a nil span (the common case outside of a traced request)
// is a no-op rather than a required check at every call site.
func traceEvent(span opentracing.Span, event string, fields ...otlog.Field) {
	if span == nil {
		return
	}
	span.LogFields(append([]otlog.Field{otlog.String("event", event)}, fields...)...)
}

// Request is the subset of the client request FwdState needs to make
// retry/re-forward decisions. Header parsing, URL resolution, and body
// framing all happen one layer up (spec.md Non-goals: "wire-level HTTP
// parsing" is out of scope here).
type Request struct {
	Method string

	// Pinned is non-nil when the client already owns a pinned to-server
	// connection (e.g. NTLM/Kerberos auth); it is always the sole
	// destination and is never retried after it fails for reasons other
	// than those PinnedCanRetry allows.
	Pinned *path.Connection

	// BodyConsumed becomes true the moment any byte of the request body has
	// been read toward the (first) upstream attempt. checkRetry refuses to
	// retry once this is true, matching "no request body has been consumed".
	BodyConsumed bool

	// IdempotentOrSafe mirrors RFC 7231 9.1/9.2.2: methods such as GET, HEAD,
	// PUT are retry-eligible even after a body has started flowing, as long
	// as it has not been partially consumed upstream.
	IdempotentOrSafe bool

	// TargetHost and TargetPort name the ultimate destination C4 tunnels or
	// secures toward — the CONNECT target and the TLS SNI/cert-validation
	// name — which is not always conn's own Remote/Port (a peer connection's
	// Remote is the parent proxy, not the origin the client asked for).
	TargetHost string
	TargetPort int

	// ProxyAuthorization, if non-empty, is sent verbatim as the
	// Proxy-Authorization header value on a CONNECT request to a peer that
	// requires it.
	ProxyAuthorization string

	// Span, if the caller started one for this transaction, receives
	// peer-selection/retry/outcome events from FwdState/TunnelState
	// (SPEC_FULL.md §9). A nil Span disables tracing entirely; its
	// lifecycle (Finish) belongs to the caller, not to this package.
	Span opentracing.Span
}

// Opener is the C2 seam: given the current destination list, try to
// establish a transport connection to one of them (reusing a standby
// connection where possible) and report how many attempts that took in
// total. Opener owns pacing, Happy Eyeballs racing, and standby reuse; C5
// only sees the outcome.
type Opener interface {
	Open(ctx context.Context, destinations *resolvedpeers.List) (Answer, error)
}

// Answer is what Opener reports back to FwdState/TunnelState.
type Answer struct {
	Conn   *path.Connection
	Ref    resolvedpeers.PathRef
	Reused bool
	Tries  int
	Pinned bool
}

// Tunneler is the C4 CONNECT-through-proxy seam.
type Tunneler interface {
	Tunnel(ctx context.Context, conn *path.Connection, req *Request) (*path.Connection, error)
}

// Connector is the C4 TLS-handshake seam. Tunneled is true when a peeking
// handshake decided to upgrade the transaction into a raw tunnel instead of
// yielding a reusable application-protocol connection.
type Connector interface {
	Secure(ctx context.Context, conn *path.Connection, req *Request) (out *path.Connection, tunneled bool, err error)
}

// Dispatcher hands an established connection to the external HTTP client
// exchange (wire-level HTTP is out of scope here; spec.md Non-goals). It
// blocks until the exchange is complete or the connection is lost, and
// reports the final reply status for the reforward status whitelist.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *path.Connection, req *Request) (replyStatus int, err error)
}

// Decider chooses, given a freshly opened connection, whether it needs a
// CONNECT tunnel through the peer, a TLS handshake, or neither (spec §4.5
// noteConnection's post-connect branch). It is injected so the decision
// rules (peer mode, scheme, sslPeek/bump flags) stay outside this package.
type Decider interface {
	NeedsTunnelThroughProxy(conn *path.Connection, req *Request) bool
	NeedsSecuring(conn *path.Connection, req *Request) bool
}

// ownerState names who currently holds the server connection, resolving
// the race the original implementation only documents ("a single owner of
// the server connection... enforced" — DESIGN.md Open Question).
type ownerState int

const (
	ownerNone ownerState = iota
	ownerDispatch
	ownerClosed
)

// Config bounds a single transaction's retry budget (spec §4.5 "Timing").
type Config struct {
	// Budget is the wall-clock ceiling on the sum of all attempts.
	Budget time.Duration
	// MaxTries is the hard attempt-count ceiling independent of Budget.
	MaxTries int
}

// FwdState is the per-transaction forwarding state machine (C5). Exactly
// one goroutine owns a FwdState between Run and the terminal callback;
// it carries no internal lock (SPEC_FULL.md §5).
type FwdState struct {
	cfg Config

	opener     Opener
	tunneler   Tunneler
	connector  Connector
	dispatcher Dispatcher
	decider    Decider

	req          *Request
	destinations *resolvedpeers.List

	startTime time.Time
	tries     int

	flags struct {
		connectedOkay bool
		dontRetry     bool
	}

	owner      ownerState
	lastError  error
	serverConn *path.Connection
}

// New constructs a FwdState ready to drive a single transaction. req's
// Pinned field, if set, must be the only entry the caller ever adds to
// destinations.
func New(cfg Config, opener Opener, tunneler Tunneler, connector Connector, dispatcher Dispatcher, decider Decider, req *Request) *FwdState {
	return &FwdState{
		cfg:          cfg,
		opener:       opener,
		tunneler:     tunneler,
		connector:    connector,
		dispatcher:   dispatcher,
		decider:      decider,
		req:          req,
		destinations: resolvedpeers.New(cfg.MaxTries),
		startTime:    time.Now(),
	}
}

// AddDestination appends a candidate path for this transaction (spec §4.5
// "Destination subscription": noteDestination). Passing a nil Pinned path
// is the caller's job — use AddPinned instead.
func (f *FwdState) AddDestination(p path.Path) {
	f.destinations.Add(p)
}

// AddPinned marks this transaction as using the client's own pinned
// to-server connection (spec §4.5 "Pinned-connection notifications must
// be the first and only destination"; §8 scenario 4). conn replaces
// req.Pinned; Run bypasses the opener entirely once this is set and the
// transaction is never retried once it starts using conn.
func (f *FwdState) AddPinned(conn *path.Connection) {
	f.req.Pinned = conn
}

// Finalize marks that no more destinations will ever be added (spec's
// noteDestinationsEnd, minus the store-entry bookkeeping this module does
// not own).
func (f *FwdState) Finalize() {
	f.destinations.Finalize()
}

// Run drives the transaction to completion: selecting peers, connecting,
// securing/tunneling, dispatching, and retrying per §4.5's rules. It
// returns the final reply status (if any exchange completed) and the last
// error encountered, matching the terminal "Completed" state in the spec's
// state diagram.
func (f *FwdState) Run(ctx context.Context) (replyStatus int, err error) {
	if f.req.Pinned != nil {
		return f.runPinned(ctx)
	}

	for {
		if f.exhaustedBudget() {
			return 0, fwderrors.BudgetErrorf("forwarding budget exhausted after %d tries", f.tries)
		}

		attemptCtx, cancel := f.remainingCtx(ctx)
		answer, openErr := f.opener.Open(attemptCtx, f.destinations)
		cancel()
		// The opener's own tries count (Answer.Tries) already reflects every
		// candidate it raced through internally, success or failure; a call
		// that returns an error without ever updating it still used up at
		// least one attempt (spec §4.5 "Attempt counter synchronization").
		f.tries = maxInt(f.tries+1, answer.Tries)
		if openErr != nil {
			f.lastError = openErr
			traceEvent(f.req.Span, "open failed", otlog.Int("tries", f.tries), otlog.Error(openErr))
			if f.retryOrBail() {
				continue
			}
			return 0, f.lastError
		}

		f.serverConn = answer.Conn
		f.owner = ownerNone
		traceEvent(f.req.Span, "connected", otlog.String("hostHint", answer.Ref.Path.HostHint), otlog.Bool("reused", answer.Reused))

		status, dispatchErr := f.advance(ctx, answer)
		if dispatchErr != nil {
			f.lastError = dispatchErr
			traceEvent(f.req.Span, "dispatch failed", otlog.Int("tries", f.tries), otlog.Error(dispatchErr))
			if f.retryOrBail() {
				continue
			}
			return 0, f.lastError
		}

		if f.reforward(status) {
			traceEvent(f.req.Span, "reforwarding", otlog.Int("status", status))
			f.unregisterServerConn()
			continue
		}

		traceEvent(f.req.Span, "completed", otlog.Int("status", status), otlog.Int("tries", f.tries))
		return status, nil
	}
}

// runPinned is Run's pinned-only path (spec §4.5, §8 scenario 4): the
// opener is bypassed entirely — there is exactly one destination, the
// client's own pinned connection, and it is never reinstated or raced.
// dontRetry latches immediately, so checkRetry/reforward's pinnedCanRetry
// gate (already false once latched) stops any retry or re-forward attempt
// on top of this connection; a failure is reported as a gateway failure
// rather than retried against a different peer.
func (f *FwdState) runPinned(ctx context.Context) (int, error) {
	f.tries++
	f.flags.dontRetry = true
	f.serverConn = f.req.Pinned
	f.owner = ownerNone
	traceEvent(f.req.Span, "connected", otlog.String("hostHint", "pinned"), otlog.Bool("reused", true))

	answer := Answer{Conn: f.req.Pinned, Reused: true, Tries: f.tries, Pinned: true}
	status, err := f.advance(ctx, answer)
	if err != nil {
		f.lastError = fwderrors.Wrap(fwderrors.PinnedErrorf("pinned connection failed: %v", err), err)
		traceEvent(f.req.Span, "dispatch failed", otlog.Int("tries", f.tries), otlog.Error(f.lastError))
		return 0, f.lastError
	}

	traceEvent(f.req.Span, "completed", otlog.Int("status", status), otlog.Int("tries", f.tries))
	return status, nil
}

// advance performs the post-connect steps of noteConnection: skip straight
// to dispatch for a reused connection, otherwise tunnel and/or secure as
// the Decider directs, then dispatch.
func (f *FwdState) advance(ctx context.Context, answer Answer) (int, error) {
	conn := answer.Conn

	if !answer.Reused {
		if f.decider.NeedsTunnelThroughProxy(conn, f.req) {
			tunneled, err := f.tunneler.Tunnel(ctx, conn, f.req)
			if err != nil {
				f.closePending(conn)
				return 0, err
			}
			conn = tunneled
		}

		if f.decider.NeedsSecuring(conn, f.req) {
			secured, tunneledOff, err := f.connector.Secure(ctx, conn, f.req)
			if err != nil {
				f.closePending(conn)
				return 0, err
			}
			if tunneledOff {
				// A peeking handshake took over forwarding responsibility;
				// this is a successful terminal state with no reusable
				// connection of our own (spec §4.4).
				f.flags.dontRetry = true
				return 0, nil
			}
			conn = secured
		}
	}

	f.serverConn = conn
	f.flags.connectedOkay = true
	f.owner = ownerDispatch
	status, err := f.dispatcher.Dispatch(ctx, conn, f.req)
	if f.owner == ownerDispatch {
		f.owner = ownerNone
	}
	return status, err
}

// checkRetry is the retry predicate (spec §4.5): true only if every
// condition holds.
func (f *FwdState) checkRetry() bool {
	if f.exhaustedTries() {
		return false
	}
	if f.destinations.Empty() && f.destinations.Finalized() {
		// The opener would not have given up unless it had exhausted every
		// candidate; with selection finalized, no further destination can
		// ever arrive.
		return false
	}
	if f.req.Pinned != nil && !f.pinnedCanRetry() {
		return false
	}
	if !f.enoughTimeToReForward() {
		return false
	}
	if f.flags.dontRetry {
		return false
	}
	if f.req.BodyConsumed {
		return false
	}
	if !f.flags.connectedOkay {
		return true // never actually connected anywhere: retry is safe
	}
	return f.req.IdempotentOrSafe
}

// retryOrBail is checkRetry()'s caller: true means re-enter peer selection;
// false means lastError is final and Run should return it. Kept distinct
// from checkRetry, rather than inlined at each call site, because it is the
// one place a future body-pipe "no more consumption expected" signal
// belongs once request bodies are modeled here.
func (f *FwdState) retryOrBail() bool {
	return f.checkRetry()
}

// reforward is the re-forwarding predicate (spec §4.5), evaluated after a
// reply status has arrived.
func (f *FwdState) reforward(status int) bool {
	if f.req.Pinned != nil && !f.pinnedCanRetry() {
		return false
	}
	if f.exhaustedTries() {
		return false
	}
	if f.req.BodyConsumed {
		return false
	}
	if f.destinations.Empty() && f.destinations.Finalized() {
		return false
	}
	return isReforwardableStatus(status)
}

func (f *FwdState) exhaustedTries() bool {
	return f.cfg.MaxTries > 0 && f.tries >= f.cfg.MaxTries
}

func (f *FwdState) exhaustedBudget() bool {
	if f.cfg.Budget <= 0 {
		return false
	}
	return time.Since(f.startTime) >= f.cfg.Budget
}

func (f *FwdState) remainingBudget() time.Duration {
	if f.cfg.Budget <= 0 {
		return 0
	}
	remaining := f.cfg.Budget - time.Since(f.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (f *FwdState) remainingCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.Budget <= 0 {
		return ctx, func() {}
	}
	deadline := f.startTime.Add(f.cfg.Budget)
	return context.WithDeadline(ctx, deadline)
}

// enoughTimeToReForward requires at least one second of remaining budget,
// mirroring the source's ForwardTimeout/EnoughTimeToReForward margin.
func (f *FwdState) enoughTimeToReForward() bool {
	return f.cfg.Budget <= 0 || f.remainingBudget() > time.Second
}

// pinnedCanRetry restricts retries on a pinned connection: never after a
// step-1-bumped handshake or after a Happy-Eyeballs race already picked a
// winner for it. The caller (FwdState's constructor contract) is
// responsible for only setting req.Pinned when retry is at least
// conceivable; this always returns false once dontRetry has latched.
func (f *FwdState) pinnedCanRetry() bool {
	return !f.flags.dontRetry
}

// unregisterServerConn drops ownership of the current server connection
// ahead of a re-forward attempt, per spec §4.5's complete(): "unregister
// the current server connection... call useDestinations again".
func (f *FwdState) unregisterServerConn() {
	if f.serverConn != nil {
		f.serverConn.UnregisterCloseHandler()
	}
	f.serverConn = nil
	f.owner = ownerNone
}

// closePending closes a connection that failed during tunneling/securing
// before a retry decision has been made, matching closePendingConnection.
func (f *FwdState) closePending(conn *path.Connection) {
	if conn != nil {
		_ = conn.Close()
	}
	if f.serverConn == conn {
		f.serverConn = nil
	}
}

func isReforwardableStatus(status int) bool {
	switch status {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
