// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

// Package metrics wires go.uber.org/net/metrics (SPEC_FULL.md §9) into the
// handful of process-wide counters/gauges this module reports: connection
// attempts and reuses (C2/C3), standby pool occupancy (C3), and shoveled
// tunnel bytes (C6). Grounded on yarpc-go's own use of the same library
// (internal/observability/public.go's lazily-registered CounterVectors,
// Get()'d with alternating tag-name/tag-value pairs).
package metrics

import "go.uber.org/net/metrics"

// Registry is the nil-safe handle every instrumented component is given; a
// nil *Registry, or the empty Registry that New(nil) returns, makes every
// method below a no-op, so callers that don't care about metrics never have to
// guard each call site themselves.
type Registry struct {
	attempts    *metrics.CounterVector
	reuses      *metrics.CounterVector
	standbySize *metrics.GaugeVector
	tunnelBytes *metrics.CounterVector
}

// New builds a Registry under scope. A nil scope yields a Registry whose
// methods are all no-ops, matching how a *zap.Logger field of nil behaves
// elsewhere in this module.
func New(scope *metrics.Scope) *Registry {
	if scope == nil {
		return &Registry{}
	}

	r := &Registry{}
	r.attempts, _ = scope.CounterVector(metrics.Spec{
		Name:    "connection_attempts",
		Help:    "Total number of outbound connection attempts, by peer and outcome.",
		VarTags: []string{"peer", "outcome"},
	})
	r.reuses, _ = scope.CounterVector(metrics.Spec{
		Name:    "standby_connection_reuses",
		Help:    "Total number of transactions served from a standby connection instead of a fresh dial.",
		VarTags: []string{"peer"},
	})
	r.standbySize, _ = scope.GaugeVector(metrics.Spec{
		Name:    "standby_pool_size",
		Help:    "Current number of idle standby connections held for a peer.",
		VarTags: []string{"peer"},
	})
	r.tunnelBytes, _ = scope.CounterVector(metrics.Spec{
		Name:    "tunnel_bytes_total",
		Help:    "Total bytes shoveled through CONNECT/force tunnels, by direction.",
		VarTags: []string{"direction"},
	})
	return r
}

// IncAttempt records one connection attempt to peer, tagged with outcome
// ("success" or "failure").
func (r *Registry) IncAttempt(peer, outcome string) {
	if r == nil || r.attempts == nil {
		return
	}
	if c, err := r.attempts.Get("peer", peer, "outcome", outcome); err == nil {
		c.Inc()
	}
}

// IncReuse records one transaction served from peer's standby pool.
func (r *Registry) IncReuse(peer string) {
	if r == nil || r.reuses == nil {
		return
	}
	if c, err := r.reuses.Get("peer", peer); err == nil {
		c.Inc()
	}
}

// SetStandbySize reports peer's current idle standby count.
func (r *Registry) SetStandbySize(peer string, n int) {
	if r == nil || r.standbySize == nil {
		return
	}
	if g, err := r.standbySize.Get("peer", peer); err == nil {
		g.Set(int64(n))
	}
}

// AddTunnelBytes adds n bytes shoveled in the given direction
// ("clientToServer" or "serverToClient") to the running total.
func (r *Registry) AddTunnelBytes(direction string, n int64) {
	if r == nil || r.tunnelBytes == nil || n <= 0 {
		return
	}
	if c, err := r.tunnelBytes.Get("direction", direction); err == nil {
		c.Add(n)
	}
}
