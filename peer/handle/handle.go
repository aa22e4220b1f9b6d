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

// Package handle identifies a configured parent proxy or origin hint: the
// opaque "peer" half of a candidate destination Path. A Handle is shared by
// every Path that targets the same configured peer, so the happy-eyeballs
// opener, the standby pool and the forwarding state machine can all compare
// peer identity by pointer equality.
package handle

import "go.uber.org/atomic"

// ConnectionStatus maintains information about a peer's reachability, as
// observed by whichever component last tried to reach it (the standby pool
// refill loop, a failed forwarding attempt, or neighbor liveness tracking).
type ConnectionStatus int

const (
	// Unavailable indicates the peer is currently unusable for new requests.
	Unavailable ConnectionStatus = iota
	// Connecting indicates a connection to the peer is in flight.
	Connecting
	// Available indicates the peer is usable for requests.
	Available
)

func (s ConnectionStatus) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Connecting:
		return "connecting"
	case Available:
		return "available"
	default:
		return "unknown"
	}
}

// Status holds the information about a peer's state that Subscribers care
// about.
type Status struct {
	// PendingRequestCount is the number of requests currently in flight to
	// this peer across all transports.
	PendingRequestCount int
	// ConnectionStatus is the peer's current reachability.
	ConnectionStatus ConnectionStatus
}

// Subscriber is notified when a peer's Status changes. The standby pool
// manager (peer/pool) subscribes to every peer with a standby limit so its
// refill loop can be re-triggered by peer-state changes.
type Subscriber interface {
	NotifyStatusChanged(id ID)
}

// ID uniquely identifies a configured peer (e.g. "proxy1.example.com:3128").
type ID string

// Handle is the runtime counterpart of an ID: it tracks connection status,
// pending-request count, and the set of subscribers that should be told when
// either changes.
type Handle struct {
	id ID

	subscribers      map[Subscriber]struct{}
	pending          atomic.Int32
	connectionStatus atomic.Int32
}

// New creates a Handle for the given peer ID, initially Unavailable.
func New(id ID) *Handle {
	return &Handle{
		id:          id,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// ID returns the peer identifier this handle tracks.
func (h *Handle) ID() ID {
	return h.id
}

// Status returns the handle's current status.
func (h *Handle) Status() Status {
	return Status{
		PendingRequestCount: int(h.pending.Load()),
		ConnectionStatus:    ConnectionStatus(h.connectionStatus.Load()),
	}
}

// SetConnectionStatus updates reachability and notifies subscribers.
func (h *Handle) SetConnectionStatus(status ConnectionStatus) {
	h.connectionStatus.Store(int32(status))
	h.notifyStatusChanged()
}

// StartRequest marks one more request in flight to this peer and returns a
// callback to invoke when that request finishes.
func (h *Handle) StartRequest() func() {
	h.pending.Inc()
	h.notifyStatusChanged()
	return h.endRequest
}

func (h *Handle) endRequest() {
	h.pending.Dec()
	h.notifyStatusChanged()
}

// AddSubscriber registers sub to be notified of status changes. Not safe for
// concurrent use with RemoveSubscriber or with status-change notifications
// from multiple goroutines; the Handle takes no lock, so callers must
// serialize these calls themselves.
func (h *Handle) AddSubscriber(sub Subscriber) {
	h.subscribers[sub] = struct{}{}
}

// RemoveSubscriber unregisters sub.
func (h *Handle) RemoveSubscriber(sub Subscriber) {
	delete(h.subscribers, sub)
}

// NumSubscribers reports how many subscribers are currently registered.
func (h *Handle) NumSubscribers() int {
	return len(h.subscribers)
}

func (h *Handle) notifyStatusChanged() {
	for sub := range h.subscribers {
		sub.NotifyStatusChanged(h.id)
	}
}
