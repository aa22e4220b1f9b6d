// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

package happyeyeballs

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/fwdcore/peer/path"
	"github.com/gatewaycore/fwdcore/peer/resolvedpeers"
)

// fakeDialer resolves or fails dials keyed by the path's last IP octet,
// optionally delaying before doing so to control race outcomes in tests.
type fakeDialer struct {
	mu      sync.Mutex
	delay   map[byte]time.Duration
	fail    map[byte]bool
	dialed  []byte
}

func (d *fakeDialer) DialPath(ctx context.Context, p path.Path) (net.Conn, error) {
	last := p.Remote[len(p.Remote)-1]

	d.mu.Lock()
	d.dialed = append(d.dialed, last)
	delay := d.delay[last]
	shouldFail := d.fail[last]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail {
		return nil, errors.New("dial refused")
	}
	client, server := net.Pipe()
	client.Close()
	return server, nil
}

func v4Path(last byte, host string) path.Path {
	return path.Path{Remote: net.IPv4(10, 0, 0, last), Port: 80, Kind: path.KindDirect, HostHint: host}
}

func v6Path(last byte, host string) path.Path {
	ip := net.ParseIP("2001:db8::1")
	ip[15] = last
	return path.Path{Remote: ip, Port: 80, Kind: path.KindDirect, HostHint: host}
}

func TestOpenReusesStandbyConnectionWithoutDialing(t *testing.T) {
	dialer := &fakeDialer{}
	conn := path.Open(v4Path(1, "example.test"), nil)
	reuser := reuserFunc(func(p path.Path) (*path.Connection, bool) { return conn, true })

	o := New(dialer, reuser, Config{}, nil)
	destinations := resolvedpeers.New(0)
	destinations.Add(v4Path(1, "example.test"))
	destinations.Finalize()

	answer, err := o.Open(context.Background(), destinations)
	require.NoError(t, err)
	assert.True(t, answer.Reused)
	assert.Same(t, conn, answer.Conn)
	assert.Empty(t, dialer.dialed)
}

func TestOpenPrimeWinsWhenFaster(t *testing.T) {
	dialer := &fakeDialer{delay: map[byte]time.Duration{2: 50 * time.Millisecond}}
	o := New(dialer, NoReuse{}, Config{PrimeChanceGap: 5 * time.Millisecond}, nil)

	destinations := resolvedpeers.New(0)
	destinations.Add(v4Path(1, "example.test"))
	destinations.Add(v6Path(2, "example.test"))
	destinations.Finalize()

	answer, err := o.Open(context.Background(), destinations)
	require.NoError(t, err)
	assert.False(t, answer.Reused)
	assert.True(t, answer.Conn.Remote.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestOpenFallsBackToSpareWhenPrimeFails(t *testing.T) {
	dialer := &fakeDialer{fail: map[byte]bool{1: true}}
	o := New(dialer, NoReuse{}, Config{PrimeChanceGap: time.Millisecond}, nil)

	destinations := resolvedpeers.New(0)
	destinations.Add(v4Path(1, "example.test"))
	destinations.Add(v6Path(2, "example.test"))
	destinations.Finalize()

	answer, err := o.Open(context.Background(), destinations)
	require.NoError(t, err)
	assert.Equal(t, byte(2), answer.Conn.Remote[len(answer.Conn.Remote)-1])
}

func TestOpenMovesToNextPeerWhenBothFail(t *testing.T) {
	dialer := &fakeDialer{fail: map[byte]bool{1: true, 2: true}}
	o := New(dialer, NoReuse{}, Config{PrimeChanceGap: time.Millisecond}, nil)

	destinations := resolvedpeers.New(0)
	destinations.Add(v4Path(1, "a.test")) // peer A prime
	destinations.Add(v6Path(2, "a.test")) // peer A spare
	destinations.Add(v4Path(3, "b.test")) // peer B, no spare
	destinations.Finalize()

	answer, err := o.Open(context.Background(), destinations)
	require.NoError(t, err)
	assert.Equal(t, byte(3), answer.Conn.Remote[len(answer.Conn.Remote)-1])
}

func TestOpenReturnsErrorWhenAllPathsFail(t *testing.T) {
	dialer := &fakeDialer{fail: map[byte]bool{1: true}}
	o := New(dialer, NoReuse{}, Config{PrimeChanceGap: time.Millisecond}, nil)

	destinations := resolvedpeers.New(0)
	destinations.Add(v4Path(1, "example.test"))
	destinations.Finalize()

	_, err := o.Open(context.Background(), destinations)
	require.Error(t, err)
}

type reuserFunc func(p path.Path) (*path.Connection, bool)

func (f reuserFunc) Reuse(p path.Path) (*path.Connection, bool) { return f(p) }

func TestOpenBypassesAllowanceAfterPrimeFails(t *testing.T) {
	// happy_eyeballs_connect_limit = 0: no concurrent spare is ever granted,
	// yet a prime failure must still let the spare through immediately
	// (ignoreSpareRestrictions), or every peer with a failing prime would
	// hang until the surrounding context is canceled.
	dialer := &fakeDialer{fail: map[byte]bool{1: true}}
	allowance := NewSpareAllowanceGiver(0, 0, 1)
	o := New(dialer, NoReuse{}, Config{PrimeChanceGap: time.Hour}, allowance)

	destinations := resolvedpeers.New(0)
	destinations.Add(v4Path(1, "example.test"))
	destinations.Add(v6Path(2, "example.test"))
	destinations.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	answer, err := o.Open(ctx, destinations)
	require.NoError(t, err)
	assert.Equal(t, byte(2), answer.Conn.Remote[len(answer.Conn.Remote)-1])
}

func TestSpareAllowanceGiverZeroLimitNeverGrantsWithoutBypass(t *testing.T) {
	g := NewSpareAllowanceGiver(0, 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx)
	require.Error(t, err)
}

func TestSpareAllowanceGiverNegativeLimitIsUnlimited(t *testing.T) {
	g := NewSpareAllowanceGiver(0, -1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, g.Wait(ctx))
		}()
	}
	wg.Wait()
}

func TestSpareAllowanceGiverLimitBoundsConcurrentOutstanding(t *testing.T) {
	// happy_eyeballs_connect_limit = K: at no instant do more than K spare
	// allowances remain outstanding at once, even though tokens for the gap
	// limiter keep regenerating.
	const limit = 2
	g := NewSpareAllowanceGiver(0, limit, 1)

	var mu sync.Mutex
	current, max := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := g.Wait(ctx); err != nil {
				return
			}
			mu.Lock()
			current++
			if current > max {
				max = current
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			g.Done()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, max, limit)
}
