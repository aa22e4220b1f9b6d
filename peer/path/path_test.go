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

package path

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/fwdcore/peer/handle"
)

func TestOfClassifiesAddressFamily(t *testing.T) {
	assert.Equal(t, FamilyUnknown, Of(nil))
	assert.Equal(t, FamilyIPv4, Of(net.IPv4(10, 0, 0, 1)))
	assert.Equal(t, FamilyIPv6, Of(net.ParseIP("2001:db8::1")))
}

func TestSamePeerUsesHostHintForDirectPaths(t *testing.T) {
	a := Path{Remote: net.IPv4(10, 0, 0, 1), HostHint: "origin.test"}
	b := Path{Remote: net.ParseIP("2001:db8::1"), HostHint: "origin.test"}
	assert.True(t, a.SamePeer(b), "same origin host, different address family, must still be the same peer")

	c := Path{Remote: net.IPv4(10, 0, 0, 2), HostHint: "other.test"}
	assert.False(t, a.SamePeer(c))
}

func TestSamePeerUsesHandleIdentityForConfiguredPeers(t *testing.T) {
	h1 := handle.New("peer-1")
	h2 := handle.New("peer-2")

	a := Path{Peer: h1, HostHint: "origin.test"}
	b := Path{Peer: h1, HostHint: "other.test"}
	assert.True(t, a.SamePeer(b), "same configured peer handle wins over differing host hints")

	c := Path{Peer: h2, HostHint: "origin.test"}
	assert.False(t, a.SamePeer(c))
}

func TestCloneProducesFreshUnopenedConnection(t *testing.T) {
	p := Path{Remote: net.IPv4(10, 0, 0, 1), Port: 443}
	conn := p.Clone()
	assert.Equal(t, p, conn.Path)
	assert.Nil(t, conn.Conn)
	assert.False(t, conn.IsOpen())
}

func TestIsOpenAndCloseAreIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := Open(Path{Remote: net.IPv4(10, 0, 0, 1)}, server)
	assert.True(t, conn.IsOpen())

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsOpen(), "IsOpen must observe a close, not just pointer validity")

	// A second Close must be a harmless no-op, not re-invoke the underlying
	// net.Conn's Close or re-fire the close handler.
	require.NoError(t, conn.Close())
}

func TestCloseHandlerFiresExactlyOnce(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := Open(Path{}, server)
	calls := 0
	conn.RegisterCloseHandler(func(error) { calls++ })

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, calls)
}

func TestUnregisterCloseHandlerSuppressesCallback(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := Open(Path{}, server)
	called := false
	conn.RegisterCloseHandler(func(error) { called = true })
	conn.UnregisterCloseHandler()

	require.NoError(t, conn.Close())
	assert.False(t, called)
}

func TestNilConnectionIsNotOpen(t *testing.T) {
	var conn *Connection
	assert.False(t, conn.IsOpen())
}
