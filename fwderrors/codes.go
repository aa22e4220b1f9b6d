// Copyright (c) 2017 Uber Technologies, Inc.
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

package fwderrors

import "strconv"

// Code classifies a forwarding-core failure by which phase of the forwarding
// pipeline produced it, not by its underlying transport cause.
type Code int

const (
	// None indicates no error.
	None Code = 0
	// Selection means peer selection produced no usable destinations.
	Selection Code = 1
	// Connect means every attempted transport failed to open.
	Connect Code = 2
	// Tunneler means a parent proxy refused or malformed its CONNECT response.
	Tunneler Code = 3
	// Tls means a TLS handshake to a peer or origin failed.
	Tls Code = 4
	// Pinned means the client's pinned server connection failed.
	Pinned Code = 5
	// Budget means the total forwarding budget expired.
	Budget Code = 6
	// ServerClosedEarly means the server closed before headers arrived or
	// while the reply was being consumed.
	ServerClosedEarly Code = 7
)

var codeToString = map[Code]string{
	None:              "none",
	Selection:         "selection",
	Connect:           "connect",
	Tunneler:          "tunneler",
	Tls:               "tls",
	Pinned:            "pinned",
	Budget:            "budget",
	ServerClosedEarly: "server_closed_early",
}

func (c Code) String() string {
	if s, ok := codeToString[c]; ok {
		return s
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}
