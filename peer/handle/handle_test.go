// Copyright (c) 2022 Uber Technologies, Inc.
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

package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingSubscriber struct {
	notifications int
}

func (s *countingSubscriber) NotifyStatusChanged(ID) {
	s.notifications++
}

func TestHandleStatus(t *testing.T) {
	h := New("proxy1.example.com:3128")
	assert.Equal(t, ID("proxy1.example.com:3128"), h.ID())
	assert.Equal(t, Unavailable, h.Status().ConnectionStatus)
	assert.Equal(t, 0, h.Status().PendingRequestCount)
}

func TestHandleNotifiesSubscribersOnStatusChange(t *testing.T) {
	h := New("p1")
	sub := &countingSubscriber{}
	h.AddSubscriber(sub)
	assert.Equal(t, 1, h.NumSubscribers())

	h.SetConnectionStatus(Available)
	assert.Equal(t, 1, sub.notifications)
	assert.Equal(t, Available, h.Status().ConnectionStatus)

	end := h.StartRequest()
	assert.Equal(t, 1, h.Status().PendingRequestCount)
	assert.Equal(t, 2, sub.notifications)

	end()
	assert.Equal(t, 0, h.Status().PendingRequestCount)
	assert.Equal(t, 3, sub.notifications)

	h.RemoveSubscriber(sub)
	assert.Equal(t, 0, h.NumSubscribers())
}
