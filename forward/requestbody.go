// Copyright (C) 1996-2023 The Squid Software Foundation and contributors
//
// Squid software is distributed under GPLv2+ license and includes
// contributions from numerous individuals and organizations.
// Please see the COPYING and CONTRIBUTORS files for details.

package forward

import (
	"io"

	"github.com/gatewaycore/fwdcore/internal/ioutil"
)

// TrackedBody wraps an incoming request body so checkRetry's
// "BodyConsumed" gate reflects reality instead of a caller-maintained bool:
// the first byte read marks the body consumed, and from then on checkRetry
// refuses to retry the transaction. The bytes read are recorded through
// internal/ioutil.Rereader, the teacher's own retry-replay primitive, so
// Reset can replay them.
type TrackedBody struct {
	req      *Request
	rereader *ioutil.Rereader
	release  func()
}

// NewTrackedBody returns a TrackedBody reading from src on req's behalf.
// The Dispatcher should read the request body through the returned
// *TrackedBody, not src directly, for req.BodyConsumed to stay accurate.
func NewTrackedBody(req *Request, src io.Reader) *TrackedBody {
	rr, release := ioutil.NewRereader(src)
	return &TrackedBody{req: req, rereader: rr, release: release}
}

// Read implements io.Reader, marking req.BodyConsumed true the moment any
// byte has been read toward an upstream attempt.
func (b *TrackedBody) Read(p []byte) (int, error) {
	n, err := b.rereader.Read(p)
	if n > 0 {
		b.req.BodyConsumed = true
	}
	return n, err
}

// Reset rewinds the body so the recorded bytes can be read again from the
// start. Only valid once the prior reads reached io.EOF (Rereader's own
// contract). Reset leaves req.BodyConsumed set, so it does not make the
// transaction retriable again.
func (b *TrackedBody) Reset() error {
	return b.rereader.Reset()
}

// Close releases the pooled buffer backing the replay log. Safe to call
// even if the body was never fully read.
func (b *TrackedBody) Close() error {
	b.release()
	return nil
}
