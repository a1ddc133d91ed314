// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/corelattice/kernel/pkg/errors"
)

const requestResponsePollInterval = 5 * time.Millisecond

// SendRequestResponse implements the layer built atop channels and the
// scheduler's voluntary yield (spec §4.2 "Request/response layer"): a
// fresh capacity-1 synchronous reply channel is created, a Request
// message carrying the reply-channel handle and an absolute expiration is
// enqueued on the target channel, and the caller polls the reply channel
// — yielding between polls — until a Response arrives or timeout elapses.
// target must have been created with the RequestResponse discipline;
// Send rejects the mismatched tag otherwise.
func (m *Manager) SendRequestResponse(ctx context.Context, target ChannelID, sender ThreadID, payload []byte, timeout time.Duration) ([]byte, error) {
	replyCh, err := m.CreateChannel(Synchronous, sender, 1, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Destroy(replyCh, sender) }()

	expires := m.clock.NowNs() + uint64(timeout.Nanoseconds())
	req := struct {
		reply   ChannelID
		payload []byte
	}{reply: replyCh, payload: payload}

	if _, err := m.Send(target, sender, nil, RequestResponse, PriorityNormal, encodeRequest(req.reply, req.payload), &expires); err != nil {
		return nil, err
	}

	b := backoff.NewConstantBackOff(requestResponsePollInterval)
	result, berr := backoff.Retry(ctx, func() (*Message, error) {
		_ = m.sched.YieldCurrent(sender)

		msg, err := m.Receive(replyCh, sender)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if msg == nil {
			return nil, errors.ErrWouldBlock // triggers the next retry
		}
		return msg, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))

	if berr != nil {
		if errors.Is(berr, errors.ErrWouldBlock) {
			// The elapsed-time budget ran out while the reply channel
			// was still empty: report it as a timeout rather than the
			// internal polling sentinel.
			return nil, errors.ErrTimeout
		}
		// backoff/v5 already unwraps a Permanent-wrapped error before
		// returning it, so berr here is already the underlying receive
		// failure (e.g. ErrChannelClosed) or ctx.Err(); surface it
		// directly instead of masking it as a timeout.
		return nil, berr
	}
	return result.Payload, nil
}

// encodeRequest packages the reply-channel handle with the caller's
// payload. The wire format itself is opaque to the core (spec §6
// "Service wire protocol": "the core treats payloads as opaque byte
// sequences"); this helper exists only so SendRequestResponse has a
// single Payload to hand to Send.
func encodeRequest(reply ChannelID, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	for i := 0; i < 8; i++ {
		out[i] = byte(reply >> (8 * i))
	}
	copy(out[8:], payload)
	return out
}
