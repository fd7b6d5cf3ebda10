/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/tejzpr/agent-softphone/calling"
)

// ErrCallEnded is returned by Call methods once the call is over
var ErrCallEnded = errors.New("call ended")

// Call is one call on a Device. It implements calling.Connection and
// calling.StatsProvider.
type Call struct {
	device   *Device
	id       string
	remote   string
	media    MediaSession
	outbound bool
	offer    string // remote offer of an inbound call

	mu    sync.Mutex
	ended bool
}

// ID returns the session id shared with the gateway
func (c *Call) ID() string { return c.id }

// RemoteParty returns the number or identity on the other end
func (c *Call) RemoteParty() string { return c.remote }

// Accept answers an inbound call
func (c *Call) Accept(ctx context.Context) error {
	if c.isEnded() {
		return ErrCallEnded
	}
	answer, err := c.media.CreateAnswer(ctx, c.offer)
	if err != nil {
		return err
	}
	return c.device.send(Message{Type: MessageAnswer, SessionID: c.id, SDP: answer})
}

// Reject declines an inbound call
func (c *Call) Reject() error {
	return c.end(MessageReject)
}

// Disconnect hangs up. It is a no-op once the call has ended.
func (c *Call) Disconnect() error {
	return c.end(MessageHangup)
}

func (c *Call) end(t MessageType) error {
	if c.device.removeCall(c.id) == nil {
		return nil
	}
	c.release()
	err := c.device.send(Message{Type: t, SessionID: c.id})
	if errors.Is(err, ErrDestroyed) {
		return nil
	}
	return err
}

// SendDigits sends DTMF digits in-band with the signaling
func (c *Call) SendDigits(digits string) error {
	if c.isEnded() {
		return ErrCallEnded
	}
	return c.device.send(Message{Type: MessageDTMF, SessionID: c.id, Digits: digits})
}

// SetMuted mutes or unmutes the outgoing audio
func (c *Call) SetMuted(muted bool) error {
	if c.isEnded() {
		return ErrCallEnded
	}
	c.media.SetMuted(muted)
	return nil
}

// SetInputDevice rebinds the outgoing audio to deviceID
func (c *Call) SetInputDevice(ctx context.Context, deviceID string) error {
	if c.isEnded() {
		return ErrCallEnded
	}
	return c.media.SetInputDevice(ctx, deviceID)
}

// SetOutputDevice routes the remote audio to deviceID
func (c *Call) SetOutputDevice(ctx context.Context, deviceID string) error {
	if c.isEnded() {
		return ErrCallEnded
	}
	return c.media.SetOutputDevice(ctx, deviceID)
}

// Stats returns the latest media statistics of the call
func (c *Call) Stats() (calling.ConnectionStats, bool) {
	if c.isEnded() {
		return calling.ConnectionStats{}, false
	}
	return c.media.Stats()
}

func (c *Call) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// release marks the call ended and closes its media
func (c *Call) release() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	if err := c.media.Close(); err != nil {
		c.device.logger.Printf("Error closing media for %s: %v", c.id, err)
	}
}
