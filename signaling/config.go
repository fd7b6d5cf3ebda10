/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"log"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/tejzpr/agent-softphone/calling"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

// Config holds the configuration for the signaling adapter
type Config struct {
	URL              string        // Gateway websocket URL (ws:// or wss://)
	HandshakeTimeout time.Duration // Timeout for the websocket handshake
	PingInterval     time.Duration // Interval between websocket pings
	PongTimeout      time.Duration // Timeout for receiving a pong response
	WriteTimeout     time.Duration // Deadline for a single message write

	// ICEServers is the list of ICE servers (STUN/TURN) for call media
	ICEServers []webrtc.ICEServer

	// Devices carries call audio to and from the platform
	Devices calling.MediaDevices

	// NewMedia creates the media session of a call. Defaults to a pion
	// peer connection built from ICEServers and Devices.
	NewMedia func() (MediaSession, error)

	Logger phonesdk.Logger
}

// DefaultConfig returns the default configuration for the signaling adapter
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     10 * time.Second,
		PongTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (c *Config) logger() phonesdk.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Config) newMedia() (MediaSession, error) {
	if c.NewMedia != nil {
		return c.NewMedia()
	}
	return NewMediaEngine(&MediaConfig{ICEServers: c.ICEServers, Devices: c.Devices, Logger: c.logger()})
}
