/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"
)

// ---- Call Session ----

// CallStatus is the state of the agent's call session
type CallStatus string

const (
	CallStatusIdle         CallStatus = "idle"
	CallStatusConnecting   CallStatus = "connecting"
	CallStatusRinging      CallStatus = "ringing"
	CallStatusConnected    CallStatus = "connected"
	CallStatusIncoming     CallStatus = "incoming"
	CallStatusDisconnected CallStatus = "disconnected"
	CallStatusError        CallStatus = "error"
)

// IsActive reports whether a call is in progress in this status. Disconnected
// and Error are transient and always settle to Idle.
func (s CallStatus) IsActive() bool {
	switch s {
	case CallStatusConnecting, CallStatusRinging, CallStatusConnected, CallStatusIncoming:
		return true
	}
	return false
}

// CallDirection represents the direction of a call
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallQuality is a coarse quality label derived from connection statistics
type CallQuality string

const (
	CallQualityUnknown   CallQuality = "unknown"
	CallQualityExcellent CallQuality = "excellent"
	CallQualityGood      CallQuality = "good"
	CallQualityFair      CallQuality = "fair"
	CallQualityPoor      CallQuality = "poor"
)

// CallSession is a snapshot of the single call the agent is handling.
// Observers always receive copies.
type CallSession struct {
	ID              string        `json:"id"`
	Direction       CallDirection `json:"direction"`
	RemoteParty     string        `json:"remoteParty"`
	Status          CallStatus    `json:"status"`
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	DurationSeconds int           `json:"durationSeconds"`
	Muted           bool          `json:"muted"`
	Quality         CallQuality   `json:"quality"`
}

// ConnectionStats are the media statistics sampled from a live connection
type ConnectionStats struct {
	RoundTrip  time.Duration
	Jitter     time.Duration
	PacketLoss float64 // fraction, 0..1
}

// ---- Registration ----

// RegistrationStatus is the state of the signaling device registration
type RegistrationStatus string

const (
	RegistrationStatusUnregistered RegistrationStatus = "unregistered"
	RegistrationStatusRegistering  RegistrationStatus = "registering"
	RegistrationStatusRegistered   RegistrationStatus = "registered"
	RegistrationStatusError        RegistrationStatus = "error"
)

// ---- Connection Health ----

// WebsocketState is the state of the signaling transport
type WebsocketState string

const (
	WebsocketConnecting WebsocketState = "connecting"
	WebsocketOpen       WebsocketState = "open"
	WebsocketClosed     WebsocketState = "closed"
)

// ConnectionHealth is a snapshot of the signaling link's health
type ConnectionHealth struct {
	WebsocketState    WebsocketState     `json:"websocketState"`
	DeviceState       RegistrationStatus `json:"deviceState"`
	LastHeartbeatAt   time.Time          `json:"lastHeartbeatAt"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	IsHealthy         bool               `json:"isHealthy"`
	// Exhausted is set once automatic retries have stopped
	Exhausted bool `json:"exhausted"`
}

// ---- Audio Devices ----

// AudioDeviceKind distinguishes capture from playback devices
type AudioDeviceKind string

const (
	AudioInput  AudioDeviceKind = "audioinput"
	AudioOutput AudioDeviceKind = "audiooutput"
)

// AudioDevice describes one platform audio device
type AudioDevice struct {
	DeviceID string          `json:"deviceId"`
	Label    string          `json:"label"`
	Kind     AudioDeviceKind `json:"kind"`
}

// ---- Call History ----

// CallHistoryRecord is one entry of the agent's call history
type CallHistoryRecord struct {
	ID              string        `json:"id"`
	Direction       CallDirection `json:"direction"`
	From            string        `json:"from"`
	To              string        `json:"to"`
	Disposition     string        `json:"disposition"`
	DurationSeconds int           `json:"durationSeconds"`
	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         time.Time     `json:"endedAt,omitempty"`
}

// HistoryPage is one page of call history. NextCursor is empty on the last page.
type HistoryPage struct {
	Records    []CallHistoryRecord `json:"records"`
	Cursor     string              `json:"cursor,omitempty"`
	NextCursor string              `json:"nextCursor,omitempty"`
	FetchedAt  time.Time           `json:"fetchedAt"`
}

// HistorySnapshot is what history observers receive
type HistorySnapshot struct {
	Records    []CallHistoryRecord
	NextCursor string
	Loading    bool
	Err        error
}

// ---- Config Types ----

// Config holds configuration for the Calling client
type Config struct {
	// TokenPath is the signaling token endpoint, relative to the core BaseURL
	TokenPath string
	// HistoryPath is the call history endpoint, relative to the core BaseURL
	HistoryPath string
	// HistoryPageSize is sent as the limit parameter
	HistoryPageSize int
	// HistoryRetries is the number of retries after the first failed fetch
	HistoryRetries int
	// HistoryRetryDelay is the fixed delay between history retries
	HistoryRetryDelay time.Duration

	// HeartbeatInterval is the expected heartbeat cadence of the signaling link
	HeartbeatInterval time.Duration
	// HeartbeatMissThreshold is how many intervals may pass without a heartbeat
	HeartbeatMissThreshold int
	// BackoffBase is the first reconnect delay, doubled per attempt
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay
	BackoffMax time.Duration
	// MaxReconnectAttempts is the number of automatic attempts before giving up
	MaxReconnectAttempts int
	// RegistrationTimeout bounds how long a reconnect may wait for the
	// device to report registered before it counts as failed
	RegistrationTimeout time.Duration

	// MaxDialDigits caps the dial buffer length, excluding a leading '+'
	MaxDialDigits int
	// DurationTickInterval is how often a connected session's duration and
	// quality are refreshed
	DurationTickInterval time.Duration

	// LevelMonitorInterval is the microphone level sampling period
	LevelMonitorInterval time.Duration
	// TestToneFrequency and TestToneDuration shape the output test tone
	TestToneFrequency float64
	TestToneDuration  time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		TokenPath:              "signaling/token",
		HistoryPath:            "calls/history",
		HistoryPageSize:        50,
		HistoryRetries:         2,
		HistoryRetryDelay:      500 * time.Millisecond,
		HeartbeatInterval:      10 * time.Second,
		HeartbeatMissThreshold: 3,
		BackoffBase:            1 * time.Second,
		BackoffMax:             30 * time.Second,
		MaxReconnectAttempts:   5,
		RegistrationTimeout:    15 * time.Second,
		MaxDialDigits:          15,
		DurationTickInterval:   1 * time.Second,
		LevelMonitorInterval:   100 * time.Millisecond,
		TestToneFrequency:      440,
		TestToneDuration:       1 * time.Second,
	}
}
