/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"io"
)

// ---- Signaling Device Boundary ----

// DeviceFactory creates signaling devices bound to a token. The device
// reports everything it observes through sink.
type DeviceFactory interface {
	NewDevice(token string, sink EventSink) (Device, error)
}

// ConnectParams describes an outbound call. SessionID is chosen by the
// caller so events raised before Connect returns can already be matched.
type ConnectParams struct {
	SessionID string
	To        string
}

// Device is one registered signaling endpoint.
type Device interface {
	// Register starts registration. Completion is reported asynchronously
	// with EventRegistered or EventDeviceError.
	Register(ctx context.Context) error
	// Connect places an outbound call.
	Connect(ctx context.Context, params ConnectParams) (Connection, error)
	// Destroy releases the device. It is safe to call more than once.
	Destroy() error
}

// Connection is a single call leg on a device.
type Connection interface {
	ID() string
	Accept(ctx context.Context) error
	Reject() error
	Disconnect() error
	SendDigits(digits string) error
	SetMuted(muted bool) error
	SetInputDevice(ctx context.Context, deviceID string) error
	SetOutputDevice(ctx context.Context, deviceID string) error
}

// StatsProvider is implemented by connections that can report media stats.
type StatsProvider interface {
	Stats() (ConnectionStats, bool)
}

// ---- Platform Audio Boundary ----

// MediaDevices is the platform's audio device layer.
type MediaDevices interface {
	// RequestPermission asks for microphone access and reports whether it was granted.
	RequestPermission(ctx context.Context) (bool, error)
	Enumerate(ctx context.Context) ([]AudioDevice, error)
	OpenInput(ctx context.Context, deviceID string) (InputStream, error)
	OpenOutput(ctx context.Context, deviceID string) (OutputStream, error)
}

// InputStream yields signed 16-bit PCM samples from a capture device.
type InputStream interface {
	io.Closer
	ReadSamples(buf []int16) (int, error)
}

// OutputStream accepts signed 16-bit PCM samples for a playback device.
type OutputStream interface {
	io.Closer
	WriteSamples(buf []int16) (int, error)
	SampleRate() int
}
