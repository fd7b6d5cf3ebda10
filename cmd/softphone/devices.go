/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"context"
	"errors"
	"sync"

	"github.com/tejzpr/agent-softphone/calling"
)

var errStreamClosed = errors.New("stream closed")

// headlessDevices is the audio layer of a terminal softphone. It exposes one
// silent capture device and one playback device that discards samples.
type headlessDevices struct{}

var _ calling.MediaDevices = headlessDevices{}

func (headlessDevices) RequestPermission(context.Context) (bool, error) {
	return true, nil
}

func (headlessDevices) Enumerate(context.Context) ([]calling.AudioDevice, error) {
	return []calling.AudioDevice{
		{DeviceID: "default", Label: "Default microphone", Kind: calling.AudioInput},
		{DeviceID: "default", Label: "Default speaker", Kind: calling.AudioOutput},
	}, nil
}

func (headlessDevices) OpenInput(context.Context, string) (calling.InputStream, error) {
	return &silentStream{}, nil
}

func (headlessDevices) OpenOutput(context.Context, string) (calling.OutputStream, error) {
	return &silentStream{}, nil
}

type silentStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *silentStream) ReadSamples(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStreamClosed
	}
	clear(buf)
	return len(buf), nil
}

func (s *silentStream) WriteSamples(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStreamClosed
	}
	return len(buf), nil
}

func (s *silentStream) SampleRate() int { return 8000 }

func (s *silentStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
