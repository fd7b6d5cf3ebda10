/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateDevices(t *testing.T) {
	h := newHarness(t)
	audio := h.client.Audio()

	inputs, outputs, err := audio.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
	assert.Len(t, outputs, 2)

	in, out := audio.Selection()
	assert.Equal(t, "mic-1", in.DeviceID)
	assert.Equal(t, "spk-1", out.DeviceID)
}

func TestEnumerateKeepsSelection(t *testing.T) {
	h := newHarness(t)
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)
	require.NoError(t, audio.SelectOutput(context.Background(), "spk-2"))

	_, _, err = audio.Enumerate(context.Background())
	require.NoError(t, err)
	_, out := audio.Selection()
	assert.Equal(t, "spk-2", out.DeviceID)

	// the selected device was unplugged
	h.media.mu.Lock()
	h.media.devices = h.media.devices[:3]
	h.media.mu.Unlock()
	_, _, err = audio.Enumerate(context.Background())
	require.NoError(t, err)
	_, out = audio.Selection()
	assert.Equal(t, "spk-1", out.DeviceID)
}

func TestEnumeratePermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.media.granted = false

	inputs, outputs, err := h.client.Audio().Enumerate(context.Background())
	assert.True(t, IsKind(err, KindMediaPermissionDenied))
	assert.Nil(t, inputs)
	assert.Nil(t, outputs)
	assert.Equal(t, []ErrorKind{KindMediaPermissionDenied}, h.errs.kinds())

	in, _ := h.client.Audio().Selection()
	assert.Empty(t, in.DeviceID)
}

func TestSelectUnknownDevice(t *testing.T) {
	h := newHarness(t)
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)

	err = audio.SelectInput(context.Background(), "mic-9")
	assert.True(t, IsKind(err, KindDeviceSwitchFailed))
	in, _ := audio.Selection()
	assert.Equal(t, "mic-1", in.DeviceID)
}

// connectedCall dials a number and drives the call to Connected
func connectedCall(t *testing.T, h *harness, dev *fakeDevice) *fakeConn {
	t.Helper()
	sess, err := h.client.Calls().MakeCall(context.Background(), "5551234")
	require.NoError(t, err)
	dev.emit(Event{Kind: EventAccepted, SessionID: sess.ID})
	require.Equal(t, CallStatusConnected, h.client.Calls().Current().Status)
	return dev.lastConn()
}

func TestSelectDuringCallRebindsTrack(t *testing.T) {
	h := newHarness(t)
	dev := h.start(t)
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)
	conn := connectedCall(t, h, dev)

	require.NoError(t, audio.SelectInput(context.Background(), "mic-2"))
	require.NoError(t, audio.SelectOutput(context.Background(), "spk-2"))

	snap := conn.snapshot()
	assert.Equal(t, "mic-2", snap.input)
	assert.Equal(t, "spk-2", snap.output)
	assert.Equal(t, CallStatusConnected, h.client.Calls().Current().Status)
}

func TestSelectDuringCallRevertsOnFailure(t *testing.T) {
	h := newHarness(t)
	dev := h.start(t)
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)
	conn := connectedCall(t, h, dev)

	conn.mu.Lock()
	conn.inputErr = errBoom
	conn.outputErr = errBoom
	conn.mu.Unlock()

	err = audio.SelectInput(context.Background(), "mic-2")
	assert.True(t, IsKind(err, KindDeviceSwitchFailed))
	assert.ErrorIs(t, err, errBoom)
	err = audio.SelectOutput(context.Background(), "spk-2")
	assert.True(t, IsKind(err, KindDeviceSwitchFailed))

	in, out := audio.Selection()
	assert.Equal(t, "mic-1", in.DeviceID)
	assert.Equal(t, "spk-1", out.DeviceID)
	assert.Equal(t, CallStatusConnected, h.client.Calls().Current().Status, "the call survives a failed switch")
	assert.Equal(t, []ErrorKind{KindDeviceSwitchFailed, KindDeviceSwitchFailed}, h.errs.kinds())
}

func TestSelectWithoutCallDoesNotTouchConnection(t *testing.T) {
	h := newHarness(t)
	dev := h.start(t)
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)

	// a call that is still ringing has no media to rebind
	_, err = h.client.Calls().MakeCall(context.Background(), "5551234")
	require.NoError(t, err)
	conn := dev.lastConn()
	conn.mu.Lock()
	conn.inputErr = errBoom
	conn.mu.Unlock()

	require.NoError(t, audio.SelectInput(context.Background(), "mic-2"))
	in, _ := audio.Selection()
	assert.Equal(t, "mic-2", in.DeviceID)
}

func TestLevelMonitor(t *testing.T) {
	h := newHarness(t)
	h.client.config.LevelMonitorInterval = 5 * time.Millisecond
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var levels []float64
	audio.OnLevel(func(l float64) {
		mu.Lock()
		levels = append(levels, l)
		mu.Unlock()
	})

	require.NoError(t, audio.StartLevelMonitor(context.Background()))
	require.NoError(t, audio.StartLevelMonitor(context.Background()), "starting twice is a no-op")
	assert.True(t, audio.MonitoringLevel())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.InDelta(t, 0.5, levels[0], 0.001)
	mu.Unlock()

	// switching input restarts the monitor on the new device
	require.NoError(t, audio.SelectInput(context.Background(), "mic-2"))
	assert.True(t, audio.MonitoringLevel())

	audio.StopLevelMonitor()
	audio.StopLevelMonitor()
	assert.False(t, audio.MonitoringLevel())

	h.media.mu.Lock()
	defer h.media.mu.Unlock()
	assert.Equal(t, []string{"mic-1", "mic-2"}, h.media.openedIn)
	for _, in := range h.media.inputs {
		assert.True(t, in.closed)
	}
}

func TestTestOutputPlaysTone(t *testing.T) {
	h := newHarness(t)
	audio := h.client.Audio()
	_, _, err := audio.Enumerate(context.Background())
	require.NoError(t, err)

	require.NoError(t, audio.TestOutput(context.Background()))

	require.Len(t, h.media.outputs, 1)
	out := h.media.outputs[0]
	assert.True(t, out.closed)
	assert.Len(t, out.samples, 8000, "one second at 8 kHz")

	peak := 0.0
	for _, s := range out.samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	assert.InDelta(t, 0.5*32767, peak, 50)
}

func TestTestOutputCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.client.Audio().TestOutput(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, h.media.outputs[0].closed)
}

func TestRMSLevel(t *testing.T) {
	assert.Equal(t, 0.0, rmsLevel(nil))
	assert.Equal(t, 0.0, rmsLevel([]int16{0, 0, 0}))
	assert.InDelta(t, 1.0, rmsLevel([]int16{-32768, -32768}), 1e-9)
	assert.InDelta(t, 0.25, rmsLevel([]int16{8192, -8192, 8192, -8192}), 1e-9)
}

func TestSineTone(t *testing.T) {
	tone := sineTone(440, 10*time.Millisecond, 8000)
	require.Len(t, tone, 80)
	assert.Equal(t, int16(0), tone[0])
}
