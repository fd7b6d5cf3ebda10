/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tejzpr/agent-softphone/phonesdk"
)

// liveSession exposes the connection of a Connected call, if any.
type liveSession interface {
	connectedConnection() (Connection, bool)
}

// AudioDeviceManager enumerates the platform's audio devices, tracks the
// agent's input/output selection and applies it to the live call.
type AudioDeviceManager struct {
	mu sync.Mutex

	config  *Config
	logger  phonesdk.Logger
	metrics *Metrics
	media   MediaDevices
	session liveSession
	report  func(error)

	inputs  []AudioDevice
	outputs []AudioDevice
	input   *AudioDevice
	output  *AudioDevice

	// Level monitor
	monitorStream InputStream
	monitorStop   chan struct{}
	monitorDone   chan struct{}

	levelListeners listeners[float64]
}

func newAudioDeviceManager(config *Config, logger phonesdk.Logger, metrics *Metrics, media MediaDevices, report func(error)) *AudioDeviceManager {
	return &AudioDeviceManager{
		config:  config,
		logger:  logger,
		metrics: metrics,
		media:   media,
		report:  report,
	}
}

// OnLevel registers an observer for microphone level samples (0..1)
func (a *AudioDeviceManager) OnLevel(fn func(float64)) func() {
	return a.levelListeners.add(fn)
}

// Enumerate lists the audio devices. It requires microphone permission and
// fails with MediaPermissionDenied without retrying when it is refused.
// Selections default to the first device of each kind.
func (a *AudioDeviceManager) Enumerate(ctx context.Context) (inputs, outputs []AudioDevice, err error) {
	granted, err := a.media.RequestPermission(ctx)
	if err != nil || !granted {
		e := newError(KindMediaPermissionDenied, "microphone access not granted", err)
		a.report(e)
		return nil, nil, e
	}

	devices, err := a.media.Enumerate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerating audio devices: %w", err)
	}

	for _, d := range devices {
		switch d.Kind {
		case AudioInput:
			inputs = append(inputs, d)
		case AudioOutput:
			outputs = append(outputs, d)
		}
	}

	a.mu.Lock()
	a.inputs = inputs
	a.outputs = outputs
	a.input = keepSelection(a.input, inputs)
	a.output = keepSelection(a.output, outputs)
	a.mu.Unlock()

	return copyDevices(inputs), copyDevices(outputs), nil
}

// keepSelection keeps sel if it is still present, else picks the first device.
func keepSelection(sel *AudioDevice, devices []AudioDevice) *AudioDevice {
	if sel != nil {
		for i := range devices {
			if devices[i].DeviceID == sel.DeviceID {
				d := devices[i]
				return &d
			}
		}
	}
	if len(devices) == 0 {
		return nil
	}
	d := devices[0]
	return &d
}

func copyDevices(devices []AudioDevice) []AudioDevice {
	if devices == nil {
		return nil
	}
	out := make([]AudioDevice, len(devices))
	copy(out, devices)
	return out
}

// Selection returns the current input and output selections
func (a *AudioDeviceManager) Selection() (input, output AudioDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.input != nil {
		input = *a.input
	}
	if a.output != nil {
		output = *a.output
	}
	return input, output
}

// SelectInput selects the capture device. During a Connected call the live
// track is rebound immediately; if that fails the previous selection is
// restored and DeviceSwitchFailed is returned, leaving the call up.
func (a *AudioDeviceManager) SelectInput(ctx context.Context, deviceID string) error {
	prev, next, err := a.swap(AudioInput, deviceID)
	if err != nil {
		return err
	}

	if conn, ok := a.liveConnection(); ok {
		if err := conn.SetInputDevice(ctx, deviceID); err != nil {
			a.revert(AudioInput, prev, next)
			e := newError(KindDeviceSwitchFailed, "input "+deviceID, err)
			a.report(e)
			return e
		}
	}

	a.restartMonitor(ctx)
	return nil
}

// SelectOutput selects the playback device, with the same rebind and revert
// rules as SelectInput.
func (a *AudioDeviceManager) SelectOutput(ctx context.Context, deviceID string) error {
	prev, next, err := a.swap(AudioOutput, deviceID)
	if err != nil {
		return err
	}

	if conn, ok := a.liveConnection(); ok {
		if err := conn.SetOutputDevice(ctx, deviceID); err != nil {
			a.revert(AudioOutput, prev, next)
			e := newError(KindDeviceSwitchFailed, "output "+deviceID, err)
			a.report(e)
			return e
		}
	}
	return nil
}

func (a *AudioDeviceManager) liveConnection() (Connection, bool) {
	if a.session == nil {
		return nil, false
	}
	return a.session.connectedConnection()
}

// swap points the selection of kind at deviceID and returns the old and new
// selections.
func (a *AudioDeviceManager) swap(kind AudioDeviceKind, deviceID string) (prev, next *AudioDevice, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	devices, sel := a.inputs, &a.input
	if kind == AudioOutput {
		devices, sel = a.outputs, &a.output
	}
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			d := devices[i]
			prev, next = *sel, &d
			*sel = next
			return prev, next, nil
		}
	}
	return nil, nil, newError(KindDeviceSwitchFailed, fmt.Sprintf("unknown %s %q", kind, deviceID), nil)
}

// revert restores prev unless the selection moved on since next was applied.
func (a *AudioDeviceManager) revert(kind AudioDeviceKind, prev, next *AudioDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sel := &a.input
	if kind == AudioOutput {
		sel = &a.output
	}
	if *sel == next {
		*sel = prev
	}
}

// bindSession applies the current selection to a newly connected call.
// Failures are reported but do not affect the call.
func (a *AudioDeviceManager) bindSession(ctx context.Context, conn Connection) {
	input, output := a.Selection()
	if input.DeviceID != "" {
		if err := conn.SetInputDevice(ctx, input.DeviceID); err != nil {
			a.report(newError(KindDeviceSwitchFailed, "input "+input.DeviceID, err))
		}
	}
	if output.DeviceID != "" {
		if err := conn.SetOutputDevice(ctx, output.DeviceID); err != nil {
			a.report(newError(KindDeviceSwitchFailed, "output "+output.DeviceID, err))
		}
	}
}

// unbindSession stops the level monitor once the call it served has ended
func (a *AudioDeviceManager) unbindSession() {
	a.StopLevelMonitor()
}

// ---- Level Monitor ----

// StartLevelMonitor opens the selected input and publishes its RMS level
// every LevelMonitorInterval until StopLevelMonitor.
func (a *AudioDeviceManager) StartLevelMonitor(ctx context.Context) error {
	a.mu.Lock()
	if a.monitorStop != nil {
		a.mu.Unlock()
		return nil
	}
	var deviceID string
	if a.input != nil {
		deviceID = a.input.DeviceID
	}
	a.mu.Unlock()

	stream, err := a.media.OpenInput(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("opening input %q: %w", deviceID, err)
	}

	a.mu.Lock()
	if a.monitorStop != nil {
		a.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.monitorStream = stream
	a.monitorStop = stop
	a.monitorDone = done
	a.mu.Unlock()

	interval := a.config.LevelMonitorInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	go a.monitor(stream, interval, stop, done)
	return nil
}

func (a *AudioDeviceManager) monitor(stream InputStream, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// one interval of 8 kHz audio
	buf := make([]int16, int(8000*interval/time.Second))
	if len(buf) == 0 {
		buf = make([]int16, 160)
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := stream.ReadSamples(buf)
			if err != nil {
				select {
				case <-stop:
				default:
					a.logger.Printf("Level monitor stopped: %v", err)
				}
				return
			}
			level := rmsLevel(buf[:n])
			a.metrics.level(level)
			a.levelListeners.notify(level)
		}
	}
}

// StopLevelMonitor stops the level monitor and releases the input stream.
// It is a no-op when the monitor is not running.
func (a *AudioDeviceManager) StopLevelMonitor() {
	a.mu.Lock()
	stop, done, stream := a.monitorStop, a.monitorDone, a.monitorStream
	a.monitorStop, a.monitorDone, a.monitorStream = nil, nil, nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	// unblocks a pending read
	if err := stream.Close(); err != nil {
		a.logger.Printf("Error closing input stream: %v", err)
	}
	<-done
	a.metrics.level(0)
}

// MonitoringLevel reports whether the level monitor is running
func (a *AudioDeviceManager) MonitoringLevel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.monitorStop != nil
}

func (a *AudioDeviceManager) restartMonitor(ctx context.Context) {
	if !a.MonitoringLevel() {
		return
	}
	a.StopLevelMonitor()
	if err := a.StartLevelMonitor(ctx); err != nil {
		a.logger.Printf("Error restarting level monitor: %v", err)
	}
}

// rmsLevel returns the RMS amplitude of samples normalized to 0..1
func rmsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	level := math.Sqrt(sum / float64(len(samples)))
	if level > 1 {
		level = 1
	}
	return level
}

// ---- Output Test ----

// TestOutput plays a short sine tone on the selected output device.
func (a *AudioDeviceManager) TestOutput(ctx context.Context) error {
	_, output := a.Selection()

	stream, err := a.media.OpenOutput(ctx, output.DeviceID)
	if err != nil {
		return fmt.Errorf("opening output %q: %w", output.DeviceID, err)
	}
	defer stream.Close()

	rate := stream.SampleRate()
	if rate <= 0 {
		rate = 8000
	}
	tone := sineTone(a.config.TestToneFrequency, a.config.TestToneDuration, rate)

	// 20ms frames
	frame := rate / 50
	for off := 0; off < len(tone); off += frame {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + frame
		if end > len(tone) {
			end = len(tone)
		}
		if _, err := stream.WriteSamples(tone[off:end]); err != nil {
			return fmt.Errorf("writing test tone: %w", err)
		}
	}
	return nil
}

// sineTone renders freq Hz for d at rate samples per second, at half scale.
func sineTone(freq float64, d time.Duration, rate int) []int16 {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// Close stops the level monitor
func (a *AudioDeviceManager) Close() {
	a.StopLevelMonitor()
}
