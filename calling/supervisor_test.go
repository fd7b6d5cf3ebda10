/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

// fakeReconnector fails or succeeds on demand and reports the outcome back
// to the supervisor the way the registrar does.
type fakeReconnector struct {
	mu     sync.Mutex
	calls  int
	err    error
	onCall func()
}

func (f *fakeReconnector) Reconnect(context.Context) error {
	f.mu.Lock()
	f.calls++
	err, hook := f.err, f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

type supervisorFixture struct {
	sup    *ReconnectionSupervisor
	rec    *fakeReconnector
	errs   *recordedErrors
	now    time.Time
	timers []*fakeTimer
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{
		rec:  &fakeReconnector{},
		errs: &recordedErrors{},
		now:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Second
	cfg.MaxReconnectAttempts = 5
	cfg.RegistrationTimeout = 15 * time.Second
	f.sup = newReconnectionSupervisor(cfg, log.New(io.Discard, "", 0), nil, f.rec, f.errs.record)
	f.sup.now = func() time.Time { return f.now }
	f.sup.afterFunc = func(d time.Duration, fn func()) stopper {
		timer := &fakeTimer{delay: d, fn: fn}
		f.timers = append(f.timers, timer)
		return timer
	}
	f.sup.Start()
	t.Cleanup(f.sup.Stop)
	return f
}

func (f *supervisorFixture) delays() []time.Duration {
	var out []time.Duration
	for _, timer := range f.timers {
		out = append(out, timer.delay)
	}
	return out
}

// fireLast runs the most recently armed retry
func (f *supervisorFixture) fireLast(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, f.timers)
	f.timers[len(f.timers)-1].fn()
}

func TestHeartbeatTimeoutAndBackoff(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.socketState(WebsocketOpen)
	f.sup.deviceRegistered()
	require.True(t, f.sup.Health().IsHealthy)

	// every failed attempt comes back as a registration failure
	f.rec.onCall = func() { f.sup.deviceFailed(errBoom) }

	f.now = f.now.Add(20 * time.Second)
	f.sup.checkHeartbeat()
	assert.True(t, f.sup.Health().IsHealthy, "two missed heartbeats are tolerated")

	f.now = f.now.Add(11 * time.Second)
	f.sup.checkHeartbeat()
	h := f.sup.Health()
	assert.False(t, h.IsHealthy)
	assert.True(t, f.errs.has(KindNetworkUnhealthy))

	f.fireLast(t)
	f.fireLast(t)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, f.delays())
	assert.Equal(t, 3, f.sup.Health().ReconnectAttempts)
	assert.Equal(t, 2, f.rec.calls)

	// a successful registration resets the backoff
	f.sup.deviceRegistered()
	assert.True(t, f.timers[2].stopped)
	assert.Equal(t, 0, f.sup.Health().ReconnectAttempts)
	assert.True(t, f.sup.Health().IsHealthy)

	f.sup.socketState(WebsocketClosed)
	assert.False(t, f.sup.Health().IsHealthy)
	assert.Equal(t, 1*time.Second, f.timers[len(f.timers)-1].delay)
}

func TestBackoffIsCapped(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.config.MaxReconnectAttempts = 10
	f.rec.onCall = func() { f.sup.deviceFailed(errBoom) }

	f.sup.deviceFailed(errBoom)
	for i := 0; i < 8; i++ {
		f.fireLast(t)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, f.delays())
}

func TestReconnectExhausted(t *testing.T) {
	f := newSupervisorFixture(t)
	f.rec.onCall = func() { f.sup.deviceFailed(errBoom) }

	var healths []ConnectionHealth
	f.sup.OnHealthChange(func(h ConnectionHealth) { healths = append(healths, h) })

	f.sup.deviceFailed(errBoom)
	for i := 0; i < 5; i++ {
		f.fireLast(t)
	}
	assert.Len(t, f.timers, 5)
	h := f.sup.Health()
	assert.True(t, h.Exhausted)
	assert.Equal(t, 5, h.ReconnectAttempts)
	assert.True(t, f.errs.has(KindReconnectExhausted))
	require.NotEmpty(t, healths)
	assert.True(t, healths[len(healths)-1].Exhausted)

	// no further automatic attempts
	f.sup.deviceFailed(errBoom)
	f.sup.socketState(WebsocketClosed)
	assert.Len(t, f.timers, 5)

	// a manual trigger re-arms the retries
	f.rec.onCall = nil
	started, err := f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.False(t, f.sup.Health().Exhausted)
	assert.Equal(t, 1, f.sup.Health().ReconnectAttempts)
}

func TestReconnectNowIsSerialized(t *testing.T) {
	f := newSupervisorFixture(t)

	started, err := f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	// registration result still pending
	started, err = f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 1, f.rec.calls)

	f.sup.deviceRegistered()
	started, _ = f.sup.ReconnectNow(context.Background())
	assert.True(t, started)
	assert.Equal(t, 2, f.rec.calls)
}

func TestReconnectNowCancelsPendingRetry(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.deviceFailed(errBoom)
	require.Len(t, f.timers, 1)

	started, err := f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, f.timers[0].stopped)

	// the stale timer firing late does nothing while the manual attempt is in flight
	f.timers[0].fn()
	assert.Equal(t, 1, f.rec.calls)
}

func TestSynchronousReconnectFailure(t *testing.T) {
	f := newSupervisorFixture(t)
	f.rec.err = newError(KindTokenRequestFailed, "token", errBoom)

	f.sup.deviceLost()
	f.fireLast(t)
	assert.True(t, f.errs.has(KindTokenRequestFailed))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.delays())
}

func TestAuthRequiredStopsRetries(t *testing.T) {
	f := newSupervisorFixture(t)
	f.rec.err = newError(KindAuthRequired, "logged out", nil)

	f.sup.deviceLost()
	f.fireLast(t)
	assert.Len(t, f.timers, 1)
	assert.True(t, f.errs.has(KindAuthRequired))
}

func TestStopCancelsRetries(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.deviceFailed(errBoom)
	require.Len(t, f.timers, 1)

	f.sup.Stop()
	f.sup.Stop()
	assert.True(t, f.timers[0].stopped)

	f.timers[0].fn()
	assert.Equal(t, 0, f.rec.calls)

	f.sup.deviceFailed(errBoom)
	assert.Len(t, f.timers, 1, "no scheduling while stopped")
}

func TestHeartbeatsDoNotNotify(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.socketState(WebsocketOpen)
	f.sup.deviceRegistered()

	var n int
	f.sup.OnHealthChange(func(ConnectionHealth) { n++ })
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Second)
		f.sup.heartbeat(f.now)
	}
	assert.Equal(t, 0, n)
	assert.Equal(t, f.now, f.sup.Health().LastHeartbeatAt)

	// older heartbeats never move the clock back
	f.sup.heartbeat(f.now.Add(-time.Minute))
	assert.Equal(t, f.now, f.sup.Health().LastHeartbeatAt)
}

func TestSocketCloseAfterReconnectReschedules(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.deviceLost()
	f.fireLast(t)
	require.Equal(t, 1, f.rec.calls)
	require.Len(t, f.timers, 1, "waiting for the device to register")

	// the link drops before the device ever reports
	f.sup.socketState(WebsocketClosed)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.delays())

	f.fireLast(t)
	assert.Equal(t, 2, f.rec.calls)
	f.sup.deviceLost()
	assert.Len(t, f.timers, 3)
}

func TestReconnectNowAfterLostRegistration(t *testing.T) {
	f := newSupervisorFixture(t)
	started, err := f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	require.True(t, started)

	f.sup.deviceLost()
	require.Len(t, f.timers, 1)

	started, err = f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	assert.True(t, started, "a lost registration does not leave the supervisor wedged")
	assert.True(t, f.timers[0].stopped)
	assert.Equal(t, 2, f.rec.calls)
}

func TestRegistrationTimeout(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.deviceLost()
	f.fireLast(t)
	require.Len(t, f.timers, 1)

	f.now = f.now.Add(10 * time.Second)
	f.sup.checkHeartbeat()
	assert.Len(t, f.timers, 1, "still within the registration timeout")
	assert.False(t, f.errs.has(KindRegistrationFailed))

	f.now = f.now.Add(6 * time.Second)
	f.sup.checkHeartbeat()
	assert.True(t, f.errs.has(KindRegistrationFailed))
	assert.Equal(t, RegistrationStatusError, f.sup.Health().DeviceState)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.delays())

	f.fireLast(t)
	assert.Equal(t, 2, f.rec.calls)
}

func TestLateFailureDoesNotClearNewerAttempt(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sup.deviceLost()
	attempt := f.sup.attempt

	f.fireLast(t)
	f.sup.deviceLost()
	f.fireLast(t)
	require.Equal(t, 2, f.rec.calls)

	// the first attempt's error arrives after the second started
	f.sup.reconnectFailed(attempt+1, newError(KindTokenRequestFailed, "token", errBoom))
	started, err := f.sup.ReconnectNow(context.Background())
	require.NoError(t, err)
	assert.False(t, started, "the second attempt is still in flight")
}
