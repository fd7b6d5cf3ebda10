/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"sync"
	"time"

	"github.com/tejzpr/agent-softphone/phonesdk"
)

type reconnector interface {
	Reconnect(ctx context.Context) error
}

type stopper interface {
	Stop() bool
}

// ReconnectionSupervisor tracks the health of the signaling link and
// re-drives registration with exponential backoff when it fails.
type ReconnectionSupervisor struct {
	mu sync.Mutex

	config    *Config
	logger    phonesdk.Logger
	metrics   *Metrics
	registrar reconnector
	report    func(error)

	health     ConnectionHealth
	notified   ConnectionHealth
	backoff    time.Duration
	inFlight   bool
	retryTimer stopper
	// attempt numbers reconnects so a late result cannot clear a newer one
	attempt uint64
	// awaiting is set once Reconnect returned and the device has yet to
	// report its registration
	awaiting      bool
	awaitingSince time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	// Keepalive
	heartbeatTicker *time.Ticker
	heartbeatStop   chan struct{}

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	listeners listeners[ConnectionHealth]
}

func newReconnectionSupervisor(config *Config, logger phonesdk.Logger, metrics *Metrics, registrar reconnector, report func(error)) *ReconnectionSupervisor {
	s := &ReconnectionSupervisor{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		registrar: registrar,
		report:    report,
		backoff:   config.BackoffBase,
		now:       time.Now,
		afterFunc: func(d time.Duration, fn func()) stopper { return time.AfterFunc(d, fn) },
		health: ConnectionHealth{
			WebsocketState: WebsocketConnecting,
			DeviceState:    RegistrationStatusUnregistered,
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Health returns the current connection health snapshot
func (s *ReconnectionSupervisor) Health() ConnectionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// OnHealthChange registers an observer for health changes. Heartbeats alone
// do not notify unless they change IsHealthy.
func (s *ReconnectionSupervisor) OnHealthChange(fn func(ConnectionHealth)) func() {
	return s.listeners.add(fn)
}

// Start begins heartbeat monitoring. The missed-heartbeat check runs once
// per HeartbeatInterval.
func (s *ReconnectionSupervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.health.LastHeartbeatAt = s.now()

	if s.config.HeartbeatInterval <= 0 {
		return
	}
	s.heartbeatTicker = time.NewTicker(s.config.HeartbeatInterval)
	s.heartbeatStop = make(chan struct{})
	ticker, stop := s.heartbeatTicker, s.heartbeatStop
	go func() {
		for {
			select {
			case <-ticker.C:
				s.checkHeartbeat()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts monitoring, cancels any pending retry and aborts an in-flight
// reconnect. It is safe to call more than once.
func (s *ReconnectionSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancel()
	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
		close(s.heartbeatStop)
		s.heartbeatTicker = nil
		s.heartbeatStop = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.inFlight = false
	s.awaiting = false
}

// ReconnectNow triggers an immediate reconnect, bypassing the backoff delay.
// It returns false without doing anything if a reconnect is already in
// flight. A manual trigger after exhaustion re-arms automatic retries.
func (s *ReconnectionSupervisor) ReconnectNow(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return false, nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.health.Exhausted {
		s.health.Exhausted = false
		s.health.ReconnectAttempts = 0
		s.backoff = s.config.BackoffBase
	}
	attempt := s.beginLocked()
	s.health.ReconnectAttempts++
	s.metrics.reconnectAttempt()
	snap, changed := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	s.logger.Printf("Manual reconnect requested")

	err := s.registrar.Reconnect(ctx)
	s.reconnectDone(attempt, err)
	return true, err
}

// ---- signals from the registrar ----

func (s *ReconnectionSupervisor) deviceRegistered() {
	s.update(func() error {
		s.health.DeviceState = RegistrationStatusRegistered
		s.health.LastHeartbeatAt = s.now()
		s.health.ReconnectAttempts = 0
		s.health.Exhausted = false
		s.backoff = s.config.BackoffBase
		s.inFlight = false
		s.awaiting = false
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		return nil
	})
}

func (s *ReconnectionSupervisor) deviceFailed(err error) {
	s.update(func() error {
		s.health.DeviceState = RegistrationStatusError
		s.inFlight = false
		s.awaiting = false
		return s.scheduleLocked()
	})
}

func (s *ReconnectionSupervisor) deviceLost() {
	s.update(func() error {
		s.health.DeviceState = RegistrationStatusUnregistered
		s.abandonLocked()
		return s.scheduleLocked()
	})
}

func (s *ReconnectionSupervisor) heartbeat(at time.Time) {
	if at.IsZero() {
		at = s.now()
	}
	s.update(func() error {
		if at.After(s.health.LastHeartbeatAt) {
			s.health.LastHeartbeatAt = at
		}
		return nil
	})
}

func (s *ReconnectionSupervisor) socketState(state WebsocketState) {
	s.update(func() error {
		s.health.WebsocketState = state
		switch state {
		case WebsocketOpen:
			s.health.LastHeartbeatAt = s.now()
		case WebsocketClosed:
			s.abandonLocked()
			return s.scheduleLocked()
		}
		return nil
	})
}

// checkHeartbeat marks the link unhealthy once HeartbeatMissThreshold
// intervals pass without a heartbeat, and schedules a reconnect. A reconnect
// still waiting for registration after RegistrationTimeout is failed.
func (s *ReconnectionSupervisor) checkHeartbeat() {
	var missed, wasHealthy, timedOut bool
	s.update(func() error {
		wasHealthy = s.notified.IsHealthy
		if s.awaiting && s.config.RegistrationTimeout > 0 &&
			s.now().Sub(s.awaitingSince) > s.config.RegistrationTimeout {
			timedOut = true
			s.health.DeviceState = RegistrationStatusError
			s.abandonLocked()
			return s.scheduleLocked()
		}
		if s.heartbeatFreshLocked() {
			return nil
		}
		missed = true
		return s.scheduleLocked()
	})
	if timedOut {
		s.logger.Printf("No registration within %s of reconnecting", s.config.RegistrationTimeout)
		s.report(newError(KindRegistrationFailed, "registration timed out", nil))
	}
	if missed && wasHealthy {
		s.logger.Printf("Missed %d heartbeats, signaling link unhealthy", s.config.HeartbeatMissThreshold)
		s.report(newError(KindNetworkUnhealthy, "heartbeat timeout", nil))
	}
}

// update applies fn under the lock, then reports its error and notifies
// observers outside it.
func (s *ReconnectionSupervisor) update(fn func() error) {
	s.mu.Lock()
	err := fn()
	snap, changed := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		s.report(err)
	}
	if changed {
		s.notify(snap)
	}
}

// ---- retry scheduling ----

// scheduleLocked arms the next retry unless one is pending, in flight or
// automatic retries are exhausted. It returns ReconnectExhausted when this
// call exhausted the retries; the caller reports it after unlocking.
func (s *ReconnectionSupervisor) scheduleLocked() error {
	if !s.running || s.inFlight || s.retryTimer != nil || s.health.Exhausted {
		return nil
	}
	if s.health.ReconnectAttempts >= s.config.MaxReconnectAttempts {
		s.health.Exhausted = true
		s.metrics.exhausted()
		s.logger.Printf("Reconnect attempts exhausted after %d tries", s.health.ReconnectAttempts)
		return newError(KindReconnectExhausted, "automatic reconnection stopped", nil)
	}

	delay := s.backoff
	s.backoff *= 2
	if s.backoff > s.config.BackoffMax {
		s.backoff = s.config.BackoffMax
	}
	if delay > s.config.BackoffMax {
		delay = s.config.BackoffMax
	}
	s.health.ReconnectAttempts++
	s.metrics.reconnectAttempt()
	s.logger.Printf("Reconnect attempt %d in %s", s.health.ReconnectAttempts, delay)
	s.retryTimer = s.afterFunc(delay, s.fire)
	return nil
}

func (s *ReconnectionSupervisor) fire() {
	s.mu.Lock()
	s.retryTimer = nil
	if !s.running || s.inFlight {
		s.mu.Unlock()
		return
	}
	attempt := s.beginLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.reconnectDone(attempt, s.registrar.Reconnect(ctx))
}

func (s *ReconnectionSupervisor) beginLocked() uint64 {
	s.inFlight = true
	s.awaiting = false
	s.attempt++
	return s.attempt
}

// abandonLocked gives up on a reconnect that is waiting for registration,
// so the next signal can schedule a fresh one.
func (s *ReconnectionSupervisor) abandonLocked() {
	if s.awaiting {
		s.awaiting = false
		s.inFlight = false
	}
}

// reconnectDone records the outcome of Reconnect for attempt. On success
// the attempt stays in flight until the device reports, is lost, or
// RegistrationTimeout passes.
func (s *ReconnectionSupervisor) reconnectDone(attempt uint64, err error) {
	if err != nil {
		s.reconnectFailed(attempt, err)
		return
	}
	s.mu.Lock()
	if s.inFlight && s.attempt == attempt {
		s.awaiting = true
		s.awaitingSince = s.now()
	}
	s.mu.Unlock()
}

// reconnectFailed handles a synchronous reconnect failure. Registration
// failures were already reported by the registrar.
func (s *ReconnectionSupervisor) reconnectFailed(attempt uint64, err error) {
	if !IsKind(err, KindRegistrationFailed) {
		s.report(err)
	}

	s.update(func() error {
		if !s.inFlight || s.attempt != attempt {
			return nil
		}
		s.inFlight = false
		// a missing credential needs the agent to log in again
		if IsKind(err, KindAuthRequired) {
			return nil
		}
		return s.scheduleLocked()
	})
}

// ---- snapshots ----

func (s *ReconnectionSupervisor) heartbeatFreshLocked() bool {
	window := time.Duration(s.config.HeartbeatMissThreshold) * s.config.HeartbeatInterval
	return s.now().Sub(s.health.LastHeartbeatAt) <= window
}

// snapshotLocked recomputes IsHealthy and reports whether anything other
// than the heartbeat timestamp changed since the last notification.
func (s *ReconnectionSupervisor) snapshotLocked() (ConnectionHealth, bool) {
	s.health.IsHealthy = s.health.WebsocketState != WebsocketClosed &&
		s.health.DeviceState == RegistrationStatusRegistered &&
		s.heartbeatFreshLocked()

	snap := s.health
	prev := s.notified
	prev.LastHeartbeatAt = snap.LastHeartbeatAt
	if prev == snap {
		return snap, false
	}
	s.notified = snap
	s.metrics.health(snap)
	return snap, true
}

func (s *ReconnectionSupervisor) notify(h ConnectionHealth) {
	s.listeners.notify(h)
}
