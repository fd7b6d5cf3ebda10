/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

// Call state machine events
const (
	callEventDial      = "dial"
	callEventIncoming  = "incoming"
	callEventAnswer    = "answer"
	callEventReject    = "reject"
	callEventRinging   = "ringing"
	callEventConnected = "connected"
	callEventHangup    = "hangup"
	callEventFail      = "fail"
	callEventSettle    = "settle"
)

type deviceSource interface {
	readyDevice() (Device, uint64, bool)
}

type mediaBinder interface {
	bindSession(ctx context.Context, conn Connection)
	unbindSession()
}

type historyRefresher interface {
	Refresh()
}

// CallSessionController drives the agent's single call session. Every
// transition is applied under one lock; observers receive copies after the
// lock is released, in transition order.
type CallSessionController struct {
	mu sync.Mutex

	config    *Config
	logger    phonesdk.Logger
	metrics   *Metrics
	report    func(error)
	registrar deviceSource
	audio     mediaBinder
	history   historyRefresher

	machine *fsm.FSM
	session CallSession
	conn    Connection
	// gen is the registrar generation of the device carrying the session
	gen     uint64
	dial    *DialBuffer

	tickStop chan struct{}
	now      func() time.Time

	statusListeners   listeners[CallSession]
	updateListeners   listeners[CallSession]
	incomingListeners listeners[CallSession]
	unsubscribe       []func()
}

func newCallSessionController(config *Config, logger phonesdk.Logger, metrics *Metrics, bus *EventBus, registrar deviceSource, audio mediaBinder, history historyRefresher, report func(error)) *CallSessionController {
	c := &CallSessionController{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		report:    report,
		registrar: registrar,
		audio:     audio,
		history:   history,
		session:   CallSession{Status: CallStatusIdle, Quality: CallQualityUnknown},
		dial:      NewDialBuffer(config.MaxDialDigits),
		now:       time.Now,
	}
	c.machine = newCallMachine(func(from, to string) {
		c.metrics.transition(from, to)
	})
	for _, kind := range []EventKind{EventRinging, EventAccepted, EventDisconnected, EventCanceled, EventCallError} {
		c.unsubscribe = append(c.unsubscribe, bus.Subscribe(kind, c.handleCallEvent))
	}
	return c
}

func newCallMachine(onTransition func(from, to string)) *fsm.FSM {
	idle := string(CallStatusIdle)
	connecting := string(CallStatusConnecting)
	ringing := string(CallStatusRinging)
	connected := string(CallStatusConnected)
	incoming := string(CallStatusIncoming)
	disconnected := string(CallStatusDisconnected)
	failed := string(CallStatusError)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: callEventDial, Src: []string{idle}, Dst: connecting},
			{Name: callEventIncoming, Src: []string{idle}, Dst: incoming},
			{Name: callEventAnswer, Src: []string{incoming}, Dst: connecting},
			{Name: callEventReject, Src: []string{incoming}, Dst: idle},
			{Name: callEventRinging, Src: []string{connecting}, Dst: ringing},
			{Name: callEventConnected, Src: []string{connecting, ringing}, Dst: connected},
			{Name: callEventHangup, Src: []string{connecting, ringing, connected}, Dst: disconnected},
			{Name: callEventFail, Src: []string{connecting, ringing, incoming, connected}, Dst: failed},
			{Name: callEventSettle, Src: []string{disconnected, failed}, Dst: idle},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				onTransition(e.Src, e.Dst)
			},
		},
	)
}

// ---- Observers ----

// OnStatusChange registers an observer called once per state transition
func (c *CallSessionController) OnStatusChange(fn func(CallSession)) func() {
	return c.statusListeners.add(fn)
}

// OnSessionUpdate registers an observer for in-state changes (duration,
// quality, mute)
func (c *CallSessionController) OnSessionUpdate(fn func(CallSession)) func() {
	return c.updateListeners.add(fn)
}

// OnIncoming registers an observer for incoming calls
func (c *CallSessionController) OnIncoming(fn func(CallSession)) func() {
	return c.incomingListeners.add(fn)
}

// Current returns a snapshot of the session
func (c *CallSessionController) Current() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// DialString returns the dial buffer contents
func (c *CallSessionController) DialString() string {
	return c.dial.String()
}

// ---- Agent Operations ----

// MakeCall places an outbound call to number, or to the dial buffer when
// number is empty. It fails with DeviceNotReady unless the device is
// registered and with CallInProgress while another call is active; neither
// failure changes state.
func (c *CallSessionController) MakeCall(ctx context.Context, number string) (CallSession, error) {
	c.mu.Lock()
	device, gen, ok := c.registrar.readyDevice()
	if !ok {
		c.mu.Unlock()
		return CallSession{}, newError(KindDeviceNotReady, "device is not registered", nil)
	}
	if c.session.Status.IsActive() {
		c.mu.Unlock()
		return CallSession{}, newError(KindCallInProgress, "a call is already active", nil)
	}
	number = strings.TrimSpace(number)
	if number == "" {
		number = c.dial.String()
	}
	if number == "" {
		c.mu.Unlock()
		return CallSession{}, newError(KindCallError, "no number to dial", nil)
	}

	c.session = CallSession{
		ID:          uuid.New().String(),
		Direction:   CallDirectionOutbound,
		RemoteParty: number,
		Quality:     CallQualityUnknown,
	}
	c.gen = gen
	snap, err := c.fireLocked(callEventDial)
	if err != nil {
		c.session = CallSession{Status: CallStatusIdle, Quality: CallQualityUnknown}
		c.mu.Unlock()
		return CallSession{}, newError(KindCallError, "dial", err)
	}
	c.dial.Clear()
	id := snap.ID
	c.mu.Unlock()

	c.logger.Printf("Dialing %s, session=%s", number, id)
	c.statusListeners.notify(snap)

	conn, err := device.Connect(ctx, ConnectParams{SessionID: id, To: number})

	c.mu.Lock()
	if c.session.ID != id || !c.session.Status.IsActive() {
		// hung up while connecting
		c.mu.Unlock()
		if conn != nil {
			if derr := conn.Disconnect(); derr != nil {
				c.logger.Printf("Error disconnecting abandoned call: %v", derr)
			}
		}
		return snap, newError(KindCallError, "call ended while connecting", err)
	}
	if err != nil {
		snaps, ended := c.endLocked(callEventFail)
		c.mu.Unlock()
		e := newError(KindCallError, "connect", err)
		c.finish(snaps, ended)
		c.report(e)
		return snaps[len(snaps)-1], e
	}
	c.conn = conn
	snap = c.session
	c.mu.Unlock()

	// accepted before Connect returned
	if snap.Status == CallStatusConnected && c.audio != nil {
		c.audio.bindSession(ctx, conn)
	}
	return snap, nil
}

// AcceptCall answers the incoming call
func (c *CallSessionController) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.session.Status != CallStatusIncoming {
		c.mu.Unlock()
		return newError(KindCallError, "no incoming call", nil)
	}
	snap, err := c.fireLocked(callEventAnswer)
	if err != nil {
		c.mu.Unlock()
		return newError(KindCallError, "answer", err)
	}
	conn, id := c.conn, c.session.ID
	c.mu.Unlock()

	c.statusListeners.notify(snap)

	if err := conn.Accept(ctx); err != nil {
		e := newError(KindCallError, "accept", err)
		c.failSession(id, e)
		return e
	}
	return nil
}

// RejectCall declines the incoming call. It is a no-op in any other state.
func (c *CallSessionController) RejectCall() error {
	conn, ok := c.dismissIncoming()
	if !ok {
		return nil
	}
	if err := conn.Reject(); err != nil {
		c.logger.Printf("Error rejecting call: %v", err)
	}
	return nil
}

// IgnoreCall drops the incoming call locally without signaling a rejection,
// leaving it to ring out at the gateway.
func (c *CallSessionController) IgnoreCall() {
	c.dismissIncoming()
}

func (c *CallSessionController) dismissIncoming() (Connection, bool) {
	c.mu.Lock()
	if c.session.Status != CallStatusIncoming {
		c.mu.Unlock()
		return nil, false
	}
	conn := c.conn
	snap, err := c.fireLocked(callEventReject)
	if err != nil {
		c.mu.Unlock()
		c.logger.Printf("Error dismissing incoming call: %v", err)
		return nil, false
	}
	ended := c.resetLocked()
	c.mu.Unlock()

	c.finish([]CallSession{snap}, ended)
	return conn, true
}

// HangupCall ends the call. From Connecting, Ringing or Connected it passes
// through Disconnected to Idle; an incoming call is rejected. It is a no-op
// while Idle.
func (c *CallSessionController) HangupCall() error {
	c.mu.Lock()
	switch c.session.Status {
	case CallStatusIncoming:
		c.mu.Unlock()
		return c.RejectCall()
	case CallStatusConnecting, CallStatusRinging, CallStatusConnected:
	default:
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	snaps, ended := c.endLocked(callEventHangup)
	c.mu.Unlock()

	c.finish(snaps, ended)
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			c.logger.Printf("Error disconnecting call: %v", err)
		}
	}
	return nil
}

// MuteCall mutes the microphone. Outside Connected it is a no-op.
func (c *CallSessionController) MuteCall() error {
	return c.setMuted(true)
}

// UnmuteCall unmutes the microphone. Outside Connected it is a no-op.
func (c *CallSessionController) UnmuteCall() error {
	return c.setMuted(false)
}

func (c *CallSessionController) setMuted(muted bool) error {
	c.mu.Lock()
	if c.session.Status != CallStatusConnected || c.session.Muted == muted || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	if err := c.conn.SetMuted(muted); err != nil {
		c.mu.Unlock()
		return newError(KindCallError, "mute", err)
	}
	c.session.Muted = muted
	snap := c.session
	c.mu.Unlock()

	c.updateListeners.notify(snap)
	return nil
}

// SendDigits sends DTMF tones on the connected call. Outside Connected it
// is a no-op.
func (c *CallSessionController) SendDigits(digits string) error {
	c.mu.Lock()
	if c.session.Status != CallStatusConnected || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if !isDTMF(digits) {
		return newError(KindCallError, "invalid DTMF digits "+digits, nil)
	}
	if err := conn.SendDigits(digits); err != nil {
		return newError(KindCallError, "send digits", err)
	}
	return nil
}

// PressKey routes a keypad press: while Idle it edits the dial buffer, while
// Connected it sends the key as DTMF. It reports whether the key was used.
func (c *CallSessionController) PressKey(key string) (bool, error) {
	c.mu.Lock()
	status := c.session.Status
	c.mu.Unlock()

	switch status {
	case CallStatusIdle:
		return c.dial.Press(key), nil
	case CallStatusConnected:
		if len(key) != 1 || !isDTMF(key) {
			return false, nil
		}
		if err := c.SendDigits(key); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ---- Gateway Events ----

// handleIncoming offers an incoming call to the agent. A second call while
// one is active is rejected as busy.
func (c *CallSessionController) handleIncoming(ev Event) {
	conn := ev.Connection

	c.mu.Lock()
	if c.session.Status != CallStatusIdle {
		c.mu.Unlock()
		c.logger.Printf("Rejecting incoming call from %s: busy", ev.RemoteParty)
		if err := conn.Reject(); err != nil {
			c.logger.Printf("Error rejecting call: %v", err)
		}
		return
	}
	c.session = CallSession{
		ID:          conn.ID(),
		Direction:   CallDirectionInbound,
		RemoteParty: ev.RemoteParty,
		Quality:     CallQualityUnknown,
	}
	c.conn = conn
	c.gen = ev.Generation
	snap, err := c.fireLocked(callEventIncoming)
	if err != nil {
		c.resetLocked()
		c.mu.Unlock()
		c.logger.Printf("Error offering incoming call: %v", err)
		return
	}
	c.mu.Unlock()

	c.logger.Printf("Incoming call from %s, session=%s", snap.RemoteParty, snap.ID)
	c.statusListeners.notify(snap)
	c.incomingListeners.notify(snap)
}

// handleCallEvent applies a connection event to the session it belongs to.
// Events for other sessions, from a device other than the one carrying the
// session, or that are not valid in the current state, are dropped.
func (c *CallSessionController) handleCallEvent(ev Event) {
	ctx := context.Background()

	c.mu.Lock()
	if !c.session.Status.IsActive() || ev.SessionID != c.session.ID || ev.Generation != c.gen {
		c.mu.Unlock()
		return
	}

	var (
		snaps   []CallSession
		ended   *CallSession
		bind    Connection
		callErr error
	)
	switch ev.Kind {
	case EventRinging:
		if !c.machine.Can(callEventRinging) {
			c.mu.Unlock()
			return
		}
		snap, _ := c.fireLocked(callEventRinging)
		snaps = append(snaps, snap)

	case EventAccepted:
		if !c.machine.Can(callEventConnected) {
			c.mu.Unlock()
			return
		}
		c.session.StartedAt = c.now()
		snap, _ := c.fireLocked(callEventConnected)
		snaps = append(snaps, snap)
		c.startTickerLocked(snap.ID)
		bind = c.conn

	case EventDisconnected, EventCanceled:
		via := callEventFail
		if c.session.Status == CallStatusConnected {
			via = callEventHangup
		}
		snaps, ended = c.endLocked(via)

	case EventCallError:
		snaps, ended = c.endLocked(callEventFail)
		callErr = &Error{Kind: KindCallError, Code: ev.Code, Message: ev.Message, Err: ev.Err}
	}
	c.mu.Unlock()

	c.finish(snaps, ended)
	if bind != nil && c.audio != nil {
		c.audio.bindSession(ctx, bind)
	}
	if callErr != nil {
		c.logger.Printf("Call error on session %s: %v", ev.SessionID, callErr)
		c.report(callErr)
	}
}

// failSession ends session id through Error, if it is still the active one.
func (c *CallSessionController) failSession(id string, err error) {
	c.mu.Lock()
	if c.session.ID != id || !c.session.Status.IsActive() {
		c.mu.Unlock()
		return
	}
	snaps, ended := c.endLocked(callEventFail)
	c.mu.Unlock()

	c.finish(snaps, ended)
	c.report(err)
}

// deviceReleased ends the active session if it was carried by the device of
// generation gen. That device was destroyed and its calls with it.
func (c *CallSessionController) deviceReleased(gen uint64) {
	c.mu.Lock()
	if !c.session.Status.IsActive() || c.gen != gen {
		c.mu.Unlock()
		return
	}
	id := c.session.ID
	snaps, ended := c.endLocked(callEventFail)
	c.mu.Unlock()

	c.logger.Printf("Call session %s lost with its signaling device", id)
	c.finish(snaps, ended)
	c.report(newError(KindCallError, "signaling device replaced", nil))
}

// connectedConnection returns the live connection of a Connected call
func (c *CallSessionController) connectedConnection() (Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.Status != CallStatusConnected || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

// ---- Transitions ----

func (c *CallSessionController) fireLocked(event string) (CallSession, error) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		return c.session, err
	}
	c.session.Status = CallStatus(c.machine.Current())
	return c.session, nil
}

// endLocked moves the active session through via (hangup or fail) and then
// settles to Idle, returning both snapshots and the ended session.
func (c *CallSessionController) endLocked(via string) ([]CallSession, *CallSession) {
	var snaps []CallSession
	if snap, err := c.fireLocked(via); err == nil {
		snaps = append(snaps, snap)
	} else {
		c.logger.Printf("Unexpected %s from %s: %v", via, c.session.Status, err)
	}
	if snap, err := c.fireLocked(callEventSettle); err == nil {
		snaps = append(snaps, snap)
	}
	ended := c.resetLocked()
	if len(snaps) == 0 || snaps[len(snaps)-1].Status != CallStatusIdle {
		snaps = append(snaps, c.session)
	}
	return snaps, ended
}

// resetLocked clears the session after it reached Idle and returns the
// session that ended.
func (c *CallSessionController) resetLocked() *CallSession {
	c.stopTickerLocked()
	ended := c.session
	if !ended.StartedAt.IsZero() {
		ended.DurationSeconds = int(c.now().Sub(ended.StartedAt) / time.Second)
	}
	if c.machine.Current() != string(CallStatusIdle) {
		c.machine.SetState(string(CallStatusIdle))
	}
	c.session = CallSession{Status: CallStatusIdle, Quality: CallQualityUnknown}
	c.conn = nil
	c.gen = 0
	return &ended
}

// finish publishes transition snapshots and, when a session ended, releases
// its audio, records it and refreshes history.
func (c *CallSessionController) finish(snaps []CallSession, ended *CallSession) {
	for _, s := range snaps {
		c.statusListeners.notify(s)
	}
	if ended == nil {
		return
	}
	if c.audio != nil {
		c.audio.unbindSession()
	}
	c.logger.Printf("Call session %s ended after %ds", ended.ID, ended.DurationSeconds)
	c.metrics.callEnded(ended.DurationSeconds)
	if c.history != nil {
		c.history.Refresh()
	}
}

// ---- Duration & Quality ----

func (c *CallSessionController) startTickerLocked(id string) {
	c.stopTickerLocked()
	interval := c.config.DurationTickInterval
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.tickStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.tick(id)
			}
		}
	}()
}

func (c *CallSessionController) stopTickerLocked() {
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

// tick refreshes the duration and quality of session id
func (c *CallSessionController) tick(id string) {
	c.mu.Lock()
	if c.session.ID != id || c.session.Status != CallStatusConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	quality := CallQualityUnknown
	if sp, ok := conn.(StatsProvider); ok {
		if stats, ok := sp.Stats(); ok {
			quality = DeriveQuality(stats)
		}
	}

	c.mu.Lock()
	if c.session.ID != id || c.session.Status != CallStatusConnected {
		c.mu.Unlock()
		return
	}
	c.session.DurationSeconds = int(c.now().Sub(c.session.StartedAt) / time.Second)
	if quality != CallQualityUnknown {
		c.session.Quality = quality
	}
	snap := c.session
	c.mu.Unlock()

	c.updateListeners.notify(snap)
}

// DeriveQuality maps connection statistics to a quality label
func DeriveQuality(s ConnectionStats) CallQuality {
	switch {
	case s.RoundTrip < 150*time.Millisecond && s.Jitter < 20*time.Millisecond && s.PacketLoss < 0.01:
		return CallQualityExcellent
	case s.RoundTrip < 250*time.Millisecond && s.Jitter < 30*time.Millisecond && s.PacketLoss < 0.03:
		return CallQualityGood
	case s.RoundTrip < 400*time.Millisecond && s.Jitter < 50*time.Millisecond && s.PacketLoss < 0.08:
		return CallQualityFair
	}
	return CallQualityPoor
}

// Close hangs up any active call and drops the event subscriptions
func (c *CallSessionController) Close() error {
	err := c.HangupCall()
	c.IgnoreCall()
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	return err
}
