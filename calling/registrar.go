/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

// healthObserver receives the device-level signals the registrar forwards
// for the current device generation.
type healthObserver interface {
	deviceRegistered()
	deviceFailed(err error)
	deviceLost()
	heartbeat(at time.Time)
	socketState(state WebsocketState)
}

// DeviceRegistrar exchanges the agent identity for a signaling token and
// keeps exactly one signaling device registered with the gateway.
type DeviceRegistrar struct {
	mu sync.Mutex

	core    *phonesdk.Client
	config  *Config
	factory DeviceFactory
	bus     *EventBus
	logger  phonesdk.Logger
	metrics *Metrics
	report  func(error)

	status      RegistrationStatus
	device      Device
	generation  uint64
	identity    string
	token       string
	tokenExpiry time.Time

	// in-flight token request, superseded by the next RequestToken
	tokenCancel context.CancelFunc
	tokenSeq    uint64

	health   healthObserver
	incoming func(Event)
	// released is told which generation's device was destroyed
	released func(gen uint64)
	closed   bool

	statusListeners listeners[RegistrationStatus]
	unsubscribe     []func()
}

func newDeviceRegistrar(core *phonesdk.Client, config *Config, factory DeviceFactory, bus *EventBus, metrics *Metrics, report func(error)) *DeviceRegistrar {
	r := &DeviceRegistrar{
		core:    core,
		config:  config,
		factory: factory,
		bus:     bus,
		logger:  core.GetLogger(),
		metrics: metrics,
		report:  report,
		status:  RegistrationStatusUnregistered,
	}
	r.unsubscribe = []func(){
		bus.Subscribe(EventRegistered, r.onRegistered),
		bus.Subscribe(EventUnregistered, r.onUnregistered),
		bus.Subscribe(EventDeviceError, r.onDeviceError),
		bus.Subscribe(EventIncoming, r.onIncoming),
		bus.Subscribe(EventHeartbeat, r.onHeartbeat),
		bus.Subscribe(EventSocketOpen, r.onSocket),
		bus.Subscribe(EventSocketClosed, r.onSocket),
	}
	metrics.registration(r.status)
	return r
}

// Status returns the current registration status
func (r *DeviceRegistrar) Status() RegistrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Identity returns the identity of the last token request
func (r *DeviceRegistrar) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// TokenExpiry returns the expiry of the current signaling token, or the zero
// time if the token is opaque.
func (r *DeviceRegistrar) TokenExpiry() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenExpiry
}

// OnStatusChange registers an observer for registration status changes
func (r *DeviceRegistrar) OnStatusChange(fn func(RegistrationStatus)) func() {
	return r.statusListeners.add(fn)
}

// RequestToken exchanges identity for a signaling token. A newer request
// cancels any request still in flight.
func (r *DeviceRegistrar) RequestToken(ctx context.Context, identity string) (string, error) {
	if !r.core.HasCredential() {
		return "", newError(KindAuthRequired, "no agent credential", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.tokenCancel != nil {
		r.tokenCancel()
	}
	r.tokenCancel = cancel
	r.tokenSeq++
	seq := r.tokenSeq
	r.identity = identity
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.tokenSeq == seq {
			r.tokenCancel = nil
		}
		r.mu.Unlock()
		cancel()
	}()

	resp, err := r.core.RequestWithRetry(ctx, http.MethodGet, r.config.TokenPath, url.Values{"identity": {identity}}, nil)
	if err != nil {
		return "", newError(KindTokenRequestFailed, "token request", err)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := phonesdk.ParseResponse(resp, &out); err != nil {
		e := newError(KindTokenRequestFailed, "token response", err)
		// the agent credential was refused; retrying cannot help
		if phonesdk.IsAuthError(err) || phonesdk.IsForbidden(err) {
			e = newError(KindAuthRequired, "agent credential rejected", err)
		}
		var apiErr *phonesdk.APIError
		if errors.As(err, &apiErr) {
			e.Code = apiErr.StatusCode
		}
		return "", e
	}
	if out.Token == "" {
		return "", newError(KindTokenRequestFailed, "empty token", nil)
	}

	expiry := tokenExpiry(out.Token)

	r.mu.Lock()
	superseded := r.tokenSeq != seq
	if !superseded {
		r.token = out.Token
		r.tokenExpiry = expiry
	}
	r.mu.Unlock()
	if superseded {
		return "", newError(KindTokenRequestFailed, "superseded by a newer request", context.Canceled)
	}

	if !expiry.IsZero() {
		r.logger.Printf("Signaling token for %s expires at %s", identity, expiry.Format(time.RFC3339))
	}
	return out.Token, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it. The gateway
// verifies the token; the client only needs to know when to renew.
func tokenExpiry(token string) time.Time {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{
		jose.HS256, jose.HS384, jose.HS512,
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.PS256, jose.EdDSA,
	})
	if err != nil {
		return time.Time{}
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.Expiry == nil {
		return time.Time{}
	}
	return claims.Expiry.Time()
}

// Register creates a signaling device for token and starts its registration.
// Any previous device is destroyed first. Completion is reported through
// OnStatusChange.
func (r *DeviceRegistrar) Register(ctx context.Context, token string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return newError(KindRegistrationFailed, "registrar closed", nil)
	}
	old, oldGen := r.device, r.generation
	r.device = nil
	r.generation++
	gen := r.generation
	r.token = token
	changed := r.setStatusLocked(RegistrationStatusRegistering)
	r.mu.Unlock()

	if old != nil {
		r.destroy(old, oldGen, "previous device")
	}
	if changed {
		r.statusListeners.notify(RegistrationStatusRegistering)
	}

	sink := func(ev Event) {
		ev.Generation = gen
		r.bus.Publish(ev)
	}
	dev, err := r.factory.NewDevice(token, sink)
	if err != nil {
		e := newError(KindRegistrationFailed, "create device", err)
		r.fail(gen, e)
		return e
	}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		if err := dev.Destroy(); err != nil {
			r.logger.Printf("Error destroying superseded device: %v", err)
		}
		return newError(KindRegistrationFailed, "registration superseded", context.Canceled)
	}
	r.device = dev
	r.mu.Unlock()

	if err := dev.Register(ctx); err != nil {
		e := newError(KindRegistrationFailed, "register device", err)
		r.fail(gen, e)
		return e
	}
	return nil
}

// Reconnect fetches a fresh token for the last identity and re-registers.
func (r *DeviceRegistrar) Reconnect(ctx context.Context) error {
	identity := r.Identity()
	if identity == "" {
		return newError(KindAuthRequired, "no identity to reconnect", nil)
	}
	token, err := r.RequestToken(ctx, identity)
	if err != nil {
		return err
	}
	return r.Register(ctx, token)
}

// Teardown destroys the device and returns to unregistered. Calling it more
// than once is a no-op.
func (r *DeviceRegistrar) Teardown() error {
	r.mu.Lock()
	if r.tokenCancel != nil {
		r.tokenCancel()
		r.tokenCancel = nil
	}
	dev, gen := r.device, r.generation
	r.device = nil
	// invalidate events from the old device
	r.generation++
	changed := r.setStatusLocked(RegistrationStatusUnregistered)
	r.mu.Unlock()

	if dev != nil {
		r.destroy(dev, gen, "device")
	}
	if changed {
		r.statusListeners.notify(RegistrationStatusUnregistered)
	}
	return nil
}

// destroy releases dev and tells the session controller that the calls of
// generation gen are gone with it.
func (r *DeviceRegistrar) destroy(dev Device, gen uint64, what string) {
	if err := dev.Destroy(); err != nil {
		r.logger.Printf("Error destroying %s: %v", what, err)
	}
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released != nil {
		released(gen)
	}
}

// Close tears down the device and drops the event subscriptions. No device
// is registered afterwards.
func (r *DeviceRegistrar) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	err := r.Teardown()
	for _, unsub := range r.unsubscribe {
		unsub()
	}
	return err
}

// readyDevice returns the device and its generation if it is registered
func (r *DeviceRegistrar) readyDevice() (Device, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != RegistrationStatusRegistered || r.device == nil {
		return nil, 0, false
	}
	return r.device, r.generation, true
}

func (r *DeviceRegistrar) setStatusLocked(status RegistrationStatus) bool {
	if r.status == status {
		return false
	}
	r.status = status
	r.metrics.registration(status)
	return true
}

// current reports whether ev belongs to the live device generation
func (r *DeviceRegistrar) current(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ev.Generation == r.generation && r.device != nil
}

func (r *DeviceRegistrar) fail(gen uint64, err error) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	changed := r.setStatusLocked(RegistrationStatusError)
	health := r.health
	r.mu.Unlock()

	r.logger.Printf("Device registration failed: %v", err)
	if changed {
		r.statusListeners.notify(RegistrationStatusError)
	}
	r.report(err)
	if health != nil {
		health.deviceFailed(err)
	}
}

func (r *DeviceRegistrar) onRegistered(ev Event) {
	r.mu.Lock()
	if ev.Generation != r.generation || r.device == nil {
		r.mu.Unlock()
		return
	}
	changed := r.setStatusLocked(RegistrationStatusRegistered)
	health := r.health
	r.mu.Unlock()

	if changed {
		r.statusListeners.notify(RegistrationStatusRegistered)
	}
	if health != nil {
		health.deviceRegistered()
	}
}

func (r *DeviceRegistrar) onUnregistered(ev Event) {
	r.mu.Lock()
	if ev.Generation != r.generation || r.device == nil {
		r.mu.Unlock()
		return
	}
	changed := r.setStatusLocked(RegistrationStatusUnregistered)
	health := r.health
	r.mu.Unlock()

	r.logger.Printf("Gateway dropped device registration")
	if changed {
		r.statusListeners.notify(RegistrationStatusUnregistered)
	}
	if health != nil {
		health.deviceLost()
	}
}

func (r *DeviceRegistrar) onDeviceError(ev Event) {
	if !r.current(ev) {
		return
	}
	r.fail(ev.Generation, &Error{Kind: KindRegistrationFailed, Code: ev.Code, Message: ev.Message, Err: ev.Err})
}

func (r *DeviceRegistrar) onIncoming(ev Event) {
	if !r.current(ev) || ev.Connection == nil {
		return
	}
	r.mu.Lock()
	forward := r.incoming
	r.mu.Unlock()
	if forward != nil {
		forward(ev)
	}
}

func (r *DeviceRegistrar) onHeartbeat(ev Event) {
	if !r.current(ev) {
		return
	}
	r.mu.Lock()
	health := r.health
	r.mu.Unlock()
	if health != nil {
		health.heartbeat(ev.At)
	}
}

func (r *DeviceRegistrar) onSocket(ev Event) {
	if !r.current(ev) {
		return
	}
	r.mu.Lock()
	health := r.health
	r.mu.Unlock()
	if health == nil {
		return
	}
	if ev.Kind == EventSocketOpen {
		health.socketState(WebsocketOpen)
	} else {
		health.socketState(WebsocketClosed)
	}
}
