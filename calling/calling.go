/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling is the agent softphone's call session manager.
// It includes components for device registration, connection supervision,
// the call session state machine, audio devices and call history.
package calling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

// Options supplies the collaborators of a Client
type Options struct {
	// Factory creates signaling devices. Required.
	Factory DeviceFactory
	// Media is the platform audio layer. Required.
	Media MediaDevices
	// HistoryCache stores history pages. Defaults to an in-process cache.
	HistoryCache HistoryCache
	// Registerer receives the prometheus collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Client is the top-level Calling client that aggregates all calling components.
type Client struct {
	core   *phonesdk.Client
	config *Config
	bus    *EventBus

	registrar  *DeviceRegistrar
	supervisor *ReconnectionSupervisor
	calls      *CallSessionController
	audio      *AudioDeviceManager
	history    *CallHistoryStore
	metrics    *Metrics

	errListeners listeners[error]

	closeOnce sync.Once
}

// New creates a new Calling client.
func New(core *phonesdk.Client, config *Config, opts Options) (*Client, error) {
	if core == nil {
		return nil, errors.New("calling: core client is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("calling: device factory is required")
	}
	if opts.Media == nil {
		return nil, errors.New("calling: media devices are required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	c := &Client{
		core:    core,
		config:  config,
		bus:     NewEventBus(),
		metrics: NewMetrics(opts.Registerer),
	}
	logger := core.GetLogger()

	c.registrar = newDeviceRegistrar(core, config, opts.Factory, c.bus, c.metrics, c.reportError)
	c.supervisor = newReconnectionSupervisor(config, logger, c.metrics, c.registrar, c.reportError)
	c.history = newCallHistoryStore(core, config, c.metrics, opts.HistoryCache, c.reportError)
	c.audio = newAudioDeviceManager(config, logger, c.metrics, opts.Media, c.reportError)
	c.calls = newCallSessionController(config, logger, c.metrics, c.bus, c.registrar, c.audio, c.history, c.reportError)

	c.audio.session = c.calls
	c.registrar.health = c.supervisor
	c.registrar.incoming = c.calls.handleIncoming
	c.registrar.released = c.calls.deviceReleased

	return c, nil
}

// Registrar returns the device registrar
func (c *Client) Registrar() *DeviceRegistrar { return c.registrar }

// Supervisor returns the reconnection supervisor
func (c *Client) Supervisor() *ReconnectionSupervisor { return c.supervisor }

// Calls returns the call session controller
func (c *Client) Calls() *CallSessionController { return c.calls }

// Audio returns the audio device manager
func (c *Client) Audio() *AudioDeviceManager { return c.audio }

// History returns the call history store
func (c *Client) History() *CallHistoryStore { return c.history }

// Events returns the device event bus
func (c *Client) Events() *EventBus { return c.bus }

// OnError registers an observer for every error reported by the components
func (c *Client) OnError(fn func(error)) func() {
	return c.errListeners.add(fn)
}

func (c *Client) reportError(err error) {
	if err == nil {
		return
	}
	c.metrics.errorReported(err)
	c.errListeners.notify(err)
}

// Start brings the agent online: it starts supervision, requests a token for
// identity and registers the device. Token and registration failures are
// retried by the supervisor; the first failure is also returned.
func (c *Client) Start(ctx context.Context, identity string) error {
	c.supervisor.Start()

	token, err := c.registrar.RequestToken(ctx, identity)
	if err != nil {
		c.reportError(err)
		if !IsKind(err, KindAuthRequired) {
			c.supervisor.deviceFailed(err)
		}
		return fmt.Errorf("starting softphone: %w", err)
	}
	if err := c.registrar.Register(ctx, token); err != nil {
		return fmt.Errorf("starting softphone: %w", err)
	}

	c.history.Refresh()
	return nil
}

// Login stores the agent credential and brings the agent online as
// identity.
func (c *Client) Login(ctx context.Context, identity, credential string) error {
	if credential == "" {
		return newError(KindAuthRequired, "empty agent credential", nil)
	}
	c.core.SetAccessToken(credential)
	return c.Start(ctx, identity)
}

// Logout ends any call, unregisters the device and clears the credential.
func (c *Client) Logout() error {
	if err := c.calls.HangupCall(); err != nil {
		c.core.GetLogger().Printf("Error hanging up on logout: %v", err)
	}
	c.supervisor.Stop()
	err := c.registrar.Teardown()
	c.core.SetAccessToken("")
	return err
}

// Close releases every resource held by the client. It is safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// no reconnect may race the teardown
		c.supervisor.Stop()
		err = errors.Join(
			c.calls.Close(),
			c.registrar.Close(),
		)
		c.audio.Close()
		c.history.Close()
	})
	return err
}
