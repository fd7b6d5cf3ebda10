/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tejzpr/agent-softphone/calling"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

var (
	// ErrDestroyed is returned by a Device after Destroy
	ErrDestroyed = errors.New("device destroyed")
	// ErrNotConnected is returned when the gateway socket is not open
	ErrNotConnected = errors.New("gateway socket not connected")
)

// Factory creates gateway devices. It implements calling.DeviceFactory.
type Factory struct {
	config *Config
	dialer *websocket.Dialer
}

// NewFactory creates a device factory for the gateway at config.URL
func NewFactory(config *Config) (*Factory, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	return &Factory{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}, nil
}

// NewDevice creates an unconnected device authenticated by token. Events
// are delivered to sink from the device's reader goroutine.
func (f *Factory) NewDevice(token string, sink calling.EventSink) (calling.Device, error) {
	if token == "" {
		return nil, fmt.Errorf("signaling token is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	return &Device{
		config:  f.config,
		dialer:  f.dialer,
		logger:  f.config.logger(),
		token:   token,
		sink:    sink,
		calls:   make(map[string]*Call),
		closeCh: make(chan struct{}),
	}, nil
}

// Device is one registration with the gateway over a websocket
type Device struct {
	config *Config
	dialer *websocket.Dialer
	logger phonesdk.Logger
	token  string
	sink   calling.EventSink

	mu        sync.Mutex
	conn      *websocket.Conn
	calls     map[string]*Call
	closeCh   chan struct{}
	done      chan struct{}
	destroyed bool

	writeMu sync.Mutex
}

// Register dials the gateway and sends the registration request. The
// outcome arrives as a registered or error event.
func (d *Device) Register(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	connected := d.conn != nil
	d.mu.Unlock()

	if !connected {
		if err := d.connect(ctx); err != nil {
			return err
		}
	}
	return d.send(Message{Type: MessageRegister})
}

// connect dials the websocket and starts the reader and ping loops
func (d *Device) connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.token)
	headers.Set("TrackingID", "softphone_"+uuid.NewString())

	conn, resp, err := d.dialer.DialContext(ctx, d.config.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to gateway (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		d.emit(calling.Event{Kind: calling.EventHeartbeat})
		return conn.SetReadDeadline(time.Time{})
	})

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		_ = conn.Close()
		return ErrDestroyed
	}
	d.conn = conn
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	d.emit(calling.Event{Kind: calling.EventSocketOpen})

	go d.listen(conn, done)
	go d.pingLoop(conn, done)
	return nil
}

// Connect places an outbound call to params.To
func (d *Device) Connect(ctx context.Context, params calling.ConnectParams) (calling.Connection, error) {
	if params.SessionID == "" {
		params.SessionID = uuid.NewString()
	}

	m, err := d.config.newMedia()
	if err != nil {
		return nil, err
	}
	offer, err := m.CreateOffer(ctx)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	call := &Call{device: d, id: params.SessionID, remote: params.To, media: m, outbound: true}
	if err := d.addCall(call); err != nil {
		_ = m.Close()
		return nil, err
	}

	if err := d.send(Message{Type: MessageInvite, SessionID: call.id, To: params.To, SDP: offer}); err != nil {
		d.removeCall(call.id)
		_ = m.Close()
		return nil, err
	}
	return call, nil
}

// Destroy unregisters, closes the socket and ends every call. It is safe to
// call more than once; no events are emitted afterwards.
func (d *Device) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	close(d.closeCh)
	conn, done := d.conn, d.done
	d.conn = nil
	calls := d.calls
	d.calls = make(map[string]*Call)
	d.mu.Unlock()

	for _, c := range calls {
		c.release()
	}

	if conn == nil {
		return nil
	}
	_ = d.write(conn, Message{Type: MessageUnregister})
	d.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
	d.writeMu.Unlock()
	err := conn.Close()
	<-done
	return err
}

func (d *Device) send(msg Message) error {
	d.mu.Lock()
	conn, destroyed := d.conn, d.destroyed
	d.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return d.write(conn, msg)
}

func (d *Device) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// emit forwards ev to the sink unless the device was destroyed
func (d *Device) emit(ev calling.Event) {
	d.mu.Lock()
	destroyed := d.destroyed
	d.mu.Unlock()
	if !destroyed {
		d.sink(ev)
	}
}

// listen reads messages from the websocket
func (d *Device) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.handleConnectionError(conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Printf("Ignoring malformed gateway message: %v", err)
			continue
		}
		d.processMessage(msg)
	}
}

func (d *Device) handleConnectionError(conn *websocket.Conn, err error) {
	d.mu.Lock()
	current := d.conn == conn
	if current {
		d.conn = nil
	}
	d.mu.Unlock()

	if !current {
		return
	}
	_ = conn.Close()
	d.logger.Printf("Gateway socket closed: %v", err)
	d.emit(calling.Event{Kind: calling.EventSocketClosed, Err: err})
}

func (d *Device) processMessage(msg Message) {
	switch msg.Type {
	case MessageRegistered:
		d.emit(calling.Event{Kind: calling.EventRegistered})
	case MessageUnregister:
		d.emit(calling.Event{Kind: calling.EventUnregistered})
	case MessageError:
		d.emit(calling.Event{Kind: calling.EventDeviceError, Code: msg.Code, Message: msg.Message})
	case MessageHeartbeat:
		d.emit(calling.Event{Kind: calling.EventHeartbeat})
	case MessageIncoming:
		d.handleIncoming(msg)
	case MessageRinging:
		if d.call(msg.SessionID) != nil {
			d.emit(calling.Event{Kind: calling.EventRinging, SessionID: msg.SessionID})
		}
	case MessageAccept:
		d.handleAccept(msg)
	case MessageHangup:
		d.endCall(msg, calling.EventDisconnected)
	case MessageCancel:
		d.endCall(msg, calling.EventCanceled)
	case MessageCallError:
		d.endCall(msg, calling.EventCallError)
	default:
		d.logger.Printf("Ignoring gateway message of type %q", msg.Type)
	}
}

func (d *Device) handleIncoming(msg Message) {
	if msg.SessionID == "" {
		d.logger.Printf("Ignoring incoming call without session id")
		return
	}
	m, err := d.config.newMedia()
	if err != nil {
		d.logger.Printf("Failed to create media for incoming call: %v", err)
		_ = d.send(Message{Type: MessageReject, SessionID: msg.SessionID})
		return
	}

	call := &Call{device: d, id: msg.SessionID, remote: msg.From, media: m, offer: msg.SDP}
	if err := d.addCall(call); err != nil {
		_ = m.Close()
		return
	}
	d.emit(calling.Event{
		Kind:        calling.EventIncoming,
		SessionID:   call.id,
		RemoteParty: msg.From,
		Connection:  call,
	})
}

// handleAccept marks a call as answered. For outbound calls the message
// carries the remote SDP answer.
func (d *Device) handleAccept(msg Message) {
	call := d.call(msg.SessionID)
	if call == nil {
		return
	}
	if call.outbound && msg.SDP != "" {
		if err := call.media.SetRemoteAnswer(msg.SDP); err != nil {
			d.logger.Printf("Failed to apply answer for %s: %v", call.id, err)
			d.removeCall(call.id)
			call.release()
			_ = d.send(Message{Type: MessageHangup, SessionID: call.id})
			d.emit(calling.Event{Kind: calling.EventCallError, SessionID: call.id, Message: "media negotiation failed", Err: err})
			return
		}
	}
	d.emit(calling.Event{Kind: calling.EventAccepted, SessionID: call.id})
}

// endCall handles a call ended by the gateway
func (d *Device) endCall(msg Message, kind calling.EventKind) {
	call := d.removeCall(msg.SessionID)
	if call == nil {
		return
	}
	call.release()
	d.emit(calling.Event{Kind: kind, SessionID: call.id, Code: msg.Code, Message: msg.Message})
}

func (d *Device) addCall(c *Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	if _, ok := d.calls[c.id]; ok {
		return fmt.Errorf("duplicate session %s", c.id)
	}
	d.calls[c.id] = c
	return nil
}

func (d *Device) call(id string) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func (d *Device) removeCall(id string) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.calls[id]
	delete(d.calls, id)
	return c
}

// pingLoop sends websocket pings to keep the connection alive. A missing
// pong trips the read deadline, which closes the socket.
func (d *Device) pingLoop(conn *websocket.Conn, done chan struct{}) {
	if d.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.ping(conn); err != nil {
				d.logger.Printf("Gateway ping failed: %v", err)
				_ = conn.Close()
				return
			}
		case <-d.closeCh:
			return
		case <-done:
			return
		}
	}
}

func (d *Device) ping(conn *websocket.Conn) error {
	if d.config.PongTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(d.config.PingInterval + d.config.PongTimeout)); err != nil {
			return err
		}
	}
	var deadline time.Time
	if d.config.WriteTimeout > 0 {
		deadline = time.Now().Add(d.config.WriteTimeout)
	}
	pingData := fmt.Sprintf("%d", time.Now().UnixMilli())
	return conn.WriteControl(websocket.PingMessage, []byte(pingData), deadline)
}
