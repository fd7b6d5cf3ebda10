/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

// ---- fake signaling ----

type fakeConn struct {
	mu sync.Mutex

	id           string
	accepted     int
	rejected     int
	disconnected int
	muted        bool
	digits       []string
	input        string
	output       string

	acceptErr error
	inputErr  error
	outputErr error
	stats     *ConnectionStats
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Accept(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
	return f.acceptErr
}

func (f *fakeConn) Reject() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected++
	return nil
}

func (f *fakeConn) SendDigits(digits string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digits = append(f.digits, digits)
	return nil
}

func (f *fakeConn) SetMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
	return nil
}

func (f *fakeConn) SetInputDevice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputErr != nil {
		return f.inputErr
	}
	f.input = id
	return nil
}

func (f *fakeConn) SetOutputDevice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputErr != nil {
		return f.outputErr
	}
	f.output = id
	return nil
}

func (f *fakeConn) Stats() (ConnectionStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		return ConnectionStats{}, false
	}
	return *f.stats, true
}

func (f *fakeConn) snapshot() fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeConn{
		id:           f.id,
		accepted:     f.accepted,
		rejected:     f.rejected,
		disconnected: f.disconnected,
		muted:        f.muted,
		digits:       append([]string(nil), f.digits...),
		input:        f.input,
		output:       f.output,
	}
}

type fakeDevice struct {
	mu sync.Mutex

	token        string
	sink         EventSink
	autoRegister bool
	registerErr  error
	connectErr   error
	destroyErr   error
	registered   int
	destroyed    int
	conns        []*fakeConn
}

func (d *fakeDevice) Register(context.Context) error {
	d.mu.Lock()
	d.registered++
	err, auto := d.registerErr, d.autoRegister
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		d.emit(Event{Kind: EventRegistered})
	}
	return nil
}

func (d *fakeDevice) Connect(_ context.Context, p ConnectParams) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	conn := &fakeConn{id: p.SessionID}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDevice) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return d.destroyErr
}

func (d *fakeDevice) emit(ev Event) {
	d.sink(ev)
}

func (d *fakeDevice) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeFactory struct {
	mu sync.Mutex

	autoRegister bool
	registerErr  error
	newErr       error
	devices      []*fakeDevice
}

func (f *fakeFactory) NewDevice(token string, sink EventSink) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	d := &fakeDevice{token: token, sink: sink, autoRegister: f.autoRegister, registerErr: f.registerErr}
	f.devices = append(f.devices, d)
	return d, nil
}

func (f *fakeFactory) last() *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.devices) == 0 {
		return nil
	}
	return f.devices[len(f.devices)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

// ---- fake platform audio ----

type fakeInput struct {
	mu        sync.Mutex
	amplitude int16
	closed    bool
}

func (i *fakeInput) ReadSamples(buf []int16) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, io.EOF
	}
	for n := range buf {
		if n%2 == 0 {
			buf[n] = i.amplitude
		} else {
			buf[n] = -i.amplitude
		}
	}
	return len(buf), nil
}

func (i *fakeInput) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

type fakeOutput struct {
	mu      sync.Mutex
	samples []int16
	closed  bool
}

func (o *fakeOutput) WriteSamples(buf []int16) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, buf...)
	return len(buf), nil
}

func (o *fakeOutput) SampleRate() int { return 8000 }

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

type fakeMedia struct {
	mu sync.Mutex

	granted  bool
	permErr  error
	devices  []AudioDevice
	inputs   []*fakeInput
	outputs  []*fakeOutput
	openedIn []string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		granted: true,
		devices: []AudioDevice{
			{DeviceID: "mic-1", Label: "Headset Mic", Kind: AudioInput},
			{DeviceID: "mic-2", Label: "Laptop Mic", Kind: AudioInput},
			{DeviceID: "spk-1", Label: "Headset", Kind: AudioOutput},
			{DeviceID: "spk-2", Label: "Speakers", Kind: AudioOutput},
		},
	}
}

func (m *fakeMedia) RequestPermission(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted, m.permErr
}

func (m *fakeMedia) Enumerate(context.Context) ([]AudioDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AudioDevice(nil), m.devices...), nil
}

func (m *fakeMedia) OpenInput(_ context.Context, id string) (InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := &fakeInput{amplitude: 16384}
	m.inputs = append(m.inputs, in)
	m.openedIn = append(m.openedIn, id)
	return in, nil
}

func (m *fakeMedia) OpenOutput(context.Context, string) (OutputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &fakeOutput{}
	m.outputs = append(m.outputs, out)
	return out, nil
}

// ---- fakes for component wiring ----

type countingRefresher struct {
	n atomic.Int32
}

func (r *countingRefresher) Refresh() { r.n.Add(1) }

type recordedErrors struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordedErrors) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordedErrors) kinds() []ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ErrorKind
	for _, e := range r.errs {
		out = append(out, KindOf(e))
	}
	return out
}

func (r *recordedErrors) has(kind ErrorKind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// ---- gateway ----

type fakeGateway struct {
	server *httptest.Server

	mu            sync.Mutex
	token         string
	tokenStatus   int
	historyStatus []int
	historyItems  []CallHistoryRecord
	tokenHits     atomic.Int32
	historyHits   atomic.Int32
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{token: "signal-token", tokenStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/signaling/token", func(w http.ResponseWriter, r *http.Request) {
		g.tokenHits.Add(1)
		g.mu.Lock()
		status, token := g.tokenStatus, g.token
		g.mu.Unlock()
		if r.URL.Query().Get("identity") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
		}
	})
	mux.HandleFunc("/calls/history", func(w http.ResponseWriter, r *http.Request) {
		n := int(g.historyHits.Add(1))
		g.mu.Lock()
		status := http.StatusOK
		if n <= len(g.historyStatus) {
			status = g.historyStatus[n-1]
		}
		items := g.historyItems
		g.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if r.URL.Query().Get("cursor") == "" && len(items) > 0 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/calls/history?cursor=2>; rel="next"`, g.server.URL))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) core(t *testing.T) *phonesdk.Client {
	t.Helper()
	core, err := phonesdk.NewClient("agent-credential", &phonesdk.Config{
		BaseURL:        g.server.URL,
		Timeout:        5 * time.Second,
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
		Logger:         log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return core
}

// ---- harness ----

type harness struct {
	client  *Client
	gateway *fakeGateway
	factory *fakeFactory
	media   *fakeMedia
	errs    *recordedErrors
	history *countingRefresher
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.HistoryRetryDelay = time.Millisecond
	cfg.DurationTickInterval = 0
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gateway: newFakeGateway(t),
		factory: &fakeFactory{autoRegister: true},
		media:   newFakeMedia(),
		errs:    &recordedErrors{},
		history: &countingRefresher{},
	}
	client, err := New(h.gateway.core(t), testConfig(), Options{Factory: h.factory, Media: h.media})
	require.NoError(t, err)
	client.OnError(h.errs.record)
	// count refreshes triggered by the controller
	client.calls.history = h.history
	h.client = client
	t.Cleanup(func() { _ = client.Close() })
	return h
}

// start registers the device
func (h *harness) start(t *testing.T) *fakeDevice {
	t.Helper()
	require.NoError(t, h.client.Start(context.Background(), "agent-7"))
	require.Equal(t, RegistrationStatusRegistered, h.client.Registrar().Status())
	return h.factory.last()
}

// statusRecorder collects the statuses delivered to OnStatusChange
type statusRecorder struct {
	mu       sync.Mutex
	statuses []CallStatus
}

func (r *statusRecorder) record(s CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s.Status)
}

func (r *statusRecorder) get() []CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallStatus(nil), r.statuses...)
}

func (r *statusRecorder) count(status CallStatus) int {
	n := 0
	for _, s := range r.get() {
		if s == status {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")
