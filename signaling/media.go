/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/tejzpr/agent-softphone/calling"
	"github.com/tejzpr/agent-softphone/phonesdk"
)

// ErrMediaClosed is returned by a MediaSession after Close
var ErrMediaClosed = errors.New("media session closed")

// MediaSession is the media leg of one call
type MediaSession interface {
	// CreateOffer returns the local SDP offer of an outbound call
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer applies the remote offer of an inbound call and returns the local answer
	CreateAnswer(ctx context.Context, offer string) (string, error)
	// SetRemoteAnswer applies the remote answer of an outbound call
	SetRemoteAnswer(sdp string) error
	// SetInputDevice captures the call's outgoing audio from deviceID
	SetInputDevice(ctx context.Context, deviceID string) error
	// SetOutputDevice plays the call's incoming audio on deviceID
	SetOutputDevice(ctx context.Context, deviceID string) error
	SetMuted(muted bool)
	Stats() (calling.ConnectionStats, bool)
	Close() error
}

// MediaConfig holds configuration for the media engine
type MediaConfig struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use
	ICEServers []webrtc.ICEServer
	// Devices opens the capture and playback streams. Without it device
	// selection only relabels the track and no audio is carried.
	Devices calling.MediaDevices
	Logger  phonesdk.Logger
}

// MediaEngine manages the WebRTC peer connection and audio track for a call.
type MediaEngine struct {
	mu             sync.Mutex
	logger         phonesdk.Logger
	peerConnection *webrtc.PeerConnection
	sender         *webrtc.RTPSender
	localTrack     *webrtc.TrackLocalStaticSample
	remoteTrack    *webrtc.TrackRemote
	devices        calling.MediaDevices
	input          calling.InputStream
	output         calling.OutputStream
	inputDevice    string
	outputDevice   string
	muted          bool
	closed         bool

	pumpStop chan struct{}
	pumpDone chan struct{}
}

const (
	g711Rate = 8000
	// frameDuration is the packetization interval of outgoing audio
	frameDuration = 20 * time.Millisecond
	frameSamples  = g711Rate * int(frameDuration) / int(time.Second)
)

var pcmu = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: g711Rate}

// NewMediaEngine creates a peer connection with a single sendrecv audio
// transceiver. Only G.711 is registered.
func NewMediaEngine(config *MediaConfig) (*MediaEngine, error) {
	if config == nil {
		config = &MediaConfig{}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmu,
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// RTCP reports feed the remote-inbound stats used for call quality
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = discardLogger{}
	}
	engine := &MediaEngine{peerConnection: pc, logger: logger, devices: config.Devices}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		engine.logger.Printf("Call media: connection state %s", s.String())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		engine.mu.Lock()
		engine.remoteTrack = track
		engine.mu.Unlock()
		go engine.play(track)
	})

	if err := engine.addAudioTrack(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return engine, nil
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

func (me *MediaEngine) addAudioTrack() error {
	track, err := newInputTrack("")
	if err != nil {
		return err
	}

	transceiver, err := me.peerConnection.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	// Read RTCP from the sender so the interceptors see receiver reports
	sender := transceiver.Sender()
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	me.sender = sender
	me.localTrack = track
	return nil
}

// newInputTrack creates a PCMU track whose stream is labelled with the
// capture device it carries.
func newInputTrack(deviceID string) (*webrtc.TrackLocalStaticSample, error) {
	streamID := "softphone"
	if deviceID != "" {
		streamID = "softphone-" + deviceID
	}
	track, err := webrtc.NewTrackLocalStaticSample(pcmu, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	return track, nil
}

// CreateOffer creates an SDP offer and waits for ICE gathering to complete
func (me *MediaEngine) CreateOffer(ctx context.Context) (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return "", ErrMediaClosed
	}

	offer, err := me.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return me.setLocalLocked(ctx, offer)
}

// CreateAnswer applies a remote offer and creates the matching answer
func (me *MediaEngine) CreateAnswer(ctx context.Context, offer string) (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return "", ErrMediaClosed
	}

	if err := me.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := me.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	return me.setLocalLocked(ctx, answer)
}

func (me *MediaEngine) setLocalLocked(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(me.peerConnection)
	if err := me.peerConnection.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	localDesc := me.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return localDesc.SDP, nil
}

// SetRemoteAnswer sets the remote SDP answer on the peer connection.
// A duplicate answer in stable state is ignored.
func (me *MediaEngine) SetRemoteAnswer(sdp string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return ErrMediaClosed
	}

	if me.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		me.logger.Printf("Call media: ignoring duplicate SDP answer")
		return nil
	}
	return me.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// SetInputDevice opens deviceID and rebinds the outgoing audio to a track
// fed from it. The sender keeps its transceiver, so no renegotiation is
// needed.
func (me *MediaEngine) SetInputDevice(ctx context.Context, deviceID string) error {
	me.mu.Lock()
	if me.closed {
		me.mu.Unlock()
		return ErrMediaClosed
	}
	if deviceID == me.inputDevice && (me.devices == nil || me.input != nil) {
		me.mu.Unlock()
		return nil
	}
	devices := me.devices
	me.mu.Unlock()

	var stream calling.InputStream
	if devices != nil {
		var err error
		if stream, err = devices.OpenInput(ctx, deviceID); err != nil {
			return fmt.Errorf("failed to open input %s: %w", deviceID, err)
		}
	}
	track, err := newInputTrack(deviceID)
	if err != nil {
		me.release(stream)
		return err
	}

	me.mu.Lock()
	if me.closed {
		me.mu.Unlock()
		me.release(stream)
		return ErrMediaClosed
	}
	if err := me.sender.ReplaceTrack(track); err != nil {
		me.mu.Unlock()
		me.release(stream)
		return fmt.Errorf("failed to replace audio track: %w", err)
	}
	prev := me.input
	me.input = stream
	me.localTrack = track
	me.inputDevice = deviceID
	if stream != nil {
		me.startPumpLocked()
	}
	me.mu.Unlock()

	me.release(prev)
	return nil
}

// SetOutputDevice opens deviceID for playback of the remote track
func (me *MediaEngine) SetOutputDevice(ctx context.Context, deviceID string) error {
	me.mu.Lock()
	if me.closed {
		me.mu.Unlock()
		return ErrMediaClosed
	}
	if deviceID == me.outputDevice && (me.devices == nil || me.output != nil) {
		me.mu.Unlock()
		return nil
	}
	devices := me.devices
	me.mu.Unlock()

	var stream calling.OutputStream
	if devices != nil {
		var err error
		if stream, err = devices.OpenOutput(ctx, deviceID); err != nil {
			return fmt.Errorf("failed to open output %s: %w", deviceID, err)
		}
	}

	me.mu.Lock()
	if me.closed {
		me.mu.Unlock()
		me.release(stream)
		return ErrMediaClosed
	}
	prev := me.output
	me.output = stream
	me.outputDevice = deviceID
	me.mu.Unlock()

	me.release(prev)
	return nil
}

func (me *MediaEngine) release(stream io.Closer) {
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		me.logger.Printf("Call media: error closing audio stream: %v", err)
	}
}

// ---- audio pumps ----

func (me *MediaEngine) startPumpLocked() {
	if me.pumpStop != nil {
		return
	}
	me.pumpStop = make(chan struct{})
	me.pumpDone = make(chan struct{})
	go me.pump(me.pumpStop, me.pumpDone)
}

// pump sends one frame of the capture stream per frameDuration. Capture is
// read at the codec rate.
func (me *MediaEngine) pump(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	pcm := make([]int16, frameSamples)
	payload := make([]byte, 0, frameSamples)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		me.mu.Lock()
		in := me.input
		me.mu.Unlock()
		if in == nil {
			continue
		}
		// a stream swapped out mid-read fails; the next tick reads the new one
		n, err := in.ReadSamples(pcm)
		if err != nil || n == 0 {
			continue
		}
		payload = encodeULaw(payload[:0], pcm[:n])
		if err := me.WriteSample(payload, time.Duration(n)*time.Second/g711Rate); err != nil {
			if errors.Is(err, ErrMediaClosed) {
				return
			}
			me.logger.Printf("Call media: error sending audio: %v", err)
		}
	}
}

// play decodes the remote track onto the output stream until the track
// ends.
func (me *MediaEngine) play(track *webrtc.TrackRemote) {
	alaw := strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypePCMA)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if !me.playFrame(pkt.Payload, alaw) {
			return
		}
	}
}

// playFrame writes one received payload to the output stream. It returns
// false once the engine is closed.
func (me *MediaEngine) playFrame(payload []byte, alaw bool) bool {
	me.mu.Lock()
	out, closed := me.output, me.closed
	me.mu.Unlock()
	if closed {
		return false
	}
	if out == nil || len(payload) == 0 {
		return true
	}
	pcm := decodeG711(make([]int16, 0, len(payload)), payload, alaw)
	if rate := out.SampleRate(); rate != g711Rate {
		pcm = resample(nil, pcm, rate)
	}
	if _, err := out.WriteSamples(pcm); err != nil {
		me.logger.Printf("Call media: error playing audio: %v", err)
	}
	return true
}

// SetMuted mutes or unmutes the local audio track
func (me *MediaEngine) SetMuted(muted bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.muted = muted
}

// IsMuted returns whether the local audio is muted
func (me *MediaEngine) IsMuted() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.muted
}

// Devices returns the input and output device ids bound to the call
func (me *MediaEngine) Devices() (input, output string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.inputDevice, me.outputDevice
}

// WriteSample sends one frame of encoded audio, or silence while muted.
func (me *MediaEngine) WriteSample(payload []byte, duration time.Duration) error {
	me.mu.Lock()
	track, muted, closed := me.localTrack, me.muted, me.closed
	me.mu.Unlock()
	if closed {
		return ErrMediaClosed
	}
	if muted {
		payload = make([]byte, len(payload))
		for i := range payload {
			payload[i] = ulawSilence
		}
	}
	return track.WriteSample(media.Sample{Data: payload, Duration: duration})
}

// Stats returns round trip, jitter and loss from the latest RTCP receiver
// report about our outgoing stream. ok is false until one has arrived.
func (me *MediaEngine) Stats() (calling.ConnectionStats, bool) {
	me.mu.Lock()
	pc, closed := me.peerConnection, me.closed
	me.mu.Unlock()
	if closed {
		return calling.ConnectionStats{}, false
	}

	for _, s := range pc.GetStats() {
		remote, ok := s.(webrtc.RemoteInboundRTPStreamStats)
		if !ok || remote.Kind != "audio" {
			continue
		}
		return calling.ConnectionStats{
			RoundTrip:  secondsToDuration(remote.RoundTripTime),
			Jitter:     secondsToDuration(remote.Jitter),
			PacketLoss: remote.FractionLost,
		}, true
	}
	return calling.ConnectionStats{}, false
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Close stops the audio pumps, releases the device streams and closes the
// peer connection.
func (me *MediaEngine) Close() error {
	me.mu.Lock()
	if me.closed {
		me.mu.Unlock()
		return nil
	}
	me.closed = true
	stop, done := me.pumpStop, me.pumpDone
	me.pumpStop, me.pumpDone = nil, nil
	in, out := me.input, me.output
	me.input, me.output = nil, nil
	me.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	me.release(in)
	me.release(out)
	if err := me.peerConnection.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
