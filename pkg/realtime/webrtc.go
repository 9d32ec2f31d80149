package realtime

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// webrtcTransport negotiates a peer connection with the realtime endpoint:
// local SDP offer posted over HTTPS, remote answer applied, protocol events
// over a dedicated data channel. An audio transceiver is always present so
// that voice mode can attach a microphone later without renegotiating.
type webrtcTransport struct {
	cfg TransportConfig

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	sender  *webrtc.RTPSender
	onClose func(err error)
	closed  bool
}

// NewWebRTCTransport is the default TransportFactory.
func NewWebRTCTransport(cfg TransportConfig) Transport {
	return &webrtcTransport{cfg: cfg}
}

func (t *webrtcTransport) Connect(ctx context.Context, cred Credential) (ControlChannel, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, &NegotiationError{Cause: errors.Wrap(err, "create peer connection")}
	}

	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	// Media capability placeholder: negotiation requires an audio section
	// even in text-only mode.
	transceiver, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Cause: errors.Wrap(err, "add audio transceiver")}
	}
	t.mu.Lock()
	t.sender = transceiver.Sender()
	t.mu.Unlock()

	dc, err := pc.CreateDataChannel("realtime-events", nil)
	if err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Cause: errors.Wrap(err, "create data channel")}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Cause: errors.Wrap(err, "create offer")}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Cause: errors.Wrap(err, "set local description")}
	}

	// Wait for ICE gathering so the posted offer carries all candidates.
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		_ = pc.Close()
		return nil, &NegotiationError{Cause: ctx.Err()}
	}

	answer, err := t.postOffer(ctx, cred, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = pc.Close()
		return nil, &NegotiationError{Cause: errors.Wrap(err, "apply remote answer")}
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.cfg.Logger.Debug().Str("component", "webrtc_transport").Stringer("state", s).Msg("peer connection state changed")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			t.fireClose(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.fireClose(nil)
		default:
		}
	})

	return &dataChannel{dc: dc}, nil
}

// postOffer sends the local session description to the negotiation endpoint
// and returns the remote answer SDP.
func (t *webrtcTransport) postOffer(ctx context.Context, cred Credential, sdp string) (string, error) {
	url := t.cfg.NegotiateURL
	if t.cfg.Model != "" {
		url += "?model=" + t.cfg.Model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(sdp))
	if err != nil {
		return "", &NegotiationError{Cause: errors.Wrap(err, "build negotiation request")}
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := defaultHTTPClient(t.cfg.HTTPClient).Do(req)
	if err != nil {
		return "", &NegotiationError{Cause: errors.Wrap(err, "post offer")}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &NegotiationError{Cause: errors.Wrap(err, "read negotiation response")}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthFailureError{Cause: &TransportError{Status: resp.StatusCode, Body: string(body)}}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &TransportError{Status: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}

func (t *webrtcTransport) SetMicrophone(track webrtc.TrackLocal) error {
	t.mu.Lock()
	sender := t.sender
	t.mu.Unlock()
	if sender == nil {
		return errors.New("transport has no audio sender")
	}
	return sender.ReplaceTrack(track)
}

func (t *webrtcTransport) OnClose(fn func(err error)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *webrtcTransport) fireClose(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	pc := t.pc
	t.pc = nil
	t.sender = nil
	t.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// dataChannel adapts a pion data channel to ControlChannel.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (c *dataChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c *dataChannel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *dataChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *dataChannel) Send(data []byte) error {
	return c.dc.SendText(string(data))
}

func (c *dataChannel) Close() error { return c.dc.Close() }

var _ Transport = &webrtcTransport{}
