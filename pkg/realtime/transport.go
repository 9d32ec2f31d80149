package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ControlChannel is the bidirectional protocol event channel riding on a
// transport.
//
// Handler registration order matters: OnMessage and OnClose must be
// registered before OnOpen. Implementations may begin delivering inbound
// data as soon as OnOpen is registered.
type ControlChannel interface {
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Send(data []byte) error
	Close() error
}

// Transport owns one connection attempt to the realtime endpoint. A closed
// transport is never reused; every attempt constructs a fresh one.
type Transport interface {
	// Connect negotiates the transport using the given credential and
	// returns the control channel. Returning without error corresponds to
	// "transport established"; the channel reports its own open event.
	Connect(ctx context.Context, cred Credential) (ControlChannel, error)
	// SetMicrophone attaches (or, with nil, detaches) the outbound audio
	// track. Transports without audio support return an error.
	SetMicrophone(track webrtc.TrackLocal) error
	// OnClose registers a callback for transport-level failure or remote
	// close after Connect has succeeded.
	OnClose(fn func(err error))
	Close() error
}

// TransportConfig carries endpoint settings shared by transport
// implementations.
type TransportConfig struct {
	// NegotiateURL is the HTTP endpoint accepting an SDP offer (WebRTC).
	NegotiateURL string
	// WebSocketURL is the fallback realtime endpoint (text-only).
	WebSocketURL string
	Model        string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// TransportFactory constructs a fresh transport for one connection attempt.
type TransportFactory func(cfg TransportConfig) Transport

// Microphone is an exclusive audio capture device. At most one active capture
// exists per session; it is released on mode switch away from voice and on
// disconnect.
type Microphone interface {
	Start(ctx context.Context) error
	Track() webrtc.TrackLocal
	Close() error
}

// MicrophoneFactory acquires the capture device. Acquisition may prompt the
// user; refusal surfaces as MediaAccessDeniedError from the caller.
type MicrophoneFactory func() (Microphone, error)

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}
