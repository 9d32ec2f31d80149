// Package mic captures microphone audio through the system audio backend and
// exposes it as a WebRTC local track.
package mic

import (
	"context"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	sampleRate    = 8000
	channels      = 1
	frameDuration = 20 * time.Millisecond
)

// Capture owns one capture device and pushes encoded frames onto its track
// until the context given to Start is cancelled or Close is called.
type Capture struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	track   *webrtc.TrackLocalStaticSample
	log     zerolog.Logger
	started bool
	closed  bool

	pcm []byte
}

// New initializes the audio backend and allocates the outbound track. The
// device itself is only opened by Start, so acquisition errors surface at
// toggle time rather than construction time.
func New(logger zerolog.Logger) (*Capture, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "init audio context")
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: sampleRate, Channels: channels},
		"audio", "microphone",
	)
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return nil, errors.Wrap(err, "create audio track")
	}

	return &Capture{
		ctx:   actx,
		track: track,
		log:   logger.With().Str("component", "mic_capture").Logger(),
	}, nil
}

// Track returns the local track fed by this capture.
func (c *Capture) Track() webrtc.TrackLocal { return c.track }

// Start opens the default capture device and begins streaming. Failure to
// open the device is reported to the caller; the capture stays reusable.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("capture is closed")
	}
	if c.started {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = channels
	cfg.SampleRate = sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { c.onSamples(in) },
	}
	device, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return errors.Wrap(err, "open capture device")
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return errors.Wrap(err, "start capture device")
	}

	c.device = device
	c.started = true
	c.log.Info().Int("sample_rate", sampleRate).Msg("microphone capture started")

	go func() {
		<-ctx.Done()
		c.stop()
	}()
	return nil
}

// Close stops the device and releases the audio backend. Safe to call more
// than once.
func (c *Capture) Close() error {
	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
	return nil
}

func (c *Capture) stop() {
	c.mu.Lock()
	device := c.device
	c.device = nil
	c.started = false
	c.pcm = nil
	c.mu.Unlock()

	if device != nil {
		device.Uninit()
		c.log.Info().Msg("microphone capture stopped")
	}
}

// onSamples accumulates raw PCM until a full frame is available, then
// transcodes and writes it to the track. Runs on the audio backend's thread.
func (c *Capture) onSamples(in []byte) {
	const frameBytes = sampleRate / 1000 * int(frameDuration/time.Millisecond) * 2

	c.mu.Lock()
	c.pcm = append(c.pcm, in...)
	var frames [][]byte
	for len(c.pcm) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, c.pcm[:frameBytes])
		c.pcm = c.pcm[frameBytes:]
		frames = append(frames, frame)
	}
	track := c.track
	c.mu.Unlock()

	for _, frame := range frames {
		sample := media.Sample{Data: encodeMulaw(frame), Duration: frameDuration}
		if err := track.WriteSample(sample); err != nil {
			c.log.Debug().Err(err).Msg("drop audio frame")
		}
	}
}

// encodeMulaw transcodes little-endian signed 16-bit PCM to G.711 mu-law.
func encodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out[i/2] = mulawByte(sample)
	}
	return out
}

const mulawBias = 0x84

func mulawByte(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
	}
	v := int32(sample) + mulawBias
	if v > 32635 {
		v = 32635
	}

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
