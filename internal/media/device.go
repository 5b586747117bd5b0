package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureConfig selects the capture format for a DeviceSource.
type CaptureConfig struct {
	Width     int
	Height    int
	FrameRate int
	// Bitrate is the VP8 target bitrate in bits per second.
	Bitrate int
	// Audio enables microphone capture alongside video.
	Audio bool
}

// DefaultCaptureConfig is a sane baseline for a homecam feed.
var DefaultCaptureConfig = CaptureConfig{
	Width:     640,
	Height:    480,
	FrameRate: 30,
	Bitrate:   500_000,
	Audio:     true,
}

// DeviceSource captures from the local camera (and optionally microphone)
// through pion/mediadevices, encoding video as VP8 and audio as Opus.
type DeviceSource struct {
	cfg    CaptureConfig
	api    *webrtc.API
	stream mediadevices.MediaStream
	tracks []webrtc.TrackLocal
}

// NewDeviceSource creates an unopened device source.
func NewDeviceSource(cfg CaptureConfig) *DeviceSource {
	return &DeviceSource{cfg: cfg}
}

// Open acquires the camera and microphone. A denied or missing device
// surfaces as a descriptive error and leaves the source unopened.
func (d *DeviceSource) Open() error {
	if d.stream != nil {
		return fmt.Errorf("device source already open")
	}

	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return fmt.Errorf("vp8 encoder params: %w", err)
	}
	vp8.BitRate = d.cfg.Bitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("opus encoder params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
			c.Width = prop.Int(d.cfg.Width)
			c.Height = prop.Int(d.cfg.Height)
			c.FrameRate = prop.Float(float32(d.cfg.FrameRate))
		},
		Codec: selector,
	}
	if d.cfg.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return fmt.Errorf("camera/microphone access: %w", err)
	}

	mediaEngine := webrtc.MediaEngine{}
	selector.Populate(&mediaEngine)

	d.stream = stream
	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
	d.tracks = d.tracks[:0]
	for _, track := range stream.GetTracks() {
		d.tracks = append(d.tracks, track)
	}
	return nil
}

// Tracks returns the capture tracks.
func (d *DeviceSource) Tracks() []webrtc.TrackLocal {
	return d.tracks
}

// API returns the WebRTC API with the VP8/Opus codecs registered.
func (d *DeviceSource) API() *webrtc.API {
	return d.api
}

// Close stops every capture track and releases the devices.
func (d *DeviceSource) Close() error {
	if d.stream == nil {
		return nil
	}
	var firstErr error
	for _, track := range d.stream.GetTracks() {
		if err := track.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.stream = nil
	d.tracks = nil
	return firstErr
}
