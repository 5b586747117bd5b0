package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NopSource is the capture double used when no real device is available
// and in tests. It produces static sample tracks that never emit media,
// which is enough to drive offer/answer negotiation.
type NopSource struct {
	api    *webrtc.API
	tracks []webrtc.TrackLocal
}

// NewNopSource creates an unopened no-op source.
func NewNopSource() *NopSource {
	return &NopSource{}
}

// Open builds the placeholder tracks.
func (n *NopSource) Open() error {
	if n.api != nil {
		return fmt.Errorf("nop source already open")
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "homecam")
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "homecam")
	if err != nil {
		return fmt.Errorf("audio track: %w", err)
	}

	n.api = webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
	n.tracks = []webrtc.TrackLocal{video, audio}
	return nil
}

// Tracks returns the placeholder tracks.
func (n *NopSource) Tracks() []webrtc.TrackLocal {
	return n.tracks
}

// API returns a WebRTC API with the default codecs.
func (n *NopSource) API() *webrtc.API {
	return n.api
}

// Close discards the placeholder tracks.
func (n *NopSource) Close() error {
	n.api = nil
	n.tracks = nil
	return nil
}
