// Package media provides the local capture capability used by publishing
// sessions. Two implementations exist: DeviceSource captures from real
// camera/microphone hardware via pion/mediadevices, NopSource provides
// silent placeholder tracks for environments without capture devices and
// for tests. The choice is made at construction time.
package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Source is a local media capture device.
type Source interface {
	// Open acquires the capture device. Calling Open on an opened source
	// is an error.
	Open() error
	// Tracks returns the local tracks to attach to a peer connection.
	// Only valid after a successful Open.
	Tracks() []webrtc.TrackLocal
	// API returns the WebRTC API configured with the codecs this source
	// produces. Only valid after a successful Open.
	API() *webrtc.API
	// Close stops all tracks and releases the device.
	Close() error
}

// SharedSource reference-counts a Source across publishing sessions. The
// underlying device is opened lazily on the first Acquire and closed only
// when the last lease is released: closing one stream must not stop tracks
// still used by another.
type SharedSource struct {
	log *slog.Logger

	mu     sync.Mutex
	src    Source
	refs   int
	opened bool
}

// NewShared wraps src with reference counting.
func NewShared(src Source, log *slog.Logger) *SharedSource {
	if log == nil {
		log = slog.Default()
	}
	return &SharedSource{src: src, log: log}
}

// Acquire takes a lease on the source, opening the device on first use.
func (s *SharedSource) Acquire() ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		if err := s.src.Open(); err != nil {
			return nil, fmt.Errorf("open capture source: %w", err)
		}
		s.opened = true
		s.log.Info("capture source opened")
	}
	s.refs++
	return s.src.Tracks(), nil
}

// Release returns a lease. The device is closed when no leases remain.
func (s *SharedSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs == 0 {
		s.closeLocked()
	}
}

// ForceClose drops all leases and closes the device. Used by the
// disconnect cascade, where every publishing session is torn down at once.
func (s *SharedSource) ForceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = 0
	s.closeLocked()
}

// API exposes the underlying source's WebRTC API. Valid while at least one
// lease is held.
func (s *SharedSource) API() *webrtc.API {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	return s.src.API()
}

// Refs returns the number of outstanding leases.
func (s *SharedSource) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (s *SharedSource) closeLocked() {
	if !s.opened {
		return
	}
	if err := s.src.Close(); err != nil {
		s.log.Warn("close capture source", "err", err)
	}
	s.opened = false
	s.log.Info("capture source closed")
}
