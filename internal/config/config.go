// Package config parses per-binary flags with environment fallbacks.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

// CameraConfig holds runtime configuration for the camera binary.
type CameraConfig struct {
	ServerURL    string
	SignalingURL string
	CameraID     string
	Name         string
	NoCapture    bool
	Audio        bool
}

// ParseCameraFlags parses flags for the camera binary.
func ParseCameraFlags() *CameraConfig {
	cfg := &CameraConfig{}
	flag.StringVar(&cfg.ServerURL, "server", getEnv("HOMECAM_SERVER", "http://localhost:8080"), "Backend base URL")
	flag.StringVar(&cfg.SignalingURL, "signaling", getEnv("HOMECAM_SIGNALING", "ws://localhost:8080/ws"), "Signaling server WebSocket URL")
	flag.StringVar(&cfg.CameraID, "id", "", "Camera ID (registered via the backend if empty)")
	flag.StringVar(&cfg.Name, "name", "homecam", "Camera display name")
	flag.BoolVar(&cfg.NoCapture, "nocapture", false, "Use placeholder tracks instead of real capture devices")
	flag.BoolVar(&cfg.Audio, "audio", true, "Capture microphone audio")
	flag.Parse()
	return cfg
}

// ViewerConfig holds runtime configuration for the viewer binary.
type ViewerConfig struct {
	ServerURL    string
	SignalingURL string
	ViewerID     string
	CameraID     string
	PIN          string
}

// ParseViewerFlags parses flags for the viewer binary.
func ParseViewerFlags() *ViewerConfig {
	cfg := &ViewerConfig{}
	flag.StringVar(&cfg.ServerURL, "server", getEnv("HOMECAM_SERVER", "http://localhost:8080"), "Backend base URL")
	flag.StringVar(&cfg.SignalingURL, "signaling", getEnv("HOMECAM_SIGNALING", "ws://localhost:8080/ws"), "Signaling server WebSocket URL")
	flag.StringVar(&cfg.ViewerID, "id", "", "Viewer ID (auto-generated if empty)")
	flag.StringVar(&cfg.CameraID, "camera", "", "Camera ID to watch")
	flag.StringVar(&cfg.PIN, "pin", "", "Pairing PIN (resolves the camera ID via the backend)")
	flag.Parse()

	if cfg.ViewerID == "" {
		cfg.ViewerID = fmt.Sprintf("viewer-%s", randomID())
	}
	return cfg
}

// RelayConfig holds configuration for the signald binary.
type RelayConfig struct {
	Port      string
	JWTSecret string
}

// LoadRelay reads the relay configuration from the environment.
func LoadRelay() *RelayConfig {
	return &RelayConfig{
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func randomID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
