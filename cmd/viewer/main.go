package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/viewbird/homecam/internal/backend"
	"github.com/viewbird/homecam/internal/config"
	"github.com/viewbird/homecam/internal/media"
	"github.com/viewbird/homecam/internal/peer"
	"github.com/viewbird/homecam/internal/signaling"
	"github.com/viewbird/homecam/internal/stream"
)

func main() {
	cfg := config.ParseViewerFlags()
	log := slog.Default()

	if cfg.CameraID == "" && cfg.PIN == "" {
		log.Error("usage: viewer -camera <camera-id> or viewer -pin <pairing-pin>")
		os.Exit(1)
	}

	log.Info("homecam viewer starting",
		"server", cfg.ServerURL,
		"signaling", cfg.SignalingURL,
		"viewer", cfg.ViewerID)

	vault := backend.NewMemoryVault()
	api := backend.NewClient(cfg.ServerURL, vault, log)

	ctx := context.Background()
	cameraID := cfg.CameraID
	if cameraID == "" {
		claim, err := api.ClaimPIN(ctx, cfg.PIN)
		if err != nil {
			log.Error("pin claim failed", "err", err)
			os.Exit(1)
		}
		cameraID = claim.CameraID
		log.Info("pin accepted", "camera", cameraID)
	}

	// The viewer never publishes; the no-op source keeps the capture
	// dependency out of the receive path.
	shared := media.NewShared(media.NewNopSource(), log)
	transport := signaling.NewTransport(cfg.SignalingURL, api.Health, log)

	var coord *stream.Coordinator
	coord = stream.New(transport, shared, stream.Handler{
		OnConnected: func() {
			log.Info("connected, joining stream", "camera", cameraID)
			if !coord.JoinStream(cameraID, cfg.ViewerID) {
				log.Warn("join stream failed", "camera", cameraID)
			}
		},
		OnStreamStarted: func(streamID, camID string) {
			if camID == cameraID {
				log.Info("stream started", "stream", streamID)
			}
		},
		OnStreamStopped: func(camID string) {
			if camID == cameraID {
				log.Info("stream stopped", "camera", camID)
			}
		},
		OnCameraDisconnected: func(id string) {
			if id == cameraID {
				log.Warn("camera went offline", "camera", id)
			}
		},
		OnReconnecting: func(attempt int) {
			log.Warn("signaling channel reconnecting", "attempt", attempt)
		},
		OnFailed: func() {
			log.Error("signaling channel failed; use SIGHUP to retry")
		},
		OnError: func(msg string) {
			log.Warn("server error", "message", msg)
		},
	}, log)

	coord.Peers().SetRemoteTrackCallback(func(sessionID string, track peer.RemoteTrack) {
		log.Info("receiving media", "session", sessionID, "kind", track.Kind, "mime", track.MimeType)
	})

	if !coord.Connect(ctx) {
		log.Warn("initial connect failed, reconnecting in background")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sigCh {
		if s == syscall.SIGHUP {
			log.Info("manual reconnect requested")
			transport.Reconnect(ctx)
			continue
		}
		break
	}

	log.Info("shutting down")
	coord.LeaveStream(cameraID, cfg.ViewerID)
	coord.Close()
}
