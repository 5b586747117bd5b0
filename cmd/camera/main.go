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
	"github.com/viewbird/homecam/internal/permissions"
	"github.com/viewbird/homecam/internal/signaling"
	"github.com/viewbird/homecam/internal/stream"
)

func main() {
	cfg := config.ParseCameraFlags()
	log := slog.Default()

	log.Info("homecam camera starting",
		"server", cfg.ServerURL,
		"signaling", cfg.SignalingURL,
		"name", cfg.Name)

	// Check capture devices up front so a missing camera fails fast.
	if !cfg.NoCapture {
		if err := permissions.CheckCapture(cfg.Audio); err != nil {
			log.Error("capture check failed", "err", err)
			os.Exit(1)
		}
	}

	vault := backend.NewMemoryVault()
	api := backend.NewClient(cfg.ServerURL, vault, log)

	ctx := context.Background()
	cameraID := cfg.CameraID
	if cameraID == "" {
		reg, err := api.RegisterCamera(ctx, cfg.Name)
		if err != nil {
			log.Error("camera registration failed", "err", err)
			os.Exit(1)
		}
		cameraID = reg.ID
		log.Info("camera registered with backend", "camera", cameraID)

		if pin, err := api.IssuePIN(ctx, cameraID); err != nil {
			log.Warn("pairing pin unavailable", "err", err)
		} else {
			log.Info("pairing pin issued", "pin", pin.PIN, "expires", pin.ExpiresAt)
		}
	}

	var source media.Source
	if cfg.NoCapture {
		source = media.NewNopSource()
	} else {
		capture := media.DefaultCaptureConfig
		capture.Audio = cfg.Audio
		source = media.NewDeviceSource(capture)
	}
	shared := media.NewShared(source, log)

	transport := signaling.NewTransport(cfg.SignalingURL, api.Health, log)

	var coord *stream.Coordinator
	coord = stream.New(transport, shared, stream.Handler{
		OnConnected: func() {
			if !coord.RegisterCamera(cameraID, cfg.Name) {
				log.Warn("camera registration on signaling channel failed")
			}
		},
		OnViewerJoined: func(camID, viewerID string) {
			if camID != cameraID {
				return
			}
			log.Info("viewer joined, starting stream", "viewer", viewerID)
			if !coord.StartStream(cameraID, viewerID) {
				log.Warn("start stream failed", "viewer", viewerID)
			}
		},
		OnViewerLeft: func(camID, viewerID string) {
			if camID != cameraID {
				return
			}
			log.Info("viewer left", "viewer", viewerID)
		},
		OnViewerCount: func(camID string, count int) {
			if camID == cameraID {
				log.Info("viewer count", "count", count)
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
	coord.UnregisterCamera(cameraID)
	coord.Close()
}
