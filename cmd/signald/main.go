package main

import (
	"log/slog"
	"os"

	"github.com/viewbird/homecam/internal/config"
	"github.com/viewbird/homecam/internal/relay"
)

func main() {
	cfg := config.LoadRelay()
	log := slog.Default()

	hub := relay.NewHub(log)
	api := relay.NewAPI(cfg.JWTSecret, log)
	router := api.Router(hub)

	log.Info("signald listening", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}
