package main

import (
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/app/server"
	"media-delivery-engine/internal/config"
)

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if envErr != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	server.Run(cfg)
}
