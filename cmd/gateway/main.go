package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/gateway"
)

func main() {
	gw, err := gateway.NewGateway()
	if err != nil {
		log.Error().Err(err).Msg("error creating gateway service")
		os.Exit(1)
	}

	gw.Start()
	log.Info().Msg("gateway stopped")
}
