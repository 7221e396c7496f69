package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/vulnboard/pkg/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		log.Error().Err(err).Msg("vulnboard failed")
		os.Exit(1)
	}
}
