package main

import (
	"os"

	log "github.com/charmbracelet/log"
	"github.com/keyamuha-ux/collede/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("collede failed", "err", err)
		os.Exit(1)
	}
}
