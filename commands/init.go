package commands

import (
	"context"
	"huddle/config"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// RunInit generates a node identity and writes the default config file.
func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.GenerateIdentity(); err != nil {
		log.Fatalf("Failed to generate identity: %v", err)
	}

	id, err := cfg.PeerID()
	if err != nil {
		log.Fatalf("Failed to derive peer ID: %v", err)
	}
	log.Infof("Generated identity, peer ID: %s", id.String())

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
}
