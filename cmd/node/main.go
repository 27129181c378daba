package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/luizhpcruz/aeon-sub000/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger.Init(level)

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	logger.Info("starting trust node",
		"id", cfg.NodeID,
		"type", cfg.NodeType,
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
	)

	return node.Run()
}
