package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/kernel"
)

// Config holds the node configuration.
type Config struct {
	// NodeID is the node's self-asserted peer id.
	NodeID string

	// NodeType is advertised during handshakes.
	NodeType string

	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the operator API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// Join is an optional peer address to connect to at startup.
	Join string

	// Debug enables debug logging.
	Debug bool

	// MinTrustThreshold is the minimum score admitted peers need.
	MinTrustThreshold float64

	// MaxConnections caps concurrent admitted connections.
	MaxConnections int

	// QuarantineThreshold is the score at or below which peers are quarantined.
	QuarantineThreshold float64

	// AutoBanThreshold is the score at or below which peers are banned.
	AutoBanThreshold float64

	// ReputationDecayHours is the idle window before scores decay toward neutral.
	ReputationDecayHours int
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	defaults := kernel.DefaultPolicy()

	flag.StringVar(&cfg.NodeID, "id", "", "Node peer id (defaults to a key-derived id)")
	flag.StringVar(&cfg.NodeType, "type", "validator", "Node type advertised in handshakes")
	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "Operator API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.Join, "join", "", "Peer address to connect to at startup")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Float64Var(&cfg.MinTrustThreshold, "min-trust-threshold", defaults.MinTrustThreshold, "Minimum reputation score for admission")
	flag.IntVar(&cfg.MaxConnections, "max-connections", defaults.MaxConnections, "Maximum concurrent connections")
	flag.Float64Var(&cfg.QuarantineThreshold, "quarantine-threshold", defaults.QuarantineThreshold, "Score at or below which peers are quarantined")
	flag.Float64Var(&cfg.AutoBanThreshold, "auto-ban-threshold", defaults.AutoBanThreshold, "Score at or below which peers are banned")
	flag.IntVar(&cfg.ReputationDecayHours, "reputation-decay-hours", int(defaults.DecayWindow/time.Hour), "Idle hours before scores decay toward neutral")
	flag.Parse()

	return cfg
}

// policy builds the kernel policy from the parsed flags.
func (cfg *Config) policy() kernel.Policy {
	return kernel.Policy{
		MinTrustThreshold:   cfg.MinTrustThreshold,
		MaxConnections:      cfg.MaxConnections,
		QuarantineThreshold: cfg.QuarantineThreshold,
		AutoBanThreshold:    cfg.AutoBanThreshold,
		DecayWindow:         time.Duration(cfg.ReputationDecayHours) * time.Hour,
	}
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s: %w", path, err)
	}

	return priv, nil
}
