package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeebo/blake3"

	"github.com/luizhpcruz/aeon-sub000/internal/api"
	"github.com/luizhpcruz/aeon-sub000/internal/dispatch"
	"github.com/luizhpcruz/aeon-sub000/internal/kernel"
	"github.com/luizhpcruz/aeon-sub000/internal/ledger"
	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/network"
	"github.com/luizhpcruz/aeon-sub000/internal/reputation"
	"github.com/luizhpcruz/aeon-sub000/internal/storage"
	"github.com/luizhpcruz/aeon-sub000/internal/telemetry"
)

// Node is a running trust and admission node.
type Node struct {
	cfg     *Config
	store   *storage.Store
	rep     *reputation.Engine
	led     *ledger.Ledger
	signer  *ledger.Signer
	kern    *kernel.Kernel
	disp    *dispatch.Dispatcher
	metrics *telemetry.Metrics
	gateway *network.Gateway
	net     *network.Node
	apiSrv  *api.Server
}

// NewNode wires all components from the configuration.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if cfg.NodeID == "" {
		cfg.NodeID = deriveNodeID(cfg.PrivateKey.Public().(ed25519.PublicKey))
	}

	steps := []func() error{
		n.initStorage,
		n.initReputation,
		n.initLedger,
		n.initKernel,
		n.initDispatch,
		n.initNetwork,
		n.initAPI,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	return n, nil
}

// deriveNodeID builds a stable peer id from the identity key.
func deriveNodeID(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return "node-" + hex.EncodeToString(sum[:])[:16]
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.Open(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	n.store = store

	return nil
}

// initReputation initializes the reputation engine.
func (n *Node) initReputation() error {
	n.rep = reputation.NewEngine(n.store, reputation.Config{
		DecayWindow: n.cfg.policy().DecayWindow,
	})

	return nil
}

// initLedger loads the admission ledger and its checkpoint signer.
func (n *Node) initLedger() error {
	led, err := ledger.Open(n.store)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	signer, err := ledger.NewSignerFromIdentity(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive checkpoint signer: %w", err)
	}

	n.led = led
	n.signer = signer

	return nil
}

// initKernel initializes the admission kernel.
func (n *Node) initKernel() error {
	n.kern = kernel.New(n.cfg.policy(), n.rep, n.led)
	return nil
}

// initDispatch initializes the dispatcher, telemetry and handlers.
func (n *Node) initDispatch() error {
	n.disp = dispatch.New()
	n.metrics = telemetry.New()

	n.metrics.TrackLedgerHeight(func() float64 { return float64(n.led.Height()) })
	n.metrics.TrackQueueDepth(func() float64 { return float64(n.disp.Len()) })

	n.registerHandlers()

	return nil
}

// initNetwork initializes the transport and the admission gateway.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network: %w", err)
	}

	n.net = node
	n.gateway = network.NewGateway(network.GatewayConfig{
		SelfID:       n.cfg.NodeID,
		NodeType:     n.cfg.NodeType,
		Capabilities: []string{"validation", "knowledge_share"},
	}, n.kern, n.disp, n.metrics)

	n.gateway.Wire(node)

	return nil
}

// initAPI initializes the operator HTTP server.
func (n *Node) initAPI() error {
	n.apiSrv = api.New(n.cfg.HTTPAddress, n.kern, n.rep, n.led, n.signer, n.metrics.Handler())
	return nil
}

// Run starts all components and blocks until a shutdown signal.
func (n *Node) Run() error {
	n.disp.Start()
	n.rep.StartDecayLoop()

	if err := n.net.Start(); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	if err := n.apiSrv.Start(); err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	if n.cfg.Join != "" {
		if _, err := n.net.Connect(n.cfg.Join); err != nil {
			logger.Warn("join failed", "addr", n.cfg.Join, "error", err)
		}
	}

	logger.Info("node running", "id", n.cfg.NodeID, "quic", n.net.Addr(), "http", n.cfg.HTTPAddress)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")

	return n.shutdown()
}

// shutdown stops components in reverse dependency order.
func (n *Node) shutdown() error {
	if err := n.apiSrv.Stop(); err != nil {
		logger.Warn("api stop", "error", err)
	}

	n.net.Close()
	n.gateway.Close()
	n.disp.Close()
	n.rep.Close()

	if err := n.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}

	return nil
}
