package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "aeon-trust/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
}

// Node is the QUIC transport endpoint. It accepts and initiates
// connections and surfaces transport events through callbacks; admission
// and message semantics live in the Gateway, not here.
type Node struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peers   map[string]*Peer // peers maps transport key hex to peer
	peersMu sync.RWMutex

	knownAddrs   map[string]string // knownAddrs maps transport key hex to address (for reconnection)
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	onConnect    func(*Peer, bool) // bool is true for inbound connections
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	handlersMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a new transport node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // Transport identity is checked manually; trust comes from the handshake layer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node at the given address.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(peer, false)

	return peer, nil
}

// OnConnect sets the handler called when a peer connects. The second
// argument reports whether the connection is inbound.
func (n *Node) OnConnect(fn func(*Peer, bool)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a message is received.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Forget removes a peer's known address so it is not reconnected to.
// Used when admission bans the peer behind a transport connection.
func (n *Node) Forget(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.knownAddrsMu.Lock()
	delete(n.knownAddrs, keyHex)
	n.knownAddrsMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer, true)
}

// setupPeer creates a Peer from a QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	tlsState := conn.ConnectionState().TLS

	pubKey, err := extractPublicKey(tlsState)
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	n.knownAddrsMu.Lock()
	n.knownAddrs[keyHex] = addr
	n.knownAddrsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect handles a peer disconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	delete(n.peers, keyHex)
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	// Schedule reconnection
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // Peer removed from known addresses
		}

		// Check if already reconnected
		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return // Already reconnected
		}

		if _, err := n.Connect(addr); err == nil {
			return
		}

		// Exponential backoff
		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer, inbound bool) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, inbound)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
