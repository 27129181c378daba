package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/luizhpcruz/aeon-sub000/internal/logger"
)

// Peer is a transport-level connection to a remote node. The transport
// identity is the remote's ed25519 certificate key; the trust identity
// (the self-asserted peer id) is established later by the handshake and
// lives in the Gateway's session state.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote's certificate key
	address   string            // address is the remote address (for reconnection)
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
	mu        sync.Mutex        // mu protects send operations
}

// PublicKey returns the remote node's transport public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send sends a message to the peer using a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message: %w", err)
	}

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams and processes messages.
func (p *Peer) receiveLoop() {
	for {
		// Use timeout to detect stuck connections
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stream, err := p.conn.AcceptUniStream(ctx)
		cancel()

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				continue // Try again
			}
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// handleUniStream reads a message from a unidirectional stream.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	p.node.handlePeerDisconnect(p)
}
