package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/dispatch"
	"github.com/luizhpcruz/aeon-sub000/internal/handshake"
	"github.com/luizhpcruz/aeon-sub000/internal/kernel"
	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/protocol"
	"github.com/luizhpcruz/aeon-sub000/internal/telemetry"
)

// Admission result subjects sent back to the claimant.
const (
	SubjectAdmissionOK     = "ADMISSION_OK"
	SubjectAdmissionDenied = "ADMISSION_DENIED"
)

// Link is the transport surface the gateway needs from a peer
// connection. *Peer satisfies it; tests use in-memory fakes.
type Link interface {
	Send(data []byte) error
	Close() error
	Address() string
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	SelfID           string
	NodeType         string
	Capabilities     []string
	ReputationClaim  float64
	SecurityToken    string
	HandshakeTimeout time.Duration
}

// session is the gateway's per-connection state. A connection is either
// waiting on its handshake or admitted under a verified peer id.
type session struct {
	inbound  bool
	exchange *handshake.Exchange
	timer    *time.Timer
	peerID   string
	admitted bool
}

// Gateway sits between the transport and the kernel. Every new
// connection must complete the challenge/response handshake and pass
// admission before its envelopes reach the dispatcher; everything else
// is dropped, charged to the sender, or both.
type Gateway struct {
	cfg      GatewayConfig
	verifier *handshake.Verifier
	kern     *kernel.Kernel
	disp     *dispatch.Dispatcher
	dedup    *Dedup
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	sessions map[Link]*session
	byPeerID map[string]Link

	forget func(Link) // forget drops a link from reconnection tracking
}

// NewGateway creates a gateway. metrics may be nil.
func NewGateway(cfg GatewayConfig, kern *kernel.Kernel, disp *dispatch.Dispatcher, metrics *telemetry.Metrics) *Gateway {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshake.DefaultTimeout
	}
	if cfg.ReputationClaim == 0 {
		cfg.ReputationClaim = 0.5
	}

	return &Gateway{
		cfg:      cfg,
		verifier: handshake.NewVerifier(cfg.SelfID, cfg.HandshakeTimeout),
		kern:     kern,
		disp:     disp,
		dedup:    NewDedup(0),
		metrics:  metrics,
		sessions: make(map[Link]*session),
		byPeerID: make(map[string]Link),
	}
}

// Wire registers the gateway on a transport node.
func (g *Gateway) Wire(n *Node) {
	n.OnConnect(func(p *Peer, inbound bool) { g.HandleConnect(p, inbound) })
	n.OnMessage(func(p *Peer, data []byte) { g.HandleMessage(p, data) })
	n.OnDisconnect(func(p *Peer) { g.HandleDisconnect(p) })

	g.forget = func(l Link) {
		if p, ok := l.(*Peer); ok {
			n.Forget(p)
		}
	}
}

// Close releases gateway resources.
func (g *Gateway) Close() {
	g.dedup.Close()
}

// HandleConnect starts the handshake for a new connection. The verifier
// side issues a challenge; the claimant side waits for one.
func (g *Gateway) HandleConnect(l Link, inbound bool) {
	s := &session{inbound: inbound}

	if inbound {
		x, err := g.verifier.Begin()
		if err != nil {
			logger.Error("begin handshake failed", "peer", l.Address(), "error", err)
			l.Close()
			return
		}

		s.exchange = x

		data, err := protocol.Encode(x.ChallengeMessage())
		if err != nil {
			l.Close()
			return
		}

		if err := l.Send(data); err != nil {
			logger.Warn("send challenge failed", "peer", l.Address(), "error", err)
			l.Close()
			return
		}
	}

	// A connection that never completes its handshake is reaped.
	s.timer = time.AfterFunc(g.cfg.HandshakeTimeout, func() {
		g.mu.Lock()
		cur, ok := g.sessions[l]
		pending := ok && !cur.admitted
		if pending {
			delete(g.sessions, l)
		}
		g.mu.Unlock()

		if pending {
			g.metrics.ObserveHandshake(false)
			logger.Warn("handshake timed out", "peer", l.Address())
			l.Close()
		}
	})

	g.mu.Lock()
	g.sessions[l] = s
	g.mu.Unlock()
}

// HandleMessage routes one received frame. Before admission only
// handshake traffic is accepted; after admission envelopes are
// validated, deduplicated and queued for dispatch.
func (g *Gateway) HandleMessage(l Link, data []byte) {
	g.mu.Lock()
	s, ok := g.sessions[l]
	var admitted bool
	var peerID string
	if ok {
		admitted, peerID = s.admitted, s.peerID
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		if admitted {
			g.noteViolation(peerID, "malformed envelope", err)
			return
		}

		logger.Warn("malformed pre-admission data", "peer", l.Address(), "error", err)
		l.Close()
		return
	}

	if !admitted {
		if s.inbound {
			g.verifyClaimant(l, s, msg)
		} else {
			g.answerChallenge(l, s, msg)
		}
		return
	}

	if msg.SenderID != peerID {
		g.noteViolation(peerID, "sender id spoof", fmt.Errorf("envelope claims %q", msg.SenderID))
		return
	}

	if !g.dedup.Check(data) {
		g.noteViolation(peerID, "duplicate envelope", nil)
		return
	}

	if err := msg.Validate(); err != nil {
		g.noteViolation(peerID, "invalid envelope", err)
		return
	}

	g.kern.RecordMessage(peerID)
	g.metrics.IncMessageIn()

	if msg.Action == protocol.ActionDisconnect {
		reason := "normal"
		if r, ok := msg.Content["reason"].(string); ok && r != "" {
			reason = r
		}

		g.dropSession(l, peerID, reason)
		l.Close()
		return
	}

	g.disp.Enqueue(msg, peerID)
}

// HandleDisconnect feeds an unexpected transport loss back into the
// kernel as an error close.
func (g *Gateway) HandleDisconnect(l Link) {
	g.mu.Lock()
	s, ok := g.sessions[l]
	var admitted bool
	var peerID string
	if ok {
		admitted, peerID = s.admitted, s.peerID
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	if admitted {
		g.dropSession(l, peerID, "error")
		return
	}

	g.mu.Lock()
	delete(g.sessions, l)
	g.mu.Unlock()
}

// SendTo sends an envelope to an admitted peer.
func (g *Gateway) SendTo(peerID string, msg protocol.Message) error {
	g.mu.Lock()
	l, ok := g.byPeerID[peerID]
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("peer %q is not connected", peerID)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if err := l.Send(data); err != nil {
		return fmt.Errorf("send to %q: %w", peerID, err)
	}

	g.metrics.IncMessageOut()

	return nil
}

// Broadcast sends an envelope to every admitted peer. Connections still
// in their handshake never see broadcasts. Send failures are logged per
// peer and the last one returned.
func (g *Gateway) Broadcast(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	g.mu.Lock()
	links := make(map[string]Link, len(g.byPeerID))
	for id, l := range g.byPeerID {
		links[id] = l
	}
	g.mu.Unlock()

	var lastErr error

	for id, l := range links {
		if err := l.Send(data); err != nil {
			logger.Warn("broadcast send failed", "peer", id, "error", err)
			lastErr = err
			continue
		}

		g.metrics.IncMessageOut()
	}

	return lastErr
}

// AdmittedPeers returns the verified ids of all admitted connections.
func (g *Gateway) AdmittedPeers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.byPeerID))
	for id := range g.byPeerID {
		out = append(out, id)
	}

	return out
}

// verifyClaimant completes the verifier side of the handshake and runs
// the admission check.
func (g *Gateway) verifyClaimant(l Link, s *session, msg protocol.Message) {
	desc, err := s.exchange.Verify(msg)
	if err != nil {
		g.metrics.ObserveHandshake(false)
		logger.Warn("handshake failed", "peer", l.Address(), "error", err)
		g.removeSession(l)
		l.Close()
		return
	}

	g.metrics.ObserveHandshake(true)

	decision, err := g.kern.ValidateIncomingRequest(desc.PeerID, "connect", map[string]any{
		"node_type":      desc.NodeType,
		"security_token": desc.SecurityToken,
		"address":        l.Address(),
	})
	if err != nil {
		logger.Error("admission check failed", "peer", desc.PeerID, "error", err)
		l.Close()
		return
	}

	g.metrics.ObserveAdmission(decision.Allowed, decision.Code)

	if !decision.Allowed {
		g.sendDecision(l, SubjectAdmissionDenied, decision)

		if decision.Code == kernel.DenyBanned && g.forget != nil {
			g.forget(l)
		}

		g.removeSession(l)
		l.Close()
		return
	}

	g.install(l, s, desc.PeerID)
	g.sendDecision(l, SubjectAdmissionOK, decision)

	logger.Info("peer admitted", "peer", desc.PeerID, "type", desc.NodeType, "addr", l.Address())
}

// answerChallenge runs the claimant side of the handshake.
func (g *Gateway) answerChallenge(l Link, s *session, msg protocol.Message) {
	switch {
	case msg.Action == protocol.ActionHandshake && msg.Subject == handshake.SubjectChallenge:
		resp, err := handshake.BuildResponse(msg, g.cfg.SelfID, g.cfg.NodeType,
			g.cfg.Capabilities, g.cfg.ReputationClaim, g.cfg.SecurityToken)
		if err != nil {
			logger.Warn("bad challenge", "peer", l.Address(), "error", err)
			l.Close()
			return
		}

		data, err := protocol.Encode(resp)
		if err != nil {
			l.Close()
			return
		}

		if err := l.Send(data); err != nil {
			logger.Warn("send handshake response failed", "peer", l.Address(), "error", err)
			l.Close()
		}

	case msg.Action == protocol.ActionResponse && msg.Subject == SubjectAdmissionOK:
		g.install(l, s, msg.SenderID)

		logger.Info("admitted by remote", "peer", msg.SenderID)

	case msg.Action == protocol.ActionResponse && msg.Subject == SubjectAdmissionDenied:
		logger.Warn("admission denied by remote",
			"peer", msg.SenderID,
			"code", msg.Content["code"],
			"reason", msg.Content["reason"],
		)
		l.Close()

	default:
		logger.Warn("unexpected pre-admission message", "peer", l.Address(), "action", msg.Action)
		l.Close()
	}
}

// sendDecision reports an admission outcome to the claimant. Denials are
// never silent.
func (g *Gateway) sendDecision(l Link, subject string, d kernel.Decision) {
	msg := protocol.New(protocol.ActionResponse, subject, protocol.TargetSelf, map[string]any{
		"allowed": d.Allowed,
		"code":    d.Code,
		"reason":  d.Reason,
		"score":   d.Score,
	}, g.cfg.SelfID, protocol.MaxPriority)

	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}

	if err := l.Send(data); err != nil {
		logger.Debug("send decision failed", "peer", l.Address(), "error", err)
	}
}

// dropSession closes the kernel connection for an admitted session and
// removes its state.
func (g *Gateway) dropSession(l Link, peerID, reason string) {
	g.mu.Lock()
	delete(g.sessions, l)
	delete(g.byPeerID, peerID)
	g.mu.Unlock()

	if err := g.kern.CloseConnection(peerID, reason); err != nil {
		logger.Debug("close connection", "peer", peerID, "error", err)
	}
}

// install marks a session admitted under the given peer id. If another
// link already carries that id it is displaced: its session is dropped
// first so its teardown cannot touch the new one, then the link is
// closed.
func (g *Gateway) install(l Link, s *session, peerID string) {
	g.mu.Lock()
	prev, replaced := g.byPeerID[peerID]
	if replaced && prev != l {
		delete(g.sessions, prev)
	} else {
		replaced = false
	}

	s.admitted = true
	s.peerID = peerID
	if s.timer != nil {
		s.timer.Stop()
	}
	g.byPeerID[peerID] = l
	g.mu.Unlock()

	if replaced {
		logger.Info("connection superseded", "peer", peerID, "old", prev.Address(), "new", l.Address())
		prev.Close()
	}
}

// removeSession discards pre-admission state and cancels its reap timer.
func (g *Gateway) removeSession(l Link) {
	g.mu.Lock()
	if s, ok := g.sessions[l]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(g.sessions, l)
	}
	g.mu.Unlock()
}

// noteViolation charges a protocol error to a peer.
func (g *Gateway) noteViolation(peerID, kind string, err error) {
	g.kern.NoteProtocolError(peerID)
	g.metrics.IncProtocolError()
	logger.Warn("protocol violation", "peer", peerID, "kind", kind, "error", err)
}
