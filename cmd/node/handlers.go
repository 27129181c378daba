package main

import (
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/protocol"
)

// registerHandlers installs the default message handlers.
func (n *Node) registerHandlers() {
	n.disp.Register(protocol.ActionHealthCheck, n.handleHealthCheck)
	n.disp.Register(protocol.ActionQuery, n.handleQuery)
	n.disp.Register(protocol.ActionReputationUpdate, n.handleReputationUpdate)
	n.disp.Register(protocol.ActionKnowledgeShare, n.handleKnowledgeShare)
	n.disp.Register(protocol.ActionBroadcast, n.handleBroadcast)
}

// handleHealthCheck answers a probe with uptime and connection stats.
func (n *Node) handleHealthCheck(msg protocol.Message, senderID string) error {
	status := n.kern.Status()

	reply := protocol.New(protocol.ActionResponse, "HEALTH", protocol.DirectTarget(senderID), map[string]any{
		"uptime_seconds":     status.Uptime.Round(time.Second).Seconds(),
		"active_connections": status.ActiveConnections,
		"ledger_height":      status.LedgerHeight,
	}, n.cfg.NodeID, msg.Priority)

	return n.gateway.SendTo(senderID, reply)
}

// handleQuery answers status queries; other subjects are acknowledged
// with an empty response so the sender is not left waiting.
func (n *Node) handleQuery(msg protocol.Message, senderID string) error {
	content := map[string]any{}

	if msg.Subject == "status" {
		content["kernel"] = n.kern.Status()
		content["ledger"] = n.led.Summarize()
	}

	reply := protocol.New(protocol.ActionResponse, msg.Subject, protocol.DirectTarget(senderID),
		content, n.cfg.NodeID, msg.Priority)

	return n.gateway.SendTo(senderID, reply)
}

// handleReputationUpdate applies third-party feedback about a peer. The
// feedback is attributed to the reporting sender in the event context so
// colluding reporters stay auditable.
func (n *Node) handleReputationUpdate(msg protocol.Message, senderID string) error {
	subject, _ := msg.Content["peer_id"].(string)
	feedback, _ := msg.Content["feedback"].(float64)

	if subject == "" {
		logger.Warn("reputation update without subject", "sender", senderID)
		return nil
	}

	_, err := n.kern.UpdateReputation(subject, feedback, "peer_report", map[string]any{
		"reporter": senderID,
	})
	if err != nil {
		return err
	}

	n.metrics.IncReputationUpdate()

	return nil
}

// handleKnowledgeShare records a shared payload. Content interpretation
// belongs to upper layers; the kernel only tracks that the exchange
// happened.
func (n *Node) handleKnowledgeShare(msg protocol.Message, senderID string) error {
	logger.Info("knowledge received", "sender", senderID, "subject", msg.Subject)
	return nil
}

// handleBroadcast logs broadcast envelopes.
func (n *Node) handleBroadcast(msg protocol.Message, senderID string) error {
	logger.Info("broadcast received", "sender", senderID, "subject", msg.Subject)
	return nil
}
