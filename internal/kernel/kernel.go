// Package kernel implements the admission policy state machine. Every
// peer is unknown, active, quarantined or banned; the kernel decides
// admission for inbound connections, feeds connection outcomes back into
// the reputation engine, and records every decision and transition in
// the hash-chained ledger.
package kernel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/ledger"
	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/reputation"
)

// Policy is the admission configuration. Loaded once at startup and
// read-only afterwards.
type Policy struct {
	MinTrustThreshold   float64
	MaxConnections      int
	QuarantineThreshold float64
	AutoBanThreshold    float64
	DecayWindow         time.Duration
}

// DefaultPolicy returns the stock policy values.
func DefaultPolicy() Policy {
	return Policy{
		MinTrustThreshold:   0.5,
		MaxConnections:      100,
		QuarantineThreshold: 0.2,
		AutoBanThreshold:    0.1,
		DecayWindow:         24 * time.Hour,
	}
}

// PeerState is the admission state of one peer. Peers with no recorded
// state are unknown and treated as admissible.
type PeerState string

const (
	StateActive      PeerState = "active"
	StateQuarantined PeerState = "quarantined"
	StateBanned      PeerState = "banned"
)

// Denial codes returned with refused admissions. Machine-readable so a
// requesting peer can distinguish "come back later" from "never".
const (
	DenyBanned        = "banned"
	DenyQuarantined   = "quarantined"
	DenyOverCapacity  = "over_capacity"
	DenyLowReputation = "low_reputation"
	DenySuspicious    = "suspicious_pattern"
	DenyContext       = "suspicious_context"
)

// Abuse heuristics: more than maxAttempts connection attempts inside
// attemptWindow is a suspicious pattern.
const (
	attemptWindow = 5 * time.Minute
	maxAttempts   = 10
)

// suspiciousKeywords is the context denylist.
var suspiciousKeywords = []string{"hack", "exploit", "bypass", "override", "admin"}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool                  `json:"allowed"`
	Code       string                `json:"code,omitempty"`
	Reason     string                `json:"reason"`
	Score      float64               `json:"score"`
	TrustLevel reputation.TrustLevel `json:"trust_level,omitempty"`
}

// ConnectionRecord tracks one admitted connection for its lifetime.
type ConnectionRecord struct {
	PeerID             string    `json:"peer_id"`
	StartedAt          time.Time `json:"started_at"`
	ScoreAtAdmission   float64   `json:"score_at_admission"`
	RequestType        string    `json:"request_type"`
	Messages           int       `json:"messages"`
	ProtocolViolations int       `json:"protocol_violations"`
}

// Status is a point-in-time snapshot of the kernel.
type Status struct {
	Uptime            time.Duration     `json:"uptime"`
	ActiveConnections int               `json:"active_connections"`
	States            map[PeerState]int `json:"states"`
	Allowed           uint64            `json:"connections_allowed"`
	Denied            uint64            `json:"connections_denied"`
	ProtocolErrors    uint64            `json:"protocol_errors"`
	LedgerHeight      uint64            `json:"ledger_height"`
	Policy            Policy            `json:"policy"`
}

// Kernel is the trust and admission kernel. Admission decisions are
// serialized by its mutex, so the connection count can never overshoot
// the configured maximum.
type Kernel struct {
	policy Policy
	rep    *reputation.Engine
	led    *ledger.Ledger

	mu       sync.Mutex
	states   map[string]PeerState
	conns    map[string]*ConnectionRecord
	attempts map[string][]time.Time

	allowed        uint64
	denied         uint64
	protocolErrors uint64

	startedAt time.Time
	now       func() time.Time
}

// New creates a kernel over the given reputation engine and ledger.
func New(policy Policy, rep *reputation.Engine, led *ledger.Ledger) *Kernel {
	if policy.MaxConnections <= 0 {
		policy.MaxConnections = DefaultPolicy().MaxConnections
	}

	return &Kernel{
		policy:    policy,
		rep:       rep,
		led:       led,
		states:    make(map[string]PeerState),
		conns:     make(map[string]*ConnectionRecord),
		attempts:  make(map[string][]time.Time),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Policy returns the active policy.
func (k *Kernel) Policy() Policy { return k.policy }

// ValidateIncomingRequest runs the full admission check for a peer. The
// returned Decision carries a machine-readable code and reason; an error
// is returned only when the reputation store fails. Every decision is
// recorded in the ledger. A peer that already holds a connection has it
// superseded: the old session's outcome is fed back before the new
// request is judged, so its duration feedback is never lost.
func (k *Kernel) ValidateIncomingRequest(peerID, requestType string, context map[string]any) (Decision, error) {
	k.mu.Lock()
	prev, reconnecting := k.conns[peerID]
	if reconnecting {
		delete(k.conns, peerID)
	}
	k.mu.Unlock()

	if reconnecting {
		if err := k.finishConnection(peerID, prev, "superseded"); err != nil {
			return Decision{}, err
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.recordAttempt(peerID)

	if k.states[peerID] == StateBanned {
		return k.deny(peerID, DenyBanned, "peer is banned"), nil
	}

	if k.states[peerID] == StateQuarantined {
		return k.deny(peerID, DenyQuarantined, "peer is quarantined"), nil
	}

	if len(k.conns) >= k.policy.MaxConnections {
		return k.deny(peerID, DenyOverCapacity,
			fmt.Sprintf("connection limit reached (%d)", k.policy.MaxConnections)), nil
	}

	rec, err := k.rep.Get(peerID)
	if err != nil {
		return Decision{}, fmt.Errorf("reputation lookup: %w", err)
	}

	if rec.Score < k.policy.MinTrustThreshold {
		if rec.Score <= k.policy.QuarantineThreshold {
			k.transition(peerID, StateQuarantined, "score at or below quarantine threshold")
		}

		d := k.deny(peerID, DenyLowReputation,
			fmt.Sprintf("reputation %.3f below trust threshold %.3f", rec.Score, k.policy.MinTrustThreshold))
		d.Score = rec.Score
		d.TrustLevel = rec.TrustLevel
		return d, nil
	}

	if n := k.attemptsInWindow(peerID); n > maxAttempts {
		return k.deny(peerID, DenySuspicious,
			fmt.Sprintf("suspicious pattern: %d connection attempts in %s", n, attemptWindow)), nil
	}

	if kw := suspiciousContext(requestType, context); kw != "" {
		return k.deny(peerID, DenyContext, fmt.Sprintf("suspicious context keyword %q", kw)), nil
	}

	k.conns[peerID] = &ConnectionRecord{
		PeerID:           peerID,
		StartedAt:        k.now(),
		ScoreAtAdmission: rec.Score,
		RequestType:      requestType,
	}
	k.states[peerID] = StateActive
	k.allowed++

	k.appendLedger(peerID, ledger.StatusValid, map[string]any{
		"action":       "admission_allowed",
		"request_type": requestType,
		"score":        rec.Score,
		"trust_level":  string(rec.TrustLevel),
	})

	logger.Info("connection admitted", "peer", peerID, "score", rec.Score, "trust", rec.TrustLevel)

	return Decision{
		Allowed:    true,
		Reason:     "admitted",
		Score:      rec.Score,
		TrustLevel: rec.TrustLevel,
	}, nil
}

// UpdateReputation applies feedback to a peer and re-evaluates the state
// machine: at or below the auto-ban threshold the peer is banned and any
// active connection dropped; at or below the quarantine threshold it is
// quarantined; a quarantined peer whose score climbs past the trust
// threshold recovers to active.
func (k *Kernel) UpdateReputation(peerID string, feedback float64, eventType string, context map[string]any) (reputation.Score, error) {
	rec, err := k.rep.Update(peerID, feedback, eventType, context)
	if err != nil {
		return reputation.Score{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	switch state := k.states[peerID]; {
	case state == StateBanned:
		// Terminal until an explicit Unban.

	case rec.Score <= k.policy.AutoBanThreshold:
		k.transition(peerID, StateBanned,
			fmt.Sprintf("score %.3f at or below auto-ban threshold %.3f", rec.Score, k.policy.AutoBanThreshold))
		delete(k.conns, peerID)

	case rec.Score <= k.policy.QuarantineThreshold:
		if state != StateQuarantined {
			k.transition(peerID, StateQuarantined,
				fmt.Sprintf("score %.3f at or below quarantine threshold %.3f", rec.Score, k.policy.QuarantineThreshold))
		}

	case state == StateQuarantined && rec.Score > k.policy.MinTrustThreshold:
		k.transition(peerID, StateActive,
			fmt.Sprintf("score %.3f recovered past trust threshold %.3f", rec.Score, k.policy.MinTrustThreshold))
	}

	return rec, nil
}

// CloseConnection ends a tracked connection and feeds the outcome back
// into the reputation engine. Long clean sessions earn +0.1; error or
// timeout closes cost -0.2.
func (k *Kernel) CloseConnection(peerID, reason string) error {
	k.mu.Lock()
	conn, ok := k.conns[peerID]
	if ok {
		delete(k.conns, peerID)
	}
	k.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active connection for peer %q", peerID)
	}

	return k.finishConnection(peerID, conn, reason)
}

// finishConnection feeds a removed connection's outcome into the
// reputation engine and records the close. Caller must not hold k.mu.
func (k *Kernel) finishConnection(peerID string, conn *ConnectionRecord, reason string) error {
	duration := k.now().Sub(conn.StartedAt)
	feedback := closeFeedback(reason, duration)

	if _, err := k.UpdateReputation(peerID, feedback, "connection_closed", map[string]any{
		"reason":   reason,
		"duration": duration.Seconds(),
		"messages": conn.Messages,
	}); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	k.mu.Lock()
	k.appendLedger(peerID, ledger.StatusValid, map[string]any{
		"action":   "connection_closed",
		"reason":   reason,
		"duration": duration.Seconds(),
		"messages": conn.Messages,
	})
	k.mu.Unlock()

	logger.Info("connection closed", "peer", peerID, "reason", reason, "duration", duration.Round(time.Second))

	return nil
}

// Unban lifts a ban administratively. Bans never expire on their own;
// this is the only way back. The peer lands in quarantine or active
// depending on its current score.
func (k *Kernel) Unban(peerID string) error {
	rec, err := k.rep.Get(peerID)
	if err != nil {
		return fmt.Errorf("unban %q: %w", peerID, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.states[peerID] != StateBanned {
		return fmt.Errorf("peer %q is not banned", peerID)
	}

	next := StateQuarantined
	if rec.Score > k.policy.MinTrustThreshold {
		next = StateActive
	}
	k.transition(peerID, next, fmt.Sprintf("administrative unban, score %.3f", rec.Score))

	return nil
}

// RecordMessage bumps the message counter of an active connection.
func (k *Kernel) RecordMessage(peerID string) {
	k.mu.Lock()
	if conn, ok := k.conns[peerID]; ok {
		conn.Messages++
	}
	k.mu.Unlock()
}

// NoteProtocolError charges a malformed, expired or duplicate message to
// the sender. Violations count toward the same sliding window as
// connection attempts, so a message-level abuser trips the pattern
// detector on its next admission.
func (k *Kernel) NoteProtocolError(peerID string) {
	k.mu.Lock()
	k.protocolErrors++
	k.recordAttempt(peerID)
	if conn, ok := k.conns[peerID]; ok {
		conn.ProtocolViolations++
	}
	k.mu.Unlock()
}

// PeerStateOf returns the recorded state for a peer and whether one exists.
func (k *Kernel) PeerStateOf(peerID string) (PeerState, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.states[peerID]
	return s, ok
}

// ActiveConnections returns the current connection count.
func (k *Kernel) ActiveConnections() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.conns)
}

// Status returns a snapshot for operators and the status endpoint.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	states := make(map[PeerState]int)
	for _, s := range k.states {
		states[s]++
	}

	return Status{
		Uptime:            time.Since(k.startedAt),
		ActiveConnections: len(k.conns),
		States:            states,
		Allowed:           k.allowed,
		Denied:            k.denied,
		ProtocolErrors:    k.protocolErrors,
		LedgerHeight:      k.led.Height(),
		Policy:            k.policy,
	}
}

// deny records a refused admission. Caller must hold k.mu.
func (k *Kernel) deny(peerID, code, reason string) Decision {
	k.denied++

	k.appendLedger(peerID, ledger.StatusInvalid, map[string]any{
		"action": "admission_denied",
		"code":   code,
		"reason": reason,
	})

	logger.Warn("connection denied", "peer", peerID, "code", code, "reason", reason)

	return Decision{Allowed: false, Code: code, Reason: reason}
}

// transition moves a peer to a new state and records it. Caller must
// hold k.mu.
func (k *Kernel) transition(peerID string, next PeerState, reason string) {
	prev := k.states[peerID]
	k.states[peerID] = next

	k.appendLedger(peerID, ledger.StatusValid, map[string]any{
		"action": "state_transition",
		"from":   string(prev),
		"to":     string(next),
		"reason": reason,
	})

	logger.Info("peer state transition", "peer", peerID, "from", prev, "to", next, "reason", reason)
}

// appendLedger writes an audit block, logging rather than failing the
// admission path if the ledger store errors. Caller must hold k.mu.
func (k *Kernel) appendLedger(peerID string, status string, decision map[string]any) {
	if _, err := k.led.Append(peerID, status, decision); err != nil {
		logger.Error("ledger append failed", "peer", peerID, "error", err)
	}
}

// recordAttempt adds a timestamp to the peer's sliding abuse window and
// prunes entries older than the window. Caller must hold k.mu.
func (k *Kernel) recordAttempt(peerID string) {
	now := k.now()
	cutoff := now.Add(-attemptWindow)

	kept := k.attempts[peerID][:0]
	for _, t := range k.attempts[peerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	k.attempts[peerID] = append(kept, now)
}

// attemptsInWindow counts recent attempts. Caller must hold k.mu.
func (k *Kernel) attemptsInWindow(peerID string) int {
	return len(k.attempts[peerID])
}

// closeFeedback derives the reputation feedback for a connection close.
func closeFeedback(reason string, duration time.Duration) float64 {
	switch reason {
	case "error", "timeout":
		return -0.2
	}

	if duration > time.Minute {
		return 0.1
	}

	return 0
}

// suspiciousContext scans the request type and string context values for
// denylisted keywords, returning the first hit.
func suspiciousContext(requestType string, context map[string]any) string {
	check := func(s string) string {
		s = strings.ToLower(s)
		for _, kw := range suspiciousKeywords {
			if strings.Contains(s, kw) {
				return kw
			}
		}
		return ""
	}

	if kw := check(requestType); kw != "" {
		return kw
	}

	for _, v := range context {
		if s, ok := v.(string); ok {
			if kw := check(s); kw != "" {
				return kw
			}
		}
	}

	return ""
}
