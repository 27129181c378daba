package reputation

import (
	"time"
)

// TrustLevel is a discrete classification derived from a score.
type TrustLevel string

const (
	TrustHighlyTrusted TrustLevel = "highly_trusted"
	TrustTrusted       TrustLevel = "trusted"
	TrustNeutral       TrustLevel = "neutral"
	TrustLow           TrustLevel = "low_trust"
	TrustUntrusted     TrustLevel = "untrusted"
)

const (
	// NeutralScore is assigned to peers on first sight.
	NeutralScore = 0.5

	// maxHistory bounds the per-peer event history.
	maxHistory = 100
)

// LevelForScore maps a score to its trust level. It is a pure function
// of the score.
func LevelForScore(score float64) TrustLevel {
	switch {
	case score >= 0.8:
		return TrustHighlyTrusted
	case score >= 0.6:
		return TrustTrusted
	case score >= 0.4:
		return TrustNeutral
	case score >= 0.2:
		return TrustLow
	default:
		return TrustUntrusted
	}
}

// Event records a single reputation update.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Feedback  float64        `json:"feedback"`
	Delta     float64        `json:"delta"`
	OldScore  float64        `json:"old_score"`
	NewScore  float64        `json:"new_score"`
	Context   map[string]any `json:"context,omitempty"`
}

// Score is the reputation record for one peer. The score invariant
// 0.0 <= Score <= 1.0 holds after every update.
type Score struct {
	PeerID          string     `json:"peer_id"`
	Score           float64    `json:"score"`
	Interactions    int        `json:"interactions"`
	LastInteraction time.Time  `json:"last_interaction"`
	TrustLevel      TrustLevel `json:"trust_level"`
	History         []Event    `json:"history,omitempty"`
}

// newNeutral returns the record assigned to a peer on first sight.
func newNeutral(peerID string, now time.Time) Score {
	return Score{
		PeerID:          peerID,
		Score:           NeutralScore,
		LastInteraction: now,
		TrustLevel:      TrustNeutral,
	}
}

// learningRate returns the adaptive learning rate for a peer. New peers
// adapt fast; established peers are stable against single bad events.
func learningRate(interactions int) float64 {
	switch {
	case interactions < 10:
		return 0.2
	case interactions < 50:
		return 0.1
	default:
		return 0.05
	}
}

// clampScore keeps a score inside [0, 1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// NetworkStats summarizes the tracked reputation population.
type NetworkStats struct {
	TotalPeers   int                `json:"total_peers"`
	AverageScore float64            `json:"average_score"`
	Distribution map[TrustLevel]int `json:"trust_distribution"`
}
