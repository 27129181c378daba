// Package handshake implements the challenge/response exchange that
// authenticates a peer before admission is evaluated. The verifier
// issues a fresh single-use challenge; the claimant answers with a
// token derived from the challenge and its own peer id. Challenges are
// not bound to a transport identity, so a full protocol replay across
// connections remains theoretically possible; this is a documented
// limitation, not a bug to patch here.
package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/luizhpcruz/aeon-sub000/internal/protocol"
)

const (
	// DefaultTimeout bounds how long a challenge stays answerable.
	DefaultTimeout = 10 * time.Second

	// challengeBytes is the entropy of a challenge token.
	challengeBytes = 16

	// responseLen is the hex length of a challenge response.
	responseLen = 16

	// SubjectChallenge is the subject of the verifier's challenge message.
	SubjectChallenge = "CHALLENGE"
)

// Exchange states.
type State int

const (
	StateStart State = iota
	StateChallengeSent
	StateVerified
	StateFailed
)

// Handshake errors.
var (
	ErrBadAction  = errors.New("handshake: response action is not HANDSHAKE")
	ErrMismatch   = errors.New("handshake: challenge response mismatch")
	ErrExpired    = errors.New("handshake: challenge expired")
	ErrReused     = errors.New("handshake: challenge already consumed")
	ErrNoResponse = errors.New("handshake: response missing challenge_response")
)

// Descriptor is the verified identity a successful handshake produces.
// It is immutable for the connection's lifetime.
type Descriptor struct {
	PeerID          string
	NodeType        string
	Capabilities    []string
	ReputationClaim float64
	SecurityToken   string
	ClaimedAt       time.Time
}

// Verifier runs the server side of handshakes for one node.
type Verifier struct {
	nodeID  string
	timeout time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. A zero timeout means DefaultTimeout.
func NewVerifier(nodeID string, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Verifier{
		nodeID:  nodeID,
		timeout: timeout,
		now:     time.Now,
	}
}

// Exchange is one handshake attempt. Each exchange carries its own
// challenge; tokens are never reused across attempts.
type Exchange struct {
	v      *Verifier
	token  string
	issued time.Time

	mu    sync.Mutex
	state State
}

// Begin starts a new exchange with a fresh unpredictable challenge.
func (v *Verifier) Begin() (*Exchange, error) {
	var buf [challengeBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	return &Exchange{
		v:      v,
		token:  hex.EncodeToString(buf[:]),
		issued: v.now(),
		state:  StateStart,
	}, nil
}

// State returns the exchange's current state.
func (x *Exchange) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.state
}

// ChallengeMessage builds the message the verifier sends to open the
// exchange and moves the state machine to challenge-sent.
func (x *Exchange) ChallengeMessage() protocol.Message {
	x.mu.Lock()
	x.state = StateChallengeSent
	x.mu.Unlock()

	return protocol.New(
		protocol.ActionHandshake,
		SubjectChallenge,
		protocol.TargetSelf,
		map[string]any{"challenge": x.token},
		x.v.nodeID,
		protocol.MaxPriority,
	)
}

// Verify checks the claimant's response. On success it returns the
// peer descriptor consumed by the admission kernel. The exchange is
// single-use: any terminal outcome consumes the challenge.
func (x *Exchange) Verify(resp protocol.Message) (Descriptor, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.state == StateVerified || x.state == StateFailed {
		return Descriptor{}, ErrReused
	}

	if x.v.now().Sub(x.issued) > x.v.timeout {
		x.state = StateFailed
		return Descriptor{}, ErrExpired
	}

	if resp.Action != protocol.ActionHandshake {
		x.state = StateFailed
		return Descriptor{}, fmt.Errorf("%w: got %q", ErrBadAction, resp.Action)
	}

	claimed, ok := resp.Content["challenge_response"].(string)
	if !ok || claimed == "" {
		x.state = StateFailed
		return Descriptor{}, ErrNoResponse
	}

	if claimed != Respond(x.token, resp.SenderID) {
		x.state = StateFailed
		return Descriptor{}, ErrMismatch
	}

	x.state = StateVerified

	return Descriptor{
		PeerID:          resp.SenderID,
		NodeType:        stringField(resp.Content, "node_type", "unknown"),
		Capabilities:    capabilities(resp.Content),
		ReputationClaim: floatField(resp.Content, "reputation_score", 0.5),
		SecurityToken:   stringField(resp.Content, "security_token", ""),
		ClaimedAt:       resp.Timestamp,
	}, nil
}

// Respond derives the expected answer to a challenge for a peer id.
// Both sides compute it; only a claimant that saw this exact challenge
// can answer correctly.
func Respond(challenge, peerID string) string {
	sum := blake3.Sum256([]byte(challenge + "-" + peerID))
	return hex.EncodeToString(sum[:])[:responseLen]
}

// BuildResponse creates the claimant's answer to a challenge message.
// The claimant advertises its node type, capabilities and self-reported
// reputation alongside the derived response token.
func BuildResponse(challenge protocol.Message, selfID, nodeType string, capabilities []string, reputation float64, securityToken string) (protocol.Message, error) {
	token, ok := challenge.Content["challenge"].(string)
	if !ok || token == "" {
		return protocol.Message{}, fmt.Errorf("challenge message missing token")
	}

	caps := make([]any, len(capabilities))
	for i, c := range capabilities {
		caps[i] = c
	}

	return protocol.New(
		protocol.ActionHandshake,
		"CHALLENGE_RESPONSE",
		protocol.DirectTarget(challenge.SenderID),
		map[string]any{
			"challenge_response": Respond(token, selfID),
			"node_type":          nodeType,
			"capabilities":       caps,
			"reputation_score":   reputation,
			"security_token":     securityToken,
		},
		selfID,
		protocol.MaxPriority,
	), nil
}

// stringField reads an optional string from a content map.
func stringField(content map[string]any, key, fallback string) string {
	if v, ok := content[key].(string); ok {
		return v
	}
	return fallback
}

// floatField reads an optional number from a content map.
func floatField(content map[string]any, key string, fallback float64) float64 {
	if v, ok := content[key].(float64); ok {
		return v
	}
	return fallback
}

// capabilities reads the declared capability list from a content map.
// JSON decoding yields []any, so both forms are accepted.
func capabilities(content map[string]any) []string {
	switch v := content["capabilities"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
