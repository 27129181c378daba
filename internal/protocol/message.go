package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// SchemaVersion is the symbolic envelope schema version. Decoding
	// rejects envelopes with a different version instead of guessing.
	SchemaVersion = "1.0"

	// DefaultTTL is the default message time-to-live in seconds.
	DefaultTTL = 3600

	// MinPriority and MaxPriority bound the message priority field.
	MinPriority = 1
	MaxPriority = 10

	// messageIDLen is the hex length of a content-addressed message id.
	messageIDLen = 16
)

// Action identifies a symbolic message type. The vocabulary is closed:
// a message whose action is not listed here fails validation.
type Action string

const (
	ActionQuery            Action = "QUERY"
	ActionResponse         Action = "RESPONSE"
	ActionBroadcast        Action = "BROADCAST"
	ActionValidate         Action = "VALIDATE"
	ActionKnowledgeShare   Action = "KNOWLEDGE_SHARE"
	ActionConsensusRequest Action = "CONSENSUS_REQUEST"
	ActionReputationUpdate Action = "REPUTATION_UPDATE"
	ActionHealthCheck      Action = "HEALTH_CHECK"
	ActionHandshake        Action = "HANDSHAKE"
	ActionDisconnect       Action = "DISCONNECT"
)

// vocabulary maps each known action to a short description.
var vocabulary = map[Action]string{
	ActionQuery:            "requests information or processing",
	ActionResponse:         "answers a query",
	ActionBroadcast:        "disseminates information to multiple peers",
	ActionValidate:         "requests validation of data or a decision",
	ActionKnowledgeShare:   "shares a knowledge payload",
	ActionConsensusRequest: "requests agreement from the network",
	ActionReputationUpdate: "carries a peer reputation update",
	ActionHealthCheck:      "probes connection health",
	ActionHandshake:        "connection establishment exchange",
	ActionDisconnect:       "announces connection teardown",
}

// KnownAction reports whether the action is part of the closed vocabulary.
func KnownAction(a Action) bool {
	_, ok := vocabulary[a]
	return ok
}

// Actions returns the closed action vocabulary.
func Actions() []Action {
	out := make([]Action, 0, len(vocabulary))
	for a := range vocabulary {
		out = append(out, a)
	}
	return out
}

// Routing target descriptors. A target is either one of these fixed
// patterns or a DIRECT:<peer-id> string built with DirectTarget.
const (
	TargetSelf      = "SELF"
	TargetAll       = "BROADCAST:ALL"
	targetDirectFmt = "DIRECT:%s"
)

// DirectTarget returns the routing descriptor for a specific peer.
func DirectTarget(peerID string) string {
	return fmt.Sprintf(targetDirectFmt, peerID)
}

// Validation and decoding errors. Callers treat any of these as a
// protocol error: the message is dropped and the sender's abuse counter
// is incremented, but the connection survives.
var (
	ErrUnknownAction = errors.New("action not in vocabulary")
	ErrExpired       = errors.New("message expired")
	ErrPriorityRange = errors.New("priority out of range")
	ErrNoSender      = errors.New("missing sender id")
	ErrSchemaVersion = errors.New("unsupported schema version")
	ErrMalformed     = errors.New("malformed message")
)

// Metadata carries envelope context. The schema version field makes
// serialization changes detectable rather than silently accepted.
type Metadata struct {
	SchemaVersion string `json:"schema_version"`
	Encoding      string `json:"encoding"`
}

// Message is the symbolic envelope used for all inter-peer communication
// after admission. Content is an opaque payload map produced by upper
// layers; the protocol only validates the envelope.
type Message struct {
	Action    Action         `json:"action"`
	Subject   string         `json:"subject"`
	Target    string         `json:"target"`
	Content   map[string]any `json:"content"`
	Metadata  Metadata       `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
	SenderID  string         `json:"sender_id"`
	MessageID string         `json:"message_id"`
	Priority  int            `json:"priority"`
	TTL       int            `json:"ttl"`
}

// New creates a symbolic message with a content-addressed id and the
// current timestamp. Priority outside [1,10] is clamped.
func New(action Action, subject, target string, content map[string]any, senderID string, priority int) Message {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	now := time.Now().UTC()

	return Message{
		Action:    action,
		Subject:   subject,
		Target:    target,
		Content:   content,
		Metadata:  Metadata{SchemaVersion: SchemaVersion, Encoding: "json"},
		Timestamp: now,
		SenderID:  senderID,
		MessageID: deriveMessageID(senderID, now, action, subject),
		Priority:  priority,
		TTL:       DefaultTTL,
	}
}

// deriveMessageID hashes the identifying envelope fields with blake3.
func deriveMessageID(senderID string, ts time.Time, action Action, subject string) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s-%d-%s-%s", senderID, ts.UnixNano(), action, subject)

	var sum [32]byte
	h.Sum(sum[:0])

	return hex.EncodeToString(sum[:])[:messageIDLen]
}

// Validate checks the envelope against the vocabulary, TTL and priority
// bounds. It returns nil for a deliverable message.
func (m *Message) Validate() error {
	if !KnownAction(m.Action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}

	if m.SenderID == "" {
		return ErrNoSender
	}

	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if time.Since(m.Timestamp) > time.Duration(ttl)*time.Second {
		return fmt.Errorf("%w: sent %s ago, ttl %ds", ErrExpired, time.Since(m.Timestamp).Round(time.Second), ttl)
	}

	if m.Priority < MinPriority || m.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrPriorityRange, m.Priority)
	}

	return nil
}

// Encode serializes the message for transmission.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	return data, nil
}

// Decode deserializes a received message. A malformed payload or an
// unexpected schema version is a protocol error, never a panic.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if m.Metadata.SchemaVersion != "" && m.Metadata.SchemaVersion != SchemaVersion {
		return Message{}, fmt.Errorf("%w: %q", ErrSchemaVersion, m.Metadata.SchemaVersion)
	}

	return m, nil
}
