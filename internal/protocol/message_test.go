package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestNewMessageFields(t *testing.T) {
	m := New(ActionQuery, "PRICE_ANALYSIS", DirectTarget("node-b"), map[string]any{"symbol": "BTC"}, "node-a", 5)

	if m.Action != ActionQuery {
		t.Errorf("action = %q, want QUERY", m.Action)
	}

	if m.Target != "DIRECT:node-b" {
		t.Errorf("target = %q, want DIRECT:node-b", m.Target)
	}

	if len(m.MessageID) != messageIDLen {
		t.Errorf("message id %q has length %d, want %d", m.MessageID, len(m.MessageID), messageIDLen)
	}

	if m.Metadata.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %q, want %q", m.Metadata.SchemaVersion, SchemaVersion)
	}

	if m.TTL != DefaultTTL {
		t.Errorf("ttl = %d, want %d", m.TTL, DefaultTTL)
	}
}

func TestMessageIDDistinct(t *testing.T) {
	a := New(ActionQuery, "subj", TargetAll, nil, "node-a", 1)
	b := New(ActionResponse, "subj", TargetAll, nil, "node-a", 1)

	if a.MessageID == b.MessageID {
		t.Errorf("messages with different actions share id %q", a.MessageID)
	}
}

func TestPriorityClamped(t *testing.T) {
	low := New(ActionQuery, "s", TargetAll, nil, "n", 0)
	high := New(ActionQuery, "s", TargetAll, nil, "n", 42)

	if low.Priority != MinPriority {
		t.Errorf("priority = %d, want %d", low.Priority, MinPriority)
	}

	if high.Priority != MaxPriority {
		t.Errorf("priority = %d, want %d", high.Priority, MaxPriority)
	}
}

func TestValidateUnknownAction(t *testing.T) {
	m := New(ActionQuery, "s", TargetAll, nil, "n", 1)
	m.Action = "TELEPORT"

	if err := m.Validate(); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Validate = %v, want ErrUnknownAction", err)
	}
}

func TestValidateExpired(t *testing.T) {
	m := New(ActionQuery, "s", TargetAll, nil, "n", 1)
	m.Timestamp = time.Now().Add(-2 * time.Hour)
	m.TTL = 60

	if err := m.Validate(); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate = %v, want ErrExpired", err)
	}
}

func TestValidateFreshWithinTTL(t *testing.T) {
	m := New(ActionHealthCheck, "PING", TargetSelf, nil, "n", 3)

	if err := m.Validate(); err != nil {
		t.Errorf("Validate failed for fresh message: %v", err)
	}
}

func TestValidatePriorityRange(t *testing.T) {
	m := New(ActionQuery, "s", TargetAll, nil, "n", 1)
	m.Priority = 11

	if err := m.Validate(); !errors.Is(err, ErrPriorityRange) {
		t.Errorf("Validate = %v, want ErrPriorityRange", err)
	}
}

func TestValidateMissingSender(t *testing.T) {
	m := New(ActionQuery, "s", TargetAll, nil, "", 1)

	if err := m.Validate(); !errors.Is(err, ErrNoSender) {
		t.Errorf("Validate = %v, want ErrNoSender", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New(ActionKnowledgeShare, "INSIGHT_SHARING", TargetAll, map[string]any{"topic": "liquidity"}, "node-a", 7)

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.MessageID != m.MessageID {
		t.Errorf("message id = %q, want %q", got.MessageID, m.MessageID)
	}

	if got.Action != m.Action || got.Subject != m.Subject || got.Priority != m.Priority {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}

	if got.Content["topic"] != "liquidity" {
		t.Errorf("content lost in round trip: %v", got.Content)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode = %v, want ErrMalformed", err)
	}
}

func TestDecodeSchemaVersionMismatch(t *testing.T) {
	m := New(ActionQuery, "s", TargetAll, nil, "n", 1)
	m.Metadata.SchemaVersion = "9.9"

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := Decode(data); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("Decode = %v, want ErrSchemaVersion", err)
	}
}

func TestVocabularyClosed(t *testing.T) {
	if len(Actions()) != 10 {
		t.Errorf("vocabulary has %d actions, want 10", len(Actions()))
	}

	if KnownAction("ADMIN_OVERRIDE") {
		t.Error("unknown action accepted by vocabulary")
	}
}
