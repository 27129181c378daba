package kernel

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/ledger"
	"github.com/luizhpcruz/aeon-sub000/internal/reputation"
	"github.com/luizhpcruz/aeon-sub000/internal/storage"
)

// newTestKernel builds a kernel over a temporary store.
func newTestKernel(t *testing.T, policy Policy) (*Kernel, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "kernel-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := storage.Open(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}

	led, err := ledger.Open(store)
	if err != nil {
		store.Close()
		os.RemoveAll(dir)
		t.Fatalf("failed to open ledger: %v", err)
	}

	rep := reputation.NewEngine(store, reputation.Config{DecayWindow: 24 * time.Hour})
	k := New(policy, rep, led)

	cleanup := func() {
		store.Close()
		os.RemoveAll(dir)
	}

	return k, cleanup
}

// driveScoreDown applies negative feedback until the score drops to or
// below the target.
func driveScoreDown(t *testing.T, k *Kernel, peerID string, target float64) reputation.Score {
	t.Helper()

	for i := 0; i < 200; i++ {
		rec, err := k.UpdateReputation(peerID, -1.0, "validation_failed", nil)
		if err != nil {
			t.Fatalf("UpdateReputation failed: %v", err)
		}
		if rec.Score <= target {
			return rec
		}
	}

	t.Fatalf("score never reached %v", target)
	return reputation.Score{}
}

func TestNewPeerSessionLifecycle(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	base := time.Now()
	k.now = func() time.Time { return base }

	d, err := k.ValidateIncomingRequest("alpha", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if !d.Allowed {
		t.Fatalf("new peer denied: %+v", d)
	}

	if d.Score != reputation.NeutralScore || d.TrustLevel != reputation.TrustNeutral {
		t.Errorf("admission metadata = %+v, want neutral 0.5", d)
	}

	if k.ActiveConnections() != 1 {
		t.Errorf("active connections = %d, want 1", k.ActiveConnections())
	}

	// A clean 90 second session earns +0.1 feedback at learning rate
	// 0.2, landing on 0.52 and staying neutral.
	base = base.Add(90 * time.Second)

	if err := k.CloseConnection("alpha", "normal"); err != nil {
		t.Fatalf("CloseConnection failed: %v", err)
	}

	rec, err := k.rep.Get("alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if math.Abs(rec.Score-0.52) > 1e-9 {
		t.Errorf("score after clean session = %v, want 0.52", rec.Score)
	}

	if rec.TrustLevel != reputation.TrustNeutral {
		t.Errorf("trust level = %q, want neutral", rec.TrustLevel)
	}

	if k.ActiveConnections() != 0 {
		t.Errorf("active connections after close = %d, want 0", k.ActiveConnections())
	}
}

func TestReadmissionSupersedesConnection(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	base := time.Now()
	k.now = func() time.Time { return base }

	if d, err := k.ValidateIncomingRequest("alpha", "connect", nil); err != nil || !d.Allowed {
		t.Fatalf("admission = %+v, %v", d, err)
	}

	// A second admission for the same peer closes the first session and
	// feeds its outcome back before the new connection is registered.
	base = base.Add(90 * time.Second)

	d, err := k.ValidateIncomingRequest("alpha", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if !d.Allowed {
		t.Fatalf("re-admission denied: %+v", d)
	}

	if k.ActiveConnections() != 1 {
		t.Errorf("active connections = %d, want 1", k.ActiveConnections())
	}

	// The superseded 90 second session earned its clean-close +0.1
	// feedback instead of vanishing.
	rec, err := k.rep.Get("alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if math.Abs(rec.Score-0.52) > 1e-9 {
		t.Errorf("score after superseded session = %v, want 0.52", rec.Score)
	}

	// The replacement connection closes normally, not with a missing
	// record.
	if err := k.CloseConnection("alpha", "normal"); err != nil {
		t.Fatalf("CloseConnection after re-admission failed: %v", err)
	}
}

func TestRepeatedFailuresDenyAdmission(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	// Five validation failures at -0.2 each drop beta from 0.5 to 0.3,
	// below the trust threshold.
	for i := 0; i < 5; i++ {
		if _, err := k.UpdateReputation("beta", -0.2, "validation_failed", nil); err != nil {
			t.Fatalf("UpdateReputation failed: %v", err)
		}
	}

	d, err := k.ValidateIncomingRequest("beta", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if d.Allowed {
		t.Fatal("low-reputation peer was admitted")
	}

	if d.Code != DenyLowReputation {
		t.Errorf("denial code = %q, want %q", d.Code, DenyLowReputation)
	}

	if !strings.Contains(d.Reason, "reputation") {
		t.Errorf("reason %q does not reference reputation", d.Reason)
	}
}

func TestConnectionFloodRejectedAsSuspicious(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	for i := 0; i < 10; i++ {
		d, err := k.ValidateIncomingRequest("gamma", "connect", nil)
		if err != nil {
			t.Fatalf("ValidateIncomingRequest %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d denied: %+v", i, d)
		}
	}

	// The 11th attempt inside the window is rejected regardless of the
	// peer's (still neutral) score.
	d, err := k.ValidateIncomingRequest("gamma", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if d.Allowed || d.Code != DenySuspicious {
		t.Errorf("11th attempt = %+v, want suspicious-pattern denial", d)
	}
}

func TestAttemptWindowSlides(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	base := time.Now()
	k.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		if _, err := k.ValidateIncomingRequest("gamma", "connect", nil); err != nil {
			t.Fatalf("ValidateIncomingRequest failed: %v", err)
		}
	}

	// After the window passes, the same peer is admissible again.
	base = base.Add(attemptWindow + time.Second)

	d, err := k.ValidateIncomingRequest("gamma", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if !d.Allowed {
		t.Errorf("attempt after window expiry denied: %+v", d)
	}
}

func TestOverCapacityDenied(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConnections = 1

	k, cleanup := newTestKernel(t, policy)
	defer cleanup()

	if d, err := k.ValidateIncomingRequest("first", "connect", nil); err != nil || !d.Allowed {
		t.Fatalf("first admission = %+v, %v", d, err)
	}

	d, err := k.ValidateIncomingRequest("second", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if d.Allowed || d.Code != DenyOverCapacity {
		t.Errorf("over-capacity admission = %+v, want denial", d)
	}
}

func TestSuspiciousContextDenied(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	d, err := k.ValidateIncomingRequest("delta", "connect", map[string]any{
		"purpose": "Admin override please",
	})
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if d.Allowed || d.Code != DenyContext {
		t.Errorf("suspicious context = %+v, want denial", d)
	}
}

func TestAutoBanDropsConnectionAndIsTerminal(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	if d, err := k.ValidateIncomingRequest("mallory", "connect", nil); err != nil || !d.Allowed {
		t.Fatalf("admission = %+v, %v", d, err)
	}

	driveScoreDown(t, k, "mallory", DefaultPolicy().AutoBanThreshold)

	if state, _ := k.PeerStateOf("mallory"); state != StateBanned {
		t.Fatalf("state = %q, want banned", state)
	}

	if k.ActiveConnections() != 0 {
		t.Errorf("banned peer's connection not dropped")
	}

	// Positive feedback must not lift the ban.
	for i := 0; i < 20; i++ {
		if _, err := k.UpdateReputation("mallory", 1.0, "helpful", nil); err != nil {
			t.Fatalf("UpdateReputation failed: %v", err)
		}
	}

	d, err := k.ValidateIncomingRequest("mallory", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if d.Allowed || d.Code != DenyBanned {
		t.Errorf("banned peer admission = %+v, want banned denial", d)
	}
}

func TestQuarantineAndRecovery(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	// -0.75 at learning rate 0.2 steps the score 0.5 -> 0.35 -> 0.2,
	// crossing the quarantine threshold without reaching the ban line.
	for i := 0; i < 2; i++ {
		if _, err := k.UpdateReputation("eve", -0.75, "validation_failed", nil); err != nil {
			t.Fatalf("UpdateReputation failed: %v", err)
		}
	}

	if state, _ := k.PeerStateOf("eve"); state != StateQuarantined {
		t.Fatalf("state = %q, want quarantined", state)
	}

	if d, _ := k.ValidateIncomingRequest("eve", "connect", nil); d.Allowed || d.Code != DenyQuarantined {
		t.Errorf("quarantined admission = %+v, want denial", d)
	}

	// Recovery: positive feedback past the trust threshold reactivates.
	for i := 0; i < 3; i++ {
		if _, err := k.UpdateReputation("eve", 1.0, "helpful", nil); err != nil {
			t.Fatalf("UpdateReputation failed: %v", err)
		}
	}

	if state, _ := k.PeerStateOf("eve"); state != StateActive {
		t.Fatalf("state after recovery = %q, want active", state)
	}

	if d, _ := k.ValidateIncomingRequest("eve", "connect", nil); !d.Allowed {
		t.Errorf("recovered peer denied: %+v", d)
	}
}

func TestUnban(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	driveScoreDown(t, k, "mallory", DefaultPolicy().AutoBanThreshold)

	if err := k.Unban("innocent"); err == nil {
		t.Error("unban of a non-banned peer succeeded")
	}

	if err := k.Unban("mallory"); err != nil {
		t.Fatalf("Unban failed: %v", err)
	}

	// The score is still rock bottom, so the peer lands in quarantine.
	if state, _ := k.PeerStateOf("mallory"); state != StateQuarantined {
		t.Errorf("state after unban = %q, want quarantined", state)
	}
}

func TestCloseFeedback(t *testing.T) {
	cases := []struct {
		reason   string
		duration time.Duration
		want     float64
	}{
		{"normal", 90 * time.Second, 0.1},
		{"normal", 10 * time.Second, 0},
		{"error", 2 * time.Hour, -0.2},
		{"timeout", time.Second, -0.2},
	}

	for _, tc := range cases {
		if got := closeFeedback(tc.reason, tc.duration); got != tc.want {
			t.Errorf("closeFeedback(%q, %s) = %v, want %v", tc.reason, tc.duration, got, tc.want)
		}
	}
}

func TestErrorCloseCostsReputation(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	if d, err := k.ValidateIncomingRequest("flaky", "connect", nil); err != nil || !d.Allowed {
		t.Fatalf("admission = %+v, %v", d, err)
	}

	if err := k.CloseConnection("flaky", "error"); err != nil {
		t.Fatalf("CloseConnection failed: %v", err)
	}

	rec, err := k.rep.Get("flaky")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if math.Abs(rec.Score-0.46) > 1e-9 {
		t.Errorf("score after error close = %v, want 0.46", rec.Score)
	}
}

func TestCloseUnknownConnection(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	if err := k.CloseConnection("ghost", "normal"); err == nil {
		t.Error("closing a non-existent connection succeeded")
	}
}

func TestDecisionsAreLedgered(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	if _, err := k.ValidateIncomingRequest("alpha", "connect", nil); err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	driveScoreDown(t, k, "mallory", DefaultPolicy().AutoBanThreshold)

	if err := k.led.VerifyChain(); err != nil {
		t.Fatalf("ledger chain broken: %v", err)
	}

	actions := make(map[string]bool)
	for _, b := range k.led.Blocks() {
		if a, ok := b.Decision["action"].(string); ok {
			actions[a] = true
		}
	}

	for _, want := range []string{"admission_allowed", "state_transition"} {
		if !actions[want] {
			t.Errorf("ledger missing %q event", want)
		}
	}
}

func TestProtocolErrorsCountTowardAbuse(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	for i := 0; i < 11; i++ {
		k.NoteProtocolError("spammer")
	}

	d, err := k.ValidateIncomingRequest("spammer", "connect", nil)
	if err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	if d.Allowed || d.Code != DenySuspicious {
		t.Errorf("message abuser admission = %+v, want suspicious denial", d)
	}
}

func TestStatusSnapshot(t *testing.T) {
	k, cleanup := newTestKernel(t, DefaultPolicy())
	defer cleanup()

	if _, err := k.ValidateIncomingRequest("alpha", "connect", nil); err != nil {
		t.Fatalf("ValidateIncomingRequest failed: %v", err)
	}

	driveScoreDown(t, k, "mallory", DefaultPolicy().AutoBanThreshold)

	s := k.Status()

	if s.ActiveConnections != 1 {
		t.Errorf("active connections = %d, want 1", s.ActiveConnections)
	}

	if s.Allowed != 1 {
		t.Errorf("allowed counter = %d, want 1", s.Allowed)
	}

	if s.States[StateBanned] != 1 {
		t.Errorf("banned count = %d, want 1", s.States[StateBanned])
	}

	if s.LedgerHeight == 0 {
		t.Error("ledger height = 0, want > 0")
	}
}
