package reputation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/storage"
)

const (
	// keyPrefix namespaces reputation records in the shared store.
	keyPrefix = "rep/"

	// defaultDecayInterval is the minimum time between decay sweeps.
	defaultDecayInterval = time.Hour
)

// Config holds the tunable parts of the engine.
type Config struct {
	// DecayWindow is how long a peer must be inactive before a sweep
	// regresses its score toward neutral.
	DecayWindow time.Duration

	// DecayInterval gates how often a sweep may run. Zero means hourly.
	DecayInterval time.Duration
}

// Engine computes and persists peer reputation scores. All mutation goes
// through Update; every update is written durably before it returns, so
// two concurrent readers never see a score older than the writer intended.
type Engine struct {
	store *storage.Store
	cfg   Config

	mu        sync.Mutex        // mu serializes writes per engine
	cache     map[string]*Score // cache holds decoded records
	lastDecay time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewEngine creates an engine on top of the given store.
func NewEngine(store *storage.Store, cfg Config) *Engine {
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = defaultDecayInterval
	}

	return &Engine{
		store: store,
		cfg:   cfg,
		cache: make(map[string]*Score),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// Get returns the reputation for a peer, creating and persisting a
// neutral record if the peer has never been seen.
func (e *Engine) Get(peerID string) (Score, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(peerID)
	if err != nil {
		return Score{}, err
	}

	return *rec, nil
}

// Update applies feedback in [-1, 1] to a peer's score. The delta is
// feedback scaled by the adaptive learning rate and the result is
// clamped to [0, 1]. The record is persisted before returning; on store
// failure no new state is observable.
func (e *Engine) Update(peerID string, feedback float64, eventType string, context map[string]any) (Score, error) {
	if feedback < -1 {
		feedback = -1
	}
	if feedback > 1 {
		feedback = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.load(peerID)
	if err != nil {
		return Score{}, err
	}

	now := e.now()
	delta := feedback * learningRate(rec.Interactions)
	newScore := clampScore(rec.Score + delta)

	updated := *rec
	updated.Score = newScore
	updated.Interactions = rec.Interactions + 1
	updated.LastInteraction = now
	updated.TrustLevel = LevelForScore(newScore)
	updated.History = append(append([]Event(nil), rec.History...), Event{
		Timestamp: now,
		EventType: eventType,
		Feedback:  feedback,
		Delta:     delta,
		OldScore:  rec.Score,
		NewScore:  newScore,
		Context:   context,
	})
	if len(updated.History) > maxHistory {
		updated.History = updated.History[len(updated.History)-maxHistory:]
	}

	if err := e.persist(&updated); err != nil {
		// Keep the cache on the old record so callers cannot observe
		// a state that was never made durable.
		return Score{}, fmt.Errorf("persist reputation: %w", err)
	}

	e.cache[peerID] = &updated

	logger.Debug("reputation updated",
		"peer", peerID,
		"event", eventType,
		"feedback", feedback,
		"score", newScore,
		"trust", updated.TrustLevel,
	)

	return updated, nil
}

// Stats summarizes all tracked peers.
func (e *Engine) Stats() (NetworkStats, error) {
	stats := NetworkStats{Distribution: make(map[TrustLevel]int)}

	var sum float64
	err := e.store.IteratePrefix([]byte(keyPrefix), func(key, value []byte) error {
		var rec Score
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}

		stats.TotalPeers++
		stats.Distribution[rec.TrustLevel]++
		sum += rec.Score

		return nil
	})
	if err != nil {
		return NetworkStats{}, err
	}

	if stats.TotalPeers > 0 {
		stats.AverageScore = sum / float64(stats.TotalPeers)
	}

	return stats, nil
}

// load returns the cached record for a peer, reading or creating the
// persistent record as needed. Caller must hold e.mu.
func (e *Engine) load(peerID string) (*Score, error) {
	if rec, ok := e.cache[peerID]; ok {
		return rec, nil
	}

	data, err := e.store.Get(e.key(peerID))
	if err != nil {
		return nil, fmt.Errorf("read reputation: %w", err)
	}

	if data == nil {
		rec := newNeutral(peerID, e.now())
		if err := e.persist(&rec); err != nil {
			return nil, fmt.Errorf("persist new peer: %w", err)
		}

		e.cache[peerID] = &rec
		return &rec, nil
	}

	var rec Score
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode reputation: %w", err)
	}

	e.cache[peerID] = &rec
	return &rec, nil
}

// persist writes a record durably.
func (e *Engine) persist(rec *Score) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return e.store.SetSync(e.key(rec.PeerID), data)
}

func (e *Engine) key(peerID string) []byte {
	return []byte(keyPrefix + peerID)
}
