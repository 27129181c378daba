package reputation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/storage"
)

// Decay constants. Idle peers regress toward neutrality a little at a
// time, never in one jump: scores above neutral shrink by 1% per sweep,
// scores below neutral recover by 0.1% per sweep.
const (
	decayShrink  = 0.99
	decayRecover = 1.001
)

// StartDecayLoop launches the background decay sweeper. Sweeps are gated
// by the configured decay interval.
func (e *Engine) StartDecayLoop() {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.DecayInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.Sweep(); err != nil {
					logger.Warn("reputation decay sweep failed", "error", err)
				}
			case <-e.stop:
				return
			}
		}
	}()
}

// Close stops the decay loop.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
}

// Sweep applies temporal decay to every peer inactive beyond the decay
// window. A sweep is a no-op if one already ran within the decay
// interval. The sweep invalidates the score cache.
func (e *Engine) Sweep() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if now.Sub(e.lastDecay) < e.cfg.DecayInterval {
		return nil
	}

	cutoff := now.Add(-e.cfg.DecayWindow)

	var pairs []storage.KeyValue
	var decayed int

	err := e.store.IteratePrefix([]byte(keyPrefix), func(key, value []byte) error {
		var rec Score
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}

		if !rec.LastInteraction.Before(cutoff) {
			return nil
		}

		score := rec.Score
		switch {
		case score > NeutralScore:
			score *= decayShrink
			if score < NeutralScore {
				score = NeutralScore
			}
		case score < NeutralScore:
			score *= decayRecover
			if score > NeutralScore {
				score = NeutralScore
			}
		default:
			return nil // already neutral, decay leaves it untouched
		}

		rec.Score = score
		rec.TrustLevel = LevelForScore(score)

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}

		k := make([]byte, len(key))
		copy(k, key)
		pairs = append(pairs, storage.KeyValue{Key: k, Value: data})
		decayed++

		return nil
	})
	if err != nil {
		return err
	}

	if len(pairs) > 0 {
		if err := e.store.SetBatchSync(pairs); err != nil {
			return fmt.Errorf("persist decayed scores: %w", err)
		}
	}

	e.lastDecay = now
	e.cache = make(map[string]*Score)

	if decayed > 0 {
		logger.Info("reputation decay sweep", "peers_decayed", decayed)
	}

	return nil
}
