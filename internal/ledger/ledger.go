package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/luizhpcruz/aeon-sub000/internal/storage"
)

const (
	// blockPrefix and headKey namespace ledger data in the shared store.
	blockPrefix = "ledger/block/"
	headKey     = "ledger/head"
)

// GenesisHash is the prev hash of the first block.
var GenesisHash = strings.Repeat("0", 64)

// ErrChainBroken reports a hash linkage break found during verification.
// A broken chain is fatal for audit trust and is never auto-repaired.
var ErrChainBroken = errors.New("ledger chain broken")

// Block status values.
const (
	StatusValid   = "VALID"
	StatusInvalid = "INVALID"
)

// Block is one immutable admission or registration decision. Blocks are
// hash-linked: Block.PrevHash equals the Hash of the preceding block.
type Block struct {
	Number    uint64         `json:"block_number"`
	Timestamp time.Time      `json:"timestamp"`
	SubjectID string         `json:"subject_id"`
	Decision  map[string]any `json:"decision_details"`
	Status    string         `json:"status"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// HashBlock computes the canonical hash of a block's fields, excluding
// the hash itself. Fields are serialized as a JSON object so key order
// cannot influence the digest. Exported so audit consumers can
// independently recompute block hashes from an export.
func HashBlock(b Block) string {
	canonical := map[string]any{
		"block_number": b.Number,
		"timestamp":    b.Timestamp.UTC().Format(time.RFC3339Nano),
		"subject_id":   b.SubjectID,
		"decision":     b.Decision,
		"status":       b.Status,
		"prev_hash":    b.PrevHash,
	}

	// Map keys are sorted by encoding/json, making this deterministic.
	data, err := json.Marshal(canonical)
	if err != nil {
		// Decision payloads come from our own code and are always
		// JSON-encodable maps; a failure here is a programming error.
		panic(fmt.Sprintf("ledger: hash block %d: %v", b.Number, err))
	}

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ledger is the append-only, hash-linked record of admission decisions.
// Appends are serialized; blocks are never rewritten after creation.
type Ledger struct {
	store *storage.Store

	mu     sync.RWMutex
	blocks []Block
}

// Open loads the ledger from the store, or starts an empty chain.
func Open(store *storage.Store) (*Ledger, error) {
	l := &Ledger{store: store}

	err := store.IteratePrefix([]byte(blockPrefix), func(key, value []byte) error {
		var b Block
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode block %q: %w", key, err)
		}

		l.blocks = append(l.blocks, b)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys are zero-padded big-endian numbers, so iteration order is
	// block order. Sanity-check the linkage before trusting the load.
	if err := l.VerifyChain(); err != nil {
		return nil, err
	}

	return l, nil
}

// Append builds, hashes and durably stores a new block recording a
// decision about the subject peer. The block and the chain head are
// committed in one batch so a reader never sees a dangling link.
func (l *Ledger) Append(subjectID, status string, decision map[string]any) (Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := GenesisHash
	if n := len(l.blocks); n > 0 {
		prevHash = l.blocks[n-1].Hash
	}

	b := Block{
		Number:    uint64(len(l.blocks) + 1),
		Timestamp: time.Now().UTC(),
		SubjectID: subjectID,
		Decision:  decision,
		Status:    status,
		PrevHash:  prevHash,
	}
	b.Hash = HashBlock(b)

	data, err := json.Marshal(&b)
	if err != nil {
		return Block{}, fmt.Errorf("encode block: %w", err)
	}

	pairs := []storage.KeyValue{
		{Key: blockKey(b.Number), Value: data},
		{Key: []byte(headKey), Value: []byte(b.Hash)},
	}
	if err := l.store.SetBatchSync(pairs); err != nil {
		return Block{}, fmt.Errorf("persist block: %w", err)
	}

	l.blocks = append(l.blocks, b)

	return b, nil
}

// VerifyChain walks the whole chain and checks every block's hash and
// prev-hash linkage. A single break anywhere fails the check.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return verify(l.blocks)
}

// verify checks linkage over a block slice.
func verify(blocks []Block) error {
	for i, b := range blocks {
		if got := HashBlock(b); got != b.Hash {
			return fmt.Errorf("%w: block %d hash mismatch", ErrChainBroken, b.Number)
		}

		want := GenesisHash
		if i > 0 {
			want = blocks[i-1].Hash
		}

		if b.PrevHash != want {
			return fmt.Errorf("%w: block %d prev hash mismatch", ErrChainBroken, b.Number)
		}
	}

	return nil
}

// Height returns the number of blocks in the chain.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return uint64(len(l.blocks))
}

// Head returns the hash of the latest block, or the genesis hash for an
// empty chain.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.blocks) == 0 {
		return GenesisHash
	}

	return l.blocks[len(l.blocks)-1].Hash
}

// Blocks returns a copy of the chain for export and audit.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)

	return out
}

// Summary describes the chain for status reporting.
type Summary struct {
	TotalBlocks uint64 `json:"total_blocks"`
	GenesisHash string `json:"genesis_hash"`
	LatestHash  string `json:"latest_hash"`
	Intact      bool   `json:"chain_integrity"`
}

// Summarize returns the chain summary, including an integrity check.
func (l *Ledger) Summarize() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		TotalBlocks: uint64(len(l.blocks)),
		GenesisHash: GenesisHash,
		LatestHash:  GenesisHash,
		Intact:      verify(l.blocks) == nil,
	}

	if len(l.blocks) > 0 {
		s.GenesisHash = l.blocks[0].Hash
		s.LatestHash = l.blocks[len(l.blocks)-1].Hash
	}

	return s
}

// Export holds a full ledger dump for external audit tooling. Consumers
// can recompute every hash and the prev-hash linkage independently.
type Export struct {
	ExportedAt time.Time `json:"exported_at"`
	Summary    Summary   `json:"summary"`
	Blocks     []Block   `json:"blocks"`
}

// ExportJSON serializes the whole chain with its summary.
func (l *Ledger) ExportJSON() ([]byte, error) {
	exp := Export{
		ExportedAt: time.Now().UTC(),
		Summary:    l.Summarize(),
		Blocks:     l.Blocks(),
	}

	data, err := json.Marshal(&exp)
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	return data, nil
}

// CompressExport compresses an export with zstd for transfer.
func CompressExport(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// DecompressExport reverses CompressExport.
func DecompressExport(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// blockKey builds the zero-padded store key for a block number.
func blockKey(number uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)

	return []byte(blockPrefix + hex.EncodeToString(buf[:]))
}
