package ledger

import (
	"crypto/ed25519"
	"fmt"
	"time"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Checkpoint is a signed statement about the ledger head. Audit
// consumers use it to verify that an export came from this node and has
// not been truncated below the signed height.
type Checkpoint struct {
	Height    uint64    `json:"height"`
	HeadHash  string    `json:"head_hash"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature"`
	PublicKey []byte    `json:"public_key"`
}

// Signer produces BLS checkpoint signatures over the ledger head.
type Signer struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// NewSignerFromIdentity derives a deterministic BLS key pair from the
// node's ed25519 identity key, binding checkpoints to the node.
func NewSignerFromIdentity(privKey ed25519.PrivateKey) (*Signer, error) {
	seed := privKey.Seed()
	h := blake3.New()
	h.Write([]byte("aeon-ledger-checkpoint-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	secret := blst.KeyGen(derived[:])
	if secret == nil {
		return nil, fmt.Errorf("derive checkpoint key")
	}

	return &Signer{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// PublicKeyBytes returns the compressed public key.
func (s *Signer) PublicKeyBytes() []byte {
	return s.public.Compress()
}

// Checkpoint signs the current ledger head.
func (l *Ledger) Checkpoint(s *Signer) Checkpoint {
	l.mu.RLock()
	height := uint64(len(l.blocks))
	head := GenesisHash
	if height > 0 {
		head = l.blocks[height-1].Hash
	}
	l.mu.RUnlock()

	cp := Checkpoint{
		Height:    height,
		HeadHash:  head,
		Timestamp: time.Now().UTC(),
	}

	sig := new(blst.P2Affine).Sign(s.secret, checkpointMessage(cp), blsDST)
	cp.Signature = sig.Compress()
	cp.PublicKey = s.PublicKeyBytes()

	return cp
}

// VerifyCheckpoint checks a checkpoint signature against its embedded
// public key.
func VerifyCheckpoint(cp Checkpoint) bool {
	if len(cp.Signature) != BLSSignatureSize || len(cp.PublicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(cp.Signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(cp.PublicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, checkpointMessage(cp), blsDST)
}

// checkpointMessage builds the byte string covered by the signature.
func checkpointMessage(cp Checkpoint) []byte {
	return []byte(fmt.Sprintf("%d|%s|%d", cp.Height, cp.HeadHash, cp.Timestamp.UnixNano()))
}
