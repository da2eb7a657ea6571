package core

import (
	"BattleLedger/internal/event"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "BattleLedger:genesis:v1"

// StateHasher chains trade digests for one battle.
// Not thread-safe; guarded by the market's audit lock.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes the chain with the battle's genesis hash.
func NewStateHasher(battleID uint64) *StateHasher {
	return &StateHasher{prevHash: GenesisHash(battleID)}
}

// RestoreStateHasher resumes a chain from a snapshotted tip.
func RestoreStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// GenesisHash is SHA-256 of the seed and battle id.
func GenesisHash(battleID uint64) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s:%d", GenesisHashSeed, battleID)))
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || digest)
func (h *StateHasher) ComputeHash(sequence uint64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// tradeDigest is the canonical byte encoding of a trade's economic content.
// Timestamps and ids are excluded so replays hash identically.
func tradeDigest(t *event.Trade) []byte {
	digest := make([]byte, 0, 8+2+20+32*9)

	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], t.BattleID)
	digest = append(digest, idBuf[:]...)
	digest = append(digest, byte(t.Side), byte(t.Kind))
	digest = append(digest, t.Trader.Bytes()...)

	for _, v := range []*uint256.Int{
		t.Tokens, t.Gross, t.ArtistFee, t.PlatformFee, t.Net, t.Dust, t.PoolAfter, t.SupplyAfter,
	} {
		digest = appendU256(digest, v)
	}
	return digest
}

func appendU256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}

// VerifyChain recomputes the hash chain over trades in sequence order and
// reports the first trade whose stored hash does not match.
func VerifyChain(battleID uint64, trades []*event.Trade) error {
	h := NewStateHasher(battleID)
	for i, t := range trades {
		if t.Sequence != uint64(i+1) {
			return fmt.Errorf("trade %s: sequence %d, want %d", t.TradeID, t.Sequence, i+1)
		}
		if got := h.ComputeHash(t.Sequence, tradeDigest(t)); got != t.Hash {
			return fmt.Errorf("trade %s: hash mismatch at sequence %d", t.TradeID, t.Sequence)
		}
	}
	return nil
}
