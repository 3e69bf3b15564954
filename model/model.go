// Package model defines the core entities of the FinDAG ledger: the wire
// and storage shapes shared by mempool, blockdag, roundchain, store and
// gossip. Canonical byte encodings live alongside each type so that every
// caller hashes and signs the same bytes.
package model

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// FinDAGTime is a monotonic counter with >=100ns resolution (spec §3).
type FinDAGTime uint64

// HashTimer uniquely identifies a block/round/transaction emission event.
// It is the concatenation of a FinDAGTime tick, a content hash and a
// disambiguating nonce (spec §3, §4.1).
type HashTimer struct {
	Tick        FinDAGTime
	ContentHash [32]byte
	Nonce       uint64
}

func (h HashTimer) Bytes() []byte {
	out := make([]byte, 8+32+8)
	binary.BigEndian.PutUint64(out[0:8], uint64(h.Tick))
	copy(out[8:40], h.ContentHash[:])
	binary.BigEndian.PutUint64(out[40:48], h.Nonce)
	return out
}

// Less orders HashTimers the way the spec requires blocks to be ordered
// within a finalized round: by tick, then content hash, then nonce.
func (h HashTimer) Less(o HashTimer) bool {
	if h.Tick != o.Tick {
		return h.Tick < o.Tick
	}
	cmp := bytes.Compare(h.ContentHash[:], o.ContentHash[:])
	if cmp != 0 {
		return cmp < 0
	}
	return h.Nonce < o.Nonce
}

// Address is an Ed25519-public-key-derived identity (spec §3). Textual
// form is produced by fincrypto's bech32 encoder; the wire/storage form is
// the raw 20-byte hash.
type Address [20]byte

func (a Address) Bytes() []byte { return a[:] }

// AssetCode is a fixed-width, ASCII-padded asset identifier (spec §3,
// SPEC_FULL §3).
type AssetCode [8]byte

func AssetCodeFromString(s string) (AssetCode, error) {
	var out AssetCode
	if len(s) == 0 || len(s) > len(out) {
		return out, fmt.Errorf("model: asset code must be 1..%d bytes", len(out))
	}
	copy(out[:], s)
	return out, nil
}

func (a AssetCode) String() string {
	end := len(a)
	for end > 0 && a[end-1] == 0 {
		end--
	}
	return string(a[:end])
}

const MaxTransactionPayloadBytes = 1024

// Transaction is an admitted mempool item (spec §3).
type Transaction struct {
	From       Address
	To         Address
	Amount     uint64
	Asset      AssetCode
	Payload    []byte
	FinDAGTime FinDAGTime
	HashTimer  HashTimer
	PublicKey  [32]byte // Ed25519 public key, must hash to From
	Signature  [64]byte
	ShardID    uint32
}

// TxHash is the SHA-256 of the canonical encoding (signature included),
// used as the mempool key and for Merkle leaves.
type TxHash [32]byte

// CanonicalBytes returns the deterministic encoding used for signing and
// hashing. When includeSignature is false the signature field is omitted,
// which is the byte sequence that gets signed (spec §3, P9).
func (tx *Transaction) CanonicalBytes(includeSignature bool) []byte {
	buf := &bytes.Buffer{}
	buf.Write(tx.From[:])
	buf.Write(tx.To[:])
	writeU64(buf, tx.Amount)
	buf.Write(tx.Asset[:])
	writeU32(buf, uint32(len(tx.Payload)))
	buf.Write(tx.Payload)
	writeU64(buf, uint64(tx.FinDAGTime))
	buf.Write(tx.HashTimer.Bytes())
	buf.Write(tx.PublicKey[:])
	writeU32(buf, tx.ShardID)
	if includeSignature {
		buf.Write(tx.Signature[:])
	}
	return buf.Bytes()
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// BlockID identifies a Block by the SHA-256 of its header (spec §3).
type BlockID [32]byte

func (b BlockID) Less(o BlockID) bool { return bytes.Compare(b[:], o[:]) < 0 }

// Block is a producer-signed set of ordered transactions with an ordered
// parent set in the BlockDAG (spec §3, §4.6).
type Block struct {
	ID           BlockID
	Parents      []BlockID
	Producer     Address
	ProducedAt   FinDAGTime
	HashTimer    HashTimer
	Transactions []*Transaction
	MerkleRoot   [32]byte
	PublicKey    [32]byte
	Signature    [64]byte
}

// HeaderBytes returns the canonical encoding of everything except the
// transaction bodies and signature -- the bytes that get hashed into ID
// and signed.
func (b *Block) HeaderBytes() []byte {
	buf := &bytes.Buffer{}
	parents := append([]BlockID(nil), b.Parents...)
	sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })
	writeU32(buf, uint32(len(parents)))
	for _, p := range parents {
		buf.Write(p[:])
	}
	buf.Write(b.Producer[:])
	writeU64(buf, uint64(b.ProducedAt))
	buf.Write(b.HashTimer.Bytes())
	buf.Write(b.MerkleRoot[:])
	writeU32(buf, uint32(len(b.Transactions)))
	buf.Write(b.PublicKey[:])
	return buf.Bytes()
}

// SerializedSize estimates wire size for the max_block_bytes invariant.
func (b *Block) SerializedSize() int {
	size := len(b.HeaderBytes()) + len(b.Signature)
	for _, tx := range b.Transactions {
		size += len(tx.CanonicalBytes(true))
	}
	return size
}

// Round is an append-only, immutable-once-closed entry of the linear
// RoundChain (spec §3, §4.8).
type Round struct {
	Number           uint64
	PreviousRound    [32]byte
	Committee        []Address
	FinalizedBlocks  []BlockID // canonical settlement order: (FinDAGTime, HashTimer, id)
	QuorumSignatures map[Address][64]byte
	ClosedAt         FinDAGTime
	HashTimer        HashTimer
	Digest           [32]byte
}

var ErrGenesisRound = errors.New("model: round 1 has no previous round")

// ID is the SHA-256 of the round's canonical digest bytes; it is what
// round N+1's PreviousRound field references.
func (r *Round) ID() [32]byte { return r.Digest }

// DigestBytes returns the canonical bytes whose SHA-256 is the round
// digest: number || previous_round.id || ordered(candidate_set) ||
// ordered(committee) (spec §4.8).
func (r *Round) DigestBytes() []byte {
	buf := &bytes.Buffer{}
	var numBuf [8]byte
	binary.BigEndian.PutUint64(numBuf[:], r.Number)
	buf.Write(numBuf[:])
	buf.Write(r.PreviousRound[:])

	blocks := append([]BlockID(nil), r.FinalizedBlocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Less(blocks[j]) })
	writeU32(buf, uint32(len(blocks)))
	for _, id := range blocks {
		buf.Write(id[:])
	}

	committee := append([]Address(nil), r.Committee...)
	sort.Slice(committee, func(i, j int) bool { return bytes.Compare(committee[i][:], committee[j][:]) < 0 })
	writeU32(buf, uint32(len(committee)))
	for _, a := range committee {
		buf.Write(a[:])
	}
	return buf.Bytes()
}

// GovernanceKind enumerates the validator-status transitions a
// governance transaction may carry (SPEC_FULL §6 supplement).
type GovernanceKind uint8

const (
	GovernanceActivate GovernanceKind = iota + 1
	GovernanceDeactivate
	GovernanceSlash
)

// GovernanceTx is a narrowly-scoped in-block directive that drives
// ValidatorRegistry transitions (SPEC_FULL §6); it travels inside a
// Transaction's Payload, tagged by a leading byte, rather than as a new
// top-level wire entity.
type GovernanceTx struct {
	Kind   GovernanceKind
	Target Address
}

const governanceTxTag = 0xF1

func EncodeGovernanceTx(g GovernanceTx) []byte {
	out := make([]byte, 0, 22)
	out = append(out, governanceTxTag, byte(g.Kind))
	out = append(out, g.Target[:]...)
	return out
}

func DecodeGovernanceTx(payload []byte) (GovernanceTx, bool) {
	var out GovernanceTx
	if len(payload) != 22 || payload[0] != governanceTxTag {
		return out, false
	}
	out.Kind = GovernanceKind(payload[1])
	copy(out.Target[:], payload[2:22])
	return out, true
}
