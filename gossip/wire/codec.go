package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"findag.dev/core/gossip"
	"findag.dev/core/model"
)

func sha256Of(b []byte) [32]byte { return sha256.Sum256(b) }

// Wire payloads are JSON with hex-encoded byte arrays, the same encoding
// store uses for its on-disk records -- one encoding convention for
// every non-consensus-digested byte blob in the repo, rather than
// reaching for a schema-first codec (protobuf, as erigon/prysm use) that
// would need .proto definitions this domain has no analog for
// (documented in DESIGN.md).

const (
	commandTx    = "tx"
	commandBlock = "block"
	commandVote  = "vote"
	commandFinal = "final"
)

type txWire struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     uint64 `json:"amount"`
	Asset      string `json:"asset"`
	Payload    string `json:"payload_hex"`
	FinDAGTime uint64 `json:"findag_time"`
	Tick       uint64 `json:"ht_tick"`
	ContentH   string `json:"ht_content_hash"`
	Nonce      uint64 `json:"ht_nonce"`
	PublicKey  string `json:"public_key"`
	Signature  string `json:"signature"`
	ShardID    uint32 `json:"shard_id"`
}

func hexOf(b []byte) string { return hex.EncodeToString(b) }

func hexInto(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("wire: bad hex %q: %w", s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("wire: hex %q wrong length: got %d want %d", s, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

func txToWire(tx *model.Transaction) txWire {
	return txWire{
		From: hexOf(tx.From[:]), To: hexOf(tx.To[:]), Amount: tx.Amount, Asset: tx.Asset.String(),
		Payload: hexOf(tx.Payload), FinDAGTime: uint64(tx.FinDAGTime), Tick: uint64(tx.HashTimer.Tick),
		ContentH: hexOf(tx.HashTimer.ContentHash[:]), Nonce: tx.HashTimer.Nonce,
		PublicKey: hexOf(tx.PublicKey[:]), Signature: hexOf(tx.Signature[:]), ShardID: tx.ShardID,
	}
}

func txFromWire(w txWire) (*model.Transaction, error) {
	tx := &model.Transaction{Amount: w.Amount, FinDAGTime: model.FinDAGTime(w.FinDAGTime), ShardID: w.ShardID}
	if err := hexInto(w.From, tx.From[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.To, tx.To[:]); err != nil {
		return nil, err
	}
	asset, err := model.AssetCodeFromString(w.Asset)
	if err != nil {
		return nil, err
	}
	tx.Asset = asset
	payload, err := hex.DecodeString(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}
	tx.Payload = payload
	tx.HashTimer.Tick = model.FinDAGTime(w.Tick)
	if err := hexInto(w.ContentH, tx.HashTimer.ContentHash[:]); err != nil {
		return nil, err
	}
	tx.HashTimer.Nonce = w.Nonce
	if err := hexInto(w.PublicKey, tx.PublicKey[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.Signature, tx.Signature[:]); err != nil {
		return nil, err
	}
	return tx, nil
}

type blockWire struct {
	ID           string   `json:"id"`
	Parents      []string `json:"parents"`
	Producer     string   `json:"producer"`
	ProducedAt   uint64   `json:"produced_at"`
	Tick         uint64   `json:"ht_tick"`
	ContentH     string   `json:"ht_content_hash"`
	Nonce        uint64   `json:"ht_nonce"`
	Transactions []txWire `json:"transactions"`
	MerkleRoot   string   `json:"merkle_root"`
	PublicKey    string   `json:"public_key"`
	Signature    string   `json:"signature"`
}

func blockToWire(b *model.Block) blockWire {
	w := blockWire{
		ID: hexOf(b.ID[:]), Producer: hexOf(b.Producer[:]), ProducedAt: uint64(b.ProducedAt),
		Tick: uint64(b.HashTimer.Tick), ContentH: hexOf(b.HashTimer.ContentHash[:]), Nonce: b.HashTimer.Nonce,
		MerkleRoot: hexOf(b.MerkleRoot[:]), PublicKey: hexOf(b.PublicKey[:]), Signature: hexOf(b.Signature[:]),
	}
	for _, p := range b.Parents {
		w.Parents = append(w.Parents, hexOf(p[:]))
	}
	for _, tx := range b.Transactions {
		w.Transactions = append(w.Transactions, txToWire(tx))
	}
	return w
}

func blockFromWire(w blockWire) (*model.Block, error) {
	b := &model.Block{ProducedAt: model.FinDAGTime(w.ProducedAt)}
	if err := hexInto(w.ID, b.ID[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.Producer, b.Producer[:]); err != nil {
		return nil, err
	}
	b.HashTimer.Tick = model.FinDAGTime(w.Tick)
	if err := hexInto(w.ContentH, b.HashTimer.ContentHash[:]); err != nil {
		return nil, err
	}
	b.HashTimer.Nonce = w.Nonce
	if err := hexInto(w.MerkleRoot, b.MerkleRoot[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.PublicKey, b.PublicKey[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.Signature, b.Signature[:]); err != nil {
		return nil, err
	}
	for _, ph := range w.Parents {
		var id model.BlockID
		if err := hexInto(ph, id[:]); err != nil {
			return nil, err
		}
		b.Parents = append(b.Parents, id)
	}
	for _, tw := range w.Transactions {
		tx, err := txFromWire(tw)
		if err != nil {
			return nil, err
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}

type voteWire struct {
	RoundNumber uint64 `json:"round_number"`
	Digest      string `json:"digest"`
	Voter       string `json:"voter"`
	Signature   string `json:"signature"`
}

func voteToWire(v *gossip.RoundVote) voteWire {
	return voteWire{RoundNumber: v.RoundNumber, Digest: hexOf(v.Digest[:]), Voter: hexOf(v.Voter[:]), Signature: hexOf(v.Signature[:])}
}

func voteFromWire(w voteWire) (*gossip.RoundVote, error) {
	v := &gossip.RoundVote{RoundNumber: w.RoundNumber}
	if err := hexInto(w.Digest, v.Digest[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.Voter, v.Voter[:]); err != nil {
		return nil, err
	}
	if err := hexInto(w.Signature, v.Signature[:]); err != nil {
		return nil, err
	}
	return v, nil
}

type roundWire struct {
	Number          uint64            `json:"number"`
	PreviousRound   string            `json:"previous_round"`
	Committee       []string          `json:"committee"`
	FinalizedBlocks []string          `json:"finalized_blocks"`
	QuorumSigs      map[string]string `json:"quorum_signatures"`
	ClosedAt        uint64            `json:"closed_at"`
	Tick            uint64            `json:"ht_tick"`
	ContentH        string            `json:"ht_content_hash"`
	Nonce           uint64            `json:"ht_nonce"`
	Digest          string            `json:"digest"`
}

func roundToWire(r *model.Round) roundWire {
	w := roundWire{
		Number: r.Number, PreviousRound: hexOf(r.PreviousRound[:]), ClosedAt: uint64(r.ClosedAt),
		Tick: uint64(r.HashTimer.Tick), ContentH: hexOf(r.HashTimer.ContentHash[:]), Nonce: r.HashTimer.Nonce,
		Digest: hexOf(r.Digest[:]), QuorumSigs: make(map[string]string, len(r.QuorumSignatures)),
	}
	for _, a := range r.Committee {
		w.Committee = append(w.Committee, hexOf(a[:]))
	}
	for _, id := range r.FinalizedBlocks {
		w.FinalizedBlocks = append(w.FinalizedBlocks, hexOf(id[:]))
	}
	for addr, sig := range r.QuorumSignatures {
		w.QuorumSigs[hexOf(addr[:])] = hexOf(sig[:])
	}
	return w
}

func roundFromWire(w roundWire) (*model.Round, error) {
	r := &model.Round{Number: w.Number, ClosedAt: model.FinDAGTime(w.ClosedAt)}
	if err := hexInto(w.PreviousRound, r.PreviousRound[:]); err != nil {
		return nil, err
	}
	r.HashTimer.Tick = model.FinDAGTime(w.Tick)
	if err := hexInto(w.ContentH, r.HashTimer.ContentHash[:]); err != nil {
		return nil, err
	}
	r.HashTimer.Nonce = w.Nonce
	if err := hexInto(w.Digest, r.Digest[:]); err != nil {
		return nil, err
	}
	for _, ah := range w.Committee {
		var a model.Address
		if err := hexInto(ah, a[:]); err != nil {
			return nil, err
		}
		r.Committee = append(r.Committee, a)
	}
	for _, bh := range w.FinalizedBlocks {
		var id model.BlockID
		if err := hexInto(bh, id[:]); err != nil {
			return nil, err
		}
		r.FinalizedBlocks = append(r.FinalizedBlocks, id)
	}
	r.QuorumSignatures = make(map[model.Address][64]byte, len(w.QuorumSigs))
	for ah, sh := range w.QuorumSigs {
		var a model.Address
		if err := hexInto(ah, a[:]); err != nil {
			return nil, err
		}
		var sig [64]byte
		if err := hexInto(sh, sig[:]); err != nil {
			return nil, err
		}
		r.QuorumSignatures[a] = sig
	}
	return r, nil
}

// encodeMessage maps a gossip.Message onto (command, payload) for
// WriteEnvelope.
func encodeMessage(m gossip.Message) (string, []byte, error) {
	switch m.Kind {
	case gossip.KindTx:
		b, err := json.Marshal(txToWire(m.Tx))
		return commandTx, b, err
	case gossip.KindBlock:
		b, err := json.Marshal(blockToWire(m.Block))
		return commandBlock, b, err
	case gossip.KindVote:
		b, err := json.Marshal(voteToWire(m.Vote))
		return commandVote, b, err
	case gossip.KindFinal:
		b, err := json.Marshal(roundToWire(m.Final))
		return commandFinal, b, err
	default:
		return "", nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
}

func decodeMessage(command string, payload []byte) (gossip.Message, error) {
	switch command {
	case commandTx:
		var w txWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return gossip.Message{}, err
		}
		tx, err := txFromWire(w)
		if err != nil {
			return gossip.Message{}, err
		}
		return gossip.Message{Kind: gossip.KindTx, Tx: tx}, nil
	case commandBlock:
		var w blockWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return gossip.Message{}, err
		}
		b, err := blockFromWire(w)
		if err != nil {
			return gossip.Message{}, err
		}
		return gossip.Message{Kind: gossip.KindBlock, Block: b}, nil
	case commandVote:
		var w voteWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return gossip.Message{}, err
		}
		v, err := voteFromWire(w)
		if err != nil {
			return gossip.Message{}, err
		}
		return gossip.Message{Kind: gossip.KindVote, Vote: v}, nil
	case commandFinal:
		var w roundWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return gossip.Message{}, err
		}
		r, err := roundFromWire(w)
		if err != nil {
			return gossip.Message{}, err
		}
		return gossip.Message{Kind: gossip.KindFinal, Final: r}, nil
	default:
		return gossip.Message{}, fmt.Errorf("wire: unknown command %q", command)
	}
}

// contentHashOf fingerprints a message for the replay window: for
// Tx/Block, the HashTimer content hash already uniquely identifies the
// payload; a Vote is fingerprinted as SHA-256(digest || voter) and a
// Final by its round digest.
func contentHashOf(m gossip.Message) [32]byte {
	switch m.Kind {
	case gossip.KindTx:
		return m.Tx.HashTimer.ContentHash
	case gossip.KindBlock:
		return m.Block.HashTimer.ContentHash
	case gossip.KindVote:
		return sha256Of(append(append([]byte{}, m.Vote.Digest[:]...), m.Vote.Voter[:]...))
	case gossip.KindFinal:
		return m.Final.Digest
	default:
		return [32]byte{}
	}
}
