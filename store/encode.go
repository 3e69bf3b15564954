package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"findag.dev/core/model"
	"findag.dev/core/validator"
)

// On-disk encodings are JSON with hex-encoded byte arrays, the same
// pattern the teacher uses for its chainstate/blockstore index disk
// structs (node/chainstate.go, node/blockstore.go): human-inspectable,
// versioned, and trivial to extend without a custom binary codec for
// values that are never consensus-digested (only Transaction/Block
// header bytes and Round digest bytes are consensus-critical, and those
// use model's CanonicalBytes/HeaderBytes/DigestBytes, never this JSON
// envelope).

type txDisk struct {
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

func txToDisk(tx *model.Transaction) txDisk {
	return txDisk{
		From:       hex.EncodeToString(tx.From[:]),
		To:         hex.EncodeToString(tx.To[:]),
		Amount:     tx.Amount,
		Asset:      tx.Asset.String(),
		Payload:    hex.EncodeToString(tx.Payload),
		FinDAGTime: uint64(tx.FinDAGTime),
		Tick:       uint64(tx.HashTimer.Tick),
		ContentH:   hex.EncodeToString(tx.HashTimer.ContentHash[:]),
		Nonce:      tx.HashTimer.Nonce,
		PublicKey:  hex.EncodeToString(tx.PublicKey[:]),
		Signature:  hex.EncodeToString(tx.Signature[:]),
		ShardID:    tx.ShardID,
	}
}

func txFromDisk(d txDisk) (*model.Transaction, error) {
	tx := &model.Transaction{Amount: d.Amount, FinDAGTime: model.FinDAGTime(d.FinDAGTime), ShardID: d.ShardID}
	if err := hexInto(d.From, tx.From[:]); err != nil {
		return nil, err
	}
	if err := hexInto(d.To, tx.To[:]); err != nil {
		return nil, err
	}
	asset, err := model.AssetCodeFromString(d.Asset)
	if err != nil {
		return nil, err
	}
	tx.Asset = asset
	payload, err := hex.DecodeString(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("store: decode payload: %w", err)
	}
	tx.Payload = payload
	tx.HashTimer.Tick = model.FinDAGTime(d.Tick)
	if err := hexInto(d.ContentH, tx.HashTimer.ContentHash[:]); err != nil {
		return nil, err
	}
	tx.HashTimer.Nonce = d.Nonce
	if err := hexInto(d.PublicKey, tx.PublicKey[:]); err != nil {
		return nil, err
	}
	if err := hexInto(d.Signature, tx.Signature[:]); err != nil {
		return nil, err
	}
	return tx, nil
}

func hexInto(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("store: bad hex %q: %w", s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("store: hex %q has wrong length: got %d want %d", s, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

type blockDisk struct {
	ID           string    `json:"id"`
	Parents      []string  `json:"parents"`
	Producer     string    `json:"producer"`
	ProducedAt   uint64    `json:"produced_at"`
	Tick         uint64    `json:"ht_tick"`
	ContentH     string    `json:"ht_content_hash"`
	Nonce        uint64    `json:"ht_nonce"`
	Transactions []txDisk  `json:"transactions"`
	MerkleRoot   string    `json:"merkle_root"`
	PublicKey    string    `json:"public_key"`
	Signature    string    `json:"signature"`
}

func encodeBlock(b *model.Block) ([]byte, error) {
	d := blockDisk{
		ID:         hex.EncodeToString(b.ID[:]),
		Producer:   hex.EncodeToString(b.Producer[:]),
		ProducedAt: uint64(b.ProducedAt),
		Tick:       uint64(b.HashTimer.Tick),
		ContentH:   hex.EncodeToString(b.HashTimer.ContentHash[:]),
		Nonce:      b.HashTimer.Nonce,
		MerkleRoot: hex.EncodeToString(b.MerkleRoot[:]),
		PublicKey:  hex.EncodeToString(b.PublicKey[:]),
		Signature:  hex.EncodeToString(b.Signature[:]),
	}
	for _, p := range b.Parents {
		d.Parents = append(d.Parents, hex.EncodeToString(p[:]))
	}
	for _, tx := range b.Transactions {
		d.Transactions = append(d.Transactions, txToDisk(tx))
	}
	return json.Marshal(d)
}

func decodeBlock(raw []byte) (*model.Block, error) {
	var d blockDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("store: decode block: %w", err)
	}
	b := &model.Block{ProducedAt: model.FinDAGTime(d.ProducedAt)}
	if err := hexInto(d.ID, b.ID[:]); err != nil {
		return nil, err
	}
	if err := hexInto(d.Producer, b.Producer[:]); err != nil {
		return nil, err
	}
	b.HashTimer.Tick = model.FinDAGTime(d.Tick)
	if err := hexInto(d.ContentH, b.HashTimer.ContentHash[:]); err != nil {
		return nil, err
	}
	b.HashTimer.Nonce = d.Nonce
	if err := hexInto(d.MerkleRoot, b.MerkleRoot[:]); err != nil {
		return nil, err
	}
	if err := hexInto(d.PublicKey, b.PublicKey[:]); err != nil {
		return nil, err
	}
	if err := hexInto(d.Signature, b.Signature[:]); err != nil {
		return nil, err
	}
	for _, ph := range d.Parents {
		var id model.BlockID
		if err := hexInto(ph, id[:]); err != nil {
			return nil, err
		}
		b.Parents = append(b.Parents, id)
	}
	for _, td := range d.Transactions {
		tx, err := txFromDisk(td)
		if err != nil {
			return nil, err
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}

type roundDisk struct {
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

func encodeRound(r *model.Round) ([]byte, error) {
	d := roundDisk{
		Number:        r.Number,
		PreviousRound: hex.EncodeToString(r.PreviousRound[:]),
		ClosedAt:      uint64(r.ClosedAt),
		Tick:          uint64(r.HashTimer.Tick),
		ContentH:      hex.EncodeToString(r.HashTimer.ContentHash[:]),
		Nonce:         r.HashTimer.Nonce,
		Digest:        hex.EncodeToString(r.Digest[:]),
		QuorumSigs:    make(map[string]string, len(r.QuorumSignatures)),
	}
	for _, a := range r.Committee {
		d.Committee = append(d.Committee, hex.EncodeToString(a[:]))
	}
	for _, id := range r.FinalizedBlocks {
		d.FinalizedBlocks = append(d.FinalizedBlocks, hex.EncodeToString(id[:]))
	}
	for addr, sig := range r.QuorumSignatures {
		d.QuorumSigs[hex.EncodeToString(addr[:])] = hex.EncodeToString(sig[:])
	}
	return json.Marshal(d)
}

func decodeRound(raw []byte) (*model.Round, error) {
	var d roundDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("store: decode round: %w", err)
	}
	r := &model.Round{Number: d.Number, ClosedAt: model.FinDAGTime(d.ClosedAt)}
	if err := hexInto(d.PreviousRound, r.PreviousRound[:]); err != nil {
		return nil, err
	}
	r.HashTimer.Tick = model.FinDAGTime(d.Tick)
	if err := hexInto(d.ContentH, r.HashTimer.ContentHash[:]); err != nil {
		return nil, err
	}
	r.HashTimer.Nonce = d.Nonce
	if err := hexInto(d.Digest, r.Digest[:]); err != nil {
		return nil, err
	}
	for _, ah := range d.Committee {
		var a model.Address
		if err := hexInto(ah, a[:]); err != nil {
			return nil, err
		}
		r.Committee = append(r.Committee, a)
	}
	for _, bh := range d.FinalizedBlocks {
		var id model.BlockID
		if err := hexInto(bh, id[:]); err != nil {
			return nil, err
		}
		r.FinalizedBlocks = append(r.FinalizedBlocks, id)
	}
	r.QuorumSignatures = make(map[model.Address][64]byte, len(d.QuorumSigs))
	for ah, sh := range d.QuorumSigs {
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

type validatorDisk struct {
	Address   string            `json:"address"`
	PublicKey string            `json:"public_key"`
	Status    uint8             `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func encodeValidator(addr model.Address, rec validator.Record) ([]byte, error) {
	d := validatorDisk{
		Address:   hex.EncodeToString(addr[:]),
		PublicKey: hex.EncodeToString(rec.PublicKey[:]),
		Status:    uint8(rec.Status),
		Metadata:  rec.Metadata,
	}
	return json.Marshal(d)
}

func decodeValidator(raw []byte) (model.Address, validator.Record, error) {
	var d validatorDisk
	var addr model.Address
	var rec validator.Record
	if err := json.Unmarshal(raw, &d); err != nil {
		return addr, rec, fmt.Errorf("store: decode validator: %w", err)
	}
	if err := hexInto(d.Address, addr[:]); err != nil {
		return addr, rec, err
	}
	if err := hexInto(d.PublicKey, rec.PublicKey[:]); err != nil {
		return addr, rec, err
	}
	rec.Address = addr
	rec.Status = validator.Status(d.Status)
	rec.Metadata = d.Metadata
	return addr, rec, nil
}
