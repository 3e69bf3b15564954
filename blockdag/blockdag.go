// Package blockdag implements the in-memory BlockDAG (spec §4.6): block
// admission with parent/signature/merkle validation, orphan buffering for
// blocks that arrive before their parents, tip-frontier tracking, and the
// descendants_of query the RoundScheduler uses to pick finalization
// candidates. Single-writer-lock-with-immutable-reads mirrors the
// teacher's chainstate ownership model (node/chainstate.go), generalized
// from a single linear chain to a DAG.
package blockdag

import (
	"sync"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
	"findag.dev/core/nodeerr"
	"findag.dev/core/validator"
)

type InsertResult string

const (
	Inserted       InsertResult = "Inserted"
	Known          InsertResult = "Known"
	MissingParents InsertResult = "MissingParents"
	Invalid        InsertResult = "Invalid"
)

type Config struct {
	MaxParentsPerBlock int
	MaxBlockBytes      int
	MaxTxsPerBlock     int
	OrphanBufferLimit  int
}

func DefaultConfig() Config {
	return Config{MaxParentsPerBlock: 8, MaxBlockBytes: 2 << 20, MaxTxsPerBlock: 5000, OrphanBufferLimit: 4096}
}

type node struct {
	block    *model.Block
	children map[model.BlockID]struct{}
	// finalizedAtRound is 0 until MarkFinalized records the round that
	// finalized this block; GC only ever prunes nodes with a nonzero
	// value here (rounds are numbered from 1).
	finalizedAtRound uint64
}

// DAG owns all admitted-but-not-yet-pruned blocks. GC retires blocks once
// a round boundary has finalized past them (spec §4.6 retainRounds).
type DAG struct {
	mu       sync.RWMutex
	cfg      Config
	registry *validator.Registry
	nodes    map[model.BlockID]*node
	tips     map[model.BlockID]struct{}
	orphans  map[model.BlockID]*model.Block // keyed by orphan's own id, buffered until parents resolve
}

func New(registry *validator.Registry, cfg Config) *DAG {
	return &DAG{
		cfg:      cfg,
		registry: registry,
		nodes:    make(map[model.BlockID]*node),
		tips:     make(map[model.BlockID]struct{}),
		orphans:  make(map[model.BlockID]*model.Block),
	}
}

// Insert validates and admits a block (spec §4.6). Parent resolution,
// producer-is-active-validator, signature, merkle root, per-tx validity
// and size are all checked before the block enters the tip frontier.
func (d *DAG) Insert(b *model.Block) (InsertResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertLocked(b)
}

func (d *DAG) insertLocked(b *model.Block) (InsertResult, error) {
	if _, known := d.nodes[b.ID]; known {
		return Known, nil
	}
	if err := d.validateLocked(b); err != nil {
		return Invalid, err
	}

	missing := d.missingParentsLocked(b)
	if len(missing) > 0 {
		if len(d.orphans) >= d.cfg.OrphanBufferLimit {
			return Invalid, nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "orphan buffer full")
		}
		d.orphans[b.ID] = b
		return MissingParents, nil
	}

	d.admitLocked(b)
	d.resolveOrphansLocked()
	return Inserted, nil
}

func (d *DAG) missingParentsLocked(b *model.Block) []model.BlockID {
	seen := make(map[model.BlockID]struct{}, len(b.Parents))
	var missing []model.BlockID
	for _, p := range b.Parents {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := d.nodes[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

func (d *DAG) admitLocked(b *model.Block) {
	n := &node{block: b, children: make(map[model.BlockID]struct{})}
	d.nodes[b.ID] = n
	for _, p := range b.Parents {
		if pn, ok := d.nodes[p]; ok {
			pn.children[b.ID] = struct{}{}
			delete(d.tips, p)
		}
	}
	d.tips[b.ID] = struct{}{}
}

func (d *DAG) resolveOrphansLocked() {
	for {
		progressed := false
		for id, orphan := range d.orphans {
			if len(d.missingParentsLocked(orphan)) == 0 {
				delete(d.orphans, id)
				d.admitLocked(orphan)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (d *DAG) validateLocked(b *model.Block) error {
	seen := make(map[model.BlockID]struct{}, len(b.Parents))
	for _, p := range b.Parents {
		if _, dup := seen[p]; dup {
			return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "duplicate parent entry")
		}
		seen[p] = struct{}{}
	}
	if len(b.Parents) > d.cfg.MaxParentsPerBlock {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "too many parents")
	}
	if len(b.Transactions) > d.cfg.MaxTxsPerBlock {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "too many transactions")
	}
	if b.SerializedSize() > d.cfg.MaxBlockBytes {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "block exceeds max size")
	}

	if d.registry != nil {
		active := false
		for _, rec := range d.registry.ActiveAt(0) {
			if rec.Address == b.Producer {
				active = true
				break
			}
		}
		if !active {
			return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "producer is not an active validator")
		}
	}

	var pub fincrypto.PublicKey
	copy(pub[:], b.PublicKey[:])
	var sig fincrypto.Signature
	copy(sig[:], b.Signature[:])
	if !fincrypto.Verify(pub, b.HeaderBytes(), sig) {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "producer signature does not verify")
	}
	if fincrypto.AddressFromPublicKey(pub) != b.Producer {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "public key does not hash to producer address")
	}

	leaves := make([][32]byte, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		if len(tx.Payload) > model.MaxTransactionPayloadBytes {
			return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "transaction payload oversize")
		}
		var txPub fincrypto.PublicKey
		copy(txPub[:], tx.PublicKey[:])
		var txSig fincrypto.Signature
		copy(txSig[:], tx.Signature[:])
		if !fincrypto.Verify(txPub, tx.CanonicalBytes(false), txSig) {
			return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "transaction signature does not verify")
		}
		leaves = append(leaves, fincrypto.SHA256(tx.CanonicalBytes(true)))
	}
	if fincrypto.MerkleRoot(leaves) != b.MerkleRoot {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, "merkle root mismatch")
	}
	return nil
}

// GetBlock returns a locally-known block by id, true only while it is
// still tracked (i.e. before GC prunes it). The RoundScheduler reads
// finalized-but-not-yet-pruned blocks this way to scan their transactions
// for governance directives (SPEC_FULL §6 supplement).
func (d *DAG) GetBlock(id model.BlockID) (*model.Block, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil, false, nil
	}
	return n.block, true, nil
}

// Tips returns the current frontier: blocks with no known local
// descendant, sorted by id for deterministic parent selection
// (spec §4.7 step 3).
func (d *DAG) Tips() []model.BlockID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.BlockID, 0, len(d.tips))
	for id := range d.tips {
		out = append(out, id)
	}
	sortBlockIDs(out)
	return out
}

func sortBlockIDs(ids []model.BlockID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// DescendantsOf returns every locally-known block reachable from the
// current tips that is not in finalizedBoundary -- the RoundScheduler's
// candidate set for the next round (spec §4.6).
func (d *DAG) DescendantsOf(finalizedBoundary map[model.BlockID]struct{}) map[model.BlockID]struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[model.BlockID]struct{})
	visited := make(map[model.BlockID]struct{})
	var visit func(id model.BlockID)
	visit = func(id model.BlockID) {
		if _, done := visited[id]; done {
			return
		}
		visited[id] = struct{}{}
		if _, boundary := finalizedBoundary[id]; boundary {
			return
		}
		n, ok := d.nodes[id]
		if !ok {
			return
		}
		out[id] = struct{}{}
		for _, p := range n.block.Parents {
			visit(p)
		}
	}
	for tip := range d.tips {
		visit(tip)
	}
	return out
}

// MarkFinalized records that round finalized the given blocks (spec §3:
// finalized blocks stay co-owned by the in-memory DAG and Store until
// GC's retention window elapses, so this does not remove them from
// d.nodes). A finalized block with no local children is dropped from the
// tip frontier -- nothing will extend a new block from it once it is no
// longer a candidate for the next round's parent selection -- but it
// remains readable via GetBlock until GC prunes it.
func (d *DAG) MarkFinalized(round uint64, ids []model.BlockID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		n, ok := d.nodes[id]
		if !ok {
			continue
		}
		n.finalizedAtRound = round
		if len(n.children) == 0 {
			delete(d.tips, id)
		}
	}
}

// GC prunes every block finalized at or before finalizedUpTo-retainRounds
// (spec §3, §4.6), bounding memory for a long-lived node. Blocks that are
// not yet finalized (finalizedAtRound == 0) are never pruned regardless of
// age -- only MarkFinalized makes a block eligible.
func (d *DAG) GC(retainRounds uint64, finalizedUpTo uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if finalizedUpTo <= retainRounds {
		return
	}
	cutoff := finalizedUpTo - retainRounds
	for id, n := range d.nodes {
		if n.finalizedAtRound == 0 || n.finalizedAtRound > cutoff {
			continue
		}
		for _, p := range n.block.Parents {
			if pn, ok := d.nodes[p]; ok {
				delete(pn.children, id)
			}
		}
		delete(d.nodes, id)
		delete(d.tips, id)
	}
}
