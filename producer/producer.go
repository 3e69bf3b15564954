// Package producer implements BlockProducer (spec §4.7): a periodic task
// that drains Mempool, selects parents from the BlockDAG tip frontier,
// assembles and signs a block, inserts it locally and broadcasts it.
// Loop shape (sample time, select work, assemble, apply, emit) is
// grounded on the teacher's Miner.MineOne (node/miner.go), generalized
// from proof-of-work mining to deterministic per-tick production.
package producer

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"findag.dev/core/blockdag"
	"findag.dev/core/fincrypto"
	"findag.dev/core/gossip"
	"findag.dev/core/mempool"
	"findag.dev/core/model"
	"findag.dev/core/nodeerr"
	"findag.dev/core/timesource"
)

type Config struct {
	BlockIntervalMS    int
	MaxTxsPerBlock     int
	MaxBlockBytes      int
	MaxParentsPerBlock int
}

type Producer struct {
	cfg      Config
	pool     *mempool.Pool
	dag      *blockdag.DAG
	ts       *timesource.Source
	signer   fincrypto.Signer
	gw       gossip.Outbound
	log      *logrus.Entry
	lastTips []model.BlockID
}

func New(cfg Config, pool *mempool.Pool, dag *blockdag.DAG, ts *timesource.Source, signer fincrypto.Signer, gw gossip.Outbound, log *logrus.Entry) *Producer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Producer{cfg: cfg, pool: pool, dag: dag, ts: ts, signer: signer, gw: gw, log: log.WithField("component", "producer")}
}

// Run ticks every BlockIntervalMS until ctx is canceled, skip-when-empty
// per spec §4.7.
func (p *Producer) Run(ctx context.Context) error {
	interval := time.Duration(p.cfg.BlockIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, produced, err := p.ProduceOnce(ctx); err != nil {
				p.log.WithError(err).Warn("block production failed")
			} else if produced {
				p.log.Debug("produced block")
			}
		}
	}
}

// ProduceOnce runs a single production tick: drain, select parents,
// assemble, sign, insert, broadcast. Exported for tests/scenarios (spec
// §5.7).
func (p *Producer) ProduceOnce(ctx context.Context) (*model.Block, bool, error) {
	tips := p.dag.Tips()
	txs := p.pool.Drain(p.cfg.MaxBlockBytes, p.cfg.MaxTxsPerBlock)
	if len(txs) == 0 && sameTips(tips, p.lastTips) {
		return nil, false, nil // skip-when-empty
	}
	p.lastTips = tips

	parents := selectParents(tips, p.cfg.MaxParentsPerBlock)

	leaves := make([][32]byte, 0, len(txs))
	for _, tx := range txs {
		leaves = append(leaves, fincrypto.SHA256(tx.CanonicalBytes(true)))
	}
	merkleRoot := fincrypto.MerkleRoot(leaves)

	producedAt := p.ts.Now()
	contentHash := fincrypto.SHA256(headerSeed(parents, merkleRoot, p.signer.PublicKey()))
	ht := timesource.MakeHashTimer(producedAt, contentHash, 0)

	b := &model.Block{
		Parents:      parents,
		Producer:     fincrypto.AddressFromPublicKey(p.signer.PublicKey()),
		ProducedAt:   producedAt,
		HashTimer:    ht,
		Transactions: txs,
		MerkleRoot:   merkleRoot,
		PublicKey:    p.signer.PublicKey(),
	}
	sig := p.signer.Sign(b.HeaderBytes())
	b.Signature = [64]byte(sig)
	b.ID = fincrypto.SHA256(b.HeaderBytes())

	result, err := p.dag.Insert(b)
	if err != nil {
		return nil, false, err
	}
	if result != blockdag.Inserted && result != blockdag.Known {
		return nil, false, nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, string(result))
	}
	// The new block is now a tip; record the post-insert frontier so that
	// this block alone does not count as a tip change on the next tick.
	p.lastTips = p.dag.Tips()

	if err := p.gw.Broadcast(gossip.Message{Kind: gossip.KindBlock, Block: b}); err != nil {
		return b, true, nodeerr.NewTransient(nodeerr.GossipErrSendFailed, err.Error(), 1)
	}
	return b, true, nil
}

func headerSeed(parents []model.BlockID, merkleRoot [32]byte, producerKey fincrypto.PublicKey) []byte {
	buf := make([]byte, 0, len(parents)*32+32+32)
	for _, p := range parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, merkleRoot[:]...)
	buf = append(buf, producerKey[:]...)
	return buf
}

// selectParents deterministically truncates the sorted tip set to
// maxParents (spec §4.7 step 3).
func selectParents(tips []model.BlockID, maxParents int) []model.BlockID {
	sorted := append([]model.BlockID(nil), tips...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	if maxParents > 0 && len(sorted) > maxParents {
		sorted = sorted[:maxParents]
	}
	return sorted
}

func sameTips(a, b []model.BlockID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
