// Package mempool implements the sharded transaction pool (spec §4.5):
// admission, drain-for-block-production, and TTL eviction. Sharding is
// the teacher's per-bucket single-writer isolation pattern
// (node/chainstate.go) translated from bbolt buckets to in-memory maps,
// each shard holding its own lock so hot-path admission never contends
// across unrelated senders.
package mempool

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
	"findag.dev/core/nodeerr"
	"findag.dev/core/timesource"
	"findag.dev/core/validator"
)

type Outcome string

const (
	Admitted         Outcome = "Admitted"
	Duplicate        Outcome = "Duplicate"
	InvalidSignature Outcome = "InvalidSignature"
	UnknownAsset     Outcome = "UnknownAsset"
	Oversize         Outcome = "Oversize"
	Expired          Outcome = "Expired"
	Overloaded       Outcome = "Overloaded"
)

type Config struct {
	ShardCount     int
	ByteLimitSoft  uint64
	TTL            time.Duration
	AssetWhitelist map[model.AssetCode]struct{}
}

func DefaultConfig() Config {
	return Config{
		ShardCount:    8,
		ByteLimitSoft: 64 << 20,
		TTL:           60 * time.Second,
	}
}

type shard struct {
	mu  sync.RWMutex
	txs map[[32]byte]*model.Transaction
}

// Pool is the sharded mempool. Submit does not consult registry:
// admission checks the signature, that From matches the signing key, the
// asset whitelist, size and duplicates, not sender validator status (any
// address may transact). The registry field is stored but not read.
type Pool struct {
	cfg        Config
	shards     []*shard
	registry   *validator.Registry
	totalBytes atomicCounter
}

func New(cfg Config, registry *validator.Registry) *Pool {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 8
	}
	p := &Pool{cfg: cfg, registry: registry, shards: make([]*shard, cfg.ShardCount)}
	for i := range p.shards {
		p.shards[i] = &shard{txs: make(map[[32]byte]*model.Transaction)}
	}
	return p
}

func (p *Pool) shardFor(addr model.Address) *shard {
	h := fnv.New32a()
	_, _ = h.Write(addr[:])
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit runs the admission pipeline spec §4.5 fixes: canonical
// serialize -> verify signature -> asset whitelist -> size -> dedup ->
// insert. Re-submitting an already-admitted transaction returns
// (Duplicate, nil): P7 requires idempotence, not an error.
func (p *Pool) Submit(tx *model.Transaction) (Outcome, error) {
	if p.cfg.ByteLimitSoft > 0 && p.totalBytes.load() > p.cfg.ByteLimitSoft {
		return Overloaded, nodeerr.NewValidation(nodeerr.MempoolErrOverloaded, "mempool byte limit exceeded")
	}

	msg := tx.CanonicalBytes(false)
	var pub fincrypto.PublicKey
	copy(pub[:], tx.PublicKey[:])
	var sig fincrypto.Signature
	copy(sig[:], tx.Signature[:])
	if !fincrypto.Verify(pub, msg, sig) {
		return InvalidSignature, nodeerr.NewValidation(nodeerr.MempoolErrInvalidSig, "signature does not verify")
	}
	if fincrypto.AddressFromPublicKey(pub) != tx.From {
		return InvalidSignature, nodeerr.NewValidation(nodeerr.MempoolErrInvalidSig, "public key does not hash to from-address")
	}

	if len(p.cfg.AssetWhitelist) > 0 {
		if _, ok := p.cfg.AssetWhitelist[tx.Asset]; !ok {
			return UnknownAsset, nodeerr.NewValidation(nodeerr.MempoolErrUnknownAsset, tx.Asset.String())
		}
	}

	full := tx.CanonicalBytes(true)
	if len(tx.Payload) > model.MaxTransactionPayloadBytes || len(full) > maxTxWireBytes {
		return Oversize, nodeerr.NewValidation(nodeerr.MempoolErrOversize, "transaction exceeds size limit")
	}

	hash := fincrypto.SHA256(full)
	s := p.shardFor(tx.From)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[hash]; exists {
		return Duplicate, nil
	}
	s.txs[hash] = tx
	p.totalBytes.add(uint64(len(full)))
	return Admitted, nil
}

const maxTxWireBytes = 2048

// Drain removes and returns up to maxCount transactions, capped at
// maxBytes of combined canonical size, ordered by ascending
// (findag_time, hashtimer) (spec §4.5). Called only by BlockProducer.
func (p *Pool) Drain(maxBytes int, maxCount int) []*model.Transaction {
	all := make([]*model.Transaction, 0)
	for _, s := range p.shards {
		s.mu.Lock()
		for h, tx := range s.txs {
			all = append(all, tx)
			delete(s.txs, h)
		}
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].FinDAGTime != all[j].FinDAGTime {
			return all[i].FinDAGTime < all[j].FinDAGTime
		}
		return all[i].HashTimer.Less(all[j].HashTimer)
	})

	out := make([]*model.Transaction, 0, len(all))
	usedBytes := 0
	leftover := make([]*model.Transaction, 0)
	for _, tx := range all {
		size := len(tx.CanonicalBytes(true))
		if (maxCount > 0 && len(out) >= maxCount) || (maxBytes > 0 && usedBytes+size > maxBytes) {
			leftover = append(leftover, tx)
			continue
		}
		out = append(out, tx)
		usedBytes += size
		p.totalBytes.sub(uint64(size))
	}
	for _, tx := range leftover {
		full := tx.CanonicalBytes(true)
		hash := fincrypto.SHA256(full)
		s := p.shardFor(tx.From)
		s.mu.Lock()
		s.txs[hash] = tx
		s.mu.Unlock()
	}
	return out
}

// EvictExpired drops transactions whose findag_time predates now minus
// the configured TTL.
func (p *Pool) EvictExpired(now model.FinDAGTime) {
	if p.cfg.TTL <= 0 {
		return
	}
	cutoffTicks := uint64(p.cfg.TTL / timesource.TickDuration())
	for _, s := range p.shards {
		s.mu.Lock()
		for h, tx := range s.txs {
			age := uint64(now) - uint64(tx.FinDAGTime)
			if uint64(now) >= uint64(tx.FinDAGTime) && age > cutoffTicks {
				delete(s.txs, h)
				p.totalBytes.sub(uint64(len(tx.CanonicalBytes(true))))
			}
		}
		s.mu.Unlock()
	}
}

func (p *Pool) Size() (count int, bytes uint64) {
	for _, s := range p.shards {
		s.mu.RLock()
		count += len(s.txs)
		s.mu.RUnlock()
	}
	return count, p.totalBytes.load()
}

type atomicCounter struct {
	mu sync.Mutex
	v  uint64
}

func (c *atomicCounter) add(n uint64) {
	c.mu.Lock()
	c.v += n
	c.mu.Unlock()
}

func (c *atomicCounter) sub(n uint64) {
	c.mu.Lock()
	if n > c.v {
		c.v = 0
	} else {
		c.v -= n
	}
	c.mu.Unlock()
}

func (c *atomicCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}
