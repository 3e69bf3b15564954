// Package findagnode wires every component into one running node: store,
// validator registry, mempool, BlockDAG, BlockProducer, RoundScheduler,
// gossip transport and the Finality Stream (spec §4, ambient wiring
// concern). Concurrent-task shape (spawn per-component loops, first error
// cancels the rest) generalizes the teacher's PeerSession.Run ctx-driven
// loop (node/p2p_runtime.go) from one peer connection to a whole node's
// set of long-running tasks.
package findagnode

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"findag.dev/core/blockdag"
	"findag.dev/core/fincrypto"
	"findag.dev/core/finality"
	"findag.dev/core/gossip"
	"findag.dev/core/mempool"
	"findag.dev/core/model"
	"findag.dev/core/nodecfg"
	"findag.dev/core/nodeerr"
	"findag.dev/core/producer"
	"findag.dev/core/roundchain"
	"findag.dev/core/store"
	"findag.dev/core/timesource"
	"findag.dev/core/validator"
)

// Node owns every long-lived component for one FinDAG process.
type Node struct {
	cfg nodecfg.Config
	log *logrus.Logger

	Store    *store.Store
	Registry *validator.Registry
	Pool     *mempool.Pool
	DAG      *blockdag.DAG
	TimeSrc  *timesource.Source
	Stream   *finality.Stream

	producer  *producer.Producer
	scheduler *roundchain.Scheduler
}

// New opens the store, seeds/loads the validator registry and constructs
// every component wired to cfg. initialValidators seeds a brand-new store
// (ignored if the store already has validator records persisted).
func New(cfg nodecfg.Config, signer fincrypto.Signer, gw gossip.RoundTransport, initialValidators []validator.Record, log *logrus.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("findagnode: invalid config: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "findag.db"))
	if err != nil {
		return nil, fmt.Errorf("findagnode: open store: %w", err)
	}

	registry, err := validator.NewRegistry(st, initialValidators)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("findagnode: load validator registry: %w", err)
	}

	dag := blockdag.New(registry, blockdag.Config{
		MaxParentsPerBlock: cfg.MaxParentsPerBlock,
		MaxBlockBytes:      cfg.MaxBlockBytes,
		MaxTxsPerBlock:     cfg.MaxTxsPerBlock,
		OrphanBufferLimit:  4096,
	})

	pool := mempool.New(mempool.Config{
		ShardCount:     cfg.MempoolShardCount,
		ByteLimitSoft:  cfg.MempoolByteLimit,
		TTL:            time.Duration(cfg.MempoolTTLMS) * time.Millisecond,
		AssetWhitelist: cfg.AssetWhitelistSet(),
	}, registry)

	ts := timesource.New()
	stream := finality.New(st)

	prod := producer.New(producer.Config{
		BlockIntervalMS:    cfg.BlockIntervalMS,
		MaxTxsPerBlock:     cfg.MaxTxsPerBlock,
		MaxBlockBytes:      cfg.MaxBlockBytes,
		MaxParentsPerBlock: cfg.MaxParentsPerBlock,
	}, pool, dag, ts, signer, gw, log.WithField("node", cfg.BindAddr))

	sched, err := roundchain.New(roundchain.Config{
		RoundIntervalMS:   cfg.RoundIntervalMS,
		RoundTimeoutMS:    cfg.RoundTimeoutMS,
		CommitteeSize:     cfg.CommitteeSize,
		QuorumNumerator:   cfg.QuorumNumerator,
		QuorumDenominator: cfg.QuorumDenominator,
		GCRetainRounds:    cfg.GCRetainRounds,
	}, dag, st, registry, ts, signer, gw, stream, log.WithField("node", cfg.BindAddr))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("findagnode: construct scheduler: %w", err)
	}

	return &Node{
		cfg:       cfg,
		log:       log,
		Store:     st,
		Registry:  registry,
		Pool:      pool,
		DAG:       dag,
		TimeSrc:   ts,
		Stream:    stream,
		producer:  prod,
		scheduler: sched,
	}, nil
}

// SubmitTx is the node's front door for an externally-received
// transaction (from an RPC surface or, in tests, directly).
func (n *Node) SubmitTx(tx *model.Transaction) (mempool.Outcome, error) {
	return n.Pool.Submit(tx)
}

// Close releases the node's store handle. Call after Run's context has
// been canceled and Run has returned.
func (n *Node) Close() error {
	return n.Store.Close()
}

// Run starts the BlockProducer and RoundScheduler tasks and blocks until
// ctx is canceled or one of them returns a fatal error, per spec §7's
// escalation policy: a non-fatal task error is logged and the task
// keeps running; only ctx cancellation or a fatal condition stops Run.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		errs <- n.producer.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		errs <- n.scheduler.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		errs <- n.runMempoolEviction(runCtx)
	}()

	var first error
	for i := 0; i < 3; i++ {
		err := <-errs
		if err != nil && err != context.Canceled && first == nil {
			first = err
			cancel()
		}
	}
	wg.Wait()

	if first != nil && nodeerr.IsFatal(first) {
		n.log.WithError(first).Error("node halted on fatal condition")
		return first
	}
	return first
}

// runMempoolEviction periodically clears TTL-expired transactions from
// the mempool (spec §4.5) so a validator's TTL'd-but-never-produced
// transactions actually leave a live node instead of accumulating until
// ByteLimitSoft backpressure kicks in. Tick cadence is a quarter of the
// configured TTL, matching producer.Run's "derive the loop period from
// the relevant config knob" shape; 250ms is used only when that quarter
// comes to zero (a MempoolTTLMS of zero or less).
func (n *Node) runMempoolEviction(ctx context.Context) error {
	interval := time.Duration(n.cfg.MempoolTTLMS) * time.Millisecond / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Pool.EvictExpired(n.TimeSrc.Now())
		}
	}
}
