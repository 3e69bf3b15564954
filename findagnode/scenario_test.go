package findagnode

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"findag.dev/core/blockdag"
	"findag.dev/core/fincrypto"
	"findag.dev/core/finality"
	"findag.dev/core/gossip"
	"findag.dev/core/gossip/loopback"
	"findag.dev/core/model"
	"findag.dev/core/nodecfg"
	"findag.dev/core/roundchain"
	"findag.dev/core/store"
	"findag.dev/core/timesource"
	"findag.dev/core/validator"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type identity struct {
	addr model.Address
	pub  fincrypto.PublicKey
	sk   fincrypto.PrivateKey
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	pub, sk, err := fincrypto.GenerateKeypair()
	require.NoError(t, err)
	return identity{addr: fincrypto.AddressFromPublicKey(pub), pub: pub, sk: sk}
}

func signedTx(t *testing.T, from identity, to model.Address, amount uint64, asset string, ts *timesource.Source) *model.Transaction {
	t.Helper()
	code, err := model.AssetCodeFromString(asset)
	require.NoError(t, err)
	tx := &model.Transaction{
		From:       from.addr,
		To:         to,
		Amount:     amount,
		Asset:      code,
		FinDAGTime: ts.Now(),
		PublicKey:  from.pub,
	}
	tx.HashTimer = ts.NextHashTimer(fincrypto.SHA256(tx.CanonicalBytes(false)))
	sig := fincrypto.Sign(from.sk, tx.CanonicalBytes(false))
	tx.Signature = [64]byte(sig)
	return tx
}

func openScenarioStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "scenario.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// castVote broadcasts a RoundVote as if identity v had independently
// computed the same round digest and signed it -- standing in for a
// remote committee member's Scheduler without running a second one.
func castVote(t *testing.T, broadcaster *loopback.Peer, number uint64, digest [32]byte, v identity) {
	t.Helper()
	sig := fincrypto.Sign(v.sk, digest[:])
	require.NoError(t, broadcaster.Broadcast(gossip.Message{Kind: gossip.KindVote, Vote: &gossip.RoundVote{
		RoundNumber: number, Digest: digest, Voter: v.addr, Signature: sig,
	}}))
}

// TestScenarioSingleNodeGenesisRound is S1: a single validator submits
// one transaction and expects it settled into round 1, which closes on
// the scheduler's first tick one round interval after Run starts.
func TestScenarioSingleNodeGenesisRound(t *testing.T) {
	v1 := newIdentity(t)
	a2 := newIdentity(t)

	cfg := nodecfg.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.BlockIntervalMS = 10
	cfg.RoundIntervalMS = 100
	cfg.RoundTimeoutMS = 80
	cfg.CommitteeSize = 1
	cfg.AssetWhitelist = []string{"USD"}

	net := loopback.NewNetwork()
	peer := net.NewPeer(64)
	n, err := New(cfg, fincrypto.NewSigner(v1.sk), peer, []validator.Record{
		{Address: v1.addr, PublicKey: v1.pub, Status: validator.StatusActive},
	}, quietLogger())
	require.NoError(t, err)
	defer n.Close()

	tx := signedTx(t, v1, a2.addr, 100, "USD", n.TimeSrc)
	outcome, err := n.SubmitTx(tx)
	require.NoError(t, err)
	require.Equal(t, "Admitted", string(outcome))

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok, err := n.Store.LatestRound()
		return err == nil && ok
	}, 500*time.Millisecond, 5*time.Millisecond, "round 1 should close on the first round tick")

	latest, ok, err := n.Store.LatestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), latest)

	r, found, err := n.Store.GetRound(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, r.FinalizedBlocks, 1)

	b, found, err := n.Store.GetBlock(r.FinalizedBlocks[0])
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, b.Transactions, 1)
	require.Equal(t, v1.addr, b.Transactions[0].From)

	cancel()
	<-done
}

// TestScenarioQuorumFourteenOfTwenty is S2: a 20-validator, committee_size
// 20 round needs exactly 14 signatures to finalize; 13 is not enough.
func TestScenarioQuorumFourteenOfTwenty(t *testing.T) {
	require.Equal(t, 14, roundchain.QuorumThreshold(20))

	idents := make([]identity, 20)
	initial := make([]validator.Record, 20)
	for i := range idents {
		idents[i] = newIdentity(t)
		initial[i] = validator.Record{Address: idents[i].addr, PublicKey: idents[i].pub, Status: validator.StatusActive}
	}

	run := func(t *testing.T, externalVotes int, roundTimeoutMS int) (st *store.Store, finalized bool) {
		st = openScenarioStore(t)
		registry, err := validator.NewRegistry(st, initial)
		require.NoError(t, err)
		dag := blockdag.New(registry, blockdag.DefaultConfig())
		ts := timesource.New()
		net := loopback.NewNetwork()
		selfPeer := net.NewPeer(64)
		broadcaster := net.NewPeer(64)
		stream := finality.New(st)

		self := idents[0]
		active := registry.ActiveAt(1)
		var previous [32]byte
		committee := roundchain.SelectCommittee(1, previous, active, 20)
		require.Len(t, committee, 20)
		digest := roundchain.RoundDigest(1, previous, nil, committee)

		for _, v := range idents[1 : 1+externalVotes] {
			castVote(t, broadcaster, 1, digest, v)
		}

		cfg := roundchain.Config{RoundIntervalMS: 150, RoundTimeoutMS: roundTimeoutMS, CommitteeSize: 20}
		sched, err := roundchain.New(cfg, dag, st, registry, ts, fincrypto.NewSigner(self.sk), selfPeer, stream, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
		defer cancel()
		_ = sched.Run(ctx)

		_, ok, err := st.LatestRound()
		require.NoError(t, err)
		return st, ok
	}

	t.Run("13 external votes plus self reaches 14 and finalizes", func(t *testing.T) {
		st, ok := run(t, 13, 60)
		require.True(t, ok, "14-of-20 must finalize round 1")
		r, found, err := st.GetRound(1)
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, r.Committee, 20)
		require.GreaterOrEqual(t, len(r.QuorumSignatures), 14)
	})

	t.Run("12 external votes plus self stays at 13 and never finalizes", func(t *testing.T) {
		_, ok := run(t, 12, 60)
		require.False(t, ok, "13-of-20 must not satisfy the 14 quorum threshold")
	})
}

// TestScenarioDeterministicCommitteeAcrossNodes is S3: every node
// computes the identical ordered committee from the same (round_number,
// previous_round.id, validator_set) inputs.
func TestScenarioDeterministicCommitteeAcrossNodes(t *testing.T) {
	validators := make([]validator.Record, 50)
	for i := range validators {
		var addr model.Address
		addr[0] = byte(i + 1)
		addr[1] = byte((i + 1) >> 8)
		validators[i] = validator.Record{Address: addr, Status: validator.StatusActive}
	}
	var previous [32]byte
	copy(previous[:], []byte{0xAB, 0xCD})

	a := roundchain.SelectCommittee(42, previous, validators, 20)
	b := roundchain.SelectCommittee(42, previous, validators, 20)
	require.Equal(t, a, b, "every node computing SelectCommittee from identical inputs must agree")
}

// TestScenarioRestartResumesAtNextRound is S4's restart check: a
// RoundScheduler restarted against the same store/registry after round 1
// committed resumes at the next round number with no duplicate or
// skipped round. No partially collected round is in flight at the restart.
func TestScenarioRestartResumesAtNextRound(t *testing.T) {
	st := openScenarioStore(t)
	self := newIdentity(t)
	initial := []validator.Record{{Address: self.addr, PublicKey: self.pub, Status: validator.StatusActive}}
	registry, err := validator.NewRegistry(st, initial)
	require.NoError(t, err)

	dag := blockdag.New(registry, blockdag.DefaultConfig())
	ts := timesource.New()
	net := loopback.NewNetwork()
	peer := net.NewPeer(16)
	stream := finality.New(st)

	cfg := roundchain.Config{RoundIntervalMS: 100, RoundTimeoutMS: 60, CommitteeSize: 1}
	schedA, err := roundchain.New(cfg, dag, st, registry, ts, fincrypto.NewSigner(self.sk), peer, stream, nil)
	require.NoError(t, err)

	// Only wide enough for one tick: the first tick at 100ms finalizes
	// round 1 (committee_size=1, self-quorum), and the context expires at
	// 150ms, before a second tick at 200ms could finalize round 2 too.
	ctxA, cancelA := context.WithTimeout(context.Background(), 150*time.Millisecond)
	_ = schedA.Run(ctxA)
	cancelA()

	latest, ok, err := st.LatestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), latest)
	round1, found, err := st.GetRound(1)
	require.NoError(t, err)
	require.True(t, found)

	// "Crash": schedA is discarded; a fresh Scheduler against the same
	// store/registry, as a restarted process would construct, must
	// resume at round 2 rather than re-deriving round 1.
	schedB, err := roundchain.New(cfg, dag, st, registry, ts, fincrypto.NewSigner(self.sk), peer, stream, nil)
	require.NoError(t, err)

	ctxB, cancelB := context.WithTimeout(context.Background(), 150*time.Millisecond)
	_ = schedB.Run(ctxB)
	cancelB()

	latest2, ok, err := st.LatestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), latest2, "restart must not re-finalize round 1 or skip a round number")

	round2, found, err := st.GetRound(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, round1.Digest, round2.PreviousRound)
}

// TestScenarioConflictingBlocksSettlementOrder is S5: two validators'
// blocks with the same (empty) parent set and disjoint transactions both
// enter the BlockDAG, and the next round finalizes both, ordered
// canonically by (findag_time, hashtimer, id).
func TestScenarioConflictingBlocksSettlementOrder(t *testing.T) {
	st := openScenarioStore(t)
	v1 := newIdentity(t)
	v2 := newIdentity(t)
	initial := []validator.Record{
		{Address: v1.addr, PublicKey: v1.pub, Status: validator.StatusActive},
		{Address: v2.addr, PublicKey: v2.pub, Status: validator.StatusActive},
	}
	registry, err := validator.NewRegistry(st, initial)
	require.NoError(t, err)

	dag := blockdag.New(registry, blockdag.DefaultConfig())
	ts := timesource.New()

	blockX := buildScenarioBlock(t, v1, ts, nil)
	blockY := buildScenarioBlock(t, v2, ts, nil)
	_, err = dag.Insert(blockX)
	require.NoError(t, err)
	_, err = dag.Insert(blockY)
	require.NoError(t, err)

	net := loopback.NewNetwork()
	selfPeer := net.NewPeer(16)
	broadcaster := net.NewPeer(16)
	stream := finality.New(st)

	active := registry.ActiveAt(1)
	var previous [32]byte
	committee := roundchain.SelectCommittee(1, previous, active, 2)
	require.Len(t, committee, 2)

	cfg := roundchain.Config{RoundIntervalMS: 150, RoundTimeoutMS: 100, CommitteeSize: 2}
	sched, err := roundchain.New(cfg, dag, st, registry, ts, fincrypto.NewSigner(v1.sk), selfPeer, stream, nil)
	require.NoError(t, err)

	// Self signs with v1's key; v2's vote over the digest the scheduler
	// itself will independently compute (order-independent: DigestBytes
	// re-sorts candidate blocks by id) is seeded directly, standing in
	// for v2's own Scheduler.
	digest := roundchain.RoundDigest(1, previous, []model.BlockID{blockX.ID, blockY.ID}, committee)
	castVote(t, broadcaster, 1, digest, v2)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	r, found, err := st.GetRound(1)
	require.NoError(t, err)
	require.True(t, found, "round 1 should finalize with both blocks")
	require.Len(t, r.FinalizedBlocks, 2)

	byID := map[model.BlockID]*model.Block{blockX.ID: blockX, blockY.ID: blockY}
	bx, by := byID[r.FinalizedBlocks[0]], byID[r.FinalizedBlocks[1]]
	require.NotNil(t, bx)
	require.NotNil(t, by)
	if bx.ProducedAt != by.ProducedAt {
		require.True(t, bx.ProducedAt < by.ProducedAt)
	} else if bx.HashTimer != by.HashTimer {
		require.True(t, bx.HashTimer.Less(by.HashTimer))
	} else {
		require.True(t, bx.ID.Less(by.ID))
	}
}

// TestScenarioSkipWhenEmpty is S6: with no submitted transactions, the
// RoundChain still advances at cadence with empty finalized_blocks sets.
func TestScenarioSkipWhenEmpty(t *testing.T) {
	st := openScenarioStore(t)
	self := newIdentity(t)
	initial := []validator.Record{{Address: self.addr, PublicKey: self.pub, Status: validator.StatusActive}}
	registry, err := validator.NewRegistry(st, initial)
	require.NoError(t, err)

	dag := blockdag.New(registry, blockdag.DefaultConfig())
	ts := timesource.New()
	net := loopback.NewNetwork()
	peer := net.NewPeer(16)
	stream := finality.New(st)

	cfg := roundchain.Config{RoundIntervalMS: 80, RoundTimeoutMS: 60, CommitteeSize: 1}
	sched, err := roundchain.New(cfg, dag, st, registry, ts, fincrypto.NewSigner(self.sk), peer, stream, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	r1, found, err := st.GetRound(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, r1.FinalizedBlocks)

	r2, found, err := st.GetRound(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, r2.FinalizedBlocks)
	require.Equal(t, r1.Digest, r2.PreviousRound)
}

func buildScenarioBlock(t *testing.T, producer identity, ts *timesource.Source, parents []model.BlockID) *model.Block {
	t.Helper()
	producedAt := ts.Now()
	merkleRoot := fincrypto.MerkleRoot(nil)
	contentHash := fincrypto.SHA256(append(append([]byte{}, merkleRoot[:]...), producer.pub[:]...))
	b := &model.Block{
		Parents:    parents,
		Producer:   producer.addr,
		ProducedAt: producedAt,
		HashTimer:  timesource.MakeHashTimer(producedAt, contentHash, 0),
		MerkleRoot: merkleRoot,
		PublicKey:  producer.pub,
	}
	sig := fincrypto.Sign(producer.sk, b.HeaderBytes())
	b.Signature = [64]byte(sig)
	b.ID = fincrypto.SHA256(b.HeaderBytes())
	return b
}
