// Package roundchain implements the RoundScheduler (spec §4.8): the
// single-task owner that turns a BlockDAG candidate set into a signed,
// quorum-finalized Round every round interval. State machine shape
// (sample timer, assemble work, apply, emit, loop) generalizes the
// teacher's Miner.MineOne loop (node/miner.go) from solo proof-of-work
// mining to committee-signed rounds; CAS-guarded persistence is handed
// off to store.CommitRound.
package roundchain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"findag.dev/core/blockdag"
	"findag.dev/core/fincrypto"
	"findag.dev/core/finality"
	"findag.dev/core/gossip"
	"findag.dev/core/model"
	"findag.dev/core/nodeerr"
	"findag.dev/core/store"
	"findag.dev/core/timesource"
	"findag.dev/core/validator"
)

type Config struct {
	RoundIntervalMS   int
	RoundTimeoutMS    int
	CommitteeSize     int
	QuorumNumerator   int // 0 falls back to the 2/3 default
	QuorumDenominator int
	// GCRetainRounds is the retention window (spec §3, §4.6) a finalized
	// block stays readable through the in-memory DAG after its round
	// closes; 0 prunes a block as soon as its own round finalizes.
	GCRetainRounds uint64
}

// Scheduler is the sole writer of RoundChain state and the sole caller of
// Registry.ApplyTransition (spec §4.4, §4.8): exactly one goroutine drives
// Run, so the round-progress fields below need no lock of their own. Only
// the votes map is touched from the separate vote-ingestion goroutine and
// is guarded by votesMu.
type Scheduler struct {
	cfg      Config
	dag      *blockdag.DAG
	store    *store.Store
	registry *validator.Registry
	ts       *timesource.Source
	signer   fincrypto.Signer
	gw       gossip.RoundTransport
	stream   *finality.Stream
	log      *logrus.Entry

	number        uint64
	previousRound [32]byte

	votesMu sync.Mutex
	votes   map[roundDigestKey]map[model.Address][64]byte
}

type roundDigestKey struct {
	number uint64
	digest [32]byte
}

func New(cfg Config, dag *blockdag.DAG, st *store.Store, registry *validator.Registry, ts *timesource.Source, signer fincrypto.Signer, gw gossip.RoundTransport, stream *finality.Stream, log *logrus.Entry) (*Scheduler, error) {
	if dag == nil || st == nil || registry == nil || ts == nil || signer == nil || gw == nil || stream == nil {
		return nil, fmt.Errorf("roundchain: all collaborators are required")
	}
	if cfg.CommitteeSize <= 0 {
		return nil, fmt.Errorf("roundchain: committee size must be > 0")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		cfg:      cfg,
		dag:      dag,
		store:    st,
		registry: registry,
		ts:       ts,
		signer:   signer,
		gw:       gw,
		stream:   stream,
		log:      log.WithField("component", "roundchain"),
		votes:    make(map[roundDigestKey]map[model.Address][64]byte),
	}

	latest, ok, err := st.LatestRound()
	if err != nil {
		return nil, fmt.Errorf("roundchain: load latest_round: %w", err)
	}
	if ok {
		r, found, err := st.GetRound(latest)
		if err != nil {
			return nil, fmt.Errorf("roundchain: load round %d: %w", latest, err)
		}
		if !found {
			return nil, nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, fmt.Sprintf("latest_round points at missing round %d", latest))
		}
		s.number = latest + 1
		s.previousRound = r.Digest
	} else {
		s.number = 1
	}
	return s, nil
}

// Run drives the RoundScheduler state machine until ctx is canceled or a
// RoundStuck fallback timeout occurs (spec §4.8). Exactly one caller may
// run this per Scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.ingestVotes(ctx)

	interval := time.Duration(s.cfg.RoundIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.runOneRound(ctx); err != nil {
				if nodeerr.IsFatal(err) {
					s.log.WithError(err).Error("round scheduler stuck, halting")
					return err
				}
				s.log.WithError(err).Warn("round did not finalize this tick")
			}
		}
	}
}

// runOneRound executes Idle->Assembling->Signing->Collecting once, with
// the widened-committee fallback on timeout (spec §4.8).
func (s *Scheduler) runOneRound(ctx context.Context) error {
	number := s.number
	previous := s.previousRound

	active := s.registry.ActiveAt(number)
	candidateSet := s.dag.DescendantsOf(nil)
	candidateIDs := make([]model.BlockID, 0, len(candidateSet))
	for id := range candidateSet {
		candidateIDs = append(candidateIDs, id)
	}
	candidateIDs = s.sortBySettlementOrder(candidateIDs)

	committee := SelectCommittee(number, previous, active, s.cfg.CommitteeSize)
	deadline := time.Duration(s.cfg.RoundTimeoutMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 4 * time.Duration(s.cfg.RoundIntervalMS) * time.Millisecond
	}

	round, err := s.assembleSignCollect(ctx, number, previous, candidateIDs, committee, deadline)
	if err == nil {
		return s.finalize(round)
	}
	if !isTimeout(err) {
		return err
	}

	s.log.WithField("round", number).Warn("round timed out, widening committee to full active set")
	widened := SelectCommittee(number, previous, active, len(active))
	round, err = s.assembleSignCollect(ctx, number, previous, candidateIDs, widened, deadline)
	if err == nil {
		return s.finalize(round)
	}
	if isTimeout(err) {
		return nodeerr.NewRoundLiveness(nodeerr.RoundStuck, number, "fallback round also timed out, operator intervention required")
	}
	return err
}

// sortBySettlementOrder orders candidate blocks by (FinDAGTime, HashTimer,
// id), the canonical intra-round order spec §4.8 exports to the Finality
// Stream. model.Round.DigestBytes re-sorts by id alone for a stable
// digest input, so this ordering only affects the persisted/streamed
// FinalizedBlocks slice, not the round digest.
func (s *Scheduler) sortBySettlementOrder(ids []model.BlockID) []model.BlockID {
	type entry struct {
		id model.BlockID
		b  *model.Block
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		b, ok, err := s.dag.GetBlock(id)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, entry{id: id, b: b})
	}
	sort.Slice(entries, func(i, j int) bool {
		bi, bj := entries[i].b, entries[j].b
		if bi.ProducedAt != bj.ProducedAt {
			return bi.ProducedAt < bj.ProducedAt
		}
		if bi.HashTimer != bj.HashTimer {
			return bi.HashTimer.Less(bj.HashTimer)
		}
		return bi.ID.Less(bj.ID)
	})
	out := make([]model.BlockID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

type timeoutError struct{ round uint64 }

func (e *timeoutError) Error() string { return fmt.Sprintf("roundchain: round %d collection timed out", e.round) }

func isTimeout(err error) bool {
	_, ok := err.(*timeoutError)
	return ok
}

// assembleSignCollect computes the round digest, signs and broadcasts a
// vote if we are in committee, then waits for quorum or deadline.
func (s *Scheduler) assembleSignCollect(ctx context.Context, number uint64, previous [32]byte, candidateIDs []model.BlockID, committee []validator.Record, deadline time.Duration) (*model.Round, error) {
	digest := RoundDigest(number, previous, candidateIDs, committee)
	key := roundDigestKey{number: number, digest: digest}

	self := fincrypto.AddressFromPublicKey(s.signer.PublicKey())
	inCommittee := false
	for _, m := range committee {
		if m.Address == self {
			inCommittee = true
			break
		}
	}
	if inCommittee {
		sig := s.signer.Sign(digest[:])
		s.recordVote(key, self, sig)
		if err := s.gw.Broadcast(gossip.Message{Kind: gossip.KindVote, Vote: &gossip.RoundVote{
			RoundNumber: number, Digest: digest, Voter: self, Signature: sig,
		}}); err != nil {
			s.log.WithError(err).Warn("failed to broadcast round vote")
		}
	}

	threshold := QuorumThresholdFraction(len(committee), s.cfg.QuorumNumerator, s.cfg.QuorumDenominator)
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.countVotes(key) >= threshold {
			return s.buildRound(number, previous, candidateIDs, committee, digest, key), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, &timeoutError{round: number}
		case <-ticker.C:
			// re-check vote count on next loop iteration
		}
	}
}

func (s *Scheduler) buildRound(number uint64, previous [32]byte, candidateIDs []model.BlockID, committee []validator.Record, digest [32]byte, key roundDigestKey) *model.Round {
	committeeAddrs := make([]model.Address, len(committee))
	for i, m := range committee {
		committeeAddrs[i] = m.Address
	}
	r := &model.Round{
		Number:           number,
		PreviousRound:    previous,
		Committee:        committeeAddrs,
		FinalizedBlocks:  candidateIDs,
		QuorumSignatures: s.copyVotes(key),
		ClosedAt:         s.ts.Now(),
		Digest:           digest,
	}
	r.HashTimer = s.ts.NextHashTimer(r.Digest)
	return r
}

// finalize persists the round, applies governance transitions, publishes
// to the Finality Stream and advances local round-chain state (spec
// §4.8, §4.10).
func (s *Scheduler) finalize(r *model.Round) error {
	transitions, touched := s.extractGovernanceTransitions(r)

	if err := s.store.CommitRound(r, transitions, touched); err != nil {
		return err
	}
	if err := s.registry.ApplyTransition(r.Number, transitions); err != nil {
		return fmt.Errorf("roundchain: apply transitions for round %d: %w", r.Number, err)
	}
	s.dag.MarkFinalized(r.Number, r.FinalizedBlocks)
	s.dag.GC(s.cfg.GCRetainRounds, r.Number)
	if err := s.stream.Publish(r); err != nil {
		return fmt.Errorf("roundchain: publish round %d: %w", r.Number, err)
	}

	s.number = r.Number + 1
	s.previousRound = r.Digest
	s.forgetVotesBefore(r.Number)
	s.log.WithField("round", r.Number).WithField("blocks", len(r.FinalizedBlocks)).Info("round finalized")
	return nil
}

// extractGovernanceTransitions scans every finalized block's transactions
// for a tagged GovernanceTx payload (SPEC_FULL §6 supplement) and returns
// the transitions plus the pre-transition records the atomic store commit
// needs to compute post-transition records.
func (s *Scheduler) extractGovernanceTransitions(r *model.Round) ([]validator.Transition, map[model.Address]validator.Record) {
	var transitions []validator.Transition
	touched := make(map[model.Address]validator.Record)
	for _, id := range r.FinalizedBlocks {
		b, ok, err := s.dag.GetBlock(id)
		if err != nil || !ok {
			continue
		}
		for _, tx := range b.Transactions {
			gov, ok := model.DecodeGovernanceTx(tx.Payload)
			if !ok {
				continue
			}
			status, ok := governanceStatus(gov.Kind)
			if !ok {
				continue
			}
			if rec, found := s.registry.RecordOf(gov.Target); found {
				touched[gov.Target] = rec
				transitions = append(transitions, validator.Transition{Address: gov.Target, Status: status})
			}
		}
	}
	return transitions, touched
}

func governanceStatus(kind model.GovernanceKind) (validator.Status, bool) {
	switch kind {
	case model.GovernanceActivate:
		return validator.StatusActive, true
	case model.GovernanceDeactivate:
		return validator.StatusInactive, true
	case model.GovernanceSlash:
		return validator.StatusSlashed, true
	default:
		return 0, false
	}
}

func (s *Scheduler) recordVote(key roundDigestKey, voter model.Address, sig fincrypto.Signature) {
	s.votesMu.Lock()
	defer s.votesMu.Unlock()
	m, ok := s.votes[key]
	if !ok {
		m = make(map[model.Address][64]byte)
		s.votes[key] = m
	}
	m[voter] = [64]byte(sig)
}

func (s *Scheduler) countVotes(key roundDigestKey) int {
	s.votesMu.Lock()
	defer s.votesMu.Unlock()
	return len(s.votes[key])
}

func (s *Scheduler) copyVotes(key roundDigestKey) map[model.Address][64]byte {
	s.votesMu.Lock()
	defer s.votesMu.Unlock()
	out := make(map[model.Address][64]byte, len(s.votes[key]))
	for k, v := range s.votes[key] {
		out[k] = v
	}
	return out
}

func (s *Scheduler) forgetVotesBefore(number uint64) {
	s.votesMu.Lock()
	defer s.votesMu.Unlock()
	for k := range s.votes {
		if k.number <= number {
			delete(s.votes, k)
		}
	}
}

// ingestVotes reads RoundVotes off gossip, verifies each against the
// voter's registered public key and records it for the round/digest it
// names. Votes for a digest the local node has not itself computed for
// that round are still recorded (possible evidence of a forked
// committee view); they simply never reach quorum locally unless the
// local digest matches (spec §4.8 "conflicting digests").
func (s *Scheduler) ingestVotes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.gw.Messages():
			if !ok {
				return
			}
			if msg.Kind != gossip.KindVote || msg.Vote == nil {
				continue
			}
			v := msg.Vote
			pub, found := s.registry.PublicKeyOf(v.Voter)
			if !found {
				continue
			}
			if !fincrypto.Verify(pub, v.Digest[:], fincrypto.Signature(v.Signature)) {
				s.log.WithField("voter", v.Voter).Warn("dropped round vote with invalid signature")
				continue
			}
			s.recordVote(roundDigestKey{number: v.RoundNumber, digest: v.Digest}, v.Voter, v.Signature)
		}
	}
}
