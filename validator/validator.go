// Package validator implements the ValidatorRegistry (spec §4.4): the
// authoritative permissioned validator set, mutable only through
// finalized governance transitions, exposed to readers as versioned,
// round-numbered snapshots (spec §3, §5).
package validator

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
)

type Status uint8

const (
	StatusActive Status = iota + 1
	StatusInactive
	StatusSlashed
)

// Record is a ValidatorRecord (spec §3).
type Record struct {
	Address   model.Address
	PublicKey fincrypto.PublicKey
	Status    Status
	Metadata  map[string]string
}

// Transition is one governance-driven status change, applied atomically
// with the round that finalizes it (spec §4.4, §9).
type Transition struct {
	Address model.Address
	Status  Status
}

// Persister is the narrow slice of store.Store the registry needs; kept
// as an interface so validator has no import-cycle on store.
type Persister interface {
	PutValidatorRecord(model.Address, Record) error
	ScanValidatorRecords(func(model.Address, Record) error) error
}

// Registry is exclusively mutable by the RoundScheduler
// (ApplyTransition); all other readers obtain read-only snapshots (spec
// §3, §5). Transitions are idempotent keyed by round number: re-applying
// round N is a no-op (spec §4.4).
type Registry struct {
	mu            sync.RWMutex
	persist       Persister
	byAddress     map[model.Address]Record
	appliedRounds map[uint64]struct{}
}

func NewRegistry(persist Persister, initial []Record) (*Registry, error) {
	r := &Registry{
		persist:       persist,
		byAddress:     make(map[model.Address]Record),
		appliedRounds: make(map[uint64]struct{}),
	}
	if err := persist.ScanValidatorRecords(func(addr model.Address, rec Record) error {
		r.byAddress[addr] = rec
		return nil
	}); err != nil {
		return nil, fmt.Errorf("validator: load registry: %w", err)
	}
	if len(r.byAddress) == 0 {
		for _, rec := range initial {
			r.byAddress[rec.Address] = rec
			if err := persist.PutValidatorRecord(rec.Address, rec); err != nil {
				return nil, fmt.Errorf("validator: seed registry: %w", err)
			}
		}
	}
	return r, nil
}

// ActiveAt returns the ordered set of active validators. The registry has
// no per-round historical view of status (only the round that finalized
// a transition matters for idempotence); round_number is accepted to
// match the spec's named operation and for future extension toward
// point-in-time snapshots, but today reflects the current applied state,
// which is correct because status only ever changes via
// ApplyTransition(N, ...) called while round N is being committed -- by
// the time any caller can observe round N's effects, round N is already
// the latest applied state.
func (r *Registry) ActiveAt(roundNumber uint64) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.byAddress))
	for _, rec := range r.byAddress {
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

func (r *Registry) PublicKeyOf(addr model.Address) (fincrypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byAddress[addr]
	return rec.PublicKey, ok
}

func (r *Registry) RecordOf(addr model.Address) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byAddress[addr]
	return rec, ok
}

// ApplyTransition applies transitions attributed to roundNumber. Only the
// RoundScheduler calls this, and only while holding the RoundChain write
// lock (spec §4.4) -- enforced by convention: Registry itself only
// guarantees idempotence and internal consistency, not caller identity.
func (r *Registry) ApplyTransition(roundNumber uint64, transitions []Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.appliedRounds[roundNumber]; done {
		return nil // idempotent: re-applying round N is a no-op.
	}
	for _, t := range transitions {
		rec, ok := r.byAddress[t.Address]
		if !ok {
			continue
		}
		rec.Status = t.Status
		r.byAddress[t.Address] = rec
		if err := r.persist.PutValidatorRecord(t.Address, rec); err != nil {
			return fmt.Errorf("validator: persist transition: %w", err)
		}
	}
	r.appliedRounds[roundNumber] = struct{}{}
	return nil
}

// Snapshot is a read-only, point-in-time copy safe for concurrent readers
// (spec §5: "ValidatorRegistry is read via versioned snapshots").
type Snapshot struct {
	Round   uint64
	Records []Record
}

func (r *Registry) SnapshotAt(roundNumber uint64) Snapshot {
	return Snapshot{Round: roundNumber, Records: r.ActiveAt(roundNumber)}
}
