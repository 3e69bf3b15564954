// Package store is the bbolt-backed persistence layer for blocks, rounds
// and validator records (spec §4.3, §4.8). Bucket layout and the
// Open/Update/View shape are grounded on the teacher's node/store/db.go;
// the round-commit atomicity requirement (spec §4.3: block, round and
// validator-status writes finalize together or not at all) is new and
// implemented as a single bbolt transaction.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"findag.dev/core/model"
	"findag.dev/core/nodeerr"
	"findag.dev/core/validator"
)

var (
	bucketBlocks     = []byte("blocks_by_id")
	bucketRounds     = []byte("rounds_by_number")
	bucketValidators = []byte("validators_by_address")
	bucketMeta       = []byte("meta")
)

var metaKeyLatestRound = []byte("latest_round")

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	s := &Store{db: bdb}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocks, bucketRounds, bucketValidators, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutBlock writes a single block (spec §4.6: BlockDAG persistence of
// admitted, not-yet-finalized blocks as well as finalized ones).
func (s *Store) PutBlock(b *model.Block) error {
	raw, err := encodeBlock(b)
	if err != nil {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, err.Error())
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(b.ID[:], raw)
	})
	if err != nil {
		return nodeerr.NewTransient(nodeerr.StoreErrRetryable, err.Error(), 1)
	}
	return nil
}

func (s *Store) GetBlock(id [32]byte) (*model.Block, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(id[:])
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, nodeerr.NewTransient(nodeerr.StoreErrRetryable, err.Error(), 1)
	}
	if raw == nil {
		return nil, false, nil
	}
	b, err := decodeBlock(raw)
	if err != nil {
		return nil, false, nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, err.Error())
	}
	return b, true, nil
}

// ScanBlocksByPrefix iterates blocks whose ID begins with prefix, in key
// order; fn returning an error stops the scan and propagates the error.
func (s *Store) ScanBlocksByPrefix(prefix []byte, fn func(id [32]byte, b *model.Block) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := seekPrefix(c, prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			b, err := decodeBlock(v)
			if err != nil {
				return nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, err.Error())
			}
			var id [32]byte
			copy(id[:], k)
			if err := fn(id, b); err != nil {
				return err
			}
		}
		return nil
	})
}

func seekPrefix(c *bolt.Cursor, prefix []byte) (k, v []byte) {
	if len(prefix) == 0 {
		return c.First()
	}
	return c.Seek(prefix)
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func roundKey(number uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], number)
	return b[:]
}

func (s *Store) GetRound(number uint64) (*model.Round, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRounds).Get(roundKey(number))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, nodeerr.NewTransient(nodeerr.StoreErrRetryable, err.Error(), 1)
	}
	if raw == nil {
		return nil, false, nil
	}
	r, err := decodeRound(raw)
	if err != nil {
		return nil, false, nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, err.Error())
	}
	return r, true, nil
}

func (s *Store) LatestRound() (uint64, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(metaKeyLatestRound)
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return 0, false, nodeerr.NewTransient(nodeerr.StoreErrRetryable, err.Error(), 1)
	}
	if raw == nil {
		return 0, false, nil
	}
	if len(raw) != 8 {
		return 0, false, nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, "latest_round: bad length")
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// CompareAndSwapLatestRound is the crash-safety primitive spec §4.3
// requires: the pointer only ever advances from the value the caller
// observed, inside the same transaction family CommitRound uses.
func (s *Store) CompareAndSwapLatestRound(expect uint64, set uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return casLatestRoundLocked(tx, expect, set)
	})
}

func casLatestRoundLocked(tx *bolt.Tx, expect uint64, set uint64) error {
	b := tx.Bucket(bucketMeta)
	cur := b.Get(metaKeyLatestRound)
	var curVal uint64
	haveCur := cur != nil
	if haveCur {
		if len(cur) != 8 {
			return nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, "latest_round: bad length")
		}
		curVal = binary.BigEndian.Uint64(cur)
	}
	if (haveCur && curVal != expect) || (!haveCur && expect != 0) {
		return nodeerr.NewTransient(nodeerr.StoreErrRetryable, fmt.Sprintf("latest_round CAS mismatch: have %d want %d", curVal, expect), 1)
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], set)
	return b.Put(metaKeyLatestRound, next[:])
}

// CommitRound atomically writes the finalized round, advances
// latest_round via CAS, and applies any validator-status transitions the
// round's governance transactions produced -- the single-batch
// requirement of spec §4.3/§4.8.
func (s *Store) CommitRound(r *model.Round, validatorTransitions []validator.Transition, validators map[model.Address]validator.Record) error {
	raw, err := encodeRound(r)
	if err != nil {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, err.Error())
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRounds).Put(roundKey(r.Number), raw); err != nil {
			return err
		}
		var expect uint64
		if r.Number > 0 {
			expect = r.Number - 1
		}
		if err := casLatestRoundLocked(tx, expect, r.Number); err != nil {
			return err
		}
		vb := tx.Bucket(bucketValidators)
		for _, t := range validatorTransitions {
			rec, ok := validators[t.Address]
			if !ok {
				continue
			}
			rec.Status = t.Status
			vraw, err := encodeValidator(t.Address, rec)
			if err != nil {
				return err
			}
			if err := vb.Put(t.Address[:], vraw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if nodeerr.IsFatal(err) {
			return err
		}
		return nodeerr.NewFatal(nodeerr.StoreErrFatalWrite, err.Error())
	}
	return nil
}

func (s *Store) PutValidatorRecord(addr model.Address, rec validator.Record) error {
	raw, err := encodeValidator(addr, rec)
	if err != nil {
		return nodeerr.NewValidation(nodeerr.BlockDAGErrInvalid, err.Error())
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValidators).Put(addr[:], raw)
	})
	if err != nil {
		return nodeerr.NewTransient(nodeerr.StoreErrRetryable, err.Error(), 1)
	}
	return nil
}

func (s *Store) GetValidator(addr model.Address) (validator.Record, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketValidators).Get(addr[:])
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return validator.Record{}, false, nodeerr.NewTransient(nodeerr.StoreErrRetryable, err.Error(), 1)
	}
	if raw == nil {
		return validator.Record{}, false, nil
	}
	_, rec, err := decodeValidator(raw)
	if err != nil {
		return validator.Record{}, false, nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, err.Error())
	}
	return rec, true, nil
}

// ScanValidatorRecords satisfies validator.Persister, used by
// validator.NewRegistry to rebuild the in-memory set on startup.
func (s *Store) ScanValidatorRecords(fn func(model.Address, validator.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketValidators).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			addr, rec, err := decodeValidator(v)
			if err != nil {
				return nodeerr.NewFatal(nodeerr.StoreErrCorruptedRound, err.Error())
			}
			if err := fn(addr, rec); err != nil {
				return err
			}
		}
		return nil
	})
}
