package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
	"findag.dev/core/validator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "findag.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleBlock(t *testing.T) *model.Block {
	t.Helper()
	pub, sk, err := fincrypto.GenerateKeypair()
	require.NoError(t, err)
	tx := &model.Transaction{
		Amount:  10,
		PublicKey: pub,
	}
	tx.Asset, err = model.AssetCodeFromString("USD")
	require.NoError(t, err)
	sig := fincrypto.Sign(sk, tx.CanonicalBytes(false))
	tx.Signature = [64]byte(sig)
	b := &model.Block{
		Transactions: []*model.Transaction{tx},
		PublicKey:    pub,
	}
	b.MerkleRoot = fincrypto.MerkleRoot([][32]byte{fincrypto.SHA256(tx.CanonicalBytes(true))})
	b.ID = fincrypto.SHA256(b.HeaderBytes())
	return b
}

func TestPutGetBlockRoundTrip(t *testing.T) {
	s := openTestStore(t)
	b := sampleBlock(t)
	require.NoError(t, s.PutBlock(b))
	got, ok, err := s.GetBlock(b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, got.ID)
	require.Equal(t, b.Transactions[0].Amount, got.Transactions[0].Amount)
}

func TestGetBlockMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetBlock([32]byte{1, 2, 3})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLatestRoundCAS(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LatestRound()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.CompareAndSwapLatestRound(0, 1))
	n, ok, err := s.LatestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), n)

	err = s.CompareAndSwapLatestRound(0, 2)
	require.Error(t, err)

	require.NoError(t, s.CompareAndSwapLatestRound(1, 2))
}

func TestCommitRoundAppliesValidatorTransitions(t *testing.T) {
	s := openTestStore(t)
	pub, _, err := fincrypto.GenerateKeypair()
	require.NoError(t, err)
	addr := fincrypto.AddressFromPublicKey(pub)
	rec := validator.Record{Address: addr, PublicKey: pub, Status: validator.StatusActive}
	require.NoError(t, s.PutValidatorRecord(addr, rec))

	r := &model.Round{Number: 1, Committee: []model.Address{addr}}
	r.Digest = fincrypto.SHA256(r.DigestBytes())
	transitions := []validator.Transition{{Address: addr, Status: validator.StatusInactive}}
	require.NoError(t, s.CommitRound(r, transitions, map[model.Address]validator.Record{addr: rec}))

	got, ok, err := s.GetRound(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Number)

	updated, ok, err := s.GetValidator(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, validator.StatusInactive, updated.Status)

	latest, ok, err := s.LatestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), latest)
}

func TestScanBlocksByPrefix(t *testing.T) {
	s := openTestStore(t)
	b := sampleBlock(t)
	require.NoError(t, s.PutBlock(b))

	var found int
	err := s.ScanBlocksByPrefix(b.ID[:1], func(id [32]byte, got *model.Block) error {
		found++
		require.Equal(t, b.ID, id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, found)
}
