package blockdag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
)

func signedBlock(t *testing.T, parents []model.BlockID, seed byte) *model.Block {
	t.Helper()
	pub, sk, err := fincrypto.GenerateKeypair()
	require.NoError(t, err)
	b := &model.Block{
		Parents:    parents,
		Producer:   fincrypto.AddressFromPublicKey(pub),
		ProducedAt: model.FinDAGTime(seed),
		PublicKey:  pub,
	}
	b.HashTimer = model.HashTimer{Tick: model.FinDAGTime(seed), ContentHash: fincrypto.SHA256([]byte{seed})}
	b.MerkleRoot = fincrypto.MerkleRoot(nil)
	b.ID = fincrypto.SHA256(b.HeaderBytes())
	sig := fincrypto.Sign(sk, b.HeaderBytes())
	b.Signature = [64]byte(sig)
	return b
}

func TestInsertGenesisBlockBecomesTip(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	res, err := d.Insert(b)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)
	require.Equal(t, []model.BlockID{b.ID}, d.Tips())
}

func TestInsertKnownBlockIsIdempotent(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	_, err := d.Insert(b)
	require.NoError(t, err)
	res, err := d.Insert(b)
	require.NoError(t, err)
	require.Equal(t, Known, res)
}

func TestInsertBuffersOrphanUntilParentArrives(t *testing.T) {
	d := New(nil, DefaultConfig())
	parent := signedBlock(t, nil, 1)
	child := signedBlock(t, []model.BlockID{parent.ID}, 2)

	res, err := d.Insert(child)
	require.NoError(t, err)
	require.Equal(t, MissingParents, res)
	require.Empty(t, d.Tips())

	res, err = d.Insert(parent)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)
	require.ElementsMatch(t, []model.BlockID{child.ID}, d.Tips())
}

func TestInsertRejectsBadSignature(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	b.Signature[0] ^= 0xFF
	res, err := d.Insert(b)
	require.Error(t, err)
	require.Equal(t, Invalid, res)
}

func TestInsertRejectsMerkleMismatch(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	b.MerkleRoot[0] ^= 0xFF
	res, err := d.Insert(b)
	require.Error(t, err)
	require.Equal(t, Invalid, res)
}

func TestDescendantsOfExcludesFinalizedBoundary(t *testing.T) {
	d := New(nil, DefaultConfig())
	root := signedBlock(t, nil, 1)
	child := signedBlock(t, []model.BlockID{root.ID}, 2)
	_, err := d.Insert(root)
	require.NoError(t, err)
	_, err = d.Insert(child)
	require.NoError(t, err)

	boundary := map[model.BlockID]struct{}{root.ID: {}}
	desc := d.DescendantsOf(boundary)
	require.Contains(t, desc, child.ID)
	require.NotContains(t, desc, root.ID)
}

func TestMarkFinalizedKeepsBlockReadableUntilGC(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	_, err := d.Insert(b)
	require.NoError(t, err)

	d.MarkFinalized(1, []model.BlockID{b.ID})

	got, ok, err := d.GetBlock(b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, got.ID)

	// Finalized with no children: no longer a tip, but not yet pruned.
	require.Empty(t, d.Tips())
}

func TestGCPrunesOnlyPastRetentionWindow(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	_, err := d.Insert(b)
	require.NoError(t, err)
	d.MarkFinalized(1, []model.BlockID{b.ID})

	// Still within the retention window: not pruned yet.
	d.GC(10, 5)
	_, ok, err := d.GetBlock(b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Past the retention window: pruned.
	d.GC(2, 4)
	_, ok, err = d.GetBlock(b.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGCNeverPrunesUnfinalizedBlocks(t *testing.T) {
	d := New(nil, DefaultConfig())
	b := signedBlock(t, nil, 1)
	_, err := d.Insert(b)
	require.NoError(t, err)

	// Never finalized; even an aggressive GC call must not touch it.
	d.GC(0, 1000)
	_, ok, err := d.GetBlock(b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []model.BlockID{b.ID}, d.Tips())
}

func TestGCClearsParentChildLinkageOnPrune(t *testing.T) {
	d := New(nil, DefaultConfig())
	root := signedBlock(t, nil, 1)
	child := signedBlock(t, []model.BlockID{root.ID}, 2)
	_, err := d.Insert(root)
	require.NoError(t, err)
	_, err = d.Insert(child)
	require.NoError(t, err)

	d.MarkFinalized(1, []model.BlockID{root.ID, child.ID})
	d.GC(0, 1)

	_, ok, err := d.GetBlock(root.ID)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = d.GetBlock(child.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, d.Tips())
}
