package fincrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, sk, err := GenerateKeypair()
	require.NoError(t, err)
	msg := []byte("findag round digest")
	sig := Sign(sk, msg)
	require.True(t, Verify(pub, msg, sig))
	require.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestMerkleRootEmpty(t *testing.T) {
	require.Equal(t, SHA256(nil), MerkleRoot(nil))
}

func TestMerkleProofRoundTrip(t *testing.T) {
	leaves := make([][32]byte, 0, 7)
	for i := 0; i < 7; i++ {
		leaves = append(leaves, SHA256([]byte{byte(i)}))
	}
	root := MerkleRoot(leaves)
	for i, leaf := range leaves {
		proof, err := MerkleProof(leaves, i)
		require.NoError(t, err)
		require.True(t, VerifyMerkleProof(leaf, proof, root, i), "index %d", i)
	}
}

func TestMerkleProofRejectsWrongIndex(t *testing.T) {
	leaves := [][32]byte{SHA256([]byte("a")), SHA256([]byte("b")), SHA256([]byte("c"))}
	root := MerkleRoot(leaves)
	proof, err := MerkleProof(leaves, 0)
	require.NoError(t, err)
	require.False(t, VerifyMerkleProof(leaves[0], proof, root, 1))
}

func TestAddressRoundTrip(t *testing.T) {
	pub, _, err := GenerateKeypair()
	require.NoError(t, err)
	addr := AddressFromPublicKey(pub)
	encoded := EncodeAddress(addr)
	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr, decoded)
}
