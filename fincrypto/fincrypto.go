// Package fincrypto provides the Ed25519 signing, SHA-256 hashing and
// Merkle-tree primitives the spec's Crypto component names (spec §4.2).
package fincrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/blake2b"
)

type PublicKey [32]byte
type PrivateKey []byte // ed25519.PrivateKey, kept opaque at the package boundary
type Signature [64]byte

// GenerateKeypair creates a fresh Ed25519 identity.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, err
	}
	var out PublicKey
	copy(out[:], pub)
	return out, PrivateKey(priv), nil
}

// PublicKeyFromPrivate derives the public half of an Ed25519 private key.
func PublicKeyFromPrivate(sk PrivateKey) PublicKey {
	var out PublicKey
	copy(out[:], ed25519.PrivateKey(sk).Public().(ed25519.PublicKey))
	return out
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(sk PrivateKey, msg []byte) Signature {
	sig := ed25519.Sign(ed25519.PrivateKey(sk), msg)
	var out Signature
	copy(out[:], sig)
	return out
}

// Verify reports whether sig is a valid Ed25519 signature over msg under pk.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig[:])
}

// Signer is the narrow interface producer/roundchain need: something that
// can sign on behalf of one node identity. Kept minimal by design -- the
// spec fixes the algorithm to Ed25519, so there is no pluggable-provider
// abstraction here (contrast the teacher's multi-backend CryptoProvider,
// which exists to support post-quantum/HSM algorithms this spec does not
// call for).
type Signer interface {
	PublicKey() PublicKey
	Sign(msg []byte) Signature
}

type ed25519Signer struct {
	pub PublicKey
	sk  PrivateKey
}

func NewSigner(sk PrivateKey) Signer {
	return &ed25519Signer{pub: PublicKeyFromPrivate(sk), sk: sk}
}

func (s *ed25519Signer) PublicKey() PublicKey  { return s.pub }
func (s *ed25519Signer) Sign(msg []byte) Signature { return Sign(s.sk, msg) }

// SHA256 is the canonical hash function named throughout spec §3/§4.2.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// DomainHash mixes a domain-separation label with arbitrary parts via
// blake2b-256, for non-signature, non-consensus-digest hashing. No code in
// this repository calls it; the gossip replay-window fingerprint uses
// SHA-256 and HashTimer content hashes instead.
func DomainHash(domain string, parts ...[]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MerkleRoot computes the root over an ordered list of leaf hashes.
// Construction: pairwise SHA-256, duplicating the last leaf when a level's
// width is odd (spec §4.2). The root over an empty list is SHA-256 of the
// empty byte string.
func MerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return SHA256(nil)
	}
	level := append([][32]byte(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func hashPair(l, r [32]byte) [32]byte {
	buf := make([]byte, 64)
	copy(buf[0:32], l[:])
	copy(buf[32:64], r[:])
	return SHA256(buf)
}

// MerkleProof returns the ordered sibling-hash path for the leaf at index,
// suitable for VerifyMerkleProof.
func MerkleProof(leaves [][32]byte, index int) ([][32]byte, error) {
	if index < 0 || index >= len(leaves) {
		return nil, errors.New("fincrypto: index out of range")
	}
	level := append([][32]byte(nil), leaves...)
	idx := index
	var proof [][32]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		siblingIdx := idx ^ 1
		proof = append(proof, level[siblingIdx])
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}
	return proof, nil
}

// VerifyMerkleProof recomputes the root from (leaf, proof, index) and
// compares against root (spec §4.2, P6).
func VerifyMerkleProof(leaf [32]byte, proof [][32]byte, root [32]byte, index int) bool {
	cur := leaf
	idx := index
	for _, sibling := range proof {
		if idx%2 == 0 {
			cur = hashPair(cur, sibling)
		} else {
			cur = hashPair(sibling, cur)
		}
		idx /= 2
	}
	return cur == root
}
