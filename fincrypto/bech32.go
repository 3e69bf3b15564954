package fincrypto

import (
	"errors"
	"strings"

	"findag.dev/core/model"
)

// bech32 is a minimal from-scratch encoder/decoder for the textual Address
// form spec §3 calls "bech32-style". No example repo in the retrieval pack
// carries a bech32 library as a direct dependency, so this is implemented
// against the stdlib the same terse way the teacher hand-rolls its own
// wire primitives (consensus/compactsize.go) rather than reaching for an
// unverified third-party package (documented in DESIGN.md).
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const addressHRP = "fd"

var ErrInvalidAddress = errors.New("fincrypto: invalid address encoding")

// AddressFromPublicKey derives the 20-byte Address from an Ed25519 public key: the
// low-20 bytes of SHA-256(pubkey) (spec §3: "Ed25519 public-key derived").
func AddressFromPublicKey(pk PublicKey) model.Address {
	h := SHA256(pk[:])
	var out model.Address
	copy(out[:], h[12:32])
	return out
}

func EncodeAddress(a model.Address) string {
	data := convertBits(a[:], 8, 5, true)
	checksum := bech32Checksum(addressHRP, data)
	var sb strings.Builder
	sb.WriteString(addressHRP)
	sb.WriteByte('1')
	for _, d := range append(data, checksum...) {
		sb.WriteByte(bech32Charset[d])
	}
	return sb.String()
}

func DecodeAddress(s string) (model.Address, error) {
	var out model.Address
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return out, ErrInvalidAddress
	}
	hrp := s[:sep]
	if hrp != addressHRP {
		return out, ErrInvalidAddress
	}
	dataPart := s[sep+1:]
	values := make([]byte, len(dataPart))
	for i, c := range dataPart {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return out, ErrInvalidAddress
		}
		values[i] = byte(idx)
	}
	payload := values[:len(values)-6]
	checksum := values[len(values)-6:]
	if !equalBytes(bech32Checksum(hrp, payload), checksum) {
		return out, ErrInvalidAddress
	}
	raw := convertBits(payload, 5, 8, false)
	if len(raw) != len(out) {
		return out, ErrInvalidAddress
	}
	copy(out[:], raw)
	return out, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) []byte {
	var acc uint32
	var bits uint
	var out []byte
	maxv := uint32(1)<<toBits - 1
	for _, d := range data {
		acc = (acc << fromBits) | uint32(d)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	if pad && bits > 0 {
		out = append(out, byte((acc<<(toBits-bits))&maxv))
	}
	return out
}

func bech32Polymod(values []byte) uint32 {
	gen := []uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, byte(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, byte(c)&31)
	}
	return out
}

func bech32Checksum(hrp string, data []byte) []byte {
	values := append(bech32HrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := bech32Polymod(values) ^ 1
	out := make([]byte, 6)
	for i := 0; i < 6; i++ {
		out[i] = byte((mod >> uint(5*(5-i))) & 31)
	}
	return out
}
