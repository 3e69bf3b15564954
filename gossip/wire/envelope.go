// Package wire is the concrete gossip.RoundTransport: a length-prefixed
// envelope codec ported from the teacher's node/p2p_runtime.go /
// node/p2p/envelope.go framing (magic/command/length/checksum), peer
// ban-scoring from node/p2p/banscore.go, and a HashTimer-keyed replay
// window (spec §4.9) layered on top. The teacher's pluggable
// CryptoProvider checksum is dropped in favor of a fixed SHA-256 --
// this domain fixes its hash function, unlike the teacher's
// multi-backend crypto story.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"unicode"
)

const (
	// envelopePrefixBytes is the fixed header length for every frame:
	// magic(4) | command(12) | length(4) | checksum(4).
	envelopePrefixBytes = 24
	commandBytes        = 12

	// MaxMessageBytes bounds a single frame's payload, generalized from
	// the teacher's MaxRelayMsgBytes.
	MaxMessageBytes = 4 << 20
)

type Envelope struct {
	Magic   uint32
	Command string
	Payload []byte
}

// ReadError conveys how the caller should treat a malformed frame,
// mirroring the teacher's disconnect/ban-score-delta split.
type ReadError struct {
	Err           error
	BanScoreDelta int
	Disconnect    bool
}

func (e *ReadError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func checksum4(payload []byte) [4]byte {
	sum := sha256.Sum256(payload)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

func encodeCommand(cmd string) ([commandBytes]byte, error) {
	var out [commandBytes]byte
	if cmd == "" || len(cmd) > commandBytes {
		return out, fmt.Errorf("wire: command must be 1..%d bytes", commandBytes)
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if c >= 0x80 || c == 0x00 || !unicode.IsPrint(rune(c)) {
			return out, fmt.Errorf("wire: command contains non-printable ASCII")
		}
		out[i] = c
	}
	return out, nil
}

func decodeCommand(b [commandBytes]byte) (string, error) {
	n := commandBytes
	for i := 0; i < commandBytes; i++ {
		if b[i] == 0x00 {
			n = i
			break
		}
	}
	for i := n; i < commandBytes; i++ {
		if b[i] != 0x00 {
			return "", fmt.Errorf("wire: command not NUL-right-padded")
		}
	}
	cmd := string(b[:n])
	if cmd == "" {
		return "", fmt.Errorf("wire: empty command")
	}
	return cmd, nil
}

// WriteEnvelope writes one frame to w.
func WriteEnvelope(w io.Writer, magic uint32, command string, payload []byte) error {
	cmd12, err := encodeCommand(command)
	if err != nil {
		return err
	}
	if len(payload) > MaxMessageBytes {
		return fmt.Errorf("wire: payload too large")
	}
	c4 := checksum4(payload)

	var hdr [envelopePrefixBytes]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	copy(hdr[4:16], cmd12[:])
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	copy(hdr[20:24], c4[:])

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// ReadEnvelope reads exactly one frame from r.
//
// Semantics mirror the teacher's node/p2p/envelope.go: magic mismatch or
// oversize length disconnects without a ban-score penalty (could be a
// stale/misconfigured peer); checksum mismatch drops the message and
// scores +10 without disconnecting; truncation disconnects and scores
// +20 (a peer that started a frame it can't finish is actively
// misbehaving, not just noisy).
func ReadEnvelope(r io.Reader, expectedMagic uint32) (*Envelope, *ReadError) {
	var hdr [envelopePrefixBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ReadError{Err: err, Disconnect: true}
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != expectedMagic {
		return nil, &ReadError{Err: fmt.Errorf("wire: magic mismatch"), Disconnect: true}
	}

	var cmdBytes [commandBytes]byte
	copy(cmdBytes[:], hdr[4:16])
	cmd, err := decodeCommand(cmdBytes)
	if err != nil {
		return nil, &ReadError{Err: err, BanScoreDelta: FrameChecksumMismatchDelta}
	}

	payloadLen := binary.LittleEndian.Uint32(hdr[16:20])
	if payloadLen > MaxMessageBytes {
		return nil, &ReadError{Err: fmt.Errorf("wire: payload length exceeds limit"), Disconnect: true}
	}

	var expectedC4 [4]byte
	copy(expectedC4[:], hdr[20:24])

	payload := make([]byte, int(payloadLen))
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &ReadError{Err: err, BanScoreDelta: FrameTruncatedDelta, Disconnect: true}
		}
	}

	if computed := checksum4(payload); !bytes.Equal(expectedC4[:], computed[:]) {
		return nil, &ReadError{Err: fmt.Errorf("wire: checksum mismatch"), BanScoreDelta: FrameChecksumMismatchDelta}
	}

	return &Envelope{Magic: magic, Command: cmd, Payload: payload}, nil
}
