// Package nodeerr implements the four error kinds spec §7 names:
// validation, transient I/O, round-liveness, and fatal. The taxonomy
// mirrors the teacher's consensus.TxError/ErrorCode pattern
// (consensus/errors.go), generalized from Bitcoin-style tx/block codes to
// the BlockDAG/RoundChain domain.
package nodeerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	// Validation errors (spec §7): rejected locally, source peer
	// downscored via gossip, never escalate.
	MempoolErrDuplicate       Code = "MEMPOOL_ERR_DUPLICATE"
	MempoolErrInvalidSig      Code = "MEMPOOL_ERR_INVALID_SIGNATURE"
	MempoolErrUnknownAsset    Code = "MEMPOOL_ERR_UNKNOWN_ASSET"
	MempoolErrOversize        Code = "MEMPOOL_ERR_OVERSIZE"
	MempoolErrExpired         Code = "MEMPOOL_ERR_EXPIRED"
	MempoolErrOverloaded      Code = "MEMPOOL_ERR_OVERLOADED"
	BlockDAGErrMissingParents Code = "BLOCKDAG_ERR_MISSING_PARENTS"
	BlockDAGErrInvalid        Code = "BLOCKDAG_ERR_INVALID"
	BlockDAGErrKnown          Code = "BLOCKDAG_ERR_KNOWN"

	// Transient I/O errors (spec §7): reported to the caller as
	// TransientError; no caller in this repository retries them.
	StoreErrRetryable  Code = "STORE_ERR_RETRYABLE"
	GossipErrSendFailed Code = "GOSSIP_ERR_SEND_FAILED"

	// Round liveness errors (spec §7): trigger widened-committee
	// fallback; persistent failure halts the scheduler.
	RoundErrQuorumNotReached Code = "ROUND_ERR_QUORUM_NOT_REACHED"
	RoundErrCommitteeStalemate Code = "ROUND_ERR_COMMITTEE_STALEMATE"

	// Fatal errors (spec §7): node refuses to advance; operator
	// intervention required.
	StoreErrFatalWrite      Code = "STORE_ERR_FATAL_WRITE"
	StoreErrCorruptedRound  Code = "STORE_ERR_CORRUPTED_ROUND"
	TimeErrMonotonicityViolated Code = "TIME_ERR_MONOTONICITY_VIOLATED"
	RoundStuck              Code = "ROUND_STUCK"
)

// ValidationError rejects a single item (tx/block/vote); the caller drops
// it and may downscore the source peer.
type ValidationError struct {
	Code   Code
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Reason == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func NewValidation(code Code, reason string) error {
	return &ValidationError{Code: code, Reason: reason}
}

// TransientError marks a failure that may succeed if tried again; Attempt
// records which try failed. Nothing in this repository retries on it:
// store and producer return it with Attempt 1 and the caller logs it.
type TransientError struct {
	Code    Code
	Reason  string
	Attempt int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s (attempt %d): %s", e.Code, e.Attempt, e.Reason)
}

func NewTransient(code Code, reason string, attempt int) error {
	return &TransientError{Code: code, Reason: reason, Attempt: attempt}
}

// RoundLivenessError signals quorum was not reached or committee
// stalemate; the scheduler responds with the widened-committee fallback.
type RoundLivenessError struct {
	Code   Code
	Round  uint64
	Reason string
}

func (e *RoundLivenessError) Error() string {
	return fmt.Sprintf("%s: round %d: %s", e.Code, e.Round, e.Reason)
}

func NewRoundLiveness(code Code, round uint64, reason string) error {
	return &RoundLivenessError{Code: code, Round: round, Reason: reason}
}

// FatalError stops the node: it refuses new transactions and rejects
// round participation until restarted (spec §7).
type FatalError struct {
	Code   Code
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (fatal): %s", e.Code, e.Reason)
}

func NewFatal(code Code, reason string) error {
	return &FatalError{Code: code, Reason: reason}
}

// IsFatal reports whether err (or one it wraps) is a FatalError or the
// RoundStuck condition, the two conditions spec §7 says escalate to the
// node-lifecycle owner.
func IsFatal(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	var rle *RoundLivenessError
	if errors.As(err, &rle) && rle.Code == RoundStuck {
		return true
	}
	return false
}
