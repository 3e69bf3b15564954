package wire

import "time"

// BanScore tracks one peer's accumulated misbehavior, decaying over time
// the way the teacher's node/p2p/banscore.go does (a peer that goes
// quiet is forgiven gradually rather than staying banned forever on a
// stale score). The threshold/decay shape is the teacher's; the delta
// schedule below is FinDAG's own, weighted by how strong a signal of
// actual forgery vs. transient noise each misbehavior is.
const (
	BanThreshold       = 100
	ThrottleThreshold  = 50
	ThrottleDelay      = 500 * time.Millisecond
	BanDurationDefault = 24 * time.Hour

	banScoreDecaysPerMinute = 1

	// FrameChecksumMismatchDelta and FrameTruncatedDelta penalize
	// wire-framing faults (envelope.go's ReadError.BanScoreDelta),
	// unchanged from the teacher's disconnect/score split: a peer
	// sending garbled frames is noisy, not necessarily forging content.
	FrameChecksumMismatchDelta = 10
	FrameTruncatedDelta        = 20

	// DecodeFailureDelta penalizes a frame that passes the envelope
	// checksum but fails to decode as any known message kind.
	DecodeFailureDelta = 10

	// BadBlockSignatureDelta penalizes a peer relaying a block whose
	// embedded producer signature does not verify against its own
	// embedded public key (transport.go checks this before the block
	// ever reaches blockdag.Insert). This is forged-or-corrupt content,
	// not framing noise, so it costs far more than a decode failure and
	// alone crosses BanThreshold.
	BadBlockSignatureDelta = 100

	// ReplayDelta penalizes a peer re-sending a message this node's
	// replay window (replay.go) has already recorded. One resend is
	// ordinary gossip-mesh overlap; a peer that keeps doing it is either
	// misconfigured or attempting a replay flood, so it accrues slowly
	// rather than on the first hit.
	ReplayDelta = 2
)

type BanScore struct {
	score       int
	lastUpdated time.Time
}

func (b *BanScore) Score(now time.Time) int {
	b.decayTo(now)
	return b.score
}

func (b *BanScore) Add(now time.Time, delta int) int {
	b.decayTo(now)
	b.score += delta
	if b.score < 0 {
		b.score = 0
	}
	return b.score
}

func (b *BanScore) ShouldBan(now time.Time) bool { return b.Score(now) >= BanThreshold }

func (b *BanScore) ShouldThrottle(now time.Time) bool { return b.Score(now) >= ThrottleThreshold }

func (b *BanScore) decayTo(now time.Time) {
	if b.lastUpdated.IsZero() {
		b.lastUpdated = now
		return
	}
	if now.Before(b.lastUpdated) {
		b.lastUpdated = now
		return
	}
	minutes := int(now.Sub(b.lastUpdated) / time.Minute)
	if minutes <= 0 {
		return
	}
	b.score -= minutes * banScoreDecaysPerMinute
	if b.score < 0 {
		b.score = 0
	}
	b.lastUpdated = now
}
