// Package gossip defines the peer-transport boundary (spec §4.9): the
// wire format and peer-scoring are external collaborators, injected as
// an interface so producer/roundchain/findagnode can be driven by either
// the real wire adapter (gossip/wire) or the in-process fake
// (gossip/loopback) used by tests.
package gossip

import (
	"context"
	"time"

	"findag.dev/core/model"
)

type Kind uint8

const (
	KindTx Kind = iota + 1
	KindBlock
	KindVote
	KindFinal
)

// RoundVote is one committee member's signature over a round digest
// (spec §4.8 "collecting" phase).
type RoundVote struct {
	RoundNumber uint64
	Digest      [32]byte
	Voter       model.Address
	Signature   [64]byte
}

// Message is the single envelope carried over gossip; exactly one of the
// payload fields is populated, selected by Kind.
type Message struct {
	Kind  Kind
	Tx    *model.Transaction
	Block *model.Block
	Vote  *RoundVote
	Final *model.Round
}

// Request/Response back a point-to-point DirectRequest for a block by id
// or a round by number from one specific peer rather than the broadcast
// stream. No code in roundchain or blockdag issues DirectRequests.
type RequestKind uint8

const (
	RequestBlockByID RequestKind = iota + 1
	RequestRoundByNumber
)

type Request struct {
	Kind        RequestKind
	BlockID     model.BlockID
	RoundNumber uint64
}

type Response struct {
	Block *model.Block
	Round *model.Round
	Found bool
}

type Inbound interface {
	// Messages returns the channel new inbound gossip arrives on. The
	// channel is closed when the transport shuts down.
	Messages() <-chan Message
}

type Outbound interface {
	Broadcast(Message) error
	DirectRequest(ctx context.Context, peer string, req Request) (Response, error)
}

type RoundTransport interface {
	Outbound
	Inbound
}

// DirectRequestTimeout is a default bound for a single DirectRequest. No
// transport in this repository applies it; a DirectRequest is bounded
// only by the ctx its caller passes in.
const DirectRequestTimeout = 5 * time.Second
