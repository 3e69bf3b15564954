// Package finality implements the Finality Stream (spec §4.10): a
// restartable, totally-ordered, pull-based log of finalized rounds, read
// by downstream settlement consumers. It is a thin projection over
// store's durable round: records plus a fan-out broadcast for rounds
// published while a reader is already tailing.
package finality

import (
	"sync"

	"findag.dev/core/model"
	"findag.dev/core/store"
)

// FinalizedRound is what ReadFrom delivers: the round plus its settlement-
// ordered block ids (sorted by (findag_time, hashtimer, id) by
// roundchain's sortBySettlementOrder before the round is committed).
type FinalizedRound struct {
	Round *model.Round
}

type Stream struct {
	store *store.Store

	mu    sync.Mutex
	subs  map[int]chan FinalizedRound
	nextID int
}

func New(s *store.Store) *Stream {
	return &Stream{store: s, subs: make(map[int]chan FinalizedRound)}
}

// Publish is called only by roundchain, only after store.CommitRound has
// returned successfully (spec §4.10 invariant: no gaps, because nothing
// is published before it is durable).
func (s *Stream) Publish(r *model.Round) error {
	fr := FinalizedRound{Round: r}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- fr:
		default:
			// A slow subscriber falls behind; it will catch up by
			// re-reading from store on its next ReadFrom call rather
			// than stalling the publisher.
		}
	}
	return nil
}

// ReadFrom replays every durably finalized round starting at number,
// then tails newly published rounds. The returned cancel func
// unsubscribes and must be called when the caller stops reading.
func (s *Stream) ReadFrom(number uint64) (<-chan FinalizedRound, func(), error) {
	out := make(chan FinalizedRound, 64)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sub := make(chan FinalizedRound, 64)
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(sub)
	}

	go func() {
		defer close(out)
		n := number
		for {
			r, ok, err := s.store.GetRound(n)
			if err != nil || !ok {
				break
			}
			out <- FinalizedRound{Round: r}
			n++
		}
		// n is now the first round number the replay scan did not find
		// durably committed. Publish may have already buffered that same
		// round (or an earlier one the scan raced past) into sub before
		// the scan gave up on it, so anything sub delivers below n has
		// already been forwarded above and must be dropped to keep
		// delivery exactly-once.
		for fr := range sub {
			if fr.Round.Number < n {
				continue
			}
			out <- fr
		}
	}()

	return out, cancel, nil
}
