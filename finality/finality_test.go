package finality

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"findag.dev/core/fincrypto"
	"findag.dev/core/model"
	"findag.dev/core/store"
	"findag.dev/core/validator"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "findag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadFromReplaysDurableRounds(t *testing.T) {
	s := openTestStore(t)
	r := &model.Round{Number: 1}
	r.Digest = fincrypto.SHA256(r.DigestBytes())
	require.NoError(t, s.CommitRound(r, nil, nil))

	stream := New(s)
	ch, cancel, err := stream.ReadFrom(1)
	require.NoError(t, err)
	defer cancel()

	select {
	case fr := <-ch:
		require.Equal(t, uint64(1), fr.Round.Number)
	case <-time.After(time.Second):
		t.Fatal("expected replayed round")
	}
}

func TestPublishTailsToActiveReader(t *testing.T) {
	s := openTestStore(t)
	stream := New(s)
	ch, cancel, err := stream.ReadFrom(1)
	require.NoError(t, err)
	defer cancel()

	r := &model.Round{Number: 1}
	r.Digest = fincrypto.SHA256(r.DigestBytes())
	require.NoError(t, s.CommitRound(r, nil, map[model.Address]validator.Record{}))
	require.NoError(t, stream.Publish(r))

	select {
	case fr := <-ch:
		require.Equal(t, uint64(1), fr.Round.Number)
	case <-time.After(time.Second):
		t.Fatal("expected published round")
	}
}

func TestReadFromDoesNotDoubleDeliverOnPublishRace(t *testing.T) {
	s := openTestStore(t)
	r := &model.Round{Number: 1}
	r.Digest = fincrypto.SHA256(r.DigestBytes())
	require.NoError(t, s.CommitRound(r, nil, nil))

	stream := New(s)
	ch, cancel, err := stream.ReadFrom(1)
	require.NoError(t, err)
	defer cancel()

	// roundchain always calls Publish right after CommitRound succeeds,
	// with no coordination against any in-flight ReadFrom replay scan.
	// Publishing the same already-durable round here recreates the
	// window where the store scan and the live subscription both see
	// round 1: the scan picks it up directly, and this Publish call
	// buffers it into the subscriber channel too.
	require.NoError(t, stream.Publish(r))

	var got []uint64
	timeout := time.After(200 * time.Millisecond)
collect:
	for {
		select {
		case fr, ok := <-ch:
			if !ok {
				break collect
			}
			got = append(got, fr.Round.Number)
		case <-timeout:
			break collect
		}
	}
	require.Equal(t, []uint64{1}, got)
}
