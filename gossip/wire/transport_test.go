package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"findag.dev/core/gossip"
	"findag.dev/core/model"
)

func newPipeTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	tr := NewTransport(DefaultPeerRuntimeConfig(0xC0FFEE42), nil)
	t.Cleanup(func() { _ = tr.Close() })

	a, b := net.Pipe()
	require.NoError(t, tr.AddPeer("peer-a", a))
	return tr, b
}

func TestTransportBroadcastReachesPeer(t *testing.T) {
	tr, conn := newPipeTransport(t)
	defer conn.Close()

	env := make(chan error, 1)
	go func() {
		_, rerr := ReadEnvelope(conn, 0xC0FFEE42)
		if rerr != nil {
			env <- rerr
			return
		}
		env <- nil
	}()

	require.NoError(t, tr.Broadcast(gossip.Message{Kind: gossip.KindVote, Vote: &gossip.RoundVote{RoundNumber: 1}}))

	select {
	case err := <-env:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast to reach the peer")
	}
}

func TestTransportReadLoopDeliversInboundMessages(t *testing.T) {
	tr, conn := newPipeTransport(t)
	defer conn.Close()

	msg := gossip.Message{Kind: gossip.KindVote, Vote: &gossip.RoundVote{RoundNumber: 5}}
	command, payload, err := encodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, WriteEnvelope(conn, 0xC0FFEE42, command, payload))

	select {
	case got := <-tr.Messages():
		require.Equal(t, gossip.KindVote, got.Kind)
		require.Equal(t, uint64(5), got.Vote.RoundNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestTransportRemovePeerClosesConnection(t *testing.T) {
	tr, conn := newPipeTransport(t)
	tr.RemovePeer("peer-a")

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)
}

func TestTransportDropsBlockWithBadSignatureAndBansPeer(t *testing.T) {
	tr, conn := newPipeTransport(t)
	defer conn.Close()

	msg := gossip.Message{Kind: gossip.KindBlock, Block: &model.Block{}}
	command, payload, err := encodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, WriteEnvelope(conn, 0xC0FFEE42, command, payload))

	select {
	case <-tr.Messages():
		t.Fatal("block with an unverifiable signature must not reach inbound")
	case <-time.After(200 * time.Millisecond):
	}

	// A single bad signature crosses BanThreshold outright, so the read
	// loop disconnects; the peer's own end of the pipe observes that.
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestDirectRequestIsUnimplementedStub(t *testing.T) {
	tr := NewTransport(DefaultPeerRuntimeConfig(0x1), nil)
	defer tr.Close()

	resp, err := tr.DirectRequest(context.Background(), "peer-a", gossip.Request{})
	require.NoError(t, err)
	require.False(t, resp.Found)
}

func TestDirectRequestHonorsContextCancellation(t *testing.T) {
	tr := NewTransport(DefaultPeerRuntimeConfig(0x1), nil)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.DirectRequest(ctx, "peer-a", gossip.Request{})
	require.ErrorIs(t, err, context.Canceled)
}
