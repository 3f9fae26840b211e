package chainsync

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// newTestHeaderSync wires a header sync protocol to a mock channel with a
// force-fed rate ticker.
func newTestHeaderSync(channel *mockChannel, hashes *HashList,
	minimumRate uint32,
	checkpoints []chaincfg.Checkpoint) (*HeaderSync, *ticker.Force) {

	rateTick := ticker.NewForce(time.Hour)
	protocol := NewHeaderSync(HeaderSyncConfig{
		Channel:     channel,
		MinimumRate: minimumRate,
		FirstHeight: 0,
		Hashes:      hashes,
		Checkpoints: checkpoints,
		RateTick:    rateTick,
	})

	return protocol, rateTick
}

// TestHeaderSyncHappyPath exercises a complete sync with no checkpoints: the
// peer serves three valid linked headers and the protocol succeeds.
func TestHeaderSyncHappyPath(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	channel := newMockChannel(3)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, nil)

	protocol.Start()
	defer protocol.WaitForShutdown()

	// The first request must locate from the seed.
	request := waitSent[*wire.MsgGetHeaders](t, channel)
	require.Len(t, request.BlockLocatorHashes, 1)
	require.Equal(t, testSeed, *request.BlockLocatorHashes[0])
	require.Equal(t, chainhash.Hash{}, request.HashStop)

	headers := makeHeaders(testSeed, 3)
	channel.deliver(headersMsg(headers...))

	require.Equal(t, Success, waitDone(t, protocol.Done()))

	requireHashes(t, hashes, testSeed, headers[0].BlockHash(),
		headers[1].BlockHash(), headers[2].BlockHash())

	// The protocol stops its own channel on completion.
	require.True(t, channel.Stopped())
	require.Equal(t, ChannelStopped, channel.stopCode)
}

// TestHeaderSyncLinkageBreak exercises a mid-message linkage break with no
// checkpoints: the list is rolled back to the seed.
func TestHeaderSyncLinkageBreak(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	channel := newMockChannel(3)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, nil)

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)

	good := makeHeaders(testSeed, 1)[0]
	bad := makeHeaders(chainhash.Hash{0xff}, 1)[0]
	channel.deliver(headersMsg(good, bad))

	require.Equal(t, PreviousBlockInvalid, waitDone(t, protocol.Done()))
	requireHashes(t, hashes, testSeed)
}

// TestHeaderSyncRollbackToCheckpoint exercises the rollback policy: on a
// linkage break, the list is truncated to end just after the highest
// checkpoint hash it contains.
func TestHeaderSyncRollbackToCheckpoint(t *testing.T) {
	t.Parallel()

	headers := makeHeaders(testSeed, 3)
	hashes := NewHashList(testSeed)
	appendHeaders(hashes, headers...)

	checkpointHash := headers[1].BlockHash()
	checkpoints := []chaincfg.Checkpoint{
		{Height: 2, Hash: &checkpointHash},
	}

	channel := newMockChannel(10)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, checkpoints)

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)

	// Serve two headers that do not link to the current tip.
	channel.deliver(headersMsg(makeHeaders(chainhash.Hash{0xff}, 2)...))

	require.Equal(t, PreviousBlockInvalid, waitDone(t, protocol.Done()))

	// Everything past the checkpoint is gone; the checkpoint hash stays.
	requireHashes(t, hashes, testSeed, headers[0].BlockHash(),
		headers[1].BlockHash())
}

// TestHeaderSyncCheckpointMismatch exercises a linked header whose hash
// disagrees with the checkpoint at its height.
func TestHeaderSyncCheckpointMismatch(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)

	// Checkpoint height 1 to a hash the served chain will not match.
	other := chainhash.Hash{0xaa}
	checkpoints := []chaincfg.Checkpoint{{Height: 1, Hash: &other}}

	channel := newMockChannel(10)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, checkpoints)

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)
	channel.deliver(headersMsg(makeHeaders(testSeed, 1)...))

	require.Equal(t, PreviousBlockInvalid, waitDone(t, protocol.Done()))
	requireHashes(t, hashes, testSeed)
}

// TestHeaderSyncFullBatchContinues exercises the full-batch rule: a
// maximal headers message triggers another request instead of completion.
func TestHeaderSyncFullBatchContinues(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	channel := newMockChannel(wire.MaxBlockHeadersPerMsg + 2)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, nil)

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)

	headers := makeHeaders(testSeed, wire.MaxBlockHeadersPerMsg)
	channel.deliver(headersMsg(headers...))

	// The follow-up request locates from the new tip, and the run is
	// still in flight.
	request := waitSent[*wire.MsgGetHeaders](t, channel)
	last := headers[len(headers)-1].BlockHash()
	require.Equal(t, last, *request.BlockLocatorHashes[0])
	assertNotDone(t, protocol.Done())

	// A short tail completes the chain.
	tail := makeHeaders(last, 2)
	channel.deliver(headersMsg(tail...))

	require.Equal(t, Success, waitDone(t, protocol.Done()))
	require.Equal(t, wire.MaxBlockHeadersPerMsg+3, hashes.Len())
}

// TestHeaderSyncShortOfTarget exercises a short response before the target:
// the peer has no more headers, so the attempt fails.
func TestHeaderSyncShortOfTarget(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)

	headers := makeHeaders(testSeed, 3)
	checkpoints := []chaincfg.Checkpoint{
		{Height: 10, Hash: &chainhash.Hash{0xbb}},
	}

	channel := newMockChannel(20)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, checkpoints)
	require.EqualValues(t, 10, protocol.TargetHeight())

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)
	channel.deliver(headersMsg(headers...))

	require.Equal(t, OperationFailed, waitDone(t, protocol.Done()))
}

// TestHeaderSyncStartGate exercises the start gate: peers that cannot cover
// the target are rejected before any request is issued.
func TestHeaderSyncStartGate(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	checkpoints := []chaincfg.Checkpoint{
		{Height: 5, Hash: &chainhash.Hash{0xcc}},
	}

	channel := newMockChannel(3)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, checkpoints)

	protocol.Start()

	require.Equal(t, ChannelStopped, waitDone(t, protocol.Done()))
	assertNothingSent[*wire.MsgGetHeaders](t, channel)
}

// TestHeaderSyncRateEviction exercises rate gating: once the average rate
// drops below the minimum, the channel is evicted within one tick.
func TestHeaderSyncRateEviction(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	channel := newMockChannel(5000)
	protocol, rateTick := newTestHeaderSync(channel, hashes, 1000, nil)

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)

	// A full batch arrives up front, then the peer stalls on the
	// follow-up request.
	headers := makeHeaders(testSeed, wire.MaxBlockHeadersPerMsg)
	channel.deliver(headersMsg(headers...))
	waitSent[*wire.MsgGetHeaders](t, channel)

	// Rates over the first two seconds: 2000, 1000 -- at or above the
	// minimum.
	for i := 0; i < 2; i++ {
		rateTick.Force <- time.Now()
		assertNotDone(t, protocol.Done())
	}

	// Third second: 2000/3 = 666 < 1000, so the channel is evicted.
	rateTick.Force <- time.Now()
	require.Equal(t, ChannelTimeout, waitDone(t, protocol.Done()))
	require.True(t, channel.Stopped())
}

// TestHeaderSyncSendFailure exercises transport failure on the initial
// request.
func TestHeaderSyncSendFailure(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	channel := newMockChannel(3)
	channel.failSend()
	protocol, _ := newTestHeaderSync(channel, hashes, 0, nil)

	protocol.Start()

	require.Equal(t, SendFailed, waitDone(t, protocol.Done()))
}

// TestHeaderSyncChannelStop exercises cancellation: stopping the channel
// completes the run with ChannelStopped.
func TestHeaderSyncChannelStop(t *testing.T) {
	t.Parallel()

	hashes := NewHashList(testSeed)
	channel := newMockChannel(3)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, nil)

	protocol.Start()
	defer protocol.WaitForShutdown()

	waitSent[*wire.MsgGetHeaders](t, channel)
	channel.Stop(ChannelStopped)

	require.Equal(t, ChannelStopped, waitDone(t, protocol.Done()))
}

// TestHeaderSyncRollbackIdempotent verifies that applying rollback twice
// without intervening merges yields the same list as applying it once.
func TestHeaderSyncRollbackIdempotent(t *testing.T) {
	t.Parallel()

	headers := makeHeaders(testSeed, 4)
	hashes := NewHashList(testSeed)
	appendHeaders(hashes, headers...)

	checkpointHash := headers[1].BlockHash()
	checkpoints := []chaincfg.Checkpoint{
		{Height: 2, Hash: &checkpointHash},
	}

	channel := newMockChannel(10)
	protocol, _ := newTestHeaderSync(channel, hashes, 0, checkpoints)

	protocol.rollback()
	require.Equal(t, 3, hashes.Len())

	protocol.rollback()
	require.Equal(t, 3, hashes.Len())
	require.Equal(t, checkpointHash, hashes.Back())
}

// TestHeaderSyncTarget verifies the target derivation: the maximum of the
// highest checkpoint and the height already covered by the list.
func TestHeaderSyncTarget(t *testing.T) {
	t.Parallel()

	headers := makeHeaders(testSeed, 5)
	hashes := NewHashList(testSeed)
	appendHeaders(hashes, headers...)

	// No checkpoints: current height rules.
	protocol, _ := newTestHeaderSync(newMockChannel(100), hashes, 0, nil)
	require.EqualValues(t, 5, protocol.TargetHeight())

	// A lower checkpoint does not drag the target down.
	low := headers[0].BlockHash()
	protocol, _ = newTestHeaderSync(newMockChannel(100), hashes, 0,
		[]chaincfg.Checkpoint{{Height: 1, Hash: &low}})
	require.EqualValues(t, 5, protocol.TargetHeight())

	// A higher checkpoint raises it.
	protocol, _ = newTestHeaderSync(newMockChannel(100), hashes, 0,
		[]chaincfg.Checkpoint{{Height: 9, Hash: &chainhash.Hash{0xdd}}})
	require.EqualValues(t, 9, protocol.TargetHeight())
}
