package chainsync

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// maxBlockRequest caps the number of inventory vectors in a single
	// getdata request.
	maxBlockRequest = wire.MaxInvPerMsg

	// defaultBlockBatch is the getdata batch size used when the config
	// does not specify one.
	defaultBlockBatch = 500

	// blockRateInterval is the window over which the block sync rate is
	// measured, in units of the minimum rate (blocks per minute).
	blockRateInterval = time.Minute
)

// BlockSyncConfig packages the information a BlockSync needs to download the
// block bodies for the frozen hash list on one channel.
type BlockSyncConfig struct {
	// Channel is the peer channel the protocol runs on.
	Channel Channel

	// MinimumRate is the minimum acceptable sync rate in blocks per
	// minute. Channels below it are evicted with ChannelTimeout.
	MinimumRate uint32

	// FirstHeight is the height of the trusted seed at Hashes index 0.
	// The seed's block is not downloaded; download starts at the next
	// index.
	FirstHeight uint32

	// Hashes is the frozen hash list shared read-only with every other
	// block sync protocol of the session.
	Hashes *HashList

	// Store receives each downloaded block, in hash list order.
	Store BlockStore

	// BatchSize bounds the number of blocks requested per getdata. Zero
	// selects the default; values above maxBlockRequest are clamped.
	BatchSize int

	// RateTick overrides the one-minute rate ticker. If nil, a real
	// ticker is used.
	RateTick ticker.Ticker
}

// BlockSync drives a single channel through batched getdata/block exchanges
// until every block of the assigned hash slice has been delivered to the
// store, in order. It reports exactly one Code on Done and stops its channel
// on completion. The run succeeds only once the entire slice has been
// stored.
type BlockSync struct {
	started   sync.Once
	completed sync.Once

	cfg BlockSyncConfig

	// hashIndex is the index of the next expected block. Index 0 is the
	// trusted seed, so downloads begin at 1.
	hashIndex int

	// startIndex is hashIndex at construction, the baseline for rate
	// measurement.
	startIndex int

	// requested is the index up to which getdata has been issued.
	requested int

	// currentMinute counts elapsed rate ticks.
	currentMinute uint32

	done chan Code

	wg sync.WaitGroup
}

// NewBlockSync creates a block sync protocol for the given channel.
func NewBlockSync(cfg BlockSyncConfig) *BlockSync {
	if cfg.RateTick == nil {
		cfg.RateTick = ticker.New(blockRateInterval)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBlockBatch
	}
	if cfg.BatchSize > maxBlockRequest {
		cfg.BatchSize = maxBlockRequest
	}

	return &BlockSync{
		cfg:        cfg,
		hashIndex:  1,
		startIndex: 1,
		requested:  1,
		done:       make(chan Code, 1),
	}
}

// Done returns the channel on which the single completion code is delivered.
func (b *BlockSync) Done() <-chan Code {
	return b.done
}

// currentHeight is the height of the next expected block.
func (b *BlockSync) currentHeight() uint32 {
	return b.cfg.FirstHeight + uint32(b.hashIndex)
}

// targetHeight is the height of the last hash in the list.
func (b *BlockSync) targetHeight() uint32 {
	return b.cfg.FirstHeight + uint32(b.cfg.Hashes.Len()) - 1
}

// Start begins the sync sequence. Peers whose advertised start height cannot
// cover the target are rejected without issuing a request.
func (b *BlockSync) Start() {
	b.started.Do(func() {
		peer := b.cfg.Channel.PeerVersion()
		if peer.StartHeight < int32(b.targetHeight()) {
			log.Infof("Start height (%d) below block sync "+
				"target (%d) from [%v]", peer.StartHeight,
				b.targetHeight(), b.cfg.Channel.RemoteAddr())

			b.complete(ChannelStopped)
			return
		}

		msgChan, cancel := b.cfg.Channel.Subscribe(wire.CmdBlock)

		b.wg.Add(1)
		go b.syncBlocks(msgChan, cancel)
	})
}

// WaitForShutdown blocks until the protocol goroutine has exited.
func (b *BlockSync) WaitForShutdown() {
	b.wg.Wait()
}

// syncBlocks is the protocol's main loop. Receives and rate ticks are
// multiplexed onto this single goroutine, so at most one handler runs at a
// time.
func (b *BlockSync) syncBlocks(msgChan <-chan wire.Message, cancel func()) {
	defer b.wg.Done()
	defer cancel()

	rateTick := b.cfg.RateTick
	rateTick.Resume()
	defer rateTick.Stop()

	if b.sendGetBlocks() {
		return
	}

	for {
		select {
		case msg := <-msgChan:
			block, ok := msg.(*wire.MsgBlock)
			if !ok {
				continue
			}
			if b.handleBlock(block) {
				return
			}

		case <-rateTick.Ticks():
			if b.handleRateTick() {
				return
			}

		case <-b.cfg.Channel.Quit():
			b.complete(ChannelStopped)
			return
		}
	}
}

// sendGetBlocks requests the next batch of blocks, or completes the run with
// Success when the whole slice has been stored. It returns true once the run
// has completed.
func (b *BlockSync) sendGetBlocks() bool {
	if b.hashIndex == b.cfg.Hashes.Len() {
		b.complete(Success)
		return true
	}

	end := b.requested + b.cfg.BatchSize
	if end > b.cfg.Hashes.Len() {
		end = b.cfg.Hashes.Len()
	}

	packet := wire.NewMsgGetDataSizeHint(uint(end - b.requested))
	for i := b.requested; i < end; i++ {
		hash := b.cfg.Hashes.Hash(i)
		_ = packet.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash))
	}

	if err := b.cfg.Channel.SendMessage(packet); err != nil {
		log.Debugf("Failure sending get data to sync [%v]: %v",
			b.cfg.Channel.RemoteAddr(), err)
		b.complete(SendFailed)
		return true
	}

	b.requested = end
	return false
}

// handleBlock stores the next expected block and advances. Blocks that do
// not match the expected hash are unsolicited announcements and are ignored.
// It returns true once the run has completed.
func (b *BlockSync) handleBlock(message *wire.MsgBlock) bool {
	hash := message.BlockHash()
	if hash != b.cfg.Hashes.Hash(b.hashIndex) {
		log.Infof("Out of order block %v from [%v] (ignored)",
			hash, b.cfg.Channel.RemoteAddr())
		return false
	}

	block := btcutil.NewBlock(message)
	block.SetHeight(int32(b.currentHeight()))
	if err := b.cfg.Store.StoreBlock(b.currentHeight(), block); err != nil {
		log.Errorf("Failure storing block #%d from [%v]: %v",
			b.currentHeight(), b.cfg.Channel.RemoteAddr(), err)
		b.complete(OperationFailed)
		return true
	}

	log.Debugf("Synced block #%d from [%v]", b.currentHeight(),
		b.cfg.Channel.RemoteAddr())

	b.hashIndex++
	blocksStored.Inc()

	// Re-request once the current batch has drained, or complete if this
	// was the last block of the slice.
	if b.hashIndex == b.requested {
		return b.sendGetBlocks()
	}

	return false
}

// currentRate is the average sync rate in blocks per minute since start.
func (b *BlockSync) currentRate() uint32 {
	return uint32(b.hashIndex-b.startIndex) / b.currentMinute
}

// handleRateTick accounts one elapsed minute and evicts the channel if the
// average rate has fallen below the minimum. It returns true once the run
// has completed.
func (b *BlockSync) handleRateTick() bool {
	b.currentMinute++

	if b.currentRate() < b.cfg.MinimumRate {
		log.Infof("Block sync rate (%d/min) from [%v]",
			b.currentRate(), b.cfg.Channel.RemoteAddr())
		rateEvictions.WithLabelValues("blocks").Inc()
		b.complete(ChannelTimeout)
		return true
	}

	return false
}

// complete delivers the completion code exactly once and stops the channel.
// The session does not need to handle the channel stop.
func (b *BlockSync) complete(code Code) {
	b.completed.Do(func() {
		peerAttempts.WithLabelValues("blocks", code.String()).Inc()
		b.done <- code
		b.cfg.Channel.Stop(ChannelStopped)
	})
}
