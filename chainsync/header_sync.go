package chainsync

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

// fullHeaders is the number of headers in a maximal headers message. A
// response of exactly this size signals that the peer has more to give.
const fullHeaders = wire.MaxBlockHeadersPerMsg

// headerRateInterval is the window over which the header sync rate is
// measured, in units of the minimum rate (headers per second).
const headerRateInterval = time.Second

// HeaderSyncConfig packages the information a HeaderSync needs to drive one
// channel to completion of the header chain.
type HeaderSyncConfig struct {
	// Channel is the peer channel the protocol runs on.
	Channel Channel

	// MinimumRate is the minimum acceptable sync rate in headers per
	// second. Channels below it are evicted with ChannelTimeout.
	MinimumRate uint32

	// FirstHeight is the height of the trusted seed at Hashes index 0.
	FirstHeight uint32

	// Hashes is the shared hash list. It must contain at least the
	// starting hash and is owned by this protocol for the duration of
	// the run.
	Hashes *HashList

	// Checkpoints is the sorted checkpoint list, possibly empty.
	Checkpoints []chaincfg.Checkpoint

	// RateTick overrides the one-second rate ticker. If nil, a real
	// ticker is used.
	RateTick ticker.Ticker
}

// HeaderSync drives a single channel through a series of getheaders/headers
// exchanges until the target height is reached or the channel is abandoned.
// It reports exactly one Code on Done and stops its channel on completion.
type HeaderSync struct {
	started   sync.Once
	completed sync.Once

	cfg HeaderSyncConfig

	// startSize is the hash list length at construction, used as the
	// baseline for rate measurement.
	startSize int

	// targetHeight is the height the hash list must reach to succeed.
	targetHeight uint32

	// currentSecond counts elapsed rate ticks.
	currentSecond uint32

	done chan Code

	wg sync.WaitGroup
}

// NewHeaderSync creates a header sync protocol for the given channel. The
// target height is the maximum of the highest checkpoint and the height
// already represented by the hash list.
func NewHeaderSync(cfg HeaderSyncConfig) *HeaderSync {
	if cfg.RateTick == nil {
		cfg.RateTick = ticker.New(headerRateInterval)
	}

	currentHeight := cfg.FirstHeight + uint32(cfg.Hashes.Len()) - 1
	target := currentHeight
	if last := LastCheckpoint(cfg.Checkpoints); last != nil {
		if height := uint32(last.Height); height > target {
			target = height
		}
	}

	return &HeaderSync{
		cfg:          cfg,
		startSize:    cfg.Hashes.Len(),
		targetHeight: target,
		done:         make(chan Code, 1),
	}
}

// TargetHeight returns the height the protocol must reach.
func (h *HeaderSync) TargetHeight() uint32 {
	return h.targetHeight
}

// Done returns the channel on which the single completion code is delivered.
func (h *HeaderSync) Done() <-chan Code {
	return h.done
}

// Start begins the sync sequence. Peers whose advertised start height cannot
// cover the target are rejected without issuing a request.
func (h *HeaderSync) Start() {
	h.started.Do(func() {
		peer := h.cfg.Channel.PeerVersion()
		if peer.StartHeight < int32(h.targetHeight) {
			log.Infof("Start height (%d) below header sync "+
				"target (%d) from [%v]", peer.StartHeight,
				h.targetHeight, h.cfg.Channel.RemoteAddr())

			h.complete(ChannelStopped)
			return
		}

		msgChan, cancel := h.cfg.Channel.Subscribe(wire.CmdHeaders)

		h.wg.Add(1)
		go h.syncHeaders(msgChan, cancel)
	})
}

// WaitForShutdown blocks until the protocol goroutine has exited.
func (h *HeaderSync) WaitForShutdown() {
	h.wg.Wait()
}

// syncHeaders is the protocol's main loop. Receives and rate ticks are
// multiplexed onto this single goroutine, so at most one handler runs at a
// time.
func (h *HeaderSync) syncHeaders(msgChan <-chan wire.Message, cancel func()) {
	defer h.wg.Done()
	defer cancel()

	rateTick := h.cfg.RateTick
	rateTick.Resume()
	defer rateTick.Stop()

	if !h.sendGetHeaders() {
		return
	}

	for {
		select {
		case msg := <-msgChan:
			headers, ok := msg.(*wire.MsgHeaders)
			if !ok {
				continue
			}
			if h.handleHeaders(headers) {
				return
			}

		case <-rateTick.Ticks():
			if h.handleRateTick() {
				return
			}

		case <-h.cfg.Channel.Quit():
			h.complete(ChannelStopped)
			return
		}
	}
}

// sendGetHeaders requests the successors of the current chain tip. It
// returns false if the run has completed due to a send failure.
func (h *HeaderSync) sendGetHeaders() bool {
	locator := h.cfg.Hashes.Back()

	packet := wire.NewMsgGetHeaders()
	packet.AddBlockLocatorHash(&locator)

	if err := h.cfg.Channel.SendMessage(packet); err != nil {
		log.Debugf("Failure sending get headers to sync [%v]: %v",
			h.cfg.Channel.RemoteAddr(), err)
		h.complete(SendFailed)
		return false
	}

	return true
}

// nextHeight is the height of the next header to be appended.
func (h *HeaderSync) nextHeight() uint32 {
	return h.cfg.FirstHeight + uint32(h.cfg.Hashes.Len())
}

// mergeHeaders verifies linkage and checkpoint membership for each header in
// order, appending the hashes that pass. On the first failure the hash list
// is rolled back to its last trusted prefix and false is returned.
func (h *HeaderSync) mergeHeaders(message *wire.MsgHeaders) bool {
	previous := h.cfg.Hashes.Back()
	for _, header := range message.Headers {
		current := header.BlockHash()
		if header.PrevBlock != previous ||
			!ValidateCheckpoint(current, h.nextHeight(),
				h.cfg.Checkpoints) {

			h.rollback()
			return false
		}

		previous = current
		h.cfg.Hashes.Append(current)
		headersMerged.Inc()
	}

	return true
}

// rollback walks the checkpoints from highest height downward and truncates
// the hash list to end immediately after the first checkpoint hash found in
// it. A checkpoint match proves a correct prefix; without any, the list is
// reset to the seed.
func (h *HeaderSync) rollback() {
	checkpoints := h.cfg.Checkpoints
	for i := len(checkpoints) - 1; i >= 0; i-- {
		if idx := h.cfg.Hashes.IndexOf(*checkpoints[i].Hash); idx != -1 {
			h.cfg.Hashes.TruncateAfter(idx)
			return
		}
	}

	h.cfg.Hashes.ResetToSeed()
}

// handleHeaders merges a headers message and either continues the request
// loop or completes the run. It returns true once the run has completed.
func (h *HeaderSync) handleHeaders(message *wire.MsgHeaders) bool {
	if !h.mergeHeaders(message) {
		log.Infof("Failure merging headers from [%v]",
			h.cfg.Channel.RemoteAddr())
		h.complete(PreviousBlockInvalid)
		return true
	}

	log.Infof("Synced headers %d-%d from [%v]",
		h.nextHeight()-uint32(len(message.Headers)), h.nextHeight()-1,
		h.cfg.Channel.RemoteAddr())

	// A full message means the peer has more headers to give.
	if len(message.Headers) >= fullHeaders {
		return !h.sendGetHeaders()
	}

	// A short response means the peer has no more, so either the target
	// has been reached or this peer cannot complete the chain.
	if h.nextHeight() > h.targetHeight {
		h.complete(Success)
	} else {
		h.complete(OperationFailed)
	}

	return true
}

// currentRate is the average sync rate in headers per second since start.
func (h *HeaderSync) currentRate() uint32 {
	return uint32(h.cfg.Hashes.Len()-h.startSize) / h.currentSecond
}

// handleRateTick accounts one elapsed second and evicts the channel if the
// average rate has fallen below the minimum. It returns true once the run
// has completed.
func (h *HeaderSync) handleRateTick() bool {
	h.currentSecond++

	if h.currentRate() < h.cfg.MinimumRate {
		log.Infof("Header sync rate (%d/sec) from [%v]",
			h.currentRate(), h.cfg.Channel.RemoteAddr())
		rateEvictions.WithLabelValues("headers").Inc()
		h.complete(ChannelTimeout)
		return true
	}

	return false
}

// complete delivers the completion code exactly once and stops the channel.
// The session does not need to handle the channel stop.
func (h *HeaderSync) complete(code Code) {
	h.completed.Do(func() {
		peerAttempts.WithLabelValues("headers", code.String()).Inc()
		h.done <- code
		h.cfg.Channel.Stop(ChannelStopped)
	})
}
