package chainsync

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/ticker"
)

// defaultSyncPeers is the number of concurrent block sync channels a session
// keeps in flight when the config does not specify one.
const defaultSyncPeers = 8

// BlockSyncSessionConfig packages the collaborators of a block sync session.
type BlockSyncSessionConfig struct {
	// Hosts yields candidate peers and absorbs relayed addresses.
	Hosts HostStore

	// Connector dials candidate peers.
	Connector Connector

	// Hashes is the frozen hash list produced by header sync.
	Hashes *HashList

	// FirstHeight is the height of the trusted seed at Hashes index 0.
	FirstHeight uint32

	// Store receives downloaded blocks.
	Store BlockStore

	// MinimumRate is the minimum acceptable block sync rate in blocks
	// per minute.
	MinimumRate uint32

	// Quorum is the number of peers that must each complete the block
	// sync protocol before the session succeeds. Must be at least 1.
	Quorum uint32

	// Parallelism is the number of dials kept in flight. Zero selects
	// the default.
	Parallelism int

	// BatchSize bounds the number of blocks requested per getdata.
	BatchSize int

	// NewRateTick overrides the per-attempt rate ticker, used by tests.
	// If nil, each attempt gets a real one-minute ticker.
	NewRateTick func() ticker.Ticker
}

// BlockSyncSession downloads the block bodies for the frozen hash list from
// several peers at once. Each successful per-peer completion counts as one
// vote; the session succeeds once the votes reach the configured quorum.
// Requiring several independent successes is a weak agreement check that
// reduces single-peer tampering risk before full validation. Failed or
// completed channels are replaced with new dials so the in-flight set stays
// populated until quorum.
type BlockSyncSession struct {
	stop sync.Once

	cfg BlockSyncSessionConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBlockSyncSession creates a block sync session.
func NewBlockSyncSession(cfg BlockSyncSessionConfig) *BlockSyncSession {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultSyncPeers
	}

	return &BlockSyncSession{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Stop aborts the session. All in-flight channels are torn down.
func (s *BlockSyncSession) Stop() {
	s.stop.Do(func() {
		close(s.quit)
	})
}

// Run dials peers concurrently and accepts per-peer completions until the
// quorum of successes is reached, then returns nil. It returns
// ErrSessionStopped if the session is stopped first.
func (s *BlockSyncSession) Run() error {
	if s.cfg.Quorum < 1 {
		return fmt.Errorf("block sync quorum must be positive, got %d",
			s.cfg.Quorum)
	}

	results := make(chan Code)

	for i := 0; i < s.cfg.Parallelism; i++ {
		s.wg.Add(1)
		go s.connectionLoop(results)
	}

	// Completions arrive on a single channel, so the vote count needs no
	// further synchronization.
	var votes uint32
	for votes < s.cfg.Quorum {
		select {
		case code := <-results:
			if code != Success {
				log.Debugf("Block sync channel stopped: %v",
					code)
				continue
			}

			votes++
			log.Infof("Block sync peer completed (%d/%d votes)",
				votes, s.cfg.Quorum)

		case <-s.quit:
			s.wg.Wait()
			return ErrSessionStopped
		}
	}

	// Quorum reached. Tear down the remaining channels.
	s.Stop()
	s.wg.Wait()

	return nil
}

// connectionLoop keeps one dial slot populated: it fetches an address,
// connects, runs the sync protocols, reports the outcome, and repeats until
// the session stops.
func (s *BlockSyncSession) connectionLoop(results chan<- Code) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		addr, err := s.cfg.Hosts.FetchAddress()
		if err != nil {
			log.Debugf("Unable to fetch sync address: %v", err)
			return
		}

		log.Infof("Contacting sync [%v]", addr)

		channel, err := s.cfg.Connector.Connect(addr)
		if err != nil {
			log.Debugf("Failure connecting [%v] sync: %v", addr,
				err)
			continue
		}

		log.Infof("Connected to sync [%v]", channel.RemoteAddr())

		code := s.syncOne(channel)

		select {
		case results <- code:
		case <-s.quit:
			return
		}
	}
}

// syncOne runs one block sync attempt on the given channel and returns its
// completion code.
func (s *BlockSyncSession) syncOne(channel Channel) Code {
	ping := NewPingExchange(PingExchangeConfig{Channel: channel})
	ping.Start()

	addrs := NewAddrExchange(AddrExchangeConfig{
		Channel: channel,
		Hosts:   s.cfg.Hosts,
	})
	addrs.Start()

	var rateTick ticker.Ticker
	if s.cfg.NewRateTick != nil {
		rateTick = s.cfg.NewRateTick()
	}

	blocks := NewBlockSync(BlockSyncConfig{
		Channel:     channel,
		MinimumRate: s.cfg.MinimumRate,
		FirstHeight: s.cfg.FirstHeight,
		Hashes:      s.cfg.Hashes,
		Store:       s.cfg.Store,
		BatchSize:   s.cfg.BatchSize,
		RateTick:    rateTick,
	})
	blocks.Start()

	select {
	case code := <-blocks.Done():
		return code

	case <-s.quit:
		channel.Stop(ChannelStopped)
		return <-blocks.Done()
	}
}
