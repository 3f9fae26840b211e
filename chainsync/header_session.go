package chainsync

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/ticker"
)

// HeaderSyncSessionConfig packages the collaborators of a header sync
// session.
type HeaderSyncSessionConfig struct {
	// Hosts yields candidate peers and absorbs relayed addresses.
	Hosts HostStore

	// Connector dials candidate peers.
	Connector Connector

	// Hashes is the shared hash list, seeded with the trusted starting
	// hash. Progress made by one peer attempt is visible to the next.
	Hashes *HashList

	// FirstHeight is the height of the trusted seed at Hashes index 0.
	FirstHeight uint32

	// Checkpoints is the checkpoint list, possibly empty. The session
	// sorts its own copy.
	Checkpoints []chaincfg.Checkpoint

	// MinimumRate is the minimum acceptable header sync rate in headers
	// per second.
	MinimumRate uint32

	// NewRateTick overrides the per-attempt rate ticker, used by tests.
	// If nil, each attempt gets a real one-second ticker.
	NewRateTick func() ticker.Ticker
}

// HeaderSyncSession completes the header chain once by trying peers one at a
// time. Header sync is not parallelizable without cross-validation, so only
// one channel is ever active; each new peer continues from whatever prefix
// the previous one left behind.
type HeaderSyncSession struct {
	stop sync.Once

	cfg HeaderSyncSessionConfig

	checkpoints []chaincfg.Checkpoint

	quit chan struct{}
}

// NewHeaderSyncSession creates a header sync session.
func NewHeaderSyncSession(cfg HeaderSyncSessionConfig) *HeaderSyncSession {
	checkpoints := make([]chaincfg.Checkpoint, len(cfg.Checkpoints))
	copy(checkpoints, cfg.Checkpoints)
	SortCheckpoints(checkpoints)

	return &HeaderSyncSession{
		cfg:         cfg,
		checkpoints: checkpoints,
		quit:        make(chan struct{}),
	}
}

// Stop aborts the retry loop. Any active channel is torn down.
func (s *HeaderSyncSession) Stop() {
	s.stop.Do(func() {
		close(s.quit)
	})
}

// Run dials peers serially until one completes the header chain, then
// returns nil. It returns ErrSessionStopped if the session is stopped first.
func (s *HeaderSyncSession) Run() error {
	for {
		select {
		case <-s.quit:
			return ErrSessionStopped
		default:
		}

		addr, err := s.cfg.Hosts.FetchAddress()
		if err != nil {
			return fmt.Errorf("unable to fetch sync address: %w",
				err)
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
		if code == Success {
			return nil
		}

		log.Debugf("Header sync channel stopped: %v", code)
	}
}

// syncOne runs one header sync attempt on the given channel and returns its
// completion code.
func (s *HeaderSyncSession) syncOne(channel Channel) Code {
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

	headers := NewHeaderSync(HeaderSyncConfig{
		Channel:     channel,
		MinimumRate: s.cfg.MinimumRate,
		FirstHeight: s.cfg.FirstHeight,
		Hashes:      s.cfg.Hashes,
		Checkpoints: s.checkpoints,
		RateTick:    rateTick,
	})
	headers.Start()

	select {
	case code := <-headers.Done():
		return code

	case <-s.quit:
		// Stopping the channel completes the protocol, so drain its
		// code to guarantee the hash list has been released.
		channel.Stop(ChannelStopped)
		return <-headers.Done()
	}
}
