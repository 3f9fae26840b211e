package chainsync

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

// defaultPingInterval is how often a sync channel is pinged.
const defaultPingInterval = 2 * time.Minute

// PingExchangeConfig packages the dependencies of a PingExchange.
type PingExchangeConfig struct {
	// Channel is the peer channel to keep alive.
	Channel Channel

	// PingTick overrides the outbound ping ticker. If nil, a real ticker
	// at the default interval is used.
	PingTick ticker.Ticker
}

// PingExchange keeps a sync channel alive: it answers the peer's pings and
// sends its own on a timer. It runs until the channel stops.
type PingExchange struct {
	started sync.Once

	cfg PingExchangeConfig

	wg sync.WaitGroup
}

// NewPingExchange creates a ping exchange for the given channel.
func NewPingExchange(cfg PingExchangeConfig) *PingExchange {
	if cfg.PingTick == nil {
		cfg.PingTick = ticker.New(defaultPingInterval)
	}
	return &PingExchange{cfg: cfg}
}

// Start begins answering and sending pings.
func (p *PingExchange) Start() {
	p.started.Do(func() {
		msgChan, cancel := p.cfg.Channel.Subscribe(wire.CmdPing)

		p.wg.Add(1)
		go p.pingHandler(msgChan, cancel)
	})
}

// WaitForShutdown blocks until the exchange goroutine has exited.
func (p *PingExchange) WaitForShutdown() {
	p.wg.Wait()
}

// pingHandler answers peer pings with matching pongs and emits its own pings
// at the configured interval.
func (p *PingExchange) pingHandler(msgChan <-chan wire.Message, cancel func()) {
	defer p.wg.Done()
	defer cancel()

	pingTick := p.cfg.PingTick
	pingTick.Resume()
	defer pingTick.Stop()

	for {
		select {
		case msg := <-msgChan:
			ping, ok := msg.(*wire.MsgPing)
			if !ok {
				continue
			}
			pong := wire.NewMsgPong(ping.Nonce)
			if err := p.cfg.Channel.SendMessage(pong); err != nil {
				return
			}

		case <-pingTick.Ticks():
			nonce, err := wire.RandomUint64()
			if err != nil {
				log.Errorf("Unable to generate ping nonce: %v",
					err)
				continue
			}
			err = p.cfg.Channel.SendMessage(wire.NewMsgPing(nonce))
			if err != nil {
				return
			}

		case <-p.cfg.Channel.Quit():
			return
		}
	}
}
