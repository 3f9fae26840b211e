package chainsync

import (
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// AddrExchangeConfig packages the dependencies of an AddrExchange.
type AddrExchangeConfig struct {
	// Channel is the peer channel to harvest addresses from.
	Channel Channel

	// Hosts receives the harvested addresses.
	Hosts HostStore
}

// AddrExchange asks a sync peer for known addresses once and feeds every
// addr message it relays into the host store, so the sessions never run out
// of dial candidates. It runs until the channel stops.
type AddrExchange struct {
	started sync.Once

	cfg AddrExchangeConfig

	wg sync.WaitGroup
}

// NewAddrExchange creates an address exchange for the given channel.
func NewAddrExchange(cfg AddrExchangeConfig) *AddrExchange {
	return &AddrExchange{cfg: cfg}
}

// Start requests addresses and begins harvesting relayed ones.
func (a *AddrExchange) Start() {
	a.started.Do(func() {
		msgChan, cancel := a.cfg.Channel.Subscribe(wire.CmdAddr)

		a.wg.Add(1)
		go a.addrHandler(msgChan, cancel)
	})
}

// WaitForShutdown blocks until the exchange goroutine has exited.
func (a *AddrExchange) WaitForShutdown() {
	a.wg.Wait()
}

func (a *AddrExchange) addrHandler(msgChan <-chan wire.Message, cancel func()) {
	defer a.wg.Done()
	defer cancel()

	if err := a.cfg.Channel.SendMessage(wire.NewMsgGetAddr()); err != nil {
		return
	}

	for {
		select {
		case msg := <-msgChan:
			addr, ok := msg.(*wire.MsgAddr)
			if !ok {
				continue
			}
			a.cfg.Hosts.AddAddresses(addr.AddrList)

		case <-a.cfg.Channel.Quit():
			return
		}
	}
}
