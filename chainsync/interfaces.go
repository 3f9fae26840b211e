package chainsync

import (
	"net"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// PeerVersion is the subset of the remote version handshake that the sync
// protocols act on.
type PeerVersion struct {
	// ProtocolVersion is the negotiated wire protocol version.
	ProtocolVersion uint32

	// Services is the service bitfield the peer advertised.
	Services wire.ServiceFlag

	// UserAgent is the peer's advertised user agent.
	UserAgent string

	// StartHeight is the block height the peer claimed during the
	// handshake. Peers whose start height cannot cover a sync target are
	// rejected before any request is issued.
	StartHeight int32
}

// Channel is a single peer connection with the version handshake already
// complete. Message delivery within a channel preserves the order in which
// messages arrive from the peer.
type Channel interface {
	// RemoteAddr returns the network address of the remote peer.
	RemoteAddr() net.Addr

	// PeerVersion returns the handshake data advertised by the peer.
	PeerVersion() *PeerVersion

	// SendMessage enqueues a message for delivery to the peer. It returns
	// ErrChannelStopped once the channel has been stopped.
	SendMessage(msg wire.Message) error

	// Subscribe registers interest in all inbound messages carrying the
	// given wire command. It returns the delivery channel and a cancel
	// function that unregisters the subscription.
	Subscribe(command string) (<-chan wire.Message, func())

	// Stop tears the channel down with the given code. It is idempotent.
	Stop(code Code)

	// Stopped reports whether the channel has been stopped.
	Stopped() bool

	// Quit returns a channel that is closed once the channel has been
	// stopped.
	Quit() <-chan struct{}
}

// Connector establishes channels to candidate peers, performing the Bitcoin
// version handshake before returning.
type Connector interface {
	// Connect dials the given address and completes the handshake.
	Connect(addr string) (Channel, error)
}

// HostStore yields candidate peer addresses for dialing and accepts
// addresses learned from peer address relay.
type HostStore interface {
	// FetchAddress returns the next candidate peer address. It blocks
	// until an address is available or the store is stopped.
	FetchAddress() (string, error)

	// AddAddresses records peer addresses learned from addr messages.
	AddAddresses(addrs []*wire.NetAddress)
}

// BlockStore commits downloaded blocks. Stores must tolerate the same block
// being committed more than once, since quorum sync delivers each block from
// multiple peers.
type BlockStore interface {
	// StoreBlock commits the block at the given height.
	StoreBlock(height uint32, block *btcutil.Block) error
}
