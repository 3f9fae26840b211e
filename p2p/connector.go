package p2p

import (
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/flintlabs/flintd/chainsync"
)

const (
	// defaultDialTimeout bounds the TCP dial.
	defaultDialTimeout = 10 * time.Second

	// defaultHandshakeTimeout bounds the version/verack exchange.
	defaultHandshakeTimeout = 15 * time.Second
)

// ConnectorConfig packages the information a Connector needs to dial peers
// and complete the Bitcoin version handshake.
type ConnectorConfig struct {
	// Params identifies the network being dialed.
	Params *chaincfg.Params

	// UserAgentName is the agent name advertised in the handshake.
	UserAgentName string

	// UserAgentVersion is the agent version advertised in the handshake.
	UserAgentVersion string

	// BestHeight returns the height of our chain tip, advertised in the
	// handshake.
	BestHeight func() int32

	// DialTimeout bounds the TCP dial. Zero selects the default.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the version exchange. Zero selects the
	// default.
	HandshakeTimeout time.Duration
}

// Connector dials candidate peers and returns started channels with the
// version handshake complete. It implements chainsync.Connector.
type Connector struct {
	cfg ConnectorConfig
}

// NewConnector creates a connector for the given network.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	return &Connector{cfg: cfg}
}

// Connect dials the given address, performs the version handshake and
// returns a started channel.
func (c *Connector) Connect(addr string) (chainsync.Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %v: %w", addr, err)
	}

	peerVersion, protocolVersion, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %v failed: %w", addr,
			err)
	}

	log.Debugf("Negotiated protocol version %d with [%v] (agent %s, "+
		"height %d)", protocolVersion, addr, peerVersion.UserAgent,
		peerVersion.StartHeight)

	channel := newChannel(conn, c.cfg.Params.Net, protocolVersion,
		peerVersion)
	channel.start()

	return channel, nil
}

// handshake exchanges version and verack messages on a fresh connection and
// returns the peer's advertised version data along with the negotiated
// protocol version.
func (c *Connector) handshake(conn net.Conn) (*chainsync.PeerVersion, uint32,
	error) {

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, 0, err
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, 0, err
	}

	local := addrFor(conn.LocalAddr())
	remote := addrFor(conn.RemoteAddr())

	localVersion := wire.NewMsgVersion(local, remote, nonce,
		c.cfg.BestHeight())
	err = localVersion.AddUserAgent(c.cfg.UserAgentName,
		c.cfg.UserAgentVersion)
	if err != nil {
		return nil, 0, err
	}

	err = wire.WriteMessage(conn, localVersion, wire.ProtocolVersion,
		c.cfg.Params.Net)
	if err != nil {
		return nil, 0, err
	}

	// The peer's version must be the first message on the wire.
	msg, _, err := wire.ReadMessage(conn, wire.ProtocolVersion,
		c.cfg.Params.Net)
	if err != nil {
		return nil, 0, err
	}
	remoteVersion, ok := msg.(*wire.MsgVersion)
	if !ok {
		return nil, 0, fmt.Errorf("expected version message, got %s",
			msg.Command())
	}
	if remoteVersion.Nonce == nonce {
		return nil, 0, fmt.Errorf("connected to self")
	}

	log.Tracef("Remote version: %v", spew.Sdump(remoteVersion))

	protocolVersion := wire.ProtocolVersion
	if remote := uint32(remoteVersion.ProtocolVersion); remote < protocolVersion {
		protocolVersion = remote
	}

	err = wire.WriteMessage(conn, wire.NewMsgVerAck(), protocolVersion,
		c.cfg.Params.Net)
	if err != nil {
		return nil, 0, err
	}

	// Newer peers may front-run the verack with feature negotiation
	// (sendaddrv2, wtxidrelay and friends); skip anything else until the
	// verack arrives.
	for {
		msg, _, err := wire.ReadMessage(conn, protocolVersion,
			c.cfg.Params.Net)
		if err != nil {
			if _, ok := err.(*wire.MessageError); ok {
				continue
			}
			return nil, 0, err
		}
		if _, ok := msg.(*wire.MsgVerAck); ok {
			break
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, 0, err
	}

	peerVersion := &chainsync.PeerVersion{
		ProtocolVersion: protocolVersion,
		Services:        remoteVersion.Services,
		UserAgent:       remoteVersion.UserAgent,
		StartHeight:     remoteVersion.LastBlock,
	}

	return peerVersion, protocolVersion, nil
}

// addrFor converts a connection endpoint into the wire form used in version
// messages.
func addrFor(addr net.Addr) *wire.NetAddress {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	}

	return wire.NewNetAddress(tcpAddr, 0)
}
