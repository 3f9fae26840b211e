package p2p

import (
	"net"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/flintlabs/flintd/chainsync"
	"github.com/lightningnetwork/lnd/queue"
)

// subscriberBuffer is the per-subscription delivery buffer. A subscription
// that stalls for this many messages has its channel blocked rather than
// messages dropped, preserving per-channel delivery order.
const subscriberBuffer = 50

// subscription is one typed message subscription on a channel.
type subscription struct {
	command string
	msgs    chan wire.Message

	// cancelled is closed when the subscriber unregisters, releasing any
	// dispatch blocked on a full buffer.
	cancelled chan struct{}
}

// channel is a single peer connection with the version handshake complete.
// A reader goroutine decodes inbound messages and dispatches them to typed
// subscribers in arrival order; a writer goroutine drains an unbounded send
// queue to the wire. It implements chainsync.Channel.
type channel struct {
	conn            net.Conn
	btcnet          wire.BitcoinNet
	protocolVersion uint32
	peerVersion     *chainsync.PeerVersion

	sendQueue *queue.ConcurrentQueue

	subsMtx sync.Mutex
	subs    map[string][]*subscription

	stop sync.Once
	quit chan struct{}
	wg   sync.WaitGroup
}

// newChannel wraps an established connection. start must be called before
// use.
func newChannel(conn net.Conn, btcnet wire.BitcoinNet,
	protocolVersion uint32, peerVersion *chainsync.PeerVersion) *channel {

	return &channel{
		conn:            conn,
		btcnet:          btcnet,
		protocolVersion: protocolVersion,
		peerVersion:     peerVersion,
		sendQueue:       queue.NewConcurrentQueue(20),
		subs:            make(map[string][]*subscription),
		quit:            make(chan struct{}),
	}
}

// start launches the reader and writer goroutines.
func (c *channel) start() {
	c.sendQueue.Start()

	c.wg.Add(2)
	go c.readHandler()
	go c.writeHandler()
}

// RemoteAddr returns the network address of the remote peer.
func (c *channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// PeerVersion returns the handshake data advertised by the peer.
func (c *channel) PeerVersion() *chainsync.PeerVersion {
	return c.peerVersion
}

// SendMessage enqueues a message for delivery to the peer.
func (c *channel) SendMessage(msg wire.Message) error {
	if c.Stopped() {
		return chainsync.ErrChannelStopped
	}

	select {
	case c.sendQueue.ChanIn() <- msg:
		return nil
	case <-c.quit:
		return chainsync.ErrChannelStopped
	}
}

// Subscribe registers interest in inbound messages carrying the given wire
// command. Delivery preserves arrival order per channel.
func (c *channel) Subscribe(command string) (<-chan wire.Message, func()) {
	sub := &subscription{
		command:   command,
		msgs:      make(chan wire.Message, subscriberBuffer),
		cancelled: make(chan struct{}),
	}

	c.subsMtx.Lock()
	c.subs[command] = append(c.subs[command], sub)
	c.subsMtx.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(sub.cancelled)

			c.subsMtx.Lock()
			defer c.subsMtx.Unlock()

			subs := c.subs[command]
			for i, candidate := range subs {
				if candidate == sub {
					c.subs[command] = append(subs[:i],
						subs[i+1:]...)
					break
				}
			}
		})
	}

	return sub.msgs, cancel
}

// Stop tears the channel down. It is idempotent; the first code wins.
func (c *channel) Stop(code chainsync.Code) {
	c.stop.Do(func() {
		log.Debugf("Stopping channel [%v]: %v", c.RemoteAddr(), code)

		close(c.quit)
		c.conn.Close()

		// Release the writer before stopping the queue so Stop does
		// not wait on a blocked consumer.
		c.wg.Wait()
		c.sendQueue.Stop()
	})
}

// Stopped reports whether the channel has been stopped.
func (c *channel) Stopped() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// Quit returns a channel closed once this channel has been stopped.
func (c *channel) Quit() <-chan struct{} {
	return c.quit
}

// readHandler decodes inbound messages and dispatches them to subscribers
// until the connection fails or the channel stops.
func (c *channel) readHandler() {
	defer c.wg.Done()

	for {
		msg, _, err := wire.ReadMessage(c.conn, c.protocolVersion,
			c.btcnet)
		if err != nil {
			// Unknown or malformed messages are not fatal to the
			// connection, only to the message.
			if _, ok := err.(*wire.MessageError); ok {
				log.Tracef("Discarding message from [%v]: %v",
					c.RemoteAddr(), err)
				continue
			}

			if !c.Stopped() {
				log.Debugf("Read error from [%v]: %v",
					c.RemoteAddr(), err)
			}
			go c.Stop(chainsync.ChannelStopped)
			return
		}

		c.dispatch(msg)
	}
}

// dispatch delivers a decoded message to every subscriber of its command.
func (c *channel) dispatch(msg wire.Message) {
	c.subsMtx.Lock()
	subs := make([]*subscription, len(c.subs[msg.Command()]))
	copy(subs, c.subs[msg.Command()])
	c.subsMtx.Unlock()

	for _, sub := range subs {
		select {
		case sub.msgs <- msg:
		case <-sub.cancelled:
		case <-c.quit:
			return
		}
	}
}

// writeHandler drains the send queue to the wire until the channel stops.
func (c *channel) writeHandler() {
	defer c.wg.Done()

	for {
		select {
		case item := <-c.sendQueue.ChanOut():
			msg := item.(wire.Message)
			err := wire.WriteMessage(c.conn, msg,
				c.protocolVersion, c.btcnet)
			if err != nil {
				if !c.Stopped() {
					log.Debugf("Write error to [%v]: %v",
						c.RemoteAddr(), err)
				}
				go c.Stop(chainsync.ChannelStopped)
				return
			}

		case <-c.quit:
			return
		}
	}
}
