package chainsync

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// timeout bounds every blocking wait in the tests.
const timeout = 5 * time.Second

// testSeed is the trusted starting hash used throughout the tests.
var testSeed = chainhash.Hash{0x01}

// mockChannel implements Channel against in-memory queues.
type mockChannel struct {
	mtx sync.Mutex

	addr    net.Addr
	version *PeerVersion

	// sent mirrors every message handed to SendMessage.
	sent chan wire.Message

	// sendErr, when set, is returned by SendMessage.
	sendErr error

	subs map[string][]chan wire.Message

	stopCode Code
	stop     sync.Once
	quit     chan struct{}
}

func newMockChannel(startHeight int32) *mockChannel {
	return &mockChannel{
		addr: &net.TCPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 8333,
		},
		version: &PeerVersion{
			ProtocolVersion: wire.ProtocolVersion,
			Services:        wire.SFNodeNetwork,
			UserAgent:       "/mock:0.1/",
			StartHeight:     startHeight,
		},
		sent: make(chan wire.Message, 100),
		subs: make(map[string][]chan wire.Message),
		quit: make(chan struct{}),
	}
}

func (m *mockChannel) RemoteAddr() net.Addr {
	return m.addr
}

func (m *mockChannel) PeerVersion() *PeerVersion {
	return m.version
}

func (m *mockChannel) SendMessage(msg wire.Message) error {
	m.mtx.Lock()
	sendErr := m.sendErr
	m.mtx.Unlock()

	if sendErr != nil {
		return sendErr
	}
	if m.Stopped() {
		return ErrChannelStopped
	}

	m.sent <- msg
	return nil
}

func (m *mockChannel) Subscribe(command string) (<-chan wire.Message, func()) {
	msgs := make(chan wire.Message, 100)

	m.mtx.Lock()
	m.subs[command] = append(m.subs[command], msgs)
	m.mtx.Unlock()

	return msgs, func() {}
}

func (m *mockChannel) Stop(code Code) {
	m.stop.Do(func() {
		m.stopCode = code
		close(m.quit)
	})
}

func (m *mockChannel) Stopped() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

func (m *mockChannel) Quit() <-chan struct{} {
	return m.quit
}

// failSend makes every subsequent SendMessage fail.
func (m *mockChannel) failSend() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.sendErr = errors.New("broken pipe")
}

// deliver feeds a message to every subscriber of its command.
func (m *mockChannel) deliver(msg wire.Message) {
	m.mtx.Lock()
	subs := append([]chan wire.Message(nil), m.subs[msg.Command()]...)
	m.mtx.Unlock()

	for _, sub := range subs {
		sub <- msg
	}
}

// waitSent returns the next message of type T handed to SendMessage,
// discarding others (the attached ping/addr exchanges send their own).
func waitSent[T wire.Message](t *testing.T, m *mockChannel) T {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-m.sent:
			if typed, ok := msg.(T); ok {
				return typed
			}

		case <-deadline:
			t.Fatalf("timeout waiting for sent message")
		}
	}
}

// assertNothingSent fails the test when a message of type T was handed to
// SendMessage within a short window.
func assertNothingSent[T wire.Message](t *testing.T, m *mockChannel) {
	t.Helper()

	deadline := time.After(20 * time.Millisecond)
	for {
		select {
		case msg := <-m.sent:
			if _, ok := msg.(T); ok {
				t.Fatalf("unexpected sent message %T", msg)
			}

		case <-deadline:
			return
		}
	}
}

// waitDone returns the protocol completion code.
func waitDone(t *testing.T, done <-chan Code) Code {
	t.Helper()

	select {
	case code := <-done:
		return code
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for completion")
		return 0
	}
}

// assertNotDone fails the test when a completion arrives within a short
// window.
func assertNotDone(t *testing.T, done <-chan Code) {
	t.Helper()

	select {
	case code := <-done:
		t.Fatalf("unexpected completion: %v", code)
	case <-time.After(20 * time.Millisecond):
	}
}

// makeHeaders builds a linked header chain of length n rooted at prev.
func makeHeaders(prev chainhash.Hash, n int) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, n)
	for i := range headers {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1231006505+int64(i), 0),
			Bits:      0x1d00ffff,
			Nonce:     uint32(i) + 1,
		}
		headers[i] = header
		prev = header.BlockHash()
	}

	return headers
}

// headersMsg wraps headers into a wire message.
func headersMsg(headers ...*wire.BlockHeader) *wire.MsgHeaders {
	msg := wire.NewMsgHeaders()
	for _, header := range headers {
		_ = msg.AddBlockHeader(header)
	}
	return msg
}

// appendHeaders extends the hash list with the given headers' hashes.
func appendHeaders(hashes *HashList, headers ...*wire.BlockHeader) {
	for _, header := range headers {
		hashes.Append(header.BlockHash())
	}
}

// makeBlocks builds a linked chain of n blocks rooted at prev and returns
// the blocks.
func makeBlocks(prev chainhash.Hash, n int) []*wire.MsgBlock {
	headers := makeHeaders(prev, n)
	blocks := make([]*wire.MsgBlock, n)
	for i, header := range headers {
		blocks[i] = &wire.MsgBlock{Header: *header}
	}

	return blocks
}

// mockStore records stored blocks keyed by height.
type mockStore struct {
	mtx    sync.Mutex
	blocks map[uint32]*chainhash.Hash
	order  []uint32

	// failAt, when non-zero, makes the store reject that height.
	failAt uint32
}

func newMockStore() *mockStore {
	return &mockStore{blocks: make(map[uint32]*chainhash.Hash)}
}

func (s *mockStore) StoreBlock(height uint32, block *btcutil.Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failAt != 0 && height == s.failAt {
		return errors.New("disk full")
	}

	if _, ok := s.blocks[height]; !ok {
		s.order = append(s.order, height)
	}
	s.blocks[height] = block.Hash()

	return nil
}

// storedOrder returns the heights in first-store order.
func (s *mockStore) storedOrder() []uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return append([]uint32(nil), s.order...)
}

// mockHostStore hands out its addresses round-robin forever, and errors when
// it has none.
type mockHostStore struct {
	mtx   sync.Mutex
	addrs []string
	next  int

	received []*wire.NetAddress
}

func newMockHostStore(addrs ...string) *mockHostStore {
	return &mockHostStore{addrs: addrs}
}

func (h *mockHostStore) FetchAddress() (string, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if len(h.addrs) == 0 {
		return "", errors.New("no addresses")
	}

	addr := h.addrs[h.next%len(h.addrs)]
	h.next++

	return addr, nil
}

func (h *mockHostStore) AddAddresses(addrs []*wire.NetAddress) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.received = append(h.received, addrs...)
}

// mockConnector hands out scripted channels, then errors.
type mockConnector struct {
	mtx      sync.Mutex
	channels []*mockChannel
	drivers  []func(*mockChannel)
}

func newMockConnector() *mockConnector {
	return &mockConnector{}
}

// enqueue schedules a channel to be handed to the next Connect call, with a
// driver goroutine playing the peer side.
func (c *mockConnector) enqueue(channel *mockChannel,
	driver func(*mockChannel)) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.channels = append(c.channels, channel)
	c.drivers = append(c.drivers, driver)
}

func (c *mockConnector) Connect(addr string) (Channel, error) {
	c.mtx.Lock()

	if len(c.channels) == 0 {
		c.mtx.Unlock()

		// Pace the redial loop the way a failing dial would.
		time.Sleep(time.Millisecond)
		return nil, errors.New("connection refused")
	}

	channel := c.channels[0]
	driver := c.drivers[0]
	c.channels = c.channels[1:]
	c.drivers = c.drivers[1:]

	c.mtx.Unlock()

	if driver != nil {
		go driver(channel)
	}

	return channel, nil
}

// requireHashes asserts the hash list contents.
func requireHashes(t *testing.T, hashes *HashList, want ...chainhash.Hash) {
	t.Helper()

	require.Equal(t, len(want), hashes.Len())
	for i, hash := range want {
		require.Equal(t, hash, hashes.Hash(i))
	}
}
