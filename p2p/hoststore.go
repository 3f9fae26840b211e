package p2p

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
)

// ErrHostStoreStopped is returned by FetchAddress once the store has been
// stopped.
var ErrHostStoreStopped = errors.New("host store stopped")

// HostStoreConfig packages the sources a HostStore draws candidates from.
type HostStoreConfig struct {
	// Params identifies the network, providing the DNS seeds and the
	// default peer port.
	Params *chaincfg.Params

	// ConnectPeers are operator-configured addresses, tried before any
	// discovered ones. Entries without a port get the network default.
	ConnectPeers []string

	// NoDNSSeed disables DNS seeding, leaving only configured and
	// relayed addresses.
	NoDNSSeed bool

	// LookupIP resolves hostnames during DNS seeding. If nil,
	// net.LookupIP is used.
	LookupIP func(host string) ([]net.IP, error)
}

// HostStore is the session layer's source of candidate peer addresses. It
// seeds itself from the network's DNS seeds, accepts operator-configured
// peers, and absorbs addresses relayed by connected peers. FetchAddress
// hands the candidates out round-robin, blocking while the store is empty.
type HostStore struct {
	start sync.Once
	stop  sync.Once

	cfg HostStoreConfig

	mtx   sync.Mutex
	cond  *sync.Cond
	addrs []string
	known map[string]struct{}
	next  int

	quit chan struct{}
}

// NewHostStore creates a host store for the given network.
func NewHostStore(cfg HostStoreConfig) *HostStore {
	if cfg.LookupIP == nil {
		cfg.LookupIP = net.LookupIP
	}

	h := &HostStore{
		cfg:   cfg,
		known: make(map[string]struct{}),
		quit:  make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mtx)

	return h
}

// Start loads the configured peers and kicks off DNS seeding.
func (h *HostStore) Start() {
	h.start.Do(func() {
		for _, addr := range h.cfg.ConnectPeers {
			h.add(normalizeAddr(addr, h.cfg.Params.DefaultPort))
		}

		if h.cfg.NoDNSSeed {
			return
		}

		go connmgr.SeedFromDNS(h.cfg.Params, wire.SFNodeNetwork,
			h.cfg.LookupIP, h.onSeed)
	})
}

// Stop releases any callers blocked in FetchAddress.
func (h *HostStore) Stop() {
	h.stop.Do(func() {
		close(h.quit)
		h.cond.Broadcast()
	})
}

// FetchAddress returns the next candidate peer address, blocking until one
// is available or the store is stopped. Candidates are handed out
// round-robin so consecutive fetches prefer distinct peers.
func (h *HostStore) FetchAddress() (string, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	for len(h.addrs) == 0 {
		select {
		case <-h.quit:
			return "", ErrHostStoreStopped
		default:
		}
		h.cond.Wait()
	}

	select {
	case <-h.quit:
		return "", ErrHostStoreStopped
	default:
	}

	addr := h.addrs[h.next%len(h.addrs)]
	h.next++

	return addr, nil
}

// AddAddresses records peer addresses learned from addr messages.
func (h *HostStore) AddAddresses(addrs []*wire.NetAddress) {
	for _, addr := range addrs {
		// Sync requires full nodes.
		if addr.Services&wire.SFNodeNetwork != wire.SFNodeNetwork {
			continue
		}
		h.add(net.JoinHostPort(addr.IP.String(),
			strconv.Itoa(int(addr.Port))))
	}
}

// Count returns the number of known candidate addresses.
func (h *HostStore) Count() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return len(h.addrs)
}

// onSeed absorbs the results of one DNS seed lookup.
func (h *HostStore) onSeed(addrs []*wire.NetAddressV2) {
	count := 0
	for _, addr := range addrs {
		legacy := addr.ToLegacy()
		h.add(net.JoinHostPort(legacy.IP.String(),
			strconv.Itoa(int(legacy.Port))))
		count++
	}

	log.Debugf("Absorbed %d addresses from DNS seeds", count)
}

// add records a single candidate, ignoring duplicates.
func (h *HostStore) add(addr string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.known[addr]; ok {
		return
	}

	h.known[addr] = struct{}{}
	h.addrs = append(h.addrs, addr)
	h.cond.Signal()
}

// normalizeAddr appends the network default port to addresses that lack one.
func normalizeAddr(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

// String describes the store for logging.
func (h *HostStore) String() string {
	return fmt.Sprintf("HostStore(%s, %d known)", h.cfg.Params.Name,
		h.Count())
}
