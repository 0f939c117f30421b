package discovery

import (
	"sync"

	"torrent-vault/apperrors"
	"torrent-vault/torrentmeta"

	"github.com/nictuku/dht"
	"github.com/rs/zerolog"
)

// DHTNode is one mainline DHT node shared by every session. Lookup results
// are routed back to whoever subscribed to the info hash.
type DHTNode struct {
	d   *dht.DHT
	log zerolog.Logger

	mu   sync.Mutex
	subs map[dht.InfoHash]map[int]func([]string)
	next int

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// StartDHT binds the node to port (0 picks one) and joins the network.
func StartDHT(port int, logger zerolog.Logger) (*DHTNode, error) {
	cfg := dht.NewConfig()
	cfg.Port = port
	cfg.SaveRoutingTable = false
	d, err := dht.New(cfg)
	if err != nil {
		return nil, apperrors.Transportf("start dht", err, "port %d", port)
	}
	if err := d.Start(); err != nil {
		return nil, apperrors.Transportf("start dht", err, "port %d", port)
	}
	n := &DHTNode{
		d:    d,
		log:  logger.With().Str("component", "dht").Logger(),
		subs: make(map[dht.InfoHash]map[int]func([]string)),
		done: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.drainResults()
	n.log.Info().Int("port", port).Msg("dht node started")
	return n, nil
}

func (n *DHTNode) drainResults() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case r := <-n.d.PeersRequestResults:
			for ih, peers := range r {
				addrs := make([]string, 0, len(peers))
				for _, x := range peers {
					addrs = append(addrs, dht.DecodePeerAddress(x))
				}
				n.mu.Lock()
				var fns []func([]string)
				for _, fn := range n.subs[ih] {
					fns = append(fns, fn)
				}
				n.mu.Unlock()
				for _, fn := range fns {
					fn(addrs)
				}
			}
		}
	}
}

// Subscribe routes peers found for ih to fn until the returned func is
// called.
func (n *DHTNode) Subscribe(ih torrentmeta.InfoHash, fn func([]string)) func() {
	key := dht.InfoHash(string(ih[:]))
	n.mu.Lock()
	id := n.next
	n.next++
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]func([]string))
	}
	n.subs[key][id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs[key], id)
		if len(n.subs[key]) == 0 {
			delete(n.subs, key)
		}
		n.mu.Unlock()
	}
}

// Request starts a lookup; announce also registers us as a peer.
func (n *DHTNode) Request(ih torrentmeta.InfoHash, announce bool) {
	n.d.PeersRequest(string(ih[:]), announce)
}

func (n *DHTNode) Stop() {
	n.once.Do(func() {
		close(n.done)
		n.d.Stop()
		n.wg.Wait()
		n.log.Info().Msg("dht node stopped")
	})
}
