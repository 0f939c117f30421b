// Package discovery finds peers for one torrent through trackers and the
// DHT and feeds them into a deduplicated, capped pool.
package discovery

import (
	"context"
	"sync"
	"time"

	"torrent-vault/peerwire"
	"torrent-vault/torrentmeta"

	"github.com/rs/zerolog"
)

const (
	DefaultDHTInterval = time.Minute
	trackerRetry       = time.Minute
	stopAnnounceWait   = 3 * time.Second
)

// Stats reports transfer totals for announces.
type Stats func() (uploaded, downloaded, left int64)

type Config struct {
	InfoHash torrentmeta.InfoHash
	PeerID   peerwire.PeerID
	Port     int

	Trackers []string
	Tracker  *TrackerClient

	// DHT is nil for private torrents or when the node is disabled.
	DHT         *DHTNode
	DHTInterval time.Duration

	Stats  Stats
	Logger zerolog.Logger
}

// Discovery runs every source for one torrent. Sources fail independently:
// an error is logged and the source retries on its next cycle.
type Discovery struct {
	cfg  Config
	pool *Pool
	log  zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, pool *Pool) *Discovery {
	if cfg.Tracker == nil {
		cfg.Tracker = NewTrackerClient(0)
	}
	if cfg.DHTInterval <= 0 {
		cfg.DHTInterval = DefaultDHTInterval
	}
	if cfg.Stats == nil {
		cfg.Stats = func() (int64, int64, int64) { return 0, 0, 0 }
	}
	return &Discovery{
		cfg:  cfg,
		pool: pool,
		log:  cfg.Logger.With().Str("component", "discovery").Logger(),
	}
}

// Start launches one goroutine per tracker plus one for the DHT. Calling
// Start on a running Discovery does nothing.
func (d *Discovery) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	for _, tr := range d.cfg.Trackers {
		d.wg.Add(1)
		go d.runTracker(ctx, tr)
	}
	if d.cfg.DHT != nil {
		d.wg.Add(1)
		go d.runDHT(ctx)
	}
}

// Stop returns after every source goroutine has exited.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

// Offer feeds addresses from any source, including ut_pex, into the pool.
func (d *Discovery) Offer(addrs []string) int {
	accepted := 0
	for _, a := range addrs {
		if d.pool.Offer(a) {
			accepted++
		}
	}
	return accepted
}

func (d *Discovery) announce(ctx context.Context, tracker, event string) (*AnnounceResponse, error) {
	up, down, left := d.cfg.Stats()
	return d.cfg.Tracker.Announce(ctx, tracker, AnnounceRequest{
		InfoHash:   d.cfg.InfoHash,
		PeerID:     d.cfg.PeerID,
		Port:       d.cfg.Port,
		Uploaded:   up,
		Downloaded: down,
		Left:       left,
		Event:      event,
	})
}

func (d *Discovery) runTracker(ctx context.Context, tracker string) {
	defer d.wg.Done()
	log := d.log.With().Str("tracker", tracker).Logger()
	event := "started"
	announced := false
	_, _, prevLeft := d.cfg.Stats()

	for {
		if _, _, left := d.cfg.Stats(); announced && prevLeft > 0 && left == 0 {
			event = "completed"
		}
		wait := trackerRetry
		resp, err := d.announce(ctx, tracker, event)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			log.Warn().Err(err).Msg("announce failed")
		default:
			announced = true
			event = ""
			_, _, prevLeft = d.cfg.Stats()
			n := d.Offer(resp.Peers)
			wait = boundInterval(resp.Interval)
			log.Debug().Int("peers", len(resp.Peers)).Int("accepted", n).Dur("interval", wait).Msg("announced")
		}

		select {
		case <-ctx.Done():
			if announced {
				sctx, cancel := context.WithTimeout(context.Background(), stopAnnounceWait)
				if _, err := d.announce(sctx, tracker, "stopped"); err != nil {
					log.Debug().Err(err).Msg("stopped announce failed")
				}
				cancel()
			}
			return
		case <-time.After(wait):
		}
	}
}

func (d *Discovery) runDHT(ctx context.Context) {
	defer d.wg.Done()
	unsubscribe := d.cfg.DHT.Subscribe(d.cfg.InfoHash, func(addrs []string) {
		if n := d.Offer(addrs); n > 0 {
			d.log.Debug().Int("accepted", n).Msg("dht peers")
		}
	})
	defer unsubscribe()

	t := time.NewTicker(d.cfg.DHTInterval)
	defer t.Stop()
	for {
		d.cfg.DHT.Request(d.cfg.InfoHash, d.cfg.Port > 0)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
