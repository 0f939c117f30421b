// Package session runs one torrent: its peers, discovery, piece store and
// the refresh loop that publishes its state.
package session

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/discovery"
	"torrent-vault/peerwire"
	"torrent-vault/piecestore"
	"torrent-vault/torrentmeta"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const DefaultRefreshInterval = 2 * time.Second

type EventKind string

const (
	EventComplete     EventKind = "complete"
	EventSeedComplete EventKind = "seed-complete"
	EventError        EventKind = "error"
)

type Event struct {
	Kind     EventKind
	InfoHash torrentmeta.InfoHash
	Message  string
}

type Config struct {
	Meta       *torrentmeta.Metadata
	PeerID     peerwire.PeerID
	ListenPort int
	MaxConns   int
	SeedRatio  float64

	RefreshInterval time.Duration
	// DownloadRate and UploadRate cap bytes per second; 0 is unlimited.
	DownloadRate int64
	UploadRate   int64

	Trackers []string
	Tracker  *discovery.TrackerClient
	DHT      *discovery.DHTNode

	// Status is the starting status: INITIALIZING for a fresh add, CREATED
	// for a composed torrent, or the persisted status on restore.
	Status     Status
	AddedAt    time.Time
	PausedAt   *time.Time
	Error      string
	Uploaded   int64
	Downloaded int64
	// Bitfield is the persisted completion map; nil forces a recheck.
	Bitfield []byte

	OnState func(State)
	OnEvent func(Event)

	Logger zerolog.Logger
	Now    func() time.Time
}

// run is everything attach starts and detach tears down.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	pool   *discovery.Pool
	disc   *discovery.Discovery
	wg     sync.WaitGroup
}

type Session struct {
	cfg      Config
	infoHash torrentmeta.InfoHash
	log      zerolog.Logger
	now      func() time.Time

	downLimiter *rate.Limiter
	upLimiter   *rate.Limiter

	mu       sync.Mutex
	meta     *torrentmeta.Metadata
	store    *piecestore.Store
	status   Status
	errMsg   string
	pausedAt *time.Time
	run      *run
	conns    map[*peerwire.Conn]struct{}
	inflight map[int]bool
	strikes  map[string]int
	notified bool
	speeds   sampler

	downloaded atomic.Int64
	uploaded   atomic.Int64

	installMu sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a session without starting it. A torrent whose info dict is
// known is Ready immediately.
func New(cfg Config) (*Session, error) {
	if cfg.Meta == nil {
		return nil, apperrors.Validationf("new session", "metadata required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = discovery.DefaultMaxConns
	}
	if cfg.Status == "" {
		cfg.Status = StatusInitializing
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AddedAt.IsZero() {
		cfg.AddedAt = cfg.Now()
	}
	if cfg.OnState == nil {
		cfg.OnState = func(State) {}
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	meta := *cfg.Meta
	s := &Session{
		cfg:         cfg,
		infoHash:    meta.InfoHash,
		log:         cfg.Logger.With().Str("info_hash", meta.InfoHash.HexString()).Logger(),
		now:         cfg.Now,
		downLimiter: newLimiter(cfg.DownloadRate),
		upLimiter:   newLimiter(cfg.UploadRate),
		meta:        &meta,
		status:      cfg.Status,
		errMsg:      cfg.Error,
		pausedAt:    cfg.PausedAt,
		conns:       make(map[*peerwire.Conn]struct{}),
		inflight:    make(map[int]bool),
		strikes:     make(map[string]int),
		ready:       make(chan struct{}),
	}
	s.downloaded.Store(cfg.Downloaded)
	s.uploaded.Store(cfg.Uploaded)

	if meta.HasInfo() {
		store, err := piecestore.New(meta.DownloadPath, meta.Info)
		if err != nil {
			return nil, err
		}
		if cfg.Bitfield != nil {
			if err := store.LoadBitfield(cfg.Bitfield); err != nil {
				s.log.Warn().Err(err).Msg("discarding persisted bitfield")
			}
		}
		s.store = store
		s.markReady()
	}
	return s, nil
}

func newLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bps), int(max(bps, 4*peerwire.BlockSize)))
}

// Trackers lists the announce URLs this session uses.
func (s *Session) Trackers() []string {
	return append([]string(nil), s.cfg.Trackers...)
}

func (s *Session) InfoHash() torrentmeta.InfoHash {
	return s.infoHash
}

// Ready is closed once the info dict is known.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Metadata returns a copy of the torrent's metadata.
func (s *Session) Metadata() torrentmeta.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.meta
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Bitfield exports completion for persistence; nil while the info dict is
// unknown.
func (s *Session) Bitfield() []byte {
	if store := s.storeRef(); store != nil {
		return store.Bitfield()
	}
	return nil
}

func (s *Session) storeRef() *piecestore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Start moves a fresh or restored session onto the network. Completion is
// taken from the persisted bitfield when there is one, otherwise from disk.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusInitializing && !s.status.Running() {
		st := s.status
		s.mu.Unlock()
		return apperrors.Validationf("start", "cannot start a %s session", st)
	}
	store := s.store
	s.mu.Unlock()
	if store != nil && s.cfg.Bitfield == nil {
		if err := store.Recheck(ctx); err != nil {
			return err
		}
	}
	s.attach()
	return nil
}

// StartSeeding promotes a CREATED session: the payload is the composed
// source on disk, so every piece is marked complete without rehashing.
func (s *Session) StartSeeding() error {
	s.mu.Lock()
	if s.status != StatusCreated {
		st := s.status
		s.mu.Unlock()
		return apperrors.Validationf("start seeding", "session is %s, not CREATED", st)
	}
	if s.store == nil {
		s.mu.Unlock()
		return apperrors.Validationf("start seeding", "composed torrent has no info dict")
	}
	s.store.MarkAllComplete()
	s.status = StatusSeeding
	s.mu.Unlock()
	s.log.Info().Msg("seeding composed torrent")
	s.attach()
	return nil
}

// Pause closes every peer and discovery source before returning.
func (s *Session) Pause() error {
	return s.halt(StatusPaused)
}

// Stop is Pause with a status that no longer counts as active.
func (s *Session) Stop() error {
	return s.halt(StatusStopped)
}

func (s *Session) halt(to Status) error {
	s.mu.Lock()
	from := s.status
	allowed := from.Running() || (to == StatusStopped && from == StatusPaused)
	if !allowed {
		s.mu.Unlock()
		return apperrors.Validationf(string(to), "cannot move a %s session to %s", from, to)
	}
	s.status = to
	s.speeds.reset(s.now(), s.downloaded.Load(), s.uploaded.Load())
	if s.pausedAt == nil {
		now := s.now()
		s.pausedAt = &now
	}
	s.mu.Unlock()

	s.detach()
	s.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("session halted")
	s.cfg.OnState(s.State())
	return nil
}

// Resume re-attaches a PAUSED or STOPPED session after rebuilding the
// completion map from disk.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusPaused && s.status != StatusStopped {
		st := s.status
		s.mu.Unlock()
		return apperrors.Validationf("resume", "cannot resume a %s session", st)
	}
	store := s.store
	s.mu.Unlock()

	if store != nil {
		if err := store.Recheck(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	next := StatusInitializing
	if store != nil {
		progress := store.Progress()
		r := ratio(s.uploaded.Load(), s.downloaded.Load())
		next = ComputeStatus(progress, r, s.cfg.SeedRatio, false)
	}
	s.status = next
	s.pausedAt = nil
	s.mu.Unlock()

	s.log.Info().Str("status", string(next)).Msg("session resumed")
	if next == StatusCompleted {
		s.cfg.OnState(s.State())
		return nil
	}
	s.attach()
	return nil
}

// Close tears the session down for removal.
func (s *Session) Close() {
	s.mu.Lock()
	s.status = StatusRemoved
	s.mu.Unlock()
	s.detach()
}

// Shutdown releases peers and loops without changing the status, so the
// persisted state resumes where it left off.
func (s *Session) Shutdown() {
	s.detach()
}

// DeleteFiles removes the downloaded payload. The session must be closed.
func (s *Session) DeleteFiles() error {
	store := s.storeRef()
	if store == nil {
		return nil
	}
	return store.DeleteFiles()
}

// fail moves the session to ERROR and halts its loop and peers.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.status == StatusError || s.status == StatusRemoved || s.status == StatusCompleted {
		s.mu.Unlock()
		return
	}
	s.status = StatusError
	s.errMsg = err.Error()
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("session failed")
	s.cfg.OnEvent(Event{Kind: EventError, InfoHash: s.infoHash, Message: err.Error()})
	s.cfg.OnState(s.State())
	go s.detach()
}

func (s *Session) attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel, pool: discovery.NewPool(s.cfg.MaxConns)}
	dht := s.cfg.DHT
	if s.meta.Private {
		dht = nil
	}
	r.disc = discovery.New(discovery.Config{
		InfoHash: s.infoHash,
		PeerID:   s.cfg.PeerID,
		Port:     s.cfg.ListenPort,
		Trackers: s.cfg.Trackers,
		Tracker:  s.cfg.Tracker,
		DHT:      dht,
		Stats:    s.announceStats,
		Logger:   s.log,
	}, r.pool)
	s.run = r
	s.speeds.reset(s.now(), s.downloaded.Load(), s.uploaded.Load())

	r.disc.Start()
	r.wg.Add(2)
	go s.dialLoop(r)
	go s.refreshLoop(r)
}

// detach stops discovery, closes every peer and waits for all goroutines
// of the current run. Only the caller that takes the run tears it down.
func (s *Session) detach() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	conns := make([]*peerwire.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	r.disc.Stop()
	r.pool.Close()
	for _, c := range conns {
		c.Close()
	}
	r.wg.Wait()
}

func (s *Session) announceStats() (uploaded, downloaded, left int64) {
	left = 1
	if store := s.storeRef(); store != nil {
		left = store.TotalLength() - store.CompletedBytes()
	}
	return s.uploaded.Load(), s.downloaded.Load(), left
}

// AcceptPeer takes over an inbound connection whose handshake named this
// torrent.
func (s *Session) AcceptPeer(nc net.Conn, hs *peerwire.Handshake) error {
	addr := nc.RemoteAddr().String()
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		nc.Close()
		return apperrors.Validationf("accept peer", "session %s is not running", s.infoHash.HexString())
	}
	if s.banned(addr) || !r.pool.Claim(addr) {
		s.mu.Unlock()
		nc.Close()
		return apperrors.LimitExceededf("accept peer", "no slot for %s", addr)
	}
	r.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.pool.Release(addr)
		c, err := peerwire.Accept(nc, hs, s.peerConfig(r))
		if err != nil {
			s.log.Debug().Err(err).Str("peer", addr).Msg("inbound handshake failed")
			return
		}
		s.runPeer(r, c)
	}()
	return nil
}

// Files lists payload files with the verified bytes held for each.
func (s *Session) Files() []FileStatus {
	s.mu.Lock()
	meta := s.meta
	store := s.store
	s.mu.Unlock()
	var done []int64
	if store != nil {
		done = store.FileProgress()
	}
	out := make([]FileStatus, len(meta.Files))
	for i, f := range meta.Files {
		out[i] = FileStatus{Path: f.Path, Length: f.Length}
		if i < len(done) {
			out[i].Completed = done[i]
		}
	}
	return out
}

// OpenFile opens payload file index for reading. Only fully verified files
// can be opened.
func (s *Session) OpenFile(index int) (*os.File, FileStatus, error) {
	const op = "open file"
	files := s.Files()
	if index < 0 || index >= len(files) {
		return nil, FileStatus{}, apperrors.NotFoundf(op, "file %d not found", index)
	}
	fs := files[index]
	if fs.Completed < fs.Length {
		return nil, fs, apperrors.Validationf(op, "file is %d of %d bytes complete", fs.Completed, fs.Length)
	}
	store := s.storeRef()
	if store == nil {
		return nil, fs, apperrors.Validationf(op, "metadata not yet known")
	}
	f, err := os.Open(store.Paths()[index])
	if err != nil {
		return nil, fs, apperrors.NotFoundf(op, "payload %s missing on disk", apperrors.RedactPath(store.Paths()[index]))
	}
	return f, fs, nil
}

type FileStatus struct {
	Path      []string `json:"path"`
	Length    int64    `json:"length"`
	Completed int64    `json:"completed"`
}
