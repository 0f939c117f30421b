package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/audit"
	"torrent-vault/composer"
	"torrent-vault/config"
	"torrent-vault/discovery"
	"torrent-vault/models"
	"torrent-vault/peerwire"
	"torrent-vault/session"
	"torrent-vault/torrentmeta"

	"github.com/rs/zerolog"
)

// Persistence is what the service needs from the database layer.
type Persistence interface {
	SaveSession(*models.SessionRecord) error
	Sessions() ([]models.SessionRecord, error)
	DeleteSession(infoHash string) error
	Preference(userID string) (*models.UserPreference, error)
	CountSessions() (int64, error)
	CountEvents() (int64, error)
}

type Options struct {
	Repo   Persistence
	Audit  audit.Sink
	DHT    *discovery.DHTNode
	Logger zerolog.Logger
	Now    func() time.Time
}

type AddRequest struct {
	Source       []byte
	DownloadPath string
	FolderPath   string
}

type ComposeRequest struct {
	Path     string
	Announce bool
	Trackers []string
	Comment  string
	Progress func(done, total int)
}

// entry is one row of the session table. Only the service holds sessions.
type entry struct {
	sess   *session.Session
	userID string
}

// TorrentService owns every session, keyed by info hash.
type TorrentService struct {
	cfg     *config.Config
	repo    Persistence
	audit   audit.Sink
	dht     *discovery.DHTNode
	tracker *discovery.TrackerClient
	peerID  peerwire.PeerID
	log     zerolog.Logger
	now     func() time.Time

	mutex    sync.RWMutex
	sessions map[torrentmeta.InfoHash]*entry
	adds     *addWindow

	listener net.Listener
	wg       sync.WaitGroup
}

func NewTorrentService(cfg *config.Config, opts Options) *TorrentService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With().Str("component", "manager").Logger()
	if opts.Audit == nil {
		opts.Audit = audit.LogSink{Log: opts.Logger}
	}
	return &TorrentService{
		cfg:      cfg,
		repo:     opts.Repo,
		audit:    opts.Audit,
		dht:      opts.DHT,
		tracker:  discovery.NewTrackerClient(cfg.Trackers.Timeout),
		peerID:   peerwire.NewPeerID(),
		log:      log,
		now:      opts.Now,
		sessions: make(map[torrentmeta.InfoHash]*entry),
		adds:     newAddWindow(cfg.Limits.AddsPerWindow, cfg.Limits.AddWindow),
	}
}

// Start restores persisted sessions and opens the inbound peer listener.
func (s *TorrentService) Start() error {
	if err := s.Restore(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("failed to restore sessions")
	}
	if err := s.Listen(fmt.Sprintf(":%d", s.cfg.Torrent.ListenPort)); err != nil {
		return err
	}
	s.log.Info().Int("port", s.cfg.Torrent.ListenPort).Msg("torrent service started")
	return nil
}

// Shutdown persists and releases every session. Statuses are kept so the
// next Start resumes them.
func (s *TorrentService) Shutdown() {
	s.mutex.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.sessions = make(map[torrentmeta.InfoHash]*entry)
	s.mutex.Unlock()

	for _, e := range entries {
		e.sess.Shutdown()
		s.save(e, e.sess.State())
	}
	s.wg.Wait()
	s.log.Info().Int("sessions", len(entries)).Msg("torrent service stopped")
}

// Add registers a magnet URI or .torrent and returns once the info dict is
// known. A session still missing it after the add timeout is torn down.
func (s *TorrentService) Add(ctx context.Context, userID string, req AddRequest) (*session.State, error) {
	const op = "add torrent"
	src := req.Source
	if len(strings.TrimSpace(string(src))) == 0 {
		return nil, apperrors.Validationf(op, "empty source")
	}
	if int64(len(src)) > s.cfg.Limits.MaxTorrentBytes {
		return nil, apperrors.Validationf(op, "source of %d bytes exceeds the %d byte limit", len(src), s.cfg.Limits.MaxTorrentBytes)
	}
	meta, err := torrentmeta.ParseSource(src)
	if err != nil {
		return nil, err
	}
	pref, err := s.preference(userID)
	if err != nil {
		return nil, err
	}
	dir, err := s.downloadDir(userID, req.DownloadPath, pref)
	if err != nil {
		return nil, err
	}
	meta.DownloadPath = dir
	if req.FolderPath != "" {
		meta.FolderPath = filepath.Clean(req.FolderPath)
	}

	s.mutex.Lock()
	now := s.now()
	if err := s.admitLocked(op, meta.InfoHash); err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	if !s.adds.allow(userID, now) {
		wait := s.adds.retryAfter(userID, now)
		s.mutex.Unlock()
		return nil, apperrors.LimitExceededf(op, "more than %d adds in %s, retry in %s", s.cfg.Limits.AddsPerWindow, s.cfg.Limits.AddWindow, wait.Round(time.Second))
	}
	e := &entry{userID: userID}
	sess, err := session.New(s.sessionConfig(e, meta, pref, session.Config{AddedAt: now}))
	if err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	e.sess = sess
	s.sessions[meta.InfoHash] = e
	s.adds.record(userID, now)
	s.mutex.Unlock()

	log := s.log.With().Str("info_hash", meta.InfoHash.HexString()).Str("user", userID).Logger()
	if err := sess.Start(ctx); err != nil {
		s.drop(meta.InfoHash, e)
		return nil, err
	}

	timer := time.NewTimer(s.cfg.Torrent.AddTimeout)
	defer timer.Stop()
	select {
	case <-sess.Ready():
	case <-timer.C:
		s.drop(meta.InfoHash, e)
		log.Warn().Dur("timeout", s.cfg.Torrent.AddTimeout).Msg("metadata timeout")
		return nil, apperrors.Timeoutf(op, "no metadata for %s within %s", meta.InfoHash.HexString(), s.cfg.Torrent.AddTimeout)
	case <-ctx.Done():
		s.drop(meta.InfoHash, e)
		return nil, apperrors.Wrap(apperrors.Timeout, op, ctx.Err())
	}

	st := sess.State()
	s.save(e, st)
	s.record(userID, meta.InfoHash, audit.KindAdd, st.Name)
	log.Info().Str("name", st.Name).Msg("torrent added")
	return &st, nil
}

// admitLocked rejects a duplicate key or a full session table.
func (s *TorrentService) admitLocked(op string, ih torrentmeta.InfoHash) error {
	if _, ok := s.sessions[ih]; ok {
		return apperrors.Validationf(op, "torrent %s already exists", ih.HexString())
	}
	return s.checkActiveLocked(op)
}

func (s *TorrentService) checkActiveLocked(op string) error {
	limit := s.cfg.ActiveSessionLimit()
	if limit == 0 {
		return nil
	}
	if n := s.activeLocked(); n >= limit {
		return apperrors.LimitExceededf(op, "%d active sessions, the limit is %d", n, limit)
	}
	return nil
}

func (s *TorrentService) activeLocked() int {
	n := 0
	for _, e := range s.sessions {
		if e.sess.Status().Active() {
			n++
		}
	}
	return n
}

// drop removes a half-added session and everything persisted for it.
func (s *TorrentService) drop(ih torrentmeta.InfoHash, e *entry) {
	s.mutex.Lock()
	if s.sessions[ih] == e {
		delete(s.sessions, ih)
	}
	s.mutex.Unlock()
	e.sess.Close()
	if s.repo != nil {
		if err := s.repo.DeleteSession(ih.HexString()); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete session record")
		}
	}
}

func (s *TorrentService) ComposeFromFile(ctx context.Context, userID string, req ComposeRequest) (*session.State, error) {
	return s.compose(ctx, userID, req, composer.ComposeFile)
}

func (s *TorrentService) ComposeFromFolder(ctx context.Context, userID string, req ComposeRequest) (*session.State, error) {
	return s.compose(ctx, userID, req, composer.ComposeFolder)
}

type composeFunc func(context.Context, string, composer.Options) (*composer.Result, error)

// compose hashes a local path and registers the result as a CREATED
// session that seeds straight from the source files once started.
func (s *TorrentService) compose(ctx context.Context, userID string, req ComposeRequest, fn composeFunc) (*session.State, error) {
	const op = "compose torrent"
	pref, err := s.preference(userID)
	if err != nil {
		return nil, err
	}
	trackers := req.Trackers
	if req.Announce && len(trackers) == 0 {
		trackers = s.cfg.Trackers.Announce
	}
	res, err := fn(ctx, req.Path, composer.Options{
		Announce:    req.Announce,
		Trackers:    trackers,
		Comment:     req.Comment,
		PieceLength: s.cfg.Torrent.PieceLength,
		Limits:      s.composeLimits(pref),
		OutputDir:   s.cfg.Torrent.TorrentDir,
		Progress:    req.Progress,
	})
	if err != nil {
		return nil, err
	}
	meta := res.Metadata

	s.mutex.Lock()
	if _, ok := s.sessions[meta.InfoHash]; ok {
		s.mutex.Unlock()
		return nil, apperrors.Validationf(op, "torrent %s already exists", meta.InfoHash.HexString())
	}
	e := &entry{userID: userID}
	sess, err := session.New(s.sessionConfig(e, meta, pref, session.Config{
		Status:  session.StatusCreated,
		AddedAt: s.now(),
	}))
	if err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	e.sess = sess
	s.sessions[meta.InfoHash] = e
	s.mutex.Unlock()

	st := sess.State()
	s.save(e, st)
	s.record(userID, meta.InfoHash, audit.KindCompose, meta.Name)
	s.log.Info().Str("info_hash", st.InfoHash).Str("name", meta.Name).Int("pieces", meta.Info.NumPieces()).Msg("torrent composed")
	return &st, nil
}

// StartSeeding promotes a composed torrent. It counts against the active
// ceiling from here on.
func (s *TorrentService) StartSeeding(userID, infoHash string) error {
	const op = "start seeding"
	s.mutex.Lock()
	e, ih, err := s.lookupLocked(op, userID, infoHash)
	if err == nil {
		err = s.checkActiveLocked(op)
	}
	s.mutex.Unlock()
	if err != nil {
		return err
	}
	if err := e.sess.StartSeeding(); err != nil {
		return err
	}
	s.save(e, e.sess.State())
	s.record(e.userID, ih, audit.KindSeed, "")
	return nil
}

func (s *TorrentService) Pause(userID, infoHash string) error {
	e, ih, err := s.lookup("pause", userID, infoHash)
	if err != nil {
		return err
	}
	if err := e.sess.Pause(); err != nil {
		return err
	}
	s.record(e.userID, ih, audit.KindPause, "")
	return nil
}

func (s *TorrentService) Stop(userID, infoHash string) error {
	e, ih, err := s.lookup("stop", userID, infoHash)
	if err != nil {
		return err
	}
	if err := e.sess.Stop(); err != nil {
		return err
	}
	s.record(e.userID, ih, audit.KindStop, "")
	return nil
}

// Resume re-attaches a paused or stopped session. A stopped session has
// given up its slot, so it needs a free one again.
func (s *TorrentService) Resume(ctx context.Context, userID, infoHash string) error {
	const op = "resume"
	s.mutex.Lock()
	e, ih, err := s.lookupLocked(op, userID, infoHash)
	if err == nil && e.sess.Status() == session.StatusStopped {
		err = s.checkActiveLocked(op)
	}
	s.mutex.Unlock()
	if err != nil {
		return err
	}
	if err := e.sess.Resume(ctx); err != nil {
		return err
	}
	s.save(e, e.sess.State())
	s.record(e.userID, ih, audit.KindResume, "")
	return nil
}

// Remove deletes the session and its persisted record, and the payload when
// deleteFiles is set.
func (s *TorrentService) Remove(userID, infoHash string, deleteFiles bool) error {
	const op = "remove"
	s.mutex.Lock()
	e, ih, err := s.lookupLocked(op, userID, infoHash)
	if err == nil {
		delete(s.sessions, ih)
	}
	s.mutex.Unlock()
	if err != nil {
		return err
	}

	e.sess.Close()
	var errs []error
	if deleteFiles {
		if err := e.sess.DeleteFiles(); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete payload: %w", err))
		}
	}
	if s.repo != nil {
		if err := s.repo.DeleteSession(ih.HexString()); err != nil {
			errs = append(errs, err)
		}
	}
	s.record(e.userID, ih, audit.KindRemove, fmt.Sprintf("delete_files=%t", deleteFiles))
	if len(errs) > 0 {
		return fmt.Errorf("remove %s: %w", ih.HexString(), errors.Join(errs...))
	}
	return nil
}

// GetAll lists the user's sessions, oldest first. An empty userID lists
// every session.
func (s *TorrentService) GetAll(userID string) []session.State {
	s.mutex.RLock()
	var out []session.State
	for _, e := range s.sessions {
		if userID == "" || e.userID == userID {
			out = append(out, e.sess.State())
		}
	}
	s.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].InfoHash < out[j].InfoHash
	})
	return out
}

func (s *TorrentService) Get(userID, infoHash string) (*session.State, error) {
	e, _, err := s.lookup("get", userID, infoHash)
	if err != nil {
		return nil, err
	}
	st := e.sess.State()
	return &st, nil
}

func (s *TorrentService) Files(userID, infoHash string) ([]session.FileStatus, error) {
	e, _, err := s.lookup("files", userID, infoHash)
	if err != nil {
		return nil, err
	}
	return e.sess.Files(), nil
}

// OpenFile opens a completed payload file of one of the user's sessions.
// path is the file's slash-joined path inside the torrent.
func (s *TorrentService) OpenFile(userID, infoHash, path string) (*os.File, session.FileStatus, error) {
	const op = "open file"
	e, _, err := s.lookup(op, userID, infoHash)
	if err != nil {
		return nil, session.FileStatus{}, err
	}
	for i, f := range e.sess.Files() {
		if strings.Join(f.Path, "/") == path {
			return e.sess.OpenFile(i)
		}
	}
	return nil, session.FileStatus{}, apperrors.NotFoundf(op, "no file %q in torrent", path)
}

func (s *TorrentService) GetActiveTorrentCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.activeLocked()
}

func (s *TorrentService) Stats() models.Stats {
	var stats models.Stats
	for _, st := range s.GetAll("") {
		if st.Status.Active() {
			stats.ActiveSessions++
		}
		switch st.Status {
		case session.StatusDownloading:
			stats.Downloading++
		case session.StatusSeeding:
			stats.Seeding++
		}
	}
	if s.repo != nil {
		var err error
		if stats.TotalSessions, err = s.repo.CountSessions(); err != nil {
			s.log.Warn().Err(err).Msg("failed to count sessions")
		}
		if stats.AuditEvents, err = s.repo.CountEvents(); err != nil {
			s.log.Warn().Err(err).Msg("failed to count audit events")
		}
	}
	return stats
}

func (s *TorrentService) lookup(op, userID, infoHash string) (*entry, torrentmeta.InfoHash, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lookupLocked(op, userID, infoHash)
}

// lookupLocked finds the user's session. Another user's session is
// reported as not found.
func (s *TorrentService) lookupLocked(op, userID, infoHash string) (*entry, torrentmeta.InfoHash, error) {
	ih, err := torrentmeta.ParseInfoHash(infoHash)
	if err != nil {
		return nil, ih, err
	}
	e, ok := s.sessions[ih]
	if !ok || e.userID != userID {
		return nil, ih, apperrors.NotFoundf(op, "torrent %s not found", ih.HexString())
	}
	return e, ih, nil
}

func (s *TorrentService) sessionFor(ih torrentmeta.InfoHash) *session.Session {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if e, ok := s.sessions[ih]; ok {
		return e.sess
	}
	return nil
}

// sessionConfig fills base with everything derived from service config and
// the user's preferences.
func (s *TorrentService) sessionConfig(e *entry, meta *torrentmeta.Metadata, pref *models.UserPreference, base session.Config) session.Config {
	cfg := base
	cfg.Meta = meta
	cfg.PeerID = s.peerID
	cfg.ListenPort = s.cfg.Torrent.ListenPort
	cfg.MaxConns = s.cfg.Torrent.MaxConnections
	cfg.RefreshInterval = s.cfg.Torrent.RefreshInterval
	cfg.SeedRatio = s.cfg.Seeding.Ratio
	cfg.DownloadRate = s.cfg.Torrent.DownloadRate
	cfg.UploadRate = s.cfg.Torrent.UploadRate
	cfg.Tracker = s.tracker
	cfg.Now = s.now
	cfg.Logger = s.log

	trackers := append([]string(nil), meta.Trackers...)
	if pref != nil {
		if pref.SeedRatio != nil {
			cfg.SeedRatio = *pref.SeedRatio
		}
		if pref.DownloadRate > 0 {
			cfg.DownloadRate = pref.DownloadRate
		}
		if pref.UploadRate > 0 {
			cfg.UploadRate = pref.UploadRate
		}
	}
	if !meta.Private {
		if pref != nil {
			trackers = append(trackers, splitLines(pref.Trackers)...)
		}
		trackers = append(trackers, s.cfg.Trackers.Announce...)
		cfg.DHT = s.dht
	}
	if s.cfg.TrackersEnabled() {
		cfg.Trackers = dedupe(trackers)
	}

	cfg.OnState = func(st session.State) { s.save(e, st) }
	cfg.OnEvent = func(ev session.Event) { s.onEvent(e, ev) }
	return cfg
}

func (s *TorrentService) onEvent(e *entry, ev session.Event) {
	kind := audit.KindError
	switch ev.Kind {
	case session.EventComplete:
		kind = audit.KindComplete
	case session.EventSeedComplete:
		kind = audit.KindSeedComplete
	}
	s.record(e.userID, ev.InfoHash, kind, ev.Message)
}

func (s *TorrentService) record(userID string, ih torrentmeta.InfoHash, kind, message string) {
	if err := s.audit.Record(audit.NewEvent(userID, ih.HexString(), kind, message)); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("failed to record audit event")
	}
}

// save persists the session unless it has left the table.
func (s *TorrentService) save(e *entry, st session.State) {
	if s.repo == nil || st.Status == session.StatusRemoved {
		return
	}
	meta := e.sess.Metadata()
	rec := &models.SessionRecord{
		UserID:          e.userID,
		InfoHash:        st.InfoHash,
		Name:            meta.Name,
		MagnetURI:       meta.MagnetURI,
		TorrentFilePath: meta.TorrentFilePath,
		DownloadPath:    meta.DownloadPath,
		FolderPath:      meta.FolderPath,
		TotalSize:       meta.Size,
		FileCount:       len(meta.Files),
		Trackers:        strings.Join(meta.Trackers, "\n"),
		InfoBytes:       meta.InfoBytes,
		Bitfield:        e.sess.Bitfield(),
		Status:          string(st.Status),
		Downloaded:      st.Downloaded,
		Uploaded:        st.Uploaded,
		Progress:        st.Progress,
		Error:           st.Error,
		AddedAt:         st.AddedAt,
		PausedAt:        st.PausedAt,
	}
	if err := s.repo.SaveSession(rec); err != nil {
		s.log.Warn().Err(err).Str("info_hash", st.InfoHash).Msg("failed to persist session")
	}
}

// composeLimits is the server limits, tightened by the user's preference.
func (s *TorrentService) composeLimits(pref *models.UserPreference) composer.Limits {
	l := composer.Limits{
		MaxFileSize:  s.cfg.Limits.MaxFileSize,
		MaxTotalSize: s.cfg.Limits.MaxTotalSize,
		MaxFileCount: s.cfg.Limits.MaxFileCount,
		MaxDepth:     s.cfg.Limits.MaxDepth,
	}
	if pref == nil {
		return l
	}
	l.MaxFileSize = tighter(l.MaxFileSize, pref.MaxFileSize)
	l.MaxTotalSize = tighter(l.MaxTotalSize, pref.MaxTotalSize)
	l.MaxFileCount = tighter(l.MaxFileCount, pref.MaxFileCount)
	l.MaxDepth = tighter(l.MaxDepth, pref.MaxDepth)
	return l
}

// tighter picks the smaller positive limit. 0 means unlimited.
func tighter[T int | int64](server, user T) T {
	if user <= 0 {
		return server
	}
	if server <= 0 || user < server {
		return user
	}
	return server
}

func (s *TorrentService) preference(userID string) (*models.UserPreference, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.Preference(userID)
}

// downloadDir resolves override > preference > <root>/<userID> and creates
// the directory.
func (s *TorrentService) downloadDir(userID, override string, pref *models.UserPreference) (string, error) {
	const op = "download dir"
	var dir string
	switch {
	case override != "":
		dir = filepath.Clean(override)
	case pref != nil && pref.DownloadPath != "":
		dir = filepath.Clean(pref.DownloadPath)
	default:
		if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
			return "", apperrors.Validationf(op, "invalid user id %q", userID)
		}
		dir = filepath.Join(s.cfg.Torrent.DownloadDir, userID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.Validationf(op, "cannot create %s", apperrors.RedactPath(dir))
	}
	return dir, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
