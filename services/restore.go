package services

import (
	"context"
	"time"

	"torrent-vault/models"
	"torrent-vault/session"
	"torrent-vault/torrentmeta"
)

// Restore recreates sessions from their persisted records. Sessions that
// were running are started again; paused, stopped, failed and composed ones
// come back in that status.
func (s *TorrentService) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	recs, err := s.repo.Sessions()
	if err != nil {
		return err
	}
	restored := 0
	for i := range recs {
		rec := &recs[i]
		if err := s.restoreOne(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("info_hash", rec.InfoHash).Msg("skipping unrestorable session")
			continue
		}
		restored++
	}
	s.log.Info().Int("restored", restored).Int("records", len(recs)).Msg("sessions restored")
	return nil
}

func (s *TorrentService) restoreOne(ctx context.Context, rec *models.SessionRecord) error {
	meta, err := metadataFromRecord(rec)
	if err != nil {
		return err
	}
	pref, err := s.preference(rec.UserID)
	if err != nil {
		return err
	}

	status := session.Status(rec.Status)
	start := status.Running()
	if start {
		status = session.StatusInitializing
	}
	base := session.Config{
		Status:     status,
		AddedAt:    rec.AddedAt,
		PausedAt:   rec.PausedAt,
		Error:      rec.Error,
		Uploaded:   rec.Uploaded,
		Downloaded: rec.Downloaded,
		Bitfield:   rec.Bitfield,
	}

	s.mutex.Lock()
	if _, ok := s.sessions[meta.InfoHash]; ok {
		s.mutex.Unlock()
		return nil
	}
	e := &entry{userID: rec.UserID}
	sess, err := session.New(s.sessionConfig(e, meta, pref, base))
	if err != nil {
		s.mutex.Unlock()
		return err
	}
	e.sess = sess
	s.sessions[meta.InfoHash] = e
	s.mutex.Unlock()

	if start {
		return sess.Start(ctx)
	}
	return nil
}

// metadataFromRecord prefers the stored info dict and falls back to the
// magnet URI when the info dict never arrived.
func metadataFromRecord(rec *models.SessionRecord) (*torrentmeta.Metadata, error) {
	var meta *torrentmeta.Metadata
	if len(rec.InfoBytes) > 0 {
		info, err := torrentmeta.ParseInfo(rec.InfoBytes)
		if err != nil {
			return nil, err
		}
		ih, err := torrentmeta.ParseInfoHash(rec.InfoHash)
		if err != nil {
			return nil, err
		}
		meta = &torrentmeta.Metadata{
			InfoHash:  ih,
			MagnetURI: rec.MagnetURI,
			Trackers:  splitLines(rec.Trackers),
		}
		meta.SetInfo(info, rec.InfoBytes)
	} else {
		m, err := torrentmeta.ParseMagnet(rec.MagnetURI)
		if err != nil {
			return nil, err
		}
		meta = m
		if rec.Name != "" {
			meta.Name = rec.Name
		}
	}
	meta.TorrentFilePath = rec.TorrentFilePath
	meta.DownloadPath = rec.DownloadPath
	meta.FolderPath = rec.FolderPath
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Second)
	}
	return meta, nil
}
