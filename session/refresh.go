package session

import "time"

// sampler turns the running byte counters into per-second speeds.
type sampler struct {
	at       time.Time
	down, up int64
	downRate float64
	upRate   float64
}

func (sp *sampler) reset(now time.Time, down, up int64) {
	*sp = sampler{at: now, down: down, up: up}
}

func (sp *sampler) sample(now time.Time, down, up int64) {
	if dt := now.Sub(sp.at).Seconds(); dt > 0 {
		sp.downRate = float64(down-sp.down) / dt
		sp.upRate = float64(up-sp.up) / dt
	}
	sp.at, sp.down, sp.up = now, down, up
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() State {
	st := State{
		InfoHash:      s.infoHash.HexString(),
		Name:          s.meta.Name,
		Status:        s.status,
		DownloadSpeed: s.speeds.downRate,
		UploadSpeed:   s.speeds.upRate,
		Downloaded:    s.downloaded.Load(),
		Uploaded:      s.uploaded.Load(),
		Size:          s.meta.Size,
		NumPeers:      len(s.conns),
		AddedAt:       s.cfg.AddedAt,
		PausedAt:      s.pausedAt,
		Error:         s.errMsg,
	}
	if s.store != nil {
		st.Progress = s.store.Progress()
		if st.Status == StatusDownloading {
			st.TimeRemaining = timeRemaining(st.Size, s.store.CompletedBytes(), st.DownloadSpeed)
		}
	}
	st.Ratio = ratio(st.Uploaded, st.Downloaded)
	return st
}

func (s *Session) refreshLoop(r *run) {
	defer r.wg.Done()
	t := time.NewTicker(s.cfg.RefreshInterval)
	defer t.Stop()
	for {
		if s.refresh(r) {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
		}
	}
}

// refresh recomputes status and publishes the snapshot. It reports true
// once the loop should end.
func (s *Session) refresh(r *run) bool {
	s.mu.Lock()
	if s.run != r || !s.status.Running() {
		s.mu.Unlock()
		return true
	}
	down, up := s.downloaded.Load(), s.uploaded.Load()
	s.speeds.sample(s.now(), down, up)
	if s.store != nil {
		progress := s.store.Progress()
		rt := ratio(up, down)
		s.status = ComputeStatus(progress, rt, s.cfg.SeedRatio, false)
	}
	st := s.snapshotLocked()
	s.mu.Unlock()

	s.cfg.OnState(st)
	if st.Status != StatusCompleted {
		return false
	}
	s.log.Info().Float64("ratio", st.Ratio).Msg("seed ratio reached")
	s.cfg.OnEvent(Event{Kind: EventSeedComplete, InfoHash: s.infoHash})
	go s.detach()
	return true
}
