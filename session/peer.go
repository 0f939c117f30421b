package session

import (
	"context"
	"errors"
	"net"

	"torrent-vault/apperrors"
	"torrent-vault/peerwire"
	"torrent-vault/piecestore"
	"torrent-vault/torrentmeta"
)

const (
	pipelineDepth    = 5
	maxStrikes       = 3
	maxRequestLength = 128 * 1024
)

// download is the piece a peer worker is currently assembling.
type download struct {
	index     int
	buf       []byte
	requested int
	received  int
	backlog   int
	got       map[int]bool
}

func (s *Session) peerConfig(r *run) peerwire.Config {
	return peerwire.Config{
		InfoHash:   s.infoHash,
		PeerID:     s.cfg.PeerID,
		ListenPort: s.cfg.ListenPort,
		InfoBytes:  s.infoBytes,
		NumPieces:  s.numPieces,
		OnPeers: func(addrs []string) {
			if !s.private() {
				r.disc.Offer(addrs)
			}
		},
		DownloadLimiter: s.downLimiter,
		UploadLimiter:   s.upLimiter,
		Logger:          s.log,
	}
}

func (s *Session) infoBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.InfoBytes
}

func (s *Session) numPieces() int {
	if store := s.storeRef(); store != nil {
		return store.NumPieces()
	}
	return 0
}

func (s *Session) private() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Private
}

// banned must be called with s.mu held.
func (s *Session) banned(addr string) bool {
	return s.strikes[hostOf(addr)] >= maxStrikes
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Session) dialLoop(r *run) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case addr, ok := <-r.pool.Addrs():
			if !ok {
				return
			}
			s.mu.Lock()
			if s.run != r {
				s.mu.Unlock()
				return
			}
			r.wg.Add(1)
			s.mu.Unlock()
			go s.connect(r, addr)
		}
	}
}

func (s *Session) connect(r *run, addr string) {
	defer r.wg.Done()
	defer r.pool.Release(addr)

	s.mu.Lock()
	skip := s.banned(addr)
	s.mu.Unlock()
	if skip {
		return
	}
	c, err := peerwire.Dial(r.ctx, addr, s.peerConfig(r))
	if err != nil {
		s.log.Debug().Err(err).Str("peer", addr).Msg("dial failed")
		return
	}
	s.runPeer(r, c)
}

// runPeer owns c until it closes: it fetches the info dict when still
// unknown, then exchanges pieces in both directions.
func (s *Session) runPeer(r *run, c *peerwire.Conn) {
	defer c.Close()
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.conns[c] = struct{}{}
	store := s.store
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	log := s.log.With().Str("peer", c.Addr()).Logger()
	log.Debug().Str("client", c.Client()).Msg("peer connected")

	fresh := store == nil
	if fresh {
		raw, err := peerwire.FetchMetadata(r.ctx, c)
		if err != nil {
			log.Debug().Err(err).Msg("metadata fetch failed")
			return
		}
		if store, err = s.installInfo(r.ctx, raw); err != nil {
			if r.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
	} else if err := c.SendBitfield(store.Bitfield()); err != nil {
		return
	}
	if err := c.SendUnchoke(); err != nil {
		return
	}
	if !store.Complete() {
		if err := c.SendInterested(); err != nil {
			return
		}
	}
	if !s.private() {
		if addrs := s.peerAddrs(c); len(addrs) > 0 {
			c.SendPex(addrs)
		}
	}
	if err := s.exchange(r, c, store); err != nil {
		log.Debug().Err(err).Msg("peer dropped")
	}
}

func (s *Session) exchange(r *run, c *peerwire.Conn, store *piecestore.Store) error {
	var cur *download
	defer func() {
		if cur != nil {
			s.releasePiece(cur.index)
		}
	}()

	for {
		if cur == nil && !c.PeerChoking() && !store.Complete() {
			if index := s.claimPiece(store, c); index >= 0 {
				cur = &download{
					index: index,
					buf:   make([]byte, store.PieceSize(index)),
					got:   map[int]bool{},
				}
			}
		}
		if cur != nil && !c.PeerChoking() {
			for cur.backlog < pipelineDepth && cur.requested < len(cur.buf) {
				n := min(peerwire.BlockSize, len(cur.buf)-cur.requested)
				if err := c.SendRequest(cur.index, cur.requested, n); err != nil {
					return err
				}
				cur.requested += n
				cur.backlog++
			}
		}

		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		switch msg.ID {
		case peerwire.Choke:
			if cur != nil {
				s.releasePiece(cur.index)
				cur = nil
			}
		case peerwire.Piece:
			if cur == nil || peerwire.PieceIndex(msg) != cur.index {
				continue
			}
			begin, n, err := peerwire.ParsePiece(cur.index, cur.buf, msg)
			if err != nil {
				return apperrors.Transportf("piece", err, "%s", c.Addr())
			}
			s.downloaded.Add(int64(n))
			cur.backlog = max(cur.backlog-1, 0)
			if !cur.got[begin] {
				cur.got[begin] = true
				cur.received += n
			}
			if cur.received >= len(cur.buf) {
				index, data := cur.index, cur.buf
				cur = nil
				if err := s.finishPiece(r, c, store, index, data); err != nil {
					return err
				}
			}
		case peerwire.Request:
			s.serveRequest(c, store, msg)
		}
	}
}

// claimPiece reserves the lowest missing piece the peer has that no other
// worker is fetching, or returns -1.
func (s *Session) claimPiece(store *piecestore.Store, c *peerwire.Conn) int {
	missing := store.Missing()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range missing {
		if !s.inflight[i] && c.HasPiece(i) {
			s.inflight[i] = true
			return i
		}
	}
	return -1
}

func (s *Session) releasePiece(index int) {
	s.mu.Lock()
	delete(s.inflight, index)
	s.mu.Unlock()
}

// finishPiece commits an assembled piece. A non-nil error drops the peer.
func (s *Session) finishPiece(r *run, c *peerwire.Conn, store *piecestore.Store, index int, data []byte) error {
	err := store.WritePiece(index, data)
	s.releasePiece(index)
	switch {
	case err == nil:
		s.broadcastHave(index)
		if store.Complete() {
			s.mu.Lock()
			first := !s.notified
			s.notified = true
			s.mu.Unlock()
			if first {
				s.log.Info().Msg("download complete")
				s.cfg.OnEvent(Event{Kind: EventComplete, InfoHash: s.infoHash})
			}
		}
		return nil
	case errors.Is(err, apperrors.ErrIntegrity):
		host := hostOf(c.Addr())
		s.mu.Lock()
		s.strikes[host]++
		strikes := s.strikes[host]
		s.errMsg = err.Error()
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("peer", c.Addr()).Int("strikes", strikes).Msg("piece failed verification")
		s.cfg.OnEvent(Event{Kind: EventError, InfoHash: s.infoHash, Message: err.Error()})
		if strikes >= maxStrikes {
			return apperrors.Integrityf("piece", "%s exhausted its strikes", c.Addr())
		}
		return nil
	default:
		if r.ctx.Err() == nil {
			s.fail(err)
		}
		return err
	}
}

func (s *Session) serveRequest(c *peerwire.Conn, store *piecestore.Store, msg *peerwire.Message) {
	index, begin, length, err := peerwire.ParseRequest(msg)
	if err != nil || length > maxRequestLength {
		return
	}
	block, err := store.ReadBlock(index, int64(begin), int64(length))
	if err != nil {
		s.log.Debug().Err(err).Str("peer", c.Addr()).Int("piece", index).Msg("request refused")
		return
	}
	if err := c.SendPiece(index, begin, block); err == nil {
		s.uploaded.Add(int64(len(block)))
	}
}

func (s *Session) broadcastHave(index int) {
	for _, c := range s.connList() {
		c.SendHave(index)
	}
}

func (s *Session) connList() []*peerwire.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerwire.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// peerAddrs lists the other connected peers for ut_pex.
func (s *Session) peerAddrs(except *peerwire.Conn) []string {
	var out []string
	for _, c := range s.connList() {
		if c != except {
			out = append(out, c.Addr())
		}
	}
	return out
}

// installInfo adopts an info dict fetched from a peer. The first caller
// builds and rechecks the store; later callers get that store.
func (s *Session) installInfo(ctx context.Context, raw []byte) (*piecestore.Store, error) {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	if store := s.storeRef(); store != nil {
		return store, nil
	}
	info, err := torrentmeta.ParseInfo(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	root := s.meta.DownloadPath
	s.mu.Unlock()
	store, err := piecestore.New(root, info)
	if err != nil {
		return nil, err
	}
	if err := store.Recheck(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	meta := *s.meta
	meta.Files = nil
	meta.SetInfo(info, raw)
	s.meta = &meta
	s.store = store
	s.mu.Unlock()
	s.markReady()
	s.log.Info().Str("name", info.Name).Int("pieces", info.NumPieces()).Msg("metadata received")
	return store, nil
}
