package services

import (
	"errors"
	"fmt"
	"net"
	"time"

	"torrent-vault/peerwire"
)

const inboundHandshakeTimeout = 10 * time.Second

// Listen accepts inbound peers on addr and hands each to the session its
// handshake names.
func (s *TorrentService) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for peers on %s: %w", addr, err)
	}
	s.mutex.Lock()
	s.listener = ln
	s.mutex.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// ListenAddr is the bound peer listener address, or nil.
func (s *TorrentService) ListenAddr() net.Addr {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TorrentService) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("peer listener stopped")
			}
			return
		}
		go s.routeInbound(nc)
	}
}

func (s *TorrentService) routeInbound(nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(inboundHandshakeTimeout))
	hs, err := peerwire.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return
	}
	nc.SetReadDeadline(time.Time{})

	sess := s.sessionFor(hs.InfoHash)
	if sess == nil {
		s.log.Debug().Str("peer", nc.RemoteAddr().String()).Str("info_hash", hs.InfoHash.HexString()).Msg("inbound peer for unknown torrent")
		nc.Close()
		return
	}
	if err := sess.AcceptPeer(nc, hs); err != nil {
		s.log.Debug().Err(err).Str("peer", nc.RemoteAddr().String()).Msg("inbound peer refused")
	}
}
