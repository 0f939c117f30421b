package session

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/peerwire"
	"torrent-vault/torrentmeta"

	"github.com/rs/zerolog"
)

// blockServer is a remote peer that has every piece and answers each
// request from the fixture content, with the first byte flipped when
// corrupt is set.
type blockServer struct {
	addr string
	done chan struct{}

	mu       sync.Mutex
	requests map[int]int
}

func serveBlocks(t *testing.T, f *fixture, corrupt bool) *blockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	bs := &blockServer{addr: ln.Addr().String(), done: make(chan struct{}), requests: map[int]int{}}

	go func() {
		defer close(bs.done)
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		hs, err := peerwire.ReadHandshake(nc)
		if err != nil {
			nc.Close()
			return
		}
		c, err := peerwire.Accept(nc, hs, peerwire.Config{
			InfoHash:  f.hash,
			PeerID:    peerwire.NewPeerID(),
			InfoBytes: func() []byte { return f.raw },
			Logger:    zerolog.Nop(),
		})
		if err != nil {
			return
		}
		defer c.Close()

		n := f.info.NumPieces()
		bf := make([]byte, (n+7)/8)
		for i := 0; i < n; i++ {
			bf[i/8] |= 1 << (7 - i%8)
		}
		if c.SendBitfield(bf) != nil || c.SendUnchoke() != nil {
			return
		}
		for {
			msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if msg.ID != peerwire.Request {
				continue
			}
			index, begin, length, err := peerwire.ParseRequest(msg)
			if err != nil {
				return
			}
			off := index*int(f.info.PieceLength) + begin
			block := append([]byte(nil), f.content[off:off+length]...)
			if corrupt {
				block[0] ^= 0xff
			}
			if begin == 0 {
				bs.mu.Lock()
				bs.requests[index]++
				bs.mu.Unlock()
			}
			if err := c.SendPiece(index, begin, block); err != nil {
				return
			}
		}
	}()
	return bs
}

func (bs *blockServer) requested(index int) int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.requests[index]
}

func (bs *blockServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-bs.done:
	case <-time.After(15 * time.Second):
		t.Fatalf("remote peer was never dropped")
	}
}

// startLeech runs a session that knows the info dict but holds no data,
// and points it at addr.
func startLeech(t *testing.T, f *fixture, dir, addr string, events chan Event) *Session {
	t.Helper()
	meta := &torrentmeta.Metadata{InfoHash: f.hash, DownloadPath: dir}
	meta.SetInfo(f.info, f.raw)
	s, err := New(Config{
		Meta:            meta,
		PeerID:          peerwire.NewPeerID(),
		RefreshInterval: 20 * time.Millisecond,
		OnEvent:         func(e Event) { events <- e },
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.run.pool.Offer(addr)
	s.mu.Unlock()
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCorruptPeerIsStruckAndBanned(t *testing.T) {
	f := newFixture(t, 32*1024)
	bs := serveBlocks(t, f, true)
	events := make(chan Event, 16)
	s := startLeech(t, f, t.TempDir(), bs.addr, events)

	bs.wait(t)
	if got := bs.requested(0); got != maxStrikes {
		t.Errorf("expected piece 0 to be requested %d times, got %d", maxStrikes, got)
	}

	s.mu.Lock()
	strikes := s.strikes["127.0.0.1"]
	banned := s.banned("127.0.0.1:1")
	inflight := s.inflight[0]
	s.mu.Unlock()
	if strikes != maxStrikes || !banned {
		t.Errorf("expected %d strikes and a ban, got %d strikes, banned=%t", maxStrikes, strikes, banned)
	}
	if inflight {
		t.Errorf("failed piece is still claimed")
	}

	errorsSeen := 0
	for len(events) > 0 {
		e := <-events
		if e.Kind != EventError || !strings.Contains(e.Message, "hash check") {
			t.Errorf("unexpected event %+v", e)
		}
		errorsSeen++
	}
	if errorsSeen != maxStrikes {
		t.Errorf("expected %d verification events, got %d", maxStrikes, errorsSeen)
	}

	waitFor(t, "DOWNLOADING", func() bool { return s.Status() == StatusDownloading })
	st := s.State()
	if st.Progress != 0 || !strings.Contains(st.Error, "hash check") {
		t.Errorf("unexpected state after bad pieces %+v", st)
	}
	if _, err := os.Stat(filepath.Join(s.Metadata().DownloadPath, "payload.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("corrupt data reached disk: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		if nc, err := net.Dial("tcp", ln.Addr().String()); err == nil {
			defer nc.Close()
			time.Sleep(time.Second)
		}
	}()
	nc, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	err = s.AcceptPeer(nc, peerwire.NewHandshake(f.hash, peerwire.NewPeerID()))
	if !errors.Is(err, apperrors.ErrLimitExceeded) {
		t.Errorf("banned host should be refused, got %v", err)
	}
}

func TestStoreWriteFailureFailsSession(t *testing.T) {
	f := newFixture(t, 32*1024)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "payload.bin"), 0755); err != nil {
		t.Fatal(err)
	}
	bs := serveBlocks(t, f, false)
	events := make(chan Event, 16)
	s := startLeech(t, f, dir, bs.addr, events)

	select {
	case e := <-events:
		if e.Kind != EventError || !strings.Contains(e.Message, "is a directory") {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("session never failed: %+v", s.State())
	}

	st := s.State()
	if st.Status != StatusError || !strings.Contains(st.Error, "payload.bin") {
		t.Errorf("expected ERROR naming the file, got %+v", st)
	}
	waitFor(t, "the peer loop to stop", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.run == nil && len(s.conns) == 0
	})
	bs.wait(t)

	s.mu.Lock()
	strikes := len(s.strikes)
	s.mu.Unlock()
	if strikes != 0 {
		t.Errorf("a local write failure is not the peer's fault, got %d struck hosts", strikes)
	}
	if err := s.Pause(); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("a failed session cannot be paused, got %v", err)
	}
}
