package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"
	"torrent-vault/peerwire"
	"torrent-vault/torrentmeta"

	"github.com/rs/zerolog"
)

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		progress, ratio, target float64
		paused                  bool
		want                    Status
	}{
		{1, 0.5, 1, false, StatusSeeding},
		{1, 1, 1, false, StatusCompleted},
		{0.4, 0, 1, true, StatusPaused},
		{0.4, 3, 1, false, StatusDownloading},
		{1, 9, 0, false, StatusSeeding},
	}
	for _, tt := range tests {
		if got := ComputeStatus(tt.progress, tt.ratio, tt.target, tt.paused); got != tt.want {
			t.Errorf("ComputeStatus(%v, %v, %v, %v) = %s, want %s", tt.progress, tt.ratio, tt.target, tt.paused, got, tt.want)
		}
	}
}

func TestStatusClasses(t *testing.T) {
	for _, st := range []Status{StatusInitializing, StatusDownloading, StatusSeeding, StatusPaused} {
		if !st.Active() {
			t.Errorf("%s should be active", st)
		}
	}
	for _, st := range []Status{StatusStopped, StatusCompleted, StatusError, StatusCreated} {
		if st.Active() {
			t.Errorf("%s should not be active", st)
		}
	}
	if StatusPaused.Running() {
		t.Errorf("paused sessions hold no peers")
	}
}

func TestRatioAndTimeRemaining(t *testing.T) {
	if r := ratio(50, 100); r != 0.5 {
		t.Errorf("expected 0.5, got %v", r)
	}
	if r := ratio(200, 0); r != 0 {
		t.Errorf("expected 0 with nothing downloaded, got %v", r)
	}
	if d := timeRemaining(1000, 400, 0); d != nil {
		t.Errorf("expected nil without download speed, got %v", *d)
	}
	if d := timeRemaining(1000, 400, 100); d == nil || *d != 6*time.Second {
		t.Errorf("expected 6s remaining, got %v", d)
	}
}

type fixture struct {
	content []byte
	info    *torrentmeta.InfoDict
	raw     []byte
	hash    torrentmeta.InfoHash
	seedDir string
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	content := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(content)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "payload.bin"), content, 0644); err != nil {
		t.Fatal(err)
	}
	info := &torrentmeta.InfoDict{Name: "payload.bin", Length: int64(size), PieceLength: 32 * 1024}
	for off := 0; off < size; off += int(info.PieceLength) {
		sum := sha1.Sum(content[off:min(off+int(info.PieceLength), size)])
		info.Pieces = append(info.Pieces, sum[:]...)
	}
	raw, err := bencode.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{content: content, info: info, raw: raw, hash: sha1.Sum(raw), seedDir: dir}
}

func (f *fixture) seedMeta() *torrentmeta.Metadata {
	meta := &torrentmeta.Metadata{InfoHash: f.hash, DownloadPath: f.seedDir}
	meta.SetInfo(f.info, f.raw)
	return meta
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t, 40*1024)
	published := make(chan Status, 16)
	s, err := New(Config{
		Meta:            f.seedMeta(),
		PeerID:          peerwire.NewPeerID(),
		Status:          StatusCreated,
		RefreshInterval: time.Hour,
		OnState: func(st State) {
			select {
			case published <- st.Status:
			default:
			}
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("session with a known info dict should be ready")
	}

	if err := s.Pause(); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("pausing a CREATED session should fail, got %v", err)
	}
	if err := s.StartSeeding(); err != nil {
		t.Fatal(err)
	}
	if err := s.StartSeeding(); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("second StartSeeding should fail, got %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.Status != StatusPaused || st.PausedAt == nil || st.NumPeers != 0 {
		t.Errorf("unexpected paused state %+v", st)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	st = s.State()
	if st.Status != StatusSeeding || st.Progress != 1 || st.PausedAt != nil {
		t.Errorf("unexpected resumed state %+v", st)
	}
	if err := s.Resume(context.Background()); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("resuming a seeding session should fail, got %v", err)
	}
	s.Close()
	if s.Status() != StatusRemoved {
		t.Errorf("expected REMOVED, got %s", s.Status())
	}
	select {
	case st := <-published:
		if st != StatusSeeding && st != StatusPaused {
			t.Errorf("unexpected first published status %s", st)
		}
	default:
		t.Errorf("no state was published")
	}
}

func TestResumeRechecksDisk(t *testing.T) {
	f := newFixture(t, 64*1024)
	s, err := New(Config{
		Meta:            f.seedMeta(),
		PeerID:          peerwire.NewPeerID(),
		Status:          StatusPaused,
		RefreshInterval: time.Hour,
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := s.State(); st.Progress != 1 || st.Status != StatusSeeding {
		t.Errorf("expected a full seed after recheck, got %+v", st)
	}
	if bf := s.Bitfield(); !bytes.Equal(bf, []byte{0xc0}) {
		t.Errorf("unexpected bitfield %08b", bf)
	}
}

// serveInbound routes every inbound handshake on ln to s.
func serveInbound(t *testing.T, ln net.Listener, s *Session) {
	t.Helper()
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			hs, err := peerwire.ReadHandshake(nc)
			if err != nil {
				nc.Close()
				continue
			}
			s.AcceptPeer(nc, hs)
		}
	}()
}

func TestDownloadFromSeedOverLoopback(t *testing.T) {
	f := newFixture(t, 200*1024+123)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	seed, err := New(Config{
		Meta:            f.seedMeta(),
		PeerID:          peerwire.NewPeerID(),
		ListenPort:      ln.Addr().(*net.TCPAddr).Port,
		Status:          StatusCreated,
		RefreshInterval: 50 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer seed.Close()
	if err := seed.StartSeeding(); err != nil {
		t.Fatal(err)
	}
	serveInbound(t, ln, seed)

	events := make(chan Event, 8)
	leechDir := t.TempDir()
	leech, err := New(Config{
		Meta:            &torrentmeta.Metadata{InfoHash: f.hash, DownloadPath: leechDir},
		PeerID:          peerwire.NewPeerID(),
		RefreshInterval: 50 * time.Millisecond,
		OnEvent:         func(e Event) { events <- e },
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer leech.Close()
	if err := leech.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	leech.mu.Lock()
	leech.run.pool.Offer(ln.Addr().String())
	leech.mu.Unlock()

	select {
	case <-leech.Ready():
	case <-time.After(10 * time.Second):
		t.Fatalf("metadata never arrived")
	}
	if got := leech.Metadata(); got.Name != "payload.bin" || got.Size != int64(len(f.content)) {
		t.Errorf("unexpected metadata %+v", got)
	}

	select {
	case e := <-events:
		if e.Kind != EventComplete || e.InfoHash != f.hash {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("download never completed: %+v", leech.State())
	}

	data, err := os.ReadFile(filepath.Join(leechDir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, f.content) {
		t.Fatalf("downloaded payload differs from the seed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for leech.State().Status != StatusSeeding {
		if time.Now().After(deadline) {
			t.Fatalf("leecher never switched to seeding: %+v", leech.State())
		}
		time.Sleep(20 * time.Millisecond)
	}
	st := leech.State()
	if st.Progress != 1 || st.Downloaded < int64(len(f.content)) {
		t.Errorf("unexpected final state %+v", st)
	}
	if files := leech.Files(); len(files) != 1 || files[0].Completed != int64(len(f.content)) {
		t.Errorf("unexpected file progress %+v", files)
	}
}

func TestSeedRatioStopsSession(t *testing.T) {
	f := newFixture(t, 10*1024)
	events := make(chan Event, 4)
	s, err := New(Config{
		Meta:            f.seedMeta(),
		PeerID:          peerwire.NewPeerID(),
		SeedRatio:       1,
		Downloaded:      10 * 1024,
		Uploaded:        20 * 1024,
		Bitfield:        []byte{0x80},
		RefreshInterval: 20 * time.Millisecond,
		OnEvent:         func(e Event) { events <- e },
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		if e.Kind != EventSeedComplete {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("seed ratio never reached")
	}
	if s.Status() != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", s.Status())
	}
	if r := s.State().Ratio; r != 2 {
		t.Errorf("expected ratio 2, got %v", r)
	}
}

func TestLocalSeedKeepsSeedingWithoutDownloads(t *testing.T) {
	f := newFixture(t, 10*1024)
	events := make(chan Event, 4)
	s, err := New(Config{
		Meta:            f.seedMeta(),
		PeerID:          peerwire.NewPeerID(),
		SeedRatio:       1,
		Uploaded:        50 * 1024,
		Bitfield:        []byte{0x80},
		RefreshInterval: 10 * time.Millisecond,
		OnEvent:         func(e Event) { events <- e },
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
	st := s.State()
	if st.Status != StatusSeeding || st.Ratio != 0 {
		t.Errorf("expected SEEDING at ratio 0, got %s at %v", st.Status, st.Ratio)
	}
}
