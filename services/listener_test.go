package services

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"torrent-vault/peerwire"
	"torrent-vault/torrentmeta"
)

func TestListenerRoutesByInfoHash(t *testing.T) {
	h := newHarness(t, "", nil)
	st, err := h.svc.Add(context.Background(), "alice", AddRequest{Source: torrentSource(t, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	addr := h.svc.ListenAddr().String()

	ih, err := torrentmeta.ParseInfoHash(st.InfoHash)
	if err != nil {
		t.Fatal(err)
	}
	nc, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := nc.Write(peerwire.NewHandshake(ih, peerwire.NewPeerID()).Serialize()); err != nil {
		t.Fatal(err)
	}
	hs, err := peerwire.ReadHandshake(nc)
	if err != nil {
		t.Fatalf("expected a handshake reply: %v", err)
	}
	if hs.InfoHash != ih {
		t.Errorf("reply for %s, want %s", hs.InfoHash.HexString(), st.InfoHash)
	}

	unknown, _ := torrentmeta.ParseInfoHash(strings.Repeat("ee", 20))
	other, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	other.SetDeadline(time.Now().Add(5 * time.Second))
	other.Write(peerwire.NewHandshake(unknown, peerwire.NewPeerID()).Serialize())
	if _, err := peerwire.ReadHandshake(other); err == nil {
		t.Errorf("unknown info hash should be dropped without a reply")
	}
}
