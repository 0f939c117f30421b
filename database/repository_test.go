package database

import (
	"strings"
	"testing"
	"time"

	"torrent-vault/models"

	"gorm.io/driver/sqlite"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), "test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func TestSaveSessionUpserts(t *testing.T) {
	repo := openTestRepo(t)
	added := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	rec := &models.SessionRecord{
		UserID:    "alice",
		InfoHash:  "0123456789abcdef0123456789abcdef01234567",
		Name:      "ubuntu.iso",
		MagnetURI: "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
		Status:    "DOWNLOADING",
		Bitfield:  []byte{0x80},
		AddedAt:   added,
	}
	if err := repo.SaveSession(rec); err != nil {
		t.Fatal(err)
	}

	update := *rec
	update.ID = 0
	update.Status = "SEEDING"
	update.Progress = 1
	update.Bitfield = []byte{0xff}
	if err := repo.SaveSession(&update); err != nil {
		t.Fatal(err)
	}

	recs, err := repo.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record after upsert, got %d", len(recs))
	}
	got := recs[0]
	if got.Status != "SEEDING" || got.Progress != 1 || got.Bitfield[0] != 0xff {
		t.Errorf("record not updated: %+v", got)
	}
	if !got.AddedAt.Equal(added) {
		t.Errorf("added_at changed: %v != %v", got.AddedAt, added)
	}

	if err := repo.DeleteSession(rec.InfoHash); err != nil {
		t.Fatal(err)
	}
	if n, _ := repo.CountSessions(); n != 0 {
		t.Errorf("expected no sessions after delete, got %d", n)
	}
}

func TestEventsAndPreferences(t *testing.T) {
	repo := openTestRepo(t)
	for i, kind := range []string{"add", "pause", "add"} {
		ev := &models.AuditEvent{
			ID:        string(rune('a'+i)) + "-event",
			UserID:    "bob",
			InfoHash:  []string{"h1", "h1", "h2"}[i],
			Kind:      kind,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := repo.SaveEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := repo.Events("h1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Kind != "pause" {
		t.Errorf("unexpected events %+v", evs)
	}
	if n, _ := repo.CountEvents(); n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}

	p, err := repo.Preference("bob")
	if err != nil || p != nil {
		t.Fatalf("expected no preference, got %+v, %v", p, err)
	}
	ratio := 2.0
	if err := repo.SavePreference(&models.UserPreference{UserID: "bob", DownloadPath: "/srv/bob", SeedRatio: &ratio}); err != nil {
		t.Fatal(err)
	}
	p, err = repo.Preference("bob")
	if err != nil || p == nil || p.DownloadPath != "/srv/bob" || *p.SeedRatio != 2 {
		t.Errorf("unexpected preference %+v, %v", p, err)
	}
}
