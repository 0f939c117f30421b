package handlers

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"torrent-vault/middleware"
)

func TestSplitDAVPath(t *testing.T) {
	cases := []struct {
		in, hash, file string
	}{
		{"/", "", ""},
		{"", "", ""},
		{"/ABCDEF/", "abcdef", ""},
		{"/abc/disc1/01.flac", "abc", "disc1/01.flac"},
		{"/abc/../../etc/passwd", "etc", "passwd"},
	}
	for _, tc := range cases {
		hash, file := splitDAVPath(tc.in)
		if hash != tc.hash || file != tc.file {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", tc.in, hash, file, tc.hash, tc.file)
		}
	}
}

func TestWebDAVServesCompletedFiles(t *testing.T) {
	r, _ := newTestRouter(t)

	dir := filepath.Join(t.TempDir(), "docs")
	os.MkdirAll(dir, 0755)
	content := bytes.Repeat([]byte("0123456789"), 4000)
	os.WriteFile(filepath.Join(dir, "notes.txt"), content, 0644)

	w := do(r, http.MethodPost, "/api/compose", "dave", map[string]any{"path": dir})
	if w.Code != http.StatusCreated {
		t.Fatalf("compose: %d %s", w.Code, w.Body.String())
	}
	hash := decodeState(t, w).InfoHash
	if w := do(r, http.MethodPost, "/api/torrents/"+hash+"/seed", "dave", nil); w.Code != http.StatusOK {
		t.Fatalf("seed: %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/webdav/", "dave", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/webdav/"+hash+"/") {
		t.Errorf("root listing: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/webdav/"+hash+"/", "dave", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "notes.txt") {
		t.Errorf("torrent listing: %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/webdav/"+hash+"/docs/notes.txt", nil)
	req.Header.Set(middleware.UserIDHeader, "dave")
	req.Header.Set("Range", "bytes=10-19")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusPartialContent || string(body) != "0123456789" {
		t.Errorf("range get: %d %q", rec.Code, body)
	}

	req = httptest.NewRequest("PROPFIND", "/webdav/"+hash+"/", nil)
	req.Header.Set(middleware.UserIDHeader, "dave")
	req.Header.Set("Depth", "1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusMultiStatus || !strings.Contains(rec.Body.String(), "<D:getcontentlength>40000</D:getcontentlength>") {
		t.Errorf("propfind: %d %s", rec.Code, rec.Body.String())
	}

	if w := do(r, http.MethodGet, "/webdav/"+hash+"/docs/notes.txt", "eve", nil); w.Code != http.StatusNotFound {
		t.Errorf("another user's file should be 404, got %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/webdav/"+hash+"/new.txt", "dave", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("writes should be refused, got %d", w.Code)
	}
}

func TestWebDAVRefusesIncompleteFiles(t *testing.T) {
	r, _ := newTestRouter(t)
	w := upload(t, r, "frank", torrentBytes(t, 3))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	hash := decodeState(t, w).InfoHash
	if w := do(r, http.MethodGet, "/webdav/"+hash+"/movie-3.mkv", "frank", nil); w.Code != http.StatusConflict {
		t.Errorf("incomplete file should be 409, got %d %s", w.Code, w.Body.String())
	}
}
