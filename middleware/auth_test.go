package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"torrent-vault/config"

	"github.com/gin-gonic/gin"
)

func newRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestAuthDisabledUsesHeader(t *testing.T) {
	r := newRouter(&config.Config{})

	cases := []struct {
		header string
		want   string
	}{
		{"", AnonymousUser},
		{"alice", "alice"},
		{"  bob ", "bob"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if tc.header != "" {
			req.Header.Set(UserIDHeader, tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != tc.want {
			t.Errorf("header %q: got %d %q, want %q", tc.header, w.Code, w.Body.String(), tc.want)
		}
	}
}

func TestAuthEnabled(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Enabled: true, Username: "admin", Password: "secret"}}
	r := newRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("expected a basic auth challenge, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad password, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.SetBasicAuth("admin", "secret")
	req.Header.Set(UserIDHeader, "mallory")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "admin" {
		t.Errorf("expected admin, got %d %q", w.Code, w.Body.String())
	}
}
