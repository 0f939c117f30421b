package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := NotFoundf("pause", "torrent %s not found", "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found match for %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Errorf("not found must not match validation")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != NotFound {
		t.Errorf("expected kind %v, got %v", NotFound, KindOf(wrapped))
	}
}

func TestTransportUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transportf("dial", cause, "peer %s", "1.2.3.4:6881")
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be reachable")
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected transport kind")
	}
	want := "dial: peer 1.2.3.4:6881: connection reset"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestRedactPath(t *testing.T) {
	cases := map[string]string{
		"/srv/data/users/42/movie.mkv": "movie.mkv",
		"relative/dir/":                "dir",
		"":                             "",
	}
	for in, want := range cases {
		if got := RedactPath(in); got != want {
			t.Errorf("RedactPath(%q) = %q, want %q", in, got, want)
		}
	}
}
