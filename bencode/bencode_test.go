package bencode_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"
)

func decodeAndAssert(t *testing.T, input string, expected any) {
	t.Helper()
	decoded, err := bencode.Decode([]byte(input))
	if err != nil {
		t.Fatalf("Failed to decode input %q: %v", input, err)
	}
	if !reflect.DeepEqual(decoded, expected) {
		t.Errorf("Expected %#v but got %#v", expected, decoded)
	}
}

func encodeAndAssert(t *testing.T, expected string, input any) {
	t.Helper()
	encoded, err := bencode.Marshal(input)
	if err != nil {
		t.Fatalf("Failed to encode input %v: %v", input, err)
	}
	if string(encoded) != expected {
		t.Errorf("Expected %q but got %q", expected, encoded)
	}
}

func TestDecodeScalars(t *testing.T) {
	decodeAndAssert(t, "i123e", int64(123))
	decodeAndAssert(t, "i-123e", int64(-123))
	decodeAndAssert(t, "i0e", int64(0))
	decodeAndAssert(t, "5:hello", "hello")
	decodeAndAssert(t, "0:", "")
}

func TestDecodeContainers(t *testing.T) {
	decodeAndAssert(t, "li1ei2ei3ee", []any{int64(1), int64(2), int64(3)})
	decodeAndAssert(t, "d4:dictd9:space keyi4eee", map[string]any{
		"dict": map[string]any{"space key": int64(4)},
	})
}

func TestEncodeSortsKeys(t *testing.T) {
	encodeAndAssert(t, "i123e", 123)
	encodeAndAssert(t, "5:hello", "hello")
	encodeAndAssert(t, "li1ei2ei3ee", []any{1, 2, 3})
	encodeAndAssert(t, "d1:ai1e1:bi2e1:ci3ee", map[string]any{"c": 3, "a": 1, "b": 2})

	type info struct {
		Name        string `bencode:"name"`
		PieceLength int64  `bencode:"piece length"`
		Length      int64  `bencode:"length"`
	}
	encodeAndAssert(t, "d6:lengthi10e4:name1:x12:piece lengthi4ee", info{Name: "x", PieceLength: 4, Length: 10})
}

func TestMalformed(t *testing.T) {
	cases := []string{
		"i125i",
		"li13i2e",
		"ie",
		"i-0e",
		"i012e",
		"5:abc",
		"05:hello",
		"d1:ai1e",
		"di1ei2ee",
		"i1ei2e",
		"x",
		"",
	}
	for _, c := range cases {
		_, err := bencode.Decode([]byte(c))
		if err == nil {
			t.Errorf("expected error for %q", c)
			continue
		}
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for %q, got %v", c, err)
		}
	}
}

func TestDepthBound(t *testing.T) {
	ok := strings.Repeat("l", bencode.MaxDepth) + strings.Repeat("e", bencode.MaxDepth)
	if err := bencode.Validate([]byte(ok)); err != nil {
		t.Fatalf("depth %d should be accepted: %v", bencode.MaxDepth, err)
	}
	deep := strings.Repeat("l", bencode.MaxDepth+1) + strings.Repeat("e", bencode.MaxDepth+1)
	if err := bencode.Validate([]byte(deep)); err == nil {
		t.Fatalf("depth %d should be rejected", bencode.MaxDepth+1)
	}
}

func TestIsCanonical(t *testing.T) {
	if !bencode.IsCanonical([]byte("d1:ai1e1:bi2ee")) {
		t.Errorf("sorted dict should be canonical")
	}
	if bencode.IsCanonical([]byte("d1:bi2e1:ai1ee")) {
		t.Errorf("unsorted dict should not be canonical")
	}
	if bencode.IsCanonical([]byte("d1:ai1e1:ai2ee")) {
		t.Errorf("duplicate keys should not be canonical")
	}
}

func TestValueLength(t *testing.T) {
	data := []byte("d8:msg_typei1e5:piecei0eeRAWPIECEDATA")
	n, err := bencode.ValueLength(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[n:]) != "RAWPIECEDATA" {
		t.Errorf("expected trailing raw data, got %q", data[n:])
	}
}
