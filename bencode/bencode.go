// Package bencode is the codec for .torrent files and wire-extension payloads.
//
// Encoding and struct decoding are delegated to anacrolix's bencode package,
// which emits dictionaries with keys sorted by raw bytes. Every decode goes
// through a structural scan first so adversarial input (deep nesting,
// malformed integers, truncated strings, trailing garbage) is rejected before
// reflection runs.
package bencode

import (
	"bytes"
	"strconv"

	"torrent-vault/apperrors"

	abencode "github.com/anacrolix/torrent/bencode"
)

// MaxDepth bounds list/dict nesting.
const MaxDepth = 20

// Raw holds an already-encoded value, kept byte-for-byte.
type Raw = abencode.Bytes

func Marshal(v any) ([]byte, error) {
	b, err := abencode.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Validation, "bencode marshal", err)
	}
	return b, nil
}

// Unmarshal validates data and decodes it into v.
func Unmarshal(data []byte, v any) error {
	if err := Validate(data); err != nil {
		return err
	}
	if err := abencode.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.Validation, "bencode unmarshal", err)
	}
	return nil
}

// Decode returns the generic form of data: int64, string, []any or
// map[string]any.
func Decode(data []byte) (any, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks that data holds exactly one well-formed value.
func Validate(data []byte) error {
	s := scanner{data: data}
	if err := s.value(1); err != nil {
		return err
	}
	if s.pos != len(data) {
		return s.errorf("trailing data (%d bytes)", len(data)-s.pos)
	}
	return nil
}

// IsCanonical reports whether data is valid and every dict has strictly
// ascending keys.
func IsCanonical(data []byte) bool {
	s := scanner{data: data, strict: true}
	if err := s.value(1); err != nil {
		return false
	}
	return s.pos == len(data)
}

// ValueLength returns how many bytes the first value in data occupies. Bytes
// after it are ignored; ut_metadata data messages append the raw piece there.
func ValueLength(data []byte) (int, error) {
	s := scanner{data: data}
	if err := s.value(1); err != nil {
		return 0, err
	}
	return s.pos, nil
}

type scanner struct {
	data   []byte
	pos    int
	strict bool
}

func (s *scanner) errorf(format string, args ...any) error {
	args = append(args, s.pos)
	return apperrors.Validationf("bencode", format+" at offset %d", args...)
}

func (s *scanner) value(depth int) error {
	if depth > MaxDepth {
		return s.errorf("nesting exceeds %d levels", MaxDepth)
	}
	if s.pos >= len(s.data) {
		return s.errorf("unexpected end of input")
	}

	switch c := s.data[s.pos]; {
	case c == 'i':
		return s.integer()
	case c == 'l':
		s.pos++
		for {
			if s.pos >= len(s.data) {
				return s.errorf("unterminated list")
			}
			if s.data[s.pos] == 'e' {
				s.pos++
				return nil
			}
			if err := s.value(depth + 1); err != nil {
				return err
			}
		}
	case c == 'd':
		s.pos++
		var prev []byte
		first := true
		for {
			if s.pos >= len(s.data) {
				return s.errorf("unterminated dict")
			}
			if s.data[s.pos] == 'e' {
				s.pos++
				return nil
			}
			if s.data[s.pos] < '0' || s.data[s.pos] > '9' {
				return s.errorf("dict key must be a string")
			}
			key, err := s.str()
			if err != nil {
				return err
			}
			if s.strict && !first && bytes.Compare(prev, key) >= 0 {
				return s.errorf("dict key %q out of order", key)
			}
			prev, first = key, false
			if err := s.value(depth + 1); err != nil {
				return err
			}
		}
	case c >= '0' && c <= '9':
		_, err := s.str()
		return err
	default:
		return s.errorf("unexpected byte %q", c)
	}
}

func (s *scanner) str() ([]byte, error) {
	start := s.pos
	colon := bytes.IndexByte(s.data[start:], ':')
	if colon <= 0 {
		return nil, s.errorf("string length not terminated")
	}
	digits := s.data[start : start+colon]
	if len(digits) > 1 && digits[0] == '0' {
		return nil, s.errorf("string length has leading zero")
	}
	n, err := strconv.ParseUint(string(digits), 10, 31)
	if err != nil {
		return nil, s.errorf("bad string length %q", digits)
	}
	s.pos = start + colon + 1
	if uint64(len(s.data)-s.pos) < n {
		return nil, s.errorf("string of %d bytes truncated", n)
	}
	b := s.data[s.pos : s.pos+int(n)]
	s.pos += int(n)
	return b, nil
}

func (s *scanner) integer() error {
	s.pos++ // 'i'
	end := bytes.IndexByte(s.data[s.pos:], 'e')
	if end < 0 {
		return s.errorf("unterminated integer")
	}
	digits := s.data[s.pos : s.pos+end]
	neg := len(digits) > 0 && digits[0] == '-'
	body := digits
	if neg {
		body = digits[1:]
	}
	switch {
	case len(body) == 0:
		return s.errorf("empty integer")
	case len(body) > 1 && body[0] == '0':
		return s.errorf("integer has leading zero")
	case neg && body[0] == '0':
		return s.errorf("negative zero")
	}
	if _, err := strconv.ParseInt(string(digits), 10, 64); err != nil {
		return s.errorf("bad integer %q", digits)
	}
	s.pos += end + 1
	return nil
}
