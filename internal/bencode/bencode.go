// Package bencode exposes the minimal bencode surface the rest of
// torrentcore depends on: decode/encode of whole values, and a byte-exact
// walker over raw bencode data. The walker is what lets metainfo compute
// the info-hash over the precise byte range of the "info" dictionary,
// without caring what's inside it.
package bencode

import (
	"bytes"
	"fmt"
	"strconv"

	bencodego "github.com/jackpal/bencode-go"
)

// Unmarshal decodes bencoded data into v, following the same struct-tag
// conventions as encoding/json (via `bencode:"..."` tags).
func Unmarshal(data []byte, v interface{}) error {
	return bencodego.Unmarshal(bytes.NewReader(data), v)
}

// Marshal encodes v as bencoded bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencodego.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SkipValue returns the offset immediately following one complete bencode
// value that starts at offset. It does not interpret the value, so binary
// bytes inside a string (e.g. a "pieces" field that happens to contain the
// bytes 'd', 'l', or 'e') are never mistaken for structural delimiters.
func SkipValue(data []byte, offset int) (int, error) {
	if offset >= len(data) {
		return 0, fmt.Errorf("bencode: skip value: offset %d out of range (len %d)", offset, len(data))
	}

	switch b := data[offset]; {
	case b == 'i':
		end := bytes.IndexByte(data[offset:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("bencode: unterminated integer at offset %d", offset)
		}
		return offset + end + 1, nil

	case b == 'l' || b == 'd':
		i := offset + 1
		for i < len(data) && data[i] != 'e' {
			if b == 'd' {
				// dictionary: key (always a string), then value
				var err error
				i, err = SkipValue(data, i)
				if err != nil {
					return 0, err
				}
			}
			var err error
			i, err = SkipValue(data, i)
			if err != nil {
				return 0, err
			}
		}
		if i >= len(data) {
			return 0, fmt.Errorf("bencode: unterminated %c at offset %d", b, offset)
		}
		return i + 1, nil

	case b >= '0' && b <= '9':
		colon := bytes.IndexByte(data[offset:], ':')
		if colon < 0 {
			return 0, fmt.Errorf("bencode: malformed string length at offset %d", offset)
		}
		length, err := strconv.Atoi(string(data[offset : offset+colon]))
		if err != nil {
			return 0, fmt.Errorf("bencode: invalid string length at offset %d: %w", offset, err)
		}
		start := offset + colon + 1
		end := start + length
		if length < 0 || end > len(data) {
			return 0, fmt.Errorf("bencode: string length %d overruns buffer at offset %d", length, offset)
		}
		return end, nil

	default:
		return 0, fmt.Errorf("bencode: unexpected token %q at offset %d", b, offset)
	}
}

// FindDictKey locates the byte offset immediately after the bencoded key
// "<len>:<key>" within a dictionary's raw bytes, searching from the start of
// data. It is a straightforward byte search, not a parse — callers that
// need the value boundary should follow up with SkipValue.
func FindDictKey(data []byte, key string) (int, bool) {
	token := []byte(fmt.Sprintf("%d:%s", len(key), key))
	idx := bytes.Index(data, token)
	if idx < 0 {
		return 0, false
	}
	return idx + len(token), true
}
