package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseMagnet decodes a magnet URI into a Descriptor. Since a magnet carries
// no piece hashes or piece length, PieceHashes and NominalPieceLength are left
// empty/zero; the caller is responsible for fetching that metadata out of
// band (out of scope for this package — see spec.md §1, metadata decoding
// is a thin consumed dependency) before the descriptor can drive a download.
func ParseMagnet(uri string) (*Descriptor, error) {
	if !strings.HasPrefix(uri, "magnet:?") {
		return nil, &MalformedError{Reason: "not a magnet URI"}
	}

	values, err := url.ParseQuery(strings.TrimPrefix(uri, "magnet:?"))
	if err != nil {
		return nil, &MalformedError{Reason: "magnet query parse", Err: err}
	}

	var hash InfoHash
	found := false
	for _, xt := range values["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		h, err := decodeMagnetHash(strings.TrimPrefix(xt, prefix))
		if err != nil {
			return nil, &MalformedError{Reason: "magnet xt hash", Err: err}
		}
		hash = h
		found = true
		break
	}
	if !found {
		return nil, &MalformedError{Reason: "magnet URI missing xt=urn:btih:"}
	}

	name := values.Get("dn")
	if name == "" {
		name = hash.String()
	}

	var total int64
	if xl := values.Get("xl"); xl != "" {
		n, err := strconv.ParseInt(xl, 10, 64)
		if err == nil {
			total = n
		}
	}

	trackers := append([]string{}, values["tr"]...)
	trackers = withFallback(trackers)

	return &Descriptor{
		Name:        SanitizePathComponent(name),
		TotalLength: total,
		Trackers:    trackers,
		InfoHash:    hash,
	}, nil
}

func decodeMagnetHash(s string) (InfoHash, error) {
	var out InfoHash
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return out, fmt.Errorf("invalid hex btih: %w", err)
		}
		copy(out[:], b)
		return out, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return out, fmt.Errorf("invalid base32 btih: %w", err)
		}
		copy(out[:], b)
		return out, nil
	default:
		return out, fmt.Errorf("btih must be 40 hex or 32 base32 characters, got %d", len(s))
	}
}
