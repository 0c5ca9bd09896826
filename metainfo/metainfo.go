// Package metainfo decodes .torrent files and magnet URIs into the
// Descriptor the rest of torrentcore operates on, and computes the
// info-hash that uniquely identifies a torrent.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"torrentcore/internal/bencode"
)

// InfoHash is the 20-byte SHA-1 identity of a torrent: the hash of the
// exact bencoded "info" sub-dictionary.
type InfoHash [20]byte

func (h InfoHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Bytes returns the raw 20 bytes.
func (h InfoHash) Bytes() []byte { return h[:] }

// File is the raw top-level dictionary of a .torrent file, as described in
// BEP-3.
type File struct {
	Announce     string          `bencode:"announce"`
	AnnounceList [][]string      `bencode:"announce-list"`
	Comment      string          `bencode:"comment"`
	CreatedBy    string          `bencode:"created by"`
	CreationDate int64           `bencode:"creation date"`
	Encoding     string          `bencode:"encoding"`
	Info         InfoDict        `bencode:"info"`
}

// InfoDict is the mandatory "info" dictionary of a .torrent file.
type InfoDict struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"`
	Files       []FileItem `bencode:"files"`
	Private     int        `bencode:"private"`
}

// FileItem describes one file of a multi-file torrent.
type FileItem struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// FileEntry is one file of a Descriptor, with its offset already resolved
// in the flat torrent byte stream.
type FileEntry struct {
	Path   string // relative path, OS-sanitised, joined under the torrent name
	Length int64
	Offset int64 // cumulative offset into the flat [0, TotalLength) stream
}

// Descriptor is the fully-resolved metadata the rest of the engine consumes,
// regardless of whether it came from a .torrent file or a magnet URI.
type Descriptor struct {
	Name               string
	NominalPieceLength int64
	PieceHashes        [][20]byte
	Files              []FileEntry
	TotalLength        int64
	Trackers           []string
	IsPrivate          bool
	InfoHash           InfoHash
}

// publicTrackerFallback augments small tracker sets. The presence of this
// list, and the threshold below which it kicks in, come straight from the
// source program; the spec leaves the exact policy open (spec.md §9 open
// questions) so the threshold is the exported package variable
// FallbackThreshold rather than a literal. The list itself is unexported.
var publicTrackerFallback = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
}

// FallbackThreshold is the tracker-count below which the public fallback
// list is merged in. spec.md §9 asks to preserve this policy while making
// it configurable; it is a package var rather than a literal for that
// reason.
var FallbackThreshold = 5

// ParseFile decodes raw .torrent bytes into a Descriptor.
func ParseFile(data []byte) (*Descriptor, error) {
	var f File
	if err := bencode.Unmarshal(data, &f); err != nil {
		return nil, &MalformedError{Reason: "bencode decode", Err: err}
	}

	hash, err := computeInfoHash(data)
	if err != nil {
		return nil, &MalformedError{Reason: "info-hash", Err: err}
	}

	if len(f.Info.Pieces)%20 != 0 {
		return nil, &MalformedError{Reason: fmt.Sprintf("pieces length %d not a multiple of 20", len(f.Info.Pieces))}
	}
	if f.Info.Name == "" {
		return nil, &MalformedError{Reason: "missing info.name"}
	}
	if f.Info.PieceLength <= 0 {
		return nil, &MalformedError{Reason: "non-positive piece length"}
	}

	numPieces := len(f.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], f.Info.Pieces[i*20:(i+1)*20])
	}

	entries, total := buildFileEntries(f.Info)

	trackers := collectTrackers(f.Announce, f.AnnounceList)
	trackers = withFallback(trackers)

	return &Descriptor{
		Name:               f.Info.Name,
		NominalPieceLength: f.Info.PieceLength,
		PieceHashes:        hashes,
		Files:              entries,
		TotalLength:        total,
		Trackers:           trackers,
		IsPrivate:          f.Info.Private != 0,
		InfoHash:           hash,
	}, nil
}

func buildFileEntries(info InfoDict) ([]FileEntry, int64) {
	if len(info.Files) == 0 {
		return []FileEntry{{
			Path:   SanitizePathComponent(info.Name),
			Length: info.Length,
			Offset: 0,
		}}, info.Length
	}

	var entries []FileEntry
	var offset int64
	for _, item := range info.Files {
		parts := make([]string, len(item.Path))
		for i, p := range item.Path {
			parts[i] = SanitizePathComponent(p)
		}
		entries = append(entries, FileEntry{
			Path:   joinPath(parts),
			Length: item.Length,
			Offset: offset,
		})
		offset += item.Length
	}
	return entries, offset
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

func collectTrackers(announce string, announceList [][]string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(announce)
	for _, tier := range announceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

func withFallback(trackers []string) []string {
	if len(trackers) >= FallbackThreshold {
		return trackers
	}
	seen := make(map[string]struct{}, len(trackers))
	for _, t := range trackers {
		seen[t] = struct{}{}
	}
	out := append([]string{}, trackers...)
	for _, t := range publicTrackerFallback {
		if _, ok := seen[t]; !ok {
			out = append(out, t)
			seen[t] = struct{}{}
		}
	}
	return out
}

// computeInfoHash walks the top-level dictionary with SkipValue, matching
// keys byte-exactly, so that binary bytes inside "pieces" that happen to
// look like bencode delimiters are never misread as the "info" key.
func computeInfoHash(data []byte) (InfoHash, error) {
	if len(data) == 0 || data[0] != 'd' {
		return InfoHash{}, fmt.Errorf("not a bencoded dictionary")
	}

	i := 1
	for i < len(data) && data[i] != 'e' {
		keyStart := i
		keyEnd, err := bencode.SkipValue(data, i)
		if err != nil {
			return InfoHash{}, err
		}
		var key string
		if err := bencode.Unmarshal(data[keyStart:keyEnd], &key); err != nil {
			return InfoHash{}, fmt.Errorf("decode dict key: %w", err)
		}

		valStart := keyEnd
		valEnd, err := bencode.SkipValue(data, valStart)
		if err != nil {
			return InfoHash{}, err
		}

		if key == "info" {
			sum := sha1.Sum(data[valStart:valEnd])
			return InfoHash(sum), nil
		}

		i = valEnd
	}

	return InfoHash{}, fmt.Errorf("no \"info\" key found in top-level dictionary")
}

// MalformedError reports a descriptor that could not be parsed. It is
// always local to the affected descriptor — never fatal to the Engine.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed metadata: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed metadata: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }
