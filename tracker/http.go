package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"torrentcore/internal/bencode"
	"torrentcore/metainfo"
)

// CookieProvider is the named external collaborator for trackers in a
// configured "private" set (spec.md §4.2): a separate credential/cookie
// store this package consumes through an interface but never implements.
type CookieProvider interface {
	CookiesFor(trackerURL string) []*http.Cookie
}

// httpAnnounceResponse mirrors the bencoded dictionary an HTTP tracker
// replies with.
type httpAnnounceResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	PeersBin string `bencode:"peers"`
}

type peerDict struct {
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
	PeerID string `bencode:"peer id"`
}

// announceHTTP performs one HTTP/HTTPS announce (spec.md §4.2).
func announceHTTP(
	ctx context.Context,
	announceURL string,
	infoHash metainfo.InfoHash,
	peerID [20]byte,
	port uint16,
	req AnnounceRequest,
	cfg Config,
	cookies CookieProvider,
	isPrivate bool,
) ([]PeerAddr, int, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse URL: %w", err)
	}

	q := url.Values{}
	q.Set("info_hash", percentEncodeBytes(infoHash[:]))
	q.Set("peer_id", percentEncodeBytes(peerID[:]))
	q.Set("port", fmt.Sprintf("%d", port))
	q.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	q.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	q.Set("left", fmt.Sprintf("%d", req.Left))
	q.Set("compact", "1")
	q.Set("numwant", fmt.Sprintf("%d", cfg.NumWant))
	if ev := req.Event.String(); ev != "" {
		q.Set("event", ev)
	}

	// url.Values.Encode would re-escape our already-escaped info_hash/peer_id,
	// so the query string is assembled by hand for those two keys.
	u.RawQuery = buildRawQuery(q)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "torrentcore/1.0")

	if isPrivate && cookies != nil {
		for _, c := range cookies.CookiesFor(announceURL) {
			httpReq.AddCookie(c)
		}
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, 0, fmt.Errorf("tracker returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	peers, interval, err := decodeHTTPResponse(body)
	if err != nil {
		return nil, 0, err
	}
	return peers, interval, nil
}

func decodeHTTPResponse(body []byte) ([]PeerAddr, int, error) {
	// The "peers" key can be either a compact binary string or a list of
	// dictionaries (spec.md §4.2, testable scenario 6); the shared
	// httpAnnounceResponse struct only captures the compact form, so a
	// dictionary form is decoded as a fallback pass.
	var compact httpAnnounceResponse
	errCompact := bencode.Unmarshal(body, &compact)
	if errCompact == nil {
		if compact.Failure != "" {
			return nil, 0, fmt.Errorf("tracker failure: %s", compact.Failure)
		}
		if compact.PeersBin != "" {
			peers, err := decodeCompactPeers([]byte(compact.PeersBin))
			if err != nil {
				return nil, 0, err
			}
			return peers, compact.Interval, nil
		}
	}

	var dictForm struct {
		Failure  string     `bencode:"failure reason"`
		Interval int        `bencode:"interval"`
		Peers    []peerDict `bencode:"peers"`
	}
	if err := bencode.Unmarshal(body, &dictForm); err != nil {
		return nil, 0, fmt.Errorf("decode tracker response: %w", err)
	}
	if dictForm.Failure != "" {
		return nil, 0, fmt.Errorf("tracker failure: %s", dictForm.Failure)
	}

	peers := make([]PeerAddr, 0, len(dictForm.Peers))
	for _, p := range dictForm.Peers {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		peers = append(peers, PeerAddr{IP: ip, Port: uint16(p.Port)})
	}
	return peers, dictForm.Interval, nil
}

func decodeCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(raw))
	}
	var peers []PeerAddr
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}

// unreservedChars are the characters percent-encoding leaves alone per
// spec.md §4.2.
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

// percentEncodeBytes percent-encodes raw bytes, passing unreserved
// characters through untouched — used for info_hash and peer_id, which are
// raw 20-byte values rather than UTF-8 text, so url.QueryEscape's text
// assumptions don't apply.
func percentEncodeBytes(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 3)
	for _, c := range data {
		if strings.IndexByte(unreservedChars, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// buildRawQuery assembles the query string without re-escaping the values
// already percent-encoded by percentEncodeBytes.
func buildRawQuery(q url.Values) string {
	var b strings.Builder
	first := true
	for _, k := range []string{"info_hash", "peer_id", "port", "uploaded", "downloaded", "left", "compact", "numwant", "event"} {
		v := q.Get(k)
		if v == "" && k != "info_hash" && k != "peer_id" {
			continue
		}
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		if k == "info_hash" || k == "peer_id" {
			b.WriteString(v)
		} else {
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
