package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"
	"torrent-vault/peerwire"
	"torrent-vault/torrentmeta"
)

const (
	// MinAnnounceInterval bounds tracker-provided intervals from below.
	MinAnnounceInterval = 30 * time.Second
	// DefaultAnnounceInterval applies when a tracker does not send one.
	DefaultAnnounceInterval = 30 * time.Minute

	maxTrackerResponse = 1 << 20
)

type AnnounceRequest struct {
	InfoHash   torrentmeta.InfoHash
	PeerID     peerwire.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string // "started", "stopped", "completed" or empty
}

type AnnounceResponse struct {
	Interval time.Duration
	Peers    []string
	Seeders  int
	Leechers int
}

type ScrapeResult struct {
	Seeders   int `json:"seeders"`
	Leechers  int `json:"leechers"`
	Completed int `json:"completed"`
}

// TrackerClient announces over HTTP(S) and UDP and scrapes HTTP trackers.
type TrackerClient struct {
	HTTP    *http.Client
	Timeout time.Duration
}

func NewTrackerClient(timeout time.Duration) *TrackerClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TrackerClient{HTTP: &http.Client{Timeout: timeout}, Timeout: timeout}
}

// Announce dispatches on the tracker URL scheme.
func (c *TrackerClient) Announce(ctx context.Context, tracker string, req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(tracker)
	if err != nil {
		return nil, apperrors.Validationf("announce", "bad tracker url %q", tracker)
	}
	switch u.Scheme {
	case "http", "https":
		return c.announceHTTP(ctx, u, req)
	case "udp":
		return c.announceUDP(ctx, u.Host, req)
	default:
		return nil, apperrors.Validationf("announce", "unsupported tracker scheme %q", u.Scheme)
	}
}

type httpAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	MinInterval   int         `bencode:"min interval"`
	Complete      int         `bencode:"complete"`
	Incomplete    int         `bencode:"incomplete"`
	Peers         bencode.Raw `bencode:"peers"`
}

type httpPeer struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func (c *TrackerClient) announceHTTP(ctx context.Context, base *url.URL, req AnnounceRequest) (*AnnounceResponse, error) {
	const op = "announce"
	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(req.Port)},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	if req.Event != "" {
		params.Set("event", req.Event)
	}
	u := *base
	if u.RawQuery != "" {
		u.RawQuery += "&" + params.Encode()
	} else {
		u.RawQuery = params.Encode()
	}

	body, err := c.get(ctx, op, u.String())
	if err != nil {
		return nil, err
	}
	var tr httpAnnounceResponse
	if err := bencode.Unmarshal(body, &tr); err != nil {
		return nil, apperrors.Transportf(op, err, "%s sent a malformed response", base.Host)
	}
	if tr.FailureReason != "" {
		return nil, apperrors.Transportf(op, nil, "%s: %s", base.Host, tr.FailureReason)
	}
	peers, err := decodePeers(tr.Peers)
	if err != nil {
		return nil, apperrors.Transportf(op, err, "%s sent malformed peers", base.Host)
	}
	interval := tr.Interval
	if tr.MinInterval > interval {
		interval = tr.MinInterval
	}
	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
		Seeders:  tr.Complete,
		Leechers: tr.Incomplete,
	}, nil
}

// decodePeers accepts both the compact string and the dictionary list form.
func decodePeers(raw bencode.Raw) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var list []httpPeer
		if err := bencode.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		peers := make([]string, 0, len(list))
		for _, p := range list {
			if p.IP != "" && p.Port > 0 && p.Port <= 65535 {
				peers = append(peers, net.JoinHostPort(p.IP, strconv.Itoa(p.Port)))
			}
		}
		return peers, nil
	}
	var compact []byte
	if err := bencode.Unmarshal(raw, &compact); err != nil {
		return nil, err
	}
	return peerwire.ParseCompactPeers(compact)
}

type scrapeFile struct {
	Complete   int `bencode:"complete"`
	Downloaded int `bencode:"downloaded"`
	Incomplete int `bencode:"incomplete"`
}

type scrapeResponse struct {
	FailureReason string                `bencode:"failure reason"`
	Files         map[string]scrapeFile `bencode:"files"`
}

// ScrapeURL derives the scrape endpoint from an announce URL, or returns
// false when the tracker does not follow the /announce convention.
func ScrapeURL(announce string) (string, bool) {
	u, err := url.Parse(announce)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	i := strings.LastIndex(u.Path, "/")
	if i < 0 || !strings.HasPrefix(u.Path[i+1:], "announce") {
		return "", false
	}
	u.Path = u.Path[:i+1] + "scrape" + strings.TrimPrefix(u.Path[i+1:], "announce")
	return u.String(), true
}

func (c *TrackerClient) Scrape(ctx context.Context, tracker string, ih torrentmeta.InfoHash) (*ScrapeResult, error) {
	const op = "scrape"
	scrape, ok := ScrapeURL(tracker)
	if !ok {
		return nil, apperrors.Validationf(op, "tracker %s does not support scrape", tracker)
	}
	u, _ := url.Parse(scrape)
	q := u.Query()
	q.Set("info_hash", string(ih[:]))
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, op, u.String())
	if err != nil {
		return nil, err
	}
	var sr scrapeResponse
	if err := bencode.Unmarshal(body, &sr); err != nil {
		return nil, apperrors.Transportf(op, err, "%s sent a malformed response", u.Host)
	}
	if sr.FailureReason != "" {
		return nil, apperrors.Transportf(op, nil, "%s: %s", u.Host, sr.FailureReason)
	}
	f, ok := sr.Files[string(ih[:])]
	if !ok {
		return nil, apperrors.NotFoundf(op, "%s does not track %s", u.Host, ih.HexString())
	}
	return &ScrapeResult{Seeders: f.Complete, Leechers: f.Incomplete, Completed: f.Downloaded}, nil
}

func (c *TrackerClient) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.Validationf(op, "bad tracker url")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, apperrors.Transportf(op, err, "tracker request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Transportf(op, nil, "tracker returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackerResponse))
	if err != nil {
		return nil, apperrors.Transportf(op, err, "reading tracker response")
	}
	return body, nil
}

func boundInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultAnnounceInterval
	}
	if d < MinAnnounceInterval {
		return MinAnnounceInterval
	}
	return d
}

func (r AnnounceRequest) String() string {
	return fmt.Sprintf("%s event=%q left=%d", r.InfoHash.HexString(), r.Event, r.Left)
}
