package services

import (
	"context"
	"sync"

	"torrent-vault/discovery"
)

type TrackerStatus struct {
	URL string `json:"url"`
	discovery.ScrapeResult
	Error string `json:"error,omitempty"`
}

// Trackers scrapes every tracker of a session concurrently. Trackers
// without a scrape convention are listed with an error.
func (s *TorrentService) Trackers(ctx context.Context, userID, infoHash string) ([]TrackerStatus, error) {
	e, ih, err := s.lookup("trackers", userID, infoHash)
	if err != nil {
		return nil, err
	}
	urls := e.sess.Trackers()
	out := make([]TrackerStatus, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		out[i].URL = u
		if _, ok := discovery.ScrapeURL(u); !ok {
			out[i].Error = "scrape not supported"
			continue
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			res, err := s.tracker.Scrape(ctx, u, ih)
			if err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].ScrapeResult = *res
		}(i, u)
	}
	wg.Wait()
	return out, nil
}
