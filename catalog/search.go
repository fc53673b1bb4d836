package catalog

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sahilm/fuzzy"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/upstream"
)

// SearchHit is one title matched by Search.
type SearchHit struct {
	ContentType string `json:"content_type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Score       int    `json:"score"`
	// FromCache is set when the listing was served by a degraded read.
	FromCache bool `json:"from_cache,omitempty"`
}

// titleIndex implements fuzzy.Source over lowercased titles.
type titleIndex struct {
	contentType string
	ids         []string
	names       []string
	lower       []string
	fromCache   bool
}

var _ fuzzy.Source = (*titleIndex)(nil)

func (idx *titleIndex) String(i int) string { return idx.lower[i] }

func (idx *titleIndex) Len() int { return len(idx.lower) }

func (idx *titleIndex) add(id upstream.Text, name string) {
	idx.ids = append(idx.ids, string(id))
	idx.names = append(idx.names, name)
	idx.lower = append(idx.lower, strings.ToLower(name))
}

// Search fuzzy matches query against the full channel, movie and series
// listings of a profile. Listings are read through the normal read path,
// so an unreachable upstream is answered from the cache. Hits are ordered
// best first; limit <= 0 returns every hit. A listing that cannot be read is
// skipped unless none of them can.
func (s *Service) Search(ctx context.Context, profileID, query string, limit int) ([]SearchHit, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, fault.Validation("search", profileID, errors.New("query is required"))
	}

	loaders := []func() (*titleIndex, error){
		func() (*titleIndex, error) {
			res, err := s.channels(ctx, profileID, nil, s.strategy)
			if err != nil {
				return nil, err
			}
			idx := &titleIndex{contentType: cache.ContentChannels, fromCache: res.IsDegraded()}
			for _, ch := range res.Data {
				idx.add(ch.StreamID, ch.Name)
			}
			return idx, nil
		},
		func() (*titleIndex, error) {
			res, err := s.movies(ctx, profileID, nil, s.strategy)
			if err != nil {
				return nil, err
			}
			idx := &titleIndex{contentType: cache.ContentMovies, fromCache: res.IsDegraded()}
			for _, m := range res.Data {
				idx.add(m.StreamID, m.Name)
			}
			return idx, nil
		},
		func() (*titleIndex, error) {
			res, err := s.series(ctx, profileID, nil, s.strategy)
			if err != nil {
				return nil, err
			}
			idx := &titleIndex{contentType: cache.ContentSeries, fromCache: res.IsDegraded()}
			for _, sr := range res.Data {
				idx.add(sr.SeriesID, sr.Name)
			}
			return idx, nil
		},
	}

	var (
		hits    []SearchHit
		lastErr error
		loaded  int
	)
	for _, load := range loaders {
		idx, err := load()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			s.log.Warn("search of %s skipped a listing: %s", profileID, err)
			lastErr = err
			continue
		}
		loaded++
		for _, m := range fuzzy.FindFrom(query, idx) {
			hits = append(hits, SearchHit{
				ContentType: idx.contentType,
				ID:          idx.ids[m.Index],
				Name:        idx.names[m.Index],
				Score:       m.Score,
				FromCache:   idx.fromCache,
			})
		}
	}
	if loaded == 0 {
		return nil, lastErr
	}

	slices.SortStableFunc(hits, func(a, b SearchHit) int {
		return b.Score - a.Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
