// Package upstreamtest provides an in-memory upstream.Client for tests.
package upstreamtest

import (
	"context"
	"sync"

	"github.com/tvdeck/catalogcache/upstream"
)

// Client is a scriptable upstream.Client. Each method returns the matching
// error from Err when one is set, and records the call.
type Client struct {
	mu sync.Mutex

	Server            upstream.ServerInfo
	ChannelCategories []upstream.Category
	MovieCategories   []upstream.Category
	SeriesCategories  []upstream.Category
	Channels          []upstream.Channel
	Movies            []upstream.Movie
	Series            []upstream.Series
	EPG               map[string][]upstream.EPGEntry
	MovieInfos        map[string]*upstream.MovieInfo
	SeriesInfos       map[string]*upstream.SeriesInfo

	// Err maps a method name to the errors it returns, one per call. The
	// last error is repeated.
	Err   map[string][]error
	calls map[string]int
	hook  func(method string)
}

var _ upstream.Client = (*Client)(nil)

func New() *Client {
	return &Client{
		EPG:         map[string][]upstream.EPGEntry{},
		MovieInfos:  map[string]*upstream.MovieInfo{},
		SeriesInfos: map[string]*upstream.SeriesInfo{},
		Err:         map[string][]error{},
		calls:       map[string]int{},
	}
}

// Fail scripts method to return errs on successive calls.
func (c *Client) Fail(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err[method] = errs
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// OnCall registers fn to run, outside the client's lock, at the start of
// every call.
func (c *Client) OnCall(fn func(method string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

func (c *Client) record(method string) error {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(method)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.calls[method]
	c.calls[method] = n + 1
	errs := c.Err[method]
	if len(errs) == 0 {
		return nil
	}
	if n >= len(errs) {
		return errs[len(errs)-1]
	}
	return errs[n]
}

func (c *Client) Authenticate(ctx context.Context) (*upstream.ServerInfo, error) {
	if err := c.record("Authenticate"); err != nil {
		return nil, err
	}
	info := c.Server
	return &info, nil
}

func (c *Client) GetChannelCategories(ctx context.Context) ([]upstream.Category, error) {
	if err := c.record("GetChannelCategories"); err != nil {
		return nil, err
	}
	return c.ChannelCategories, nil
}

func (c *Client) GetMovieCategories(ctx context.Context) ([]upstream.Category, error) {
	if err := c.record("GetMovieCategories"); err != nil {
		return nil, err
	}
	return c.MovieCategories, nil
}

func (c *Client) GetSeriesCategories(ctx context.Context) ([]upstream.Category, error) {
	if err := c.record("GetSeriesCategories"); err != nil {
		return nil, err
	}
	return c.SeriesCategories, nil
}

func (c *Client) GetChannels(ctx context.Context, categoryID *string) ([]upstream.Channel, error) {
	if err := c.record("GetChannels"); err != nil {
		return nil, err
	}
	if categoryID == nil {
		return c.Channels, nil
	}
	var out []upstream.Channel
	for _, ch := range c.Channels {
		if string(ch.CategoryID) == *categoryID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (c *Client) GetMovies(ctx context.Context, categoryID *string) ([]upstream.Movie, error) {
	if err := c.record("GetMovies"); err != nil {
		return nil, err
	}
	if categoryID == nil {
		return c.Movies, nil
	}
	var out []upstream.Movie
	for _, m := range c.Movies {
		if string(m.CategoryID) == *categoryID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) GetSeries(ctx context.Context, categoryID *string) ([]upstream.Series, error) {
	if err := c.record("GetSeries"); err != nil {
		return nil, err
	}
	if categoryID == nil {
		return c.Series, nil
	}
	var out []upstream.Series
	for _, s := range c.Series {
		if string(s.CategoryID) == *categoryID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) GetShortEPG(ctx context.Context, channelID string) ([]upstream.EPGEntry, error) {
	if err := c.record("GetShortEPG"); err != nil {
		return nil, err
	}
	return c.EPG[channelID], nil
}

func (c *Client) GetMovieInfo(ctx context.Context, movieID string) (*upstream.MovieInfo, error) {
	if err := c.record("GetMovieInfo"); err != nil {
		return nil, err
	}
	return c.MovieInfos[movieID], nil
}

func (c *Client) GetSeriesInfo(ctx context.Context, seriesID string) (*upstream.SeriesInfo, error) {
	if err := c.record("GetSeriesInfo"); err != nil {
		return nil, err
	}
	return c.SeriesInfos[seriesID], nil
}
