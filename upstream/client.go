// Package upstream defines the provider API the catalog cache fetches from
// and an HTTP implementation of it for Xtream Codes compatible panels.
package upstream

import "context"

// Client is a provider connection for one profile. Every method may fail
// with a fault.Error classified as network, timeout, HTTP status or auth.
type Client interface {
	Authenticate(ctx context.Context) (*ServerInfo, error)
	GetChannelCategories(ctx context.Context) ([]Category, error)
	GetMovieCategories(ctx context.Context) ([]Category, error)
	GetSeriesCategories(ctx context.Context) ([]Category, error)
	GetChannels(ctx context.Context, categoryID *string) ([]Channel, error)
	GetMovies(ctx context.Context, categoryID *string) ([]Movie, error)
	GetSeries(ctx context.Context, categoryID *string) ([]Series, error)
	GetShortEPG(ctx context.Context, channelID string) ([]EPGEntry, error)
	GetMovieInfo(ctx context.Context, movieID string) (*MovieInfo, error)
	GetSeriesInfo(ctx context.Context, seriesID string) (*SeriesInfo, error)
}

// Factory builds a Client for a profile's credentials.
type Factory func(creds Credentials) (Client, error)
