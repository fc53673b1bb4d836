package main

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tvdeck/catalogcache/cache"
	"github.com/tvdeck/catalogcache/catalog"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/sys"
)

// fetchOutput mirrors degrade.Result for printing.
type fetchOutput struct {
	Data          any    `json:"data"`
	FromCache     bool   `json:"from_cache"`
	IsStale       bool   `json:"is_stale"`
	OriginalError string `json:"original_error,omitempty"`
}

func fetchContent(ctx context.Context, svc *catalog.Service, profileID, contentType string, id *string) (*fetchOutput, error) {
	need := func() (string, error) {
		if id == nil {
			return "", fault.Validation("fetch", contentType, errors.New("an identifier is required"))
		}
		return *id, nil
	}
	switch contentType {
	case cache.ContentChannelCategories:
		r, err := svc.ChannelCategories(ctx, profileID)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentMovieCategories:
		r, err := svc.MovieCategories(ctx, profileID)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentSeriesCategories:
		r, err := svc.SeriesCategories(ctx, profileID)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentChannels:
		r, err := svc.Channels(ctx, profileID, id)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentMovies:
		r, err := svc.Movies(ctx, profileID, id)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentSeries:
		r, err := svc.Series(ctx, profileID, id)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentEPG:
		channelID, err := need()
		if err != nil {
			return nil, err
		}
		r, err := svc.ShortEPG(ctx, profileID, channelID)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentMovieInfo:
		movieID, err := need()
		if err != nil {
			return nil, err
		}
		r, err := svc.MovieInfo(ctx, profileID, movieID)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	case cache.ContentSeriesInfo:
		seriesID, err := need()
		if err != nil {
			return nil, err
		}
		r, err := svc.SeriesInfo(ctx, profileID, seriesID)
		return &fetchOutput{r.Data, r.FromCache, r.IsStale, r.OriginalError}, err
	}
	return nil, fault.Validation("fetch", contentType, errors.Newf("unsupported content type %q", contentType))
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <profile> <content-type> [id]",
	Short: "Read catalog content through the cache",
	Long: `Read catalog content through the cache. Content types are
channel_categories, movie_categories, series_categories, channels, movies,
series (optional category id), epg (channel id), movie_info and series_info (item id).`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var id *string
		if len(args) == 3 {
			id = sys.Ptr(args[2])
		}
		out, err := fetchContent(cmd.Context(), a.catalog, args[0], args[1], id)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <profile> <query>...",
	Short: "Fuzzy search channel, movie and series titles",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		hits, err := a.catalog.Search(cmd.Context(), args[0], strings.Join(args[1:], " "), limit)
		if err != nil {
			return err
		}
		return printJSON(hits)
	},
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <profile>",
	Short: "Queue prefetches for a profile and process the queue once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		profileID := args[0]
		if _, err := a.profiles.Get(ctx, profileID); err != nil {
			return err
		}
		if _, err := a.scheduler.Restore(ctx, []string{profileID}); err != nil {
			a.log.Warn("failed to restore prefetch queue: %s", err)
		}
		contentTypes, _ := cmd.Flags().GetStringSlice("content-types")
		categories, _ := cmd.Flags().GetStringSlice("categories")
		channels, _ := cmd.Flags().GetStringSlice("epg")
		movies, _ := cmd.Flags().GetStringSlice("movies")
		series, _ := cmd.Flags().GetStringSlice("series")

		if err := a.scheduler.ScheduleIntelligentPrefetch(profileID, contentTypes, categories); err != nil {
			return err
		}
		if err := a.scheduler.ScheduleEPGPrefetch(profileID, channels); err != nil {
			return err
		}
		if err := a.scheduler.ScheduleDetailPrefetch(profileID, cache.ContentMovies, movies); err != nil {
			return err
		}
		if err := a.scheduler.ScheduleDetailPrefetch(profileID, cache.ContentSeries, series); err != nil {
			return err
		}

		n := a.worker().RunOnce(ctx)
		a.log.Info("processed %d prefetch items for %s", n, profileID)
		return printJSON(prefetchSummary{Processed: n, Queued: a.scheduler.Len()})
	},
}

type prefetchSummary struct {
	Processed int `json:"processed"`
	Queued    int `json:"queued"`
}

func init() {
	searchCmd.Flags().Int("limit", 20, "maximum number of hits, 0 for all")
	prefetchCmd.Flags().StringSlice("content-types", []string{cache.ContentChannels, cache.ContentMovies, cache.ContentSeries}, "listings whose categories to refresh")
	prefetchCmd.Flags().StringSlice("categories", nil, "category ids whose listings to refresh")
	prefetchCmd.Flags().StringSlice("epg", nil, "channel ids whose short EPG to refresh")
	prefetchCmd.Flags().StringSlice("movies", nil, "movie ids whose details to refresh")
	prefetchCmd.Flags().StringSlice("series", nil, "series ids whose details to refresh")
}
