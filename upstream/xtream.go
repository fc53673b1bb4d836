package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tvdeck/catalogcache/fault"
	"github.com/tvdeck/catalogcache/logger"
	cstr "github.com/tvdeck/catalogcache/string"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// DefaultRequestTimeout bounds a single provider request.
const DefaultRequestTimeout = 15 * time.Second

const (
	apiPath      = "player_api.php"
	maxBodyBytes = 64 << 20
)

func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "catalogcache/" + Version + " (" + gitSHA + ")"
}

// Option configures an XtreamClient.
type Option func(*XtreamClient)

func WithHTTPClient(client *http.Client) Option {
	return func(c *XtreamClient) { c.client = client }
}

// WithRequestTimeout bounds every request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *XtreamClient) { c.timeout = d }
}

func WithLogger(log logger.Logger) Option {
	return func(c *XtreamClient) { c.logger = log }
}

// XtreamClient talks to an Xtream Codes compatible player API.
type XtreamClient struct {
	endpoint string
	host     string
	creds    Credentials
	client   *http.Client
	timeout  time.Duration
	logger   logger.Logger
}

var _ Client = (*XtreamClient)(nil)

// NewXtreamClient returns a client for the panel at creds.URL.
func NewXtreamClient(creds Credentials, opts ...Option) (*XtreamClient, error) {
	u, err := url.Parse(strings.TrimSpace(creds.URL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fault.Validation("new_client", creds.URL, errors.New("provider url must be an absolute http(s) url"))
	}
	if creds.Username == "" {
		return nil, fault.Validation("new_client", u.Host, errors.New("username is required"))
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + apiPath
	u.RawQuery = ""
	c := &XtreamClient{
		endpoint: u.String(),
		host:     u.Host,
		creds:    creds,
		client:   http.DefaultClient,
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger != nil {
		c.logger = c.logger.WithPrefix("[upstream]")
	}
	return c, nil
}

// NewFactory returns a Factory building XtreamClients with opts.
func NewFactory(opts ...Option) Factory {
	return func(creds Credentials) (Client, error) {
		return NewXtreamClient(creds, opts...)
	}
}

func (c *XtreamClient) trace(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Trace(msg, args...)
	}
}

func (c *XtreamClient) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

// classify maps a transport failure to a timeout or network fault. The
// password carried in the request query is redacted from the error.
func (c *XtreamClient) classify(op string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if masked, merr := cstr.MaskURL(ue.URL, "password"); merr == nil {
			ue.URL = masked
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if fault.KindOf(err) == fault.KindTimeout {
		return fault.Timeout(op, c.host, err)
	}
	return fault.Network(op, c.host, err)
}

func (c *XtreamClient) call(ctx context.Context, op string, params url.Values, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	query := url.Values{}
	query.Set("username", c.creds.Username)
	query.Set("password", c.creds.Password)
	for k, v := range params {
		query[k] = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return fault.Validation(op, c.host, err)
	}
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("Accept", "application/json")
	c.trace("sending request: %s %s action=%s", req.Method, c.endpoint, params.Get("action"))

	resp, err := c.client.Do(req)
	if err != nil {
		return c.classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.classify(op, err)
	}
	contentType := resp.Header.Get("content-type")
	c.debug("response status: %s, body: %s", resp.Status, safeBodyPreview(body, contentType, 200))

	if resp.StatusCode > 299 {
		return fault.HTTP(op, c.host, resp.StatusCode, errors.Newf("request failed with status (%s)", resp.Status))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fault.Decode(op, c.host, err)
	}
	return nil
}

func action(name string, kv ...string) url.Values {
	v := url.Values{"action": {name}}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	return v
}

func fetchList[T any](ctx context.Context, c *XtreamClient, op string, params url.Values) ([]T, error) {
	var out []T
	if err := c.call(ctx, op, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (c *XtreamClient) Authenticate(ctx context.Context) (*ServerInfo, error) {
	var resp struct {
		UserInfo struct {
			Auth           Text   `json:"auth"`
			Status         string `json:"status"`
			ExpDate        Text   `json:"exp_date"`
			MaxConnections Text   `json:"max_connections"`
		} `json:"user_info"`
		ServerInfo ServerInfo `json:"server_info"`
	}
	if err := c.call(ctx, "authenticate", nil, &resp); err != nil {
		switch fault.KindOf(err) {
		case fault.KindNetwork, fault.KindTimeout:
			return nil, fault.Auth("authenticate", c.host, true, err)
		}
		return nil, err
	}
	if resp.UserInfo.Auth != "1" {
		return nil, fault.InvalidCredentials("authenticate", c.host, errors.Newf("provider rejected user %q", c.creds.Username))
	}
	info := resp.ServerInfo
	info.Status = resp.UserInfo.Status
	info.ExpiresAt = resp.UserInfo.ExpDate
	info.MaxConnections = resp.UserInfo.MaxConnections
	return &info, nil
}

func (c *XtreamClient) GetChannelCategories(ctx context.Context) ([]Category, error) {
	return fetchList[Category](ctx, c, "get_channel_categories", action("get_live_categories"))
}

func (c *XtreamClient) GetMovieCategories(ctx context.Context) ([]Category, error) {
	return fetchList[Category](ctx, c, "get_movie_categories", action("get_vod_categories"))
}

func (c *XtreamClient) GetSeriesCategories(ctx context.Context) ([]Category, error) {
	return fetchList[Category](ctx, c, "get_series_categories", action("get_series_categories"))
}

func (c *XtreamClient) GetChannels(ctx context.Context, categoryID *string) ([]Channel, error) {
	return fetchList[Channel](ctx, c, "get_channels", action("get_live_streams", "category_id", deref(categoryID)))
}

func (c *XtreamClient) GetMovies(ctx context.Context, categoryID *string) ([]Movie, error) {
	return fetchList[Movie](ctx, c, "get_movies", action("get_vod_streams", "category_id", deref(categoryID)))
}

func (c *XtreamClient) GetSeries(ctx context.Context, categoryID *string) ([]Series, error) {
	return fetchList[Series](ctx, c, "get_series", action("get_series", "category_id", deref(categoryID)))
}

func (c *XtreamClient) GetShortEPG(ctx context.Context, channelID string) ([]EPGEntry, error) {
	var resp struct {
		Listings []struct {
			ID          Text   `json:"id"`
			ChannelID   string `json:"channel_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Start       Text   `json:"start_timestamp"`
			Stop        Text   `json:"stop_timestamp"`
		} `json:"epg_listings"`
	}
	if err := c.call(ctx, "get_short_epg", action("get_short_epg", "stream_id", channelID), &resp); err != nil {
		return nil, err
	}
	out := make([]EPGEntry, 0, len(resp.Listings))
	for _, l := range resp.Listings {
		out = append(out, EPGEntry{
			ID:          l.ID,
			ChannelID:   l.ChannelID,
			Title:       decodeBase64(l.Title),
			Description: decodeBase64(l.Description),
			Start:       l.Start.Int(),
			Stop:        l.Stop.Int(),
		})
	}
	return out, nil
}

func (c *XtreamClient) GetMovieInfo(ctx context.Context, movieID string) (*MovieInfo, error) {
	var resp struct {
		Info      MovieInfo `json:"info"`
		MovieData struct {
			StreamID Text   `json:"stream_id"`
			Name     string `json:"name"`
		} `json:"movie_data"`
	}
	if err := c.call(ctx, "get_movie_info", action("get_vod_info", "vod_id", movieID), &resp); err != nil {
		return nil, err
	}
	info := resp.Info
	info.StreamID = resp.MovieData.StreamID
	if info.Name == "" {
		info.Name = resp.MovieData.Name
	}
	return &info, nil
}

func (c *XtreamClient) GetSeriesInfo(ctx context.Context, seriesID string) (*SeriesInfo, error) {
	var resp struct {
		Info     SeriesInfo      `json:"info"`
		Episodes json.RawMessage `json:"episodes"`
	}
	if err := c.call(ctx, "get_series_info", action("get_series_info", "series_id", seriesID), &resp); err != nil {
		return nil, err
	}
	info := resp.Info
	info.SeriesID = Text(seriesID)
	info.Episodes = map[string][]Episode{}
	// Panels send an empty array instead of an object when there are no episodes.
	if raw := bytes.TrimSpace(resp.Episodes); len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &info.Episodes); err != nil {
			return nil, fault.Decode("get_series_info", c.host, err)
		}
	}
	return &info, nil
}

func decodeBase64(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

// safeBodyPreview returns a truncated preview of a response body for debug
// logs. Non-text bodies are summarized by size and hash.
func safeBodyPreview(body []byte, contentType string, maxChars int) string {
	if maxChars == 0 {
		maxChars = 200
	}
	lower := strings.ToLower(contentType)
	text := contentType == ""
	for _, t := range []string{"text/", "application/json", "application/javascript"} {
		if strings.Contains(lower, t) {
			text = true
			break
		}
	}
	if !text {
		hash := sha256.Sum256(body)
		return fmt.Sprintf("<%s: %d bytes, sha256=%s>", contentType, len(body), hex.EncodeToString(hash[:8]))
	}
	if len(body) > maxChars {
		return string(body[:maxChars]) + fmt.Sprintf("[truncated, total: %d chars]", len(body))
	}
	return string(body)
}
