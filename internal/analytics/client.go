package analytics

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"magstats/internal/cache"
	"magstats/internal/provider"

	"github.com/rs/zerolog"
)

const (
	ProviderName = "analytics"

	// MaxBatch is how many pagePath filters go into one report query.
	MaxBatch = 10

	DefaultBaseURL   = "https://www.googleapis.com/analytics/v3/"
	DefaultStartDate = "2005-01-01"

	metricPageviews = "ga:pageviews"
	dimensionPath   = "ga:pagePath"
)

// TokenProvider hands out bearer tokens for the reporting API.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

type Config struct {
	// ProfileID skips discovery when set.
	ProfileID string
	StartDate string
	BaseURL   string
	// SiteURL selects the profile during discovery.
	SiteURL string
}

// Client reads lifetime pageviews per URL path from the Core Reporting API.
type Client struct {
	cfg      Config
	baseURL  string
	siteHost string
	tokens   TokenProvider
	http     provider.Doer
	cache    cache.Store
	breaker  *provider.Breaker[map[string]int64]
	logger   zerolog.Logger
}

func NewClient(cfg Config, tokens TokenProvider, httpClient provider.Doer, store cache.Store, logger zerolog.Logger) (*Client, error) {
	if tokens == nil {
		return nil, provider.NewConfigError(ProviderName, fmt.Errorf("no token provider"))
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if cfg.StartDate == "" {
		cfg.StartDate = DefaultStartDate
	}

	var host string
	if cfg.SiteURL != "" {
		u, err := url.Parse(cfg.SiteURL)
		if err != nil {
			return nil, provider.NewConfigError(ProviderName, fmt.Errorf("parse site url: %w", err))
		}
		host = u.Hostname()
	}
	if cfg.ProfileID == "" && host == "" {
		return nil, provider.NewConfigError(ProviderName, fmt.Errorf("either a profile id or a site url is required"))
	}

	if httpClient == nil {
		httpClient = provider.NewLimitedClient(nil, 0, 0)
	}
	if store == nil {
		store = cache.NewMemory()
	}

	logger = logger.With().Str("component", "analytics-client").Logger()
	return &Client{
		cfg:      cfg,
		baseURL:  base,
		siteHost: host,
		tokens:   tokens,
		http:     httpClient,
		cache:    store,
		breaker:  provider.NewBreaker[map[string]int64]("analytics-reporting", logger),
		logger:   logger,
	}, nil
}

// FetchPageviews queries at most MaxBatch paths in one report. Paths without
// a row are absent from the result.
func (c *Client) FetchPageviews(ctx context.Context, paths []string) (map[string]int64, error) {
	if len(paths) == 0 {
		return map[string]int64{}, nil
	}
	if len(paths) > MaxBatch {
		return nil, fmt.Errorf("batch of %d paths exceeds limit %d", len(paths), MaxBatch)
	}

	return c.breaker.Execute(func() (map[string]int64, error) {
		return c.fetch(ctx, paths)
	})
}

func (c *Client) fetch(ctx context.Context, paths []string) (map[string]int64, error) {
	profileID, err := c.profileID(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("ids", "ga:"+profileID)
	q.Set("start-date", c.cfg.StartDate)
	q.Set("end-date", "today")
	q.Set("metrics", metricPageviews)
	q.Set("dimensions", dimensionPath)
	q.Set("filters", PathFilter(paths))
	q.Set("max-results", strconv.Itoa(len(paths)))

	var data gaData
	if err := c.get(ctx, c.baseURL+"data/ga", q, &data); err != nil {
		return nil, fmt.Errorf("report query: %w", err)
	}
	if data.ContainsSampledData {
		c.logger.Debug().Int("paths", len(paths)).Msg("report contains sampled data")
	}

	requested := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		requested[p] = struct{}{}
	}

	out := make(map[string]int64, len(data.Rows))
	for _, row := range data.Rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed report row: %v", row)
		}
		if _, ok := requested[row[0]]; !ok {
			continue
		}
		n, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed pageview count %q for %s: %w", row[1], row[0], err)
		}
		out[row[0]] += n
	}
	return out, nil
}

var filterEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `;`, `\;`)

// PathFilter ORs one exact-match pagePath filter per path.
func PathFilter(paths []string) string {
	parts := make([]string, len(paths))
	for i, p := range paths {
		parts[i] = dimensionPath + "==" + filterEscaper.Replace(p)
	}
	return strings.Join(parts, ",")
}
