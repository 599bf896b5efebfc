package analytics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"magstats/internal/provider"

	"github.com/goccy/go-json"
)

const (
	profileCacheKey = "analytics:profile_id"
	profileCacheTTL = 7 * 24 * time.Hour
)

// profileID returns the configured view id, or discovers the one whose
// website URL matches the site host and caches it for a week.
func (c *Client) profileID(ctx context.Context) (string, error) {
	if c.cfg.ProfileID != "" {
		return c.cfg.ProfileID, nil
	}
	if id, ok, err := c.cache.Get(ctx, profileCacheKey); err == nil && ok {
		return id, nil
	}

	var list profileList
	if err := c.get(ctx, c.baseURL+"management/accounts/~all/webproperties/~all/profiles", nil, &list); err != nil {
		return "", fmt.Errorf("list profiles: %w", err)
	}

	for _, p := range list.Items {
		if sameHost(p.WebsiteURL, c.siteHost) {
			_ = c.cache.Set(ctx, profileCacheKey, p.ID, profileCacheTTL)
			c.logger.Info().Str("profile_id", p.ID).Str("name", p.Name).Msg("analytics profile discovered")
			return p.ID, nil
		}
	}
	return "", provider.NewConfigError(ProviderName, fmt.Errorf("no analytics profile for host %q among %d profiles", c.siteHost, len(list.Items)))
}

func sameHost(websiteURL, host string) bool {
	if websiteURL == "" || host == "" {
		return false
	}
	if !strings.Contains(websiteURL, "://") {
		websiteURL = "http://" + websiteURL
	}
	u, err := url.Parse(websiteURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(u.Hostname(), "www."), strings.TrimPrefix(host, "www."))
}

// get performs an authorised GET and decodes the JSON body into out. A 401,
// or a 403 that is not a usage limit, drops the cached token and is reported
// as a config error. Quota and rate-limit 403s are transient.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analytics request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := provider.NewStatusError(resp)
		envelope := decodeAPIError(se.Body)
		if provider.IsAuthStatus(se.Code) && !envelope.usageLimited() {
			c.tokens.Invalidate(ctx)
			return provider.NewConfigError(ProviderName, fmt.Errorf("%s%w", envelope.message(), se))
		}
		return fmt.Errorf("%s%w", envelope.message(), se)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// usageLimitReasons are the 403 reasons Core Reporting uses for throttling.
var usageLimitReasons = map[string]bool{
	"userRateLimitExceeded": true,
	"rateLimitExceeded":     true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

func decodeAPIError(body string) apiErrorEnvelope {
	var envelope apiErrorEnvelope
	_ = json.Unmarshal([]byte(body), &envelope)
	return envelope
}

func (e apiErrorEnvelope) usageLimited() bool {
	if e.Error == nil {
		return false
	}
	for _, r := range e.Error.Errors {
		if r.Domain == "usageLimits" || usageLimitReasons[r.Reason] {
			return true
		}
	}
	return false
}

func (e apiErrorEnvelope) message() string {
	if e.Error == nil || e.Error.Message == "" {
		return ""
	}
	return e.Error.Message + ": "
}
