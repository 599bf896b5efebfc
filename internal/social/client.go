package social

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"magstats/internal/provider"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	ProviderName = "social"

	// MaxBatch is the Graph API limit on sub-requests per batch call.
	MaxBatch = 50

	DefaultGraphURL = "https://graph.facebook.com/v19.0/"
)

// Graph error codes that mean the app credentials were refused.
var authErrorCodes = map[int]bool{
	102: true, // session
	190: true, // invalid OAuth access token
	10:  true, // permission denied
	200: true, // permissions error
}

type Config struct {
	AppID     string
	AppSecret string
	GraphURL  string
}

// Client fetches URL engagement from the Graph API batch endpoint using an
// app access token (app id and secret joined by "|").
type Client struct {
	endpoint string
	token    string
	http     provider.Doer
	breaker  *provider.Breaker[map[string]Engagement]
	logger   zerolog.Logger
}

func NewClient(cfg Config, httpClient provider.Doer, logger zerolog.Logger) (*Client, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, provider.NewConfigError(ProviderName, errors.New("app id and app secret are required"))
	}
	endpoint := cfg.GraphURL
	if endpoint == "" {
		endpoint = DefaultGraphURL
	}
	if httpClient == nil {
		httpClient = provider.NewLimitedClient(nil, 0, 0)
	}

	logger = logger.With().Str("component", "social-client").Logger()
	return &Client{
		endpoint: endpoint,
		token:    cfg.AppID + "|" + cfg.AppSecret,
		http:     httpClient,
		breaker:  provider.NewBreaker[map[string]Engagement]("social-graph", logger),
		logger:   logger,
	}, nil
}

// FetchEngagement issues one batch call for at most MaxBatch URLs. The result
// is keyed by the requested URL. A completed sub-request without an engagement
// field yields a zero Engagement; failed or missing sub-requests are left out.
// A provider-level error fails the whole batch.
func (c *Client) FetchEngagement(ctx context.Context, urls []string) (map[string]Engagement, error) {
	if len(urls) == 0 {
		return map[string]Engagement{}, nil
	}
	if len(urls) > MaxBatch {
		return nil, fmt.Errorf("batch of %d urls exceeds limit %d", len(urls), MaxBatch)
	}

	return c.breaker.Execute(func() (map[string]Engagement, error) {
		return c.fetch(ctx, urls)
	})
}

func (c *Client) fetch(ctx context.Context, urls []string) (map[string]Engagement, error) {
	subs := make([]batchRequest, len(urls))
	for i, u := range urls {
		subs[i] = batchRequest{
			Method:      http.MethodGet,
			RelativeURL: "?id=" + url.QueryEscape(u) + "&fields=engagement",
		}
	}
	batchJSON, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	form := url.Values{}
	form.Set("access_token", c.token)
	form.Set("batch", string(batchJSON))
	form.Set("include_headers", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(provider.NewStatusError(resp))
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	var envelope graphErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		return nil, c.graphFailure(envelope.Error)
	}

	var parts []*batchResponse
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("malformed batch response: %w", err)
	}
	if len(parts) != len(urls) {
		return nil, fmt.Errorf("malformed batch response: %d parts for %d requests", len(parts), len(urls))
	}

	out := make(map[string]Engagement, len(urls))
	for i, part := range parts {
		if part == nil {
			c.logger.Debug().Str("url", urls[i]).Msg("sub-request not completed")
			continue
		}
		if part.Code != http.StatusOK {
			c.logger.Debug().Str("url", urls[i]).Int("code", part.Code).Msg("sub-request failed")
			continue
		}

		var node urlNode
		if err := json.Unmarshal([]byte(part.Body), &node); err != nil {
			c.logger.Debug().Err(err).Str("url", urls[i]).Msg("sub-response body unreadable")
			continue
		}

		// the part at position i answers urls[i]; node.ID may be a canonical
		// og:url that another item in the batch also uses
		key := urls[i]
		if node.ID != "" && node.ID != key {
			c.logger.Debug().Str("url", key).Str("canonical", node.ID).Msg("graph returned canonical url")
		}

		var e Engagement
		if node.Engagement != nil {
			e = Engagement{
				Reactions:     node.Engagement.ReactionCount,
				Comments:      node.Engagement.CommentCount,
				Shares:        node.Engagement.ShareCount,
				CommentPlugin: node.Engagement.CommentPluginCount,
			}
		}
		out[key] = e
	}

	return out, nil
}

// classify turns a non-200 reply into a config error when the Graph API says
// the token was refused.
func (c *Client) classify(se *provider.StatusError) error {
	var envelope graphErrorEnvelope
	if err := json.Unmarshal([]byte(se.Body), &envelope); err == nil && envelope.Error != nil {
		return c.graphFailure(envelope.Error)
	}
	if provider.IsAuthStatus(se.Code) {
		return provider.NewConfigError(ProviderName, se)
	}
	return fmt.Errorf("graph batch: %w", se)
}

func (c *Client) graphFailure(ge *graphError) error {
	err := fmt.Errorf("graph error %d (%s): %s", ge.Code, ge.Type, ge.Message)
	if authErrorCodes[ge.Code] {
		return provider.NewConfigError(ProviderName, err)
	}
	return err
}
