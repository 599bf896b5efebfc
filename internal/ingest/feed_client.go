package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"magstats/internal/provider"

	"github.com/goccy/go-json"
)

const postFields = "id,type,status,slug,link,date_gmt,modified_gmt,title,author,categories,issue,series"

type cmsClient struct {
	baseURL string
	http    provider.Doer
}

// NewCMSClient reads collections below baseURL, e.g.
// https://mag.example/wp-json/wp/v2/.
func NewCMSClient(baseURL string, httpClient provider.Doer) FeedClient {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if httpClient == nil {
		httpClient = provider.NewLimitedClient(nil, 0, 0)
	}
	return &cmsClient{
		baseURL: baseURL,
		http:    httpClient,
	}
}

// FetchPage reads one 1-based page of a collection. Pages past the end come
// back empty rather than as an error.
func (c *cmsClient) FetchPage(ctx context.Context, collection string, page, pageSize int) (Page, error) {
	u, err := url.Parse(c.baseURL + collection)
	if err != nil {
		return Page{}, err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("status", "publish")
	q.Set("orderby", "modified")
	q.Set("_fields", postFields)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	// the REST API answers 400 rest_post_invalid_page_number past the last page
	if resp.StatusCode == http.StatusBadRequest && page > 1 {
		return Page{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("%s page %d: %w", collection, page, provider.NewStatusError(resp))
	}

	var out Page
	if err := json.NewDecoder(resp.Body).Decode(&out.Posts); err != nil {
		return Page{}, fmt.Errorf("decode %s page %d: %w", collection, page, err)
	}
	out.TotalPages, _ = strconv.Atoi(resp.Header.Get("X-WP-TotalPages"))
	return out, nil
}
