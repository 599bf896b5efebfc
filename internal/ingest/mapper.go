package ingest

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"time"

	"magstats/internal/article"
)

var errNotPublished = errors.New("post is not published")

// MapPostToItem converts a CMS post of the given kind. The path comes from the
// permalink when there is one; otherwise the repository derives it from the slug.
func MapPostToItem(p Post, kind article.Kind) (article.Item, error) {
	if p.Status != "" && p.Status != "publish" {
		return article.Item{}, errNotPublished
	}
	published := parseDate(p.DateGMT)
	if published.IsZero() {
		return article.Item{}, fmt.Errorf("post %d has no publish date", p.ID)
	}

	it := article.Item{
		ExternalID:   p.ID,
		Kind:         kind,
		Title:        html.UnescapeString(p.Title.Rendered),
		Slug:         p.Slug,
		PublishedAt:  published,
		LastModified: parseDate(p.ModifiedGMT),
		SeriesIDs:    p.Series,
	}
	if p.Link != "" {
		if u, err := url.Parse(p.Link); err == nil {
			it.Path = u.Path
		}
	}
	if len(p.Categories) > 0 {
		it.SectionID = p.Categories[0]
	}
	if len(p.Issue) > 0 {
		it.IssueID = p.Issue[0]
	}
	if p.Author != 0 {
		it.AuthorIDs = []int64{p.Author}
	}
	return it, nil
}

// parseDate example "2025-12-01T09:15:00"; the *_gmt fields carry no zone.
func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	t, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
