package article

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Item is a single published unit of editorial content (an article or a review).
type Item struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ExternalID   int64              `bson:"externalId" json:"id"`
	Kind         Kind               `bson:"kind" json:"kind"`
	Title        string             `bson:"title" json:"title"`
	Slug         string             `bson:"slug" json:"slug"`
	Path         string             `bson:"path" json:"path"`
	PublishedAt  time.Time          `bson:"publishedAt" json:"publishedAt"`
	LastModified time.Time          `bson:"lastModified" json:"lastModified"`
	SectionID    int64              `bson:"sectionId,omitempty" json:"sectionId,omitempty"`
	IssueID      int64              `bson:"issueId,omitempty" json:"issueId,omitempty"`
	SeriesIDs    []int64            `bson:"seriesIds,omitempty" json:"seriesIds,omitempty"`
	AuthorIDs    []int64            `bson:"authorIds,omitempty" json:"authorIds,omitempty"`
	Views        int64              `bson:"views" json:"views"`
	Social       *Metric            `bson:"social,omitempty" json:"social,omitempty"`
	Pageviews    *Metric            `bson:"pageviews,omitempty" json:"pageviews,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt" json:"-"`
	ModifiedAt   time.Time          `bson:"modifiedAt" json:"-"`
}

// Metric is an externally sourced count together with the time it was fetched.
// A nil *Metric means no data has been fetched yet, which is not the same as a
// fetched zero.
type Metric struct {
	Count     int64            `bson:"count" json:"count"`
	FetchedAt time.Time        `bson:"fetchedAt" json:"fetchedAt"`
	Breakdown map[string]int64 `bson:"breakdown,omitempty" json:"breakdown,omitempty"`
}

// Fresh reports whether m holds a value fetched less than ttl before now.
func (m *Metric) Fresh(now time.Time, ttl time.Duration) bool {
	if m == nil || m.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(m.FetchedAt) < ttl
}

// URL joins the site base URL with the item's canonical path.
func (i Item) URL(siteURL string) string {
	return strings.TrimRight(siteURL, "/") + i.Path
}
