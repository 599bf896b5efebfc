package ingest

// Page is one page of a CMS collection listing.
type Page struct {
	Posts      []Post
	TotalPages int
}

// Post is the subset of a CMS REST post the service stores.
type Post struct {
	ID          int64    `json:"id"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	Slug        string   `json:"slug"`
	Link        string   `json:"link"`
	DateGMT     string   `json:"date_gmt"`
	ModifiedGMT string   `json:"modified_gmt"`
	Title       Rendered `json:"title"`
	Author      int64    `json:"author"`
	Categories  []int64  `json:"categories"`
	Issue       []int64  `json:"issue"`
	Series      []int64  `json:"series"`
}

type Rendered struct {
	Rendered string `json:"rendered"`
}
