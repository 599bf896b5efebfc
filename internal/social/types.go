package social

// batchRequest is one sub-request of a Graph API batch call.
type batchRequest struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
}

// batchResponse is one element of the batch reply. The Graph API sends null
// for sub-requests it did not complete.
type batchResponse struct {
	Code int    `json:"code"`
	Body string `json:"body"`
}

type urlNode struct {
	ID         string          `json:"id"`
	Engagement *engagementNode `json:"engagement"`
}

type engagementNode struct {
	ReactionCount      int64 `json:"reaction_count"`
	CommentCount       int64 `json:"comment_count"`
	ShareCount         int64 `json:"share_count"`
	CommentPluginCount int64 `json:"comment_plugin_count"`
}

type graphErrorEnvelope struct {
	Error *graphError `json:"error"`
}

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// Engagement is the aggregate social interaction count for one URL.
type Engagement struct {
	Reactions     int64
	Comments      int64
	Shares        int64
	CommentPlugin int64
}

func (e Engagement) Total() int64 {
	return e.Reactions + e.Comments + e.Shares + e.CommentPlugin
}

func (e Engagement) Breakdown() map[string]int64 {
	return map[string]int64{
		"reactions":      e.Reactions,
		"comments":       e.Comments,
		"shares":         e.Shares,
		"comment_plugin": e.CommentPlugin,
	}
}
