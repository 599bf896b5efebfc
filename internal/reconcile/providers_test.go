package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"magstats/internal/analytics"
	"magstats/internal/cache"
	"magstats/internal/provider"
	"magstats/internal/social"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// staticTokens counts how often the reporting client drops its token.
type staticTokens struct {
	invalidated int32
}

func (t *staticTokens) Token(context.Context) (string, error) { return "tok", nil }

func (t *staticTokens) Invalidate(context.Context) { atomic.AddInt32(&t.invalidated, 1) }

// graphHandler answers every sub-request with one share, except that request
// number stall hangs until the client gives up.
func graphHandler(requests *int32, stall int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(requests, 1) - 1
		if n == stall {
			<-r.Context().Done()
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var subs []struct {
			RelativeURL string `json:"relative_url"`
		}
		_ = json.Unmarshal([]byte(r.PostForm.Get("batch")), &subs)

		parts := make([]map[string]any, len(subs))
		for i := range subs {
			parts[i] = map[string]any{"code": 200, "body": `{"engagement":{"share_count":1}}`}
		}
		_ = json.NewEncoder(w).Encode(parts)
	}
}

func (s *ReconcilerSuite) TestSocialTimeoutSkipsOnlyThatBatch() {
	all, ids := items(120)
	s.store = newFakeStore(all...)

	var requests int32
	srv := httptest.NewServer(graphHandler(&requests, 1))
	defer srv.Close()

	httpClient := srv.Client()
	httpClient.Timeout = 50 * time.Millisecond
	graph, err := social.NewClient(social.Config{AppID: "123", AppSecret: "s3cret", GraphURL: srv.URL + "/"},
		provider.NewLimitedClient(httpClient, 0, 0), zerolog.Nop())
	s.Require().NoError(err)

	r := s.newReconciler(graph, s.analytics, nil)
	rep, err := r.Reconcile(context.Background(), ids)
	s.Require().NoError(err, "a timeout is transient")

	s.EqualValues(3, atomic.LoadInt32(&requests))
	s.Equal(2, rep.Social.Batches)
	s.Equal(1, rep.Social.FailedBatches)
	s.Equal(70, rep.Social.Updated)
	s.NoError(rep.Social.Err)

	s.NotNil(s.store.get(1).Social)
	s.Nil(s.store.get(51).Social, "timed out batch is left untouched")
	s.NotNil(s.store.get(120).Social)
}

func (s *ReconcilerSuite) TestAnalyticsQuotaErrorSkipsOnlyThatBatch() {
	all, ids := items(30)
	s.store = newFakeStore(all...)

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 2 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"errors":[{"domain":"usageLimits","reason":"userRateLimitExceeded","message":"User Rate Limit Exceeded"}],"code":403,"message":"User Rate Limit Exceeded"}}`))
			return
		}
		var rows [][]string
		for _, f := range strings.Split(r.URL.Query().Get("filters"), ",") {
			rows = append(rows, []string{strings.TrimPrefix(f, "ga:pagePath=="), "5"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows})
	}))
	defer srv.Close()

	tokens := &staticTokens{}
	reporting, err := analytics.NewClient(analytics.Config{ProfileID: "42", BaseURL: srv.URL}, tokens, srv.Client(), cache.NewMemory(), zerolog.Nop())
	s.Require().NoError(err)

	r := s.newReconciler(s.social, reporting, nil)
	rep, err := r.Reconcile(context.Background(), ids)
	s.Require().NoError(err, "throttling is not a configuration error")

	s.EqualValues(3, atomic.LoadInt32(&requests), "later batches still run")
	s.Equal(2, rep.Analytics.Batches)
	s.Equal(1, rep.Analytics.FailedBatches)
	s.Equal(20, rep.Analytics.Updated)
	s.NoError(rep.Analytics.Err)
	s.Zero(atomic.LoadInt32(&tokens.invalidated))

	for _, id := range []int64{1, 10, 21, 30} {
		got := s.store.get(id).Pageviews
		s.Require().NotNil(got, fmt.Sprint(id))
		s.EqualValues(5, got.Count)
	}
	s.Nil(s.store.get(15).Pageviews)
}
