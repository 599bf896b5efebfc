package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"magstats/internal/article"
	"magstats/internal/provider"
	"magstats/internal/ranking"
	"magstats/internal/reconcile"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockItemStore struct {
	mock.Mock
}

func (m *mockItemStore) UpsertByExternalID(ctx context.Context, it *article.Item) (bool, error) {
	args := m.Called(ctx, it)
	return args.Bool(0), args.Error(1)
}

func (m *mockItemStore) FindByExternalID(ctx context.Context, id int64) (article.Item, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(article.Item), args.Error(1)
}

func (m *mockItemStore) IncrementViews(ctx context.Context, id int64) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockItemStore) Scope(sel article.Selector) article.Scope {
	args := m.Called(sel)
	return args.Get(0).(article.Scope)
}

type mockRecalculator struct {
	mock.Mock
}

func (m *mockRecalculator) Recalculate(ctx context.Context, id int64) (reconcile.Report, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(reconcile.Report), args.Error(1)
}

type failingScope struct{}

func (failingScope) Items(context.Context, []int64) ([]article.Item, error) {
	return nil, errors.New("mongo down")
}

type HandlerSuite struct {
	suite.Suite

	items  *mockItemStore
	recalc *mockRecalculator
	router http.Handler
	now    time.Time
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.items = &mockItemStore{}
	s.recalc = &mockRecalculator{}
	s.now = time.Now()
	s.router = NewHandler(s.items, ranking.New(zerolog.Nop()), s.recalc, zerolog.Nop()).Router()
}

func (s *HandlerSuite) TearDownTest() {
	s.items.AssertExpectations(s.T())
	s.recalc.AssertExpectations(s.T())
}

func (s *HandlerSuite) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestHealthz() {
	rec := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("ok", rec.Body.String())
	s.NotEmpty(rec.Header().Get("X-Request-ID"))
}

func (s *HandlerSuite) TestMetrics() {
	rec := s.do(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, rec.Code)
}

func (s *HandlerSuite) TestPutItem() {
	s.items.On("UpsertByExternalID", mock.Anything, mock.MatchedBy(func(it *article.Item) bool {
		return it.ExternalID == 12 && it.Title == "Cover story" && it.Kind == article.KindArticle
	})).Return(true, nil).Once()

	rec := s.do(http.MethodPut, "/api/v1/items/12", `{"kind":"article","title":"Cover story","slug":"cover-story","lastModified":"2024-05-01T10:00:00Z"}`)
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"id":12,"changed":true}`, rec.Body.String())
}

func (s *HandlerSuite) TestPutItemRejects() {
	rec := s.do(http.MethodPut, "/api/v1/items/12", `{"id":13}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/api/v1/items/12", `{not json`)
	s.Equal(http.StatusBadRequest, rec.Code)

	s.items.On("UpsertByExternalID", mock.Anything, mock.Anything).
		Return(false, fmt.Errorf("%w: %q", article.ErrUnknownKind, "podcast")).Once()
	rec = s.do(http.MethodPut, "/api/v1/items/12", `{"kind":"podcast"}`)
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
}

func (s *HandlerSuite) TestGetItem() {
	s.items.On("FindByExternalID", mock.Anything, int64(7)).
		Return(article.Item{ExternalID: 7, Title: "Seven", Pageviews: &article.Metric{Count: 3}}, nil).Once()
	s.items.On("FindByExternalID", mock.Anything, int64(8)).
		Return(article.Item{}, fmt.Errorf("%w: 8", article.ErrNotFound)).Once()

	rec := s.do(http.MethodGet, "/api/v1/items/7", "")
	s.Equal(http.StatusOK, rec.Code)

	var got article.Item
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	s.EqualValues(7, got.ExternalID)
	s.Nil(got.Social)
	s.EqualValues(3, got.Pageviews.Count)

	rec = s.do(http.MethodGet, "/api/v1/items/8", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestRecordView() {
	s.items.On("IncrementViews", mock.Anything, int64(5)).Return(int64(42), nil).Once()

	rec := s.do(http.MethodPost, "/api/v1/items/5/views", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"id":5,"views":42}`, rec.Body.String())
}

func (s *HandlerSuite) TestRecalculate() {
	s.recalc.On("Recalculate", mock.Anything, int64(5)).
		Return(reconcile.Report{RunID: "r1", Requested: 1, Found: 1, Social: reconcile.ProviderReport{Updated: 1}}, nil).Once()

	rec := s.do(http.MethodPost, "/api/v1/items/5/recalculate", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"runId":"r1"`)
	s.NotContains(rec.Body.String(), `"errors"`)
}

func (s *HandlerSuite) TestRecalculateErrors() {
	s.recalc.On("Recalculate", mock.Anything, int64(404)).
		Return(reconcile.Report{}, fmt.Errorf("clear stats: %w", article.ErrNotFound)).Once()
	s.recalc.On("Recalculate", mock.Anything, int64(6)).
		Return(reconcile.Report{RunID: "r2"}, provider.NewConfigError("analytics", errors.New("invalid_grant"))).Once()

	rec := s.do(http.MethodPost, "/api/v1/items/404/recalculate", "")
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/items/6/recalculate", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "invalid_grant")
}

func (s *HandlerSuite) TestPopular() {
	day := 24 * time.Hour
	scope := article.StaticScope{
		{ExternalID: 1, Views: 200, PublishedAt: s.now.Add(-10 * day)},
		{ExternalID: 2, Views: 100, PublishedAt: s.now.Add(-1 * day)},
		{ExternalID: 3, Views: 5000, PublishedAt: s.now.Add(-1 * day)},
	}
	s.items.On("Scope", article.Selector{Kind: article.ScopeSection, ID: 4}).Return(scope).Once()

	rec := s.do(http.MethodGet, "/api/v1/popular?scope=section&id=4&limit=2&exclude=3", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var got struct {
		Scope string `json:"scope"`
		Items []struct {
			ID       int64   `json:"id"`
			Velocity float64 `json:"velocity"`
		} `json:"items"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	s.Equal("section", got.Scope)
	s.Require().Len(got.Items, 2)
	s.EqualValues(2, got.Items[0].ID)
	s.EqualValues(1, got.Items[1].ID)
	s.InDelta(20.0, got.Items[1].Velocity, 0.001)
}

func (s *HandlerSuite) TestPopularEmptyScope() {
	s.items.On("Scope", article.Selector{Kind: article.ScopeAll}).Return(article.StaticScope{}).Once()

	rec := s.do(http.MethodGet, "/api/v1/popular", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"scope":"all","items":[]}`, rec.Body.String())
}

func (s *HandlerSuite) TestPopularBadRequests() {
	for _, target := range []string{
		"/api/v1/popular?scope=section",
		"/api/v1/popular?scope=shelf",
		"/api/v1/popular?scope=list",
		"/api/v1/popular?limit=1000",
		"/api/v1/popular?exclude=a,b",
		"/api/v1/popular?id=x",
	} {
		rec := s.do(http.MethodGet, target, "")
		s.Equal(http.StatusBadRequest, rec.Code, target)
	}
}

func (s *HandlerSuite) TestPopularScopeUnavailable() {
	s.items.On("Scope", mock.Anything).Return(failingScope{}).Once()

	rec := s.do(http.MethodGet, "/api/v1/popular?scope=list&ids=1,2", "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
}
