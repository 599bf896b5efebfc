package ingest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"magstats/internal/article"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockItemRepo struct {
	mock.Mock
}

func (m *mockItemRepo) UpsertByExternalID(ctx context.Context, it *article.Item) (bool, error) {
	args := m.Called(ctx, it)
	return args.Bool(0), args.Error(1)
}

type mockFeedClient struct {
	mock.Mock
}

func (m *mockFeedClient) FetchPage(ctx context.Context, collection string, page, pageSize int) (Page, error) {
	args := m.Called(ctx, collection, page, pageSize)
	return args.Get(0).(Page), args.Error(1)
}

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

var postsOnly = []Source{{Collection: "posts", Kind: article.KindArticle}}

type ServiceSuite struct {
	suite.Suite

	repo   *mockItemRepo
	client *mockFeedClient

	logBuf *bytes.Buffer
	logger zerolog.Logger

	svc *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &mockItemRepo{}
	s.client = &mockFeedClient{}

	s.logBuf = &bytes.Buffer{}
	s.logger = zerolog.New(s.logBuf)

	s.svc = NewService(s.repo, s.client, postsOnly, 10, -1, 0, s.logger)
}

func emptyPage() Page {
	return Page{}
}

func nonEmptyPage(totalPages int) Page {
	return Page{
		Posts: []Post{
			{ID: 123, Status: "publish", Slug: "cover-story", DateGMT: "2025-12-01T09:15:00"},
		},
		TotalPages: totalPages,
	}
}

// TestRunOnce_StopsAfterThreeEmptyPages stop after three consecutive empty pages
func (s *ServiceSuite) TestRunOnce_StopsAfterThreeEmptyPages() {
	for page := 1; page <= 3; page++ {
		s.client.On("FetchPage", mock.Anything, "posts", page, 10).Return(emptyPage(), nil).Once()
	}

	err := s.svc.RunOnce(context.Background())

	s.NoError(err)
	s.client.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())

	s.Contains(s.logBuf.String(), "no content for 3 pages")
}

// TestRunOnce_ContinueOnError ensure polling continues on err
func (s *ServiceSuite) TestRunOnce_ContinueOnError() {
	s.client.
		On("FetchPage", mock.Anything, "posts", 1, 10).
		Return(nonEmptyPage(1), nil).
		Once()

	s.repo.
		On("UpsertByExternalID", mock.Anything, mock.AnythingOfType("*article.Item")).
		Return(false, errors.New("db down")).
		Once()

	err := s.svc.RunOnce(context.Background())

	s.NoError(err)
	s.client.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())

	s.Contains(s.logBuf.String(), "failed to upsert")
}

// TestRunOnce_MaxPages ensure maxPages config behaviour is correct
func (s *ServiceSuite) TestRunOnce_MaxPages() {
	s.svc = NewService(s.repo, s.client, postsOnly, 10, 2, 0, s.logger)

	resp := nonEmptyPage(100) // lots of pages so only maxPages can stop it

	s.client.On("FetchPage", mock.Anything, "posts", 1, 10).Return(resp, nil).Once()
	s.client.On("FetchPage", mock.Anything, "posts", 2, 10).Return(resp, nil).Once()

	// both pages carry post 123, the second copy is skipped
	s.repo.
		On("UpsertByExternalID", mock.Anything, mock.AnythingOfType("*article.Item")).
		Return(true, nil).
		Once()

	err := s.svc.RunOnce(context.Background())

	s.NoError(err)
	s.client.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())

	s.Contains(s.logBuf.String(), "reached configured page limit")
}

// TestRunOnce_TotalPages if there's fewer pages than maxPages, stop
func (s *ServiceSuite) TestRunOnce_TotalPages() {
	s.client.
		On("FetchPage", mock.Anything, "posts", 1, 10).
		Return(nonEmptyPage(1), nil).
		Once()

	s.repo.
		On("UpsertByExternalID", mock.Anything, mock.MatchedBy(func(it *article.Item) bool {
			return it.ExternalID == 123 && it.Kind == article.KindArticle
		})).
		Return(true, nil)

	err := s.svc.RunOnce(context.Background())

	s.NoError(err)
	s.client.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())

	s.Contains(s.logBuf.String(), "reached reported last page")
}

func (s *ServiceSuite) TestRunOnce_SkipsUnpublishedAndUnmappable() {
	resp := Page{
		Posts: []Post{
			{ID: 1, Status: "draft", DateGMT: "2025-12-01T09:15:00"},
			{ID: 2, Status: "publish"},
		},
		TotalPages: 1,
	}
	s.client.On("FetchPage", mock.Anything, "posts", 1, 10).Return(resp, nil).Once()

	err := s.svc.RunOnce(context.Background())

	s.NoError(err)
	s.repo.AssertNotCalled(s.T(), "UpsertByExternalID", mock.Anything, mock.Anything)
	s.Contains(s.logBuf.String(), "mapping failed")
	s.NotContains(s.logBuf.String(), `"post":1`)
}

func (s *ServiceSuite) TestRunOnce_SourceErrorDoesNotStopOthers() {
	s.svc = NewService(s.repo, s.client, nil, 10, -1, 0, s.logger)

	s.client.On("FetchPage", mock.Anything, "posts", 1, 10).Return(Page{}, errors.New("cms down")).Once()
	reviews := nonEmptyPage(1)
	reviews.Posts[0].ID = 9
	s.client.On("FetchPage", mock.Anything, "reviews", 1, 10).Return(reviews, nil).Once()

	s.repo.
		On("UpsertByExternalID", mock.Anything, mock.MatchedBy(func(it *article.Item) bool {
			return it.ExternalID == 9 && it.Kind == article.KindReview
		})).
		Return(true, nil).
		Once()

	err := s.svc.RunOnce(context.Background())

	s.EqualError(err, "cms down")
	s.client.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())
	s.Contains(s.logBuf.String(), "sync failed")
}

// TestStartPolling_StopsAfterMaxPolls stop after maxPolls and call RunOnce that many times.
func (s *ServiceSuite) TestStartPolling_StopsAfterMaxPolls() {
	maxPolls := 2

	s.svc = NewService(s.repo, s.client, postsOnly, 10, 1, maxPolls, s.logger)

	// inject fake ticker
	tickCh := make(chan time.Time)
	ft := &fakeTicker{ch: tickCh}

	s.svc.newTicker = func(d time.Duration) ticker {
		return ft
	}

	var wg sync.WaitGroup
	wg.Add(maxPolls)

	s.client.
		On("FetchPage", mock.Anything, "posts", 1, 10).
		Return(nonEmptyPage(1), nil).
		Run(func(args mock.Arguments) {
			wg.Done()
		}).
		Times(maxPolls)

	s.repo.
		On("UpsertByExternalID", mock.Anything, mock.AnythingOfType("*article.Item")).
		Return(true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.svc.StartPolling(ctx, time.Second)
		close(done)
	}()

	// Manually trigger exactly maxPolls ticks
	tickCh <- time.Now()
	tickCh <- time.Now()

	// Wait until both polls have happened
	wg.Wait()

	// one more tick lets the poller notice the limit
	tickCh <- time.Now()
	<-done

	s.client.AssertExpectations(s.T())
	s.repo.AssertExpectations(s.T())
	s.Contains(s.logBuf.String(), "max polls reached")
}

func (s *ServiceSuite) TestStartPolling_StopsOnCancel() {
	tickCh := make(chan time.Time)
	s.svc.newTicker = func(d time.Duration) ticker {
		return &fakeTicker{ch: tickCh}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.svc.StartPolling(ctx, time.Second)
		close(done)
	}()

	cancel()
	<-done

	s.client.AssertNotCalled(s.T(), "FetchPage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.Contains(s.logBuf.String(), "context cancelled")
}
