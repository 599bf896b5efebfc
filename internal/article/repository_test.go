package article_test

import (
	"context"
	"os"
	"testing"
	"time"

	"magstats/internal/article"
	"magstats/internal/db"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ItemRepositorySuite needs a replica set (ApplySocial runs in a transaction),
// e.g. MONGO_TEST_URI=mongodb://localhost:27017/?replicaSet=rs0
type ItemRepositorySuite struct {
	suite.Suite

	ctx    context.Context
	client *mongo.Client
	db     *mongo.Database
	col    *mongo.Collection

	repo article.Repository
}

func TestItemRepositorySuite(t *testing.T) {
	if os.Getenv("MONGO_TEST_URI") == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	suite.Run(t, new(ItemRepositorySuite))
}

func (s *ItemRepositorySuite) SetupSuite() {
	s.ctx = context.Background()

	client, err := db.ConnectMongo(s.ctx, os.Getenv("MONGO_TEST_URI"))
	s.Require().NoError(err, "failed to connect to mongo")
	s.client = client
	s.db = client.Database("test_magstats")
	s.col = s.db.Collection(article.CollectionName)
}

func (s *ItemRepositorySuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Disconnect(s.ctx)
	}
}

func (s *ItemRepositorySuite) SetupTest() {
	// fresh DB before each test
	_ = s.db.Drop(s.ctx)

	repo, err := article.NewMongoItemRepository(s.db, nil, zerolog.Nop())
	s.Require().NoError(err, "failed to create item repository")
	s.repo = repo
}

func (s *ItemRepositorySuite) TestUpsertOnlyAppliesNewerRevisions() {
	a1 := article.Item{
		ExternalID:   1001,
		Kind:         article.KindArticle,
		Title:        "First Title",
		Slug:         "first-title",
		PublishedAt:  time.Unix(1700000000, 0).UTC(),
		LastModified: time.Unix(1700000000, 0).UTC(),
		SectionID:    7,
	}

	changed, err := s.repo.UpsertByExternalID(s.ctx, &a1)
	s.Require().NoError(err)
	s.True(changed, "first insert")

	got, err := s.repo.FindByExternalID(s.ctx, 1001)
	s.Require().NoError(err)
	s.Equal("First Title", got.Title)
	s.Equal("/articles/first-title/", got.Path)

	// same lastModified is ignored
	stale := a1
	stale.Title = "Ignored"
	changed, err = s.repo.UpsertByExternalID(s.ctx, &stale)
	s.Require().NoError(err)
	s.False(changed)

	newer := a1
	newer.Title = "Updated Title"
	newer.LastModified = time.Unix(1700000500, 0).UTC()
	changed, err = s.repo.UpsertByExternalID(s.ctx, &newer)
	s.Require().NoError(err)
	s.True(changed)

	got, err = s.repo.FindByExternalID(s.ctx, 1001)
	s.Require().NoError(err)
	s.Equal("Updated Title", got.Title)
	s.Equal(time.Unix(1700000500, 0).UTC(), got.LastModified.UTC())
}

func (s *ItemRepositorySuite) TestUpsertKeepsViewsAndStats() {
	it := article.Item{ExternalID: 1, Kind: article.KindReview, Slug: "r", PublishedAt: time.Now().Add(-time.Hour), LastModified: time.Unix(1, 0)}
	_, err := s.repo.UpsertByExternalID(s.ctx, &it)
	s.Require().NoError(err)

	views, err := s.repo.IncrementViews(s.ctx, 1)
	s.Require().NoError(err)
	s.EqualValues(1, views)

	fetched := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.repo.ApplySocial(s.ctx, map[int64]article.Metric{1: {Count: 42, FetchedAt: fetched}}))

	update := it
	update.LastModified = time.Unix(2, 0)
	_, err = s.repo.UpsertByExternalID(s.ctx, &update)
	s.Require().NoError(err)

	got, err := s.repo.FindByExternalID(s.ctx, 1)
	s.Require().NoError(err)
	s.EqualValues(1, got.Views)
	s.Require().NotNil(got.Social)
	s.EqualValues(42, got.Social.Count)
	s.Nil(got.Pageviews)
}

func (s *ItemRepositorySuite) TestScopeFiltersAndExcludes() {
	now := time.Now()
	for i, sec := range []int64{1, 1, 2, 1} {
		it := article.Item{
			ExternalID:   int64(i + 1),
			Kind:         article.KindArticle,
			Slug:         "a",
			SectionID:    sec,
			PublishedAt:  now.Add(-time.Duration(i+1) * time.Hour),
			LastModified: now,
		}
		_, err := s.repo.UpsertByExternalID(s.ctx, &it)
		s.Require().NoError(err)
	}
	// scheduled item must not show up
	future := article.Item{ExternalID: 99, Kind: article.KindArticle, Slug: "f", SectionID: 1, PublishedAt: now.Add(time.Hour), LastModified: now}
	_, err := s.repo.UpsertByExternalID(s.ctx, &future)
	s.Require().NoError(err)

	items, err := s.repo.Scope(article.Selector{Kind: article.ScopeSection, ID: 1}).Items(s.ctx, []int64{2})
	s.Require().NoError(err)

	var ids []int64
	for _, it := range items {
		ids = append(ids, it.ExternalID)
	}
	s.Equal([]int64{1, 4}, ids)
}

func (s *ItemRepositorySuite) TestClearStats() {
	it := article.Item{ExternalID: 5, Kind: article.KindArticle, Slug: "x", LastModified: time.Unix(1, 0)}
	_, err := s.repo.UpsertByExternalID(s.ctx, &it)
	s.Require().NoError(err)

	s.Require().NoError(s.repo.ApplyPageviews(s.ctx, map[int64]article.Metric{5: {Count: 3, FetchedAt: time.Now()}}))
	s.Require().NoError(s.repo.ClearStats(s.ctx, 5))

	raw := bson.M{}
	s.Require().NoError(s.col.FindOne(s.ctx, bson.M{"externalId": 5}).Decode(&raw))
	s.NotContains(raw, "pageviews")

	s.ErrorIs(s.repo.ClearStats(s.ctx, 404), article.ErrNotFound)
}
