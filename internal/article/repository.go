package article

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionName = "items"

var ErrNotFound = errors.New("item not found")

type Repository interface {
	UpsertByExternalID(ctx context.Context, it *Item) (bool, error)
	FindByExternalID(ctx context.Context, id int64) (Item, error)
	FindByExternalIDs(ctx context.Context, ids []int64) ([]Item, error)
	PublishedIDs(ctx context.Context) ([]int64, error)
	IncrementViews(ctx context.Context, id int64) (int64, error)
	Scope(sel Selector) Scope
	ApplySocial(ctx context.Context, updates map[int64]Metric) error
	ApplyPageviews(ctx context.Context, updates map[int64]Metric) error
	ClearStats(ctx context.Context, id int64) error
}

type mongoRepository struct {
	col      *mongo.Collection
	registry *Registry
	logger   zerolog.Logger
	now      func() time.Time
}

func NewMongoItemRepository(db *mongo.Database, registry *Registry, logger zerolog.Logger) (Repository, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}

	repo := &mongoRepository{
		col:      db.Collection(CollectionName),
		registry: registry,
		logger:   logger.With().Str("component", "item-repository").Logger(),
		now:      time.Now,
	}
	if err := repo.ensureIndexes(context.Background()); err != nil {
		return nil, err
	}
	return repo, nil
}

// ensureIndexes keeps externalId unique and indexes every field a scope or the
// analytics path lookup filters on.
func (r *mongoRepository) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "externalId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "sectionId", Value: 1}, {Key: "publishedAt", Value: -1}}},
		{Keys: bson.D{{Key: "issueId", Value: 1}, {Key: "publishedAt", Value: -1}}},
		{Keys: bson.D{{Key: "seriesIds", Value: 1}, {Key: "publishedAt", Value: -1}}},
		{Keys: bson.D{{Key: "authorIds", Value: 1}, {Key: "publishedAt", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "publishedAt", Value: -1}}},
		{Keys: bson.D{{Key: "path", Value: 1}}},
	}
	_, err := r.col.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to create indexes")
	}
	return err
}

// UpsertByExternalID stores an item pushed by the CMS. An existing item is only
// rewritten when the CMS lastModified is newer. View counts and external stats
// are never touched here.
func (r *mongoRepository) UpsertByExternalID(ctx context.Context, it *Item) (bool, error) {
	if err := r.registry.Normalize(it); err != nil {
		return false, err
	}
	now := r.now()

	res := r.col.FindOne(ctx, bson.M{"externalId": it.ExternalID})
	if errors.Is(res.Err(), mongo.ErrNoDocuments) {
		r.logger.Debug().Int64("item", it.ExternalID).Msg("inserting new item")

		it.Views = 0
		it.Social = nil
		it.Pageviews = nil
		it.CreatedAt = now
		it.ModifiedAt = now

		if _, err := r.col.InsertOne(ctx, it); err != nil {
			return false, err
		}
		return true, nil
	}
	if res.Err() != nil {
		return false, res.Err()
	}

	existing := Item{}
	if err := res.Decode(&existing); err != nil {
		return false, err
	}

	if it.LastModified.IsZero() || !it.LastModified.After(existing.LastModified) {
		return false, nil
	}

	r.logger.Debug().Int64("item", it.ExternalID).Msg("updating item with newer lastModified")

	set := bson.M{
		"kind":         it.Kind,
		"title":        it.Title,
		"slug":         it.Slug,
		"path":         it.Path,
		"publishedAt":  it.PublishedAt,
		"lastModified": it.LastModified,
		"sectionId":    it.SectionID,
		"issueId":      it.IssueID,
		"seriesIds":    it.SeriesIDs,
		"authorIds":    it.AuthorIDs,
		"modifiedAt":   now,
	}

	_, err := r.col.UpdateOne(ctx, bson.M{"externalId": it.ExternalID}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *mongoRepository) FindByExternalID(ctx context.Context, id int64) (Item, error) {
	var it Item
	err := r.col.FindOne(ctx, bson.M{"externalId": id}).Decode(&it)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Item{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return it, err
}

// FindByExternalIDs returns the items that exist; unknown ids are dropped.
func (r *mongoRepository) FindByExternalIDs(ctx context.Context, ids []int64) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cur, err := r.col.Find(ctx, bson.M{"externalId": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := cur.All(ctx, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *mongoRepository) PublishedIDs(ctx context.Context) ([]int64, error) {
	opts := options.Find().
		SetProjection(bson.M{"externalId": 1}).
		SetSort(bson.D{{Key: "publishedAt", Value: -1}})

	cur, err := r.col.Find(ctx, bson.M{"publishedAt": bson.M{"$lte": r.now()}}, opts)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ExternalID int64 `bson:"externalId"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ExternalID)
	}
	return ids, nil
}

func (r *mongoRepository) IncrementViews(ctx context.Context, id int64) (int64, error) {
	var it Item
	err := r.col.FindOneAndUpdate(
		ctx,
		bson.M{"externalId": id},
		bson.M{"$inc": bson.M{"views": 1}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"views": 1}),
	).Decode(&it)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return it.Views, nil
}

func (r *mongoRepository) Scope(sel Selector) Scope {
	return &mongoScope{repo: r, sel: sel}
}

func (r *mongoRepository) ApplySocial(ctx context.Context, updates map[int64]Metric) error {
	return r.applyMetric(ctx, "social", updates)
}

func (r *mongoRepository) ApplyPageviews(ctx context.Context, updates map[int64]Metric) error {
	return r.applyMetric(ctx, "pageviews", updates)
}

// applyMetric writes one batch of metrics inside a transaction so the batch
// lands completely or not at all.
func (r *mongoRepository) applyMetric(ctx context.Context, field string, updates map[int64]Metric) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	models := make([]mongo.WriteModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"externalId": id}).
			SetUpdate(bson.M{"$set": bson.M{field: updates[id]}}))
	}

	sess, err := r.col.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return r.col.BulkWrite(sc, models, options.BulkWrite().SetOrdered(true))
	})
	if err != nil {
		return fmt.Errorf("apply %s batch: %w", field, err)
	}

	r.logger.Debug().Str("field", field).Int("items", len(ids)).Msg("metrics batch applied")
	return nil
}

func (r *mongoRepository) ClearStats(ctx context.Context, id int64) error {
	res, err := r.col.UpdateOne(
		ctx,
		bson.M{"externalId": id},
		bson.M{"$unset": bson.M{"social": "", "pageviews": ""}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

type mongoScope struct {
	repo *mongoRepository
	sel  Selector
}

// Items returns published items in the scope, newest first.
func (s *mongoScope) Items(ctx context.Context, exclude []int64) ([]Item, error) {
	f, err := s.sel.filter(exclude)
	if err != nil {
		return nil, err
	}
	f["publishedAt"] = bson.M{"$lte": s.repo.now()}

	opts := options.Find().SetSort(bson.D{
		{Key: "publishedAt", Value: -1},
		{Key: "externalId", Value: -1},
	})

	cur, err := s.repo.col.Find(ctx, f, opts)
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := cur.All(ctx, &items); err != nil {
		return nil, err
	}
	return items, nil
}
