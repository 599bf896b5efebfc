package event

import (
	"context"
	"sort"
	"time"

	"magstats/internal/article"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// statsFields are the item fields whose change is announced.
var statsFields = []string{"social", "pageviews"}

const reopenDelay = 5 * time.Second

type Publisher interface {
	PublishStatsUpdated(ctx context.Context, it *article.Item, changed []string) error
}

type changeEvent struct {
	OperationType     string        `bson:"operationType"`
	FullDocument      *article.Item `bson:"fullDocument"`
	UpdateDescription struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

// Service turns metric updates on the items collection into stats.updated
// messages.
type Service struct {
	col       *mongo.Collection
	publisher Publisher
	logger    zerolog.Logger
}

func NewService(col *mongo.Collection, publisher Publisher, logger zerolog.Logger) *Service {
	return &Service{
		col:       col,
		publisher: publisher,
		logger:    logger.With().Str("component", "stats-events").Logger(),
	}
}

// Run watches until ctx is done, reopening the stream after failures from
// the last seen resume token.
func (s *Service) Run(ctx context.Context) {
	var resumeToken bson.Raw

	for {
		resumeToken = s.watch(ctx, resumeToken)
		if ctx.Err() != nil {
			s.logger.Info().Msg("change stream stopped")
			return
		}

		t := time.NewTimer(reopenDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info().Msg("change stream stopped")
			return
		case <-t.C:
		}
	}
}

func (s *Service) watch(ctx context.Context, resumeToken bson.Raw) bson.Raw {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	}

	stream, err := s.col.Watch(ctx, pipeline(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open change stream")
		return resumeToken
	}
	defer stream.Close(context.Background())

	s.logger.Info().Msg("watching item metric changes")

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			s.logger.Warn().Err(err).Msg("failed decoding change event")
			continue
		}
		s.handle(ctx, ev)
		resumeToken = stream.ResumeToken()
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("change stream closed with error")
	}
	return resumeToken
}

func (s *Service) handle(ctx context.Context, ev changeEvent) {
	if ev.FullDocument == nil {
		s.logger.Debug().Str("op", ev.OperationType).Msg("skip event without document")
		return
	}
	changed := changedStats(ev.UpdateDescription.UpdatedFields)
	if len(changed) == 0 {
		return
	}

	id := ev.FullDocument.ExternalID
	if err := s.publisher.PublishStatsUpdated(ctx, ev.FullDocument, changed); err != nil {
		s.logger.Warn().Err(err).Int64("item_id", id).Msg("failed publishing stats update")
		return
	}
	s.logger.Debug().Int64("item_id", id).Strs("changed", changed).Msg("stats update published")
}

// pipeline keeps updates that set a metric field.
func pipeline() mongo.Pipeline {
	or := make(bson.A, 0, len(statsFields))
	for _, f := range statsFields {
		or = append(or, bson.M{"updateDescription.updatedFields." + f: bson.M{"$exists": true}})
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": "update",
			"$or":           or,
		}}},
	}
}

func changedStats(updated bson.M) []string {
	var out []string
	for _, f := range statsFields {
		if _, ok := updated[f]; ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
