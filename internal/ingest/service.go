// Package ingest pulls published posts from the CMS into the item store.
package ingest

import (
	"context"
	"errors"
	"time"

	"magstats/internal/article"

	"github.com/rs/zerolog"
)

const AbsoluteMaxPages = 5000 // absolute max amount of pages we can ingest per collection

type FeedClient interface {
	FetchPage(ctx context.Context, collection string, page, pageSize int) (Page, error)
}

type ItemUpserter interface {
	UpsertByExternalID(ctx context.Context, it *article.Item) (bool, error)
}

// Source is a CMS collection and the item kind its posts become.
type Source struct {
	Collection string
	Kind       article.Kind
}

// DefaultSources maps the CMS post types onto item kinds.
var DefaultSources = []Source{
	{Collection: "posts", Kind: article.KindArticle},
	{Collection: "reviews", Kind: article.KindReview},
}

// ticker is an interface so we can swap out time.Ticker in tests.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type tickerFactory func(d time.Duration) ticker

// timeTicker is the real implementation backed by time.Ticker.
type timeTicker struct {
	*time.Ticker
}

func (t *timeTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func (t *timeTicker) Stop() {
	t.Ticker.Stop()
}

type Service struct {
	repo        ItemUpserter
	client      FeedClient
	sources     []Source
	pageSize    int
	maxPages    int
	maxPolls    int
	pollTimeout time.Duration
	logger      zerolog.Logger
	newTicker   tickerFactory
}

func NewService(repo ItemUpserter, client FeedClient, sources []Source, pageSize, maxPages, maxPolls int, logger zerolog.Logger) *Service {
	if len(sources) == 0 {
		sources = DefaultSources
	}

	return &Service{
		repo:        repo,
		client:      client,
		sources:     sources,
		pageSize:    pageSize,
		maxPages:    maxPages,
		maxPolls:    maxPolls,
		pollTimeout: 25 * time.Minute,
		logger:      logger.With().Str("component", "cms-sync").Logger(),
		newTicker: func(d time.Duration) ticker {
			return &timeTicker{time.NewTicker(d)}
		},
	}
}

// RunOnce syncs every source. A failing source is logged and the next one
// still runs; the first error is returned.
func (s *Service) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, src := range s.sources {
		if err := s.syncSource(ctx, src); err != nil {
			s.logger.Error().Err(err).Str("collection", src.Collection).Msg("sync failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (s *Service) syncSource(ctx context.Context, src Source) error {
	logger := s.logger.With().Str("collection", src.Collection).Logger()

	page := 1                        // current page, the CMS counts from 1
	emptyCount := 0                  // how many times we've seen an empty page (in a row)
	seen := make(map[int64]struct{}) // prevent writing items twice in event of data overlap

	for {
		resp, err := s.client.FetchPage(ctx, src.Collection, page, s.pageSize)
		if err != nil {
			return err
		}

		// Found an empty page, increment `emptyCount`
		if len(resp.Posts) == 0 {
			emptyCount++
			if emptyCount >= 3 {
				logger.Info().Msg("no content for 3 pages, stopping")
				return nil
			}
		} else {
			// We found a page with data so reset
			emptyCount = 0
		}

		changed := 0
		for _, post := range resp.Posts {
			if _, ok := seen[post.ID]; ok {
				continue
			}
			seen[post.ID] = struct{}{}

			it, err := MapPostToItem(post, src.Kind)
			if errors.Is(err, errNotPublished) {
				continue
			}
			if err != nil {
				logger.Warn().Err(err).Int64("post", post.ID).Msg("mapping failed")
				continue
			}

			ok, err := s.repo.UpsertByExternalID(ctx, &it)
			if err != nil {
				logger.Warn().Err(err).Int64("post", post.ID).Msg("failed to upsert")
				continue
			}
			if ok {
				changed++
			}
		}
		if changed > 0 {
			logger.Info().Int("changed", changed).Int("page", page).Msg("items upserted")
		}

		if page >= AbsoluteMaxPages {
			logger.Warn().Int("pages", AbsoluteMaxPages).Msg("safety stop")
			return nil
		}

		if s.maxPages >= 0 && page >= s.maxPages {
			logger.Info().Int("limit", s.maxPages).Msg("reached configured page limit")
			return nil
		}

		if resp.TotalPages > 0 && page >= resp.TotalPages {
			logger.Info().Int("total_pages", resp.TotalPages).Msg("reached reported last page")
			return nil
		}

		page++
	}
}

func (s *Service) StartPolling(ctx context.Context, interval time.Duration) {
	t := s.newTicker(interval)
	defer t.Stop()

	pollCount := 0

	s.logger.Info().Dur("interval", interval).Msg("polling")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("poller stopping, context cancelled")
			return

		case <-t.C():
			// stop after maxPolls
			if s.maxPolls > 0 && pollCount >= s.maxPolls {
				s.logger.Info().Int("polls", pollCount).Msg("poller stopping, max polls reached")
				return
			}

			pollCount++
			s.logger.Debug().Int("poll", pollCount).Msg("starting sync")

			// hard limit
			pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)

			if err := s.RunOnce(pollCtx); err != nil {
				s.logger.Error().Err(err).Int("poll", pollCount).Msg("poll error")
			}

			cancel()
		}
	}
}
