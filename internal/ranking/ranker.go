package ranking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"magstats/internal/article"

	"github.com/rs/zerolog"
)

const secondsPerDay = 86400

// Unlimited disables truncation in Top.
const Unlimited = -1

var ErrScopeUnavailable = errors.New("scope unavailable")

// Ranked is an item together with its views-per-day velocity.
type Ranked struct {
	article.Item
	Velocity float64 `json:"velocity"`
}

// Ranker orders items by view velocity. It only reads and is safe for
// concurrent use.
type Ranker struct {
	now    func() time.Time
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Ranker {
	return &Ranker{
		now:    time.Now,
		logger: logger.With().Str("component", "ranker").Logger(),
	}
}

// Top fetches the scope once, scores each item and returns at most limit items,
// most popular first. A negative limit returns every item.
func (r *Ranker) Top(ctx context.Context, scope article.Scope, limit int, exclude ...int64) ([]Ranked, error) {
	items, err := scope.Items(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScopeUnavailable, err)
	}
	if len(items) == 0 || limit == 0 {
		return nil, nil
	}

	now := r.now()
	ranked := make([]Ranked, len(items))
	for i, it := range items {
		ranked[i] = Ranked{
			Item:     it,
			Velocity: Velocity(it.Views, it.PublishedAt, now),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Velocity > ranked[j].Velocity
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	r.logger.Debug().Int("candidates", len(items)).Int("returned", len(ranked)).Msg("ranked scope")
	return ranked, nil
}

// Velocity is views per day since publication, rounded to 5 decimal places.
// Elapsed time is counted in whole seconds and never drops below one second.
func Velocity(views int64, published, now time.Time) float64 {
	elapsed := now.Unix() - published.Unix()
	if elapsed < 1 {
		elapsed = 1
	}
	v := float64(views) / float64(elapsed) * secondsPerDay
	return math.Round(v*1e5) / 1e5
}
