// Package reconcile refreshes the social engagement and analytics pageview
// metrics cached on each item.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"magstats/internal/analytics"
	"magstats/internal/article"
	"magstats/internal/lock"
	"magstats/internal/metrics"
	"magstats/internal/provider"
	"magstats/internal/social"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultSocialTTL    = 12 * time.Hour
	DefaultAnalyticsTTL = 12 * time.Hour

	TriggerRequest     = "request"
	TriggerRecalculate = "recalculate"
	TriggerAll         = "all"
)

// Store is the item persistence the reconciler needs.
type Store interface {
	FindByExternalIDs(ctx context.Context, ids []int64) ([]article.Item, error)
	PublishedIDs(ctx context.Context) ([]int64, error)
	ApplySocial(ctx context.Context, updates map[int64]article.Metric) error
	ApplyPageviews(ctx context.Context, updates map[int64]article.Metric) error
	ClearStats(ctx context.Context, id int64) error
}

type SocialClient interface {
	FetchEngagement(ctx context.Context, urls []string) (map[string]social.Engagement, error)
}

type AnalyticsClient interface {
	FetchPageviews(ctx context.Context, paths []string) (map[string]int64, error)
}

type Config struct {
	SiteURL      string
	SocialTTL    time.Duration
	AnalyticsTTL time.Duration
}

// ProviderReport summarises one provider's part of a pass.
type ProviderReport struct {
	Fresh         int   `json:"fresh"`
	Batches       int   `json:"batches"`
	FailedBatches int   `json:"failedBatches"`
	Updated       int   `json:"updated"`
	Unresolved    int   `json:"unresolved"`
	Err           error `json:"-"`
}

type Report struct {
	RunID     string         `json:"runId"`
	Requested int            `json:"requested"`
	Found     int            `json:"found"`
	Social    ProviderReport `json:"social"`
	Analytics ProviderReport `json:"analytics"`
}

type Reconciler struct {
	store     Store
	social    SocialClient
	analytics AnalyticsClient
	locker    lock.Locker
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger
}

// New wires a reconciler. A nil provider client disables that provider; each
// pass then reports a config error for it and carries on with the other.
func New(store Store, socialClient SocialClient, analyticsClient AnalyticsClient, locker lock.Locker, cfg Config, logger zerolog.Logger) *Reconciler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if cfg.SocialTTL <= 0 {
		cfg.SocialTTL = DefaultSocialTTL
	}
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = DefaultAnalyticsTTL
	}
	return &Reconciler{
		store:     store,
		social:    socialClient,
		analytics: analyticsClient,
		locker:    locker,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile refreshes stale metrics for ids. Transient provider failures only
// skip the affected batch; the returned error carries config errors and
// context cancellation.
func (r *Reconciler) Reconcile(ctx context.Context, ids []int64) (Report, error) {
	return r.run(ctx, TriggerRequest, ids)
}

// Recalculate drops both cached metrics of one item and fetches them again.
func (r *Reconciler) Recalculate(ctx context.Context, id int64) (Report, error) {
	if err := r.store.ClearStats(ctx, id); err != nil {
		return Report{}, fmt.Errorf("clear stats: %w", err)
	}
	return r.run(ctx, TriggerRecalculate, []int64{id})
}

// ReconcileAll runs a pass over every published item.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Report, error) {
	ids, err := r.store.PublishedIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list published items: %w", err)
	}
	return r.run(ctx, TriggerAll, ids)
}

func (r *Reconciler) run(ctx context.Context, trigger string, ids []int64) (Report, error) {
	start := r.now()
	rep := Report{RunID: uuid.NewString()}
	logger := r.logger.With().Str("run_id", rep.RunID).Str("trigger", trigger).Logger()
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	}()

	ids = dedupe(ids)
	rep.Requested = len(ids)
	if len(ids) == 0 {
		return rep, nil
	}

	items, err := r.store.FindByExternalIDs(ctx, ids)
	if err != nil {
		return rep, fmt.Errorf("load items: %w", err)
	}
	rep.Found = len(items)
	orderByIDs(items, ids)

	logger.Info().Int("requested", rep.Requested).Int("found", rep.Found).Msg("reconciliation started")

	var errs []error
	for _, p := range []struct {
		proto subProtocol
		out   *ProviderReport
	}{
		{r.socialProtocol(), &rep.Social},
		{r.analyticsProtocol(), &rep.Analytics},
	} {
		*p.out = r.runProtocol(ctx, p.proto, items, logger)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if p.out.Err != nil {
			errs = append(errs, p.out.Err)
		}
	}

	logger.Info().
		Int("social_updated", rep.Social.Updated).
		Int("social_failed_batches", rep.Social.FailedBatches).
		Int("analytics_updated", rep.Analytics.Updated).
		Int("analytics_failed_batches", rep.Analytics.FailedBatches).
		Dur("took", time.Since(start)).
		Msg("reconciliation finished")

	return rep, errors.Join(errs...)
}

// subProtocol is one provider's way of refreshing a metric.
type subProtocol struct {
	name      string
	batchSize int
	ttl       time.Duration
	disabled  error
	metric    func(article.Item) *article.Metric
	// fetch returns the new metrics for the batch and how many items got no value.
	fetch func(ctx context.Context, batch []article.Item, now time.Time) (map[int64]article.Metric, int, error)
	apply func(ctx context.Context, updates map[int64]article.Metric) error
}

func (r *Reconciler) runProtocol(ctx context.Context, p subProtocol, items []article.Item, logger zerolog.Logger) ProviderReport {
	var rep ProviderReport
	logger = logger.With().Str("provider", p.name).Logger()

	if p.disabled != nil {
		rep.Err = p.disabled
		metrics.ReconcileBatches.WithLabelValues(p.name, metrics.ResultConfig).Inc()
		logger.Error().Err(p.disabled).Msg("provider disabled")
		return rep
	}

	now := r.now()
	stale := make([]int64, 0, len(items))
	for _, it := range items {
		if p.metric(it).Fresh(now, p.ttl) {
			rep.Fresh++
			continue
		}
		stale = append(stale, it.ExternalID)
	}

	batches := provider.Partition(stale, p.batchSize)
	for i, batch := range batches {
		if ctx.Err() != nil {
			return rep
		}

		res, err := r.runBatch(ctx, p, batch)
		rep.Fresh += res.fresh
		switch {
		case err == nil:
			rep.Batches++
			rep.Updated += res.updated
			rep.Unresolved += res.unresolved
			metrics.ReconcileBatches.WithLabelValues(p.name, metrics.ResultSuccess).Inc()
			metrics.ReconcileItemsUpdated.WithLabelValues(p.name).Add(float64(res.updated))
		case provider.IsConfig(err):
			rep.Err = err
			metrics.ReconcileBatches.WithLabelValues(p.name, metrics.ResultConfig).Inc()
			logger.Error().Err(err).Int("batch", i+1).Msg("configuration error, provider stopped for this pass")
			return rep
		case ctx.Err() != nil:
			return rep
		default:
			rep.FailedBatches++
			metrics.ReconcileBatches.WithLabelValues(p.name, metrics.ResultFailure).Inc()
			logger.Warn().Err(err).Int("batch", i+1).Int("of", len(batches)).Int("items", len(batch)).Msg("batch skipped")
		}
	}
	return rep
}

type batchResult struct {
	fresh      int
	updated    int
	unresolved int
}

// runBatch holds the provider lock for the whole batch and re-reads the items
// under it, so items another pass refreshed meanwhile are not fetched again.
func (r *Reconciler) runBatch(ctx context.Context, p subProtocol, ids []int64) (batchResult, error) {
	var res batchResult

	unlock, err := r.locker.Lock(ctx, "reconcile:"+p.name)
	if err != nil {
		return res, err
	}
	defer unlock()

	items, err := r.store.FindByExternalIDs(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("reload batch: %w", err)
	}
	orderByIDs(items, ids)

	now := r.now()
	stale := items[:0]
	for _, it := range items {
		if p.metric(it).Fresh(now, p.ttl) {
			res.fresh++
			continue
		}
		stale = append(stale, it)
	}
	if len(stale) == 0 {
		return res, nil
	}

	updates, unresolved, err := p.fetch(ctx, stale, now)
	if err != nil {
		return res, err
	}
	if err := p.apply(ctx, updates); err != nil {
		return res, fmt.Errorf("store %s metrics: %w", p.name, err)
	}

	res.updated = len(updates)
	res.unresolved = unresolved
	return res, nil
}

func (r *Reconciler) socialProtocol() subProtocol {
	p := subProtocol{
		name:      social.ProviderName,
		batchSize: social.MaxBatch,
		ttl:       r.cfg.SocialTTL,
		metric:    func(it article.Item) *article.Metric { return it.Social },
		apply:     r.store.ApplySocial,
	}
	if r.social == nil {
		p.disabled = provider.NewConfigError(social.ProviderName, errors.New("not configured"))
		return p
	}

	p.fetch = func(ctx context.Context, batch []article.Item, now time.Time) (map[int64]article.Metric, int, error) {
		byURL := make(map[string][]int64, len(batch))
		urls := make([]string, 0, len(batch))
		for _, it := range batch {
			u := it.URL(r.cfg.SiteURL)
			if _, ok := byURL[u]; !ok {
				urls = append(urls, u)
			}
			byURL[u] = append(byURL[u], it.ExternalID)
		}

		got, err := r.social.FetchEngagement(ctx, urls)
		if err != nil {
			return nil, 0, err
		}

		updates := make(map[int64]article.Metric, len(batch))
		unresolved := 0
		for _, u := range urls {
			e, ok := got[u]
			if !ok {
				unresolved += len(byURL[u])
				continue
			}
			for _, id := range byURL[u] {
				updates[id] = article.Metric{Count: e.Total(), FetchedAt: now, Breakdown: e.Breakdown()}
			}
		}
		return updates, unresolved, nil
	}
	return p
}

func (r *Reconciler) analyticsProtocol() subProtocol {
	p := subProtocol{
		name:      analytics.ProviderName,
		batchSize: analytics.MaxBatch,
		ttl:       r.cfg.AnalyticsTTL,
		metric:    func(it article.Item) *article.Metric { return it.Pageviews },
		apply:     r.store.ApplyPageviews,
	}
	if r.analytics == nil {
		p.disabled = provider.NewConfigError(analytics.ProviderName, errors.New("not configured"))
		return p
	}

	p.fetch = func(ctx context.Context, batch []article.Item, now time.Time) (map[int64]article.Metric, int, error) {
		byPath := make(map[string][]int64, len(batch))
		paths := make([]string, 0, len(batch))
		for _, it := range batch {
			if _, ok := byPath[it.Path]; !ok {
				paths = append(paths, it.Path)
			}
			byPath[it.Path] = append(byPath[it.Path], it.ExternalID)
		}

		rows, err := r.analytics.FetchPageviews(ctx, paths)
		if err != nil {
			return nil, 0, err
		}

		// no row means no data for this pass, not zero views
		updates := make(map[int64]article.Metric, len(rows))
		unresolved := 0
		for _, path := range paths {
			n, ok := rows[path]
			if !ok {
				unresolved += len(byPath[path])
				continue
			}
			for _, id := range byPath[path] {
				updates[id] = article.Metric{Count: n, FetchedAt: now}
			}
		}
		return updates, unresolved, nil
	}
	return p
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// orderByIDs sorts items into the order their ids were requested in.
func orderByIDs(items []article.Item, ids []int64) {
	pos := make(map[int64]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	sort.SliceStable(items, func(i, j int) bool {
		return pos[items[i].ExternalID] < pos[items[j].ExternalID]
	})
}
