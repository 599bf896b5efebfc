// Package app wires the store, providers and services from a Config. Both
// binaries build on it.
package app

import (
	"context"
	"fmt"
	"net/http"

	"magstats/internal/analytics"
	"magstats/internal/article"
	"magstats/internal/cache"
	"magstats/internal/config"
	"magstats/internal/db"
	"magstats/internal/ingest"
	"magstats/internal/lock"
	"magstats/internal/provider"
	"magstats/internal/ranking"
	"magstats/internal/reconcile"
	"magstats/internal/social"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

type App struct {
	Config     config.Config
	Logger     zerolog.Logger
	Mongo      *mongo.Client
	DB         *mongo.Database
	Items      article.Repository
	Ranker     *ranking.Ranker
	Reconciler *reconcile.Reconciler
	// Ingest is nil unless a CMS feed URL is configured.
	Ingest *ingest.Service

	redis *redis.Client
}

// New connects to MongoDB (and Redis when configured) and builds the
// services. A provider with missing or broken credentials is logged and left
// out; the reconciler then reports it as a config error on every pass.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	mongoClient, err := db.ConnectMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	a.Mongo = mongoClient
	a.DB = mongoClient.Database(cfg.Mongo.DBName)

	a.Items, err = article.NewMongoItemRepository(a.DB, article.DefaultRegistry(), logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to init repository: %w", err)
	}
	logger.Info().Str("db", cfg.Mongo.DBName).Msg("item repository initialised")

	var (
		store  cache.Store = cache.NewMemory()
		locker lock.Locker = lock.NewLocal()
	)
	if cfg.Redis.Addr != "" {
		a.redis, err = cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		store = cache.NewRedis(a.redis, cfg.Redis.KeyPrefix+"cache:")
		locker = lock.NewRedis(a.redis, cfg.Redis.KeyPrefix+"lock:", cfg.Redis.LockTTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis for token cache and batch locks")
	}

	httpClient := &http.Client{Timeout: cfg.Reconcile.HTTPTimeout}

	var socialClient reconcile.SocialClient
	if c, err := newSocialClient(cfg, httpClient, logger); err != nil {
		logger.Error().Err(err).Msg("social provider unavailable")
	} else {
		socialClient = c
	}

	var analyticsClient reconcile.AnalyticsClient
	if c, err := newAnalyticsClient(cfg, httpClient, store, logger); err != nil {
		logger.Error().Err(err).Msg("analytics provider unavailable")
	} else {
		analyticsClient = c
	}

	a.Ranker = ranking.New(logger)
	a.Reconciler = reconcile.New(a.Items, socialClient, analyticsClient, locker, reconcile.Config{
		SiteURL:      cfg.Site.URL,
		SocialTTL:    cfg.Social.TTL,
		AnalyticsTTL: cfg.Analytics.TTL,
	}, logger)

	if cfg.CMS.FeedURL != "" {
		a.Ingest = newIngestService(cfg, a.Items, httpClient, logger)
	}

	return a, nil
}

func newIngestService(cfg config.Config, items ingest.ItemUpserter, httpClient *http.Client, logger zerolog.Logger) *ingest.Service {
	client := ingest.NewCMSClient(cfg.CMS.FeedURL, provider.NewLimitedClient(httpClient, 0, 0))
	return ingest.NewService(items, client, ingest.DefaultSources, cfg.CMS.PageSize, cfg.CMS.MaxPages, cfg.CMS.MaxPolls, logger)
}

func newSocialClient(cfg config.Config, httpClient *http.Client, logger zerolog.Logger) (*social.Client, error) {
	return social.NewClient(social.Config{
		AppID:     cfg.Social.AppID,
		AppSecret: cfg.Social.AppSecret,
		GraphURL:  cfg.Social.GraphURL,
	}, provider.NewLimitedClient(httpClient, cfg.Social.RateLimit, cfg.Social.Burst), logger)
}

func newAnalyticsClient(cfg config.Config, httpClient *http.Client, store cache.Store, logger zerolog.Logger) (*analytics.Client, error) {
	limited := provider.NewLimitedClient(httpClient, cfg.Analytics.RateLimit, cfg.Analytics.Burst)

	account, err := analytics.LoadServiceAccount(cfg.Analytics.CredentialsFile)
	if err != nil {
		return nil, err
	}
	tokens, err := analytics.NewTokenSource(account, limited, store)
	if err != nil {
		return nil, err
	}
	return analytics.NewClient(analytics.Config{
		ProfileID: cfg.Analytics.ProfileID,
		StartDate: cfg.Analytics.StartDate,
		BaseURL:   cfg.Analytics.BaseURL,
		SiteURL:   cfg.Site.URL,
	}, tokens, limited, store, logger)
}

// Close releases the connections New opened.
func (a *App) Close(ctx context.Context) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("redis close error")
		}
	}
	if a.Mongo != nil {
		if err := a.Mongo.Disconnect(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("mongo disconnect error")
		}
	}
}
