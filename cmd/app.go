package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/sparqlcache/internal/config"
	"github.com/l0p7/sparqlcache/internal/logging"
	"github.com/l0p7/sparqlcache/internal/metrics"
	"github.com/l0p7/sparqlcache/internal/querycache"
	"github.com/l0p7/sparqlcache/internal/runtime"
	"github.com/l0p7/sparqlcache/internal/store"
	"github.com/l0p7/sparqlcache/internal/templates"
)

type endpointWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchEndpoints(context.Context, config.Config, func(config.EndpointBundle), func(error)) (endpointWatcher, error)
}

type koanfLoader struct {
	*config.Loader
}

func (l koanfLoader) WatchEndpoints(ctx context.Context, cfg config.Config, onChange func(config.EndpointBundle), onError func(error)) (endpointWatcher, error) {
	return l.Loader.WatchEndpoints(ctx, cfg, onChange, onError)
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	var files []string
	if strings.TrimSpace(configFile) != "" {
		files = append(files, configFile)
	}
	return koanfLoader{config.NewLoader(envPrefix, files...)}
}

// app is the wired process: one store, one proxy, one endpoint registry.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	store    store.Store
	service  *runtime.Service
	renderer *templates.Renderer
}

func loadConfig(ctx context.Context, opts *rootOptions) (configLoader, config.Config, *slog.Logger, error) {
	loader := newConfigLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("configure logger: %w", err)
	}
	return loader, cfg, logger, nil
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	backing, err := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Cache)
	if err != nil {
		return nil, err
	}
	codec, err := querycache.CodecByName(cfg.Server.Cache.Codec)
	if err != nil {
		_ = backing.Close(context.Background())
		return nil, err
	}
	defaultTTL := config.Duration(cfg.Server.Cache.DefaultTTL)
	proxy, err := querycache.New(querycache.Config{
		Store:          backing,
		Codec:          codec,
		Logger:         logger,
		Metrics:        recorder,
		DefaultTTL:     defaultTTL,
		FetchTimeout:   config.Duration(cfg.Server.Cache.FetchTimeout),
		StaleIfError:   cfg.Server.Cache.StaleIfError,
		StaleRetention: config.Duration(cfg.Server.Cache.StaleRetention),
		KeyPrefix:      cfg.Server.Cache.KeyPrefix,
	})
	if err != nil {
		_ = backing.Close(context.Background())
		return nil, err
	}
	svc, err := runtime.NewService(logger, runtime.ServiceOptions{
		Proxy:              proxy,
		Store:              backing,
		Endpoints:          cfg.Endpoints,
		EndpointSources:    cfg.EndpointSources,
		SkippedDefinitions: cfg.SkippedDefinitions,
		DefaultTTL:         defaultTTL,
		Metrics:            recorder,
	})
	if err != nil {
		_ = backing.Close(context.Background())
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  recorder,
		store:    backing,
		service:  svc,
		renderer: buildRenderer(logger, cfg.Server.Templates),
	}, nil
}

func (a *app) Close(ctx context.Context) error {
	if a == nil || a.service == nil {
		return nil
	}
	return a.service.Close(ctx)
}

// buildRenderer falls back to an inline-only renderer when the templates
// folder is unusable; file templates then fail at plan time.
func buildRenderer(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Renderer {
	folder := strings.TrimSpace(cfg.TemplatesFolder)
	if folder == "" {
		return templates.NewRenderer(nil)
	}
	sandbox, err := templates.NewSandbox(folder, cfg.TemplatesAllowEnv, cfg.TemplatesAllowedEnv)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		return templates.NewRenderer(nil)
	}
	return templates.NewRenderer(sandbox)
}

func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) (store.Store, error) {
	defaultTTL := config.Duration(cfg.DefaultTTL)
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory query store", slog.Duration("default_ttl", defaultTTL))
		return store.NewMemory(store.MemoryOptions{DefaultTTL: defaultTTL}), nil
	case "redis":
		s, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Info("using redis query store", slog.String("address", cfg.Redis.Address))
		return s, nil
	case "sqlite":
		s, err := store.NewSQLite(store.SQLiteOptions{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info("using sqlite query store", slog.String("path", cfg.SQLite.Path))
		return s, nil
	case "badger":
		s, err := store.NewBadger(store.BadgerOptions{
			Path:     cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
			Prefix:   cfg.Badger.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("badger store: %w", err)
		}
		logger.Info("using badger query store", slog.String("path", cfg.Badger.Path), slog.Bool("in_memory", cfg.Badger.InMemory))
		return s, nil
	case "ristretto":
		s, err := store.NewRistretto(store.RistrettoOptions{
			NumCounters: cfg.Ristretto.NumCounters,
			MaxCost:     cfg.Ristretto.MaxCost,
			BufferItems: cfg.Ristretto.BufferItems,
		})
		if err != nil {
			return nil, fmt.Errorf("ristretto store: %w", err)
		}
		logger.Info("using ristretto query store", slog.Int64("max_cost", cfg.Ristretto.MaxCost))
		return s, nil
	default:
		return nil, errors.New("unsupported cache backend: " + cfg.Backend)
	}
}
