package main

import (
	"context"
	"fmt"
	"time"

	"github.com/orderhub/tracksync/config"
	"github.com/orderhub/tracksync/internal/api/tracking_api"
	"github.com/orderhub/tracksync/internal/broker/kafka"
	"github.com/orderhub/tracksync/internal/cache/rediscache"
	"github.com/orderhub/tracksync/internal/integrations/carrier"
	"github.com/orderhub/tracksync/internal/integrations/carrier/fake"
	"github.com/orderhub/tracksync/internal/integrations/track123"
	"github.com/orderhub/tracksync/internal/models"
	"github.com/orderhub/tracksync/internal/services/scheduler"
	"github.com/orderhub/tracksync/internal/services/tracker"
	"github.com/orderhub/tracksync/internal/storage/pgorders"
)

// syncStorage объединяет все роли постгресового хранилища в одном месте:
// заказы для пересинхронизации, регистрация расписания, ключ шлюза и журнал
// действий. *pgorders.Storage закрывает его целиком.
type syncStorage interface {
	tracker.Repository
	scheduler.Registry
	track123.KeyProvider
	SaveTrackingAPIKey(ctx context.Context, key string) error
	AddUserActivity(ctx context.Context, userName, action string) error
}

type trackSyncFactories struct {
	newStorage     func(cfg *config.Config) (st syncStorage, closeFn func(), err error)
	newProducer    func(cfg *config.Config) tracker.Producer
	newRateLimiter func(cfg *config.Config) tracker.RateLimiter
	newResultCache func(cfg *config.Config) tracker.Cache
	newTickLock    func(cfg *config.Config) scheduler.TickLock
	newProvider    func(cfg *config.Config, keys track123.KeyProvider) carrier.Client
}

func defaultTrackSyncFactories() trackSyncFactories {
	return trackSyncFactories{
		newStorage: func(cfg *config.Config) (syncStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := openPostgresWithRetry(connString, 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) tracker.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) tracker.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewRateLimiter(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newResultCache: func(cfg *config.Config) tracker.Cache {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newTickLock: func(cfg *config.Config) scheduler.TickLock {
			if !cfg.TrackSync.TickLockEnabled || cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewLocker(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newProvider: func(cfg *config.Config, keys track123.KeyProvider) carrier.Client {
			switch cfg.TrackSync.ProviderMode {
			case "track123":
				c := track123.New(cfg.TrackSync.Track123BaseURL, keys)
				if cfg.TrackSync.Track123TimeoutSeconds > 0 {
					c = c.WithTimeout(time.Duration(cfg.TrackSync.Track123TimeoutSeconds) * time.Second)
				}
				return c
			default:
				return fake.New()
			}
		},
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgorders.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgorders.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

type trackSyncOpts struct {
	onListen func(httpAddr string)
}

func RunTrackSync(ctx context.Context, cfg *config.Config, f trackSyncFactories, opts trackSyncOpts) error {
	topic := cfg.Kafka.OrderTrackingUpdatedTopicName
	if topic == "" {
		topic = "order-tracking.updated"
	}
	batchSize := cfg.TrackSync.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	concurrency := cfg.TrackSync.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	rlPerMin := int64(cfg.TrackSync.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}
	cacheTTL := time.Duration(cfg.TrackSync.ResultCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	tickTimeout := time.Duration(cfg.TrackSync.TickTimeoutSeconds) * time.Second
	if tickTimeout <= 0 {
		tickTimeout = 10 * time.Minute
	}
	defaultInterval := cfg.TrackSync.SchedulerDefaultIntervalMinutes
	if defaultInterval <= 0 {
		defaultInterval = models.DefaultScheduleIntervalMinutes
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	// Ключ из конфига перекрывает сохранённый в настройках: так проще гонять
	// стенды, не трогая базу.
	keys := track123.KeyChain{track123.StaticKey(cfg.TrackSync.Track123APIKey), st}
	provider := f.newProvider(cfg, keys)

	svc := tracker.New(st, provider, f.newProducer(cfg), f.newRateLimiter(cfg), topic).
		WithSettings(batchSize, concurrency, rlPerMin)
	if cache := f.newResultCache(cfg); cache != nil {
		svc = svc.WithCache(cache, cacheTTL)
	}
	if cfg.TrackSync.ProviderMode == "track123" {
		svc = svc.WithKeys(keys)
	}

	sched := scheduler.New(st, svc).
		WithSettings(defaultInterval, tickTimeout, cfg.TrackSync.SchedulerAutoStart)
	if lock := f.newTickLock(cfg); lock != nil {
		sched = sched.WithTickLock(lock)
	}

	api := tracking_api.New(svc, sched, st, st)

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runSyncHTTPServer(ctx, syncHTTPOpts{
			httpAddr:    cfg.TrackSync.HTTPAddr,
			swaggerPath: cfg.TrackSync.SwaggerPath,
			onListen:    opts.onListen,
			api:         api,
			tracker:     svc,
			scheduler:   sched,
			cfg:         cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-schedErr:
		return err
	case err := <-httpErr:
		return err
	}
}


