// Package app wires every component named in spec.md section 2 into one
// running process: config load, store/bus connections, the four core
// pieces (entity counter, user counter, relation write/read path, feed
// cache) plus the ambient background workers (aggregation flush, CDC
// bridge, relation event processor, hot-key rotation, nightly
// reconciliation), and a small admin HTTP surface for health/metrics.
// Grounded on the teacher's internal/app/app.go: New builds resources
// that don't need a running context, Run starts everything and blocks.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"knowengage/internal/config"
	"knowengage/internal/counter/entity"
	"knowengage/internal/counter/events"
	"knowengage/internal/counter/user"
	"knowengage/internal/feed/cache"
	"knowengage/internal/feed/hotkey"
	"knowengage/internal/feed/invalidate"
	"knowengage/internal/logger"
	"knowengage/internal/platform/bus"
	"knowengage/internal/platform/cachestore"
	cdcport "knowengage/internal/platform/cdc"
	"knowengage/internal/platform/relstore"
	"knowengage/internal/reconcile"
	relationcdc "knowengage/internal/relation/cdc"
	"knowengage/internal/relation/processor"
	"knowengage/internal/relation/readpath"
	"knowengage/internal/relation/writepath"
	"knowengage/internal/shutdown"
)

// App groups every wired component and the connections they share.
type App struct {
	cfg config.Config
	ctx context.Context

	cache *cachestore.RedisStore
	rel   *relstore.PgxStore

	producer bus.Producer

	entities  *entity.Service
	users     *user.Service
	write     *writepath.Service
	read      *readpath.Service
	feed      *cache.Service
	hot       *hotkey.Detector
	flusher   *events.Flusher
	reconcile *reconcile.Job

	admin *fasthttp.Server
}

// profileAdapter satisfies readpath.ProfileLookup over the relational
// store's user-table projection.
type profileAdapter struct{ rel *relstore.PgxStore }

func (p profileAdapter) GetProfiles(ctx context.Context, userIDs []int64) ([]readpath.Profile, error) {
	rows, err := p.rel.GetProfiles(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make([]readpath.Profile, len(rows))
	for i, r := range rows {
		out[i] = readpath.Profile{UserID: r.UserID, DisplayName: r.DisplayName, AvatarURL: r.AvatarURL}
	}
	return out, nil
}

// dlqProducer is processor.DeadLetter backed by a bus topic, so operators
// can inspect/replay exhausted relation events instead of losing them.
type dlqProducer struct{ pub bus.Producer }

const dlqTopic = "relation-outbox-dlq"

func (d dlqProducer) Send(ctx context.Context, payload []byte, err error) {
	msg := bus.Message{Value: payload}
	if pubErr := d.pub.Publish(ctx, dlqTopic, msg); pubErr != nil {
		logger.Error("app: dead-letter publish failed", "original_error", err, "publish_error", pubErr)
	}
}

// New connects to the cache store and relational store and wires every
// component. It does not start background workers; call Run for that.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	_ = godotenv.Load(".env")

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}

	cacheStore := cachestore.NewRedis(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)

	rel, err := relstore.Open(ctx, cfg.Relation.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: open relational store: %w", err)
	}

	producer := bus.NewKafkaProducer(cfg.Bus.Brokers)

	entities := entity.New(cacheStore, events.NewProducer(producer), entity.Config{
		RatePermits:      cfg.Rebuild.RatePermits,
		RateWindowSecs:   cfg.Rebuild.RateWindowSecs,
		BackoffBaseMs:    cfg.Rebuild.BackoffBaseMs,
		BackoffMaxMs:     cfg.Rebuild.BackoffMaxMs,
		LockWatchdogSecs: cfg.Rebuild.LockWatchdogSecs,
	})

	users := user.New(cacheStore, rel, entities)

	write := writepath.New(cacheStore, rel, writepath.Config{
		Capacity:     int64(cfg.Follow.Capacity),
		RefillPerSec: cfg.Follow.RefillPerSec,
	})
	read := readpath.New(cacheStore, rel, users, profileAdapter{rel: rel}, readpath.Config{
		SampleThrottleSecs: cfg.UserCnt.SampleThrottleSecs,
		BigVFollowers:      cfg.UserCnt.BigVFollowers,
	})

	hot := hotkey.New(hotkey.Config{
		WindowSeconds:  cfg.HotKey.WindowSeconds,
		SegmentSeconds: cfg.HotKey.SegmentSeconds,
		LevelLow:       cfg.HotKey.LevelLow,
		LevelMedium:    cfg.HotKey.LevelMedium,
		LevelHigh:      cfg.HotKey.LevelHigh,
		ExtendLow:      cfg.HotKey.ExtendLow,
		ExtendMedium:   cfg.HotKey.ExtendMedium,
		ExtendHigh:     cfg.HotKey.ExtendHigh,
	})

	feed := cache.New(cacheStore, rel, entities, hot, cache.Config{
		LocalTTL:          config.Secs(cfg.FeedCache.LocalTTLSecs),
		LocalMaxSize:      cfg.FeedCache.LocalMaxSize,
		PublicTTLBase:     config.Secs(cfg.FeedCache.PublicTTLBaseSecs),
		PublicTTLJitter:   config.Secs(cfg.FeedCache.PublicTTLJitter),
		FragmentTTLBase:   config.Secs(cfg.FeedCache.FragmentTTLBase),
		FragmentTTLJitter: config.Secs(cfg.FeedCache.FragmentTTLJitter),
		MineTTLBase:       config.Secs(cfg.FeedCache.MineTTLBaseSecs),
		MineTTLJitter:     config.Secs(cfg.FeedCache.MineTTLJitter),
		NegativeTTLBase:   config.Secs(cfg.FeedCache.NegativeTTLBase),
		NegativeTTLJitter: config.Secs(cfg.FeedCache.NegativeTTLJitter),
		DoubleDeleteDelay: config.Millis(cfg.FeedCache.DoubleDeleteMs),
		DetailLayout:      cfg.FeedCache.DetailLayout,
	})

	entities.AddNotifier(invalidate.New(rel, users, feed))

	job := reconcile.New(reconcile.Config{Enabled: cfg.Reconcile.Enabled, Cron: cfg.Reconcile.Cron}, rel, users, entities)

	admin := &fasthttp.Server{Name: "knowengage-admin"}

	a := &App{
		cfg: cfg, cache: cacheStore, rel: rel, producer: producer,
		entities: entities, users: users, write: write, read: read,
		feed: feed, hot: hot, flusher: events.NewFlusher(cacheStore),
		reconcile: job, admin: admin,
	}
	admin.Handler = a.adminHandler
	return a, nil
}

// Write returns the relation write path, used by the service's own
// callers to admit follows/unfollows.
func (a *App) Write() *writepath.Service { return a.write }

// Read returns the relation read path.
func (a *App) Read() *readpath.Service { return a.read }

// Entities returns the entity counter service.
func (a *App) Entities() *entity.Service { return a.entities }

// Feed returns the feed cache engine.
func (a *App) Feed() *cache.Service { return a.feed }

// Run starts every background worker as a panic-recovery-wrapped
// goroutine and the admin HTTP server, then blocks until ctx is
// canceled.
func (a *App) Run(ctx context.Context) error {
	a.ctx = ctx

	go runGuarded("hotkey-rotate", func() error { return a.hot.Run(ctx) })
	go runGuarded("counter-flush", func() error { a.flusher.Run(ctx); return nil })
	go runGuarded("reconcile", func() error { return a.reconcile.Run(ctx) })

	aggCon := bus.NewKafkaConsumer(a.cfg.Bus.Brokers, events.Topic, events.AggGroup, false)
	aggConsumer := events.NewAggregationConsumer(a.cache, aggCon)
	go runGuarded("counter-aggregate", func() error { return aggConsumer.Run(ctx) })

	if a.cfg.Rebuild.ReplayEnabled {
		replayCon := bus.NewKafkaConsumer(a.cfg.Bus.Brokers, events.Topic, events.ReplayGroup, true)
		replayConsumer := events.NewReplayConsumer(a.cache, replayCon)
		go runGuarded("counter-replay", func() error { return replayConsumer.Run(ctx) })
	}

	if a.cfg.CDC.Enabled {
		source := cdcport.NewOutboxSource(a.rel)
		bridge := relationcdc.New(source, a.producer, relationcdc.Config{
			BatchSize: a.cfg.CDC.BatchSize,
			Interval:  config.Millis(a.cfg.CDC.IntervalMs),
		})
		go runGuarded("cdc-bridge", func() error { return bridge.Run(ctx) })

		procCon := bus.NewKafkaConsumer(a.cfg.Bus.Brokers, relationcdc.Topic, processor.Group, false)
		proc := processor.New(a.cache, procCon, a.users, dlqProducer{pub: a.producer})
		go runGuarded("relation-processor", func() error { return proc.Run(ctx) })
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("app: admin server listening", "addr", a.cfg.Admin.Addr)
		if err := a.admin.ListenAndServe(a.cfg.Admin.Addr); err != nil {
			errCh <- fmt.Errorf("app: admin server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// runGuarded recovers a panic in fn, logging it as a fatal-for-that-worker
// error instead of crashing the process, matching the teacher's
// background-worker supervision style.
func runGuarded(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("app: worker panicked", "worker", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("app: worker exited", "worker", name, "error", err)
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	shutdown.Run(shutdownCtx, a.admin, a.producer.Close, func() error { a.rel.Close(); return nil }, a.cache.Close)
	return nil
}
