package main

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/config"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/server"
	"github.com/gosuda/boardsync/internal/store/memory"
	natsstore "github.com/gosuda/boardsync/internal/store/nats"
	"github.com/gosuda/boardsync/internal/store/postgres"
	redisstore "github.com/gosuda/boardsync/internal/store/redis"
	s3store "github.com/gosuda/boardsync/internal/store/s3"
)

// backends holds the board's collaborators selected by configuration.
type backends struct {
	blobs   domain.BlobStore
	counter domain.VersionCounter
	redis   *redisstore.Client // nil unless a component needs Redis
	health  []server.HealthCheck
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.Store.Counter == config.BackendRedis || cfg.Events.Relay == config.RelayRedis {
		client, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		b.redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.health = append(b.health, server.HealthCheck{Name: "redis", Check: client.Ping})
	}

	switch cfg.Store.Blob {
	case config.BackendPostgres:
		if cfg.Database.MaxConns > math.MaxInt32 {
			return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		b.blobs = store.Blobs()
	case config.BackendS3:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		b.blobs = store
	default:
		b.blobs = memory.NewBlobStore(clock.Real())
	}

	switch cfg.Store.Counter {
	case config.BackendRedis:
		b.counter = b.redis.Counter(redisstore.VersionKey(cfg.Redis.Prefix))
	case config.BackendNATS:
		counter, err := natsstore.NewCounter(natsstore.Config{
			URLs:         cfg.NATS.URLs,
			Bucket:       cfg.NATS.Bucket,
			Key:          cfg.NATS.Key,
			CreateBucket: cfg.NATS.CreateBucket,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, counter.Close)
		b.counter = counter
	default:
		b.counter = memory.NewCounter()
	}

	prefix := cfg.Store.KeyPrefix
	b.health = append(b.health,
		server.HealthCheck{Name: "blob", Check: func(ctx context.Context) error {
			_, err := b.blobs.List(ctx, prefix)
			return err
		}},
		server.HealthCheck{Name: "counter", Check: func(ctx context.Context) error {
			_, _, err := b.counter.Get(ctx)
			return err
		}},
	)

	log.Info().
		Str("blob", cfg.Store.Blob).
		Str("counter", cfg.Store.Counter).
		Str("relay", cfg.Events.Relay).
		Msg("backends ready")

	return b, nil
}
