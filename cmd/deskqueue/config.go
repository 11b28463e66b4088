package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/rueidis"
	"go.uber.org/zap/zapcore"

	"github.com/castaneai/deskqueue/pkg/dqlog"
	"github.com/castaneai/deskqueue/pkg/statestore"
)

const (
	storeFile  = "file"
	storeRedis = "redis"
)

type config struct {
	Port             string        `envconfig:"PORT" default:"8000"`
	MetricsAddr      string        `envconfig:"METRICS_ADDR" default:":2112"`
	Store            string        `envconfig:"STORE" default:"file"`
	DataFile         string        `envconfig:"DATA_FILE" default:"queue_data.json"`
	RedisAddr        string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	UseMiniRedis     bool          `envconfig:"USE_MINIREDIS"`
	RedisKey         string        `envconfig:"REDIS_KEY" default:"deskqueue:snapshot"`
	RedisChannel     string        `envconfig:"REDIS_CHANNEL" default:"deskqueue:events"`
	Desks            string        `envconfig:"DESKS"`
	StateCacheTTL    time.Duration `envconfig:"STATE_CACHE_TTL" default:"500ms"`
	LogFormat        string        `envconfig:"LOG_FORMAT" default:"console"`
	WSOriginPatterns []string      `envconfig:"WS_ORIGIN_PATTERNS"`
}

func loadConfig() (*config, error) {
	var conf config
	if err := envconfig.Process("", &conf); err != nil {
		return nil, fmt.Errorf("failed to read config from env: %w", err)
	}
	if conf.UseMiniRedis {
		conf.Store = storeRedis
	}
	if conf.Store != storeFile && conf.Store != storeRedis {
		return nil, fmt.Errorf("unknown STORE %q (want %s or %s)", conf.Store, storeFile, storeRedis)
	}
	return &conf, nil
}

func setupLogger(conf *config) error {
	if conf.LogFormat != "json" {
		return nil
	}
	logger, err := dqlog.NewProduction(zapcore.InfoLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	dqlog.SetLogger(logger)
	return nil
}

// backend is the opened state store. redis is nil for the file store.
type backend struct {
	store statestore.StateStore
	redis rueidis.Client
	close func()
}

func openBackend(ctx context.Context, conf *config) (*backend, error) {
	if conf.Store == storeFile {
		dqlog.Infof("storing state in %s", conf.DataFile)
		return &backend{store: statestore.NewFileStore(conf.DataFile), close: func() {}}, nil
	}

	redisAddr := conf.RedisAddr
	closeMiniRedis := func() {}
	if conf.UseMiniRedis {
		mr := miniredis.NewMiniRedis()
		if err := mr.Start(); err != nil {
			return nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		redisAddr = mr.Addr()
		closeMiniRedis = mr.Close
	}
	dqlog.Infof("storing state in redis %s (key: %s)", redisAddr, conf.RedisKey)
	rc, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{redisAddr}, DisableCache: true})
	if err != nil {
		closeMiniRedis()
		return nil, fmt.Errorf("failed to new redis client: %w", err)
	}
	if err := rc.Do(ctx, rc.B().Ping().Build()).Error(); err != nil {
		rc.Close()
		closeMiniRedis()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &backend{
		store: statestore.NewRedisStore(rc, statestore.WithRedisKey(conf.RedisKey)),
		redis: rc,
		close: func() {
			rc.Close()
			closeMiniRedis()
		},
	}, nil
}
