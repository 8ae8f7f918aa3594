package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	openaiopt "github.com/openai/openai-go/v2/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/meter"
	"github.com/ineyio/tokenquota/provider/anthropic"
	"github.com/ineyio/tokenquota/provider/gemini"
	"github.com/ineyio/tokenquota/provider/mock"
	"github.com/ineyio/tokenquota/provider/openai"
	"github.com/ineyio/tokenquota/provider/openaicompat"
	"github.com/ineyio/tokenquota/store/dynamodb"
	"github.com/ineyio/tokenquota/store/memory"
	"github.com/ineyio/tokenquota/store/postgres"
	"github.com/ineyio/tokenquota/store/redis"
	"github.com/ineyio/tokenquota/store/sqlite"
)

const tableWait = 2 * time.Minute

// app is the wired object graph shared by every command.
type app struct {
	cfg     tokenquota.Config
	logger  *slog.Logger
	svc     *tokenquota.Service
	metrics http.Handler
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadConfig reads the config file named by the "config" key, if any, and
// applies flag and TOKENQUOTA_* environment overrides on top. The result is
// not validated.
func loadConfig(v *viper.Viper) (tokenquota.Config, error) {
	cfg := tokenquota.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := tokenquota.ParseConfig(path)
		if err != nil {
			return tokenquota.Config{}, err
		}
		cfg = loaded
	}

	overrideString(v, "listen", &cfg.Listen)
	overrideString(v, "store.driver", &cfg.Store.Driver)
	overrideString(v, "store.dsn", &cfg.Store.DSN)
	overrideString(v, "store.prefix", &cfg.Store.Prefix)
	overrideString(v, "store.table", &cfg.Store.Table)
	overrideString(v, "store.region", &cfg.Store.Region)
	overrideString(v, "store.endpoint", &cfg.Store.Endpoint)
	overrideString(v, "model.provider", &cfg.Model.Provider)
	overrideString(v, "model.name", &cfg.Model.Name)
	overrideString(v, "model.base_url", &cfg.Model.BaseURL)
	overrideString(v, "model.region", &cfg.Model.Region)
	overrideString(v, "model.auth.api_key", &cfg.Model.Auth.APIKey)
	overrideString(v, "log.level", &cfg.Log.Level)
	overrideString(v, "log.format", &cfg.Log.Format)
	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	return cfg, nil
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

func wireApp(ctx context.Context, cfg tokenquota.Config, stderr io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: newLogger(cfg.Log, stderr),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("wire account store: %w", err)
	}

	provider, err := newProvider(ctx, cfg.Model)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("wire model provider: %w", err)
	}

	meters := meter.Multi{meter.NewLogMeter(a.logger)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		meters = append(meters, meter.NewPrometheusMeter(reg))
		a.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	a.svc, err = tokenquota.NewService(cfg.InvokerConfig(), store, provider,
		tokenquota.WithMeter(meters),
		tokenquota.WithHealthTracker(tokenquota.NewHealthTrackerWithConfig(cfg.Health)),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (tokenquota.AccountStore, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case tokenquota.DriverMemory:
		return memory.New(), nil

	case tokenquota.DriverSQLite:
		var opts []sqlite.Option
		if sc.Prefix != "" {
			opts = append(opts, sqlite.WithTablePrefix(sc.Prefix))
		}
		s, err := sqlite.New(sc.DSN, opts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		return s, nil

	case tokenquota.DriverPostgres:
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		var opts []postgres.Option
		if sc.Prefix != "" {
			opts = append(opts, postgres.WithTablePrefix(sc.Prefix))
		}
		s := postgres.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case tokenquota.DriverRedis:
		ropts, err := goredis.ParseURL(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(ropts)
		a.closers = append(a.closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		var opts []redis.Option
		if sc.Prefix != "" {
			opts = append(opts, redis.WithKeyPrefix(sc.Prefix))
		}
		return redis.New(client, opts...), nil

	case tokenquota.DriverDynamoDB:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if sc.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(sc.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if sc.Endpoint != "" {
				o.BaseEndpoint = aws.String(sc.Endpoint)
			}
		})
		s := dynamodb.New(client, sc.Table)
		if err := s.EnsureTable(ctx, tableWait); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

func newProvider(ctx context.Context, mc tokenquota.ModelConfig) (tokenquota.Provider, error) {
	switch mc.Provider {
	case tokenquota.ProviderAnthropic:
		var opts []anthropicopt.RequestOption
		if mc.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(mc.BaseURL))
		}
		return anthropic.New(opts...), nil
	case tokenquota.ProviderBedrock:
		return anthropic.NewBedrock(ctx, mc.Region), nil
	case tokenquota.ProviderOpenAI:
		var opts []openaiopt.RequestOption
		if mc.BaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(mc.BaseURL))
		}
		return openai.New(opts...), nil
	case tokenquota.ProviderOpenAICompat:
		return openaicompat.New(tokenquota.ProviderOpenAICompat, mc.BaseURL), nil
	case tokenquota.ProviderGemini:
		var opts []gemini.Option
		if mc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(mc.BaseURL))
		}
		return gemini.New(opts...), nil
	case tokenquota.ProviderMock:
		return mock.New(), nil
	}
	return nil, errors.New("unknown model provider " + mc.Provider)
}

func newLogger(lc tokenquota.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
