// Package backend opens the es.EventLog selected by a config.Config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/codewandler/evlog-go/adapters/nats"
	"github.com/codewandler/evlog-go/adapters/otel"
	"github.com/codewandler/evlog-go/adapters/postgres"
	"github.com/codewandler/evlog-go/adapters/redis"
	"github.com/codewandler/evlog-go/adapters/sqlite"
	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/internal/config"
)

type CloseFunc func() error

func nopClose() error { return nil }

const tracingShutdownTimeout = 5 * time.Second

type options struct {
	spanProcessors []sdktrace.SpanProcessor
}

type Option func(*options)

// WithSpanProcessor registers sp on the tracer provider built when tracing
// is enabled.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, sp) }
}

// Open connects to the configured backend. The returned CloseFunc releases it
// and, with tracing on, flushes and stops the tracer provider.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger, opts ...Option) (es.EventLog, CloseFunc, error) {
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	l, closeFn, err := open(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	if cfg.Tracing {
		tp, err := newTracerProvider(ctx, cfg, log, o.spanProcessors...)
		if err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
		}
		l = otel.NewTracedLog(l, tp)
		closeLog := closeFn
		closeFn = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
			defer cancel()
			return errors.Join(closeLog(), tp.Shutdown(ctx))
		}
	}
	log.Debug("backend opened", slog.String("backend", string(cfg.Backend)), slog.Bool("tracing", cfg.Tracing))
	return l, closeFn, nil
}

func open(ctx context.Context, cfg config.Config, log *slog.Logger) (es.EventLog, CloseFunc, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return es.NewInMemoryLog(es.WithLog(log)), nopClose, nil
	case config.BackendSQLite:
		l, err := sqlite.Open(ctx, cfg.SQLitePath, sqlite.Config{Log: log})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case config.BackendPostgres:
		l, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.Config{Log: log})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case config.BackendNATS:
		l, err := nats.New(ctx, nats.Config{
			Connect:       nats.ConnectURL(cfg.NATSURL),
			Log:           log,
			StreamName:    cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case config.BackendRedis:
		l, err := redis.Open(ctx, cfg.RedisURL, redis.Config{Log: log, KeyPrefix: cfg.RedisPrefix})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
