package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"text/tabwriter"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	esprom "github.com/codewandler/evlog-go/adapters/prometheus"
	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/domain/order"
	"github.com/codewandler/evlog-go/internal/perkey"
)

type loadtestConfig struct {
	aggregates  int
	writers     int
	events      int
	rate        float64
	retries     int
	serialize   bool
	metricsAddr string
}

type loadtestResult struct {
	Orders    int           `json:"orders" yaml:"orders"`
	Appended  int64         `json:"appended" yaml:"appended"`
	Conflicts int64         `json:"conflicts" yaml:"conflicts"`
	GaveUp    int64         `json:"gave_up" yaml:"gave_up"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	PerSecond float64       `json:"per_second" yaml:"per_second"`
}

func newLoadtestCmd(a *app) *cobra.Command {
	cfg := loadtestConfig{}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Race concurrent writers on shared orders and verify the histories",
		Long: `loadtest creates a set of orders and lets several writers add items to them
concurrently. Writers share orders on purpose so appends conflict; each conflict is
retried after reloading. At the end every order is reconstructed and checked for a
gapless history that matches the number of successful appends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLog(cmd.Context(), func(l es.EventLog) error {
				res, err := runLoadtest(cmd.Context(), l, a.log, cfg)
				if err != nil {
					return err
				}
				return render(a.out, a.output, res, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "orders\t%d\n", res.Orders)
					fmt.Fprintf(tw, "appended\t%d\n", res.Appended)
					fmt.Fprintf(tw, "conflicts\t%d\n", res.Conflicts)
					fmt.Fprintf(tw, "gave up\t%d\n", res.GaveUp)
					fmt.Fprintf(tw, "duration\t%s\n", res.Duration)
					fmt.Fprintf(tw, "appends/s\t%.0f\n", res.PerSecond)
				})
			})
		},
	}

	cmd.Flags().IntVar(&cfg.aggregates, "aggregates", 4, "Number of orders written to")
	cmd.Flags().IntVar(&cfg.writers, "writers", 8, "Number of concurrent writers")
	cmd.Flags().IntVar(&cfg.events, "events", 100, "Items each writer adds")
	cmd.Flags().Float64Var(&cfg.rate, "rate", 0, "Maximum appends per second across all writers (0 = unlimited)")
	cmd.Flags().IntVar(&cfg.retries, "retries", 10, "Attempts per append on concurrency conflict")
	cmd.Flags().BoolVar(&cfg.serialize, "serialize", false, "Queue appends per order inside this process instead of racing")
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running, e.g. :9090")
	return cmd
}

func runLoadtest(ctx context.Context, l es.EventLog, log *slog.Logger, cfg loadtestConfig) (*loadtestResult, error) {
	if cfg.aggregates < 1 || cfg.writers < 1 || cfg.events < 0 {
		return nil, errors.New("aggregates and writers must be positive, events must not be negative")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts := []es.Option{es.WithLog(log), es.WithMetrics(esprom.NewMetrics(reg))}
	svc := order.NewService(l, opts...)

	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", slog.String("addr", cfg.metricsAddr))
	}

	runID := gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 8)
	ids := make([]string, cfg.aggregates)
	for i := range ids {
		ids[i] = fmt.Sprintf("lt-%s-%d", runID, i)
		if _, err := svc.Create(ctx, ids[i], "loadtest"); err != nil {
			return nil, fmt.Errorf("create %s: %w", ids[i], err)
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rate), 1)
	}

	sched := perkey.New[string]()
	defer sched.Close()
	addItem := func(ctx context.Context, id, item string) error {
		_, err := svc.AddItem(ctx, id, item, 1, 1)
		return err
	}
	if cfg.serialize {
		addItem = func(ctx context.Context, id, item string) error {
			return sched.Do(ctx, id, func(ctx context.Context) error {
				_, err := svc.AddItem(ctx, id, item, 1, 1)
				return err
			})
		}
	}

	var (
		appended  atomic.Int64
		conflicts atomic.Int64
		gaveUp    atomic.Int64
		perOrder  = make([]atomic.Int64, cfg.aggregates)
		startAt   = time.Now()
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := range cfg.writers {
		g.Go(func() error {
			for k := range cfg.events {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				idx := (w + k) % cfg.aggregates
				item := fmt.Sprintf("w%d-i%d", w, k)
				err := es.RetryOnConflict(gctx, cfg.retries, func(ctx context.Context) error {
					err := addItem(ctx, ids[idx], item)
					if es.IsConflict(err) {
						conflicts.Add(1)
					}
					return err
				})
				switch {
				case err == nil:
					appended.Add(1)
					perOrder[idx].Add(1)
				case errors.Is(err, es.ErrRetriesExhausted):
					gaveUp.Add(1)
				default:
					return fmt.Errorf("writer %d: %w", w, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	took := time.Since(startAt)

	for i, id := range ids {
		agg, err := svc.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", id, err)
		}
		want := es.Version(1 + perOrder[i].Load())
		if agg.Version != want {
			return nil, fmt.Errorf("%w: %s has version %d, want %d", es.ErrCorruptHistory, id, agg.Version, want)
		}
		if agg.State.ItemCount() != int(perOrder[i].Load()) {
			return nil, fmt.Errorf("%w: %s has %d items, want %d", es.ErrCorruptHistory, id, agg.State.ItemCount(), perOrder[i].Load())
		}
	}

	res := &loadtestResult{
		Orders:    cfg.aggregates,
		Appended:  appended.Load(),
		Conflicts: conflicts.Load(),
		GaveUp:    gaveUp.Load(),
		Duration:  took,
	}
	if took > 0 {
		res.PerSecond = float64(res.Appended) / took.Seconds()
	}
	log.Info("loadtest done",
		slog.Int64("appended", res.Appended),
		slog.Int64("conflicts", res.Conflicts),
		slog.Duration("duration", took),
	)
	return res, nil
}
