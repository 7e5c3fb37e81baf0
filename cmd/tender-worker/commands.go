package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tenderscan/config"
	"tenderscan/domain"
	"tenderscan/folder"
	"tenderscan/report"
	"tenderscan/runner"
	"tenderscan/streamq"
)

func parseKeys(raw []string) ([]domain.TenderKey, error) {
	var keys []domain.TenderKey
	for _, r := range raw {
		for _, p := range strings.Split(r, ",") {
			if strings.TrimSpace(p) == "" {
				continue
			}
			k, err := domain.ParseTenderKey(p)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func newRunCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	var (
		ids          []string
		lifecycle    string
		registry     string
		reportPath   string
		skipExisting bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one selection of tenders and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			keys, err := parseKeys(ids)
			if err != nil {
				return err
			}
			opts := runner.Options{
				Lifecycle:    lifecycle,
				UserID:       cfg.UserID,
				RegionID:     cfg.RegionID,
				Limit:        cfg.TenderLimit,
				IDs:          keys,
				SkipExisting: skipExisting,
			}
			if limit > 0 {
				opts.Limit = limit
			}
			if registry != "" {
				if opts.Registry, err = domain.ParseRegistryType(registry); err != nil {
					return err
				}
			}

			lock := folder.NewRunLock(cfg.WorkDir)
			got, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !got {
				return fmt.Errorf("another worker is using %s (lock %s)", cfg.WorkDir, lock.Path())
			}
			defer func() { _ = lock.Unlock() }()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			mctx, stopMetrics := context.WithCancel(ctx)
			defer stopMetrics()
			go serveMetrics(mctx, cfg.MetricsAddr, log)

			coord, err := a.coordinator(ctx)
			if err != nil {
				return err
			}
			stats, runErr := coord.Run(ctx, opts)
			if reportPath != "" {
				if err := report.Write(reportPath, stats.Results); err != nil {
					log.Error("write report failed", "path", reportPath, "err", err)
				} else {
					log.Info("report written", "path", reportPath, "rows", len(stats.Results))
				}
			}
			printStats(cmd, "tenders=%d completed=%d failed=%d skipped=%d conflicts=%d errors=%d matches=%d elapsed=%s\n",
				stats.Total, stats.Completed, stats.Failed, stats.Skipped, stats.Conflicts, stats.Errors, stats.Matches,
				stats.Duration.Round(time.Second))
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "reprocess these tenders (44fz:123,223fz:456)")
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "new", "new, won, commission or all")
	cmd.Flags().StringVar(&registry, "registry", "", "restrict selection to 44fz or 223fz")
	cmd.Flags().StringVar(&reportPath, "report", "", "write an xlsx summary to this path")
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "do not resume folders left by earlier runs")
	cmd.Flags().IntVar(&limit, "limit", 0, "max tenders per lifecycle (default TENDER_LIMIT)")
	return cmd
}

func newServeCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	var (
		interval    time.Duration
		lifecycle   string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume reprocess requests and optionally run periodic selections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			lock := folder.NewRunLock(cfg.WorkDir)
			got, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !got {
				return fmt.Errorf("another worker is using %s (lock %s)", cfg.WorkDir, lock.Path())
			}
			defer func() { _ = lock.Unlock() }()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.rdb == nil {
				return errors.New("serve requires REDIS_ADDR for the reprocess stream")
			}

			q := streamq.NewRedisStreamQueue(a.rdb, cfg.StreamKey, cfg.StreamGroup, 0)
			if err := q.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("ensure stream group failed: %w", err)
			}
			cons := streamq.NewConsumer(a.rdb, cfg.StreamKey, cfg.StreamGroup, cfg.WorkerID, log)
			cons.SetConcurrency(concurrency)
			log.Info("tender-worker serving", "stream", cfg.StreamKey, "group", cfg.StreamGroup, "worker", cfg.WorkerID)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				serveMetrics(gctx, cfg.MetricsAddr, log)
				return nil
			})
			g.Go(func() error {
				return cons.ConsumeLoop(gctx, func(ctx context.Context, req streamq.Request) error {
					coord, err := a.coordinator(ctx)
					if err != nil {
						// catalog unavailable: keep the request pending
						return err
					}
					_, err = coord.Run(ctx, runner.Options{IDs: req.Keys, Lifecycle: string(req.Lifecycle)})
					if runner.IsFatal(err) {
						cancel()
						return streamq.Terminal(err)
					}
					return err
				})
			})
			if interval > 0 {
				g.Go(func() error {
					return periodic(gctx, a, interval, lifecycle, log)
				})
			}
			err = g.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "also run a full selection every interval (0 disables)")
	cmd.Flags().StringVar(&lifecycle, "lifecycle", runner.LifecycleAll, "lifecycle of periodic selections")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "reprocess requests handled at once")
	return cmd
}

// periodic runs a full selection every interval with freshly loaded user settings.
func periodic(ctx context.Context, a *app, interval time.Duration, lifecycle string, log *slog.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		a.feed.InvalidateSettings(a.cfg.UserID)
		coord, err := a.coordinator(ctx)
		if err != nil {
			log.Error("periodic run skipped", "err", err)
		} else {
			_, err := coord.Run(ctx, runner.Options{
				Lifecycle: lifecycle,
				UserID:    a.cfg.UserID,
				RegionID:  a.cfg.RegionID,
				Limit:     a.cfg.TenderLimit,
			})
			if runner.IsFatal(err) {
				return err
			}
			if err != nil && ctx.Err() == nil {
				log.Error("periodic run failed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func newEnqueueCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	var lifecycle string
	cmd := &cobra.Command{
		Use:   "enqueue TENDER...",
		Short: "Ask serving workers to reprocess tenders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return errors.New("enqueue requires REDIS_ADDR")
			}
			rdb := newRedisClient(cfg)
			defer func() { _ = rdb.Close() }()
			q := streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, 0)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := q.EnsureGroup(ctx); err != nil {
				return err
			}
			if err := q.Enqueue(ctx, streamq.Request{Keys: keys, Lifecycle: domain.Lifecycle(lifecycle)}); err != nil {
				return err
			}
			log.Info("reprocess request queued", "stream", cfg.StreamKey, "tenders", len(keys))
			return nil
		},
	}
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "", "lifecycle of the listed tenders (default new)")
	return cmd
}
