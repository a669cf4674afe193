package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"gracechurch.org/authz/internal/config"
	"gracechurch.org/authz/internal/jobs"
	"gracechurch.org/authz/internal/obs"
	"gracechurch.org/authz/internal/review"
	"gracechurch.org/authz/internal/store"
)

func main() {
	var (
		all     = flag.Bool("all", false, "Score every user, not only those due for review")
		asJSON  = flag.Bool("json", false, "Print candidates as JSON")
		enqueue = flag.Bool("enqueue", false, "Ask the worker to refresh the queue metrics instead of printing")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger := obs.InitLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *enqueue {
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close()
		info, err := client.EnqueueReviewRefresh(ctx, !*all)
		if err != nil {
			logger.Fatal("enqueue refresh", zap.Error(err))
		}
		logger.Info("refresh enqueued", zap.String("task_id", info.ID), zap.String("queue", info.Queue))
		return
	}

	backend, err := store.Open(ctx, cfg.PGDSN, cfg.SeedDemo, time.Now())
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer backend.Close()

	scheduler, err := review.NewScheduler(backend, review.WithLogger(logger))
	if err != nil {
		logger.Fatal("review scheduler", zap.Error(err))
	}
	cands, err := scheduler.Candidates(ctx, !*all, time.Now())
	if err != nil {
		logger.Fatal("build review queue", zap.Error(err))
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cands); err != nil {
			logger.Fatal("encode", zap.Error(err))
		}
		return
	}
	if err := printTable(os.Stdout, cands); err != nil {
		logger.Fatal("print", zap.Error(err))
	}
}

func printTable(out io.Writer, cands []review.Candidate) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tRISK\tDAYS\tPERMS\tROLE\tUSER\tID")
	for _, c := range cands {
		days := fmt.Sprint(c.DaysSinceReview)
		if c.DaysSinceReview == review.NeverReviewedDays {
			days = "never"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			c.ReviewPriority, c.RiskScore, days, c.PermissionsCount, c.Role, c.Username, c.ID)
	}
	counts := review.CountByPriority(cands)
	fmt.Fprintf(tw, "\n%d users\tcritical=%d\thigh=%d\tmedium=%d\tlow=%d\n", len(cands),
		counts[string(review.PriorityCritical)], counts[string(review.PriorityHigh)],
		counts[string(review.PriorityMedium)], counts[string(review.PriorityLow)])
	return tw.Flush()
}
