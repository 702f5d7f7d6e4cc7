// Command aggregator combines completed chunk jobs into final Stage 3
// documents. It listens on both trigger paths: direct job-check messages
// from the chunk processor and chunk-result object events.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/craigbeachjrk/billpipe/engine/chunk"
	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
	"github.com/craigbeachjrk/billpipe/pkg/metrics"
	"github.com/craigbeachjrk/billpipe/pkg/natsutil"
)

var met = metrics.New()

var (
	mAggregated = met.Counter("billpipe_aggregator_jobs_total", "Jobs aggregated")
	mErrors     = met.Counter("billpipe_aggregator_errors_total", "Aggregation errors")
)

type config struct {
	NATSURL     string
	Bucket      string
	Schema      string
	MetricsPort int
}

func loadConfig() config {
	return config{
		NATSURL:     envOr("NATS_URL", nats.DefaultURL),
		Bucket:      envOr("BILLS_BUCKET", "bills"),
		Schema:      envOr("BILL_SCHEMA", "utility"),
		MetricsPort: envInt("METRICS_PORT", 9105),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func schemaByName(name string) domain.Schema {
	if name == "legal" {
		return domain.LegalSchema
	}
	return domain.UtilitySchema
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("aggregator exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_aggregator", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	store, err := blob.NewJetStream(ctx, js, cfg.Bucket, func(ctx context.Context, ev blob.CreatedEvent) {
		if err := natsutil.Publish(ctx, nc, blob.SubjectForKey(ev.Key), ev); err != nil {
			logger.Warn("event publish failed", "key", ev.Key, "err", err)
		}
	})
	if err != nil {
		return err
	}

	jobsTable, err := kvtab.NewJetStream(ctx, js, "bills-jobs")
	if err != nil {
		return err
	}

	agg := &chunk.Aggregator{
		Store:  store,
		Jobs:   &chunk.Jobs{Table: jobsTable},
		Schema: schemaByName(cfg.Schema),
		Logger: logger,
	}

	// Direct invocation path.
	checkSub, err := natsutil.SubscribeQueue(nc, chunk.CheckSubject,
		natsutil.ConsumerOpts{Queue: "aggregator", MaxRetries: 5, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[chunk.CheckMessage]) error {
			if err := agg.ProcessJob(ctx, d.Msg.JobID); err != nil {
				mErrors.Inc()
				logger.Error("aggregate failed", "job_id", d.Msg.JobID, "err", err, "retry", d.Retries)
				return err
			}
			mAggregated.Inc()
			return nil
		})
	if err != nil {
		return err
	}
	defer checkSub.Unsubscribe()

	// Fallback path: the last chunk-result object landing triggers a check.
	resultSub, err := natsutil.SubscribeQueue(nc, blob.SubjectForPrefix(domain.StageChunkResults),
		natsutil.ConsumerOpts{Queue: "aggregator", MaxRetries: 5, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.CreatedEvent]) error {
			key := d.Msg.Key
			if !strings.HasPrefix(key, domain.StageChunkResults) || !strings.HasSuffix(key, ".json") {
				return nil
			}
			if err := agg.ProcessResultKey(ctx, key); err != nil {
				mErrors.Inc()
				logger.Error("aggregate check failed", "key", key, "err", err, "retry", d.Retries)
				return err
			}
			return nil
		})
	if err != nil {
		return err
	}
	defer resultSub.Unsubscribe()

	logger.Info("aggregator started", "schema", cfg.Schema)
	<-ctx.Done()
	logger.Info("aggregator shutting down")
	return nil
}
