// Command splitter slices large PDFs from Stage1_LargeFile/ into page
// chunks and seeds the job record that coordinates the chunked parse.
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
	mJobs   = met.Counter("billpipe_splitter_jobs_total", "Chunk jobs created")
	mErrors = met.Counter("billpipe_splitter_errors_total", "Split failures")
)

type config struct {
	NATSURL       string
	Bucket        string
	PagesPerChunk int
	MetricsPort   int
}

func loadConfig() config {
	return config{
		NATSURL:       envOr("NATS_URL", nats.DefaultURL),
		Bucket:        envOr("BILLS_BUCKET", "bills"),
		PagesPerChunk: envInt("PAGES_PER_CHUNK", 2),
		MetricsPort:   envInt("METRICS_PORT", 9103),
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

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("splitter exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_splitter", 15*time.Second)
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

	sp := &chunk.Splitter{
		Store:         store,
		Jobs:          &chunk.Jobs{Table: jobsTable},
		PagesPerChunk: cfg.PagesPerChunk,
		Logger:        logger,
	}

	sub, err := natsutil.SubscribeQueue(nc, blob.SubjectForPrefix(domain.StageLargeFile),
		natsutil.ConsumerOpts{Queue: "splitter", MaxRetries: 3, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.CreatedEvent]) error {
			key := d.Msg.Key
			if !strings.HasPrefix(key, domain.StageLargeFile) || strings.HasSuffix(key, ".json") {
				return nil
			}
			if err := sp.Process(ctx, key); err != nil {
				mErrors.Inc()
				logger.Error("split failed", "key", key, "err", err, "retry", d.Retries)
				return err
			}
			mJobs.Inc()
			return nil
		})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("splitter started", "pages_per_chunk", cfg.PagesPerChunk)
	<-ctx.Done()
	logger.Info("splitter shutting down")
	return nil
}
