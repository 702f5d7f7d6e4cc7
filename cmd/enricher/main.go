// Command enricher joins Stage 3 extraction files against the dimension
// snapshots and writes Stage 4 enriched files.
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

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/engine/enrich"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/gemini"
	"github.com/craigbeachjrk/billpipe/pkg/keypool"
	"github.com/craigbeachjrk/billpipe/pkg/metrics"
	"github.com/craigbeachjrk/billpipe/pkg/natsutil"
)

var met = metrics.New()

var (
	mEnriched = met.Counter("billpipe_enricher_files_total", "Files enriched")
	mErrors   = met.Counter("billpipe_enricher_errors_total", "Enrichment errors")
)

type config struct {
	NATSURL           string
	Bucket            string
	MatcherModel      string
	MatcherSecretName string
	MetricsPort       int
}

func loadConfig() config {
	return config{
		NATSURL:           envOr("NATS_URL", nats.DefaultURL),
		Bucket:            envOr("BILLS_BUCKET", "bills"),
		MatcherModel:      envOr("ENRICH_MODEL", "gemini-1.5-flash"),
		MatcherSecretName: envOr("MATCHER_SECRET_NAME", "gemini/matcher-keys"),
		MetricsPort:       envInt("METRICS_PORT", 9107),
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
		logger.Error("enricher exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_enricher", 15*time.Second)
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

	// The matcher pool is optional: without keys the enricher still does
	// exact normalized matching.
	var matcher *enrich.Matcher
	if keys, err := keypool.Load(ctx, keypool.EnvSource{}, cfg.MatcherSecretName); err == nil {
		matcher = &enrich.Matcher{LLM: gemini.New(cfg.MatcherModel), Keys: keys}
	} else {
		logger.Warn("matcher keys unavailable, exact matching only", "err", err)
	}

	en := &enrich.Enricher{
		Store:   store,
		Dims:    enrich.NewDims(store),
		Matcher: matcher,
		Logger:  logger,
	}

	sub, err := natsutil.SubscribeQueue(nc, blob.SubjectForPrefix(domain.StageParsedOutputs),
		natsutil.ConsumerOpts{Queue: "enricher", MaxRetries: 3, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.CreatedEvent]) error {
			key := d.Msg.Key
			if !strings.HasPrefix(key, domain.StageParsedOutputs) || !strings.HasSuffix(key, ".jsonl") {
				return nil
			}
			if err := en.Process(ctx, key); err != nil {
				mErrors.Inc()
				logger.Error("enrichment failed", "key", key, "err", err, "retry", d.Retries)
				return err
			}
			mEnriched.Inc()
			return nil
		})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("enricher started", "matcher_model", cfg.MatcherModel, "matcher", matcher != nil)
	<-ctx.Done()
	logger.Info("enricher shutting down")
	return nil
}
