// Command router classifies PDFs landing in Stage1_Pending/ onto the
// standard or large-file path.
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
	"github.com/craigbeachjrk/billpipe/engine/router"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
	"github.com/craigbeachjrk/billpipe/pkg/metrics"
	"github.com/craigbeachjrk/billpipe/pkg/natsutil"
)

var met = metrics.New()

var (
	mProcessed = met.Counter("billpipe_router_processed_total", "PDFs routed")
	mErrors    = met.Counter("billpipe_router_errors_total", "Routing errors")
)

type config struct {
	NATSURL     string
	Bucket      string
	MaxPages    int
	MaxSizeMB   int
	MetricsPort int
}

func loadConfig() config {
	return config{
		NATSURL:     envOr("NATS_URL", nats.DefaultURL),
		Bucket:      envOr("BILLS_BUCKET", "bills"),
		MaxPages:    envInt("MAX_PAGES_STANDARD", 10),
		MaxSizeMB:   envInt("MAX_SIZE_MB_STANDARD", 10),
		MetricsPort: envInt("METRICS_PORT", 9101),
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
		logger.Error("router exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_router", 15*time.Second)
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

	routeLog, err := kvtab.NewJetStream(ctx, js, "bills-router-log")
	if err != nil {
		return err
	}

	rt := &router.Router{
		Store:     store,
		RouteLog:  routeLog,
		MaxPages:  cfg.MaxPages,
		MaxSizeMB: cfg.MaxSizeMB,
		Logger:    logger,
	}

	sub, err := natsutil.SubscribeQueue(nc, blob.SubjectForPrefix(domain.StagePending),
		natsutil.ConsumerOpts{Queue: "router", MaxRetries: 3, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.CreatedEvent]) error {
			key := d.Msg.Key
			if !strings.HasPrefix(key, domain.StagePending) || strings.HasSuffix(key, ".json") {
				return nil // sidecars ride along with their PDF
			}
			if err := rt.Process(ctx, key); err != nil {
				mErrors.Inc()
				logger.Error("routing failed", "key", key, "err", err, "retry", d.Retries)
				return err
			}
			mProcessed.Inc()
			return nil
		})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("router started", "bucket", cfg.Bucket, "max_pages", cfg.MaxPages, "max_size_mb", cfg.MaxSizeMB)
	<-ctx.Done()
	logger.Info("router shutting down")
	return nil
}
