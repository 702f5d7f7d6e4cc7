// Command failrouter consumes parser failure-destination payloads and
// escalates the affected PDFs to the chunked path (or parks repeat
// offenders in Failed/).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/craigbeachjrk/billpipe/engine/router"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
	"github.com/craigbeachjrk/billpipe/pkg/metrics"
	"github.com/craigbeachjrk/billpipe/pkg/natsutil"
)

var met = metrics.New()

var (
	mEscalated = met.Counter("billpipe_failrouter_escalated_total", "Failures escalated")
	mErrors    = met.Counter("billpipe_failrouter_errors_total", "Escalation errors")
)

type config struct {
	NATSURL     string
	Bucket      string
	MetricsPort int
}

func loadConfig() config {
	return config{
		NATSURL:     envOr("NATS_URL", nats.DefaultURL),
		Bucket:      envOr("BILLS_BUCKET", "bills"),
		MetricsPort: envInt("METRICS_PORT", 9106),
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
		logger.Error("failrouter exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_failrouter", 15*time.Second)
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

	errTable, err := kvtab.NewJetStream(ctx, js, "bills-errors")
	if err != nil {
		return err
	}

	fr := &router.FailureRouter{
		Store:  store,
		Errors: errTable,
		Logger: logger,
	}

	sub, err := natsutil.SubscribeQueue(nc, blob.FailureSubject,
		natsutil.ConsumerOpts{Queue: "failrouter", MaxRetries: 3, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.FailurePayload]) error {
			if err := fr.Process(ctx, d.Msg); err != nil {
				mErrors.Inc()
				logger.Error("failure escalation failed", "key", d.Msg.RequestPayload.Key, "err", err)
				return err
			}
			mEscalated.Inc()
			return nil
		})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("failrouter started")
	<-ctx.Done()
	logger.Info("failrouter shutting down")
	return nil
}
