// Command parser runs standard-path extraction: whole PDFs from
// Stage1_Standard/ through the LLM into Stage 3 NDJSON.
package main

import (
	"context"
	"fmt"
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
	"github.com/craigbeachjrk/billpipe/engine/extract"
	"github.com/craigbeachjrk/billpipe/pkg/blob"
	"github.com/craigbeachjrk/billpipe/pkg/gemini"
	"github.com/craigbeachjrk/billpipe/pkg/keypool"
	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
	"github.com/craigbeachjrk/billpipe/pkg/metrics"
	"github.com/craigbeachjrk/billpipe/pkg/natsutil"
)

var met = metrics.New()

var (
	mParsed    = met.Counter("billpipe_parser_parsed_total", "PDFs parsed")
	mFailed    = met.Counter("billpipe_parser_failed_total", "PDFs parked in Failed/")
	mEscalated = met.Counter("billpipe_parser_escalated_total", "Invocations routed to failure destination")
	mParseDur  = met.Histogram("billpipe_parser_duration_seconds", "Per-PDF parse time", nil)
)

type config struct {
	NATSURL       string
	Bucket        string
	Model         string
	SecretName    string
	Schema        string
	MaxAttempts   int
	DropThreshold int
	BaseBackoff   time.Duration
	InvokeTimeout time.Duration
	MetricsPort   int
}

func loadConfig() config {
	return config{
		NATSURL:       envOr("NATS_URL", nats.DefaultURL),
		Bucket:        envOr("BILLS_BUCKET", "bills"),
		Model:         envOr("MODEL_NAME", "gemini-2.5-pro"),
		SecretName:    envOr("PARSER_SECRET_NAME", "gemini/parser-keys"),
		Schema:        envOr("BILL_SCHEMA", "utility"),
		MaxAttempts:   envInt("MAX_ATTEMPTS", 10),
		DropThreshold: envInt("MAX_DROPPED_ROWS_BEFORE_RETRY", 5),
		BaseBackoff:   time.Duration(envInt("BASE_BACKOFF_SECONDS", 2)) * time.Second,
		InvokeTimeout: time.Duration(envInt("INVOKE_TIMEOUT_SECONDS", 840)) * time.Second,
		MetricsPort:   envInt("METRICS_PORT", 9102),
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
		logger.Error("parser exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_parser", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	// Missing keys are a configuration failure: fail fast at cold start.
	keys, err := keypool.Load(ctx, keypool.EnvSource{}, cfg.SecretName)
	if err != nil {
		return err
	}

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

	parser := &extract.StandardParser{
		Engine: extract.Engine{
			LLM:    gemini.New(cfg.Model),
			Keys:   keys,
			Schema: schemaByName(cfg.Schema),
			Cfg: extract.Config{
				MaxAttempts:   cfg.MaxAttempts,
				DropThreshold: cfg.DropThreshold,
				BaseBackoff:   cfg.BaseBackoff,
			},
		},
		Store:  store,
		Errors: errTable,
		Log:    logger,
	}

	sub, err := natsutil.SubscribeQueue(nc, blob.SubjectForPrefix(domain.StageStandard),
		natsutil.ConsumerOpts{Queue: "parser", MaxRetries: 3, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.CreatedEvent]) error {
			key := d.Msg.Key
			if !strings.HasPrefix(key, domain.StageStandard) || strings.HasSuffix(key, ".json") {
				return nil
			}
			return invoke(ctx, nc, parser, cfg, logger, d.Msg)
		})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("parser started", "model", cfg.Model, "schema", cfg.Schema, "keys", keys.Size())
	<-ctx.Done()
	logger.Info("parser shutting down")
	return nil
}

// invoke runs one parse under the invocation deadline. A blown deadline or a
// panic is delivered to the failure router as a failure-destination payload,
// the way a platform runtime would report a dead invocation.
func invoke(ctx context.Context, nc *nats.Conn, parser *extract.StandardParser, cfg config, logger *slog.Logger, ev blob.CreatedEvent) (err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.InvokeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			sendFailure(nc, logger, ev, "Panic", fmt.Sprintf("%v", r))
			err = nil
		}
	}()

	start := time.Now()
	err = parser.Process(ctx, ev.Key)
	mParseDur.Since(start)

	switch {
	case err == nil:
		mParsed.Inc()
		return nil
	case ctx.Err() != nil:
		mEscalated.Inc()
		sendFailure(nc, logger, ev, "InvocationTimeout", err.Error())
		return nil
	default:
		mFailed.Inc()
		logger.Error("parse failed", "key", ev.Key, "err", err)
		return err
	}
}

func sendFailure(nc *nats.Conn, logger *slog.Logger, ev blob.CreatedEvent, errType, errMsg string) {
	payload := blob.FailurePayload{RequestPayload: ev, ErrorType: errType, ErrorMessage: errMsg}
	if err := natsutil.Publish(context.Background(), nc, blob.FailureSubject, payload); err != nil {
		logger.Error("failure destination publish failed", "key", ev.Key, "err", err)
	}
}
