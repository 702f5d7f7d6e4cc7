// Command chunkworker parses individual PDF chunks from
// Stage1_LargeFile_Chunks/ and advances the job record.
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
	mChunks   = met.Counter("billpipe_chunkworker_chunks_total", "Chunks processed")
	mErrors   = met.Counter("billpipe_chunkworker_errors_total", "Chunk failures")
	mChunkDur = met.Histogram("billpipe_chunkworker_duration_seconds", "Per-chunk time", nil)
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
	Stagger       time.Duration
	MetricsPort   int
}

func loadConfig() config {
	stagger := 1500 * time.Millisecond
	if v := os.Getenv("CHUNK_STAGGER_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			stagger = time.Duration(f * float64(time.Second))
		}
	}
	return config{
		NATSURL:       envOr("NATS_URL", nats.DefaultURL),
		Bucket:        envOr("BILLS_BUCKET", "bills"),
		Model:         envOr("MODEL_NAME", "gemini-2.5-pro"),
		SecretName:    envOr("PARSER_SECRET_NAME", "gemini/parser-keys"),
		Schema:        envOr("BILL_SCHEMA", "utility"),
		MaxAttempts:   envInt("MAX_ATTEMPTS", 10),
		DropThreshold: envInt("MAX_DROPPED_ROWS_BEFORE_RETRY", 5),
		BaseBackoff:   time.Duration(envInt("BASE_BACKOFF_SECONDS", 2)) * time.Second,
		Stagger:       stagger,
		MetricsPort:   envInt("METRICS_PORT", 9104),
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
		logger.Error("chunkworker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("billpipe_chunkworker", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

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

	jobsTable, err := kvtab.NewJetStream(ctx, js, "bills-jobs")
	if err != nil {
		return err
	}
	errTable, err := kvtab.NewJetStream(ctx, js, "bills-errors")
	if err != nil {
		return err
	}

	proc := &chunk.Processor{
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
		Store:   store,
		Jobs:    &chunk.Jobs{Table: jobsTable},
		Errors:  errTable,
		Stagger: cfg.Stagger,
		Logger:  logger,
		OnJobComplete: func(ctx context.Context, jobID string) {
			if err := natsutil.Publish(ctx, nc, chunk.CheckSubject, chunk.CheckMessage{JobID: jobID}); err != nil {
				logger.Warn("job check publish failed", "job_id", jobID, "err", err)
			}
		},
	}

	sub, err := natsutil.SubscribeQueue(nc, blob.SubjectForPrefix(domain.StageChunks),
		natsutil.ConsumerOpts{Queue: "chunkworker", MaxRetries: 5, DLQSubject: blob.DLQSubject},
		func(ctx context.Context, d natsutil.Delivery[blob.CreatedEvent]) error {
			key := d.Msg.Key
			if !strings.HasPrefix(key, domain.StageChunks) || !strings.HasSuffix(key, ".pdf") {
				return nil
			}
			start := time.Now()
			err := proc.Process(ctx, key)
			mChunkDur.Since(start)
			if err != nil {
				mErrors.Inc()
				logger.Error("chunk failed", "key", key, "err", err, "retry", d.Retries)
				return err
			}
			mChunks.Inc()
			return nil
		})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.Info("chunkworker started", "model", cfg.Model, "stagger", cfg.Stagger, "keys", keys.Size())
	<-ctx.Done()
	logger.Info("chunkworker shutting down")
	return nil
}
