package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/craigbeachjrk/billpipe/engine/domain"
	"github.com/craigbeachjrk/billpipe/pkg/fn"
	"github.com/craigbeachjrk/billpipe/pkg/gemini"
	"github.com/craigbeachjrk/billpipe/pkg/keypool"
)

// Engine runs the shared extraction loop: prompt, call the model, validate
// and salvage rows, retry with key rotation and backoff. The standard parser
// and the chunk processor differ only in the prompt options and in what they
// do with the outcome.
type Engine struct {
	LLM    Generator
	Keys   *keypool.Pool
	Schema domain.Schema
	Cfg    Config
}

// Extract runs the retry loop over one PDF (or one chunk). Schema failures
// feed a self-correction excerpt of the prior reply into the next prompt.
func (e *Engine) Extract(ctx context.Context, pdf []byte, base PromptOpts) (Outcome, error) {
	var out Outcome
	prevReply := ""
	lastSchemaFail := false

	result := fn.RetryEach(ctx, fn.RetryOpts{
		MaxAttempts: e.Cfg.MaxAttempts,
		InitialWait: e.Cfg.BaseBackoff,
		MaxWait:     60 * time.Second,
		Jitter:      true,
		Permanent:   func(err error) bool { return !domain.Recoverable(err) },
	}, func(ctx context.Context, attempt int) fn.Result[Outcome] {
		apiKey := e.Keys.KeyFor(attempt)
		opts := base
		if lastSchemaFail {
			opts.PrevReply = prevReply
		}
		reply, err := e.LLM.GenerateContent(ctx, apiKey, BuildPrompt(e.Schema, opts), pdf)
		if err != nil {
			var rl *gemini.RateLimitError
			if errors.As(err, &rl) {
				return fn.Err[Outcome](domain.NewError(domain.KindRateLimit, "extract", err))
			}
			return fn.Err[Outcome](domain.NewError(domain.KindOf(err), "extract", err))
		}

		prevReply = reply
		rows, dropped, empty := ParseReply(reply, e.Schema)
		out = Outcome{Rows: rows, Empty: empty, LastReply: reply, Attempts: attempt + 1}
		if empty {
			return fn.Ok(out)
		}
		if dropped > e.Cfg.DropThreshold || len(rows) == 0 {
			lastSchemaFail = true
			return fn.Err[Outcome](domain.NewError(domain.KindSchema, "extract",
				fmt.Errorf("dropped %d rows, kept %d", dropped, len(rows))))
		}
		lastSchemaFail = false
		return fn.Ok(out)
	})

	v, err := result.Unwrap()
	if err != nil {
		out.LastReply = prevReply
		return out, domain.NewError(domain.KindExhausted, "extract", err)
	}
	return v, nil
}
