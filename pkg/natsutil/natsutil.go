// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation and retry/DLQ support for the pipeline
// workers.
package natsutil

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryCountHeader carries the delivery attempt count across re-publishes.
const RetryCountHeader = "X-Retry-Count"

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return nc.PublishMsg(msg)
}

// Delivery is the envelope handed to subscribers: the decoded message plus
// the retry count extracted from headers.
type Delivery[T any] struct {
	Msg     T
	Retries int
}

// Handler processes one delivery. A non-nil error requeues the message (or
// dead-letters it once MaxRetries is reached).
type Handler[T any] func(ctx context.Context, d Delivery[T]) error

// ConsumerOpts configures SubscribeQueue retry behavior.
type ConsumerOpts struct {
	// Queue is the queue group name; all workers of one kind share it so a
	// message is delivered to exactly one of them.
	Queue string
	// MaxRetries before the message is sent to DLQSubject.
	MaxRetries int
	// DLQSubject receives messages that exhausted their retries. Empty
	// disables dead-lettering (failures are dropped after logging by caller).
	DLQSubject string
}

// DLQEnvelope wraps a dead-lettered message with its final error.
type DLQEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Retries int             `json:"retries"`
}

// publisher is the slice of nats.Conn the consume path needs; tests swap in
// a recording fake.
type publisher interface {
	Publish(subject string, data []byte) error
	PublishMsg(m *nats.Msg) error
}

// RetryCount reads the delivery attempt count from a message's headers.
func RetryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, _ := strconv.Atoi(msg.Header.Get(RetryCountHeader))
	return n
}

// consume runs the handler for one raw message and applies the retry/DLQ
// policy: handler error → re-publish with an incremented retry count, or
// dead-letter once opts.MaxRetries is exhausted. Malformed payloads drop.
func consume[T any](pub publisher, subject string, opts ConsumerOpts, handler Handler[T], msg *nats.Msg) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return // drop malformed messages
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
	retries := RetryCount(msg)

	err := handler(ctx, Delivery[T]{Msg: v, Retries: retries})
	if err == nil {
		return
	}

	retries++
	if retries >= opts.MaxRetries {
		if opts.DLQSubject != "" {
			env := DLQEnvelope{Data: msg.Data, Error: err.Error(), Retries: retries}
			if data, merr := json.Marshal(env); merr == nil {
				_ = pub.Publish(opts.DLQSubject, data)
			}
		}
		return
	}
	retry := nats.NewMsg(subject)
	retry.Data = msg.Data
	retry.Header = nats.Header{}
	retry.Header.Set(RetryCountHeader, strconv.Itoa(retries))
	_ = pub.PublishMsg(retry)
}

// SubscribeQueue registers a queue-group handler that deserializes JSON
// messages of type T. Trace context is extracted from message headers; the
// retry/DLQ policy of consume applies.
func SubscribeQueue[T any](nc *nats.Conn, subject string, opts ConsumerOpts, handler Handler[T]) (*nats.Subscription, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	cb := func(msg *nats.Msg) {
		consume(nc, subject, opts, handler, msg)
	}
	if opts.Queue != "" {
		return nc.QueueSubscribe(subject, opts.Queue, cb)
	}
	return nc.Subscribe(subject, cb)
}
