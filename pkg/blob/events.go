package blob

import (
	"context"
	"strings"
)

// CreatedEvent is published after every successful Put or Copy.
type CreatedEvent struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// FailurePayload wraps the original event when a worker invocation dies
// (timeout, out of memory). It mirrors a Lambda failure destination: the
// failure router consumes these.
type FailurePayload struct {
	RequestPayload CreatedEvent `json:"requestPayload"`
	ErrorType      string       `json:"errorType"`
	ErrorMessage   string       `json:"errorMessage"`
}

// Notifier receives the created event after a write lands.
type Notifier func(ctx context.Context, ev CreatedEvent)

// SubjectForKey maps an object key to its stage event subject, e.g.
// "Stage1_Pending/acme.pdf" → "bills.created.stage1_pending". Keys outside a
// stage prefix map to "bills.created.other".
func SubjectForKey(key string) string {
	seg, _, ok := strings.Cut(key, "/")
	if !ok || seg == "" {
		return "bills.created.other"
	}
	return "bills.created." + strings.ToLower(seg)
}

// SubjectForPrefix is SubjectForKey for a stage prefix ("Stage1_Pending/").
func SubjectForPrefix(prefix string) string {
	return SubjectForKey(prefix + "_")
}

// FailureSubject receives FailurePayload messages from dying parser
// invocations.
const FailureSubject = "bills.failures.parser"

// DLQSubject receives messages that exhausted their consumer retries.
const DLQSubject = "bills.dlq"
