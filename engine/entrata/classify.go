// Package entrata posts validated invoice batches to the Entrata accounting
// API, classifies responses with duplicate awareness, and escalates invoice
// numbers past the API's duplicate-invoice guard.
package entrata

import (
	"encoding/json"
	"strings"
)

// Classification statuses.
const (
	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
	StatusEmpty     = "empty_response"
)

// duplicateTokens mark a duplicate-invoice rejection anywhere in
// status+message. They are checked BEFORE the generic error status because
// some tenants return status="error" with message="duplicate invoice";
// inverting the order silently disables suffix escalation.
var duplicateTokens = []string{"duplicate", "already exists", "already posted", "invoice exists"}

// PostSucceeded classifies a raw Entrata response body. ok is true only for
// a clean success; status is one of the classification statuses (or the
// tenant's error status verbatim).
func PostSucceeded(respText string) (ok bool, status string) {
	t := strings.TrimSpace(respText)
	if t == "" {
		return false, StatusEmpty
	}

	var j map[string]any
	if err := json.Unmarshal([]byte(t), &j); err == nil {
		resp := j
		if inner, k := j["response"].(map[string]any); k {
			resp = inner
		}
		res := resp
		if inner, k := resp["result"].(map[string]any); k {
			res = inner
		}
		st := strings.ToLower(stringField(res, "status"))
		if st == "" {
			st = strings.ToLower(stringField(resp, "status"))
		}
		msg := strings.ToLower(stringField(res, "message"))
		if msg == "" {
			msg = strings.ToLower(stringField(resp, "message"))
		}

		statusMsg := st + " " + msg
		for _, tok := range duplicateTokens {
			if strings.Contains(statusMsg, tok) {
				return false, StatusDuplicate
			}
		}
		switch st {
		case "error", "fail", "failed":
			return false, st
		case "ok", "success":
			return true, st
		}
	}

	low := strings.ToLower(t)
	if strings.Contains(low, "duplicate") || strings.Contains(low, "already") {
		return false, StatusDuplicate
	}
	for _, tok := range []string{"error", "failed", "failure"} {
		if strings.Contains(low, tok) {
			return false, StatusError
		}
	}
	return true, StatusOK
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, _ := json.Marshal(v)
	return string(data)
}
