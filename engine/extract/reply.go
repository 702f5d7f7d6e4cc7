// Package extract implements the LLM extraction engine: a generic
// "pipe-delimited reply → validate → salvage → records" pipeline
// parameterized over a column schema, used by both the standard parser and
// the chunk processor.
package extract

import (
	"strings"

	"github.com/craigbeachjrk/billpipe/engine/domain"
)

// EmptyToken is the literal reply meaning "no line items on this document".
const EmptyToken = "EMPTY"

// replyGlyphs maps alternate pipe characters and stray unicode separators the
// model occasionally emits onto plain ASCII.
var replyGlyphs = strings.NewReplacer(
	"¦", "|",
	"｜", "|",
	"│", "|",
	"┃", "|",
	" ", " ",
)

// NormalizeReply canonicalizes the raw model reply: glyph substitution and
// per-line trimming.
func NormalizeReply(text string) string {
	text = replyGlyphs.Replace(text)
	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSpace(ln)
	}
	return strings.Join(lines, "\n")
}

// CleanseField strips pipes and line breaks from a field value and collapses
// runs of whitespace.
func CleanseField(v string) string {
	if v == "" {
		return ""
	}
	v = strings.NewReplacer("|", "-", "\n", " ", "\r", " ").Replace(v)
	return strings.Join(strings.Fields(v), " ")
}

// NormalizeRow coerces a split row to the schema's column count. Too few
// fields are padded with empties. Too many fields mean a pipe leaked into the
// description column: the excess is re-joined there with " - ". Every field
// is cleansed.
func NormalizeRow(parts []string, schema domain.Schema) []string {
	want := len(schema.Columns)
	out := make([]string, 0, want)
	for _, p := range parts {
		out = append(out, CleanseField(p))
	}

	if len(out) == want {
		return out
	}

	if len(out) > want {
		di := schema.DescriptionIndex
		extra := len(out) - want
		normalized := make([]string, 0, want)
		normalized = append(normalized, out[:di]...)
		normalized = append(normalized, strings.Join(out[di:di+extra+1], " - "))
		normalized = append(normalized, out[di+extra+1:]...)
		if len(normalized) < want {
			normalized = append(normalized, make([]string, want-len(normalized))...)
		} else if len(normalized) > want {
			normalized = normalized[:want]
		}
		return normalized
	}

	for len(out) < want {
		out = append(out, "")
	}
	return out
}

// ParseReply splits a model reply into schema-width rows. Lines without any
// pipe are not rows and count as dropped (prose, markdown fences); rows with
// the wrong column count are salvaged by NormalizeRow. empty reports the
// literal EMPTY reply.
func ParseReply(text string, schema domain.Schema) (rows [][]string, dropped int, empty bool) {
	norm := NormalizeReply(text)
	if strings.EqualFold(strings.TrimSpace(norm), EmptyToken) {
		return nil, 0, true
	}
	for _, line := range strings.Split(norm, "\n") {
		if line == "" {
			continue
		}
		if !strings.Contains(line, "|") {
			dropped++
			continue
		}
		parts := strings.Split(line, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		rows = append(rows, NormalizeRow(parts, schema))
	}
	return rows, dropped, false
}
