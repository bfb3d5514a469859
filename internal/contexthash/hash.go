// Package contexthash computes the stable 64-bit fingerprint used to detect
// topical shifts within a session.
//
// The digest covers a coarse shape of the query — not the full text — so
// paraphrases on the same topic normally hash identically while a modality
// switch ("write a function" → "transcribe this audio") does not. The hash
// function and its seed are fixed constants: the same input produces the same
// output on every process, which is what lets a Redis-backed session survive
// a restart.
package contexthash

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/salilkadam/inference-router/internal/usecase"
)

// topK is the number of longest non-stopword tokens kept from the query.
const topK = 8

const fieldSep = "\x1f"

// stopwords are dropped before token selection. Short function words carry
// no topical signal and churn between paraphrases.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "for": true,
	"from": true, "has": true, "have": true, "how": true, "i": true,
	"in": true, "is": true, "it": true, "me": true, "my": true, "now": true,
	"of": true, "on": true, "or": true, "please": true, "so": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "when": true, "which": true, "will": true, "with": true,
	"you": true, "your": true,
}

// Hash returns the context fingerprint for one request.
func Hash(query string, mod usecase.Modality, context map[string]string) uint64 {
	tokens := shapeTokens(query)

	var b strings.Builder
	b.Grow(128)
	for _, t := range tokens {
		b.WriteString(t)
		b.WriteString(fieldSep)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(context[k])
			b.WriteString(fieldSep)
		}
	}

	b.WriteString(string(mod))

	return xxhash.Sum64String(b.String())
}

// shapeTokens reduces a query to its coarse shape: lowercased, whitespace
// tokenized, stopwords removed, deduped, top-K by length, then sorted so the
// result is order independent.
func shapeTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:'\"()[]{}")
		if f == "" || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}

	// Longest first; equal lengths break lexicographically so selection is
	// deterministic.
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > topK {
		tokens = tokens[:topK]
	}

	sort.Strings(tokens)
	return tokens
}
