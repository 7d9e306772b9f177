package classify

import (
	"encoding/json"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/fn"
)

// Phrase is one validated phrase of a response.
type Phrase struct {
	Text     string
	Category domain.Category
}

// Response is a validated classifier reply, keyed by batch key. Every key of
// the batch is present; keys the model left out map to no phrases.
type Response struct {
	Results map[string][]Phrase
	// Truncated is set when the reply was cut off and closed after its last
	// complete value.
	Truncated bool
}

type rawPhrase struct {
	Text     *string `json:"text"`
	Category *string `json:"category"`
}

// Validate checks a raw model reply against the batch keys. Prose and code
// fences around the JSON are tolerated; category spelling is repaired. A reply
// cut off mid-object keeps everything up to its last complete value.
func Validate(reply string, keys []batchKey) fn.Result[Response] {
	obj, truncated, ok := firstObject(reply)
	if !ok {
		return fn.Err[Response](domain.NewSchemaError("", "no JSON object in reply"))
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &top); err != nil {
		return fn.Err[Response](domain.NewSchemaError("", "reply is not a JSON object: %v", err))
	}
	rawResults, ok := top["results"]
	if !ok {
		return fn.Err[Response](domain.NewSchemaError("", "missing top-level key %q", "results"))
	}
	var results map[string]json.RawMessage
	if err := json.Unmarshal(rawResults, &results); err != nil || results == nil {
		return fn.Err[Response](domain.NewSchemaError("", "results is not an object"))
	}

	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k.Key] = true
	}
	for k := range results {
		if !known[k] {
			return fn.Err[Response](domain.NewSchemaError(k, "key not in batch"))
		}
	}

	resp := Response{Results: make(map[string][]Phrase, len(keys)), Truncated: truncated}
	for _, k := range keys {
		raw, ok := results[k.Key]
		if !ok || string(raw) == "null" {
			resp.Results[k.Key] = nil
			continue
		}
		var items []rawPhrase
		if err := json.Unmarshal(raw, &items); err != nil {
			return fn.Err[Response](domain.NewSchemaError(k.Key, "phrases must be an array of objects"))
		}
		phrases := make([]Phrase, 0, len(items))
		for i, it := range items {
			if it.Text == nil || strings.TrimSpace(*it.Text) == "" {
				return fn.Err[Response](domain.NewSchemaError(k.Key, "phrase %d has no text", i))
			}
			if it.Category == nil {
				return fn.Err[Response](domain.NewSchemaError(k.Key, "phrase %d has no category", i))
			}
			cat, err := domain.ParseCategory(*it.Category)
			if err != nil {
				return fn.Err[Response](domain.NewSchemaError(k.Key, "phrase %d: unknown category %q", i, *it.Category))
			}
			phrases = append(phrases, Phrase{Text: strings.TrimSpace(*it.Text), Category: cat})
		}
		resp.Results[k.Key] = phrases
	}
	return fn.Ok(resp)
}

// firstObject returns the first balanced {...} in s. Brackets inside JSON
// strings are skipped. When s ends before the object closes, the text is cut
// after the last complete value and the open containers are closed, so a
// half-written phrase is dropped rather than kept.
func firstObject(s string) (obj string, truncated, ok bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false, false
	}
	var open []byte
	cut, cutDepth := -1, 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			open = append(open, c)
		case '}', ']':
			open = open[:len(open)-1]
			if len(open) == 0 {
				return s[start : i+1], false, true
			}
			// Nothing below this depth is popped again without a new cut.
			cut, cutDepth = i+1, len(open)
		}
	}
	if cut == -1 {
		return "", false, false
	}

	var sb strings.Builder
	sb.WriteString(s[start:cut])
	for i := cutDepth - 1; i >= 0; i-- {
		if open[i] == '{' {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String(), true, true
}
