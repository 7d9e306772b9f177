package fetcher

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
)

// metaKeys are the generation parameters copied into SourceRecord.Meta,
// keyed by output name with the API spellings to try in order.
var metaKeys = []struct {
	out  string
	keys []string
}{
	{"model", []string{"Model", "model"}},
	{"sampler", []string{"Sampler", "sampler"}},
	{"seed", []string{"Seed", "seed"}},
	{"steps", []string{"steps", "Steps"}},
	{"cfg_scale", []string{"cfgScale", "CFG scale"}},
	{"size", []string{"Size", "size"}},
	{"clip_skip", []string{"clipSkip", "Clip skip"}},
}

// extracted is a raw item reduced to what the fetcher needs.
type extracted struct {
	record domain.SourceRecord
	nsfw   bool
}

// extract parses one raw API item. Collection items wrap the image under
// "data"; meta may arrive as an object or as a JSON-encoded string.
func extract(raw json.RawMessage, src domain.Source) (extracted, error) {
	var item map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil {
		return extracted{}, fmt.Errorf("decode item: %w", err)
	}
	if data, ok := item["data"].(map[string]any); ok {
		item = data
	}

	meta := metaOf(item["meta"])
	rec := domain.SourceRecord{
		ItemID:   itemID(item, raw),
		Source:   src,
		Positive: firstString(meta, "prompt", "positivePrompt"),
		Negative: firstString(meta, "negativePrompt", "negative"),
		Created:  firstString(item, "createdAt", "publishedAt"),
	}

	kept := map[string]any{}
	for _, mk := range metaKeys {
		if v, ok := firstValue(meta, mk.keys...); ok {
			if mk.out == "seed" {
				v = stringify(v)
			}
			kept[mk.out] = v
		}
	}
	if len(kept) > 0 {
		rec.Meta = kept
	}

	img := &domain.Image{
		URL:     firstString(item, "url"),
		Title:   firstString(item, "name", "title"),
		Model:   stringify(kept["model"]),
		Created: rec.Created,
	}
	if *img != (domain.Image{}) {
		rec.Image = img
	}

	return extracted{record: rec.WithChecksum(), nsfw: isNSFW(item["nsfw"])}, nil
}

func metaOf(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case string:
		var out map[string]any
		dec := json.NewDecoder(strings.NewReader(m))
		dec.UseNumber()
		if dec.Decode(&out) == nil {
			return out
		}
	}
	return map[string]any{}
}

// itemID prefers the API id and falls back to a content hash.
func itemID(item map[string]any, raw json.RawMessage) string {
	if id := stringify(item["id"]); id != "" {
		return id
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// isNSFW treats true, non-"None" level strings, and non-zero numbers as NSFW.
func isNSFW(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s != "" && s != "none" && s != "false"
	case json.Number:
		return x.String() != "0"
	}
	return false
}

func firstValue(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringify(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
