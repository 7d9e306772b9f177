package classify

import (
	"encoding/json"
	"strings"

	"github.com/WessleyAI/civiphrases/engine/domain"
)

// SystemPrompt fixes the task and the response schema.
const SystemPrompt = `You are a phrase classifier. Split Stable Diffusion prompts into phrases and classify each phrase.

CRITICAL: Output ONLY valid JSON. No text before or after the JSON. No explanations.

Input: a JSON object {"units": [{"key": "...", "text": "..."}]}.

Task:
1) Split each unit's text into natural phrases (usually 2-6 words)
2) Classify each phrase into exactly one category:
   - subjects: people, creatures, objects, characters, props
   - styles: art movements, render engines, mediums, franchises
   - aesthetics: lighting, mood, colors, atmosphere
   - techniques: camera terms, composition, lens settings
   - quality_boosters: "masterpiece", "best quality", "highly detailed"
   - negatives: "blurry", "extra fingers", "bad anatomy"
   - modifiers: "intricate", "minimalist", "cute"

Output format (JSON ONLY), one entry per input key:
{
  "results": {
    "<key>": [
      {"text": "a beautiful girl", "category": "subjects"},
      {"text": "cinematic lighting", "category": "aesthetics"}
    ]
  }
}

Rules:
- Use the input keys exactly as given
- Output ONLY the JSON object above
- No commentary, reasoning, or explanations
- Ensure the JSON is complete and properly closed`

// stricterSuffix is appended to the system prompt when a reply fails validation.
const stricterSuffix = `

Your previous reply was rejected because it did not match the schema.
Reply with a single JSON object whose only top-level key is "results".
Every key inside "results" must be one of the input keys. Every phrase must
have a non-empty "text" and a "category" from the list above. Nothing else.`

type payloadUnit struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

type payload struct {
	Units []payloadUnit `json:"units"`
}

// batchKey is a key of one batch with the unit identity it stands for.
type batchKey struct {
	Key      string
	ItemID   string
	Polarity domain.Polarity
}

// buildPayload renders the user message for a batch. Units sharing a key
// (chunks of one long prompt) are joined with a single space; each chunk still
// ends on its own delimiter, so no phrase boundary is added. Keys keep
// first-seen order.
func buildPayload(units []domain.Unit) (string, []batchKey) {
	var keys []batchKey
	texts := map[string][]string{}
	for _, u := range units {
		k := u.Key()
		if _, seen := texts[k]; !seen {
			keys = append(keys, batchKey{Key: k, ItemID: u.ItemID, Polarity: u.Polarity})
		}
		texts[k] = append(texts[k], strings.TrimSpace(u.Text))
	}

	p := payload{Units: make([]payloadUnit, 0, len(keys))}
	for _, k := range keys {
		p.Units = append(p.Units, payloadUnit{Key: k.Key, Text: strings.Join(texts[k.Key], " ")})
	}
	b, _ := json.Marshal(p)
	return string(b), keys
}
