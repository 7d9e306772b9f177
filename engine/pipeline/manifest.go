package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/fetcher"
	"github.com/WessleyAI/civiphrases/engine/records"
	"github.com/google/uuid"
)

// Version is reported in manifests and by the version command.
const Version = "0.1.0"

// Source identifiers used when records come from more than one selector.
const (
	SourceMixed    = "mixed"
	SourceMultiple = "multiple"
)

// SourceInfo describes where the stored records came from.
type SourceInfo struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// Statistics are the counts of one run.
type Statistics struct {
	ItemsStored  int            `json:"items_stored"`
	Fetch        *fetcher.Stats `json:"fetch,omitempty"`
	Build        *BuildReport   `json:"build,omitempty"`
	TotalPhrases int            `json:"total_phrases"`
}

// ModelInfo names the completion model used by a build.
type ModelInfo struct {
	Name    string `json:"name"`
	APIBase string `json:"api_base,omitempty"`
}

// Manifest is the run report written to state/manifest.json and published
// on NATS.
type Manifest struct {
	RunID         string         `json:"run_id"`
	Command       string         `json:"command"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        SourceInfo     `json:"source"`
	Statistics    Statistics     `json:"statistics"`
	ModelInfo     *ModelInfo     `json:"model_info,omitempty"`
	Configuration map[string]any `json:"configuration"`
	Version       string         `json:"version"`
}

// NewManifest starts a manifest for command with a fresh run id.
func NewManifest(command string, now time.Time) *Manifest {
	return &Manifest{
		RunID:         uuid.NewString(),
		Command:       command,
		Timestamp:     now.UTC(),
		Configuration: map[string]any{},
		Version:       Version,
	}
}

// DescribeSource summarises the provenance of every stored record: one
// selector gives its type and identifier, several of one type give
// "multiple", and several types give "mixed".
func DescribeSource(ctx context.Context, store records.Store) (SourceInfo, int, error) {
	all, err := store.All(ctx)
	if err != nil {
		return SourceInfo{}, 0, err
	}
	kinds := map[domain.SourceKind]bool{}
	ids := map[string]bool{}
	n := 0
	var last domain.Source
	for rec := range all {
		n++
		kinds[rec.Source.Kind] = true
		ids[rec.Source.Identifier] = true
		last = rec.Source
	}
	switch {
	case n == 0:
		return SourceInfo{}, 0, nil
	case len(kinds) > 1:
		return SourceInfo{Type: SourceMixed, Identifier: SourceMultiple}, n, nil
	case len(ids) > 1:
		return SourceInfo{Type: string(last.Kind), Identifier: SourceMultiple}, n, nil
	default:
		return SourceInfo{Type: string(last.Kind), Identifier: last.Identifier}, n, nil
	}
}

// WriteFile writes m as indented JSON, replacing path atomically.
func (m *Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("pipeline: write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads a manifest written by WriteFile.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pipeline: decode manifest: %w", err)
	}
	return &m, nil
}
