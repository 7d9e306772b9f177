package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/fetcher"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeSource(t *testing.T) {
	user := func(id, who string) domain.SourceRecord {
		return domain.SourceRecord{ItemID: id, Source: domain.Source{Kind: domain.SourceUser, Identifier: who}, Positive: "p" + id}
	}
	coll := func(id, c string) domain.SourceRecord {
		return domain.SourceRecord{ItemID: id, Source: domain.Source{Kind: domain.SourceCollection, Identifier: c}, Positive: "p" + id}
	}

	cases := []struct {
		name string
		recs []domain.SourceRecord
		want SourceInfo
	}{
		{"empty", nil, SourceInfo{}},
		{"single user", []domain.SourceRecord{user("1", "alice"), user("2", "alice")}, SourceInfo{Type: "user", Identifier: "alice"}},
		{"two users", []domain.SourceRecord{user("1", "alice"), user("2", "bob")}, SourceInfo{Type: "user", Identifier: SourceMultiple}},
		{"mixed", []domain.SourceRecord{user("1", "alice"), coll("2", "77")}, SourceInfo{Type: SourceMixed, Identifier: SourceMultiple}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newStore(t)
			for _, r := range tc.recs {
				_, err := store.Upsert(context.Background(), r)
				require.NoError(t, err)
			}
			got, n, err := DescribeSource(context.Background(), store)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.recs), n)
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	m := NewManifest("build", now)
	_, err := uuid.Parse(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, Version, m.Version)

	m.Source = SourceInfo{Type: "user", Identifier: "alice"}
	m.Statistics = Statistics{
		ItemsStored:  3,
		Fetch:        &fetcher.Stats{Fetched: 3, New: 3},
		Build:        &BuildReport{Items: 3, BatchesOK: 1, Phrases: 4, Model: "echo-1"},
		TotalPhrases: 4,
	}
	m.ModelInfo = &ModelInfo{Name: "echo-1", APIBase: "http://127.0.0.1:5001/v1"}
	m.Configuration["batch_size"] = float64(10)

	path := filepath.Join(t.TempDir(), "state", "manifest.json")
	require.NoError(t, m.WriteFile(path))
	got, err := ReadManifest(path)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("manifest mismatch (-written +read):\n%s", diff)
	}
	assert.NoFileExists(t, path+".tmp")
}

func TestReadManifestMissing(t *testing.T) {
	_, err := ReadManifest(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
