package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/fetcher"
	"github.com/WessleyAI/civiphrases/engine/records"
	"github.com/WessleyAI/civiphrases/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource serves one page of images whose prompts are "prompt <id>".
type staticSource struct {
	ids []int
}

func (s staticSource) Images(_ context.Context, _ string, page, _ int, _ bool) (fetcher.Page, error) {
	var p fetcher.Page
	if page > 1 {
		return p, nil
	}
	for _, id := range s.ids {
		raw, _ := json.Marshal(map[string]any{
			"id":   id,
			"meta": map[string]any{"prompt": fmt.Sprintf("prompt %d", id)},
		})
		p.Items = append(p.Items, raw)
	}
	return p, nil
}

func (staticSource) Collection(context.Context, string) error { return nil }

func (staticSource) CollectionItems(context.Context, string, int, int) (fetcher.Page, error) {
	return fetcher.Page{}, nil
}

func newStore(t *testing.T) (records.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.jsonl")
	s, err := records.OpenJSONL(path, nil)
	require.NoError(t, err)
	return s, path
}

func fetcherFor(src fetcher.Source) func(records.Store) *fetcher.Fetcher {
	return func(s records.Store) *fetcher.Fetcher {
		return fetcher.New(src, s, fetcher.WithPacer(resilience.NewPacer(0)))
	}
}

var alice = domain.Selector{Kind: domain.SourceUser, ID: "alice"}

func TestFetchWritesStore(t *testing.T) {
	store, _ := newStore(t)
	stats, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{1, 2, 3}}), alice, FetchOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.New)

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFetchDryRunLeavesStoreUntouched(t *testing.T) {
	store, path := newStore(t)
	_, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{1, 2}}), alice, FetchOptions{}, nil)
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	stats, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{1, 2, 3}}), alice, FetchOptions{DryRun: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New, "counts are computed against the existing records")
	assert.Equal(t, 2, stats.Unchanged)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestFetchReplace(t *testing.T) {
	store, _ := newStore(t)
	_, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{1, 2}}), alice, FetchOptions{}, nil)
	require.NoError(t, err)

	stats, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{3}}), alice, FetchOptions{Replace: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)

	_, found, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, found)
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFetchDryRunReplaceCountsEverythingNew(t *testing.T) {
	store, _ := newStore(t)
	_, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{1}}), alice, FetchOptions{}, nil)
	require.NoError(t, err)

	stats, err := Fetch(context.Background(), store, fetcherFor(staticSource{ids: []int{1, 2}}), alice, FetchOptions{DryRun: true, Replace: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.New)

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFetchInvalidSelector(t *testing.T) {
	store, _ := newStore(t)
	_, err := Fetch(context.Background(), store, fetcherFor(staticSource{}), domain.Selector{}, FetchOptions{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSelector)
}
