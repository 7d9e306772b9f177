package records

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/pkg/sqlstore"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func rec(id, pos, neg string) domain.SourceRecord {
	return domain.SourceRecord{
		ItemID:   id,
		Source:   domain.Source{Kind: domain.SourceUser, Identifier: "artist"},
		Positive: pos,
		Negative: neg,
		Created:  "2024-05-01T10:00:00Z",
		Meta:     map[string]any{"sampler": "Euler a"},
	}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"jsonl", func(t *testing.T) Store {
			s, err := OpenJSONL(filepath.Join(t.TempDir(), "items.jsonl"), nil)
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			db, err := sqlstore.Open(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			s, err := NewSQLite(context.Background(), db)
			require.NoError(t, err)
			return s
		}},
	}
}

func ids(t *testing.T, s Store) []string {
	t.Helper()
	seq, err := s.All(context.Background())
	require.NoError(t, err)
	var out []string
	for r := range seq {
		out = append(out, r.ItemID)
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			out, err := s.Upsert(ctx, rec("1", "castle, night", "blurry"))
			require.NoError(t, err)
			assert.Equal(t, Inserted, out)

			out, err = s.Upsert(ctx, rec("2", "forest", ""))
			require.NoError(t, err)
			assert.Equal(t, Inserted, out)

			out, err = s.Upsert(ctx, rec("1", "castle, night", "blurry"))
			require.NoError(t, err)
			assert.Equal(t, Unchanged, out)

			out, err = s.Upsert(ctx, rec("1", "castle, dawn", "blurry"))
			require.NoError(t, err)
			assert.Equal(t, Updated, out)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, []string{"1", "2"}, ids(t, s), "update keeps first-insert order")

			got, ok, err := s.Get(ctx, "1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "castle, dawn", got.Positive)
			assert.Equal(t, domain.Checksum("castle, dawn", "blurry"), got.Checksum)

			_, ok, err = s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Reset(ctx))
			n, err = s.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStoreAllIsRestartable(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Upsert(ctx, rec(id, "p "+id, ""))
				require.NoError(t, err)
			}
			seq, err := s.All(ctx)
			require.NoError(t, err)

			var first, second []string
			for r := range seq {
				first = append(first, r.ItemID)
			}
			for r := range seq {
				second = append(second, r.ItemID)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Fatalf("second pass differs (-first +second):\n%s", diff)
			}
		})
	}
}

func TestJSONLRefetchIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "items.jsonl")
	batch := []domain.SourceRecord{
		rec("10", "portrait of a knight, dramatic lighting", "lowres"),
		rec("11", "city at night <neon>", ""),
	}

	s, err := OpenJSONL(path, nil)
	require.NoError(t, err)
	for _, r := range batch {
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err)
	}
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Same fetch again, through a freshly loaded store.
	s, err = OpenJSONL(path, nil)
	require.NoError(t, err)
	for _, r := range batch {
		out, err := s.Upsert(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, Unchanged, out)
	}
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestJSONLUpdateRewritesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "items.jsonl")
	s, err := OpenJSONL(path, nil)
	require.NoError(t, err)

	_, err = s.Upsert(ctx, rec("1", "old text", ""))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, rec("2", "other", ""))
	require.NoError(t, err)
	out, err := s.Upsert(ctx, rec("1", "new text", ""))
	require.NoError(t, err)
	require.Equal(t, Updated, out)

	reloaded, err := OpenJSONL(path, nil)
	require.NoError(t, err)
	n, _ := reloaded.Len(ctx)
	assert.Equal(t, 2, n)
	got, _, _ := reloaded.Get(ctx, "1")
	assert.Equal(t, "new text", got.Positive)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestJSONLSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.jsonl")
	content := `{"item_id":"1","positive":"a","negative":""}
not json at all
{"positive":"no id"}

{"item_id":"2","positive":"b","negative":"c"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	s, err := OpenJSONL(path, zap.New(core))
	require.NoError(t, err)

	n, _ := s.Len(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, logs.FilterMessage("skipping malformed record line").Len())

	got, ok, _ := s.Get(context.Background(), "2")
	require.True(t, ok)
	assert.Equal(t, domain.Checksum("b", "c"), got.Checksum, "legacy lines get a checksum on load")
}

func TestJSONLUpsertCancelled(t *testing.T) {
	s, err := OpenJSONL(filepath.Join(t.TempDir(), "items.jsonl"), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Upsert(ctx, rec("1", "x", ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "inserted", Inserted.String())
	assert.Equal(t, "updated", Updated.String())
	assert.Equal(t, "unchanged", Unchanged.String())
}
