package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/civiphrases/engine/domain"
	"github.com/WessleyAI/civiphrases/engine/normalize"
	"github.com/WessleyAI/civiphrases/pkg/fn"
	"github.com/WessleyAI/civiphrases/pkg/metrics"
	"github.com/WessleyAI/civiphrases/pkg/resilience"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// scripted replays canned replies in order and records every request.
type scripted struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	reqs    []Request
}

func (s *scripted) Complete(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return `{"results":{}}`, nil
}

func (s *scripted) Model() string { return "scripted" }

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MinDelay = 0
	opts.Retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	return opts
}

var i1Units = []domain.Unit{
	{Text: "masterpiece, cinematic lighting", Polarity: domain.PolarityPos, ItemID: "i1"},
	{Text: "blurry", Polarity: domain.PolarityNeg, ItemID: "i1"},
}

func TestClassifyOverridesMislabeledNegative(t *testing.T) {
	llm := &scripted{replies: []string{`{"results": {
		"i1/pos": [{"text": "masterpiece", "category": "quality_boosters"},
		           {"text": "cinematic lighting", "category": "aesthetics"}],
		"i1/neg": [{"text": "blurry", "category": "modifiers"}]}}`}}
	c := New(llm, testOptions())

	res := c.ClassifyBatch(context.Background(), i1Units)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)

	want := []domain.ClassifiedPhrase{
		{Text: "masterpiece", Category: domain.CategoryQualityBoosters, SourceID: "i1", Polarity: domain.PolarityPos},
		{Text: "cinematic lighting", Category: domain.CategoryAesthetics, SourceID: "i1", Polarity: domain.PolarityPos},
		{Text: "blurry", Category: domain.CategoryNegatives, SourceID: "i1", Polarity: domain.PolarityNeg},
	}
	if diff := cmp.Diff(want, res.Phrases); diff != "" {
		t.Errorf("phrases mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyMissingResultsRetriesOnceThenDiscards(t *testing.T) {
	llm := &scripted{replies: []string{`{"phrases": []}`, `{"phrases": []}`}}
	core, logs := observer.New(zapcore.WarnLevel)
	reg := metrics.New()
	c := New(llm, testOptions(), WithLogger(zap.New(core)), WithMetrics(metrics.NewPipeline(reg)))

	res := c.ClassifyBatch(context.Background(), i1Units)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrBatchDiscarded)
	assert.ErrorIs(t, res.Err, domain.ErrSchema)
	assert.Empty(t, res.Phrases)
	assert.Equal(t, 2, res.Attempts)
	require.Equal(t, 2, llm.calls())

	assert.NotContains(t, llm.reqs[0].System, stricterSuffix)
	assert.True(t, strings.HasSuffix(llm.reqs[1].System, stricterSuffix))
	assert.Equal(t, llm.reqs[0].User, llm.reqs[1].User)

	assert.Equal(t, 1, logs.FilterMessage("batch discarded after invalid replies").Len())
	assert.Contains(t, reg.Render(), `civiphrases_batches_total{outcome="failed"} 1`)
}

func TestClassifySecondAttemptSucceeds(t *testing.T) {
	llm := &scripted{replies: []string{
		"Sure! Here you go.",
		"```json\n{\"results\": {\"i1/pos\": [{\"text\": \"masterpiece\", \"category\": \"Quality Boosters\"}]}}\n```",
	}}
	reg := metrics.New()
	c := New(llm, testOptions(), WithMetrics(metrics.NewPipeline(reg)))

	res := c.ClassifyBatch(context.Background(), i1Units)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Phrases, 1)
	assert.Equal(t, domain.CategoryQualityBoosters, res.Phrases[0].Category)
	assert.Contains(t, reg.Render(), `civiphrases_batches_total{outcome="retried"} 1`)
}

func TestClassifyRetriesTransportFailures(t *testing.T) {
	transient := &domain.TransientRemoteError{Op: "test", Status: 503, Err: errors.New("busy")}
	llm := &scripted{
		errs:    []error{transient, transient},
		replies: []string{"", "", `{"results": {"i1/neg": [{"text": "blurry", "category": "negatives"}]}}`},
	}
	c := New(llm, testOptions())

	res := c.ClassifyBatch(context.Background(), i1Units)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, llm.calls())
	assert.Len(t, res.Phrases, 1)
}

func TestClassifyTransportExhaustionDiscards(t *testing.T) {
	transient := &domain.TransientRemoteError{Op: "test", Status: 429, Err: errors.New("slow down")}
	llm := &scripted{errs: []error{transient, transient, transient, transient}}
	c := New(llm, testOptions())

	res := c.ClassifyBatch(context.Background(), i1Units)
	assert.ErrorIs(t, res.Err, ErrBatchDiscarded)
	assert.True(t, domain.IsTransient(res.Err))
	assert.Equal(t, 3, llm.calls())
	assert.Empty(t, res.Phrases)
}

func TestClassifyNonTransientNotRetried(t *testing.T) {
	llm := &scripted{errs: []error{errors.New("401 unauthorized")}}
	c := New(llm, testOptions())

	res := c.ClassifyBatch(context.Background(), i1Units)
	assert.ErrorIs(t, res.Err, ErrBatchDiscarded)
	assert.Equal(t, 1, llm.calls())
}

func TestClassifyOpenBreakerDiscards(t *testing.T) {
	llm := &scripted{errs: []error{errors.New("down")}}
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	c := New(llm, testOptions(), WithBreaker(b))

	first := c.ClassifyBatch(context.Background(), i1Units)
	require.Error(t, first.Err)
	second := c.ClassifyBatch(context.Background(), i1Units)
	assert.ErrorIs(t, second.Err, resilience.ErrCircuitOpen)
	assert.Equal(t, 1, llm.calls())
}

func TestClassifyBatchesSequence(t *testing.T) {
	var units []domain.Unit
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		units = append(units, domain.Unit{Text: "red " + id, Polarity: domain.PolarityPos, ItemID: id})
	}
	llm := &scripted{}
	c := New(llm, testOptions())

	var sizes, indexes []int
	for r := range c.Classify(context.Background(), slices.Values(units), 2) {
		require.NoError(t, r.Err)
		sizes = append(sizes, len(r.Units))
		indexes = append(indexes, r.Index)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int{0, 1, 2}, indexes)
	assert.Equal(t, 3, llm.calls())
}

func TestClassifyStopsOnCancel(t *testing.T) {
	llm := &scripted{}
	c := New(llm, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := 0
	for range c.Classify(ctx, slices.Values(i1Units), 1) {
		n++
	}
	assert.Zero(t, n)
	assert.Zero(t, llm.calls())
}

func TestBuildPayloadJoinsChunks(t *testing.T) {
	user, keys := buildPayload([]domain.Unit{
		{Text: "part one,", Polarity: domain.PolarityPos, ItemID: "x", Chunk: 0},
		{Text: "part two", Polarity: domain.PolarityPos, ItemID: "x", Chunk: 1},
		{Text: "ugly", Polarity: domain.PolarityNeg, ItemID: "x"},
	})
	require.Len(t, keys, 2)
	assert.Equal(t, batchKey{Key: "x/pos", ItemID: "x", Polarity: domain.PolarityPos}, keys[0])

	var p payload
	require.NoError(t, json.Unmarshal([]byte(user), &p))
	assert.Equal(t, []payloadUnit{
		{Key: "x/pos", Text: "part one, part two"},
		{Key: "x/neg", Text: "ugly"},
	}, p.Units)
}

func TestBuildPayloadAddsNoBoundary(t *testing.T) {
	text := strings.Repeat("a long flowing description of a misty forest ", 3)
	chunks := normalize.Chunk(normalize.Clean(text), 40)
	require.Greater(t, len(chunks), 1)

	var units []domain.Unit
	for i, c := range chunks {
		units = append(units, domain.Unit{Text: c, Polarity: domain.PolarityPos, ItemID: "x", Chunk: i})
	}
	user, _ := buildPayload(units)
	var p payload
	require.NoError(t, json.Unmarshal([]byte(user), &p))
	require.Len(t, p.Units, 1)
	assert.Equal(t, normalize.Clean(text), p.Units[0].Text)
	assert.NotContains(t, p.Units[0].Text, ",")
}

func TestValidate(t *testing.T) {
	keys := []batchKey{
		{Key: "i1/pos", ItemID: "i1", Polarity: domain.PolarityPos},
		{Key: "i1/neg", ItemID: "i1", Polarity: domain.PolarityNeg},
	}
	ok := []struct {
		name  string
		reply string
		want  map[string][]Phrase
	}{
		{
			name:  "missing key is empty",
			reply: `{"results": {"i1/pos": [{"text": " red hair ", "category": "modifiers"}]}}`,
			want: map[string][]Phrase{
				"i1/pos": {{Text: "red hair", Category: domain.CategoryModifiers}},
				"i1/neg": nil,
			},
		},
		{
			name:  "prose and braces in strings",
			reply: `Output: {"results": {"i1/neg": [{"text": "a {weird} one", "category": "negative"}]}} trailing }`,
			want: map[string][]Phrase{
				"i1/pos": nil,
				"i1/neg": {{Text: "a {weird} one", Category: domain.CategoryNegatives}},
			},
		},
		{
			name:  "hyphenated category",
			reply: `{"results": {"i1/pos": [{"text": "8k", "category": "quality-boosters"}], "i1/neg": []}}`,
			want: map[string][]Phrase{
				"i1/pos": {{Text: "8k", Category: domain.CategoryQualityBoosters}},
				"i1/neg": {},
			},
		},
	}
	for _, tc := range ok {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := Validate(tc.reply, keys).Unwrap()
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, resp.Results); diff != "" {
				t.Errorf("results mismatch (-want +got):\n%s", diff)
			}
		})
	}

	bad := map[string]string{
		"no json":          "I cannot help with that.",
		"cut early":        `{"results": {"i1/pos": [`,
		"cut bad phrase":   `{"results": {"i1/pos": [{"text": "red"}, {"text": "sun`,
		"missing results":  `{"phrases": []}`,
		"results not obj":  `{"results": []}`,
		"unknown key":      `{"results": {"i9/pos": []}}`,
		"phrase not obj":   `{"results": {"i1/pos": ["red"]}}`,
		"empty text":       `{"results": {"i1/pos": [{"text": "  ", "category": "styles"}]}}`,
		"missing category": `{"results": {"i1/pos": [{"text": "red"}]}}`,
		"bad category":     `{"results": {"i1/pos": [{"text": "red", "category": "colors"}]}}`,
		"numeric text":     `{"results": {"i1/pos": [{"text": 5, "category": "styles"}]}}`,
	}
	for name, reply := range bad {
		t.Run(name, func(t *testing.T) {
			res := Validate(reply, keys)
			require.True(t, res.IsErr())
			_, err := res.Unwrap()
			assert.ErrorIs(t, err, domain.ErrSchema)
			var se *domain.SchemaValidationError
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestValidateTruncatedReply(t *testing.T) {
	keys := []batchKey{
		{Key: "i1/pos", ItemID: "i1", Polarity: domain.PolarityPos},
		{Key: "i1/neg", ItemID: "i1", Polarity: domain.PolarityNeg},
	}
	cases := []struct {
		name  string
		reply string
		want  map[string][]Phrase
	}{
		{
			name:  "inside a string",
			reply: `{"results": {"i1/pos": [{"text": "red hair", "category": "modifiers"}, {"text": "sunse`,
			want: map[string][]Phrase{
				"i1/pos": {{Text: "red hair", Category: domain.CategoryModifiers}},
				"i1/neg": nil,
			},
		},
		{
			name:  "after a key list",
			reply: "```json\n" + `{"results": {"i1/pos": [{"text": "castle", "category": "subjects"}], "i1/neg": [{"text": "blur`,
			want: map[string][]Phrase{
				"i1/pos": {{Text: "castle", Category: domain.CategorySubjects}},
				"i1/neg": nil,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := Validate(tc.reply, keys).Unwrap()
			require.NoError(t, err)
			assert.True(t, resp.Truncated)
			if diff := cmp.Diff(tc.want, resp.Results); diff != "" {
				t.Errorf("results mismatch (-want +got):\n%s", diff)
			}
		})
	}

	resp, err := Validate(`{"results": {"i1/pos": []}}`, keys).Unwrap()
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
}

func TestIsNegativeFeature(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"blurry", true},
		{"BLURRY", true},
		{"  Bad  Anatomy ", true},
		{"(blurry:1.3)", true},
		{"[[extra fingers]]", true},
		{"cinematic lighting", false},
		{"blurry background", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsNegativeFeature(c.text), "%q", c.text)
	}
}

func TestOpenAICompleter(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"data":[{"id":"llama-3"},{"id":"qwen"}]}`))
		case "/v1/chat/completions":
			auth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&got)
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"results\":{}}"}}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOpenAICompleter(srv.URL+"/v1/", "local", "qwen", time.Second, nil)
	assert.Equal(t, "qwen", c.DiscoverModel(context.Background()))

	reply, err := c.Complete(context.Background(), Request{System: "sys", User: "usr", MaxTokens: 100, Temperature: 0.1})
	require.NoError(t, err)
	assert.Equal(t, `{"results":{}}`, reply)
	assert.Equal(t, "Bearer local", auth)
	assert.Equal(t, "qwen", got.Model)
	assert.Equal(t, []chatMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "usr"}}, got.Messages)
	assert.EqualValues(t, 100, got.MaxTokens)
}

func TestOpenAIDiscoverFallsBackToFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"llama-3"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter(srv.URL, "", "missing", time.Second, nil)
	assert.Equal(t, "llama-3", c.DiscoverModel(context.Background()))
}

func TestOpenAIDiscoverFailureKeepsDefault(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewOpenAICompleter(srv.URL, "", "", time.Second, nil)
	assert.Equal(t, fallbackModel, c.DiscoverModel(context.Background()))
}

func TestOpenAIStatusClassification(t *testing.T) {
	for status, transient := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusBadGateway:          true,
		http.StatusInternalServerError: true,
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		c := NewOpenAICompleter(srv.URL, "", "m", time.Second, nil)
		_, err := c.Complete(context.Background(), Request{})
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, transient, domain.IsTransient(err), "status %d", status)
	}
}
