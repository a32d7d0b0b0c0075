package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
)

// wordEncoder counts whitespace-separated words as tokens.
type wordEncoder struct{}

func (wordEncoder) Encode(text string, _ []string, _ []string) []int {
	fields := strings.Fields(text)
	out := make([]int, len(fields))
	return out
}

func newTestResolver(t *testing.T, cfg config.TokenizerConfig, known ...string) *Resolver {
	t.Helper()
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	r := NewResolver(cfg)
	knownSet := map[string]struct{}{cfg.DefaultModel: {}}
	for _, id := range known {
		knownSet[id] = struct{}{}
	}
	r.lookup = func(modelID string) (Encoder, error) {
		if _, ok := knownSet[modelID]; !ok {
			return nil, fmt.Errorf("no encoding for model %s", modelID)
		}
		return wordEncoder{}, nil
	}
	return r
}

func TestReconcileRecomputesCompletion(t *testing.T) {
	u := Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 200}
	u.Reconcile()
	if u.CompletionTokens != 100 {
		t.Fatalf("expected completion 100, got %d", u.CompletionTokens)
	}
	if u.PromptTokens+u.CompletionTokens != u.TotalTokens {
		t.Fatalf("reconciled usage still inconsistent: %+v", u)
	}

	// Idempotent on consistent input.
	before := u
	u.Reconcile()
	if u.PromptTokens != before.PromptTokens || u.CompletionTokens != before.CompletionTokens || u.TotalTokens != before.TotalTokens {
		t.Fatalf("reconcile changed consistent usage: %+v -> %+v", before, u)
	}
}

func TestReconcileFillsMissingTotal(t *testing.T) {
	u := Usage{PromptTokens: 7, CompletionTokens: 3}
	u.Reconcile()
	if u.TotalTokens != 10 {
		t.Fatalf("expected total 10, got %d", u.TotalTokens)
	}
}

func TestResolvePassesThroughReportedUsage(t *testing.T) {
	r := newTestResolver(t, config.TokenizerConfig{})
	r.lookup = func(string) (Encoder, error) {
		t.Fatal("tokenizer must not be invoked when usage is reported")
		return nil, nil
	}

	body := &Body{
		Model: "whatever",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello", Usage: &Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 200}},
		},
	}
	got, err := r.Resolve(body)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.PromptTokens != 100 || got.CompletionTokens != 100 || got.TotalTokens != 200 {
		t.Fatalf("expected reconciled {100 100 200}, got %+v", got)
	}
}

func TestResolveEstimatesPromptAndCompletion(t *testing.T) {
	r := newTestResolver(t, config.TokenizerConfig{}, "gpt-4o")
	body := &Body{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "user", Content: "one two three"},
			{Role: "assistant", Content: "four five"},
			{Role: "user", Content: "six"},
			{Role: "assistant", Content: "seven eight nine ten"},
		},
	}
	got, err := r.Resolve(body)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.PromptTokens != 6 {
		t.Fatalf("expected 6 prompt tokens, got %d", got.PromptTokens)
	}
	if got.CompletionTokens != 4 {
		t.Fatalf("expected 4 completion tokens, got %d", got.CompletionTokens)
	}
	if got.TotalTokens != 10 {
		t.Fatalf("expected 10 total tokens, got %d", got.TotalTokens)
	}
}

func TestResolveDeduplicatesSourceDocuments(t *testing.T) {
	r := newTestResolver(t, config.TokenizerConfig{}, "gpt-4o")
	src := Source{Source: SourceRef{ID: "doc-1"}, Document: []string{"alpha beta gamma"}}
	body := &Body{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "user", Content: "question", Sources: []Source{src}},
			{Role: "assistant", Content: "partial", Sources: []Source{src}},
			{Role: "assistant", Content: "answer text"},
		},
	}
	got, err := r.Resolve(body)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 1 (question) + 1 (partial) + 3 (doc counted once)
	if got.PromptTokens != 5 {
		t.Fatalf("expected 5 prompt tokens with deduped source, got %d", got.PromptTokens)
	}
}

func TestEncoderFallbackIsMemoized(t *testing.T) {
	cfg := config.TokenizerConfig{DefaultModel: "gpt-4o"}
	r := NewResolver(cfg)
	lookups := 0
	r.lookup = func(modelID string) (Encoder, error) {
		lookups++
		if modelID != "gpt-4o" {
			return nil, fmt.Errorf("no encoding for model %s", modelID)
		}
		return wordEncoder{}, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := r.encoderFor("mystery-model"); err != nil {
			t.Fatalf("encoderFor: %v", err)
		}
	}
	// One failed lookup for the unknown id, one for the default; repeats hit cache.
	if lookups != 2 {
		t.Fatalf("expected 2 lookups, got %d", lookups)
	}
}

func TestEncoderPrefixStripAndOverride(t *testing.T) {
	cfg := config.TokenizerConfig{DefaultModel: "gpt-4o", ModelPrefixToRemove: "openrouter."}
	r := newTestResolver(t, cfg, "claude-3")
	var captured []string
	inner := r.lookup
	r.lookup = func(modelID string) (Encoder, error) {
		captured = append(captured, modelID)
		return inner(modelID)
	}
	if _, err := r.encoderFor("openrouter.claude-3"); err != nil {
		t.Fatalf("encoderFor: %v", err)
	}
	if len(captured) != 1 || captured[0] != "claude-3" {
		t.Fatalf("expected prefix-stripped lookup, got %v", captured)
	}

	override := newTestResolver(t, config.TokenizerConfig{DefaultModel: "gpt-4o", IgnoreModelEncoding: true})
	captured = nil
	innerOverride := override.lookup
	override.lookup = func(modelID string) (Encoder, error) {
		captured = append(captured, modelID)
		return innerOverride(modelID)
	}
	if _, err := override.encoderFor("claude-3"); err != nil {
		t.Fatalf("encoderFor: %v", err)
	}
	if len(captured) != 1 || captured[0] != "gpt-4o" {
		t.Fatalf("expected forced default lookup, got %v", captured)
	}
}

func TestResolveEstimationFailureIsFatal(t *testing.T) {
	r := NewResolver(config.TokenizerConfig{DefaultModel: "gpt-4o"})
	r.lookup = func(string) (Encoder, error) {
		return nil, fmt.Errorf("registry unavailable")
	}
	_, err := r.Resolve(&Body{Model: "m", Messages: []Message{{Content: "x"}}})
	if !errors.Is(err, ErrEstimation) {
		t.Fatalf("expected ErrEstimation, got %v", err)
	}
}

func TestUsageJSONRoundTripKeepsExtraFields(t *testing.T) {
	in := []byte(`{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"completion_token_details":{"thinking_tokens":3}}`)
	var u Usage
	if err := json.Unmarshal(in, &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.PromptTokens != 10 || u.CompletionTokens != 5 || u.TotalTokens != 15 {
		t.Fatalf("unexpected counts: %+v", u)
	}
	if _, ok := u.Extra["completion_token_details"]; !ok {
		t.Fatal("expected vendor field preserved in Extra")
	}

	out, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if _, ok := round["completion_token_details"]; !ok {
		t.Fatal("expected vendor field in serialized output")
	}
}
