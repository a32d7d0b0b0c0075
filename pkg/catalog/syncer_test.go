package catalog

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/ledger"
)

func TestSyncUpsertsNamesAndInheritsBasePrices(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[
			{"id":"gpt-4o","name":"GPT-4o","info":{}},
			{"id":"my-assistant","name":"My Assistant","info":{"base_model_id":"gpt-4o"}},
			{"id":"orphan","name":"Orphan","info":{"base_model_id":"never-synced"}}
		]}`)
	}))
	defer srv.Close()

	l, err := ledger.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "usage.db")})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()
	if _, err := l.GetOrCreateModel("gpt-4o"); err != nil {
		t.Fatalf("create model: %v", err)
	}
	if err := l.SetModelPrices("gpt-4o", decimal.NewFromInt(5), decimal.NewFromInt(15)); err != nil {
		t.Fatalf("set prices: %v", err)
	}

	s := NewSyncer(config.OpenWebUIConfig{URL: srv.URL, APIKey: "secret", SyncIntervalMinutes: 60}, l)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}

	models, err := l.Models()
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	byID := map[string]ledger.AIModel{}
	for _, m := range models {
		byID[m.ModelID] = m
	}
	if byID["gpt-4o"].ModelName != "GPT-4o" {
		t.Fatalf("expected synced name, got %q", byID["gpt-4o"].ModelName)
	}
	derived := byID["my-assistant"]
	if !derived.PromptPrice.Equal(decimal.NewFromInt(5)) || !derived.CompletionPrice.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected inherited prices {5 15}, got {%s %s}", derived.PromptPrice, derived.CompletionPrice)
	}
	if orphan := byID["orphan"]; !orphan.PromptPrice.Equal(decimal.Zero) {
		t.Fatalf("orphan must keep its own price, got %s", orphan.PromptPrice)
	}
}

func TestSyncSurfacesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	l, err := ledger.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "usage.db")})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	s := NewSyncer(config.OpenWebUIConfig{URL: srv.URL, SyncIntervalMinutes: 60}, l)
	if err := s.Sync(context.Background()); err == nil {
		t.Fatalf("expected sync error on 403")
	}
}
