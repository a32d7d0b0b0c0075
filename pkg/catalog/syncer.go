// Package catalog keeps the local model table in step with an Open WebUI
// instance: model ids and display names are pulled from its /api/models
// endpoint, and models derived from a base model inherit its prices.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/ledger"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/logutil"
)

const syncTimeout = 45 * time.Second

type remoteModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Info struct {
		BaseModelID string `json:"base_model_id"`
	} `json:"info"`
}

type Syncer struct {
	cfg    config.OpenWebUIConfig
	ledger *ledger.Ledger
	client *http.Client
	log    *charmlog.Logger

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
}

func NewSyncer(cfg config.OpenWebUIConfig, l *ledger.Ledger) *Syncer {
	return &Syncer{
		cfg:    cfg,
		ledger: l,
		client: &http.Client{Timeout: syncTimeout},
		log:    logutil.Component("catalog"),
	}
}

// Start launches the background sync loop. Without a configured Open WebUI
// URL the syncer stays idle.
func (s *Syncer) Start() {
	if s.cfg.URL == "" {
		s.log.Debug("no openwebui url configured, catalog sync disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	go s.loop(s.stopCh)
}

func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.stopCh)
}

func (s *Syncer) loop(stop <-chan struct{}) {
	s.syncOnce()
	t := time.NewTicker(time.Duration(s.cfg.SyncIntervalMinutes) * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.syncOnce()
		}
	}
}

// syncOnce runs one sync round; failures are logged, never fatal.
func (s *Syncer) syncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		s.log.Warn("model sync failed", "err", err)
	}
}

// Sync pulls the remote model list, upserts ids and names, and copies
// prices from each base model onto the models derived from it.
func (s *Syncer) Sync(ctx context.Context) error {
	models, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	synced := map[string]*ledger.AIModel{}
	var derived []remoteModel
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		entry, err := s.ledger.UpsertModelName(m.ID, m.Name)
		if err != nil {
			return fmt.Errorf("upsert model %s: %w", m.ID, err)
		}
		synced[m.ID] = entry
		if m.Info.BaseModelID != "" {
			derived = append(derived, m)
		}
	}
	for _, m := range derived {
		base, ok := synced[m.Info.BaseModelID]
		if !ok {
			continue
		}
		if err := s.ledger.SetModelPrices(m.ID, base.PromptPrice, base.CompletionPrice); err != nil {
			return fmt.Errorf("inherit prices for %s: %w", m.ID, err)
		}
	}
	s.log.Info("model catalog synced", "models", len(synced), "derived", len(derived))
	return nil
}

func (s *Syncer) fetch(ctx context.Context) ([]remoteModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"/api/models", nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("models endpoint responded %d: %s", resp.StatusCode, body)
	}
	var payload struct {
		Data []remoteModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models payload: %w", err)
	}
	return payload.Data, nil
}
