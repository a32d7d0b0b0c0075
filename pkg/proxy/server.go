// Package proxy is the HTTP surface of the service: the normalized
// chat-completion endpoint in front of the configured providers, and the
// usage inlet/outlet endpoints consumed by the Open WebUI filter.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"golang.org/x/crypto/acme/autocert"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/catalog"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/ledger"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/logutil"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/ratelimit"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

// User identity headers forwarded by Open WebUI.
const (
	headerUserID    = "X-OpenWebUI-User-Id"
	headerUserName  = "X-OpenWebUI-User-Name"
	headerUserEmail = "X-OpenWebUI-User-Email"
)

type Server struct {
	store    *config.Store
	ledger   *ledger.Ledger
	resolver *usage.Resolver
	gate     *ratelimit.Gate
	syncer   *catalog.Syncer
	log      *charmlog.Logger

	httpServer     *http.Server
	activeRequests atomic.Int64
	draining       atomic.Bool
}

func NewServer(configPath string, cfg *config.ServerConfig) (*Server, error) {
	store := config.NewStore(configPath, cfg)

	db, err := ledger.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	var counters ratelimit.CounterStore
	if cfg.RateLimit.Strategy == config.StrategyFixedWindow && cfg.Redis.Addr != "" {
		counters = ratelimit.NewRedisCounterStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}

	s := &Server{
		store:    store,
		ledger:   db,
		resolver: usage.NewResolver(cfg.Tokenizer),
		gate:     ratelimit.NewGate(cfg.RateLimit, counters),
		syncer:   catalog.NewSyncer(cfg.OpenWebUI, db),
		log:      logutil.Component("proxy"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)
	r.Use(s.requestLifecycleMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/usages", func(u chi.Router) {
		u.Use(s.authMiddleware)
		u.Post("/inlet", s.handleInlet)
		u.Post("/outlet", s.handleOutlet)
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	s.syncer.Start()
	defer s.syncer.Stop()
	defer func() { _ = s.ledger.Close() }()

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForIdle(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.log.Info("listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) requestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	var lastLog time.Time
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			s.log.Info("shutdown: idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Snapshot()
		if len(cfg.APIKeys) > 0 && !keyAllowed(bearerToken(r.Header), cfg.APIKeys) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(h http.Header) string {
	auth := strings.TrimSpace(h.Get("Authorization"))
	if auth == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("bearer "):])
}

func keyAllowed(token string, keys []string) bool {
	if token == "" {
		return false
	}
	for _, k := range keys {
		if token == k {
			return true
		}
	}
	return false
}

// requestUser is the identity Open WebUI forwards along with a request.
type requestUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

func userFromHeaders(r *http.Request) requestUser {
	return requestUser{
		ID:    strings.TrimSpace(r.Header.Get(headerUserID)),
		Name:  strings.TrimSpace(r.Header.Get(headerUserName)),
		Email: strings.TrimSpace(r.Header.Get(headerUserEmail)),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeData nests the payload under "data", the envelope the Open WebUI
// filter unwraps.
func writeData(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, map[string]any{"data": payload})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
