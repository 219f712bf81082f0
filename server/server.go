// Package server assembles the impersonator HTTP service from its configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/juanfont/impersonator/admin"
	"github.com/juanfont/impersonator/auth"
	"github.com/juanfont/impersonator/config"
	"github.com/juanfont/impersonator/database"
	"github.com/juanfont/impersonator/impersonation"
	"github.com/juanfont/impersonator/middleware"
	"github.com/juanfont/impersonator/store"
	"github.com/juanfont/impersonator/types"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

// Server is the running HTTP service.
type Server struct {
	cfg *config.Config

	store   *store.Store
	manager *impersonation.Manager
	chain   *auth.ImpersonationMiddleware
	router  *mux.Router
}

// New opens the database, initializes the impersonation manager, discovers the OIDC
// issuer, and builds the router.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	manager, err := NewManager(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	provider, err := auth.NewOIDCProvider(ctx, auth.OIDCProviderConfig{
		ServerURL: cfg.AdvertiseURL,
		OIDCConfig: types.OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			Scopes:       cfg.OIDC.Scopes,
		},
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	types.SetDebugErrors(cfg.Debug)

	s := &Server{cfg: cfg, store: st, manager: manager}
	s.router = s.buildRouter(provider)
	return s, nil
}

// NewManager builds and initializes the impersonation manager over st. Initialization
// ends sessions left active by a previous process.
func NewManager(ctx context.Context, cfg *config.Config, st *store.Store) (*impersonation.Manager, error) {
	manager := BuildManager(cfg, st)
	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing impersonation: %w", err)
	}
	return manager, nil
}

// BuildManager wires an impersonation manager to st without initializing it. Processes
// that only run cleanup use it directly.
func BuildManager(cfg *config.Config, st *store.Store) *impersonation.Manager {
	policy := cfg.Impersonation.Policy()
	return impersonation.NewManager(impersonation.Options{
		Policy:      policy,
		Records:     st.Impersonation,
		Identities:  st.Users,
		Cache:       impersonation.NewBoundedCache(policy.CacheSize, cfg.Impersonation.EvictionPolicy()),
		TokenSecret: cfg.Impersonation.TokenSecret,
		TokenIssuer: cfg.Impersonation.TokenIssuer,
		Audit:       st.Audit,
		Notifier:    st.Notifications,
	})
}

// OpenStore opens the configured database and returns the store over it.
func OpenStore(cfg *config.Config) (*store.Store, error) {
	db, err := database.NewWithConfig(cfg.Database.SQLite(), database.Schema())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	st := store.New(db)
	st.Users.SetSuperAdminEmails(cfg.SuperAdminEmails)
	return st, nil
}

func (s *Server) cookieStore() *sessions.CookieStore {
	cs := sessions.NewCookieStore(
		[]byte(s.cfg.Session.AuthenticationKey),
		[]byte(s.cfg.Session.EncryptionKey),
	)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(s.cfg.Session.CookieExpiry.Seconds()),
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.cfg.AdvertiseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	}
	return cs
}

func (s *Server) buildRouter(provider *auth.OIDCProvider) *mux.Router {
	cs := s.cookieStore()
	cookieName := s.cfg.Session.CookieName

	sm := auth.NewSessionMiddleware(cs, cookieName, s.store.Users)
	s.chain = auth.NewImpersonationMiddleware(s.manager, s.store.Users, sm)
	oidcHandlers := auth.NewOIDCHandlers(provider, cs, cookieName, s.store.Users, s.store.Audit).
		EndImpersonationOnLogout(s.manager)
	handlers := admin.NewHandlers(s.manager, s.store.Notifications, s.cfg.Impersonation.StartRatePerMinute).
		WithAuditTrail(s.store.Audit)

	r := mux.NewRouter()
	r.Use(
		middleware.Recovery(),
		middleware.Logging(log.Logger),
		middleware.Metrics(),
		middleware.CORS(middleware.DefaultCORSConfig(s.cfg.CORS.AllowedOrigins...)),
	)

	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, middleware.MetricsHandler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.chain.Chain)

	api.HandleFunc("/session", oidcHandlers.SessionCheckHandler).Methods(http.MethodGet)
	api.HandleFunc("/auth/login", oidcHandlers.LoginHandler).Methods(http.MethodGet)
	api.HandleFunc(strings.TrimPrefix(auth.OIDCCallbackPath, "/api"), oidcHandlers.CallbackHandler).Methods(http.MethodGet)
	api.HandleFunc("/auth/logout", oidcHandlers.LogoutHandler).Methods(http.MethodPost)
	handlers.RegisterRoutes(api, sm)

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusServiceUnavailable, "database unavailable", err))
		return
	}
	types.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"impersonation_ready": s.manager.Ready(),
		"cached_sessions":     s.manager.Cache().Len(),
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager returns the impersonation manager.
func (s *Server) Manager() *impersonation.Manager {
	return s.manager
}

// Store returns the persistence layer.
func (s *Server) Store() *store.Store {
	return s.store
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests and pending
// action logs before closing the database.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Str("advertise_url", s.cfg.AdvertiseURL).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("serving HTTP: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown")
	}

	return s.Close()
}

// Close waits for pending action logs and closes the database.
func (s *Server) Close() error {
	if s.chain != nil {
		s.chain.Wait()
	}
	return s.store.Close()
}
