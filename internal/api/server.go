package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/cardwise/internal/compare"
	"github.com/opensource-finance/cardwise/internal/domain"
	"github.com/shopspring/decimal"
)

// Money goes over the wire as JSON numbers.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Options are the optional knobs of the HTTP layer.
type Options struct {
	// Config serves card and rule reads; nil reads straight from the repository.
	Config domain.ConfigReader

	// JWTSecret enables bearer-token identity. Empty trusts X-User-ID.
	JWTSecret string

	SummaryTTL time.Duration
	Version    string
}

// Server is the Cardwise HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
}

// NewServer wires routes over the given backends. Catalog reads are open;
// catalog writes and the purchase, wallet and summary routes require a caller
// identity.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, service *compare.Service, opts Options) *Server {
	handler := NewHandler(repo, opts.Config, cache, bus, service, opts.SummaryTTL, opts.Version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	identity := UserMiddleware([]byte(opts.JWTSecret))

	router.Route("/cards", func(r chi.Router) {
		r.Get("/", handler.ListCards)
		r.Get("/{id}/rules", handler.ListCardRules)
		r.With(identity).Post("/{id}/rules", handler.CreateCardRule)
	})
	router.Route("/merchants", func(r chi.Router) {
		r.Get("/", handler.ListMerchants)
		r.Get("/{id}/categories", handler.ListMerchantCategories)
	})

	router.Group(func(r chi.Router) {
		r.Use(identity)

		r.Post("/catalog/import", handler.ImportCatalog)

		r.Post("/simulate", handler.Simulate)
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", handler.ListTransactions)
			r.Post("/", handler.CommitTransaction)
		})
		r.Route("/me/cards", func(r chi.Router) {
			r.Get("/", handler.GetSelectedCards)
			r.Put("/", handler.ReplaceSelectedCards)
		})
		r.Get("/summary", handler.Summary)
	})

	return &Server{
		router:  router,
		handler: handler,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start listens until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
