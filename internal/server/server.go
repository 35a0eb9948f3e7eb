// Package server exposes the retrieval engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aman-CERP/amanrag/internal/embed"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// Retriever is the part of the search engine the handlers call.
type Retriever interface {
	Retrieve(ctx context.Context, req search.Request) (*search.Result, error)
	Explain(ctx context.Context, req search.Request) (*search.Result, *search.RetrievalTrace, error)
}

// CorpusCounter reports the number of indexed chunks.
type CorpusCounter interface {
	Count(ctx context.Context) (int, error)
}

// CacheStatser reports embedding cache effectiveness.
type CacheStatser interface {
	Stats() embed.CacheStats
}

// Config is the static information the server reports on /health and /stats.
type Config struct {
	Host string
	Port int

	VectorBackend  string
	LexicalBackend string

	EmbeddingModel      string
	EmbeddingDimensions int

	RRFConstant      int
	VectorTopK       int
	LexicalTopK      int
	RerankTopK       int
	RerankingEnabled bool

	// ShutdownTimeout bounds graceful shutdown in Run.
	ShutdownTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server represents the HTTP server.
type Server struct {
	config    Config
	retriever Retriever
	corpus    CorpusCounter
	cache     CacheStatser
	metrics   *telemetry.QueryMetrics
	logger    *slog.Logger

	router *gin.Engine
	server *http.Server
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithCorpus reports corpus size on /health.
func WithCorpus(c CorpusCounter) Option {
	return func(s *Server) { s.corpus = c }
}

// WithCache reports embedding cache stats on /stats.
func WithCache(c CacheStatser) Option {
	return func(s *Server) { s.cache = c }
}

// WithMetrics reports query telemetry on /stats.
func WithMetrics(m *telemetry.QueryMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a new server instance. A nil retriever yields a server that
// reports itself unhealthy and answers retrieval requests with 503.
func New(cfg Config, retriever Retriever, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		config:    cfg,
		retriever: retriever,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup sets up the server routes and middleware.
func (s *Server) Setup() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/query", s.handleQuery)
	s.router.POST("/explain", s.handleExplain)
	s.router.GET("/stats", s.handleStats)
}

// Handler returns the configured router. Setup must have been called.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("http_server_starting", slog.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http_server_stopping")
	return s.server.Shutdown(ctx)
}

// Run serves until ctx is canceled, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if s.server == nil {
		s.Setup()
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()))
	}
}
