package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"depthsync/config"
	"depthsync/logger"
	"depthsync/models"
)

const (
	defaultDepth = 10
	maxDepth     = 1000
)

// BookView is the read side of the local order book. Each call is one
// consistent read.
type BookView interface {
	Top() models.Quote
	View(n int) models.DepthView
}

// Deps wires the server to the running pipeline. Nil funcs and handlers
// disable the matching detail.
type Deps struct {
	Symbol  string
	Book    BookView
	Status  func() interface{}
	Metrics http.Handler
}

// Server exposes a read-only view of the book and pipeline state.
type Server struct {
	cfg        config.APIConfig
	deps       Deps
	log        *logger.Log
	httpServer *http.Server
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, deps Deps, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("api").WithField("address", s.cfg.Address).Info("starting api server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("api").Info("api server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		synced := s.deps.Book != nil && s.deps.Book.Top().Synced
		c.JSON(http.StatusOK, gin.H{"status": "ok", "synced": synced})
	})

	router.GET("/book/top", func(c *gin.Context) {
		if s.deps.Book == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "book not available"})
			return
		}
		c.JSON(http.StatusOK, models.NewTopOfBook(s.deps.Symbol, s.deps.Book.Top(), time.Now().UTC()))
	})

	router.GET("/book/depth", func(c *gin.Context) {
		if s.deps.Book == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "book not available"})
			return
		}
		limit := defaultDepth
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxDepth {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
				return
			}
			limit = n
		}
		view := s.deps.Book.View(limit)
		c.JSON(http.StatusOK, gin.H{
			"symbol":         s.deps.Symbol,
			"synced":         view.Synced,
			"last_update_id": view.LastUpdateID,
			"bids":           view.Bids,
			"asks":           view.Asks,
		})
	})

	router.GET("/status", func(c *gin.Context) {
		if s.deps.Status == nil {
			c.JSON(http.StatusOK, gin.H{"symbol": s.deps.Symbol})
			return
		}
		c.JSON(http.StatusOK, s.deps.Status())
	})

	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
