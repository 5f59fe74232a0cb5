// Package httpapi exposes the credit ledger over HTTP. Requests are mapped
// to ledger identities, chat work runs under the reserve/settle discipline,
// and purchases plus signup webhooks turn external events into grants.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server hosts the HTTP façade.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	router  *gin.Engine
	handler *Handler
}

// NewServer builds the router around a configured Handler.
func NewServer(cfg Config, logger *zap.Logger, handler *Handler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || handler == nil {
		return nil, errors.New("httpapi: logger and handler are required")
	}
	server := &Server{cfg: cfg, logger: logger, handler: handler}
	server.router = setupRouter(cfg, handler)
	return server, nil
}

func setupRouter(cfg Config, handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", handler.handleHealthz)

	api := router.Group("/api")
	api.GET("/balance", handler.handleBalance)
	api.POST("/chat", handler.handleChat)
	api.POST("/purchases", handler.handlePurchase)

	router.POST("/webhooks/signup", handler.handleSignupWebhook)

	return router
}

// Router exposes the gin engine, mainly for tests.
func (server *Server) Router() http.Handler {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
