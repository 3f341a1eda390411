// Package api exposes uploads, video status and HLS playback over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadHeaderTimeout = 10 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
	ShutdownTimeout   = 30 * time.Second
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	Logger         *slog.Logger
	Handlers       *Handlers
	JWTService     *auth.JWTService
	RateLimiter    *auth.RateLimiter
	HealthChecker  *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: ReadHeaderTimeout,
			IdleTimeout:       IdleTimeout,
			MaxHeaderBytes:    MaxHeaderBytes,
		},
		log: cfg.Logger,
	}
}

// NewRouter builds the full handler tree.
func NewRouter(cfg *ServerConfig) http.Handler {
	h := cfg.Handlers
	required := cfg.JWTService.RequireIdentity(cfg.RateLimiter)
	optional := cfg.JWTService.OptionalIdentity()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
	mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	mux.Handle("POST /uploads", required(http.HandlerFunc(h.InitUploadHandler)))
	mux.Handle("PUT /uploads/{id}/chunks/{index}", required(http.HandlerFunc(h.UploadChunkHandler)))
	mux.Handle("GET /uploads/{id}", required(http.HandlerFunc(h.UploadStatusHandler)))
	mux.Handle("POST /uploads/{id}/complete", required(http.HandlerFunc(h.CompleteUploadHandler)))
	mux.Handle("POST /videos", required(http.HandlerFunc(h.DirectUploadHandler)))

	mux.Handle("GET /videos/{id}", optional(http.HandlerFunc(h.VideoStatusHandler)))
	mux.Handle("GET /videos/{id}/thumbnail.jpg", optional(http.HandlerFunc(h.ThumbnailHandler)))

	mux.Handle("GET /hls/{id}/master.m3u8", optional(h.MasterHandler(false)))
	mux.Handle("GET /hls/{id}/{asset...}", optional(h.AssetHandler(false)))
	mux.Handle("GET /public/hls/{id}/master.m3u8", h.MasterHandler(true))
	mux.Handle("GET /public/hls/{id}/{asset...}", h.AssetHandler(true))

	root := http.NewServeMux()
	root.Handle("/hls/", PlaybackHeaders(mux))
	root.Handle("/public/hls/", PlaybackHeaders(mux))
	root.Handle("/", CORSMiddleware(cfg.AllowedOrigins)(mux))

	return InstrumentMiddleware(cfg.Logger)(root)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "Starting API server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Proxied requests come from outside.
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
