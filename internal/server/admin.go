package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/gamewire/internal/node"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.6.0"

var _ node.Node = (*Server)(nil)

func newRouter(id string, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func (s *Server) NodeID() string {
	return s.cfg.Name
}

func (s *Server) Kind() string {
	return "server"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.Ready(),
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})

	r.GET("/handlers", func(c *gin.Context) {
		all := s.cfg.Handlers.All()
		out := make([]gin.H, 0, len(all))
		for _, name := range s.cfg.Handlers.Names() {
			out = append(out, gin.H{
				"name":   name,
				"active": name == s.handler.Name(),
				"status": all[name].Status(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"handlers": out})
	})

	r.GET("/conns", func(c *gin.Context) {
		conns := s.Conns()
		c.JSON(http.StatusOK, gin.H{
			"count":   len(conns),
			"workers": s.pool.Cap(),
			"conns":   conns,
		})
	})

	r.GET("/conns/:id", func(c *gin.Context) {
		conn, ok := s.Conn(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		frames := conn.Metrics().FrameSnapshot()
		c.JSON(http.StatusOK, gin.H{
			"id":         conn.ID(),
			"remote_pid": conn.Handshake().RemotePid.String(),
			"frames":     frames,
		})
	})

	// POST sends Shutdown and waits for the peer; DELETE aborts.
	r.POST("/conns/:id/shutdown", func(c *gin.Context) {
		conn, ok := s.Conn(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Session.WriteTimeout)
		defer cancel()
		if err := conn.Shutdown(ctx); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.DELETE("/conns/:id", func(c *gin.Context) {
		conn, ok := s.Conn(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		conn.Close()
		log.Info().Str("conn", conn.ID()).Msg("server.admin connection aborted")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// ServeAdmin serves the admin router on addr until ctx ends.
func (s *Server) ServeAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Info().Str("node", s.cfg.Name).Str("addr", ln.Addr().String()).Msg("server.ServeAdmin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
