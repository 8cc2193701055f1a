package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"carapace/internal/agent"
	"carapace/internal/config"
	"carapace/internal/credentials"
	"carapace/internal/logging"
	"carapace/internal/memory"
	"carapace/internal/observability"
	"carapace/internal/sandbox"
	"carapace/internal/security"
	"carapace/internal/session"
	"carapace/internal/skills"
)

// Options wires the server's collaborators.
type Options struct {
	Config      *config.Config
	DataDir     string
	Token       string
	Store       *session.Store
	Sandbox     *sandbox.Manager
	Agent       *agent.Agent
	Gate        *security.Gate
	Memory      *memory.Store
	Skills      *skills.Registry
	Credentials credentials.Broker
	Metrics     *observability.Metrics
	Log         logging.Logger
}

// Server is the REST and websocket surface.
type Server struct {
	cfg      *config.Config
	dataDir  string
	token    string
	store    *session.Store
	sandbox  *sandbox.Manager
	agent    *agent.Agent
	gate     *security.Gate
	memory   *memory.Store
	skills   *skills.Registry
	creds    credentials.Broker
	metrics  *observability.Metrics
	locks    *LockRegistry
	log      logging.Logger
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	return &Server{
		cfg:     opts.Config,
		dataDir: opts.DataDir,
		token:   opts.Token,
		store:   opts.Store,
		sandbox: opts.Sandbox,
		agent:   opts.Agent,
		gate:    opts.Gate,
		memory:  opts.Memory,
		skills:  opts.Skills,
		creds:   opts.Credentials,
		metrics: opts.Metrics,
		locks:   NewLockRegistry(),
		log:     logging.OrNop(opts.Log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is bearer-token protected; origin is not the
			// trust boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("", s.requireToken)
	{
		api.POST("/sessions", s.createSession)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.DELETE("/sessions/:id", s.deleteSession)
		api.GET("/sessions/:id/history", s.sessionHistory)
	}
	// The channel authenticates after the upgrade so bad tokens get a
	// websocket close code instead of a failed handshake.
	router.GET("/chat/:id", s.sessionChannel)
	if s.metrics != nil {
		router.GET("/metrics", s.requireToken, gin.WrapH(s.metrics.Handler()))
	}
	return router
}

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// clientToken extracts the bearer token from the Authorization header
// or the token query parameter.
func clientToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && header[:len(prefix)] == prefix {
			return header[len(prefix):]
		}
	}
	return c.Query("token")
}

func (s *Server) requireToken(c *gin.Context) {
	provided := clientToken(c)
	if provided == "" || provided != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}
