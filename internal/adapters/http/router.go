package http

import (
	"context"
	"net/http"
	"slices"

	"github.com/dkeye/camcast/internal/adapters/signal"
	"github.com/dkeye/camcast/internal/app/orch"
	"github.com/dkeye/camcast/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenKey = "client_token"
	sessionCookie  = "CamcastSessions"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a random client token in the cookie session
// and exposes it as "client_token" on the gin context.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// CORSMiddleware allows the configured origins; "*" allows any.
func CORSMiddleware(allowed []string) gin.HandlerFunc {
	anyOrigin := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origin == "":
		case anyOrigin:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		case slices.Contains(allowed, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originChecker applies the CORS origin list to WebSocket upgrades.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionCookie, store))
	r.Use(ClientTokenMiddleware())

	limiter := signal.NewRateLimiter(cfg.OfferRate, cfg.OfferBurst)
	h := &handlers{orch: o, limiter: limiter}
	ws := signal.NewSignalWSController(o, limiter, cfg.Signal, originChecker(cfg.AllowedOrigins))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", h.health)
	r.POST("/offer", h.offer)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.GET("/devices", h.devices)
	api.GET("/sessions", h.sessions)
	api.POST("/sessions", h.createSession)
	api.DELETE("/sessions", h.hangupClient)
	api.POST("/sessions/:id/answer", h.answer)
	api.POST("/sessions/:id/candidates", h.candidate)
	api.DELETE("/sessions/:id", h.hangup)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ws.HandleSignal(ctx, c)
	})

	return r
}
