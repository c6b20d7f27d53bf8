package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/adapters/identity"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/api/login", login(cfg))

	authed := r.Group("/", TokenAuth(cfg.Secret))

	authed.GET("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Sessions())
	})

	authed.GET("/ws", func(c *gin.Context) {
		id := domain.ParticipantID(c.GetString("participant_id"))
		name := c.GetString("display_name")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "server").Msg("ws upgrade")
			return
		}
		log.Info().Str("module", "server").Str("participant", string(id)).Msg("new WS connection")
		hub.Register(ctx, newClient(id, name, ws))
	})

	log.Info().Str("module", "server").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

// login issues an access token. Any username is accepted; account
// verification lives in the account service, not here.
func login(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		role := domain.Role(req.Role)
		switch role {
		case domain.RoleHost, domain.RoleModerator, domain.RoleMember:
		default:
			role = domain.RoleMember
		}

		id := domain.ParticipantID(req.Username)
		token, err := identity.NewToken(id, req.Username, role, cfg.Secret, cfg.Server.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		session := sessions.Default(c)
		session.Set("user_id", string(id))
		if err := session.Save(); err != nil {
			log.Warn().Err(err).Str("module", "server").Msg("session save")
		}

		c.JSON(http.StatusOK, loginResponse{Token: token, UserID: string(id)})
	}
}
