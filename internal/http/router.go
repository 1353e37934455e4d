package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/relioncluster/pipeline-orchestrator/internal/http/handlers"
	httpMW "github.com/relioncluster/pipeline-orchestrator/internal/http/middleware"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

// RouterConfig is the Control API's handler set, grounded on the
// teacher's http.RouterConfig. There is no AuthMiddleware here: nothing
// in spec.md defines a user/auth model for this API, so the route tree
// is unauthenticated end to end.
type RouterConfig struct {
	SessionHandler *httpH.SessionHandler
	HealthHandler  *httpH.HealthHandler
	Log            *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.RequestLogger(cfg.Log))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	if cfg.SessionHandler != nil {
		sessions := r.Group("/sessions")
		{
			sessions.POST("", cfg.SessionHandler.CreateSession)
			sessions.GET("/:id", cfg.SessionHandler.GetSession)
			sessions.DELETE("/:id", cfg.SessionHandler.DeleteSession)
			sessions.POST("/:id/start", cfg.SessionHandler.StartSession)
			sessions.POST("/:id/pause", cfg.SessionHandler.PauseSession)
			sessions.POST("/:id/resume", cfg.SessionHandler.ResumeSession)
			sessions.POST("/:id/stop", cfg.SessionHandler.StopSession)
			sessions.GET("/:id/stats", cfg.SessionHandler.GetStats)
			sessions.GET("/:id/exposures", cfg.SessionHandler.GetExposures)
			sessions.GET("/:id/activity", cfg.SessionHandler.GetActivity)
			sessions.GET("/:id/health", cfg.SessionHandler.GetHealth)
		}

		r.GET("/projects/:project_id/sessions", cfg.SessionHandler.ListByProject)
	}

	return r
}
