// Package httpapi exposes the admission-control core over HTTP for the
// calling request layer.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/kidsafe-ai/guardian/internal/anomaly"
	"github.com/kidsafe-ai/guardian/internal/audit"
	"github.com/kidsafe-ai/guardian/internal/ratelimit"
	"github.com/kidsafe-ai/guardian/internal/threat"
)

// Server wires the core components behind the HTTP handlers.
type Server struct {
	limiter   *ratelimit.Limiter
	threats   *threat.Detector
	anomaly   *anomaly.Detector
	incidents *audit.IncidentStore
	jwtSecret string
}

// NewServer constructs a Server. The incident store may be nil when no audit
// DSN is configured.
func NewServer(limiter *ratelimit.Limiter, threats *threat.Detector, anomalyDetector *anomaly.Detector, incidents *audit.IncidentStore, jwtSecret string) *Server {
	return &Server{
		limiter:   limiter,
		threats:   threats,
		anomaly:   anomalyDetector,
		incidents: incidents,
		jwtSecret: jwtSecret,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Health)

	v1 := router.Group("/v1", authRequired(s.jwtSecret))
	{
		v1.POST("/check", s.Check)
		v1.POST("/conversations/start", s.ConversationStart)
		v1.POST("/conversations/:id/message", s.ConversationMessage)
		v1.POST("/conversations/:id/end", s.ConversationEnd)
		v1.POST("/incidents", s.ReportIncident)
		v1.POST("/threats/content", s.ScanContent)
		v1.GET("/threats/recent", s.RecentThreats)
		v1.POST("/sessions/evaluate", s.EvaluateSession)
		v1.GET("/usage/:subject", s.Usage)

		admin := v1.Group("", adminRequired())
		admin.POST("/limits/:subject/reset", s.ResetLimits)
	}
	return router
}
