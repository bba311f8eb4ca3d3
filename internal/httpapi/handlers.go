package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kidsafe-ai/guardian/internal/anomaly"
	"github.com/kidsafe-ai/guardian/internal/audit"
	"github.com/kidsafe-ai/guardian/internal/ratelimit"
	"github.com/kidsafe-ai/guardian/internal/threat"
)

// checkRequest is the admission check payload.
type checkRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Operation string `json:"operation" binding:"required"`
	Age       *int   `json:"age"`
}

// Check runs a generic admission check for one operation.
func (s *Server) Check(c *gin.Context) {
	var req checkRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	result, errCheck := s.limiter.CheckRateLimit(c.Request.Context(), req.SubjectID, ratelimit.Operation(req.Operation), req.Age)
	if errCheck != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCheck.Error()})
		return
	}
	c.JSON(statusFor(result), result)
}

type conversationStartRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Age       *int   `json:"age"`
}

// ConversationStart checks the conversation-start and concurrency ceilings.
func (s *Server) ConversationStart(c *gin.Context) {
	var req conversationStartRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	result, errCheck := s.limiter.CheckConversationStartLimit(c.Request.Context(), req.SubjectID, req.Age)
	if errCheck != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCheck.Error()})
		return
	}
	c.JSON(statusFor(result), result)
}

type messageRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Age       *int   `json:"age"`
	Content   string `json:"content"`
}

// ConversationMessage checks the burst and message ceilings, and scans the
// message content for injection patterns when present.
func (s *Server) ConversationMessage(c *gin.Context) {
	conversationID := c.Param("id")
	var req messageRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Content != "" {
		if t := s.threats.DetectContentInjection(req.Content, req.SubjectID); t != nil {
			s.persistThreat(c, t)
			c.JSON(http.StatusForbidden, gin.H{
				"error":     "content rejected",
				"threat_id": t.ThreatID,
			})
			return
		}
	}
	result, errCheck := s.limiter.CheckMessageLimit(c.Request.Context(), req.SubjectID, req.Age, conversationID)
	if errCheck != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCheck.Error()})
		return
	}
	c.JSON(statusFor(result), result)
}

type conversationEndRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
}

// ConversationEnd releases one concurrent-conversation slot.
func (s *Server) ConversationEnd(c *gin.Context) {
	var req conversationEndRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.limiter.ConversationEnded(c.Request.Context(), req.SubjectID, c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

type incidentRequest struct {
	SubjectID      string `json:"subject_id" binding:"required"`
	Age            *int   `json:"age"`
	IncidentType   string `json:"incident_type" binding:"required"`
	Severity       string `json:"severity" binding:"required"`
	ConversationID string `json:"conversation_id"`
}

// ReportIncident records a safety incident and possibly activates a cooldown.
func (s *Server) ReportIncident(c *gin.Context) {
	var req incidentRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	result, errReport := s.limiter.ReportSafetyIncident(c.Request.Context(), req.SubjectID, req.Age,
		req.IncidentType, ratelimit.Severity(strings.ToLower(req.Severity)), req.ConversationID)
	if errReport != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errReport.Error()})
		return
	}
	if s.incidents != nil {
		s.incidents.Record(c.Request.Context(), audit.IncidentRecord{
			ThreatID:    audit.HashIdentifier(req.SubjectID + req.IncidentType + time.Now().UTC().Format(time.RFC3339)),
			Kind:        "safety_incident",
			Severity:    strings.ToLower(req.Severity),
			SubjectHash: audit.HashIdentifier(req.SubjectID),
			Description: req.IncidentType,
		})
	}
	c.JSON(http.StatusOK, result)
}

type contentScanRequest struct {
	Content string `json:"content" binding:"required"`
	UserID  string `json:"user_id"`
}

// ScanContent runs the content-injection detector directly.
func (s *Server) ScanContent(c *gin.Context) {
	var req contentScanRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	t := s.threats.DetectContentInjection(req.Content, req.UserID)
	if t == nil {
		c.JSON(http.StatusOK, gin.H{"threat": nil})
		return
	}
	s.persistThreat(c, t)
	c.JSON(http.StatusOK, gin.H{"threat": t})
}

type telemetryRequest struct {
	SubjectID string              `json:"subject_id" binding:"required"`
	Session   anomaly.SessionData `json:"session"`
}

// RecentThreats returns the rolling buffer of detected threats, newest last.
func (s *Server) RecentThreats(c *gin.Context) {
	threats := s.threats.RecentThreats()
	c.JSON(http.StatusOK, gin.H{"threats": threats, "count": len(threats)})
}

// EvaluateSession extracts features from session telemetry and scores them.
// A safety-pattern anomaly is fed back into the limiter as a high-severity
// safety incident, closing the loop between detection and admission.
func (s *Server) EvaluateSession(c *gin.Context) {
	var req telemetryRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	features := anomaly.ExtractFeatures(req.SubjectID, req.Session)
	verdict := s.anomaly.Evaluate(c.Request.Context(), req.SubjectID, features)
	if verdict.IsAnomaly && containsPattern(verdict.DetectedPatterns, anomaly.PatternSafetyViolations) {
		if _, errReport := s.limiter.ReportSafetyIncident(c.Request.Context(), req.SubjectID, nil,
			threat.TypeAnomalousBehavior, ratelimit.SeverityHigh, ""); errReport != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errReport.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, verdict)
}

// Usage returns the subject's consumption snapshot across operations.
func (s *Server) Usage(c *gin.Context) {
	stats, errStats := s.limiter.GetUsageStats(c.Request.Context(), c.Param("subject"))
	if errStats != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errStats.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": c.Param("subject"), "usage": stats})
}

// ResetLimits clears counters for one or every operation of a subject.
func (s *Server) ResetLimits(c *gin.Context) {
	var op *ratelimit.Operation
	if raw := strings.TrimSpace(c.Query("operation")); raw != "" {
		candidate := ratelimit.Operation(raw)
		if !ratelimit.KnownOperation(candidate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown operation"})
			return
		}
		op = &candidate
	}
	if errReset := s.limiter.ResetLimits(c.Request.Context(), c.Param("subject"), op); errReset != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errReset.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// Health reports backend reachability and aggregate counters.
func (s *Server) Health(c *gin.Context) {
	status := s.limiter.HealthCheck(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// persistThreat forwards a threat to the durable incident store when one is
// configured.
func (s *Server) persistThreat(c *gin.Context, t *threat.Threat) {
	if s.incidents == nil || t == nil {
		return
	}
	s.incidents.Record(c.Request.Context(), audit.IncidentRecord{
		ThreatID:    t.ThreatID,
		Kind:        t.Type,
		Severity:    string(t.Severity),
		SubjectHash: audit.HashIdentifier(t.UserID),
		Description: t.Description,
		Metadata:    audit.RecordMetadata(t.Metadata),
		DetectedAt:  t.DetectedAt,
	})
}

// statusFor maps an admission result to an HTTP status code.
func statusFor(result ratelimit.Result) int {
	if result.Allowed {
		return http.StatusOK
	}
	return http.StatusTooManyRequests
}

func containsPattern(patterns []string, want string) bool {
	for _, p := range patterns {
		if p == want {
			return true
		}
	}
	return false
}
