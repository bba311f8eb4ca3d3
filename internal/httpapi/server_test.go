package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kidsafe-ai/guardian/internal/anomaly"
	"github.com/kidsafe-ai/guardian/internal/ratelimit"
	"github.com/kidsafe-ai/guardian/internal/storage"
	"github.com/kidsafe-ai/guardian/internal/threat"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := storage.NewMemoryBackend(nil)
	t.Cleanup(backend.Close)
	limiter := ratelimit.NewLimiter(backend, nil, nil, nil)
	threats := threat.NewDetector(0, 0, nil, nil)
	anomalyDetector := anomaly.NewDetector(backend, anomaly.DefaultWeights(), anomaly.DefaultThreshold, nil)
	server := NewServer(limiter, threats, anomalyDetector, nil, testSecret)
	return server.Router()
}

func signToken(t *testing.T, secret string, admin bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if admin {
		claims["admin"] = true
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		t.Fatalf("expected no error, got %v", errSign)
	}
	return signed
}

func doRequest(router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status ratelimit.HealthStatus
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &status); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if status.Status != "healthy" || status.BackendType != "memory" {
		t.Fatalf("expected healthy memory backend, got %+v", status)
	}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/v1/check", "", `{"subject_id":"c1","operation":"ai_request"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	wrong := signToken(t, "other-secret", false)
	rec = doRequest(router, http.MethodPost, "/v1/check", wrong, `{"subject_id":"c1","operation":"ai_request"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrongly signed token, got %d", rec.Code)
	}
}

func TestAuthUnconfiguredSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	backend := storage.NewMemoryBackend(nil)
	defer backend.Close()
	server := NewServer(ratelimit.NewLimiter(backend, nil, nil, nil),
		threat.NewDetector(0, 0, nil, nil),
		anomaly.NewDetector(backend, anomaly.DefaultWeights(), anomaly.DefaultThreshold, nil),
		nil, "")
	rec := doRequest(server.Router(), http.MethodPost, "/v1/check", signToken(t, testSecret, false), `{"subject_id":"c1","operation":"ai_request"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when auth is unconfigured, got %d", rec.Code)
	}
}

func TestCheckAllowsAndDenies(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)
	body := `{"subject_id":"child-1","operation":"ai_request","age":4}`

	for i := 0; i < 20; i++ {
		rec := doRequest(router, http.MethodPost, "/v1/check", token, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 on request %d, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := doRequest(router, http.MethodPost, "/v1/check", token, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the ceiling, got %d", rec.Code)
	}
	var result ratelimit.Result
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &result); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if result.Allowed || result.Reason != ratelimit.ReasonRateLimitExceeded {
		t.Fatalf("expected denial with rate_limit_exceeded, got %+v", result)
	}
}

func TestCheckRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)
	rec := doRequest(router, http.MethodPost, "/v1/check", token, `{"operation":"ai_request"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without subject_id, got %d", rec.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)
	startBody := `{"subject_id":"child-2","age":3}`

	rec := doRequest(router, http.MethodPost, "/v1/conversations/start", token, startBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first start, got %d: %s", rec.Code, rec.Body.String())
	}
	// toddler band allows a single concurrent conversation.
	rec = doRequest(router, http.MethodPost, "/v1/conversations/start", token, startBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on concurrent start, got %d", rec.Code)
	}

	rec = doRequest(router, http.MethodPost, "/v1/conversations/conv-1/end", token, `{"subject_id":"child-2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on end, got %d", rec.Code)
	}
	rec = doRequest(router, http.MethodPost, "/v1/conversations/start", token, startBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after slot freed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMessageContentInjectionRejected(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)
	body := `{"subject_id":"child-3","age":9,"content":"<script>alert(1)</script>"}`

	rec := doRequest(router, http.MethodPost, "/v1/conversations/conv-2/message", token, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for injected content, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if threatID, _ := payload["threat_id"].(string); threatID == "" {
		t.Fatalf("expected threat_id in response, got %v", payload)
	}
}

func TestMessageBenignContentAllowed(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)
	body := `{"subject_id":"child-4","age":9,"content":"tell me about dinosaurs"}`

	rec := doRequest(router, http.MethodPost, "/v1/conversations/conv-3/message", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for benign message, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReportIncidentActivatesCooldown(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)

	rec := doRequest(router, http.MethodPost, "/v1/incidents", token,
		`{"subject_id":"child-5","age":9,"incident_type":"inappropriate_content","severity":"HIGH"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result ratelimit.Result
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &result); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if !result.SafetyCooldownActive {
		t.Fatalf("expected cooldown active, got %+v", result)
	}

	rec = doRequest(router, http.MethodPost, "/v1/check", token, `{"subject_id":"child-5","operation":"ai_request","age":9}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 during cooldown, got %d", rec.Code)
	}
}

func TestScanContent(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)

	rec := doRequest(router, http.MethodPost, "/v1/threats/content", token, `{"content":"just a story","user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if payload["threat"] != nil {
		t.Fatalf("expected no threat for benign content, got %v", payload["threat"])
	}

	rec = doRequest(router, http.MethodPost, "/v1/threats/content", token, `{"content":"'; DROP TABLE kids; --","user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload = map[string]any{}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if payload["threat"] == nil {
		t.Fatalf("expected threat for SQL fragment")
	}
}

func TestRecentThreats(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)

	doRequest(router, http.MethodPost, "/v1/threats/content", token, `{"content":"<script>x</script>","user_id":"u2"}`)
	rec := doRequest(router, http.MethodGet, "/v1/threats/recent", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Threats []threat.Threat `json:"threats"`
		Count   int             `json:"count"`
	}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if payload.Count != 1 || len(payload.Threats) != 1 {
		t.Fatalf("expected 1 recorded threat, got %+v", payload)
	}
	if payload.Threats[0].Type != threat.TypeContentInjection {
		t.Fatalf("expected content injection threat, got %q", payload.Threats[0].Type)
	}
}

func TestEvaluateSessionFeedsBackIntoLimiter(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)

	body := `{"subject_id":"child-6","session":{"started_at":"2025-03-01T10:00:00Z","ended_at":"2025-03-01T10:10:00Z","child_safety_violations":2}}`
	rec := doRequest(router, http.MethodPost, "/v1/sessions/evaluate", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var verdict anomaly.Result
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &verdict); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if !verdict.IsAnomaly {
		t.Fatalf("expected safety violations to score anomalous, got %+v", verdict)
	}

	// The high-severity feedback incident arms a cooldown.
	rec = doRequest(router, http.MethodPost, "/v1/check", token, `{"subject_id":"child-6","operation":"ai_request"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after anomaly feedback, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUsageEndpoint(t *testing.T) {
	router := newTestRouter(t)
	token := signToken(t, testSecret, false)

	doRequest(router, http.MethodPost, "/v1/check", token, `{"subject_id":"child-7","operation":"ai_request","age":10}`)
	rec := doRequest(router, http.MethodGet, "/v1/usage/child-7", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		SubjectID string                                      `json:"subject_id"`
		Usage     map[ratelimit.Operation]ratelimit.UsageStat `json:"usage"`
	}
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("expected no error, got %v", errDecode)
	}
	if payload.SubjectID != "child-7" {
		t.Fatalf("expected subject child-7, got %q", payload.SubjectID)
	}
	if payload.Usage[ratelimit.OpAIRequest].CurrentRequests != 1 {
		t.Fatalf("expected 1 recorded request, got %+v", payload.Usage[ratelimit.OpAIRequest])
	}
}

func TestResetRequiresAdmin(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/v1/limits/child-8/reset", signToken(t, testSecret, false), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin claim, got %d", rec.Code)
	}

	admin := signToken(t, testSecret, true)
	rec = doRequest(router, http.MethodPost, "/v1/limits/child-8/reset", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin claim, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(router, http.MethodPost, "/v1/limits/child-8/reset?operation=bogus", admin, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown operation, got %d", rec.Code)
	}
	rec = doRequest(router, http.MethodPost, "/v1/limits/child-8/reset?operation=ai_request", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known operation, got %d", rec.Code)
	}
}
