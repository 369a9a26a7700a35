package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ezp2p/ezp2p/internal/config"
	"github.com/ezp2p/ezp2p/internal/pricing"
	"github.com/ezp2p/ezp2p/internal/settlement"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fixedOracle returns one rate for every currency
type fixedOracle struct {
	rate float64
}

func (o *fixedOracle) CurrentRate(_ context.Context, _ string) (float64, error) {
	return o.rate, nil
}

// countingSettler hands out sequential references
type countingSettler struct {
	calls atomic.Int32
}

func (s *countingSettler) Settle(_ context.Context, _ string, _ int64) (string, error) {
	n := s.calls.Add(1)
	return fmt.Sprintf("tx_%d", n), nil
}

var _ settlement.Settler = (*countingSettler)(nil)
var _ pricing.Oracle = (*fixedOracle)(nil)

// testConfig returns a minimal config for testing. Upstream URLs point
// at the given server so health checks stay local.
func testConfig(upstream string) *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		Currency:           "GBP",
		PriceAPIURL:        upstream,
		ArkServerURL:       upstream,
		PaylinkBaseURL:     "https://pay.example/me",
		PublicBaseURL:      "https://ramp.example",
		BeginTrigger:       "Buy Bitcoin",
		MinAddressLen:      10,
		SessionCapacity:    100,
		HTTPTimeoutSeconds: 2,
		RateLimitRPM:       600,
	}
}

// newTestServer creates a server with fake upstreams
func newTestServer(t *testing.T) *Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	s, err := New(testConfig(upstream.URL),
		WithOracle(&fixedOracle{rate: 50000}),
		WithSettler(&countingSettler{}),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/api/validate",
		"POST:/chat/:user/start",
		"POST:/chat/:user/message",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end purchase flow
// ---------------------------------------------------------------------------

func TestPurchaseThenValidateFlow(t *testing.T) {
	s := newTestServer(t)

	send := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)
		return w
	}

	// Open the session, then walk the conversation to payment instructions
	w := send("/chat/user-1/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start: got %d: %s", w.Code, w.Body.String())
	}
	for _, msg := range []string{"Buy Bitcoin", "ark1qexampleaddress"} {
		w := send("/chat/user-1/message", fmt.Sprintf(`{"text":%q}`, msg))
		if w.Code != http.StatusOK {
			t.Fatalf("message %q: got %d: %s", msg, w.Code, w.Body.String())
		}
	}

	w = send("/chat/user-1/message", `{"text":"10000"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("amount message: got %d: %s", w.Code, w.Body.String())
	}
	var chatResp struct {
		Replies []struct {
			Type      string `json:"type"`
			PayURL    string `json:"payUrl"`
			Sats      int64  `json:"sats"`
			FiatMinor int64  `json:"fiatMinor"`
		} `json:"replies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &chatResp); err != nil {
		t.Fatalf("Failed to parse chat response: %v", err)
	}
	var foundPayment bool
	for _, r := range chatResp.Replies {
		if r.Type == "payment" {
			foundPayment = true
			if r.Sats != 10000 || r.FiatMinor != 500 {
				t.Errorf("payment reply: got %d sats / %d minor, want 10000 / 500", r.Sats, r.FiatMinor)
			}
			if r.PayURL == "" {
				t.Error("payment reply missing payUrl")
			}
		}
	}
	if !foundPayment {
		t.Fatalf("no payment reply in %s", w.Body.String())
	}

	// Validate the payment
	body := `{"address":"ark1qexampleaddress","proof":{"amount":500,"paymentId":"pay-123"}}`
	w = send("/api/validate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("validate: got %d: %s", w.Code, w.Body.String())
	}
	var result struct {
		Success   bool   `json:"success"`
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse validate response: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful validation: %s", w.Body.String())
	}
	if result.Reference == "" {
		t.Error("expected settlement reference")
	}

	// Replaying the same payment ID must not settle again
	w = send("/api/validate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate validate: got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse duplicate response: %v", err)
	}
	if result.Success {
		t.Error("duplicate payment ID should not succeed")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
