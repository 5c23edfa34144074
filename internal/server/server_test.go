package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clearhold/clearhold/internal/config"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing (in-memory storage)
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		FeeBasisPoints:    500,
		AutoReleaseDays:   7,
		DisputeWindowDays: 3,
		StaleFundingDays:  14,
		SweepInterval:     "1h",
		AdminSecret:       "test-admin-secret",
		RateLimitRPS:      100,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// doJSON performs a request with an optional JSON body and identity headers
func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := decode(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called, so the server should not report ready
	w := doJSON(t, s, "GET", "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/api", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["name"] != "Clearhold" {
		t.Errorf("Expected name 'Clearhold', got %v", resp["name"])
	}
}

// ---------------------------------------------------------------------------
// End-to-end lifecycle over HTTP
// ---------------------------------------------------------------------------

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	buyer := map[string]string{"X-User-Id": "buyer-1"}
	seller := map[string]string{"X-User-Id": "seller-1"}

	// Create and fund the buyer's wallet
	w := doJSON(t, s, "POST", "/v1/wallets", map[string]any{
		"userId": "buyer-1", "currency": "USD",
	}, buyer)
	if w.Code != http.StatusOK {
		t.Fatalf("Create wallet failed: %d %s", w.Code, w.Body.String())
	}
	walletID := decode(t, w)["wallet"].(map[string]any)["id"].(string)

	w = doJSON(t, s, "POST", "/v1/wallets/"+walletID+"/topup", map[string]any{
		"amountCents": 20000,
	}, buyer)
	if w.Code != http.StatusOK {
		t.Fatalf("Topup failed: %d %s", w.Code, w.Body.String())
	}

	// Create the escrow
	w = doJSON(t, s, "POST", "/v1/escrows", map[string]any{
		"buyerId":     "buyer-1",
		"seller":      map[string]string{"id": "seller-1"},
		"currency":    "USD",
		"amountCents": 10000,
		"description": "vintage camera",
	}, buyer)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create escrow failed: %d %s", w.Code, w.Body.String())
	}
	esc := decode(t, w)["escrow"].(map[string]any)
	escrowID := esc["id"].(string)
	if esc["status"] != "awaiting_funding" {
		t.Errorf("Expected awaiting_funding, got %v", esc["status"])
	}

	// Fund from the wallet reservation
	w = doJSON(t, s, "POST", "/v1/escrows/"+escrowID+"/fund", nil, buyer)
	if w.Code != http.StatusOK {
		t.Fatalf("Fund failed: %d %s", w.Code, w.Body.String())
	}

	// Seller ships, buyer confirms, buyer releases
	w = doJSON(t, s, "POST", "/v1/escrows/"+escrowID+"/ship", map[string]any{
		"carrier": "UPS", "tracking": "1Z999",
	}, seller)
	if w.Code != http.StatusOK {
		t.Fatalf("Ship failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/escrows/"+escrowID+"/confirm-delivery", nil, buyer)
	if w.Code != http.StatusOK {
		t.Fatalf("Confirm delivery failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/escrows/"+escrowID+"/release", nil, buyer)
	if w.Code != http.StatusOK {
		t.Fatalf("Release failed: %d %s", w.Code, w.Body.String())
	}
	esc = decode(t, w)["escrow"].(map[string]any)
	if esc["status"] != "released" {
		t.Errorf("Expected released, got %v", esc["status"])
	}

	// Seller got the net amount (10000 less the 5% fee)
	w = doJSON(t, s, "GET", "/v1/users/seller-1/wallets", nil, seller)
	if w.Code != http.StatusOK {
		t.Fatalf("List seller wallets failed: %d %s", w.Code, w.Body.String())
	}
	wallets := decode(t, w)["wallets"].([]any)
	if len(wallets) != 1 {
		t.Fatalf("Expected 1 seller wallet, got %d", len(wallets))
	}
	available := wallets[0].(map[string]any)["availableCents"].(float64)
	if available != 9500 {
		t.Errorf("Expected seller available 9500, got %v", available)
	}

	// Lifecycle history is in the journal
	w = doJSON(t, s, "GET", "/v1/escrows/"+escrowID+"/journals", nil, buyer)
	if w.Code != http.StatusOK {
		t.Fatalf("List journals failed: %d %s", w.Code, w.Body.String())
	}
	journals := decode(t, w)["journals"].([]any)
	if len(journals) != 2 {
		t.Errorf("Expected 2 journals (funding, release), got %d", len(journals))
	}
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	// No secret
	w := doJSON(t, s, "POST", "/v1/admin/escrows/esc_x/refund", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	// Wrong secret
	w = doJSON(t, s, "POST", "/v1/admin/escrows/esc_x/refund", nil, map[string]string{
		"X-Admin-Secret": "nope",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with wrong secret, got %d", w.Code)
	}

	// Correct secret reaches the handler (escrow does not exist)
	w = doJSON(t, s, "POST", "/v1/admin/escrows/esc_x/refund", nil, map[string]string{
		"X-Admin-Secret": "test-admin-secret",
		"X-User-Id":      "admin-1",
		"X-User-Role":    "admin",
	})
	if w.Code == http.StatusForbidden {
		t.Errorf("Expected non-403 with correct secret, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Analytics
// ---------------------------------------------------------------------------

func TestAnalyticsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/analytics/escrows", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["totalCount"] != float64(0) {
		t.Errorf("Expected totalCount 0, got %v", resp["totalCount"])
	}

	w = doJSON(t, s, "GET", "/v1/analytics/escrows?from=not-a-time", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad from, got %d", w.Code)
	}
}

func TestReconciliationEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/admin/reconciliation", nil, map[string]string{
		"X-Admin-Secret": "test-admin-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["match"] != true {
		t.Errorf("Expected empty system to reconcile, got %v", resp["match"])
	}
}

func TestSellerByEmailOverHTTP(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "seller@example.com" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"userId":"seller-1"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer identity.Close()

	cfg := testConfig()
	cfg.DirectoryURL = identity.URL
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	buyer := map[string]string{"X-User-Id": "buyer-1"}
	w := doJSON(t, s, "POST", "/v1/wallets", map[string]any{
		"userId": "buyer-1", "currency": "USD",
	}, buyer)
	walletID := decode(t, w)["wallet"].(map[string]any)["id"].(string)
	doJSON(t, s, "POST", "/v1/wallets/"+walletID+"/topup", map[string]any{"amountCents": 20000}, buyer)

	w = doJSON(t, s, "POST", "/v1/escrows", map[string]any{
		"buyerId":     "buyer-1",
		"seller":      map[string]string{"email": "seller@example.com"},
		"currency":    "USD",
		"amountCents": 10000,
	}, buyer)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create escrow failed: %d %s", w.Code, w.Body.String())
	}
	esc := decode(t, w)["escrow"].(map[string]any)
	if esc["sellerId"] != "seller-1" {
		t.Errorf("sellerId = %v, want seller-1", esc["sellerId"])
	}

	w = doJSON(t, s, "POST", "/v1/escrows", map[string]any{
		"buyerId":     "buyer-1",
		"seller":      map[string]string{"email": "nobody@example.com"},
		"currency":    "USD",
		"amountCents": 10000,
	}, buyer)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown seller email, got %d %s", w.Code, w.Body.String())
	}
}
