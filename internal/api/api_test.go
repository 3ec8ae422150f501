package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-sec/kestrel/internal/bus"
	"github.com/kestrel-sec/kestrel/internal/challenge"
	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/repository"
	"github.com/kestrel-sec/kestrel/internal/risk"
	"github.com/kestrel-sec/kestrel/internal/stepup"
	"github.com/kestrel-sec/kestrel/internal/webauthn"
)

// createTestServer wires a full server on SQLite + memory stores with
// dev mode on so issued codes are echoed.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := risk.NewEngine(repo, domain.DefaultRiskThresholds())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	store := challenge.NewMemoryStore(domain.ChallengeConfig{
		Secret:       []byte("test-secret"),
		TTL:          10 * time.Minute,
		MaxAttempts:  5,
		LockDuration: 10 * time.Minute,
		Digits:       6,
	})

	ceremonies := webauthn.NewManager(domain.WebAuthnConfig{
		RPID:    "localhost",
		RPName:  "Kestrel",
		Timeout: time.Minute,
	})

	b := bus.NewChannelBus(10)
	t.Cleanup(func() { b.Close() })

	svc := stepup.NewService(engine, store, ceremonies, b, true)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, svc, engine, repo, store, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func evaluateBody(amount float64) map[string]any {
	return map[string]any{
		"subjectId":  "u1",
		"merchantId": "merchant_1",
		"amount":     amount,
		"currency":   "EUR",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"email":      "user@example.com",
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" || resp["version"] != "test-v1" {
		t.Errorf("unexpected health response: %v", resp)
	}
}

func TestCorrelationHeaders(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request ID to echo back, got %q", got)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("expected a trace ID header")
	}

	// A request without an ID gets one assigned.
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request ID header")
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	server := createTestServer(t)

	body, _ := json.Marshal(evaluateBody(10))
	req := httptest.NewRequest(http.MethodPost, "/transactions/evaluate", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without tenant header, got %d", rr.Code)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("LowRisk", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions/evaluate", evaluateBody(10))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp stepup.EvaluationResult
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.RequiresStepUp || resp.Score != 0 {
			t.Errorf("unexpected result: %+v", resp)
		}
	})

	t.Run("HighValueTriggersStepUp", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/transactions/evaluate", evaluateBody(600))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp stepup.EvaluationResult
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !resp.RequiresStepUp || resp.Score != 3 {
			t.Fatalf("expected step-up with score 3, got %+v", resp)
		}
		if len(resp.Methods) == 0 || resp.Methods[0] != "otp" {
			t.Errorf("expected otp method, got %v", resp.Methods)
		}
		if resp.DevCode == "" {
			t.Fatal("expected dev code in dev mode")
		}

		// Complete the flow over HTTP.
		vr := doJSON(t, server, http.MethodPost, "/otp/verify", map[string]string{
			"subjectId": "u1",
			"code":      resp.DevCode,
		})
		if vr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", vr.Code, vr.Body.String())
		}
		var verified stepup.VerificationResult
		if err := json.Unmarshal(vr.Body.Bytes(), &verified); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !verified.Verified {
			t.Errorf("expected verification, got %+v", verified)
		}
	})

	t.Run("MalformedTimestamp", func(t *testing.T) {
		body := evaluateBody(10)
		body["timestamp"] = "yesterday-ish"
		rr := doJSON(t, server, http.MethodPost, "/transactions/evaluate", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingSubject", func(t *testing.T) {
		body := evaluateBody(10)
		body["subjectId"] = ""
		rr := doJSON(t, server, http.MethodPost, "/transactions/evaluate", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestVerifyOTPWithoutChallenge(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/otp/verify", map[string]string{
		"subjectId": "ghost",
		"code":      "123456",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp stepup.VerificationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Verified || resp.Reason != "no_challenge" {
		t.Errorf("expected no_challenge, got %+v", resp)
	}
}

func TestMerchantRulesEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("PutAndGet", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/merchants/merchant_9/rules", map[string]any{
			"highValueAmount":    100.0,
			"suspiciousMerchant": true,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		gr := doJSON(t, server, http.MethodGet, "/merchants/merchant_9/rules", nil)
		if gr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", gr.Code)
		}
		var rs domain.MerchantRuleSet
		if err := json.Unmarshal(gr.Body.Bytes(), &rs); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if rs.HighValueAmount == nil || *rs.HighValueAmount != 100 || !rs.SuspiciousMerchant {
			t.Errorf("unexpected rule set: %+v", rs)
		}

		// The new rule set takes effect immediately: 150 crosses the
		// merchant's lowered threshold and the suspicious flag adds one.
		body := evaluateBody(150)
		body["merchantId"] = "merchant_9"
		er := doJSON(t, server, http.MethodPost, "/transactions/evaluate", body)
		var resp stepup.EvaluationResult
		if err := json.Unmarshal(er.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Score != 4 || !resp.RequiresStepUp {
			t.Errorf("expected score 4 under merchant rules, got %+v", resp)
		}
	})

	t.Run("RejectsBrokenExtension", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/merchants/merchant_9/rules", map[string]any{
			"extensions": []map[string]any{
				{"id": "broken", "expression": "amount >", "points": 1, "enabled": true},
			},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ListAndReload", func(t *testing.T) {
		lr := doJSON(t, server, http.MethodGet, "/merchants/rules", nil)
		if lr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", lr.Code)
		}
		var list struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(lr.Body.Bytes(), &list); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if list.Count != 1 {
			t.Errorf("expected 1 rule set, got %d", list.Count)
		}

		rr := doJSON(t, server, http.MethodPost, "/merchants/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("GetUnknownMerchant", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/merchants/nobody/rules", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestWebauthnAuthenticateStartWithoutCredentials(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/webauthn/authenticate/start", map[string]string{
		"subjectId": "u1",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
	}
}
