package distributord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"apocat/services/distributord/evm"
)

type stubBalances struct {
	balances evm.Balances
	err      error
}

func (s *stubBalances) Balances(context.Context) (evm.Balances, error) {
	return s.balances, s.err
}

func newTestServer(t *testing.T, wallet *fakeWallet, reb *fakeRebalancer) (*Server, *Processor) {
	t.Helper()
	cfg := Config{
		Thresholds: ThresholdConfig{
			MinTokenBalance: "5000",
			TargetReserve:   "0.02",
			MinReserve:      "0.005",
			GasBuffer:       1.2,
			GasLimit:        100000,
		},
		Rewards: map[string]string{"completeRound": "0.001"},
		API:     APIConfig{RatePerMinute: 6000, Burst: 100},
	}
	proc, _ := newTestProcessor(t, wallet, &fakeEstimator{estimate: ReserveEstimate{
		GasCost:     mustDecimal(t, "0.001"),
		TotalNeeded: mustDecimal(t, "0.0012"),
	}}, reb)
	auth, err := NewAuthenticator(AuthConfig{BearerToken: "secret"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	reader := &stubBalances{balances: evm.Balances{
		Native: mustDecimal(t, "0.05"),
		Token:  mustDecimal(t, "6000"),
	}}
	if wallet != nil && wallet.balances.Native != nil {
		reader.balances = wallet.balances
	}
	return NewServer(cfg, proc, reader, reb, nil, auth, nil), proc
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestRewardMissingParameters(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	handler := srv.Handler()

	for _, payload := range []string{
		`{}`,
		`{"walletAddress":"0x1111111111111111111111111111111111111111"}`,
		`{"walletAddress":"0x1111111111111111111111111111111111111111","rewardType":"completeRound"}`,
		`{"rewardType":"completeRound","amount":0.001}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/reward", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload %s: status = %d, want 400", payload, rec.Code)
		}
		if body := decodeBody(t, rec); body["error"] != "Missing required parameters" {
			t.Fatalf("payload %s: error = %v", payload, body["error"])
		}
	}
}

func TestRewardInvalidAddress(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	req := httptest.NewRequest(http.MethodPost, "/api/reward",
		strings.NewReader(`{"walletAddress":"not-an-address","rewardType":"completeRound","amount":0.001}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Invalid wallet address" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestRewardAccepted(t *testing.T) {
	wallet := &fakeWallet{balances: evm.Balances{
		Native: mustDecimal(t, "0.05"),
		Token:  mustDecimal(t, "6000"),
	}}
	srv, proc := newTestServer(t, wallet, &fakeRebalancer{})
	proc.Pause()

	req := httptest.NewRequest(http.MethodPost, "/api/reward",
		strings.NewReader(`{"walletAddress":"0x1111111111111111111111111111111111111111","rewardType":"newHighScore","amount":1,"description":"wave 12"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	message, _ := body["message"].(string)
	if !strings.HasPrefix(message, "Reward of 1 APOCAT added for 0x1111...") {
		t.Fatalf("message = %q", message)
	}
	if got := proc.Status().PendingEntries; got != 1 {
		t.Fatalf("pending entries = %d, want 1", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, proc := newTestServer(t, &fakeWallet{balances: evm.Balances{
		Native: mustDecimal(t, "0.05"),
		Token:  mustDecimal(t, "6000"),
	}}, &fakeRebalancer{})
	proc.Pause()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "paused" {
		t.Fatalf("status field = %v, want paused", body["status"])
	}
	balances, ok := body["balances"].(map[string]any)
	if !ok {
		t.Fatalf("balances missing: %v", body["balances"])
	}
	if balances["eth"] != "0.05" || balances["apocat"] != "6000" {
		t.Fatalf("balances = %v", balances)
	}
	config, ok := body["config"].(map[string]any)
	if !ok || config["minTokenBalance"] != "5000" || config["targetEthReserve"] != "0.02" {
		t.Fatalf("config = %v", body["config"])
	}
}

func TestStatusEndpointBalanceFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	srv.wallet = &stubBalances{err: errors.New("rpc down")}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite RPC failure", rec.Code)
	}
	if body := decodeBody(t, rec); body["balances"] != nil {
		t.Fatalf("balances = %v, want null", body["balances"])
	}
}

func TestBuybackEndpoint(t *testing.T) {
	reb := &fakeRebalancer{}
	srv, _ := newTestServer(t, &fakeWallet{}, reb)

	req := httptest.NewRequest(http.MethodPost, "/api/buyback", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if reb.floatRuns != 1 {
		t.Fatalf("float check runs = %d, want 1", reb.floatRuns)
	}

	reb.floatErr = errors.New("quote failed")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/buyback", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "quote failed" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Fatalf("status = %v", body["status"])
	}
	if body["timestamp"] == "" {
		t.Fatalf("timestamp missing")
	}
}

func TestLeaderboardUnavailableWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	for _, tc := range []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/leaderboard", ""},
		{http.MethodPost, "/api/score", `{"walletAddress":"0x1111111111111111111111111111111111111111","score":100}`},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: status = %d, want 503", tc.method, tc.path, rec.Code)
		}
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	srv, proc := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated pause: status = %d, want 401", rec.Code)
	}
	if proc.Status().Paused {
		t.Fatalf("processor paused by unauthenticated request")
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("authenticated pause: status = %d, want 204", rec.Code)
	}
	if !proc.Status().Paused {
		t.Fatalf("processor not paused")
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/resume", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("authenticated resume: status = %d, want 204", rec.Code)
	}
	if proc.Status().Paused {
		t.Fatalf("processor still paused")
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status: status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["paused"] != false {
		t.Fatalf("admin status body = %v", body)
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWallet{}, &fakeRebalancer{})
	srv.limiter = NewRateLimiter(APIConfig{RatePerMinute: 60, Burst: 2})
	handler := srv.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first requests rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", codes[2])
	}
}
