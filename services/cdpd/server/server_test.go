package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"microstable/config"
	"microstable/core/types"
	"microstable/crypto"
	"microstable/native/cdp"
	"microstable/services/cdpd/engine"
	"microstable/storage"
)

const testSecret = "server-test-secret"

var (
	governor = crypto.DeriveAddress(crypto.AccountPrefix, "server-test/governor")
	alice    = crypto.DeriveAddress(crypto.AccountPrefix, "server-test/alice")
	bob      = crypto.DeriveAddress(crypto.AccountPrefix, "server-test/bob")
)

type harness struct {
	engine *engine.Engine
	server *httptest.Server
}

func newHarness(t *testing.T, auth AuthConfig) *harness {
	t.Helper()
	eng, err := engine.Build(context.Background(), storage.NewMemDB(), engine.Options{
		Global: config.Global{
			Params: config.Params{
				MinCollateralRatio: 150,
				CollateralAsset:    "WETH",
				SyntheticAsset:     "msUSD",
				Authority:          governor.String(),
			},
			Liquidation: config.Liquidation{CloseFactorBps: 10_000, BonusBps: 500},
			Price:       config.Price{Num: 1, Den: 1},
			Genesis: []config.GenesisBalance{
				{Address: alice.String(), Amount: "1000"},
				{Address: bob.String(), Amount: "1000"},
			},
		},
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	srv, err := New(Config{Auth: auth, StreamWriteTimeout: time.Second}, Deps{
		Manager:  eng.Manager,
		Params:   eng.Params,
		Balances: eng.Bank,
		Events:   eng.Events,
		Price:    eng.Price,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{engine: eng, server: ts}
}

func (h *harness) do(t *testing.T, method, path string, caller crypto.Address, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if !caller.IsZero() {
		req.Header.Set(CallerHeader, caller.String())
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestDepositMintWithdrawOverHTTP(t *testing.T) {
	h := newHarness(t, AuthConfig{})

	resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", alice, map[string]string{"collateral": "300", "mint": "200"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %v", resp.StatusCode, body)
	}
	if body["operation"] != cdp.OpDepositAndMint || body["debt"].(float64) != 200 {
		t.Fatalf("unexpected receipt: %v", body)
	}

	resp, body = h.do(t, http.MethodGet, "/v1/positions/"+alice.String(), crypto.Address{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get position status %d: %v", resp.StatusCode, body)
	}
	health := body["health"].(map[string]any)
	if health["state"] != "open" {
		t.Fatalf("unexpected health: %v", health)
	}

	resp, body = h.do(t, http.MethodPost, "/v1/positions/mint", alice, map[string]string{"amount": "1"})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["error"] != "collateral_ratio_too_low" {
		t.Fatalf("expected ratio rejection, got %d: %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/v1/positions/close", alice, nil)
	if resp.StatusCode != http.StatusOK || body["closed"] != true {
		t.Fatalf("close status %d: %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/v1/positions/"+alice.String(), crypto.Address{}, nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "position_not_found" {
		t.Fatalf("expected 404 after close, got %d: %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/v1/accounts/"+alice.String()+"/balances", crypto.Address{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balances status %d: %v", resp.StatusCode, body)
	}
	balances := body["balances"].(map[string]any)
	if balances["WETH"] != "1000" || balances["msUSD"] != "0" {
		t.Fatalf("round trip should restore balances: %v", balances)
	}
}

func TestWriteRoutesRequireCaller(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", crypto.Address{}, map[string]string{"collateral": "1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", resp.StatusCode, body)
	}
}

func TestMalformedBodyIsRejected(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", alice, map[string]any{"collateral": -5})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("expected 400, got %d: %v", resp.StatusCode, body)
	}
}

func TestLiquidationAfterPriceDrop(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	if resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", alice, map[string]string{"collateral": "150", "mint": "100"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit %d: %v", resp.StatusCode, body)
	}
	if resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", bob, map[string]string{"collateral": "500", "mint": "200"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bob deposit %d: %v", resp.StatusCode, body)
	}

	resp, body := h.do(t, http.MethodPost, "/v1/positions/"+alice.String()+"/liquidate", bob, nil)
	if resp.StatusCode != http.StatusConflict || body["error"] != "position_healthy" {
		t.Fatalf("expected healthy rejection, got %d: %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPut, "/v1/price", bob, map[string]uint64{"num": 1, "den": 2})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-authority price update should be forbidden, got %d: %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPut, "/v1/price", governor, map[string]uint64{"num": 9, "den": 10})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("price update %d: %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/v1/positions/"+alice.String()+"/liquidate", bob, nil)
	if resp.StatusCode != http.StatusOK || body["operation"] != cdp.OpLiquidate {
		t.Fatalf("liquidate %d: %v", resp.StatusCode, body)
	}
}

func TestParamsAdministration(t *testing.T) {
	h := newHarness(t, AuthConfig{})

	resp, body := h.do(t, http.MethodPut, "/v1/params/min-ratio", alice, map[string]uint64{"minCollateralRatio": 200})
	if resp.StatusCode != http.StatusForbidden || body["error"] != "unauthorized" {
		t.Fatalf("expected 403, got %d: %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPut, "/v1/params/min-ratio", governor, map[string]uint64{"minCollateralRatio": 99})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for ratio below floor, got %d: %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPut, "/v1/params/min-ratio", governor, map[string]uint64{"minCollateralRatio": 200})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update %d: %v", resp.StatusCode, body)
	}
	if got := body["params"].(map[string]any)["minCollateralRatio"].(float64); got != 200 {
		t.Fatalf("min ratio not updated: %v", got)
	}

	resp, body = h.do(t, http.MethodPut, "/v1/params/pauses", governor, map[string]bool{"deposit": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pauses %d: %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPost, "/v1/positions/deposit", alice, map[string]string{"collateral": "10"})
	if resp.StatusCode != http.StatusServiceUnavailable || body["error"] != "paused" {
		t.Fatalf("expected paused, got %d: %v", resp.StatusCode, body)
	}
}

func signToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"iss":   "microstable",
		"scope": strings.Join(scopes, " "),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWTAuthentication(t *testing.T) {
	h := newHarness(t, AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "microstable"})
	deposit := func(token string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/positions/deposit", strings.NewReader(`{"collateral":"10"}`))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		// Ignored when authentication is enabled.
		req.Header.Set(CallerHeader, bob.String())
		return send(t, req)
	}

	if resp, _ := deposit(""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", resp.StatusCode)
	}
	if resp, _ := deposit("not-a-jwt"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d", resp.StatusCode)
	}
	if resp, _ := deposit(signToken(t, alice.String())); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("token without scope: got %d", resp.StatusCode)
	}
	if resp, _ := deposit(signToken(t, "alice", ScopeWrite)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("non-address subject: got %d", resp.StatusCode)
	}
	resp, body := deposit(signToken(t, alice.String(), ScopeWrite))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: got %d: %v", resp.StatusCode, body)
	}
	if body["owner"] != alice.String() {
		t.Fatalf("position must belong to the token subject, got %v", body["owner"])
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}

	now = now.Add(2 * time.Second)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bucket should refill, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/events?type=cdp.minted&owner=" + alice.String()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.Events.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", bob, map[string]string{"collateral": "300", "mint": "10"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bob deposit %d: %v", resp.StatusCode, body)
	}
	if resp, body := h.do(t, http.MethodPost, "/v1/positions/deposit", alice, map[string]string{"collateral": "300", "mint": "100"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("alice deposit %d: %v", resp.StatusCode, body)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != cdp.TypeMinted || evt.Attr("owner") != alice.String() || evt.Attr("amount") != "100" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{cdp.ErrInvalidAmount, http.StatusBadRequest},
		{cdp.ErrUnauthorized, http.StatusForbidden},
		{cdp.ErrPositionNotFound, http.StatusNotFound},
		{cdp.ErrCollateralRatioTooLow, http.StatusUnprocessableEntity},
		{cdp.ErrPositionNotEmpty, http.StatusConflict},
		{cdp.ErrModulePaused, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: got %d want %d", tc.err, got, tc.want)
		}
	}
}
