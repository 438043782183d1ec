package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spotx/exchange-engine/internal/api"
	"github.com/spotx/exchange-engine/internal/auth"
	"github.com/spotx/exchange-engine/internal/engine"
	"github.com/spotx/exchange-engine/internal/money"
	"github.com/spotx/exchange-engine/internal/store"
)

type testEnv struct {
	srv     *httptest.Server
	store   *store.MemoryStore
	aliceID int64
	bobID   int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	hash, err := auth.HashPassword("password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	alice, err := ms.CreateUser(ctx, "Alice", "alice@example.com", hash, money.MustParse("100000"))
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := ms.CreateUser(ctx, "Bob", "bob@example.com", hash, money.MustParse("100000"))
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if err := ms.UpsertAsset(ctx, bob.ID, "BTC", money.MustParse("1")); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	authSvc := auth.NewService(ms, nil, "test-secret", time.Hour, nil)
	eng := engine.New(ms, nil, engine.Config{}, nil)
	server := api.NewServer(ms, eng, authSvc, nil, nil, nil)

	r := chi.NewRouter()
	server.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: ms, aliceID: alice.ID, bobID: bob.ID}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (env *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	resp, body := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"email":    email,
		"password": "password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body = %v", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/me", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestMeReturnsAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := body["email"]; got != "alice@example.com" {
		t.Errorf("email = %v", got)
	}
	if got := int64(body["id"].(float64)); got != env.aliceID {
		t.Errorf("id = %d, want %d", got, env.aliceID)
	}
}

func TestProfileIncludesBalanceAndAssets(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "bob@example.com")

	resp, body := env.do(t, http.MethodGet, "/api/profile", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := body["balance"]; got != money.Format(money.MustParse("100000")) {
		t.Errorf("balance = %v", got)
	}
	assets, _ := body["assets"].([]any)
	if len(assets) != 1 {
		t.Fatalf("assets = %v, want one entry", body["assets"])
	}
	asset := assets[0].(map[string]any)
	if asset["symbol"] != "BTC" {
		t.Errorf("asset symbol = %v", asset["symbol"])
	}
	if asset["amount"] != money.Format(money.MustParse("1")) {
		t.Errorf("asset amount = %v", asset["amount"])
	}
}

func TestCreateOrderReturnsOpenOrder(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/orders", token, map[string]string{
		"symbol": "BTC-USD",
		"side":   "buy",
		"price":  "50000",
		"amount": "0.01",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "open" {
		t.Errorf("status = %v, want open", body["status"])
	}
	if body["locked_usd"] != money.Format(money.MustParse("500")) {
		t.Errorf("locked_usd = %v", body["locked_usd"])
	}
}

func TestCreateOrderRejections(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	cases := []struct {
		name string
		req  map[string]string
		want int
	}{
		{"unsupported symbol", map[string]string{"symbol": "DOGE-USD", "side": "buy", "price": "1", "amount": "1"}, http.StatusUnprocessableEntity},
		{"bad side", map[string]string{"symbol": "BTC-USD", "side": "hold", "price": "1", "amount": "1"}, http.StatusUnprocessableEntity},
		{"non-numeric price", map[string]string{"symbol": "BTC-USD", "side": "buy", "price": "lots", "amount": "1"}, http.StatusUnprocessableEntity},
		{"zero amount", map[string]string{"symbol": "BTC-USD", "side": "buy", "price": "1", "amount": "0"}, http.StatusUnprocessableEntity},
		{"insufficient funds", map[string]string{"symbol": "BTC-USD", "side": "buy", "price": "50000", "amount": "100"}, http.StatusUnprocessableEntity},
		{"no assets to sell", map[string]string{"symbol": "BTC-USD", "side": "sell", "price": "50000", "amount": "1"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/orders", token, tc.req)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestMatchingThroughAPI(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")

	resp, body := env.do(t, http.MethodPost, "/api/orders", alice, map[string]string{
		"symbol": "BTC-USD",
		"side":   "buy",
		"price":  "50000",
		"amount": "0.5",
	})
	if resp.StatusCode != http.StatusCreated || body["status"] != "open" {
		t.Fatalf("buy order: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/orders", bob, map[string]string{
		"symbol": "BTC-USD",
		"side":   "sell",
		"price":  "50000",
		"amount": "0.5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sell order: status=%d body=%v", resp.StatusCode, body)
	}
	if body["status"] != "filled" {
		t.Errorf("sell status = %v, want filled", body["status"])
	}

	_, profile := env.do(t, http.MethodGet, "/api/profile", bob, nil)
	// 25000 gross, 375 commission at 1.5%.
	if got := profile["balance"]; got != money.Format(money.MustParse("124625")) {
		t.Errorf("seller balance = %v", got)
	}
}

func TestListOpenOrders(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	env.do(t, http.MethodPost, "/api/orders", token, map[string]string{
		"symbol": "BTC-USD", "side": "buy", "price": "40000", "amount": "0.1",
	})
	env.do(t, http.MethodPost, "/api/orders", token, map[string]string{
		"symbol": "BTC-USD", "side": "buy", "price": "41000", "amount": "0.1",
	})

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/orders?symbol=BTC-USD", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var orders []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	for _, o := range orders {
		if o["status"] != "open" {
			t.Errorf("order %v status = %v, want open", o["id"], o["status"])
		}
	}
}

func TestListOrdersRejectsUnknownSymbol(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/orders?symbol=DOGE-USD", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	_, created := env.do(t, http.MethodPost, "/api/orders", token, map[string]string{
		"symbol": "BTC-USD", "side": "buy", "price": "50000", "amount": "0.01",
	})
	orderID := int64(created["id"].(float64))

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/cancel", orderID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", body["status"])
	}

	// A second cancel hits a terminal order.
	resp, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/cancel", orderID), token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("second cancel status = %d, want 422", resp.StatusCode)
	}
}

func TestCancelForeignOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice@example.com")
	bob := env.login(t, "bob@example.com")

	_, created := env.do(t, http.MethodPost, "/api/orders", alice, map[string]string{
		"symbol": "BTC-USD", "side": "buy", "price": "50000", "amount": "0.01",
	})
	orderID := int64(created["id"].(float64))

	resp, _ := env.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/cancel", orderID), bob, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice@example.com")

	resp, _ := env.do(t, http.MethodPost, "/api/logout", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("logout status = %d, want 200", resp.StatusCode)
	}
}
