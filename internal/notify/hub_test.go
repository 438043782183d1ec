package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spotx/exchange-engine/internal/engine"
	"github.com/spotx/exchange-engine/internal/money"
	"github.com/spotx/exchange-engine/internal/notify"
)

// newHubServer serves the hub over a test server; the user ID comes from
// the request path so each dial can pick its identity.
func newHubServer(t *testing.T) (*notify.Hub, *httptest.Server) {
	t.Helper()
	hub := notify.NewHub(nil)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/ws/"), 10, 64)
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		hub.ServeWS(w, r, userID)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + strconv.FormatInt(userID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial user %d: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

func testEvent() engine.TradeEvent {
	return engine.TradeEvent{
		BuyOrderID:    1,
		SellOrderID:   2,
		BuyUserID:     10,
		SellUserID:    20,
		Symbol:        "BTC-USD",
		Price:         money.MustParse("50000"),
		Amount:        money.MustParse("0.5"),
		USDValue:      money.MustParse("25000"),
		CommissionUSD: money.MustParse("375"),
	}
}

func TestHubDeliversToBothCounterparties(t *testing.T) {
	hub, srv := newHubServer(t)
	buyer := dial(t, srv, 10)
	seller := dial(t, srv, 20)

	// Give the register events time to land before delivering.
	time.Sleep(50 * time.Millisecond)
	hub.NotifyTrade(context.Background(), testEvent())

	for name, conn := range map[string]*websocket.Conn{"buyer": buyer, "seller": seller} {
		msg := readPayload(t, conn)
		if msg["type"] != "order.matched" {
			t.Errorf("%s: type = %v, want order.matched", name, msg["type"])
		}
		if msg["symbol"] != "BTC-USD" {
			t.Errorf("%s: symbol = %v", name, msg["symbol"])
		}
		if msg["price"] != "50000" {
			t.Errorf("%s: price = %v", name, msg["price"])
		}
	}
}

func TestHubSkipsUninvolvedUsers(t *testing.T) {
	hub, srv := newHubServer(t)
	bystander := dial(t, srv, 99)

	time.Sleep(50 * time.Millisecond)
	hub.NotifyTrade(context.Background(), testEvent())

	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := bystander.ReadMessage(); err == nil {
		t.Fatalf("bystander received %q, want nothing", data)
	}
}

func TestHubEvictsClosedConnections(t *testing.T) {
	hub, srv := newHubServer(t)
	buyer := dial(t, srv, 10)
	seller := dial(t, srv, 20)

	time.Sleep(50 * time.Millisecond)
	buyer.Close()
	time.Sleep(50 * time.Millisecond)

	// Delivery to the closed buyer is dropped; the seller still gets the
	// event, and a second delivery keeps working.
	hub.NotifyTrade(context.Background(), testEvent())
	if msg := readPayload(t, seller); msg["type"] != "order.matched" {
		t.Errorf("first delivery type = %v", msg["type"])
	}

	hub.NotifyTrade(context.Background(), testEvent())
	if msg := readPayload(t, seller); msg["type"] != "order.matched" {
		t.Errorf("second delivery type = %v", msg["type"])
	}
}
