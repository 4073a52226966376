package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dexety/dex-trading-system/internal/model"
)

func TestParseTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000005,"s":"ETHUSD_PERP","t":42,"p":"2000.10","q":"3","X":"MARKET","m":true,"T":1700000000000}`)
	tr, err := ParseTrade(raw)
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if tr.Price != 2000.10 || tr.Qty != 3 {
		t.Errorf("unexpected price/qty %v/%v", tr.Price, tr.Qty)
	}
	if tr.TS != 1700000000000 {
		t.Errorf("expected trade time, got %d", tr.TS)
	}
	if !tr.BuyerIsMaker {
		t.Error("expected buyer-is-maker")
	}
	if tr.Symbol != "ETHUSD_PERP" {
		t.Errorf("unexpected symbol %s", tr.Symbol)
	}
}

func TestParseTrade_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"bad price":    `{"e":"trade","p":"x","q":"1","T":1}`,
		"zero price":   `{"e":"trade","p":"0","q":"1","T":1}`,
		"missing time": `{"e":"trade","p":"1","q":"1"}`,
		"other event":  `{"e":"aggTrade","p":"1","q":"1","T":1}`,
		"bad quantity": `{"e":"trade","p":"1","q":"","T":1}`,
	}
	for name, raw := range cases {
		if _, err := ParseTrade([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestConfig_StreamURL(t *testing.T) {
	c := Config{BaseURL: "wss://dstream.binance.com/ws/", Symbol: "ETHUSD_PERP"}
	if got := c.StreamURL(); got != "wss://dstream.binance.com/ws/ethusd_perp@trade" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestIngest_StreamsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","p":"100","q":"1","T":10,"m":false}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","p":"101","q":"2","T":11,"m":true}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ing, err := New(Config{
		BaseURL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:         "ETHUSD_PERP",
		ReconnectDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan model.Trade, 10)
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx, out) }()

	var got []model.Trade
	for len(got) < 2 {
		select {
		case tr := <-out:
			got = append(got, tr)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d trades", len(got))
		}
	}
	if got[0].Price != 100 || got[1].Price != 101 || !got[1].BuyerIsMaker {
		t.Errorf("unexpected trades %+v", got)
	}
	if path := <-paths; path != "/ethusd_perp@trade" {
		t.Errorf("unexpected stream path %s", path)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
