package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trailguard/config"
)

func testClient(url string) *APIClient {
	return NewAPIClient(url, "secret-token", &config.GatewayConfig{
		TimeoutSeconds: 2,
		RetryAttempts:  3,
	})
}

func TestFetchPriceSendsAuthAndQuery(t *testing.T) {
	var gotAuth, gotAsset string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAsset = r.URL.Query().Get("asset")
		json.NewEncoder(w).Encode(map[string]interface{}{"asset": "BTC", "price": 65000.5})
	}))
	defer srv.Close()

	price, err := testClient(srv.URL).FetchPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("FetchPrice failed: %v", err)
	}
	if price != 65000.5 {
		t.Errorf("Expected price 65000.5, got %v", price)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotAsset != "BTC" {
		t.Errorf("Expected asset query BTC, got %q", gotAsset)
	}
}

func TestFetchPriceRejectsNonPositive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"asset": "BTC", "price": 0})
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).FetchPrice(context.Background(), "BTC"); err == nil {
		t.Error("A zero price must be an error, never a valid quote")
	}
}

func TestRetriesTransientServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"prices": map[string]float64{"BTC": 65000}})
	}))
	defer srv.Close()

	prices, err := testClient(srv.URL).FetchAllPrices(context.Background())
	if err != nil {
		t.Fatalf("Expected the third attempt to succeed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if prices["BTC"] != 65000 {
		t.Errorf("Unexpected price map %v", prices)
	}
}

func TestGatewayErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 1003, "msg": "wallet not authorized"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchPositions(context.Background(), "0xabc")
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !strings.Contains(err.Error(), "wallet not authorized") || !strings.Contains(err.Error(), "1003") {
		t.Errorf("Expected the typed error body in the message, got %v", err)
	}
}

func TestFetchPositionsDecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"positions": []map[string]interface{}{{
				"coin": "BTC", "direction": "LONG", "size": 0.01,
				"entry_price": 65000, "leverage": 7, "margin_used": 92.86,
				"liquidation_price": 58000,
			}},
			"margin": map[string]interface{}{
				"account_value": 1000, "total_margin_used": 92.86,
			},
		})
	}))
	defer srv.Close()

	snap, err := testClient(srv.URL).FetchPositions(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("FetchPositions failed: %v", err)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("Expected one position, got %d", len(snap.Positions))
	}
	pos := snap.Positions[0]
	if pos.Coin != "BTC" || pos.Direction != Long || pos.LiquidationPrice != 58000 {
		t.Errorf("Position decoded wrong: %+v", pos)
	}
	if !pos.HasCompleteFillData() {
		t.Error("Position with entry, size and leverage should be complete")
	}
	if snap.Margin.AccountValue != 1000 {
		t.Errorf("Margin summary decoded wrong: %+v", snap.Margin)
	}
}

func TestCloseTreatsNoOpenPositionAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["asset"] != "BTC" {
			t.Errorf("Expected asset BTC in payload, got %v", body["asset"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "detail": "No open position for BTC"})
	}))
	defer srv.Close()

	ok, detail := testClient(srv.URL).ClosePosition(context.Background(), "0xabc", "BTC", "test")
	if !ok {
		t.Errorf("A no-open-position response must count as closed, got ok=false detail=%q", detail)
	}
}

func TestReduceRoundsPercentage(t *testing.T) {
	var gotPct float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		gotPct, _ = body["reduce_pct"].(float64)
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "detail": "reduced"})
	}))
	defer srv.Close()

	ok, _ := testClient(srv.URL).ReducePosition(context.Background(), "0xabc", "BTC", 33.33333, "downsize")
	if !ok {
		t.Fatal("Expected the reduce to succeed")
	}
	if gotPct != 33.33 {
		t.Errorf("Expected the percentage rounded to 33.33, got %v", gotPct)
	}
}
