package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCreateOrder(t *testing.T) {
	var got createOrderRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key_test" || pass != "secret_test" {
			t.Errorf("unexpected credentials %q/%q", user, pass)
		}

		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "order_Hk2jPVC8RmXY",
			"amount":   got.Amount,
			"currency": got.Currency,
			"receipt":  got.Receipt,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key_test", "secret_test", 5*time.Second)

	order, err := client.CreateOrder(context.Background(), decimal.RequireFromString("59.99"), "INR", 42)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.ID != "order_Hk2jPVC8RmXY" {
		t.Errorf("expected gateway order id order_Hk2jPVC8RmXY, got %s", order.ID)
	}
	if got.Amount != 5999 {
		t.Errorf("expected amount 5999 minor units, got %d", got.Amount)
	}
	if got.Currency != "INR" {
		t.Errorf("expected currency INR, got %s", got.Currency)
	}
	if got.Notes["order_id"] != "42" {
		t.Errorf("expected order id note 42, got %q", got.Notes["order_id"])
	}
	if got.Receipt == "" {
		t.Error("expected a receipt tag")
	}
}

func TestCreateOrderGatewayRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"description": "amount exceeds maximum"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key_test", "secret_test", 5*time.Second)

	_, err := client.CreateOrder(context.Background(), decimal.NewFromInt(100), "INR", 1)
	if err == nil {
		t.Fatal("expected error")
	}

	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *gateway.Error, got %T: %v", err, err)
	}
	if gwErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", gwErr.StatusCode)
	}
	if gwErr.Description != "amount exceeds maximum" {
		t.Errorf("unexpected description %q", gwErr.Description)
	}
}

func TestCreateOrderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, "key_test", "secret_test", time.Second)

	_, err := client.CreateOrder(context.Background(), decimal.NewFromInt(100), "INR", 1)
	if err == nil {
		t.Fatal("expected error for unreachable gateway")
	}
}

func TestCreateOrderMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"amount": 100})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key_test", "secret_test", time.Second)

	_, err := client.CreateOrder(context.Background(), decimal.NewFromInt(1), "INR", 1)
	if err == nil {
		t.Fatal("expected error for response without id")
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount string
		want   int64
	}{
		{"59.99", 5999},
		{"0.01", 1},
		{"10", 1000},
		{"1234.50", 123450},
	}

	for _, tc := range cases {
		got := MinorUnits(decimal.RequireFromString(tc.amount))
		if got != tc.want {
			t.Errorf("MinorUnits(%s) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}
