package checkout

import (
	"encoding/json"
	"testing"
)

func TestParseCallback(t *testing.T) {
	raw := `{
		"gateway_order_id": "order_Hk2jPVC8RmXY",
		"gateway_payment_id": "pay_29QQoUBi66xm2f",
		"signature": "abc123",
		"order_id": 42
	}`
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	req, err := ParseCallback(payload)
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}

	if req.GatewayOrderID != "order_Hk2jPVC8RmXY" {
		t.Errorf("unexpected gateway order id %q", req.GatewayOrderID)
	}
	if req.GatewayPaymentID != "pay_29QQoUBi66xm2f" {
		t.Errorf("unexpected gateway payment id %q", req.GatewayPaymentID)
	}
	if req.Signature != "abc123" {
		t.Errorf("unexpected signature %q", req.Signature)
	}
	if req.OrderID != 42 {
		t.Errorf("unexpected order id %d", req.OrderID)
	}
}

func TestParseCallbackRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"empty", map[string]interface{}{}},
		{"missing signature", map[string]interface{}{
			"gateway_order_id":   "order_1",
			"gateway_payment_id": "pay_1",
			"order_id":           float64(1),
		}},
		{"empty gateway order id", map[string]interface{}{
			"gateway_order_id":   "",
			"gateway_payment_id": "pay_1",
			"signature":          "sig",
			"order_id":           float64(1),
		}},
		{"numeric signature", map[string]interface{}{
			"gateway_order_id":   "order_1",
			"gateway_payment_id": "pay_1",
			"signature":          float64(123),
			"order_id":           float64(1),
		}},
		{"string order id", map[string]interface{}{
			"gateway_order_id":   "order_1",
			"gateway_payment_id": "pay_1",
			"signature":          "sig",
			"order_id":           "42",
		}},
		{"zero order id", map[string]interface{}{
			"gateway_order_id":   "order_1",
			"gateway_payment_id": "pay_1",
			"signature":          "sig",
			"order_id":           float64(0),
		}},
	}

	for _, tc := range cases {
		if _, err := ParseCallback(tc.payload); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
