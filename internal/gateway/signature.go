package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayload computes the hex-encoded HMAC-SHA256 the gateway attaches to a
// confirmation callback: the MAC of "gatewayOrderID|gatewayPaymentID" under
// the shared webhook secret.
func SignPayload(secret, gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the callback MAC and compares it to the supplied
// signature in constant time. Only the gateway and this server hold the
// secret, so a match authenticates the callback.
func VerifySignature(secret, gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := SignPayload(secret, gatewayOrderID, gatewayPaymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
