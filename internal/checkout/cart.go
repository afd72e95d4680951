package checkout

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/safar/go-checkout/internal/store"
)

// Cart is the explicit cart object threaded through the checkout flow. It is
// plain data; where it lives between requests (cookie, session store) is the
// caller's concern via EncodeCart/DecodeCart.
type Cart struct {
	Lines []CartLine `json:"lines"`
}

type CartLine struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

// Add merges a line into the cart, accumulating quantity for a variant
// already present.
func (c *Cart) Add(variantID int64, quantity int) {
	for i := range c.Lines {
		if c.Lines[i].VariantID == variantID {
			c.Lines[i].Quantity += quantity
			return
		}
	}
	c.Lines = append(c.Lines, CartLine{VariantID: variantID, Quantity: quantity})
}

// Validate rejects carts that cannot become an order.
func (c *Cart) Validate() error {
	if len(c.Lines) == 0 {
		return fmt.Errorf("cart is empty")
	}
	for _, line := range c.Lines {
		if line.VariantID <= 0 {
			return fmt.Errorf("invalid variant id %d", line.VariantID)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("quantity must be positive for variant %d", line.VariantID)
		}
	}
	return nil
}

// ItemRequests converts the cart into the order store's item shape.
func (c *Cart) ItemRequests() []store.OrderItemRequest {
	items := make([]store.OrderItemRequest, 0, len(c.Lines))
	for _, line := range c.Lines {
		items = append(items, store.OrderItemRequest{
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		})
	}
	return items
}

// EncodeCart serializes a cart for external storage.
func EncodeCart(cart Cart) (string, error) {
	data, err := json.Marshal(cart)
	if err != nil {
		return "", fmt.Errorf("encode cart: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeCart restores a cart from its encoded form. An empty input yields an
// empty cart.
func DecodeCart(encoded string) (Cart, error) {
	var cart Cart
	if encoded == "" {
		return cart, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return cart, fmt.Errorf("decode cart: %w", err)
	}
	if err := json.Unmarshal(data, &cart); err != nil {
		return cart, fmt.Errorf("decode cart: %w", err)
	}
	return cart, nil
}
