package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Product struct {
	ID          int64           `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	BasePrice   decimal.Decimal `json:"base_price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
}

// ProductVariant is a purchasable size/color configuration of a product.
// PriceAdjustment is added to the product's base price and may be negative.
type ProductVariant struct {
	ID              int64           `json:"id"`
	ProductID       int64           `json:"product_id"`
	Size            string          `json:"size"`
	Color           string          `json:"color"`
	PriceAdjustment decimal.Decimal `json:"price_adjustment"`
	StockQuantity   int             `json:"stock_quantity"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int             `json:"version"`
}

// UnitPrice is the effective price of the variant.
func (v *ProductVariant) UnitPrice(basePrice decimal.Decimal) decimal.Decimal {
	return basePrice.Add(v.PriceAdjustment)
}

type ShippingAddress struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Phone      string `json:"phone"`
}

// Complete reports whether every address field is filled in.
func (a ShippingAddress) Complete() bool {
	return a.Name != "" && a.Street != "" && a.City != "" &&
		a.Region != "" && a.PostalCode != "" && a.Phone != ""
}

type Order struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	OrderNumber   string          `json:"order_number"`
	Status        string          `json:"status"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	ShippingCost  decimal.Decimal `json:"shipping_cost"`
	Total         decimal.Decimal `json:"total"`
	Address       ShippingAddress `json:"address"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
	Items         []OrderItem     `json:"items,omitempty"`
}

// OrderItem is a snapshot of the purchased variant at order time and is
// immutable after creation.
type OrderItem struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"order_id"`
	ProductID    int64           `json:"product_id"`
	VariantID    int64           `json:"variant_id"`
	ProductName  string          `json:"product_name"`
	VariantSize  string          `json:"variant_size"`
	VariantColor string          `json:"variant_color"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Payment is one gateway-mediated payment attempt for an order. An order may
// accumulate several attempts over time; completed and failed are terminal.
type Payment struct {
	ID               int64           `json:"id"`
	OrderID          int64           `json:"order_id"`
	UserID           int64           `json:"user_id"`
	GatewayOrderID   string          `json:"gateway_order_id"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	GatewaySignature string          `json:"gateway_signature,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// IsTerminalPaymentStatus reports whether a payment status permits no further transitions.
func IsTerminalPaymentStatus(status string) bool {
	return status == PaymentStatusCompleted || status == PaymentStatusFailed
}
