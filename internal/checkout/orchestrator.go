package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-checkout/internal/database"
	"github.com/safar/go-checkout/internal/gateway"
	"github.com/safar/go-checkout/internal/models"
	"github.com/safar/go-checkout/internal/store"
	"go.uber.org/zap"
)

// ErrIndeterminate marks a confirmation that failed partway through the
// multi-record update. The payment may already be completed while the order or
// stock have not caught up; callers must not report the payment as failed.
// A reconciliation sweep cross-checking completed payments against order
// status repairs these.
var ErrIndeterminate = errors.New("confirmation in indeterminate state")

// PaymentMethodGateway is the method tag recorded on orders paid through the
// hosted gateway widget.
const PaymentMethodGateway = "gateway"

// Orchestrator coordinates the order, payment and inventory records through
// the begin/confirm protocol. It holds no per-request state; every operation
// is an independent request-scoped flow.
type Orchestrator struct {
	db            *sql.DB
	gateway       *gateway.Client
	webhookSecret string
	currency      string
	logger        *zap.Logger
}

func NewOrchestrator(db *sql.DB, gw *gateway.Client, webhookSecret, currency string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:            db,
		gateway:       gw,
		webhookSecret: webhookSecret,
		currency:      currency,
		logger:        logger,
	}
}

// BeginResult carries everything the checkout client needs to render the
// gateway's payment widget. Amount is in minor units.
type BeginResult struct {
	GatewayOrderID string `json:"gateway_order_id"`
	GatewayKeyID   string `json:"gateway_key_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// Begin opens a remote payment intent for a pending order and records the
// pending payment attempt. The local row is written only after the gateway
// accepts the intent, so a gateway failure leaves no local trace. A crash
// between the two writes leaves an unreferenced remote intent; that gap is
// accepted and the intent simply expires upstream.
func (o *Orchestrator) Begin(ctx context.Context, userID, orderID int64) (*BeginResult, error) {
	order, err := store.GetOrderForUser(ctx, o.db, orderID, userID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusPending {
		return nil, database.ErrInvalidStatus
	}
	if !order.Total.IsPositive() {
		return nil, fmt.Errorf("order %d has non-positive total %s", orderID, order.Total)
	}

	gwOrder, err := o.gateway.CreateOrder(ctx, order.Total, o.currency, order.ID)
	if err != nil {
		o.logger.Warn("gateway rejected payment intent",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	payment, err := store.CreatePayment(ctx, o.db, order.ID, userID, gwOrder.ID, order.Total, o.currency)
	if err != nil {
		// The remote intent already exists and will never be referenced.
		o.logger.Error("payment record write failed after gateway accepted intent",
			zap.Int64("order_id", orderID),
			zap.String("gateway_order_id", gwOrder.ID),
			zap.Error(err))
		return nil, fmt.Errorf("record payment attempt: %w", err)
	}

	o.logger.Info("payment attempt opened",
		zap.Int64("order_id", orderID),
		zap.Int64("payment_id", payment.ID),
		zap.String("gateway_order_id", gwOrder.ID),
		zap.Int64("amount_minor", gwOrder.Amount))

	return &BeginResult{
		GatewayOrderID: gwOrder.ID,
		GatewayKeyID:   o.gateway.KeyID(),
		Amount:         gwOrder.Amount,
		Currency:       gwOrder.Currency,
	}, nil
}

// ConfirmRequest is the validated shape of the gateway's confirmation
// callback.
type ConfirmRequest struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	OrderID          int64
}

// ConfirmResult is the typed outcome of a confirmation attempt. A signature
// mismatch is a normal Valid=false result, not an error.
type ConfirmResult struct {
	Valid            bool   `json:"valid"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Confirm verifies a gateway callback and, on a valid first delivery, marks
// the payment completed, confirms the order and decrements stock for every
// order item. Redelivered callbacks for an already completed payment are a
// no-op success. A store failure after the payment turned completed is
// surfaced wrapped in ErrIndeterminate.
func (o *Orchestrator) Confirm(ctx context.Context, userID int64, req ConfirmRequest) (*ConfirmResult, error) {
	payment, err := store.GetPaymentByGatewayOrderID(ctx, o.db, req.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, database.ErrUnauthorized
	}
	if payment.OrderID != req.OrderID {
		return nil, fmt.Errorf("callback references order %d but payment %d belongs to order %d",
			req.OrderID, payment.ID, payment.OrderID)
	}

	if !gateway.VerifySignature(o.webhookSecret, req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		o.logger.Warn("payment signature verification failed",
			zap.Int64("order_id", payment.OrderID),
			zap.Int64("payment_id", payment.ID),
			zap.String("gateway_order_id", req.GatewayOrderID),
			zap.String("gateway_payment_id", req.GatewayPaymentID))

		if payment.Status == models.PaymentStatusPending {
			if err := store.FailPayment(ctx, o.db, req.GatewayOrderID, "signature verification failed"); err != nil {
				return nil, fmt.Errorf("mark payment failed: %w", err)
			}
		}
		return &ConfirmResult{
			Valid:   false,
			Message: "payment could not be verified; please contact support",
		}, nil
	}

	switch payment.Status {
	case models.PaymentStatusCompleted:
		// Redelivered callback. Nothing left to do.
		o.logger.Info("duplicate confirmation for completed payment",
			zap.Int64("payment_id", payment.ID),
			zap.String("gateway_order_id", req.GatewayOrderID))
		return &ConfirmResult{Valid: true, AlreadyProcessed: true}, nil
	case models.PaymentStatusFailed:
		return &ConfirmResult{
			Valid:   false,
			Message: "payment attempt already failed; start a new checkout",
		}, nil
	}

	completedNow, err := store.CompletePayment(ctx, o.db, req.GatewayOrderID, req.GatewayPaymentID, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: complete payment: %v", ErrIndeterminate, err)
	}
	if !completedNow {
		// Lost the race against a concurrent confirm or the expiry sweep.
		current, err := store.GetPaymentByGatewayOrderID(ctx, o.db, req.GatewayOrderID)
		if err != nil {
			return nil, fmt.Errorf("%w: re-read payment: %v", ErrIndeterminate, err)
		}
		if current.Status == models.PaymentStatusCompleted {
			return &ConfirmResult{Valid: true, AlreadyProcessed: true}, nil
		}
		return &ConfirmResult{
			Valid:   false,
			Message: "payment attempt already failed; start a new checkout",
		}, nil
	}

	if err := store.ConfirmOrder(ctx, o.db, payment.OrderID, PaymentMethodGateway); err != nil {
		o.logger.Error("payment completed but order confirmation failed",
			zap.Int64("order_id", payment.OrderID),
			zap.Int64("payment_id", payment.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: confirm order %d: %v", ErrIndeterminate, payment.OrderID, err)
	}

	message := ""
	if err := o.adjustInventory(ctx, payment.OrderID); err != nil {
		// Payment is captured and the order confirmed; underflow repair is an
		// operator action, not an automatic rollback.
		o.logger.Error("inventory adjustment incomplete after confirmation",
			zap.Int64("order_id", payment.OrderID),
			zap.Error(err))
		message = "order confirmed; inventory adjustment pending review"
	}

	o.logger.Info("payment confirmed",
		zap.Int64("order_id", payment.OrderID),
		zap.Int64("payment_id", payment.ID),
		zap.String("gateway_payment_id", req.GatewayPaymentID))

	return &ConfirmResult{Valid: true, Message: message}, nil
}

func (o *Orchestrator) adjustInventory(ctx context.Context, orderID int64) error {
	order, err := store.GetOrder(ctx, o.db, orderID)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}

	var firstErr error
	for _, item := range order.Items {
		if err := store.DecrementVariantStock(ctx, o.db, item.VariantID, item.Quantity); err != nil {
			o.logger.Error("stock decrement failed",
				zap.Int64("order_id", orderID),
				zap.Int64("variant_id", item.VariantID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("decrement variant %d: %w", item.VariantID, err)
			}
		}
	}
	return firstErr
}

// ParseCallback coerces the gateway's dynamic callback payload into a
// ConfirmRequest, rejecting anything malformed before it reaches the
// orchestrator.
func ParseCallback(payload map[string]interface{}) (ConfirmRequest, error) {
	var req ConfirmRequest

	var err error
	if req.GatewayOrderID, err = stringField(payload, "gateway_order_id"); err != nil {
		return req, err
	}
	if req.GatewayPaymentID, err = stringField(payload, "gateway_payment_id"); err != nil {
		return req, err
	}
	if req.Signature, err = stringField(payload, "signature"); err != nil {
		return req, err
	}

	raw, ok := payload["order_id"]
	if !ok {
		return req, fmt.Errorf("callback missing order_id")
	}
	switch v := raw.(type) {
	case float64:
		req.OrderID = int64(v)
	case int64:
		req.OrderID = v
	default:
		return req, fmt.Errorf("callback order_id has unexpected type %T", raw)
	}
	if req.OrderID <= 0 {
		return req, fmt.Errorf("callback order_id must be positive")
	}

	return req, nil
}

func stringField(payload map[string]interface{}, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("callback missing %s", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("callback %s must be a non-empty string", key)
	}
	return s, nil
}
