package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-checkout/internal/database"
	"github.com/safar/go-checkout/internal/models"
	"github.com/shopspring/decimal"
)

// CreatePayment records a pending payment attempt for an order. The amount
// must equal the order's total at creation time. Several pending attempts may
// coexist for one order (a user retrying after a timeout mints a fresh
// gateway order id); only the attempt that is later confirmed wins.
func CreatePayment(ctx context.Context, db *sql.DB, orderID, userID int64, gatewayOrderID string, amount decimal.Decimal, currency string) (*models.Payment, error) {
	payment := &models.Payment{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var total decimal.Decimal
		err := tx.QueryRowContext(ctx,
			`SELECT total FROM orders WHERE id = $1`, orderID).Scan(&total)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("load order total: %w", err)
		}
		if !amount.Equal(total) {
			return database.ErrAmountMismatch
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO payments (order_id, user_id, gateway_order_id, gateway_payment_id, gateway_signature,
			                       amount, currency, status, error_message, created_at, updated_at)
			 VALUES ($1, $2, $3, '', '', $4, $5, $6, '', NOW(), NOW())
			 RETURNING id, order_id, user_id, gateway_order_id, gateway_payment_id, gateway_signature,
			           amount, currency, status, error_message, created_at, updated_at`,
			orderID, userID, gatewayOrderID, amount, currency, models.PaymentStatusPending).Scan(
			&payment.ID,
			&payment.OrderID,
			&payment.UserID,
			&payment.GatewayOrderID,
			&payment.GatewayPaymentID,
			&payment.GatewaySignature,
			&payment.Amount,
			&payment.Currency,
			&payment.Status,
			&payment.ErrorMessage,
			&payment.CreatedAt,
			&payment.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

func GetPaymentByGatewayOrderID(ctx context.Context, db *sql.DB, gatewayOrderID string) (*models.Payment, error) {
	payment := &models.Payment{}

	err := db.QueryRowContext(ctx,
		`SELECT id, order_id, user_id, gateway_order_id, gateway_payment_id, gateway_signature,
		        amount, currency, status, error_message, created_at, updated_at
		 FROM payments
		 WHERE gateway_order_id = $1`,
		gatewayOrderID).Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.UserID,
		&payment.GatewayOrderID,
		&payment.GatewayPaymentID,
		&payment.GatewaySignature,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&payment.ErrorMessage,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	return payment, nil
}

// CompletePayment marks a pending payment completed, storing the gateway
// payment id and signature. The update is guarded on the pending status;
// completed reports whether this call performed the transition. A false
// result with a nil error means another caller got there first or the row is
// already terminal.
func CompletePayment(ctx context.Context, db *sql.DB, gatewayOrderID, gatewayPaymentID, signature string) (completed bool, err error) {
	result, err := db.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1, gateway_payment_id = $2, gateway_signature = $3, updated_at = NOW()
		 WHERE gateway_order_id = $4
		   AND status = $5`,
		models.PaymentStatusCompleted, gatewayPaymentID, signature,
		gatewayOrderID, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// FailPayment marks a pending payment failed with an operator-visible reason.
// Terminal rows are left untouched.
func FailPayment(ctx context.Context, db *sql.DB, gatewayOrderID, reason string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1, error_message = $2, updated_at = NOW()
		 WHERE gateway_order_id = $3
		   AND status = $4`,
		models.PaymentStatusFailed, reason, gatewayOrderID, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payments WHERE gateway_order_id = $1)`,
			gatewayOrderID).Scan(&exists); err != nil {
			return fmt.Errorf("check payment exists: %w", err)
		}
		if !exists {
			return database.ErrPaymentNotFound
		}
	}
	return nil
}

// ListPaymentsForOrder returns every payment attempt recorded for an order,
// newest first. Admin views read this.
func ListPaymentsForOrder(ctx context.Context, db *sql.DB, orderID int64) ([]models.Payment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, user_id, gateway_order_id, gateway_payment_id, gateway_signature,
		        amount, currency, status, error_message, created_at, updated_at
		 FROM payments
		 WHERE order_id = $1
		 ORDER BY created_at DESC, id DESC`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		err := rows.Scan(
			&p.ID,
			&p.OrderID,
			&p.UserID,
			&p.GatewayOrderID,
			&p.GatewayPaymentID,
			&p.GatewaySignature,
			&p.Amount,
			&p.Currency,
			&p.Status,
			&p.ErrorMessage,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}
