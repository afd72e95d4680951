package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/go-checkout/internal/database"
	"github.com/safar/go-checkout/internal/models"
	"github.com/shopspring/decimal"
)

type CreateOrderRequest struct {
	UserID       int64
	Address      models.ShippingAddress
	ShippingCost decimal.Decimal
	Items        []OrderItemRequest
}

type OrderItemRequest struct {
	VariantID int64
	Quantity  int
}

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d", time.Now().UnixNano())
}

// CreateOrder persists a pending order with immutable item snapshots. Stock is
// only checked for availability here; it is decremented when the payment for
// the order is confirmed.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, database.ErrEmptyOrder
	}
	if !req.Address.Complete() {
		return nil, fmt.Errorf("incomplete shipping address")
	}
	if req.ShippingCost.IsNegative() {
		return nil, fmt.Errorf("negative shipping cost")
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be positive for variant %d", item.VariantID)
		}
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)",
			req.UserID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return database.ErrUserNotFound
		}

		type snapshot struct {
			productID   int64
			productName string
			size        string
			color       string
			unitPrice   decimal.Decimal
		}
		snapshots := make(map[int64]snapshot)
		subtotal := decimal.Zero

		for _, item := range req.Items {
			var snap snapshot
			var basePrice, adjustment decimal.Decimal
			var stockQuantity int

			err := tx.QueryRowContext(ctx,
				`SELECT p.id, p.name, p.base_price, v.size, v.color, v.price_adjustment, v.stock_quantity
				 FROM product_variants v
				 JOIN products p ON p.id = v.product_id
				 WHERE v.id = $1`,
				item.VariantID).Scan(
				&snap.productID,
				&snap.productName,
				&basePrice,
				&snap.size,
				&snap.color,
				&adjustment,
				&stockQuantity,
			)
			if err != nil {
				if err == sql.ErrNoRows {
					return database.ErrVariantNotFound
				}
				return fmt.Errorf("load variant %d: %w", item.VariantID, err)
			}

			if stockQuantity < item.Quantity {
				return database.ErrInsufficientStock
			}

			snap.unitPrice = basePrice.Add(adjustment)
			snapshots[item.VariantID] = snap
			subtotal = subtotal.Add(snap.unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		total := subtotal.Add(req.ShippingCost)
		orderNumber := generateOrderNumber()

		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, subtotal, shipping_cost, total,
			                     ship_name, ship_street, ship_city, ship_region, ship_postal_code, ship_phone,
			                     payment_method, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, '', NOW(), NOW(), 1)
			 RETURNING id`,
			req.UserID, orderNumber, models.OrderStatusPending, subtotal, req.ShippingCost, total,
			req.Address.Name, req.Address.Street, req.Address.City, req.Address.Region,
			req.Address.PostalCode, req.Address.Phone).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range req.Items {
			snap := snapshots[item.VariantID]
			lineTotal := snap.unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))

			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, variant_id, product_name,
				                          variant_size, variant_color, quantity, unit_price, line_total, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
				orderID, snap.productID, item.VariantID, snap.productName,
				snap.size, snap.color, item.Quantity, snap.unitPrice, lineTotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		order = &models.Order{ID: orderID}
		return scanOrderRow(tx.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, orderID), order)
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

const orderSelect = `
	SELECT id, user_id, order_number, status, subtotal, shipping_cost, total,
	       ship_name, ship_street, ship_city, ship_region, ship_postal_code, ship_phone,
	       payment_method, created_at, updated_at, version
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderRow(row rowScanner, order *models.Order) error {
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.Subtotal,
		&order.ShippingCost,
		&order.Total,
		&order.Address.Name,
		&order.Address.Street,
		&order.Address.City,
		&order.Address.Region,
		&order.Address.PostalCode,
		&order.Address.Phone,
		&order.PaymentMethod,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return database.ErrOrderNotFound
		}
		return fmt.Errorf("scan order: %w", err)
	}
	return nil
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order := &models.Order{}
	if err := scanOrderRow(db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id), order); err != nil {
		return nil, err
	}

	items, err := getOrderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// GetOrderForUser loads an order and enforces ownership.
func GetOrderForUser(ctx context.Context, db *sql.DB, id, userID int64) (*models.Order, error) {
	order, err := GetOrder(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, database.ErrUnauthorized
	}
	return order, nil
}

func getOrderItems(ctx context.Context, db *sql.DB, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, variant_id, product_name, variant_size, variant_color,
		        quantity, unit_price, line_total, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.VariantID,
			&item.ProductName,
			&item.VariantSize,
			&item.VariantColor,
			&item.Quantity,
			&item.UnitPrice,
			&item.LineTotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ConfirmOrder transitions an order to confirmed. The update is guarded on the
// previous status so concurrent confirmations cannot both succeed; a repeat
// call against an already confirmed order is a no-op.
func ConfirmOrder(ctx context.Context, db *sql.DB, orderID int64, paymentMethod string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, payment_method = $2, updated_at = NOW(), version = version + 1
		 WHERE id = $3
		   AND status IN ($4, $5)`,
		models.OrderStatusConfirmed, paymentMethod, orderID,
		models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		return fmt.Errorf("confirm order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	err = db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return database.ErrOrderNotFound
		}
		return fmt.Errorf("check order status: %w", err)
	}
	if status == models.OrderStatusConfirmed {
		return nil
	}
	return database.ErrInvalidStatus
}

// CancelOrder lets the owning user cancel an order that has not been
// confirmed yet.
func CancelOrder(ctx context.Context, db *sql.DB, orderID, userID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2
		   AND user_id = $3
		   AND status IN ($4, $5)`,
		models.OrderStatusCancelled, orderID, userID,
		models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var ownerID int64
	var status string
	err = db.QueryRowContext(ctx, `SELECT user_id, status FROM orders WHERE id = $1`, orderID).
		Scan(&ownerID, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return database.ErrOrderNotFound
		}
		return fmt.Errorf("check order: %w", err)
	}
	if ownerID != userID {
		return database.ErrUnauthorized
	}
	return database.ErrInvalidStatus
}

// UpdateOrderStatus is the administrative shipping-lifecycle transition.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, orderID int64, status string) error {
	switch status {
	case models.OrderStatusProcessing, models.OrderStatusShipped,
		models.OrderStatusDelivered, models.OrderStatusCancelled:
	default:
		return database.ErrInvalidStatus
	}

	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2`,
		status, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}
	return nil
}

// ExpireStalePendingOrders cancels orders abandoned mid-checkout and fails
// their open payment attempts. Returns the ids of the expired orders.
func ExpireStalePendingOrders(ctx context.Context, db *sql.DB, olderThan time.Duration) ([]int64, error) {
	var expired []int64

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE status = $2
			   AND created_at < NOW() - $3::interval
			 RETURNING id`,
			models.OrderStatusCancelled, models.OrderStatusPending,
			fmt.Sprintf("%f seconds", olderThan.Seconds()))
		if err != nil {
			return fmt.Errorf("expire pending orders: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan expired order id: %w", err)
			}
			expired = append(expired, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		for _, orderID := range expired {
			_, err := tx.ExecContext(ctx,
				`UPDATE payments
				 SET status = $1, error_message = $2, updated_at = NOW()
				 WHERE order_id = $3
				   AND status = $4`,
				models.PaymentStatusFailed, "order expired before payment completed",
				orderID, models.PaymentStatusPending)
			if err != nil {
				return fmt.Errorf("fail payments for expired order %d: %w", orderID, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return expired, nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := orderSelect + `
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := scanOrderRow(rows, &order); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
