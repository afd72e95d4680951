package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-checkout/internal/database"
	"github.com/safar/go-checkout/internal/models"
	"github.com/shopspring/decimal"
)

func CreateVariant(ctx context.Context, db *sql.DB, productID int64, size, color string, priceAdjustment decimal.Decimal, stock int) (*models.ProductVariant, error) {
	if stock < 0 {
		return nil, fmt.Errorf("negative initial stock")
	}

	variant := &models.ProductVariant{}

	query := `
		INSERT INTO product_variants (product_id, size, color, price_adjustment, stock_quantity, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		RETURNING id, product_id, size, color, price_adjustment, stock_quantity, created_at, updated_at, version`

	err := db.QueryRowContext(ctx, query, productID, size, color, priceAdjustment, stock).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.Size,
		&variant.Color,
		&variant.PriceAdjustment,
		&variant.StockQuantity,
		&variant.CreatedAt,
		&variant.UpdatedAt,
		&variant.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("create variant: %w", err)
	}

	return variant, nil
}

func GetVariant(ctx context.Context, db *sql.DB, id int64) (*models.ProductVariant, error) {
	variant := &models.ProductVariant{}

	query := `
		SELECT id, product_id, size, color, price_adjustment, stock_quantity, created_at, updated_at, version
		FROM product_variants
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.Size,
		&variant.Color,
		&variant.PriceAdjustment,
		&variant.StockQuantity,
		&variant.CreatedAt,
		&variant.UpdatedAt,
		&variant.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return variant, nil
}

// DecrementVariantStock takes quantity units off a variant's stock counter.
// The update is guarded so stock never goes negative; a guard miss on an
// existing variant reports ErrInsufficientStock.
func DecrementVariantStock(ctx context.Context, db *sql.DB, variantID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}

	result, err := db.ExecContext(ctx,
		`UPDATE product_variants
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, variantID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM product_variants WHERE id = $1)`,
		variantID).Scan(&exists); err != nil {
		return fmt.Errorf("check variant exists: %w", err)
	}
	if !exists {
		return database.ErrVariantNotFound
	}
	return database.ErrInsufficientStock
}
