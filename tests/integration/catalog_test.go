package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/safar/go-checkout/internal/database"
	"github.com/safar/go-checkout/internal/store"
	"github.com/shopspring/decimal"
)

func TestVariantPricing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product, err := store.CreateProduct(ctx, db, "CAT-001", "Hoodie", "Test", decimal.RequireFromString("40.00"))
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	discounted, err := store.CreateVariant(ctx, db, product.ID, "S", "red", decimal.RequireFromString("-5.00"), 3)
	if err != nil {
		t.Fatalf("Create variant: %v", err)
	}

	price := discounted.UnitPrice(product.BasePrice)
	if !price.Equal(decimal.RequireFromString("35.00")) {
		t.Errorf("Expected effective price 35.00, got %s", price)
	}
}

func TestDecrementVariantStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	variant := createTestVariant(t, db, "CAT-002", "10.00", "0", 5)

	if err := store.DecrementVariantStock(ctx, db, variant.ID, 3); err != nil {
		t.Fatalf("Decrement: %v", err)
	}

	after, err := store.GetVariant(ctx, db, variant.ID)
	if err != nil {
		t.Fatalf("Get variant: %v", err)
	}
	if after.StockQuantity != 2 {
		t.Errorf("Expected stock 2, got %d", after.StockQuantity)
	}

	// The guard refuses to go below zero.
	err = store.DecrementVariantStock(ctx, db, variant.ID, 3)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Errorf("Expected insufficient stock, got %v", err)
	}

	after, err = store.GetVariant(ctx, db, variant.ID)
	if err != nil {
		t.Fatalf("Get variant: %v", err)
	}
	if after.StockQuantity != 2 {
		t.Errorf("Stock must be unchanged after refused decrement, got %d", after.StockQuantity)
	}

	if err := store.DecrementVariantStock(ctx, db, 99999, 1); !errors.Is(err, database.ErrVariantNotFound) {
		t.Errorf("Expected variant not found, got %v", err)
	}
}

func TestDecrementVariantStockConcurrent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	variant := createTestVariant(t, db, "CAT-003", "10.00", "0", 10)

	concurrency := 10
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.DecrementVariantStock(ctx, db, variant.ID, 2)
		}()
	}

	wg.Wait()
	close(results)

	successCount := 0
	insufficientCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, database.ErrInsufficientStock):
			insufficientCount++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if successCount != 5 {
		t.Errorf("Expected exactly 5 successful decrements of 2 from 10, got %d", successCount)
	}

	after, err := store.GetVariant(ctx, db, variant.ID)
	if err != nil {
		t.Fatalf("Get variant: %v", err)
	}
	if after.StockQuantity != 0 {
		t.Errorf("Expected stock 0, got %d", after.StockQuantity)
	}
}
