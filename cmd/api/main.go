package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/safar/go-checkout/internal/checkout"
	"github.com/safar/go-checkout/internal/config"
	"github.com/safar/go-checkout/internal/database"
	"github.com/safar/go-checkout/internal/gateway"
	"github.com/safar/go-checkout/internal/models"
	"github.com/safar/go-checkout/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cartCookie = "cart"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Init logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("Connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database")

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout)
	orchestrator := checkout.NewOrchestrator(db, gw, cfg.Gateway.WebhookSecret, cfg.Gateway.Currency, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/users", handleUsers(db))
	mux.HandleFunc("/products", handleProducts(db))
	mux.HandleFunc("/products/", handleProductByID(db))
	mux.HandleFunc("/variants", handleVariants(db))
	mux.HandleFunc("/cart", handleCart())
	mux.HandleFunc("/cart/items", handleCartItems())
	mux.HandleFunc("/orders", handleOrders(db))
	mux.HandleFunc("/orders/", handleOrderSubpath(db))
	mux.HandleFunc("/checkout/begin", handleBegin(orchestrator))
	mux.HandleFunc("/checkout/confirm", handleConfirm(orchestrator))
	mux.HandleFunc("/admin/orders/", handleAdminOrders(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runExpirySweep(ctx, db, cfg.Checkout, logger)

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
}

// runExpirySweep periodically cancels orders left pending by abandoned
// checkouts and fails their open payment attempts.
func runExpirySweep(ctx context.Context, db *sql.DB, cfg config.CheckoutConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := store.ExpireStalePendingOrders(ctx, db, cfg.PendingOrderTTL)
			if err != nil {
				logger.Error("Pending order sweep failed", zap.Error(err))
				continue
			}
			if len(expired) > 0 {
				logger.Info("Expired stale pending orders", zap.Int64s("order_ids", expired))
			}
		}
	}
}

// authUserID extracts the authenticated caller set by the identity proxy.
func authUserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func handleUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			user, err := store.CreateUser(ctx, db, req.Email, req.Name)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusCreated, user)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				SKU         string  `json:"sku"`
				Name        string  `json:"name"`
				Description string  `json:"description"`
				BasePrice   float64 `json:"base_price"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			price := decimal.NewFromFloat(req.BasePrice)
			product, err := store.CreateProduct(ctx, db, req.SKU, req.Name, req.Description, price)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusCreated, product)

		case http.MethodGet:
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			if page < 1 {
				page = 1
			}
			pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
			if pageSize < 1 || pageSize > 100 {
				pageSize = 20
			}

			result, err := store.ListProducts(ctx, db, page, pageSize)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleProductByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := r.URL.Path[len("/products/"):]
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}

		product, err := store.GetProduct(ctx, db, id)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, product)
	}
}

func handleVariants(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				ProductID       int64   `json:"product_id"`
				Size            string  `json:"size"`
				Color           string  `json:"color"`
				PriceAdjustment float64 `json:"price_adjustment"`
				Stock           int     `json:"stock"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			variant, err := store.CreateVariant(ctx, db, req.ProductID, req.Size, req.Color,
				decimal.NewFromFloat(req.PriceAdjustment), req.Stock)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusCreated, variant)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleCart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		cart, err := readCart(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid cart")
			return
		}

		respondJSON(w, http.StatusOK, cart)
	}
}

func handleCartItems() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			VariantID int64 `json:"variant_id"`
			Quantity  int   `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.VariantID <= 0 || req.Quantity <= 0 {
			respondError(w, http.StatusBadRequest, "variant_id and quantity must be positive")
			return
		}

		cart, err := readCart(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid cart")
			return
		}

		cart.Add(req.VariantID, req.Quantity)
		if err := writeCart(w, cart); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, cart)
	}
}

func handleOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, ok := authUserID(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "Missing authentication")
			return
		}

		switch r.Method {
		case http.MethodPost:
			var req struct {
				Address      addressRequest `json:"address"`
				ShippingCost float64        `json:"shipping_cost"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			cart, err := readCart(r)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid cart")
				return
			}
			if err := cart.Validate(); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}

			order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
				UserID:       userID,
				Address:      req.Address.toModel(),
				ShippingCost: decimal.NewFromFloat(req.ShippingCost),
				Items:        cart.ItemRequests(),
			})
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, order)

		case http.MethodGet:
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit < 1 || limit > 100 {
				limit = 20
			}

			page, err := store.ListOrdersCursor(ctx, db, userID, r.URL.Query().Get("cursor"), limit)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusOK, page)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleOrderSubpath(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, ok := authUserID(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "Missing authentication")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/orders/")
		parts := strings.SplitN(rest, "/", 2)
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			order, err := store.GetOrderForUser(ctx, db, id, userID)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)

		case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
			if err := store.CancelOrder(ctx, db, id, userID); err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

		case len(parts) == 2 && parts[1] == "payments" && r.Method == http.MethodGet:
			if _, err := store.GetOrderForUser(ctx, db, id, userID); err != nil {
				respondStoreError(w, err)
				return
			}
			payments, err := store.ListPaymentsForOrder(ctx, db, id)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			respondJSON(w, http.StatusOK, payments)

		default:
			respondError(w, http.StatusNotFound, "Not found")
		}
	}
}

func handleBegin(orchestrator *checkout.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		userID, ok := authUserID(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "Missing authentication")
			return
		}

		var req struct {
			OrderID int64 `json:"order_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		result, err := orchestrator.Begin(r.Context(), userID, req.OrderID)
		if err != nil {
			var gwErr *gateway.Error
			switch {
			case errors.As(err, &gwErr):
				respondError(w, http.StatusBadGateway, "Payment provider unavailable; try again")
			default:
				respondStoreError(w, err)
			}
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleConfirm(orchestrator *checkout.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		userID, ok := authUserID(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "Missing authentication")
			return
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		req, err := checkout.ParseCallback(payload)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := orchestrator.Confirm(r.Context(), userID, req)
		if err != nil {
			if errors.Is(err, checkout.ErrIndeterminate) {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "confirmation did not complete; the payment may already be captured",
					"state": "indeterminate",
				})
				return
			}
			respondStoreError(w, err)
			return
		}

		if result.Valid {
			clearCart(w)
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleAdminOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rest := strings.TrimPrefix(r.URL.Path, "/admin/orders/")
		parts := strings.SplitN(rest, "/", 2)
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		if len(parts) != 2 || parts[1] != "status" || r.Method != http.MethodPost {
			respondError(w, http.StatusNotFound, "Not found")
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		if err := store.UpdateOrderStatus(ctx, db, id, req.Status); err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

type addressRequest struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Phone      string `json:"phone"`
}

func (a addressRequest) toModel() models.ShippingAddress {
	return models.ShippingAddress{
		Name:       a.Name,
		Street:     a.Street,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Phone:      a.Phone,
	}
}

func readCart(r *http.Request) (checkout.Cart, error) {
	cookie, err := r.Cookie(cartCookie)
	if err != nil {
		return checkout.Cart{}, nil
	}
	return checkout.DecodeCart(cookie.Value)
}

func writeCart(w http.ResponseWriter, cart checkout.Cart) error {
	encoded, err := checkout.EncodeCart(cart)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cartCookie,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
	})
	return nil
}

func clearCart(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cartCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrPaymentNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrVariantNotFound),
		errors.Is(err, database.ErrUserNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrInvalidStatus),
		errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrEmptyOrder),
		errors.Is(err, database.ErrAmountMismatch):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
