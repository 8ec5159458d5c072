package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/service"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc *service.LedgerService, metrics *observability.Metrics, jwtSecret string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 (protected) ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret, logger))

		// Accounts
		r.Get("/accounts", listAccountsHandler(svc, logger))
		r.Post("/accounts", createAccountHandler(svc, logger))
		r.Get("/accounts/{accountId}", getAccountHandler(svc, logger))
		r.Get("/accounts/{accountId}/balance", getBalanceHandler(svc, logger))
		r.Post("/accounts/{accountId}/convert", convertAccountHandler(svc, logger))
		r.Post("/accounts/{accountId}/deposit/reconcile", reconcileDepositHandler(svc, logger))
		r.Get("/balances", listBalancesHandler(svc, logger))

		// Transactions
		r.Get("/transactions", listTransactionsHandler(svc, logger))
		r.Post("/transactions", createTransactionHandler(svc, logger))
		r.Put("/transactions/{transactionId}", updateTransactionHandler(svc, logger))
		r.Delete("/transactions/{transactionId}", deleteTransactionHandler(svc, logger))

		// Recalculation
		r.Post("/recalculate", recalculateHandler(svc, logger))
		r.Post("/rebuild", rebuildHandler(svc, logger))

		// Analytics
		r.Get("/analytics/categories", categoryExpensesHandler(svc, logger))
		r.Get("/analytics/aggregates", aggregatesHandler(svc, logger))
		r.Post("/categories/rename", renameCategoryHandler(svc, logger))

		// Internals
		r.Get("/queue/stats", queueStatsHandler(svc, logger))
		r.Get("/stats", statsHandler(metrics, logger))
	})

	return r
}

// ============================================================
// Health
// ============================================================

func healthzHandler(svc *service.LedgerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := svc.QueueStats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "healthy",
			"queue_pending": stats.Pending,
			"checked_at":    time.Now().Format(time.RFC3339),
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// ============================================================
// Accounts
// ============================================================

func listAccountsHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts")
		defer span.End()

		writeJSON(w, http.StatusOK, map[string]any{"accounts": svc.Accounts(ctx)})
	}
}

type createAccountRequest struct {
	domain.Account
	// Imported accounts keep their stored balance; only transactions added
	// afterwards move it.
	Imported bool `json:"imported,omitempty"`
}

func createAccountHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/accounts")
		defer span.End()

		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var (
			account domain.Account
			err     error
		)
		if req.Imported {
			account, err = svc.ImportAccount(ctx, req.Account)
		} else {
			account, err = svc.AddAccount(ctx, req.Account)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("account.id", account.ID))

		writeJSON(w, http.StatusCreated, account)
	}
}

func getAccountHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{accountId}")
		defer span.End()

		account, err := svc.Account(ctx, chi.URLParam(r, "accountId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}
}

func getBalanceHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{accountId}/balance")
		defer span.End()

		account, err := svc.Account(ctx, chi.URLParam(r, "accountId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"account_id": account.ID,
			"balance":    account.Balance,
			"currency":   account.Currency,
		})
	}
}

func convertAccountHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/accounts/{accountId}/convert")
		defer span.End()

		accountID := chi.URLParam(r, "accountId")
		if err := svc.ConvertImportedAccount(ctx, accountID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func reconcileDepositHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/accounts/{accountId}/deposit/reconcile")
		defer span.End()

		accountID := chi.URLParam(r, "accountId")
		if err := svc.ReconcileDeposit(ctx, accountID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		account, err := svc.Account(ctx, accountID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}
}

func listBalancesHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/balances")
		defer span.End()

		writeJSON(w, http.StatusOK, map[string]any{"balances": svc.Balances(ctx)})
	}
}

// ============================================================
// Transactions
// ============================================================

func listTransactionsHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/transactions")
		defer span.End()

		transactions := svc.Transactions(ctx)

		if accountID := r.URL.Query().Get("account"); accountID != "" {
			filtered := make([]domain.Transaction, 0, len(transactions))
			for _, tx := range transactions {
				if isSource, isTarget := tx.Affects(accountID); isSource || isTarget {
					filtered = append(filtered, tx)
				}
			}
			transactions = filtered
		}

		if category := r.URL.Query().Get("category"); category != "" {
			filtered := make([]domain.Transaction, 0, len(transactions))
			for _, tx := range transactions {
				if tx.Category == category {
					filtered = append(filtered, tx)
				}
			}
			transactions = filtered
		}

		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(transactions) {
				transactions = transactions[:limit]
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"transactions": transactions})
	}
}

func createTransactionHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions")
		defer span.End()

		var tx domain.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		created, err := svc.AddTransaction(ctx, tx, priorityFromRequest(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("transaction.id", created.ID),
			attribute.String("user.id", UserIDFromContext(ctx)),
		)

		writeJSON(w, http.StatusCreated, created)
	}
}

func updateTransactionHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/transactions/{transactionId}")
		defer span.End()

		var tx domain.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		updated, err := svc.UpdateTransaction(ctx, chi.URLParam(r, "transactionId"), tx, priorityFromRequest(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func deleteTransactionHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/transactions/{transactionId}")
		defer span.End()

		if err := svc.RemoveTransaction(ctx, chi.URLParam(r, "transactionId"), priorityFromRequest(r)); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ============================================================
// Recalculation
// ============================================================

func recalculateHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/recalculate")
		defer span.End()

		var req struct {
			AccountIDs []string `json:"account_ids,omitempty"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		if err := svc.Recalculate(ctx, req.AccountIDs, priorityFromRequest(r)); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func rebuildHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/rebuild")
		defer span.End()

		if err := svc.Rebuild(ctx); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
	}
}

// ============================================================
// Analytics
// ============================================================

func categoryExpensesHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/analytics/categories")
		defer span.End()

		q := r.URL.Query()
		filter := domain.TimeFilter{
			Kind: domain.TimeFilterKind(q.Get("kind")),
			From: q.Get("from"),
			To:   q.Get("to"),
		}
		if filter.Kind == "" {
			filter.Kind = domain.FilterAllTime
		}
		if v := q.Get("year"); v != "" {
			year, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid year")
				return
			}
			filter.Year = year
		}
		if v := q.Get("month"); v != "" {
			month, err := strconv.Atoi(v)
			if err != nil || month < 1 || month > 12 {
				writeError(w, http.StatusBadRequest, "invalid month")
				return
			}
			filter.Month = month
		}
		currency := q.Get("currency")
		if currency == "" {
			writeError(w, http.StatusBadRequest, "currency is required")
			return
		}

		expenses, err := svc.CategoryExpenses(ctx, filter, currency)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"filter":   filter,
			"currency": currency,
			"expenses": expenses,
		})
	}
}

func aggregatesHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/analytics/aggregates")
		defer span.End()

		writeJSON(w, http.StatusOK, map[string]any{"aggregates": svc.Aggregates(ctx)})
	}
}

func renameCategoryHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/categories/rename")
		defer span.End()

		var req struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := svc.RenameCategory(ctx, req.From, req.To); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
	}
}

// ============================================================
// Internals
// ============================================================

func queueStatsHandler(svc *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.QueueStats())
	}
}

func statsHandler(metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		full, incremental := metrics.RecalculationCounts()
		writeJSON(w, http.StatusOK, map[string]any{
			"recalculations": map[string]float64{
				"full":        full,
				"incremental": incremental,
			},
			"cache_hit_rates": map[string]float64{
				"aggregate_query": metrics.CacheHitRate("aggregate_query"),
				"aggregate_year":  metrics.CacheHitRate("aggregate_year"),
			},
		})
	}
}
