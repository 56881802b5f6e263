// Package httpapi exposes the treasury REST API.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/treasury_layer/internal/app"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	allocdomain "github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/treasury_layer/internal/app/metrics"
	"github.com/R3E-Network/treasury_layer/internal/app/services/accounts"
	allocsvc "github.com/R3E-Network/treasury_layer/internal/app/services/allocation"
	ledgersvc "github.com/R3E-Network/treasury_layer/internal/app/services/ledger"
	reconsvc "github.com/R3E-Network/treasury_layer/internal/app/services/reconciliation"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	svcerrors "github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/internal/middleware"
)

const defaultPageSize = 50

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the treasury REST API. The caller is
// expected to wrap it with the auth middleware; routes requiring the guardian
// role carry the role gate themselves.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	guardian := middleware.RequireRole(middleware.RoleGuardian)

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.Handle("/accounts", guardian(http.HandlerFunc(h.createAccount))).Methods(http.MethodPost)
	r.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{ref}", h.getAccount).Methods(http.MethodGet)

	r.HandleFunc("/transactions", h.recordTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions", h.listTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", h.getTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/allocations", h.listAllocations).Methods(http.MethodGet)
	r.Handle("/transactions/{id}/complete", guardian(http.HandlerFunc(h.completeTransaction))).Methods(http.MethodPost)

	r.HandleFunc("/treasury/status", h.treasuryStatus).Methods(http.MethodGet)
	r.Handle("/treasury/reconcile", guardian(http.HandlerFunc(h.reconcile))).Methods(http.MethodPost)

	r.Handle("/allocation-rules", guardian(http.HandlerFunc(h.createRule))).Methods(http.MethodPost)
	r.HandleFunc("/allocation-rules", h.listRules).Methods(http.MethodGet)
	r.HandleFunc("/allocation-rules/{id}", h.getRule).Methods(http.MethodGet)
	r.Handle("/allocation-rules/{id}/active", guardian(http.HandlerFunc(h.setRuleActive))).Methods(http.MethodPost)

	r.HandleFunc("/reconciliations", h.listReconciliations).Methods(http.MethodGet)
	r.HandleFunc("/reconciliations/{id}", h.getReconciliation).Methods(http.MethodGet)
	r.Handle("/reconciliations/{id}/resolve", guardian(http.HandlerFunc(h.resolveReconciliation))).Methods(http.MethodPost)

	r.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.app.Store().Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	body := map[string]string{"status": status}
	if h.app.Sandbox() {
		body["mode"] = "sandbox"
	}
	httputil.WriteJSON(w, code, body)
}

// Accounts

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	acct, err := h.app.Accounts.Create(r.Context(), payload.Name, account.Type(payload.Type), payload.Description, middleware.Subject(r.Context()))
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	accts, err := h.app.Accounts.List(r.Context(), activeOnly)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accts)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Accounts.Resolve(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *handler) treasuryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Accounts.Status(r.Context())
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

// Transactions

type transactionResponse struct {
	Transaction ledger.Transaction  `json:"transaction"`
	Allocation  *allocdomain.Result `json:"allocation,omitempty"`
}

func (h *handler) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Type        string            `json:"type"`
		Status      string            `json:"status"`
		Amount      decimal.Decimal   `json:"amount"`
		FromAccount string            `json:"from_account"`
		ToAccount   string            `json:"to_account"`
		ParentID    string            `json:"parent_id"`
		ExternalRef string            `json:"external_ref"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	tx, result, err := h.app.Ledger.Record(r.Context(), ledger.Transaction{
		Type:        ledger.TxType(payload.Type),
		Status:      ledger.TxStatus(payload.Status),
		Amount:      payload.Amount,
		FromAccount: payload.FromAccount,
		ToAccount:   payload.ToAccount,
		ParentID:    payload.ParentID,
		ExternalRef: payload.ExternalRef,
		Metadata:    payload.Metadata,
		Actor:       middleware.Subject(r.Context()),
	})
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, transactionResponse{Transaction: tx, Allocation: result})
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Type:    ledger.TxType(q.Get("type")),
		Status:  ledger.TxStatus(q.Get("status")),
		Account: q.Get("account"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, svcerrors.BadRequest("invalid from timestamp"))
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, svcerrors.BadRequest("invalid to timestamp"))
			return
		}
		f.To = t
	}

	limit, offset := pagination(r)
	txs, err := h.app.Ledger.List(r.Context(), f, limit, offset)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txs)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tx)
}

func (h *handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	children, err := h.app.Ledger.Allocations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, children)
}

func (h *handler) completeTransaction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if payload.Status == "" {
		payload.Status = string(ledger.StatusCompleted)
	}

	tx, result, err := h.app.Ledger.Complete(r.Context(), mux.Vars(r)["id"], ledger.TxStatus(payload.Status), middleware.Subject(r.Context()))
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, transactionResponse{Transaction: tx, Allocation: result})
}

// Allocation rules

func (h *handler) createRule(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name        string              `json:"name"`
		Priority    int                 `json:"priority"`
		Splits      []allocdomain.Split `json:"splits"`
		MinAmount   decimal.Decimal     `json:"min_amount"`
		MaxAmount   decimal.Decimal     `json:"max_amount"`
		Description string              `json:"description"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	rule, err := h.app.Allocation.CreateRule(r.Context(), allocdomain.Rule{
		Name:        payload.Name,
		Active:      true,
		Priority:    payload.Priority,
		Splits:      payload.Splits,
		MinAmount:   payload.MinAmount,
		MaxAmount:   payload.MaxAmount,
		Description: payload.Description,
	}, middleware.Subject(r.Context()))
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

func (h *handler) listRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.app.Allocation.ListRules(r.Context(), activeOnly)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rules)
}

func (h *handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.app.Allocation.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

func (h *handler) setRuleActive(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Active bool `json:"active"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	rule, err := h.app.Allocation.SetActive(r.Context(), mux.Vars(r)["id"], payload.Active, middleware.Subject(r.Context()))
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

// Reconciliation

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ExternalBalance decimal.Decimal `json:"external_balance"`
		Source          string          `json:"source"`
		Notes           string          `json:"notes"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.app.Reconciliation.Reconcile(r.Context(), payload.ExternalBalance, payload.Source, payload.Notes, middleware.Subject(r.Context()))
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *handler) listReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	records, err := h.app.Reconciliation.List(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (h *handler) getReconciliation(w http.ResponseWriter, r *http.Request) {
	record, err := h.app.Reconciliation.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *handler) resolveReconciliation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Resolution string `json:"resolution"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.app.Reconciliation.Resolve(r.Context(), mux.Vars(r)["id"], payload.Resolution, middleware.Subject(r.Context()))
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// Audit

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	entries, err := h.app.Store().ListAudit(r.Context(), r.URL.Query().Get("entity_type"), limit)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// translate maps service errors to the HTTP error envelope.
func translate(err error) error {
	if svcErr := svcerrors.GetServiceError(err); svcErr != nil {
		return svcErr
	}
	switch {
	case errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, ledgersvc.ErrNotFound),
		errors.Is(err, allocsvc.ErrRuleNotFound),
		errors.Is(err, reconsvc.ErrNotFound):
		return svcerrors.NotFound(err.Error())

	case errors.Is(err, accounts.ErrDuplicateAccount),
		errors.Is(err, allocsvc.ErrDuplicateRule),
		errors.Is(err, ledgersvc.ErrNotPending),
		errors.Is(err, ledgersvc.ErrInsufficientFunds),
		errors.Is(err, reconsvc.ErrAlreadyResolved):
		return svcerrors.Conflict(err.Error())

	case errors.Is(err, accounts.ErrInvalidAccount),
		errors.Is(err, ledger.ErrInvalidShape),
		errors.Is(err, allocdomain.ErrInvalidRule),
		errors.Is(err, allocsvc.ErrUnknownAccount),
		errors.Is(err, allocsvc.ErrInvalidRuleConfiguration),
		errors.Is(err, ledgersvc.ErrDirectAllocation),
		errors.Is(err, reconsvc.ErrEmptyResolution):
		return svcerrors.BadRequest(err.Error())

	case storage.IsRetryable(err):
		return svcerrors.Transient("please retry", err)
	}
	return svcerrors.Internal("internal error", err)
}
