package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/treasury_layer/internal/app"
	"github.com/R3E-Network/treasury_layer/internal/middleware"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

var testSecret = []byte("handler-test-secret")

type testServer struct {
	handler  http.Handler
	guardian string
	viewer   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	application, err := app.New(app.Options{}, logger.NewDefault("test"))
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}

	log := logger.NewDefault("test")
	auth := middleware.NewAuth(testSecret, log)

	guardian, err := middleware.IssueToken(testSecret, "guardian-1", "guardian", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	viewer, err := middleware.IssueToken(testSecret, "viewer-1", "viewer", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	return &testServer{
		handler:  auth.Handler(NewHandler(application)),
		guardian: guardian,
		viewer:   viewer,
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (s *testServer) createAccount(t *testing.T, name, acctType string) map[string]any {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/accounts", s.guardian, map[string]string{
		"name": name,
		"type": acctType,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account %s: status %d body %s", name, rec.Code, rec.Body.String())
	}
	var acct map[string]any
	decode(t, rec, &acct)
	return acct
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	s := newTestServer(t)

	t.Run("guardian creates account", func(t *testing.T) {
		acct := s.createAccount(t, "operating", "OPERATING")
		if acct["id"] == "" {
			t.Fatal("created account has no id")
		}
	})

	t.Run("viewer cannot create", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/accounts", s.viewer, map[string]string{
			"name": "reserve", "type": "RESERVE",
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("invalid type rejected", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/accounts", s.guardian, map[string]string{
			"name": "weird", "type": "SLUSH",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		decode(t, rec, &envelope)
		if envelope.Error.Code != "bad_request" {
			t.Fatalf("error code = %s, want bad_request", envelope.Error.Code)
		}
	})

	t.Run("viewer can read", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/accounts", s.viewer, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		rec = s.do(t, http.MethodGet, "/accounts/operating", s.viewer, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("unknown account is 404", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/accounts/phantom", s.viewer, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestDepositAllocationFlow(t *testing.T) {
	s := newTestServer(t)
	s.createAccount(t, "intake", "OPERATING")
	s.createAccount(t, "reserve", "RESERVE")

	rec := s.do(t, http.MethodPost, "/allocation-rules", s.guardian, map[string]any{
		"name": "default",
		"splits": []map[string]any{
			{"account_name": "intake", "percentage": "60"},
			{"account_name": "reserve", "percentage": "40"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/transactions", s.viewer, map[string]any{
		"type":         "EXTERNAL_DEPOSIT",
		"status":       "COMPLETED",
		"amount":       "100.00",
		"to_account":   "intake",
		"external_ref": "chain-tx-9",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record deposit: status %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Transaction struct {
			ID string `json:"id"`
		} `json:"transaction"`
		Allocation struct {
			Applied bool `json:"applied"`
			Entries []struct {
				Amount decimal.Decimal `json:"amount"`
			} `json:"entries"`
		} `json:"allocation"`
	}
	decode(t, rec, &created)
	if !created.Allocation.Applied || len(created.Allocation.Entries) != 2 {
		t.Fatalf("allocation = %+v, want applied with 2 entries", created.Allocation)
	}

	t.Run("children listed", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/transactions/"+created.Transaction.ID+"/allocations", s.viewer, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var children []map[string]any
		decode(t, rec, &children)
		if len(children) != 2 {
			t.Fatalf("children = %d, want 2", len(children))
		}
	})

	t.Run("treasury status reflects deposit", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/treasury/status", s.viewer, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var status struct {
			TotalBalance  decimal.Decimal `json:"total_balance"`
			ReserveHealth decimal.Decimal `json:"reserve_health"`
		}
		decode(t, rec, &status)
		if !status.TotalBalance.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("total balance = %s, want 100", status.TotalBalance)
		}
		if !status.ReserveHealth.Equal(decimal.NewFromInt(40)) {
			t.Fatalf("reserve health = %s, want 40", status.ReserveHealth)
		}
	})

	t.Run("filtered listing", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/transactions?type=INTERNAL_ALLOCATION&account=reserve", s.viewer, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var txs []map[string]any
		decode(t, rec, &txs)
		if len(txs) != 1 {
			t.Fatalf("filtered transactions = %d, want 1", len(txs))
		}
	})
}

func TestReconciliationFlow(t *testing.T) {
	s := newTestServer(t)
	s.createAccount(t, "operating", "OPERATING")

	rec := s.do(t, http.MethodPost, "/transactions", s.viewer, map[string]any{
		"type":       "EXTERNAL_DEPOSIT",
		"status":     "COMPLETED",
		"amount":     "10000.00",
		"to_account": "operating",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed deposit: status %d body %s", rec.Code, rec.Body.String())
	}

	t.Run("viewer cannot reconcile", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/treasury/reconcile", s.viewer, map[string]any{
			"external_balance": "10000.00",
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	rec = s.do(t, http.MethodPost, "/treasury/reconcile", s.guardian, map[string]any{
		"external_balance": "10300.00",
		"source":           "custodian-api",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reconcile: status %d body %s", rec.Code, rec.Body.String())
	}
	var record struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, rec, &record)
	if record.Status != "MAJOR_DISCREPANCY" {
		t.Fatalf("reconciliation status = %s, want MAJOR_DISCREPANCY", record.Status)
	}

	t.Run("resolve", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/reconciliations/"+record.ID+"/resolve", s.guardian, map[string]any{
			"resolution": "custodian settlement lag",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("resolve: status %d body %s", rec.Code, rec.Body.String())
		}

		rec = s.do(t, http.MethodPost, "/reconciliations/"+record.ID+"/resolve", s.guardian, map[string]any{
			"resolution": "again",
		})
		if rec.Code != http.StatusConflict {
			t.Fatalf("second resolve: status %d, want 409", rec.Code)
		}
	})

	t.Run("listing", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/reconciliations", s.viewer, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var records []map[string]any
		decode(t, rec, &records)
		if len(records) != 1 {
			t.Fatalf("records = %d, want 1", len(records))
		}
	})
}

func TestAuditTrail(t *testing.T) {
	s := newTestServer(t)
	s.createAccount(t, "operating", "OPERATING")

	rec := s.do(t, http.MethodGet, "/audit?entity_type=account", s.viewer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []map[string]any
	decode(t, rec, &entries)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
}

func TestTransactionParentLink(t *testing.T) {
	s := newTestServer(t)
	s.createAccount(t, "operating", "OPERATING")
	s.createAccount(t, "rewards", "REWARDS")

	rec := s.do(t, http.MethodPost, "/transactions", s.viewer, map[string]any{
		"type":         "PAYMENT",
		"status":       "PENDING",
		"amount":       "25.00",
		"from_account": "operating",
		"to_account":   "rewards",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record payment: status %d body %s", rec.Code, rec.Body.String())
	}
	var payment struct {
		Transaction struct {
			ID string `json:"id"`
		} `json:"transaction"`
	}
	decode(t, rec, &payment)

	rec = s.do(t, http.MethodPost, "/transactions", s.viewer, map[string]any{
		"type":         "REFUND",
		"status":       "PENDING",
		"amount":       "25.00",
		"from_account": "rewards",
		"to_account":   "operating",
		"parent_id":    payment.Transaction.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record refund: status %d body %s", rec.Code, rec.Body.String())
	}
	var refund struct {
		Transaction struct {
			ID       string `json:"id"`
			ParentID string `json:"parent_id"`
		} `json:"transaction"`
	}
	decode(t, rec, &refund)
	if refund.Transaction.ParentID != payment.Transaction.ID {
		t.Fatalf("refund parent_id = %q, want %q", refund.Transaction.ParentID, payment.Transaction.ID)
	}

	t.Run("allocations still blocked", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/transactions", s.viewer, map[string]any{
			"type":         "INTERNAL_ALLOCATION",
			"amount":       "5.00",
			"from_account": "operating",
			"to_account":   "rewards",
			"parent_id":    payment.Transaction.ID,
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHealthSandboxMode(t *testing.T) {
	application, err := app.New(app.Options{SandboxMode: true}, logger.NewDefault("test"))
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	handler := NewHandler(application)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}
	decode(t, rec, &body)
	if body.Mode != "sandbox" {
		t.Fatalf("mode = %q, want sandbox", body.Mode)
	}
}

func TestAnonymousAccess(t *testing.T) {
	s := newTestServer(t)

	t.Run("reads are open", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/transactions", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("guardian routes reject anonymous callers", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/treasury/reconcile", "", map[string]any{
			"external_balance": 0,
			"source":           "custodian-api",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("invalid token rejected even on reads", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/transactions", "not-a-token", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})
}
