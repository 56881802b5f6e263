package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/reconciliation"
)

// Memory is a thread-safe in-memory store implementing Store. It is intended
// for tests and sandbox mode. Atomic units hold the store's single write lock
// for their duration, which serializes balance adjustments per account (and
// everything else) trivially; failed units restore a pre-unit snapshot.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	accounts     map[string]account.Account
	accountNames map[string]string
	transactions map[string]ledger.Transaction
	txOrder      []string
	allocIndex   map[string]struct{}
	rules        map[string]allocation.Rule
	ruleNames    map[string]string
	recons       map[string]reconciliation.Record
	reconOrder   []string
	audits       []audit.Entry
}

func newMemState() *memState {
	return &memState{
		accounts:     make(map[string]account.Account),
		accountNames: make(map[string]string),
		transactions: make(map[string]ledger.Transaction),
		allocIndex:   make(map[string]struct{}),
		rules:        make(map[string]allocation.Rule),
		ruleNames:    make(map[string]string),
		recons:       make(map[string]reconciliation.Record),
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

var _ Store = (*Memory)(nil)

// Atomic runs fn under the store lock with snapshot rollback on error.
func (m *Memory) Atomic(_ context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memTx{state: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createAccount(acct)
}

func (m *Memory) GetAccount(_ context.Context, id string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getAccount(id)
}

func (m *Memory) GetAccountByName(_ context.Context, name string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getAccountByName(name)
}

func (m *Memory) ListAccounts(_ context.Context, activeOnly bool) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listAccounts(activeOnly)
}

func (m *Memory) AdjustBalance(_ context.Context, accountID string, delta decimal.Decimal) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.adjustBalance(accountID, delta)
}

func (m *Memory) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createTransaction(tx)
}

func (m *Memory) GetTransaction(_ context.Context, id string) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getTransaction(id)
}

func (m *Memory) ListTransactions(_ context.Context, f ledger.Filter, limit, offset int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listTransactions(f, limit, offset)
}

func (m *Memory) ListAllocationsByParent(_ context.Context, parentID string) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listAllocationsByParent(parentID)
}

func (m *Memory) CompleteTransaction(_ context.Context, id string, status ledger.TxStatus, at time.Time) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.completeTransaction(id, status, at)
}

func (m *Memory) CreateRule(_ context.Context, rule allocation.Rule) (allocation.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createRule(rule)
}

func (m *Memory) GetRule(_ context.Context, id string) (allocation.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getRule(id)
}

func (m *Memory) ListRules(_ context.Context, activeOnly bool) ([]allocation.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listRules(activeOnly)
}

func (m *Memory) UpdateRule(_ context.Context, rule allocation.Rule) (allocation.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateRule(rule)
}

func (m *Memory) CreateReconciliation(_ context.Context, rec reconciliation.Record) (reconciliation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createReconciliation(rec)
}

func (m *Memory) GetReconciliation(_ context.Context, id string) (reconciliation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getReconciliation(id)
}

func (m *Memory) ListReconciliations(_ context.Context, limit int) ([]reconciliation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listReconciliations(limit)
}

func (m *Memory) UpdateReconciliation(_ context.Context, rec reconciliation.Record) (reconciliation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateReconciliation(rec)
}

func (m *Memory) AppendAudit(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendAudit(entry)
}

func (m *Memory) ListAudit(_ context.Context, entityType string, limit int) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listAudit(entityType, limit)
}

// memTx is the transactional view handed to Atomic callbacks. The enclosing
// Atomic already holds the store lock, so memTx operates on the state
// directly; its own Atomic joins the unit instead of nesting.
type memTx struct {
	state *memState
}

var _ Store = (*memTx)(nil)

func (t *memTx) Atomic(_ context.Context, fn func(tx Store) error) error { return fn(t) }
func (t *memTx) Ping(context.Context) error                              { return nil }

func (t *memTx) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	return t.state.createAccount(acct)
}
func (t *memTx) GetAccount(_ context.Context, id string) (account.Account, error) {
	return t.state.getAccount(id)
}
func (t *memTx) GetAccountByName(_ context.Context, name string) (account.Account, error) {
	return t.state.getAccountByName(name)
}
func (t *memTx) ListAccounts(_ context.Context, activeOnly bool) ([]account.Account, error) {
	return t.state.listAccounts(activeOnly)
}
func (t *memTx) AdjustBalance(_ context.Context, accountID string, delta decimal.Decimal) (account.Account, error) {
	return t.state.adjustBalance(accountID, delta)
}
func (t *memTx) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	return t.state.createTransaction(tx)
}
func (t *memTx) GetTransaction(_ context.Context, id string) (ledger.Transaction, error) {
	return t.state.getTransaction(id)
}
func (t *memTx) ListTransactions(_ context.Context, f ledger.Filter, limit, offset int) ([]ledger.Transaction, error) {
	return t.state.listTransactions(f, limit, offset)
}
func (t *memTx) ListAllocationsByParent(_ context.Context, parentID string) ([]ledger.Transaction, error) {
	return t.state.listAllocationsByParent(parentID)
}
func (t *memTx) CompleteTransaction(_ context.Context, id string, status ledger.TxStatus, at time.Time) (ledger.Transaction, error) {
	return t.state.completeTransaction(id, status, at)
}
func (t *memTx) CreateRule(_ context.Context, rule allocation.Rule) (allocation.Rule, error) {
	return t.state.createRule(rule)
}
func (t *memTx) GetRule(_ context.Context, id string) (allocation.Rule, error) {
	return t.state.getRule(id)
}
func (t *memTx) ListRules(_ context.Context, activeOnly bool) ([]allocation.Rule, error) {
	return t.state.listRules(activeOnly)
}
func (t *memTx) UpdateRule(_ context.Context, rule allocation.Rule) (allocation.Rule, error) {
	return t.state.updateRule(rule)
}
func (t *memTx) CreateReconciliation(_ context.Context, rec reconciliation.Record) (reconciliation.Record, error) {
	return t.state.createReconciliation(rec)
}
func (t *memTx) GetReconciliation(_ context.Context, id string) (reconciliation.Record, error) {
	return t.state.getReconciliation(id)
}
func (t *memTx) ListReconciliations(_ context.Context, limit int) ([]reconciliation.Record, error) {
	return t.state.listReconciliations(limit)
}
func (t *memTx) UpdateReconciliation(_ context.Context, rec reconciliation.Record) (reconciliation.Record, error) {
	return t.state.updateReconciliation(rec)
}
func (t *memTx) AppendAudit(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	return t.state.appendAudit(entry)
}
func (t *memTx) ListAudit(_ context.Context, entityType string, limit int) ([]audit.Entry, error) {
	return t.state.listAudit(entityType, limit)
}

// State operations -------------------------------------------------------

func (s *memState) createAccount(acct account.Account) (account.Account, error) {
	if _, exists := s.accountNames[acct.Name]; exists {
		return account.Account{}, ErrDuplicate
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, ErrDuplicate
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.accounts[acct.ID] = acct
	s.accountNames[acct.Name] = acct.ID
	return acct, nil
}

func (s *memState) getAccount(id string) (account.Account, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, ErrNotFound
	}
	return acct, nil
}

func (s *memState) getAccountByName(name string) (account.Account, error) {
	id, ok := s.accountNames[name]
	if !ok {
		return account.Account{}, ErrNotFound
	}
	return s.getAccount(id)
}

func (s *memState) listAccounts(activeOnly bool) ([]account.Account, error) {
	result := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if activeOnly && !acct.Active {
			continue
		}
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *memState) adjustBalance(accountID string, delta decimal.Decimal) (account.Account, error) {
	acct, ok := s.accounts[accountID]
	if !ok {
		return account.Account{}, ErrNotFound
	}
	next := acct.Balance.Add(delta)
	if next.IsNegative() {
		return account.Account{}, ErrInsufficientFunds
	}
	acct.Balance = next
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[accountID] = acct
	return acct, nil
}

func allocKey(parentID, toAccount string) string { return parentID + "|" + toAccount }

func (s *memState) createTransaction(tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, exists := s.transactions[tx.ID]; exists {
		return ledger.Transaction{}, ErrDuplicate
	}
	if tx.Type == ledger.TxInternalAllocation {
		key := allocKey(tx.ParentID, tx.ToAccount)
		if _, exists := s.allocIndex[key]; exists {
			return ledger.Transaction{}, ErrDuplicateAllocation
		}
		s.allocIndex[key] = struct{}{}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Metadata = copyMeta(tx.Metadata)

	s.transactions[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	return cloneTransaction(tx), nil
}

func (s *memState) getTransaction(id string) (ledger.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *memState) listTransactions(f ledger.Filter, limit, offset int) ([]ledger.Transaction, error) {
	var matched []ledger.Transaction
	// Newest first, matching the postgres ORDER BY created_at DESC.
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.transactions[s.txOrder[i]]
		if f.Matches(tx) {
			matched = append(matched, cloneTransaction(tx))
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *memState) listAllocationsByParent(parentID string) ([]ledger.Transaction, error) {
	var result []ledger.Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.Type == ledger.TxInternalAllocation && tx.ParentID == parentID {
			result = append(result, cloneTransaction(tx))
		}
	}
	return result, nil
}

func (s *memState) completeTransaction(id string, status ledger.TxStatus, at time.Time) (ledger.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, ErrNotFound
	}
	if tx.Status != ledger.StatusPending {
		return ledger.Transaction{}, ErrNotPending
	}
	tx.Status = status
	tx.CompletedAt = at.UTC()
	s.transactions[id] = tx
	return cloneTransaction(tx), nil
}

func (s *memState) createRule(rule allocation.Rule) (allocation.Rule, error) {
	if _, exists := s.ruleNames[rule.Name]; exists {
		return allocation.Rule{}, ErrDuplicate
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Splits = copySplits(rule.Splits)

	s.rules[rule.ID] = rule
	s.ruleNames[rule.Name] = rule.ID
	return cloneRule(rule), nil
}

func (s *memState) getRule(id string) (allocation.Rule, error) {
	rule, ok := s.rules[id]
	if !ok {
		return allocation.Rule{}, ErrNotFound
	}
	return cloneRule(rule), nil
}

func (s *memState) listRules(activeOnly bool) ([]allocation.Rule, error) {
	result := make([]allocation.Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		if activeOnly && !rule.Active {
			continue
		}
		result = append(result, cloneRule(rule))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *memState) updateRule(rule allocation.Rule) (allocation.Rule, error) {
	original, ok := s.rules[rule.ID]
	if !ok {
		return allocation.Rule{}, ErrNotFound
	}
	if rule.Name != original.Name {
		if _, exists := s.ruleNames[rule.Name]; exists {
			return allocation.Rule{}, ErrDuplicate
		}
		delete(s.ruleNames, original.Name)
		s.ruleNames[rule.Name] = rule.ID
	}
	rule.CreatedAt = original.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	rule.Splits = copySplits(rule.Splits)
	s.rules[rule.ID] = rule
	return cloneRule(rule), nil
}

func (s *memState) createReconciliation(rec reconciliation.Record) (reconciliation.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	s.recons[rec.ID] = rec
	s.reconOrder = append(s.reconOrder, rec.ID)
	return rec, nil
}

func (s *memState) getReconciliation(id string) (reconciliation.Record, error) {
	rec, ok := s.recons[id]
	if !ok {
		return reconciliation.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *memState) listReconciliations(limit int) ([]reconciliation.Record, error) {
	var result []reconciliation.Record
	for i := len(s.reconOrder) - 1; i >= 0; i-- {
		result = append(result, s.recons[s.reconOrder[i]])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *memState) updateReconciliation(rec reconciliation.Record) (reconciliation.Record, error) {
	original, ok := s.recons[rec.ID]
	if !ok {
		return reconciliation.Record{}, ErrNotFound
	}
	rec.CreatedAt = original.CreatedAt
	s.recons[rec.ID] = rec
	return rec, nil
}

func (s *memState) appendAudit(entry audit.Entry) (audit.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	entry.Before = copyMeta(entry.Before)
	entry.After = copyMeta(entry.After)
	s.audits = append(s.audits, entry)
	return entry, nil
}

func (s *memState) listAudit(entityType string, limit int) ([]audit.Entry, error) {
	var result []audit.Entry
	for i := len(s.audits) - 1; i >= 0; i-- {
		if entityType != "" && s.audits[i].EntityType != entityType {
			continue
		}
		result = append(result, s.audits[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// clone builds a deep copy for snapshot rollback.
func (s *memState) clone() *memState {
	next := newMemState()
	for id, acct := range s.accounts {
		next.accounts[id] = acct
	}
	for name, id := range s.accountNames {
		next.accountNames[name] = id
	}
	for id, tx := range s.transactions {
		next.transactions[id] = cloneTransaction(tx)
	}
	next.txOrder = append([]string(nil), s.txOrder...)
	for key := range s.allocIndex {
		next.allocIndex[key] = struct{}{}
	}
	for id, rule := range s.rules {
		next.rules[id] = cloneRule(rule)
	}
	for name, id := range s.ruleNames {
		next.ruleNames[name] = id
	}
	for id, rec := range s.recons {
		next.recons[id] = rec
	}
	next.reconOrder = append([]string(nil), s.reconOrder...)
	next.audits = append([]audit.Entry(nil), s.audits...)
	return next
}

// Helpers ------------------------------------------------------------------

func copyMeta(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copySplits(src []allocation.Split) []allocation.Split {
	return append([]allocation.Split(nil), src...)
}

func cloneTransaction(tx ledger.Transaction) ledger.Transaction {
	tx.Metadata = copyMeta(tx.Metadata)
	return tx
}

func cloneRule(rule allocation.Rule) allocation.Rule {
	rule.Splits = copySplits(rule.Splits)
	return rule
}
