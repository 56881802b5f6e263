// Package postgres implements the treasury storage interfaces backed by
// PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/reconciliation"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
)

// queryer abstracts *sql.DB and *sql.Tx so the same operations serve both
// the plain store and the transactional view handed out by Atomic.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
	ops
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, ops: ops{q: db}}
}

// Ping reports database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Atomic runs fn inside one database transaction. Row locks taken by
// AdjustBalance serialize concurrent writers per account; the unique
// allocation index turns idempotency races into ErrDuplicateAllocation at
// commit time.
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Store) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}

	view := &txStore{ops: ops{q: dbTx}}
	if err := fn(view); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// txStore is the transactional view. Nested Atomic calls join the unit.
type txStore struct {
	ops
}

var _ storage.Store = (*txStore)(nil)

func (t *txStore) Atomic(_ context.Context, fn func(tx storage.Store) error) error { return fn(t) }
func (t *txStore) Ping(context.Context) error                                      { return nil }

// ops carries every query against a queryer.
type ops struct {
	q queryer
}

// --- AccountStore -----------------------------------------------------------

func (o ops) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := o.q.ExecContext(ctx, `
		INSERT INTO treasury_accounts (id, name, acct_type, description, balance, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, acct.ID, acct.Name, string(acct.Type), acct.Description, acct.Balance, acct.Active, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, mapError(err)
	}
	return acct, nil
}

const accountColumns = `id, name, acct_type, description, balance, active, created_at, updated_at`

func (o ops) GetAccount(ctx context.Context, id string) (account.Account, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM treasury_accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (o ops) GetAccountByName(ctx context.Context, name string) (account.Account, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM treasury_accounts
		WHERE name = $1
	`, name)
	return scanAccount(row)
}

func (o ops) ListAccounts(ctx context.Context, activeOnly bool) ([]account.Account, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM treasury_accounts
		WHERE ($1 = false OR active)
		ORDER BY name
	`, activeOnly)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (o ops) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal) (account.Account, error) {
	// FOR UPDATE serializes concurrent adjustments on the same account.
	var balance decimal.Decimal
	err := o.q.QueryRowContext(ctx, `
		SELECT balance FROM treasury_accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance)
	if err != nil {
		return account.Account{}, mapError(err)
	}

	next := balance.Add(delta)
	if next.IsNegative() {
		return account.Account{}, storage.ErrInsufficientFunds
	}

	row := o.q.QueryRowContext(ctx, `
		UPDATE treasury_accounts
		SET balance = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+accountColumns+`
	`, accountID, next, time.Now().UTC())
	return scanAccount(row)
}

// --- TransactionStore -------------------------------------------------------

const txColumns = `id, tx_type, status, amount, from_account, to_account, parent_id, external_ref, metadata, actor, created_at, completed_at`

func (o ops) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO treasury_transactions
			(id, tx_type, status, amount, from_account, to_account, parent_id, external_ref, metadata, actor, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tx.ID, string(tx.Type), string(tx.Status), tx.Amount,
		toNullString(tx.FromAccount), toNullString(tx.ToAccount), toNullString(tx.ParentID),
		toNullString(tx.ExternalRef), metadataJSON, tx.Actor, tx.CreatedAt, toNullTime(tx.CompletedAt))
	if err != nil {
		return ledger.Transaction{}, mapError(err)
	}
	return tx, nil
}

func (o ops) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM treasury_transactions
		WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (o ops) ListTransactions(ctx context.Context, f ledger.Filter, limit, offset int) ([]ledger.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM treasury_transactions
		WHERE 1=1
	`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Type != "" {
		query += " AND tx_type = " + arg(string(f.Type))
	}
	if f.Status != "" {
		query += " AND status = " + arg(string(f.Status))
	}
	if f.Account != "" {
		p := arg(f.Account)
		query += " AND (from_account = " + p + " OR to_account = " + p + ")"
	}
	if !f.From.IsZero() {
		query += " AND created_at >= " + arg(f.From.UTC())
	}
	if !f.To.IsZero() {
		query += " AND created_at <= " + arg(f.To.UTC())
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	if offset > 0 {
		query += " OFFSET " + arg(offset)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (o ops) ListAllocationsByParent(ctx context.Context, parentID string) ([]ledger.Transaction, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM treasury_transactions
		WHERE tx_type = $1 AND parent_id = $2
		ORDER BY created_at
	`, string(ledger.TxInternalAllocation), parentID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (o ops) CompleteTransaction(ctx context.Context, id string, status ledger.TxStatus, at time.Time) (ledger.Transaction, error) {
	row := o.q.QueryRowContext(ctx, `
		UPDATE treasury_transactions
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+txColumns+`
	`, id, string(status), at.UTC(), string(ledger.StatusPending))
	tx, err := scanTransaction(row)
	if errors.Is(err, storage.ErrNotFound) {
		// Distinguish a missing row from a non-PENDING one.
		if _, getErr := o.GetTransaction(ctx, id); getErr == nil {
			return ledger.Transaction{}, storage.ErrNotPending
		}
	}
	return tx, err
}

// --- RuleStore ---------------------------------------------------------------

const ruleColumns = `id, name, active, priority, splits, min_amount, max_amount, description, created_by, created_at, updated_at`

func (o ops) CreateRule(ctx context.Context, rule allocation.Rule) (allocation.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	splitsJSON, err := json.Marshal(rule.Splits)
	if err != nil {
		return allocation.Rule{}, err
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO allocation_rules (id, name, active, priority, splits, min_amount, max_amount, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, rule.Name, rule.Active, rule.Priority, splitsJSON,
		toNullDecimal(rule.MinAmount), toNullDecimal(rule.MaxAmount),
		rule.Description, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return allocation.Rule{}, mapError(err)
	}
	return rule, nil
}

func (o ops) GetRule(ctx context.Context, id string) (allocation.Rule, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM allocation_rules
		WHERE id = $1
	`, id)
	return scanRule(row)
}

func (o ops) ListRules(ctx context.Context, activeOnly bool) ([]allocation.Rule, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM allocation_rules
		WHERE ($1 = false OR active)
		ORDER BY priority, created_at
	`, activeOnly)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []allocation.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

func (o ops) UpdateRule(ctx context.Context, rule allocation.Rule) (allocation.Rule, error) {
	rule.UpdatedAt = time.Now().UTC()
	splitsJSON, err := json.Marshal(rule.Splits)
	if err != nil {
		return allocation.Rule{}, err
	}

	result, err := o.q.ExecContext(ctx, `
		UPDATE allocation_rules
		SET name = $2, active = $3, priority = $4, splits = $5, min_amount = $6, max_amount = $7, description = $8, updated_at = $9
		WHERE id = $1
	`, rule.ID, rule.Name, rule.Active, rule.Priority, splitsJSON,
		toNullDecimal(rule.MinAmount), toNullDecimal(rule.MaxAmount), rule.Description, rule.UpdatedAt)
	if err != nil {
		return allocation.Rule{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return allocation.Rule{}, storage.ErrNotFound
	}
	return rule, nil
}

// --- ReconciliationStore ------------------------------------------------------

const reconColumns = `id, external_balance, internal_balance, discrepancy, discrepancy_pct, status, source, notes, resolution, resolved_by, resolved_at, actor, computed_at, created_at`

func (o ops) CreateReconciliation(ctx context.Context, rec reconciliation.Record) (reconciliation.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := o.q.ExecContext(ctx, `
		INSERT INTO reconciliation_log
			(id, external_balance, internal_balance, discrepancy, discrepancy_pct, status, source, notes, resolution, resolved_by, resolved_at, actor, computed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, rec.ExternalBalance, rec.InternalBalance, rec.Discrepancy, rec.DiscrepancyPct,
		string(rec.Status), rec.Source, rec.Notes, rec.Resolution, rec.ResolvedBy,
		toNullTime(rec.ResolvedAt), rec.Actor, rec.ComputedAt, rec.CreatedAt)
	if err != nil {
		return reconciliation.Record{}, mapError(err)
	}
	return rec, nil
}

func (o ops) GetReconciliation(ctx context.Context, id string) (reconciliation.Record, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+reconColumns+`
		FROM reconciliation_log
		WHERE id = $1
	`, id)
	return scanReconciliation(row)
}

func (o ops) ListReconciliations(ctx context.Context, limit int) ([]reconciliation.Record, error) {
	query := `
		SELECT ` + reconColumns + `
		FROM reconciliation_log
		ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []reconciliation.Record
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (o ops) UpdateReconciliation(ctx context.Context, rec reconciliation.Record) (reconciliation.Record, error) {
	result, err := o.q.ExecContext(ctx, `
		UPDATE reconciliation_log
		SET notes = $2, resolution = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1
	`, rec.ID, rec.Notes, rec.Resolution, rec.ResolvedBy, toNullTime(rec.ResolvedAt))
	if err != nil {
		return reconciliation.Record{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return reconciliation.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// --- AuditStore ----------------------------------------------------------------

func (o ops) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	beforeJSON, err := json.Marshal(entry.Before)
	if err != nil {
		return audit.Entry{}, err
	}
	afterJSON, err := json.Marshal(entry.After)
	if err != nil {
		return audit.Entry{}, err
	}

	_, err = o.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, before, after, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.EntityType, entry.EntityID, string(entry.Action), beforeJSON, afterJSON, entry.Actor, entry.CreatedAt)
	if err != nil {
		return audit.Entry{}, mapError(err)
	}
	return entry, nil
}

func (o ops) ListAudit(ctx context.Context, entityType string, limit int) ([]audit.Entry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, before, after, actor, created_at
		FROM audit_log
		WHERE ($1 = '' OR entity_type = $1)
		ORDER BY created_at DESC
	`
	args := []any{entityType}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			entry     audit.Entry
			action    string
			beforeRaw []byte
			afterRaw  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &action, &beforeRaw, &afterRaw, &entry.Actor, &entry.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		entry.Action = audit.Action(action)
		if len(beforeRaw) > 0 {
			_ = json.Unmarshal(beforeRaw, &entry.Before)
		}
		if len(afterRaw) > 0 {
			_ = json.Unmarshal(afterRaw, &entry.After)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// Helpers -------------------------------------------------------------------

// rowScanner abstracts sql.Row and sql.Rows for scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(scanner rowScanner) (account.Account, error) {
	var (
		acct     account.Account
		acctType string
	)
	if err := scanner.Scan(&acct.ID, &acct.Name, &acctType, &acct.Description, &acct.Balance, &acct.Active, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return account.Account{}, mapError(err)
	}
	acct.Type = account.Type(acctType)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func scanTransaction(scanner rowScanner) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		txType      string
		status      string
		from        sql.NullString
		to          sql.NullString
		parent      sql.NullString
		externalRef sql.NullString
		metadataRaw []byte
		completedAt sql.NullTime
	)
	if err := scanner.Scan(&tx.ID, &txType, &status, &tx.Amount, &from, &to, &parent, &externalRef, &metadataRaw, &tx.Actor, &tx.CreatedAt, &completedAt); err != nil {
		return ledger.Transaction{}, mapError(err)
	}
	tx.Type = ledger.TxType(txType)
	tx.Status = ledger.TxStatus(status)
	tx.FromAccount = from.String
	tx.ToAccount = to.String
	tx.ParentID = parent.String
	tx.ExternalRef = externalRef.String
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &tx.Metadata)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	if completedAt.Valid {
		tx.CompletedAt = completedAt.Time.UTC()
	}
	return tx, nil
}

func scanRule(scanner rowScanner) (allocation.Rule, error) {
	var (
		rule      allocation.Rule
		splitsRaw []byte
		minAmount decimal.NullDecimal
		maxAmount decimal.NullDecimal
	)
	if err := scanner.Scan(&rule.ID, &rule.Name, &rule.Active, &rule.Priority, &splitsRaw, &minAmount, &maxAmount, &rule.Description, &rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return allocation.Rule{}, mapError(err)
	}
	if len(splitsRaw) > 0 {
		_ = json.Unmarshal(splitsRaw, &rule.Splits)
	}
	if minAmount.Valid {
		rule.MinAmount = minAmount.Decimal
	}
	if maxAmount.Valid {
		rule.MaxAmount = maxAmount.Decimal
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return rule, nil
}

func scanReconciliation(scanner rowScanner) (reconciliation.Record, error) {
	var (
		rec        reconciliation.Record
		status     string
		resolvedAt sql.NullTime
	)
	if err := scanner.Scan(&rec.ID, &rec.ExternalBalance, &rec.InternalBalance, &rec.Discrepancy, &rec.DiscrepancyPct, &status, &rec.Source, &rec.Notes, &rec.Resolution, &rec.ResolvedBy, &resolvedAt, &rec.Actor, &rec.ComputedAt, &rec.CreatedAt); err != nil {
		return reconciliation.Record{}, mapError(err)
	}
	rec.Status = reconciliation.Status(status)
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time.UTC()
	}
	rec.ComputedAt = rec.ComputedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func toNullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullDecimal(d decimal.Decimal) decimal.NullDecimal {
	if d.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// mapError translates driver errors into the shared storage sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pqErr.Constraint, "allocation_idem") {
				return storage.ErrDuplicateAllocation
			}
			return storage.ErrDuplicate
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		}
	}
	return err
}
