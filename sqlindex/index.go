// Package sqlindex maintains a read-optimized relational projection of the
// document store. The projection owns no authoritative state: it is a pure
// function of the current document, rebuilt wholesale after every change.
// Rebuilding over incremental maintenance keeps any index bug recoverable;
// rebuild volume is bounded by on-device data size.
package sqlindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Fantasy-programming/nuts-offline/document"
)

// DefaultPageSize is the page size used when a query does not specify one.
const DefaultPageSize = 25

// Index is the SQLite-backed projection. Rebuild runs inside one
// transaction, so readers keep seeing the previous committed projection
// until the swap commits.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates the projection tables if needed and returns the index.
func New(db *sql.DB, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{db: db, logger: logger}
	if err := ix.createTables(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS idx_transactions (
			id                     TEXT PRIMARY KEY,
			amount                 REAL NOT NULL,
			transaction_datetime   TEXT NOT NULL,
			description            TEXT NOT NULL,
			category_id            TEXT,
			account_id             TEXT NOT NULL,
			type                   TEXT NOT NULL CHECK (type IN ('expense','income','transfer')),
			destination_account_id TEXT,
			transaction_currency   TEXT NOT NULL,
			original_amount        REAL NOT NULL,
			is_external            INTEGER NOT NULL,
			account_name           TEXT,
			account_currency       TEXT,
			category_name          TEXT,
			category_color         TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idx_accounts (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			type       TEXT,
			currency   TEXT NOT NULL,
			balance    REAL NOT NULL,
			is_active  INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idx_categories (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			color      TEXT NOT NULL,
			icon       TEXT,
			parent_id  TEXT,
			is_active  INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_datetime ON idx_transactions(transaction_datetime)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON idx_transactions(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_category ON idx_transactions(category_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_type ON idx_transactions(type)`,
	}
	for _, table := range tables {
		if _, err := ix.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create index table: %w", err)
		}
	}
	return nil
}

// Rebuild clears and repopulates the projection from a document. Soft-deleted
// entities are skipped; account and category display fields are denormalized
// onto transaction rows. A failed rebuild rolls back and leaves the previous
// projection in place.
func (ix *Index) Rebuild(ctx context.Context, doc *document.Document) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"idx_transactions", "idx_accounts", "idx_categories"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	insAccount, err := tx.PrepareContext(ctx, `
		INSERT INTO idx_accounts (id, name, type, currency, balance, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare account insert: %w", err)
	}
	defer insAccount.Close()
	for _, a := range doc.Accounts {
		if a.Deleted() {
			continue
		}
		if _, err := insAccount.ExecContext(ctx, a.ID, a.Name, a.Type, a.Currency,
			a.Balance, boolInt(a.IsActive), fmtTime(a.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert account %s: %w", a.ID, err)
		}
	}

	insCategory, err := tx.PrepareContext(ctx, `
		INSERT INTO idx_categories (id, name, color, icon, parent_id, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare category insert: %w", err)
	}
	defer insCategory.Close()
	for _, c := range doc.Categories {
		if c.Deleted() {
			continue
		}
		if _, err := insCategory.ExecContext(ctx, c.ID, c.Name, c.Color, nullStr(c.Icon),
			nullStr(c.ParentID), boolInt(c.IsActive), fmtTime(c.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert category %s: %w", c.ID, err)
		}
	}

	insTransaction, err := tx.PrepareContext(ctx, `
		INSERT INTO idx_transactions (
			id, amount, transaction_datetime, description, category_id, account_id,
			type, destination_account_id, transaction_currency, original_amount,
			is_external, account_name, account_currency, category_name, category_color,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare transaction insert: %w", err)
	}
	defer insTransaction.Close()
	for _, t := range doc.Transactions {
		if t.Deleted() {
			continue
		}
		var accountName, accountCurrency, categoryName, categoryColor any
		if a, ok := doc.Accounts[t.AccountID]; ok && !a.Deleted() {
			accountName, accountCurrency = a.Name, a.Currency
		}
		if c, ok := doc.Categories[t.CategoryID]; ok && !c.Deleted() {
			categoryName, categoryColor = c.Name, c.Color
		}
		if _, err := insTransaction.ExecContext(ctx,
			t.ID, t.Amount, fmtTime(t.TransactionDatetime), t.Description,
			nullStr(t.CategoryID), t.AccountID, string(t.Type),
			nullStr(t.DestinationAccountID), t.Currency, t.OriginalAmount,
			boolInt(t.IsExternal), accountName, accountCurrency, categoryName, categoryColor,
			fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	committed = true

	ix.logger.Debug("index rebuilt",
		"transactions", len(doc.Transactions), "accounts", len(doc.Accounts),
		"categories", len(doc.Categories))
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// QueryParams filters and pages the transaction projection.
type QueryParams struct {
	Search     string // substring match on description
	AccountID  string
	CategoryID string
	Type       string
	Currency   string
	From, To   time.Time // inclusive date range on transaction_datetime
	Page       int       // 1-based
	PageSize   int
}

// TransactionRow is one denormalized row of the projection.
type TransactionRow struct {
	ID                   string
	Amount               float64
	TransactionDatetime  time.Time
	Description          string
	CategoryID           string
	AccountID            string
	Type                 string
	DestinationAccountID string
	Currency             string
	OriginalAmount       float64
	IsExternal           bool
	AccountName          string
	AccountCurrency      string
	CategoryName         string
	CategoryColor        string
}

// Query returns one page of matching transactions, most recent first, plus
// the total match count.
func (ix *Index) Query(ctx context.Context, p QueryParams) ([]TransactionRow, int, error) {
	where := []string{"1=1"}
	var args []any

	if p.Search != "" {
		where = append(where, "description LIKE ?")
		args = append(args, "%"+p.Search+"%")
	}
	if p.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, p.AccountID)
	}
	if p.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, p.CategoryID)
	}
	if p.Type != "" {
		where = append(where, "type = ?")
		args = append(args, p.Type)
	}
	if p.Currency != "" {
		where = append(where, "transaction_currency = ?")
		args = append(args, p.Currency)
	}
	if !p.From.IsZero() {
		where = append(where, "transaction_datetime >= ?")
		args = append(args, fmtTime(p.From))
	}
	if !p.To.IsZero() {
		where = append(where, "transaction_datetime <= ?")
		args = append(args, fmtTime(p.To))
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idx_transactions `+whereClause, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	page := p.Page
	if page < 1 {
		page = 1
	}
	pageSize := p.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	offset := (page - 1) * pageSize

	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, amount, transaction_datetime, description,
			COALESCE(category_id, ''), account_id, type,
			COALESCE(destination_account_id, ''), transaction_currency,
			original_amount, is_external,
			COALESCE(account_name, ''), COALESCE(account_currency, ''),
			COALESCE(category_name, ''), COALESCE(category_color, '')
		FROM idx_transactions
		`+whereClause+`
		ORDER BY transaction_datetime DESC
		LIMIT ? OFFSET ?
	`, append(args, pageSize, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		var r TransactionRow
		var dt string
		var isExternal int
		if err := rows.Scan(&r.ID, &r.Amount, &dt, &r.Description,
			&r.CategoryID, &r.AccountID, &r.Type,
			&r.DestinationAccountID, &r.Currency,
			&r.OriginalAmount, &isExternal,
			&r.AccountName, &r.AccountCurrency,
			&r.CategoryName, &r.CategoryColor); err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		r.TransactionDatetime, _ = time.Parse(time.RFC3339Nano, dt)
		r.IsExternal = isExternal != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, total, nil
}

// GroupBy selects the aggregation bucket.
type GroupBy string

const (
	GroupByDay      GroupBy = "day"
	GroupByMonth    GroupBy = "month"
	GroupByYear     GroupBy = "year"
	GroupByCategory GroupBy = "category"
)

// AggregateRow is one bucket of income/expense totals.
type AggregateRow struct {
	Period        string // date, month, year or category id
	CategoryName  string
	CategoryColor string
	Expenses      float64
	Income        float64
	Count         int
}

// Aggregate sums amounts per bucket over a date range. Transfer rows are
// excluded from income/expense totals; tombstones never reach the
// projection in the first place.
func (ix *Index) Aggregate(ctx context.Context, g GroupBy, from, to time.Time) ([]AggregateRow, error) {
	where := []string{"type != 'transfer'"}
	var args []any
	if !from.IsZero() {
		where = append(where, "transaction_datetime >= ?")
		args = append(args, fmtTime(from))
	}
	if !to.IsZero() {
		where = append(where, "transaction_datetime <= ?")
		args = append(args, fmtTime(to))
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var periodExpr, extraSelect, groupClause string
	switch g {
	case GroupByDay:
		periodExpr = "date(transaction_datetime)"
		extraSelect = "'' AS category_name, '' AS category_color"
		groupClause = "GROUP BY date(transaction_datetime)"
	case GroupByYear:
		periodExpr = "strftime('%Y', transaction_datetime)"
		extraSelect = "'' AS category_name, '' AS category_color"
		groupClause = "GROUP BY strftime('%Y', transaction_datetime)"
	case GroupByCategory:
		periodExpr = "COALESCE(category_id, '')"
		extraSelect = "COALESCE(category_name, ''), COALESCE(category_color, '')"
		groupClause = "GROUP BY category_id"
	case GroupByMonth:
		fallthrough
	default:
		periodExpr = "strftime('%Y-%m', transaction_datetime)"
		extraSelect = "'' AS category_name, '' AS category_color"
		groupClause = "GROUP BY strftime('%Y-%m', transaction_datetime)"
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT `+periodExpr+` AS period, `+extraSelect+`,
			SUM(CASE WHEN type = 'expense' THEN ABS(amount) ELSE 0 END) AS expenses,
			SUM(CASE WHEN type = 'income' THEN amount ELSE 0 END) AS income,
			COUNT(*) AS n
		FROM idx_transactions
		`+whereClause+`
		`+groupClause+`
		ORDER BY period
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var r AggregateRow
		if err := rows.Scan(&r.Period, &r.CategoryName, &r.CategoryColor,
			&r.Expenses, &r.Income, &r.Count); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return out, nil
}
