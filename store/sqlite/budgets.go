package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/generic"
)

// =============================================================================
// BUDGETS (budget.Store interface)
// =============================================================================

const budgetColumns = `id, member_id, category, period_type, limit_amount, active, created_at`

func (q *queries) SaveBudget(ctx context.Context, b budget.Budget) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			limit_amount = excluded.limit_amount,
			active = excluded.active
	`, b.ID, b.MemberID, b.Category, string(b.PeriodType), b.Limit.String(), b.Active, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	return nil
}

func scanBudget(row scanner) (budget.Budget, error) {
	var b budget.Budget
	var period, limit, createdAt string
	if err := row.Scan(&b.ID, &b.MemberID, &b.Category, &period, &limit, &b.Active, &createdAt); err != nil {
		return budget.Budget{}, err
	}
	b.PeriodType = generic.PeriodType(period)

	var err error
	if b.Limit, err = decimal.NewFromString(limit); err != nil {
		return budget.Budget{}, fmt.Errorf("malformed budget limit %q: %w", limit, err)
	}
	b.CreatedAt, err = parseTime(createdAt)
	return b, err
}

func (q *queries) GetBudget(ctx context.Context, id string) (budget.Budget, error) {
	b, err := scanBudget(q.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Budget{}, generic.ErrNotFound
	}
	if err != nil {
		return budget.Budget{}, fmt.Errorf("failed to get budget: %w", err)
	}
	return b, nil
}

func (q *queries) ListBudgets(ctx context.Context, memberID string) ([]budget.Budget, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE member_id = ? ORDER BY created_at ASC, id ASC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var out []budget.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *queries) GetBudgetPeriod(ctx context.Context, budgetID, periodKey string) (budget.Period, error) {
	var p budget.Period
	var start, end, spent, updated string
	err := q.db.QueryRowContext(ctx, `
		SELECT budget_id, period_key, period_start, period_end, spent, updated_at
		FROM budget_periods
		WHERE budget_id = ? AND period_key = ?
	`, budgetID, periodKey).Scan(&p.BudgetID, &p.PeriodKey, &start, &end, &spent, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Period{}, generic.ErrNotFound
	}
	if err != nil {
		return budget.Period{}, fmt.Errorf("failed to get budget period: %w", err)
	}
	if p.Spent, err = decimal.NewFromString(spent); err != nil {
		return budget.Period{}, fmt.Errorf("malformed spent %q: %w", spent, err)
	}
	if p.Start, err = parseTime(start); err != nil {
		return budget.Period{}, err
	}
	if p.End, err = parseTime(end); err != nil {
		return budget.Period{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return budget.Period{}, err
	}
	return p, nil
}

// AddBudgetSpend sums in Go rather than SQL: spent is decimal text and
// SQLite arithmetic would coerce it to a float.
func (q *queries) AddBudgetSpend(ctx context.Context, p budget.Period, amount decimal.Decimal) (budget.Period, error) {
	cur, err := q.GetBudgetPeriod(ctx, p.BudgetID, p.PeriodKey)
	switch {
	case err == nil:
		cur.Spent = cur.Spent.Add(amount)
		cur.UpdatedAt = p.UpdatedAt
		p = cur
	case generic.IsNotFound(err):
		p.Spent = amount
	default:
		return budget.Period{}, err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO budget_periods (budget_id, period_key, period_start, period_end, spent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(budget_id, period_key) DO UPDATE SET
			spent = excluded.spent,
			updated_at = excluded.updated_at
	`, p.BudgetID, p.PeriodKey, formatTime(p.Start), formatTime(p.End), p.Spent.String(), formatTime(p.UpdatedAt))
	if err != nil {
		return budget.Period{}, fmt.Errorf("failed to upsert budget period: %w", err)
	}
	return p, nil
}

// AddBudgetSpend on the pool wraps the read-modify-write in a transaction.
func (s *Store) AddBudgetSpend(ctx context.Context, p budget.Period, amount decimal.Decimal) (budget.Period, error) {
	var out budget.Period
	err := s.inTx(ctx, func(q *queries) error {
		var err error
		out, err = q.AddBudgetSpend(ctx, p, amount)
		return err
	})
	return out, err
}
