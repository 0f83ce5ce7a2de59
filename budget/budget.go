/*
Package budget tracks spending limits per member and category.

PURPOSE:
  A Budget caps spend in a category over a weekly or monthly period. Spend
  accumulates in one Period row per (budget, period key), upserted on every
  recorded spend. Evaluation projects a prospective purchase against the
  row for the period containing "now".

SEE ALSO:
  - generic/budget.go: EvaluateBudget thresholds
  - generic/period.go: period keys and bounds
*/
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
)

type Budget struct {
	ID         string
	MemberID   string
	Category   string
	PeriodType generic.PeriodType
	Limit      decimal.Decimal
	Active     bool
	CreatedAt  time.Time
}

// Period is the spend accumulator for one budget period.
type Period struct {
	BudgetID  string
	PeriodKey string
	Start     time.Time
	End       time.Time
	Spent     decimal.Decimal
	UpdatedAt time.Time
}

// Store persists budgets. Lookups return generic.ErrNotFound.
type Store interface {
	family.Directory

	GetBudget(ctx context.Context, id string) (Budget, error)
	SaveBudget(ctx context.Context, b Budget) error
	ListBudgets(ctx context.Context, memberID string) ([]Budget, error)

	GetBudgetPeriod(ctx context.Context, budgetID, periodKey string) (Period, error)
	// AddBudgetSpend inserts p or adds amount to the stored Spent, returning
	// the row after the write.
	AddBudgetSpend(ctx context.Context, p Period, amount decimal.Decimal) (Period, error)
}
