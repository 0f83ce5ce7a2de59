package generic

import "github.com/shopspring/decimal"

// =============================================================================
// BUDGET STATUS EVALUATOR
// =============================================================================

// BudgetStatus classifies a prospective spend against a limit.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarning  BudgetStatus = "warning"
	BudgetExceeded BudgetStatus = "exceeded"
)

// Fixed thresholds; not configurable per budget.
var warningPercentage = decimal.NewFromInt(80)

var hundred = decimal.NewFromInt(100)

// BudgetEvaluation is the outcome of EvaluateBudget.
type BudgetEvaluation struct {
	Status         BudgetStatus
	ProjectedSpent decimal.Decimal
	Remaining      decimal.Decimal // never negative
	PercentageUsed int64
}

// EvaluateBudget projects currentSpent+prospective against limit.
//
//	exceeded  projected >= limit
//	warning   round(projected/limit*100) > 80
//	ok        otherwise
//
// A zero or negative limit has no headroom: percentage reads 0 and any
// projection is exceeded.
func EvaluateBudget(limit, currentSpent, prospective decimal.Decimal) BudgetEvaluation {
	projected := currentSpent.Add(prospective)

	var pct int64
	if limit.IsPositive() {
		pct = projected.Div(limit).Mul(hundred).Round(0).IntPart()
	}

	remaining := limit.Sub(projected)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	status := BudgetOK
	switch {
	case projected.GreaterThanOrEqual(limit):
		status = BudgetExceeded
	case decimal.NewFromInt(pct).GreaterThan(warningPercentage):
		status = BudgetWarning
	}

	return BudgetEvaluation{
		Status:         status,
		ProjectedSpent: projected,
		Remaining:      remaining,
		PercentageUsed: pct,
	}
}

// ShouldWarn gates user-facing warnings: inactive budgets never warn.
func ShouldWarn(active bool, status BudgetStatus) bool {
	return active && status != BudgetOK
}
