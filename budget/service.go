package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/metrics"
)

// Service manages budgets and evaluates spend against them.
type Service struct {
	store   Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(store Store, rec *metrics.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		metrics: rec,
		logger:  logger.With("component", "budget"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Evaluation is the outcome of Evaluate, with the period it was computed against.
type Evaluation struct {
	generic.BudgetEvaluation
	Budget     Budget
	Period     Period
	ShouldWarn bool
}

// Create adds a budget for a member. The actor must be a guardian of that member.
func (s *Service) Create(ctx context.Context, actorID string, b Budget) (Budget, error) {
	if _, err := family.RequireGuardianOf(ctx, s.store, actorID, b.MemberID); err != nil {
		return Budget{}, err
	}
	b.Category = strings.TrimSpace(b.Category)
	if b.Category == "" {
		return Budget{}, fmt.Errorf("%w: category is required", generic.ErrInvalidInput)
	}
	if !b.Limit.IsPositive() {
		return Budget{}, fmt.Errorf("%w: limit must be positive", generic.ErrInvalidInput)
	}
	if b.PeriodType != generic.PeriodWeekly && b.PeriodType != generic.PeriodMonthly {
		return Budget{}, fmt.Errorf("%w: budgets are weekly or monthly, got %q", generic.ErrInvalidPeriod, b.PeriodType)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Active = true
	b.CreatedAt = s.now()

	if err := s.store.SaveBudget(ctx, b); err != nil {
		return Budget{}, fmt.Errorf("failed to save budget: %w", err)
	}
	return b, nil
}

// SetActive enables or disables warnings for a budget. Spend keeps accumulating.
func (s *Service) SetActive(ctx context.Context, actorID, budgetID string, active bool) (Budget, error) {
	b, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return Budget{}, fmt.Errorf("budget %s: %w", budgetID, err)
	}
	if _, err := family.RequireGuardianOf(ctx, s.store, actorID, b.MemberID); err != nil {
		return Budget{}, err
	}
	b.Active = active
	if err := s.store.SaveBudget(ctx, b); err != nil {
		return Budget{}, fmt.Errorf("failed to save budget: %w", err)
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, budgetID string) (Budget, error) {
	return s.store.GetBudget(ctx, budgetID)
}

func (s *Service) List(ctx context.Context, memberID string) ([]Budget, error) {
	return s.store.ListBudgets(ctx, memberID)
}

// RecordSpend adds amount to the period containing at.
func (s *Service) RecordSpend(ctx context.Context, budgetID string, amount decimal.Decimal, at time.Time) (Period, error) {
	if !amount.IsPositive() {
		return Period{}, fmt.Errorf("%w: amount must be positive", generic.ErrInvalidInput)
	}
	if at.IsZero() {
		at = s.now()
	}
	b, p, err := s.currentPeriod(ctx, budgetID, at)
	if err != nil {
		return Period{}, err
	}
	p.UpdatedAt = at
	p, err = s.store.AddBudgetSpend(ctx, p, amount)
	if err != nil {
		return Period{}, fmt.Errorf("failed to record spend: %w", err)
	}
	s.logger.Debug("spend recorded",
		"budget_id", b.ID,
		"period", p.PeriodKey,
		"amount", amount.String(),
		"spent", p.Spent.String(),
	)
	return p, nil
}

// Evaluate projects prospective onto the current period's spend.
func (s *Service) Evaluate(ctx context.Context, budgetID string, prospective decimal.Decimal, now time.Time) (Evaluation, error) {
	if prospective.IsNegative() {
		return Evaluation{}, fmt.Errorf("%w: prospective amount cannot be negative", generic.ErrInvalidInput)
	}
	if now.IsZero() {
		now = s.now()
	}
	b, p, err := s.currentPeriod(ctx, budgetID, now)
	if err != nil {
		return Evaluation{}, err
	}

	eval := generic.EvaluateBudget(b.Limit, p.Spent, prospective)
	s.metrics.BudgetEvaluated(string(eval.Status))
	return Evaluation{
		BudgetEvaluation: eval,
		Budget:           b,
		Period:           p,
		ShouldWarn:       generic.ShouldWarn(b.Active, eval.Status),
	}, nil
}

// currentPeriod returns the budget and its period row for at. A period with
// no spend yet reads as zero.
func (s *Service) currentPeriod(ctx context.Context, budgetID string, at time.Time) (Budget, Period, error) {
	b, err := s.store.GetBudget(ctx, budgetID)
	if err != nil {
		return Budget{}, Period{}, fmt.Errorf("budget %s: %w", budgetID, err)
	}
	_, cal, err := family.CalendarFor(ctx, s.store, b.MemberID)
	if err != nil {
		return Budget{}, Period{}, err
	}
	bounds, err := cal.PeriodFor(at, b.PeriodType)
	if err != nil {
		return Budget{}, Period{}, err
	}

	p, err := s.store.GetBudgetPeriod(ctx, b.ID, bounds.Key)
	if generic.IsNotFound(err) {
		return b, Period{
			BudgetID:  b.ID,
			PeriodKey: bounds.Key,
			Start:     bounds.Start,
			End:       bounds.End,
			Spent:     decimal.Zero,
		}, nil
	}
	if err != nil {
		return Budget{}, Period{}, fmt.Errorf("failed to load budget period: %w", err)
	}
	return b, p, nil
}
