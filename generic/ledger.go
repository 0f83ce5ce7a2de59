/*
ledger.go - Running balance per (member, allowance type)

PURPOSE:
  BalanceLedger is the only writer of Balance rows. It debits logged
  consumption, credits borrowed minutes and resets the balance to its
  baseline at each period boundary (local midnight for screen time).

CRITICAL INVARIANTS:
  1. LINEARIZABLE: every write is a compare-and-set on Balance.Version, so
     two concurrent debits never lose an update.
  2. NO FLOOR: debits may drive the balance negative. A negative balance
     is the signal for grace-period borrowing, not an error.
  3. NO CARRIED DEBT: a reset replaces the current value with the baseline.
     Borrowed minutes are tracked on grace logs, not on the balance.

RETRY POLICY:
  A lost race is retried once with fresh state. If the second attempt
  also loses, ErrConflict is returned to the caller.

EXAMPLE FLOW (baseline 60):
  1. 09:00 debit 20   -> 40
  2. 18:00 debit 55   -> -15
  3. next day debit 5 -> reset to 60, then 55

SEE ALSO:
  - store.go: BalanceStore contract
  - screentime/service.go: LogConsumption
  - screentime/grace.go: credits on granted borrows
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is one attempt plus one retry.
const DefaultMaxAttempts = 2

// BalanceLedger applies debits, credits and resets through a BalanceStore.
type BalanceLedger struct {
	Store       BalanceStore
	MaxAttempts int
	Logger      *slog.Logger
}

func NewBalanceLedger(store BalanceStore) *BalanceLedger {
	return &BalanceLedger{
		Store:       store,
		MaxAttempts: DefaultMaxAttempts,
		Logger:      slog.Default().With("component", "ledger"),
	}
}

// Debit appends the consumption event and decrements the balance by its minutes.
func (l *BalanceLedger) Debit(ctx context.Context, policy BalancePolicy, event ConsumptionEvent) (Balance, error) {
	if event.Minutes <= 0 {
		return Balance{}, fmt.Errorf("%w: minutes must be positive, got %d", ErrInvalidInput, event.Minutes)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	return l.mutate(ctx, event.Key(), policy, event.At, &event, func(b *Balance) bool {
		b.Current -= event.Minutes
		return true
	})
}

// Credit increments the balance. Used to grant borrowed minutes.
func (l *BalanceLedger) Credit(ctx context.Context, key BalanceKey, policy BalancePolicy, minutes int64, at time.Time) (Balance, error) {
	if minutes <= 0 {
		return Balance{}, fmt.Errorf("%w: minutes must be positive, got %d", ErrInvalidInput, minutes)
	}
	return l.mutate(ctx, key, policy, at, nil, func(b *Balance) bool {
		b.Current += minutes
		return true
	})
}

// ResetIfPeriodElapsed resets the balance when now falls in a later reset
// period than LastResetAt. Returns whether a reset happened.
func (l *BalanceLedger) ResetIfPeriodElapsed(ctx context.Context, key BalanceKey, policy BalancePolicy, now time.Time) (bool, error) {
	reset := false
	_, err := l.mutate(ctx, key, policy, now, nil, func(b *Balance) bool {
		return false
	}, withResetReport(&reset))
	if err != nil {
		return false, err
	}
	return reset, nil
}

// Peek returns the balance as it would read at now, applying a due reset
// in memory only. Missing rows read as the baseline.
func (l *BalanceLedger) Peek(ctx context.Context, key BalanceKey, policy BalancePolicy, now time.Time) (Balance, error) {
	b, err := l.Store.GetBalance(ctx, key)
	if errors.Is(err, ErrNotFound) {
		b, err = initialBalance(key, policy, now)
	}
	if err != nil {
		return Balance{}, err
	}
	if _, err := applyReset(&b, policy, now); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// =============================================================================
// COMPARE-AND-SET LOOP
// =============================================================================

type mutateOption func(*mutateConfig)

type mutateConfig struct {
	resetReport *bool
}

func withResetReport(dst *bool) mutateOption {
	return func(c *mutateConfig) { c.resetReport = dst }
}

// mutate loads the row, applies a due reset, then fn. If neither changed
// anything the write is skipped.
func (l *BalanceLedger) mutate(
	ctx context.Context,
	key BalanceKey,
	policy BalancePolicy,
	at time.Time,
	event *ConsumptionEvent,
	fn func(*Balance) bool,
	opts ...mutateOption,
) (Balance, error) {
	var cfg mutateConfig
	for _, o := range opts {
		o(&cfg)
	}

	attempts := l.MaxAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}

	for attempt := 1; ; attempt++ {
		current, err := l.load(ctx, key, policy, at)
		if err != nil {
			return Balance{}, err
		}

		next := current
		reset, err := applyReset(&next, policy, at)
		if err != nil {
			return Balance{}, err
		}
		changed := fn(&next)
		if cfg.resetReport != nil {
			*cfg.resetReport = reset
		}
		if !reset && !changed {
			return current, nil
		}

		next.Version = current.Version + 1
		next.UpdatedAt = at

		err = l.Store.SwapBalance(ctx, current.Version, next, event)
		if err == nil {
			if reset {
				l.logger().Debug("balance reset",
					"member_id", key.MemberID,
					"allowance_type_id", key.AllowanceTypeID,
					"discarded", current.Current,
					"baseline", policy.Baseline,
				)
			}
			return next, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= attempts {
			return Balance{}, err
		}
		l.logger().Debug("balance swap lost race, retrying",
			"member_id", key.MemberID,
			"allowance_type_id", key.AllowanceTypeID,
			"attempt", attempt,
		)
	}
}

func (l *BalanceLedger) load(ctx context.Context, key BalanceKey, policy BalancePolicy, at time.Time) (Balance, error) {
	b, err := l.Store.GetBalance(ctx, key)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Balance{}, fmt.Errorf("failed to load balance %s: %w", key, err)
	}

	initial, err := initialBalance(key, policy, at)
	if err != nil {
		return Balance{}, err
	}
	b, err = l.Store.InsertBalance(ctx, initial)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to create balance %s: %w", key, err)
	}
	return b, nil
}

func (l *BalanceLedger) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func initialBalance(key BalanceKey, policy BalancePolicy, at time.Time) (Balance, error) {
	period, err := policy.Calendar.PeriodFor(at, policy.resetPeriod())
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		MemberID:        key.MemberID,
		AllowanceTypeID: key.AllowanceTypeID,
		Current:         policy.Baseline,
		LastResetAt:     period.Start,
		Version:         1,
		UpdatedAt:       at,
	}, nil
}

// applyReset replaces the balance with the baseline if at lies in a later
// period than LastResetAt.
func applyReset(b *Balance, policy BalancePolicy, at time.Time) (bool, error) {
	period, err := policy.Calendar.PeriodFor(at, policy.resetPeriod())
	if err != nil {
		return false, err
	}
	if !b.LastResetAt.Before(period.Start) {
		return false, nil
	}
	b.Current = policy.Baseline
	b.LastResetAt = period.Start
	return true, nil
}
