package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
	"github.com/warp/allowance-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 123456789, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveFamily(ctx, family.Family{ID: "f-1", Name: "Home", Timezone: "Europe/Paris", CreatedAt: t0}))
	require.NoError(t, store.SaveFamily(ctx, family.Family{ID: "f-2", Name: "Next door", CreatedAt: t0}))
	for _, m := range []family.Member{
		{ID: "parent", FamilyID: "f-1", Name: "Parent", Role: family.RoleGuardian, CreatedAt: t0},
		{ID: "kid", FamilyID: "f-1", Name: "Kid", Role: family.RoleChild, CreatedAt: t0},
		{ID: "neighbour-kid", FamilyID: "f-2", Name: "Other", Role: family.RoleChild, CreatedAt: t0},
	} {
		require.NoError(t, store.SaveMember(ctx, m))
	}
	return store
}

func pendingLog(id, member string, at time.Time) screentime.GraceLog {
	return screentime.GraceLog{
		ID:               id,
		MemberID:         member,
		AllowanceTypeID:  "t-screen",
		MinutesRequested: 15,
		Reason:           "movie night",
		Resolution:       screentime.ResolutionPendingApproval,
		Repayment:        screentime.RepaymentPending,
		RequestedAt:      at,
	}
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestDirectory_RoundTripAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f, err := store.GetFamily(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", f.Timezone)
	assert.True(t, t0.Equal(f.CreatedAt))

	require.NoError(t, store.SaveMember(ctx, family.Member{ID: "kid", FamilyID: "f-1", Name: "Renamed", Role: family.RoleChild, CreatedAt: t0}))
	m, err := store.GetMember(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", m.Name)

	_, err = store.GetMember(ctx, "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestDirectory_MemberRequiresFamily(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveMember(context.Background(), family.Member{ID: "orphan", FamilyID: "missing", Role: family.RoleChild, CreatedAt: t0})
	assert.Error(t, err, "foreign keys are enforced")
}

// =============================================================================
// BALANCES
// =============================================================================

func TestBalance_InsertIsIdempotentAndSwapIsConditional(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := generic.BalanceKey{MemberID: "kid", AllowanceTypeID: "t-screen"}

	_, err := store.GetBalance(ctx, key)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	first := generic.Balance{MemberID: "kid", AllowanceTypeID: "t-screen", Current: 60, LastResetAt: t0, Version: 1, UpdatedAt: t0}
	b, err := store.InsertBalance(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(60), b.Current)

	// A second insert observes the existing row.
	loser := first
	loser.Current = 999
	b, err = store.InsertBalance(ctx, loser)
	require.NoError(t, err)
	assert.Equal(t, int64(60), b.Current)

	next := b
	next.Current = 40
	next.Version = 2
	event := &generic.ConsumptionEvent{ID: "e-1", MemberID: "kid", AllowanceTypeID: "t-screen", Minutes: 20, Device: "tv", Metadata: map[string]string{"app": "cartoons"}, At: t0}
	require.NoError(t, store.SwapBalance(ctx, 1, next, event))

	// Stale version loses and appends nothing.
	stale := next
	stale.Current = 10
	stale.Version = 2
	err = store.SwapBalance(ctx, 1, stale, &generic.ConsumptionEvent{ID: "e-2", MemberID: "kid", AllowanceTypeID: "t-screen", Minutes: 50, At: t0})
	assert.ErrorIs(t, err, generic.ErrConflict)

	b, err = store.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Current)
	assert.Equal(t, int64(2), b.Version)

	events, err := store.ListConsumption(ctx, key, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e-1", events[0].ID)
	assert.Equal(t, "cartoons", events[0].Metadata["app"])
	assert.True(t, t0.Equal(events[0].At))
}

func TestLedgerOverSQLite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := generic.NewBalanceLedger(store)
	policy := generic.BalancePolicy{Baseline: 60, Calendar: generic.UTC}

	ev := generic.ConsumptionEvent{MemberID: "kid", AllowanceTypeID: "t-screen", Minutes: 70, At: t0}
	b, err := ledger.Debit(ctx, policy, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), b.Current)

	ev.Minutes = 5
	ev.At = t0.AddDate(0, 0, 1)
	b, err = ledger.Debit(ctx, policy, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(55), b.Current)
}

// =============================================================================
// GRACE SETTINGS
// =============================================================================

func TestGraceSettings_InsertIfAbsentThenSave(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	defaults := screentime.DefaultGraceSettings().ForMember("kid", t0)
	s, err := store.InsertGraceSettings(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults.MaxRequestsPerWeek, s.MaxRequestsPerWeek)

	other := defaults
	other.MaxRequestsPerWeek = 1
	s, err = store.InsertGraceSettings(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, defaults.MaxRequestsPerWeek, s.MaxRequestsPerWeek, "insert keeps the existing row")

	require.NoError(t, store.SaveGraceSettings(ctx, other))
	s, err = store.GetGraceSettings(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, 1, s.MaxRequestsPerWeek)
	assert.True(t, s.AutoApprove)
}

// =============================================================================
// GRACE LOGS
// =============================================================================

func TestGraceLog_CompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.InsertGraceLog(ctx, pendingLog("g-1", "kid", t0)))

	from, approved := string(screentime.ResolutionPendingApproval), string(screentime.ResolutionApproved)
	require.NoError(t, store.CompareAndSetStatus(ctx, screentime.GraceLogKind, "g-1", from, approved, "parent", t0.Add(time.Minute)))

	g, err := store.GetGraceLog(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, screentime.ResolutionApproved, g.Resolution)
	assert.Equal(t, "parent", g.ApproverID)
	require.NotNil(t, g.ResolvedAt)
	assert.True(t, t0.Add(time.Minute).Equal(*g.ResolvedAt))

	err = store.CompareAndSetStatus(ctx, screentime.GraceLogKind, "g-1", from, string(screentime.ResolutionRejected), "parent", t0)
	var te *generic.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, approved, te.Actual)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)

	err = store.CompareAndSetStatus(ctx, screentime.GraceLogKind, "missing", from, approved, "parent", t0)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	err = store.CompareAndSetStatus(ctx, "redemption", "g-1", from, approved, "parent", t0)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestGraceLog_SetRepayment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.InsertGraceLog(ctx, pendingLog("g-1", "kid", t0)))

	require.NoError(t, store.SetRepayment(ctx, "g-1", screentime.RepaymentPending, screentime.RepaymentWaived, t0))
	err := store.SetRepayment(ctx, "g-1", screentime.RepaymentPending, screentime.RepaymentRepaid, t0)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)

	g, err := store.GetGraceLog(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, screentime.RepaymentWaived, g.Repayment)
	require.NotNil(t, g.RepaymentUpdatedAt)
}

func TestGraceLog_CountAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i, id := range []string{"g-1", "g-2", "g-3"} {
		require.NoError(t, store.InsertGraceLog(ctx, pendingLog(id, "kid", t0.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, store.InsertGraceLog(ctx, pendingLog("g-x", "neighbour-kid", t0)))

	n, err := store.CountGraceLogs(ctx, "kid", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both ends are inclusive")

	logs, err := store.ListGraceLogs(ctx, screentime.GraceLogFilter{FamilyID: "f-1"})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "g-3", logs[0].ID, "newest first")

	logs, err = store.ListGraceLogs(ctx, screentime.GraceLogFilter{Resolution: screentime.ResolutionPendingApproval, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx screentime.Store) error {
		if err := tx.InsertGraceLog(ctx, pendingLog("g-1", "kid", t0)); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, generic.AuditEntry{ID: "a-1", At: t0, ActorID: "kid", Action: generic.AuditGraceRequested, SubjectKind: screentime.GraceLogKind, SubjectID: "g-1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetGraceLog(ctx, "g-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	entries, err := store.ListAudit(ctx, generic.AuditFilter{SubjectID: "g-1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGraceFlowOverSQLite(t *testing.T) {
	// GIVEN: The screen-time service backed by SQLite
	// WHEN: A child borrows time (auto-approved) and a guardian approves a
	//       second, pending request
	// THEN: Both credits land exactly once and the audit trail has both

	ctx := context.Background()
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := screentime.NewService(store, screentime.DefaultGraceSettings(), nil, logger)
	now := t0
	svc.SetClock(func() time.Time { return now })

	typ, err := svc.CreateAllowanceType(ctx, "parent", screentime.AllowanceType{FamilyID: "f-1", Name: "Screen", DailyMinutes: 30})
	require.NoError(t, err)

	_, err = svc.LogConsumption(ctx, screentime.LogConsumptionInput{MemberID: "kid", AllowanceTypeID: typ.ID, Minutes: 30})
	require.NoError(t, err)

	auto, err := svc.RequestGrace(ctx, screentime.GraceRequest{MemberID: "kid"})
	require.NoError(t, err)
	assert.True(t, auto.Granted)

	s, err := svc.GetSettings(ctx, "kid")
	require.NoError(t, err)
	s.AutoApprove = false
	_, err = svc.UpdateSettings(ctx, "parent", s)
	require.NoError(t, err)

	pending, err := svc.RequestGrace(ctx, screentime.GraceRequest{MemberID: "kid"})
	require.NoError(t, err)
	assert.True(t, pending.RequiresApproval)

	queue, err := svc.ListPendingGrace(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	_, err = svc.ResolveGrace(ctx, pending.LogID, "parent", screentime.DecisionApprove)
	require.NoError(t, err)
	_, err = svc.ResolveGrace(ctx, pending.LogID, "parent", screentime.DecisionApprove)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)

	b, err := svc.Balance(ctx, "kid", typ.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Current)

	entries, err := store.ListAudit(ctx, generic.AuditFilter{SubjectKind: screentime.GraceLogKind})
	require.NoError(t, err)
	assert.Len(t, entries, 3, "two requests and one transition")
}

// =============================================================================
// BUDGETS
// =============================================================================

func TestBudgetSpend_Accumulates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	b := budget.Budget{ID: "b-1", MemberID: "kid", Category: "games", PeriodType: generic.PeriodWeekly, Limit: decimal.RequireFromString("20"), Active: true, CreatedAt: t0}
	require.NoError(t, store.SaveBudget(ctx, b))

	got, err := store.GetBudget(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, b.Limit.Equal(got.Limit))

	bounds, err := generic.PeriodFor(t0, generic.PeriodWeekly)
	require.NoError(t, err)
	p := budget.Period{BudgetID: "b-1", PeriodKey: bounds.Key, Start: bounds.Start, End: bounds.End, UpdatedAt: t0}

	_, err = store.GetBudgetPeriod(ctx, "b-1", bounds.Key)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = store.AddBudgetSpend(ctx, p, decimal.RequireFromString("4.50"))
	require.NoError(t, err)
	out, err := store.AddBudgetSpend(ctx, p, decimal.RequireFromString("0.25"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("4.75").Equal(out.Spent), "spent %s", out.Spent)

	stored, err := store.GetBudgetPeriod(ctx, "b-1", bounds.Key)
	require.NoError(t, err)
	assert.True(t, out.Spent.Equal(stored.Spent))

	budgets, err := store.ListBudgets(ctx, "kid")
	require.NoError(t, err)
	assert.Len(t, budgets, 1)
}

func TestNew_FileDatabaseReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allowance.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveFamily(ctx, family.Family{ID: "f-1", Name: "Home", CreatedAt: t0}))
	require.NoError(t, store.Close())

	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	f, err := store.GetFamily(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "Home", f.Name)
}
