package screentime_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/metrics"
	"github.com/warp/allowance-engine/screentime"
	"github.com/warp/allowance-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	guardianID = "m-parent"
	childID    = "m-kid"
	strangerID = "m-other-parent"
)

type fixture struct {
	ctx    context.Context
	store  *memory.Store
	svc    *screentime.Service
	now    time.Time
	typeID string
}

// newFixture seeds a family with one guardian, one child and a 60-minute
// daily allowance, plus an unrelated family. The clock starts on Monday
// 2025-03-10 09:00 in the family's timezone.
func newFixture(t *testing.T, tz string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.SaveFamily(ctx, family.Family{ID: "f-1", Name: "Home", Timezone: tz}))
	require.NoError(t, store.SaveFamily(ctx, family.Family{ID: "f-2", Name: "Next door"}))
	for _, m := range []family.Member{
		{ID: guardianID, FamilyID: "f-1", Name: "Parent", Role: family.RoleGuardian},
		{ID: childID, FamilyID: "f-1", Name: "Kid", Role: family.RoleChild},
		{ID: strangerID, FamilyID: "f-2", Name: "Neighbour", Role: family.RoleGuardian},
	} {
		require.NoError(t, store.SaveMember(ctx, m))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := screentime.NewService(store, screentime.DefaultGraceSettings(), metrics.New(prometheus.NewRegistry()), logger)

	cal, err := generic.CalendarFor(tz)
	require.NoError(t, err)
	f := &fixture{
		ctx:   ctx,
		store: store,
		svc:   svc,
		now:   time.Date(2025, time.March, 10, 9, 0, 0, 0, cal.Location),
	}
	svc.SetClock(func() time.Time { return f.now.UTC() })

	typ, err := svc.CreateAllowanceType(ctx, guardianID, screentime.AllowanceType{
		FamilyID:     "f-1",
		Name:         "Screen time",
		DailyMinutes: 60,
	})
	require.NoError(t, err)
	f.typeID = typ.ID
	return f
}

func (f *fixture) consume(t *testing.T, minutes int64) screentime.ConsumptionResult {
	t.Helper()
	res, err := f.svc.LogConsumption(f.ctx, screentime.LogConsumptionInput{
		MemberID:        childID,
		AllowanceTypeID: f.typeID,
		Minutes:         minutes,
		Device:          "tablet",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.svc.Balance(f.ctx, childID, f.typeID)
	require.NoError(t, err)
	return b.Current
}

func (f *fixture) requestGrace() (screentime.GraceOutcome, error) {
	return f.svc.RequestGrace(f.ctx, screentime.GraceRequest{
		MemberID: childID,
		Reason:   "finishing homework video",
		At:       f.now.UTC(),
	})
}

// requireApproval switches the child to guardian approval for every grant.
func (f *fixture) requireApproval(t *testing.T) {
	t.Helper()
	s, err := f.svc.GetSettings(f.ctx, childID)
	require.NoError(t, err)
	s.AutoApprove = false
	s.RequireGuardianApproval = true
	_, err = f.svc.UpdateSettings(f.ctx, guardianID, s)
	require.NoError(t, err)
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestLogConsumption_DebitsAndWarnsOnLowBalance(t *testing.T) {
	f := newFixture(t, "")

	res := f.consume(t, 45)
	assert.Equal(t, int64(15), res.Balance.Current)
	assert.False(t, res.LowBalance)

	res = f.consume(t, 10)
	assert.Equal(t, int64(5), res.Balance.Current)
	assert.True(t, res.LowBalance, "5 minutes is under the 10 minute warning")
	assert.NotEmpty(t, res.EventID)

	events, err := f.svc.Consumption(f.ctx, childID, f.typeID, f.now.Add(-time.Hour), f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLogConsumption_Validation(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name    string
		in      screentime.LogConsumptionInput
		wantErr error
	}{
		{"zero minutes", screentime.LogConsumptionInput{MemberID: childID, AllowanceTypeID: f.typeID}, generic.ErrInvalidInput},
		{"no allowance type", screentime.LogConsumptionInput{MemberID: childID, Minutes: 5}, generic.ErrInvalidInput},
		{"unknown allowance type", screentime.LogConsumptionInput{MemberID: childID, AllowanceTypeID: "nope", Minutes: 5}, generic.ErrNotFound},
		{"unknown member", screentime.LogConsumptionInput{MemberID: "ghost", AllowanceTypeID: f.typeID, Minutes: 5}, generic.ErrNotFound},
		{"foreign member", screentime.LogConsumptionInput{MemberID: strangerID, AllowanceTypeID: f.typeID, Minutes: 5}, generic.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.LogConsumption(f.ctx, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLogConsumption_ArchivedTypeIsNotFound(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.svc.ArchiveAllowanceType(f.ctx, guardianID, f.typeID)
	require.NoError(t, err)

	_, err = f.svc.LogConsumption(f.ctx, screentime.LogConsumptionInput{
		MemberID: childID, AllowanceTypeID: f.typeID, Minutes: 5,
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestLogConsumption_ResetsAtLocalMidnight(t *testing.T) {
	// GIVEN: A family in Los Angeles
	// WHEN: 50 minutes are used at 23:30 local, then 5 at 00:30 local
	// THEN: The second session starts from a fresh 60 minutes

	f := newFixture(t, "America/Los_Angeles")
	f.now = time.Date(2025, time.March, 9, 23, 30, 0, 0, f.now.Location())
	assert.Equal(t, int64(10), f.consume(t, 50).Balance.Current)

	f.now = f.now.Add(time.Hour)
	assert.Equal(t, int64(55), f.consume(t, 5).Balance.Current)
}

// =============================================================================
// GRACE REQUESTS
// =============================================================================

func TestRequestGrace_AutoApprovedCreditsImmediately(t *testing.T) {
	f := newFixture(t, "")
	f.consume(t, 60)

	out, err := f.requestGrace()
	require.NoError(t, err)

	assert.True(t, out.Granted)
	assert.False(t, out.RequiresApproval)
	assert.Equal(t, int64(15), out.Minutes)
	assert.Equal(t, screentime.ResolutionAutoApproved, out.Resolution)
	assert.Equal(t, int64(15), f.balance(t))

	g, err := f.store.GetGraceLog(f.ctx, out.LogID)
	require.NoError(t, err)
	assert.Equal(t, screentime.SystemActor, g.ApproverID)
	assert.Equal(t, screentime.RepaymentPending, g.Repayment)
	require.NotNil(t, g.ResolvedAt)
}

func TestRequestGrace_GrantIsCappedByMaxGraceMinutes(t *testing.T) {
	f := newFixture(t, "")
	s, err := f.svc.GetSettings(f.ctx, childID)
	require.NoError(t, err)
	s.DefaultGrantMinutes = 45
	s.MaxGraceMinutes = 20
	s.AutoApproveMaxMinutes = 20
	_, err = f.svc.UpdateSettings(f.ctx, guardianID, s)
	require.NoError(t, err)

	out, err := f.requestGrace()
	require.NoError(t, err)
	assert.Equal(t, int64(20), out.Minutes)
}

func TestRequestGrace_PendingThenApprovedCreditsOnce(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)
	f.consume(t, 60)

	out, err := f.requestGrace()
	require.NoError(t, err)
	assert.True(t, out.RequiresApproval)
	assert.False(t, out.Granted)
	assert.Equal(t, int64(0), f.balance(t), "pending requests do not credit")

	g, err := f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, screentime.ResolutionApproved, g.Resolution)
	assert.Equal(t, guardianID, g.ApproverID)
	assert.Equal(t, int64(15), f.balance(t))

	// A second decision is rejected and does not credit again.
	_, err = f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionApprove)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	_, err = f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionReject)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	assert.Equal(t, int64(15), f.balance(t))
}

func TestRequestGrace_RejectedDoesNotCredit(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)

	out, err := f.requestGrace()
	require.NoError(t, err)

	g, err := f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, screentime.ResolutionRejected, g.Resolution)
	assert.Equal(t, int64(0), g.MinutesGranted())
	assert.Equal(t, int64(60), f.balance(t))
}

func TestResolveGrace_Authorization(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)
	out, err := f.requestGrace()
	require.NoError(t, err)

	_, err = f.svc.ResolveGrace(f.ctx, out.LogID, childID, screentime.DecisionApprove)
	assert.ErrorIs(t, err, generic.ErrForbidden, "children cannot approve")

	_, err = f.svc.ResolveGrace(f.ctx, out.LogID, strangerID, screentime.DecisionApprove)
	assert.ErrorIs(t, err, generic.ErrForbidden, "guardians of other families cannot approve")

	_, err = f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionExpire)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = f.svc.ResolveGrace(f.ctx, "missing", guardianID, screentime.DecisionApprove)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestResolveGrace_ConcurrentApprovalsCreditOnce(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)
	out, err := f.requestGrace()
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionApprove)
			if err != nil && !errors.Is(err, generic.ErrAlreadyProcessed) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(75), f.balance(t))
}

// =============================================================================
// QUOTAS
// =============================================================================

func TestRequestGrace_DailyQuota(t *testing.T) {
	f := newFixture(t, "")

	for i := 0; i < 2; i++ {
		_, err := f.requestGrace()
		require.NoError(t, err)
	}

	_, err := f.requestGrace()
	require.ErrorIs(t, err, generic.ErrQuotaExceeded)
	var qe *generic.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, generic.QuotaDaily, qe.Window)
	assert.Equal(t, 2, qe.Used)

	// Next local day the daily cap clears.
	f.now = f.now.AddDate(0, 0, 1)
	_, err = f.requestGrace()
	assert.NoError(t, err)
}

func TestRequestGrace_WeeklyQuota(t *testing.T) {
	// GIVEN: Default caps of 2/day and 5/week
	// WHEN: Monday 2, Tuesday 2, Wednesday 1 requests
	// THEN: Wednesday's second request fails on the weekly window,
	//       and the following Monday is allowed again

	f := newFixture(t, "")
	monday := f.now
	for day, n := range []int{2, 2, 1} {
		f.now = monday.AddDate(0, 0, day)
		for i := 0; i < n; i++ {
			_, err := f.requestGrace()
			require.NoError(t, err)
		}
	}

	_, err := f.requestGrace()
	var qe *generic.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, generic.QuotaWeekly, qe.Window)

	f.now = monday.AddDate(0, 0, 7)
	_, err = f.requestGrace()
	assert.NoError(t, err)
}

func TestRequestGrace_RejectedRequestsCountTowardQuota(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)

	for i := 0; i < 2; i++ {
		out, err := f.requestGrace()
		require.NoError(t, err)
		_, err = f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionReject)
		require.NoError(t, err)
	}

	_, err := f.requestGrace()
	assert.ErrorIs(t, err, generic.ErrQuotaExceeded)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpireStale(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)

	stale, err := f.requestGrace()
	require.NoError(t, err)
	f.now = f.now.Add(20 * time.Hour)
	fresh, err := f.requestGrace()
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Hour)
	n, err := f.svc.Grace().ExpireStale(f.ctx, f.now.UTC(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g, err := f.store.GetGraceLog(f.ctx, stale.LogID)
	require.NoError(t, err)
	assert.Equal(t, screentime.ResolutionExpired, g.Resolution)
	assert.Equal(t, screentime.SystemActor, g.ApproverID)

	g, err = f.store.GetGraceLog(f.ctx, fresh.LogID)
	require.NoError(t, err)
	assert.Equal(t, screentime.ResolutionPendingApproval, g.Resolution)

	// Expired requests cannot be approved later and never credit.
	_, err = f.svc.ResolveGrace(f.ctx, stale.LogID, guardianID, screentime.DecisionApprove)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)

	n, err = f.svc.Grace().ExpireStale(f.ctx, f.now.UTC(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// REPAYMENT
// =============================================================================

func TestWaiveAndMarkRepaid(t *testing.T) {
	f := newFixture(t, "")

	first, err := f.requestGrace()
	require.NoError(t, err)
	second, err := f.requestGrace()
	require.NoError(t, err)

	borrowed, err := f.svc.BorrowedMinutes(f.ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), borrowed)

	g, err := f.svc.Waive(f.ctx, first.LogID, guardianID)
	require.NoError(t, err)
	assert.Equal(t, screentime.RepaymentWaived, g.Repayment)
	require.NotNil(t, g.RepaymentUpdatedAt)

	g, err = f.svc.MarkRepaid(f.ctx, second.LogID, guardianID)
	require.NoError(t, err)
	assert.Equal(t, screentime.RepaymentRepaid, g.Repayment)

	borrowed, err = f.svc.BorrowedMinutes(f.ctx, childID)
	require.NoError(t, err)
	assert.Zero(t, borrowed)

	_, err = f.svc.Waive(f.ctx, first.LogID, guardianID)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)

	_, err = f.svc.MarkRepaid(f.ctx, second.LogID, childID)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestWaive_NotGrantedIsInvalidState(t *testing.T) {
	f := newFixture(t, "")
	f.requireApproval(t)

	out, err := f.requestGrace()
	require.NoError(t, err)

	_, err = f.svc.Waive(f.ctx, out.LogID, guardianID)
	assert.ErrorIs(t, err, generic.ErrInvalidState, "pending requests have nothing to repay")

	_, err = f.svc.ResolveGrace(f.ctx, out.LogID, guardianID, screentime.DecisionReject)
	require.NoError(t, err)
	_, err = f.svc.Waive(f.ctx, out.LogID, guardianID)
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

// =============================================================================
// STATUS & SETTINGS
// =============================================================================

func TestGetGraceStatus(t *testing.T) {
	f := newFixture(t, "")
	f.consume(t, 55)
	_, err := f.requestGrace()
	require.NoError(t, err)

	st, err := f.svc.GetGraceStatus(f.ctx, childID, "", time.Time{})
	require.NoError(t, err)

	assert.True(t, st.CanRequestGrace)
	assert.Equal(t, int64(20), st.CurrentBalance)
	assert.Equal(t, int64(15), st.BorrowedMinutes)
	assert.False(t, st.LowBalanceWarning)
	assert.Equal(t, 1, st.RemainingDailyRequests)
	assert.Equal(t, 4, st.RemainingWeeklyRequests)
	assert.Equal(t, time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC), st.NextResetTime)
	assert.Equal(t, childID, st.Settings.MemberID)
}

func TestGetSettings_CreatesDefaultsOnFirstAccess(t *testing.T) {
	f := newFixture(t, "")

	s, err := f.svc.GetSettings(f.ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, screentime.DefaultGraceSettings().MaxRequestsPerDay, s.MaxRequestsPerDay)
	assert.Equal(t, "system", s.UpdatedBy)

	_, err = f.svc.GetSettings(f.ctx, "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t, "")
	s, err := f.svc.GetSettings(f.ctx, childID)
	require.NoError(t, err)

	s.MaxRequestsPerDay = 3
	_, err = f.svc.UpdateSettings(f.ctx, childID, s)
	assert.ErrorIs(t, err, generic.ErrForbidden)

	bad := s
	bad.MaxRequestsPerDay = 9
	_, err = f.svc.UpdateSettings(f.ctx, guardianID, bad)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	updated, err := f.svc.UpdateSettings(f.ctx, guardianID, s)
	require.NoError(t, err)
	assert.Equal(t, guardianID, updated.UpdatedBy)

	entries, err := f.store.ListAudit(f.ctx, generic.AuditFilter{SubjectKind: "grace_settings", SubjectID: childID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.AuditSettingsChanged, entries[0].Action)
	assert.Equal(t, "2->3", entries[0].Payload["max_requests_per_day"])
}

// =============================================================================
// ALLOWANCE TYPES
// =============================================================================

func TestCreateAllowanceType_Validation(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.svc.CreateAllowanceType(f.ctx, childID, screentime.AllowanceType{FamilyID: "f-1", Name: "Games", DailyMinutes: 30})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = f.svc.CreateAllowanceType(f.ctx, strangerID, screentime.AllowanceType{FamilyID: "f-1", Name: "Games", DailyMinutes: 30})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = f.svc.CreateAllowanceType(f.ctx, guardianID, screentime.AllowanceType{FamilyID: "f-1", Name: "  ", DailyMinutes: 30})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = f.svc.CreateAllowanceType(f.ctx, guardianID, screentime.AllowanceType{FamilyID: "f-1", Name: "Games", ResetPeriod: "hourly"})
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)

	a, err := f.svc.CreateAllowanceType(f.ctx, guardianID, screentime.AllowanceType{FamilyID: "f-1", Name: "Games", DailyMinutes: 30})
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.Equal(t, generic.PeriodDaily, a.ResetPeriod)

	types, err := f.svc.ListAllowanceTypes(f.ctx, "f-1")
	require.NoError(t, err)
	assert.Len(t, types, 2)
}
