/*
grace.go - Grace period engine (borrowing against tomorrow's allowance)

PURPOSE:
  Decides whether a member may borrow minutes, records the request and
  either credits the balance immediately or parks the request for a
  guardian. Also owns the later life of a grant: resolution, expiry and
  repayment write-off.

REQUEST FLOW:
  1. Load (or lazily create) the member's GraceSettings
  2. Count requests in [start of local day, now] and [start of ISO week, now]
  3. Over either cap -> QuotaExceededError, nothing is written
  4. grant = min(DefaultGrantMinutes, MaxGraceMinutes)
  5. Auto-approvable -> AUTO_APPROVED row + ledger credit
     Otherwise       -> PENDING_APPROVAL row, no credit

  Steps 1-5 run in one store transaction. The quota count itself is a
  soft limit: two requests racing at the cap may both pass.

RESOLUTION:
  Only PENDING_APPROVAL rows can be resolved, through ApprovalWorkflow.
  An approval credits MinutesRequested inside the same transaction as the
  status change, so a double approval credits at most once.

REPAYMENT:
  PENDING -> WAIVED (guardian write-off) or PENDING -> REPAID (explicit
  mark). Only granted rows have a repayment to settle.

SEE ALSO:
  - settings.go: GraceSettings
  - generic/approval.go: ApprovalWorkflow
  - generic/ledger.go: BalanceLedger.Credit
*/
package screentime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/metrics"
)

// SystemActor is recorded as the actor for transitions nobody initiated
// by hand (expiry, lazily created settings).
const SystemActor = "system"

// GraceEngine runs the borrowing workflow over a transactional store.
type GraceEngine struct {
	Store    TxStore
	Defaults GraceSettings
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewGraceEngine(store TxStore, defaults GraceSettings, rec *metrics.Recorder, logger *slog.Logger) *GraceEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraceEngine{
		Store:    store,
		Defaults: defaults,
		Metrics:  rec,
		Logger:   logger.With("component", "grace"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// GraceRequest asks to borrow the configured grant. AllowanceTypeID may be
// empty, in which case the family's first active type is credited.
type GraceRequest struct {
	MemberID        string
	AllowanceTypeID string
	Reason          string
	At              time.Time
}

// GraceOutcome tells the caller which of the two non-error paths was taken.
type GraceOutcome struct {
	Granted          bool
	RequiresApproval bool
	LogID            string
	Minutes          int64
	Resolution       Resolution
}

// Eligibility is the result of the quota check.
type Eligibility struct {
	Eligible        bool
	DailyCount      int
	WeeklyCount     int
	RemainingDaily  int
	RemainingWeekly int
}

// quotaError reports the daily window first, since it clears sooner.
func (e Eligibility) quotaError(memberID string, s GraceSettings) error {
	if e.DailyCount >= s.MaxRequestsPerDay {
		return &generic.QuotaExceededError{
			MemberID: memberID, Window: generic.QuotaDaily,
			Used: e.DailyCount, Limit: s.MaxRequestsPerDay,
		}
	}
	return &generic.QuotaExceededError{
		MemberID: memberID, Window: generic.QuotaWeekly,
		Used: e.WeeklyCount, Limit: s.MaxRequestsPerWeek,
	}
}

// =============================================================================
// SETTINGS & ELIGIBILITY
// =============================================================================

// Settings returns the member's settings, creating them from Defaults on first access.
func (e *GraceEngine) Settings(ctx context.Context, memberID string) (GraceSettings, error) {
	return e.settingsIn(ctx, e.Store, memberID)
}

func (e *GraceEngine) settingsIn(ctx context.Context, st Store, memberID string) (GraceSettings, error) {
	s, err := st.GetGraceSettings(ctx, memberID)
	if err == nil {
		return s, nil
	}
	if !generic.IsNotFound(err) {
		return GraceSettings{}, fmt.Errorf("failed to load grace settings: %w", err)
	}
	s, err = st.InsertGraceSettings(ctx, e.Defaults.ForMember(memberID, e.now()))
	if err != nil {
		return GraceSettings{}, fmt.Errorf("failed to create grace settings: %w", err)
	}
	return s, nil
}

// CheckEligibility counts the member's requests in the current local day
// and ISO week. Every request counts, whatever its resolution.
func (e *GraceEngine) CheckEligibility(ctx context.Context, memberID string, settings GraceSettings, cal generic.Calendar, now time.Time) (Eligibility, error) {
	return checkEligibility(ctx, e.Store, memberID, settings, cal, now)
}

func checkEligibility(ctx context.Context, st Store, memberID string, settings GraceSettings, cal generic.Calendar, now time.Time) (Eligibility, error) {
	daily, err := st.CountGraceLogs(ctx, memberID, cal.StartOfDay(now), now)
	if err != nil {
		return Eligibility{}, fmt.Errorf("failed to count daily grace requests: %w", err)
	}
	weekly, err := st.CountGraceLogs(ctx, memberID, cal.StartOfISOWeek(now), now)
	if err != nil {
		return Eligibility{}, fmt.Errorf("failed to count weekly grace requests: %w", err)
	}

	return Eligibility{
		Eligible:        daily < settings.MaxRequestsPerDay && weekly < settings.MaxRequestsPerWeek,
		DailyCount:      daily,
		WeeklyCount:     weekly,
		RemainingDaily:  max(settings.MaxRequestsPerDay-daily, 0),
		RemainingWeekly: max(settings.MaxRequestsPerWeek-weekly, 0),
	}, nil
}

// =============================================================================
// REQUEST
// =============================================================================

// RequestGrace records a borrow request. Returns a *generic.QuotaExceededError
// when a cap is reached.
func (e *GraceEngine) RequestGrace(ctx context.Context, req GraceRequest) (GraceOutcome, error) {
	if req.MemberID == "" {
		return GraceOutcome{}, fmt.Errorf("%w: member id is required", generic.ErrInvalidInput)
	}
	at := req.At
	if at.IsZero() {
		at = e.now()
	}

	member, cal, err := family.CalendarFor(ctx, e.Store, req.MemberID)
	if err != nil {
		return GraceOutcome{}, err
	}

	var out GraceOutcome
	err = e.Store.WithTx(ctx, func(tx Store) error {
		typ, err := activeAllowanceType(ctx, tx, member, req.AllowanceTypeID)
		if err != nil {
			return err
		}
		settings, err := e.settingsIn(ctx, tx, member.ID)
		if err != nil {
			return err
		}
		elig, err := checkEligibility(ctx, tx, member.ID, settings, cal, at)
		if err != nil {
			return err
		}
		if !elig.Eligible {
			return elig.quotaError(member.ID, settings)
		}

		grant := settings.GrantMinutes()
		log := GraceLog{
			ID:               uuid.NewString(),
			MemberID:         member.ID,
			AllowanceTypeID:  typ.ID,
			MinutesRequested: grant,
			Reason:           req.Reason,
			Resolution:       ResolutionPendingApproval,
			Repayment:        RepaymentPending,
			RequestedAt:      at,
		}
		auto := settings.AutoApproves(grant)
		if auto {
			log.Resolution = ResolutionAutoApproved
			log.ApproverID = SystemActor
			log.ResolvedAt = &at
		}
		if err := tx.InsertGraceLog(ctx, log); err != nil {
			return fmt.Errorf("failed to insert grace log: %w", err)
		}

		if auto {
			key := generic.BalanceKey{MemberID: member.ID, AllowanceTypeID: typ.ID}
			if _, err := e.ledger(tx).Credit(ctx, key, typ.Policy(cal), grant, at); err != nil {
				return fmt.Errorf("failed to credit grace: %w", err)
			}
		}

		if err := tx.AppendAudit(ctx, generic.AuditEntry{
			ID:          uuid.NewString(),
			At:          at,
			ActorID:     member.ID,
			Action:      generic.AuditGraceRequested,
			SubjectKind: GraceLogKind,
			SubjectID:   log.ID,
			To:          string(log.Resolution),
			Payload: map[string]string{
				"allowance_type_id": typ.ID,
				"minutes":           fmt.Sprint(grant),
			},
		}); err != nil {
			return fmt.Errorf("failed to audit grace request: %w", err)
		}

		out = GraceOutcome{
			Granted:          auto,
			RequiresApproval: !auto,
			LogID:            log.ID,
			Minutes:          grant,
			Resolution:       log.Resolution,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, generic.ErrQuotaExceeded) {
			e.Metrics.GraceRequested("quota_exceeded")
		} else {
			e.Metrics.GraceRequested("error")
		}
		return GraceOutcome{}, err
	}

	e.Metrics.GraceRequested(strings.ToLower(string(out.Resolution)))
	e.Logger.Info("grace requested",
		"member_id", member.ID,
		"log_id", out.LogID,
		"resolution", out.Resolution,
		"minutes", out.Minutes,
	)
	return out, nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolveRequest applies decision to a PENDING_APPROVAL log. Any other
// current state fails with a *generic.TransitionError (ErrAlreadyProcessed).
// Authorization is the caller's job.
func (e *GraceEngine) ResolveRequest(ctx context.Context, logID, approverID string, decision Decision, at time.Time) (GraceLog, error) {
	to, ok := decision.Resolution()
	if !ok {
		return GraceLog{}, fmt.Errorf("%w: unknown decision %q", generic.ErrInvalidInput, decision)
	}
	if at.IsZero() {
		at = e.now()
	}

	var resolved GraceLog
	err := e.Store.WithTx(ctx, func(tx Store) error {
		g, err := tx.GetGraceLog(ctx, logID)
		if err != nil {
			return fmt.Errorf("grace log %s: %w", logID, err)
		}
		if g.Resolution != ResolutionPendingApproval {
			return &generic.TransitionError{
				Kind:   GraceLogKind,
				ID:     logID,
				From:   string(ResolutionPendingApproval),
				Actual: string(g.Resolution),
			}
		}

		wf := generic.NewApprovalWorkflow(tx, tx)
		if err := wf.Transition(ctx, generic.Transition{
			Kind:    GraceLogKind,
			ID:      logID,
			From:    string(ResolutionPendingApproval),
			To:      string(to),
			ActorID: approverID,
			At:      at,
			Payload: map[string]string{"decision": string(decision)},
		}); err != nil {
			return err
		}

		if to.Granted() {
			if err := e.creditLog(ctx, tx, g, at); err != nil {
				return err
			}
		}

		resolved, err = tx.GetGraceLog(ctx, logID)
		return err
	})
	if err != nil {
		return GraceLog{}, err
	}

	e.Metrics.GraceResolved(string(resolved.Resolution))
	e.Logger.Info("grace resolved",
		"log_id", logID,
		"approver_id", approverID,
		"resolution", resolved.Resolution,
	)
	return resolved, nil
}

// creditLog credits g's minutes to its balance. The allowance type may have
// been archived since the request; the credit still applies.
func (e *GraceEngine) creditLog(ctx context.Context, tx Store, g GraceLog, at time.Time) error {
	typ, err := tx.GetAllowanceType(ctx, g.AllowanceTypeID)
	if err != nil {
		return fmt.Errorf("allowance type %s: %w", g.AllowanceTypeID, err)
	}
	_, cal, err := family.CalendarFor(ctx, tx, g.MemberID)
	if err != nil {
		return err
	}
	key := generic.BalanceKey{MemberID: g.MemberID, AllowanceTypeID: g.AllowanceTypeID}
	if _, err := e.ledger(tx).Credit(ctx, key, typ.Policy(cal), g.MinutesRequested, at); err != nil {
		return fmt.Errorf("failed to credit grace: %w", err)
	}
	return nil
}

// ExpireStale resolves every PENDING_APPROVAL log older than timeout with
// DecisionExpire. Logs resolved concurrently by a guardian are skipped.
func (e *GraceEngine) ExpireStale(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	pending, err := e.Store.ListGraceLogs(ctx, GraceLogFilter{Resolution: ResolutionPendingApproval})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending grace logs: %w", err)
	}

	expired := 0
	for _, g := range pending {
		if !IsStale(now, g.RequestedAt, timeout) {
			continue
		}
		_, err := e.ResolveRequest(ctx, g.ID, SystemActor, DecisionExpire, now)
		if errors.Is(err, generic.ErrAlreadyProcessed) {
			continue
		}
		if err != nil {
			e.Metrics.GraceExpired(expired)
			return expired, err
		}
		expired++
	}
	e.Metrics.GraceExpired(expired)
	return expired, nil
}

// =============================================================================
// REPAYMENT
// =============================================================================

// Waive writes off a granted log's repayment.
func (e *GraceEngine) Waive(ctx context.Context, logID, actorID string, at time.Time) (GraceLog, error) {
	return e.settleRepayment(ctx, logID, actorID, RepaymentWaived, at)
}

// MarkRepaid records that the borrowed minutes have been offset.
func (e *GraceEngine) MarkRepaid(ctx context.Context, logID, actorID string, at time.Time) (GraceLog, error) {
	return e.settleRepayment(ctx, logID, actorID, RepaymentRepaid, at)
}

func (e *GraceEngine) settleRepayment(ctx context.Context, logID, actorID string, to Repayment, at time.Time) (GraceLog, error) {
	if at.IsZero() {
		at = e.now()
	}

	var settled GraceLog
	err := e.Store.WithTx(ctx, func(tx Store) error {
		g, err := tx.GetGraceLog(ctx, logID)
		if err != nil {
			return fmt.Errorf("grace log %s: %w", logID, err)
		}
		if !g.Resolution.Granted() {
			return fmt.Errorf("%w: grace log %s is %s, nothing to repay", generic.ErrInvalidState, logID, g.Resolution)
		}
		if err := tx.SetRepayment(ctx, logID, RepaymentPending, to, at); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, generic.AuditEntry{
			ID:          uuid.NewString(),
			At:          at,
			ActorID:     actorID,
			Action:      generic.AuditRepayment,
			SubjectKind: GraceLogKind,
			SubjectID:   logID,
			From:        string(RepaymentPending),
			To:          string(to),
		}); err != nil {
			return fmt.Errorf("failed to audit repayment: %w", err)
		}
		settled, err = tx.GetGraceLog(ctx, logID)
		return err
	})
	if err != nil {
		return GraceLog{}, err
	}

	e.Metrics.RepaymentChanged(string(to))
	return settled, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// activeAllowanceType resolves id for member. An empty id picks the
// family's first active type. Inactive or foreign types read as not found.
func activeAllowanceType(ctx context.Context, st Store, member family.Member, id string) (AllowanceType, error) {
	if id == "" {
		types, err := st.ListAllowanceTypes(ctx, member.FamilyID)
		if err != nil {
			return AllowanceType{}, fmt.Errorf("failed to list allowance types: %w", err)
		}
		for _, t := range types {
			if t.Active {
				return t, nil
			}
		}
		return AllowanceType{}, fmt.Errorf("no active allowance type for family %s: %w", member.FamilyID, generic.ErrNotFound)
	}

	t, err := st.GetAllowanceType(ctx, id)
	if err != nil {
		return AllowanceType{}, fmt.Errorf("allowance type %s: %w", id, err)
	}
	if !t.Active || t.FamilyID != member.FamilyID {
		return AllowanceType{}, fmt.Errorf("allowance type %s: %w", id, generic.ErrNotFound)
	}
	return t, nil
}

func (e *GraceEngine) ledger(st generic.BalanceStore) *generic.BalanceLedger {
	l := generic.NewBalanceLedger(st)
	l.Logger = e.Logger
	return l
}

func (e *GraceEngine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}
