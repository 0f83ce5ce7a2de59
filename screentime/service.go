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

// Service is the screen-time surface used by the HTTP layer and the CLI.
// Methods taking an actorID perform the guardian check themselves.
type Service struct {
	store   TxStore
	ledger  *generic.BalanceLedger
	grace   *GraceEngine
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func NewService(store TxStore, defaults GraceSettings, rec *metrics.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ledger := generic.NewBalanceLedger(store)
	ledger.Logger = logger.With("component", "ledger")
	return &Service{
		store:   store,
		ledger:  ledger,
		grace:   NewGraceEngine(store, defaults, rec, logger),
		metrics: rec,
		logger:  logger.With("component", "screentime"),
	}
}

// Grace exposes the underlying engine (scheduler, CLI).
func (s *Service) Grace() *GraceEngine { return s.grace }

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.grace.Now = now }

func (s *Service) now() time.Time { return s.grace.now() }

// =============================================================================
// CONSUMPTION
// =============================================================================

type LogConsumptionInput struct {
	MemberID        string
	AllowanceTypeID string
	Minutes         int64
	Device          string
	Metadata        map[string]string
	At              time.Time // zero means now
}

type ConsumptionResult struct {
	EventID    string
	Balance    generic.Balance
	LowBalance bool
}

// LogConsumption debits a session. Unknown, archived or foreign allowance
// types fail with generic.ErrNotFound.
func (s *Service) LogConsumption(ctx context.Context, in LogConsumptionInput) (ConsumptionResult, error) {
	res, err := s.logConsumption(ctx, in)
	if err != nil {
		s.metrics.ConsumptionFailed()
		if errors.Is(err, generic.ErrConflict) {
			s.metrics.LedgerConflict()
		}
		return ConsumptionResult{}, err
	}
	s.metrics.ConsumptionLogged(in.Minutes)
	return res, nil
}

func (s *Service) logConsumption(ctx context.Context, in LogConsumptionInput) (ConsumptionResult, error) {
	if in.Minutes <= 0 {
		return ConsumptionResult{}, fmt.Errorf("%w: minutes must be positive", generic.ErrInvalidInput)
	}
	if in.AllowanceTypeID == "" {
		return ConsumptionResult{}, fmt.Errorf("%w: allowance type is required", generic.ErrInvalidInput)
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}

	member, cal, err := family.CalendarFor(ctx, s.store, in.MemberID)
	if err != nil {
		return ConsumptionResult{}, err
	}
	typ, err := activeAllowanceType(ctx, s.store, member, in.AllowanceTypeID)
	if err != nil {
		return ConsumptionResult{}, err
	}
	settings, err := s.grace.Settings(ctx, member.ID)
	if err != nil {
		return ConsumptionResult{}, err
	}

	event := generic.ConsumptionEvent{
		ID:              uuid.NewString(),
		MemberID:        member.ID,
		AllowanceTypeID: typ.ID,
		Minutes:         in.Minutes,
		Device:          in.Device,
		Metadata:        in.Metadata,
		At:              at,
	}
	bal, err := s.ledger.Debit(ctx, typ.Policy(cal), event)
	if err != nil {
		return ConsumptionResult{}, fmt.Errorf("failed to debit %s: %w", event.Key(), err)
	}

	return ConsumptionResult{
		EventID:    event.ID,
		Balance:    bal,
		LowBalance: IsLowBalance(bal, settings),
	}, nil
}

// Balance returns the member's balance for an allowance type as of now,
// with any due reset applied in the view only.
func (s *Service) Balance(ctx context.Context, memberID, allowanceTypeID string) (generic.Balance, error) {
	member, cal, err := family.CalendarFor(ctx, s.store, memberID)
	if err != nil {
		return generic.Balance{}, err
	}
	typ, err := activeAllowanceType(ctx, s.store, member, allowanceTypeID)
	if err != nil {
		return generic.Balance{}, err
	}
	return s.ledger.Peek(ctx, generic.BalanceKey{MemberID: member.ID, AllowanceTypeID: typ.ID}, typ.Policy(cal), s.now())
}

// Consumption lists a member's sessions for an allowance type in [from, to].
func (s *Service) Consumption(ctx context.Context, memberID, allowanceTypeID string, from, to time.Time) ([]generic.ConsumptionEvent, error) {
	if allowanceTypeID == "" {
		return nil, fmt.Errorf("%w: allowance type is required", generic.ErrInvalidInput)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end before start", generic.ErrInvalidInput)
	}
	return s.store.ListConsumption(ctx, generic.BalanceKey{MemberID: memberID, AllowanceTypeID: allowanceTypeID}, from, to)
}

// =============================================================================
// GRACE
// =============================================================================

func (s *Service) RequestGrace(ctx context.Context, req GraceRequest) (GraceOutcome, error) {
	return s.grace.RequestGrace(ctx, req)
}

// ResolveGrace approves or rejects a pending request. The approver must be
// a guardian in the requesting member's family.
func (s *Service) ResolveGrace(ctx context.Context, logID, approverID string, decision Decision) (GraceLog, error) {
	g, err := s.store.GetGraceLog(ctx, logID)
	if err != nil {
		return GraceLog{}, fmt.Errorf("grace log %s: %w", logID, err)
	}
	if _, err := family.RequireGuardianOf(ctx, s.store, approverID, g.MemberID); err != nil {
		return GraceLog{}, err
	}
	if decision == DecisionExpire {
		return GraceLog{}, fmt.Errorf("%w: expiry is not a guardian decision", generic.ErrInvalidInput)
	}
	return s.grace.ResolveRequest(ctx, logID, approverID, decision, s.now())
}

// GraceStatus is the member-facing summary shown before a request.
type GraceStatus struct {
	CanRequestGrace         bool
	CurrentBalance          int64
	BorrowedMinutes         int64
	LowBalanceWarning       bool
	RemainingDailyRequests  int
	RemainingWeeklyRequests int
	NextResetTime           time.Time
	Settings                GraceSettings
}

// GetGraceStatus reports eligibility and balance. An empty allowanceTypeID
// uses the family's first active type, as RequestGrace does.
func (s *Service) GetGraceStatus(ctx context.Context, memberID, allowanceTypeID string, now time.Time) (GraceStatus, error) {
	if now.IsZero() {
		now = s.now()
	}
	member, cal, err := family.CalendarFor(ctx, s.store, memberID)
	if err != nil {
		return GraceStatus{}, err
	}
	typ, err := activeAllowanceType(ctx, s.store, member, allowanceTypeID)
	if err != nil {
		return GraceStatus{}, err
	}
	settings, err := s.grace.Settings(ctx, member.ID)
	if err != nil {
		return GraceStatus{}, err
	}
	elig, err := s.grace.CheckEligibility(ctx, member.ID, settings, cal, now)
	if err != nil {
		return GraceStatus{}, err
	}
	policy := typ.Policy(cal)
	bal, err := s.ledger.Peek(ctx, generic.BalanceKey{MemberID: member.ID, AllowanceTypeID: typ.ID}, policy, now)
	if err != nil {
		return GraceStatus{}, err
	}
	borrowed, err := s.BorrowedMinutes(ctx, member.ID)
	if err != nil {
		return GraceStatus{}, err
	}
	resetPeriod := typ.ResetPeriod
	if resetPeriod == "" {
		resetPeriod = generic.PeriodDaily
	}
	next, err := cal.NextReset(now, resetPeriod)
	if err != nil {
		return GraceStatus{}, err
	}

	return GraceStatus{
		CanRequestGrace:         elig.Eligible,
		CurrentBalance:          bal.Current,
		BorrowedMinutes:         borrowed,
		LowBalanceWarning:       IsLowBalance(bal, settings),
		RemainingDailyRequests:  elig.RemainingDaily,
		RemainingWeeklyRequests: elig.RemainingWeekly,
		NextResetTime:           next,
		Settings:                settings,
	}, nil
}

// BorrowedMinutes sums granted minutes whose repayment is still pending.
func (s *Service) BorrowedMinutes(ctx context.Context, memberID string) (int64, error) {
	logs, err := s.store.ListGraceLogs(ctx, GraceLogFilter{MemberID: memberID, Repayment: RepaymentPending})
	if err != nil {
		return 0, fmt.Errorf("failed to list grace logs: %w", err)
	}
	var total int64
	for _, g := range logs {
		if g.Outstanding() {
			total += g.MinutesGranted()
		}
	}
	return total, nil
}

func (s *Service) ListGraceLogs(ctx context.Context, filter GraceLogFilter) ([]GraceLog, error) {
	return s.store.ListGraceLogs(ctx, filter)
}

// ListPendingGrace lists requests awaiting a guardian in familyID.
func (s *Service) ListPendingGrace(ctx context.Context, familyID string) ([]GraceLog, error) {
	return s.store.ListGraceLogs(ctx, GraceLogFilter{FamilyID: familyID, Resolution: ResolutionPendingApproval})
}

// Waive writes off the repayment of a granted request. Guardians only.
func (s *Service) Waive(ctx context.Context, logID, guardianID string) (GraceLog, error) {
	if err := s.requireGuardianForLog(ctx, logID, guardianID); err != nil {
		return GraceLog{}, err
	}
	return s.grace.Waive(ctx, logID, guardianID, s.now())
}

// MarkRepaid settles a granted request. Guardians only.
func (s *Service) MarkRepaid(ctx context.Context, logID, guardianID string) (GraceLog, error) {
	if err := s.requireGuardianForLog(ctx, logID, guardianID); err != nil {
		return GraceLog{}, err
	}
	return s.grace.MarkRepaid(ctx, logID, guardianID, s.now())
}

func (s *Service) requireGuardianForLog(ctx context.Context, logID, actorID string) error {
	g, err := s.store.GetGraceLog(ctx, logID)
	if err != nil {
		return fmt.Errorf("grace log %s: %w", logID, err)
	}
	_, err = family.RequireGuardianOf(ctx, s.store, actorID, g.MemberID)
	return err
}

// =============================================================================
// SETTINGS
// =============================================================================

func (s *Service) GetSettings(ctx context.Context, memberID string) (GraceSettings, error) {
	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return GraceSettings{}, fmt.Errorf("member %s: %w", memberID, err)
	}
	return s.grace.Settings(ctx, memberID)
}

// UpdateSettings replaces a member's grace settings. Guardians only.
func (s *Service) UpdateSettings(ctx context.Context, actorID string, next GraceSettings) (GraceSettings, error) {
	if _, err := family.RequireGuardianOf(ctx, s.store, actorID, next.MemberID); err != nil {
		return GraceSettings{}, err
	}
	if err := next.Validate(); err != nil {
		return GraceSettings{}, err
	}
	next.UpdatedBy = actorID
	next.UpdatedAt = s.now()

	err := s.store.WithTx(ctx, func(tx Store) error {
		prev, err := s.grace.settingsIn(ctx, tx, next.MemberID)
		if err != nil {
			return err
		}
		if err := tx.SaveGraceSettings(ctx, next); err != nil {
			return fmt.Errorf("failed to save grace settings: %w", err)
		}
		return tx.AppendAudit(ctx, generic.AuditEntry{
			ID:          uuid.NewString(),
			At:          next.UpdatedAt,
			ActorID:     actorID,
			Action:      generic.AuditSettingsChanged,
			SubjectKind: "grace_settings",
			SubjectID:   next.MemberID,
			Payload:     settingsDiff(prev, next),
		})
	})
	if err != nil {
		return GraceSettings{}, err
	}

	s.logger.Info("grace settings updated", "member_id", next.MemberID, "actor_id", actorID)
	return next, nil
}

// settingsDiff lists changed fields as "old->new".
func settingsDiff(prev, next GraceSettings) map[string]string {
	diff := map[string]string{}
	add := func(name string, a, b any) {
		if a != b {
			diff[name] = fmt.Sprintf("%v->%v", a, b)
		}
	}
	add("max_grace_minutes", prev.MaxGraceMinutes, next.MaxGraceMinutes)
	add("default_grant_minutes", prev.DefaultGrantMinutes, next.DefaultGrantMinutes)
	add("max_requests_per_day", prev.MaxRequestsPerDay, next.MaxRequestsPerDay)
	add("max_requests_per_week", prev.MaxRequestsPerWeek, next.MaxRequestsPerWeek)
	add("low_balance_warning_minutes", prev.LowBalanceWarningMinutes, next.LowBalanceWarningMinutes)
	add("auto_approve", prev.AutoApprove, next.AutoApprove)
	add("auto_approve_max_minutes", prev.AutoApproveMaxMinutes, next.AutoApproveMaxMinutes)
	add("require_guardian_approval", prev.RequireGuardianApproval, next.RequireGuardianApproval)
	return diff
}

// =============================================================================
// ALLOWANCE TYPES
// =============================================================================

// CreateAllowanceType adds a type to the actor's family. Guardians only.
func (s *Service) CreateAllowanceType(ctx context.Context, actorID string, a AllowanceType) (AllowanceType, error) {
	if err := s.requireGuardianOfFamily(ctx, actorID, a.FamilyID); err != nil {
		return AllowanceType{}, err
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return AllowanceType{}, fmt.Errorf("%w: name is required", generic.ErrInvalidInput)
	}
	if a.DailyMinutes < 0 {
		return AllowanceType{}, fmt.Errorf("%w: daily minutes cannot be negative", generic.ErrInvalidInput)
	}
	if a.ResetPeriod == "" {
		a.ResetPeriod = generic.PeriodDaily
	}
	if !a.ResetPeriod.Valid() {
		return AllowanceType{}, fmt.Errorf("%w: reset period %q", generic.ErrInvalidPeriod, a.ResetPeriod)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Active = true
	a.CreatedAt = s.now()

	if err := s.store.SaveAllowanceType(ctx, a); err != nil {
		return AllowanceType{}, fmt.Errorf("failed to save allowance type: %w", err)
	}
	return a, nil
}

// ArchiveAllowanceType deactivates a type; its history is kept.
func (s *Service) ArchiveAllowanceType(ctx context.Context, actorID, id string) (AllowanceType, error) {
	a, err := s.store.GetAllowanceType(ctx, id)
	if err != nil {
		return AllowanceType{}, fmt.Errorf("allowance type %s: %w", id, err)
	}
	if err := s.requireGuardianOfFamily(ctx, actorID, a.FamilyID); err != nil {
		return AllowanceType{}, err
	}
	if !a.Active {
		return a, nil
	}
	a.Active = false
	if err := s.store.SaveAllowanceType(ctx, a); err != nil {
		return AllowanceType{}, fmt.Errorf("failed to archive allowance type: %w", err)
	}
	return a, nil
}

func (s *Service) ListAllowanceTypes(ctx context.Context, familyID string) ([]AllowanceType, error) {
	return s.store.ListAllowanceTypes(ctx, familyID)
}

func (s *Service) requireGuardianOfFamily(ctx context.Context, actorID, familyID string) error {
	actor, err := s.store.GetMember(ctx, actorID)
	if err != nil {
		if generic.IsNotFound(err) {
			return fmt.Errorf("%w: unknown actor %s", generic.ErrForbidden, actorID)
		}
		return err
	}
	if !actor.IsGuardian() || actor.FamilyID != familyID {
		return fmt.Errorf("%w: %s is not a guardian of family %s", generic.ErrForbidden, actorID, familyID)
	}
	return nil
}
