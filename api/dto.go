/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  engine's Go types. Field names are snake_case; times are RFC3339 UTC;
  money is a decimal string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
)

// =============================================================================
// SCREEN TIME
// =============================================================================

type LogConsumptionRequest struct {
	MemberID        string            `json:"member_id,omitempty"` // defaults to the caller
	AllowanceTypeID string            `json:"allowance_type_id"`
	Minutes         int64             `json:"minutes"`
	Device          string            `json:"device,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type ConsumptionResultDTO struct {
	EventID           string     `json:"event_id"`
	Balance           BalanceDTO `json:"balance"`
	LowBalanceWarning bool       `json:"low_balance_warning"`
}

type BalanceDTO struct {
	MemberID        string    `json:"member_id"`
	AllowanceTypeID string    `json:"allowance_type_id"`
	Current         int64     `json:"current"`
	LastResetAt     time.Time `json:"last_reset_at"`
}

type ConsumptionEventDTO struct {
	ID              string            `json:"id"`
	AllowanceTypeID string            `json:"allowance_type_id"`
	Minutes         int64             `json:"minutes"`
	Device          string            `json:"device,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	At              time.Time         `json:"at"`
}

type AllowanceTypeDTO struct {
	ID           string    `json:"id"`
	FamilyID     string    `json:"family_id"`
	Name         string    `json:"name"`
	DailyMinutes int64     `json:"daily_minutes"`
	ResetPeriod  string    `json:"reset_period"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type CreateAllowanceTypeRequest struct {
	Name         string `json:"name"`
	DailyMinutes int64  `json:"daily_minutes"`
	ResetPeriod  string `json:"reset_period,omitempty"`
}

type GraceRequestDTO struct {
	AllowanceTypeID string `json:"allowance_type_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// GraceOutcomeDTO distinguishes "granted now" from "awaiting a guardian".
type GraceOutcomeDTO struct {
	Granted          bool   `json:"granted"`
	RequiresApproval bool   `json:"requires_approval"`
	LogID            string `json:"log_id"`
	Minutes          int64  `json:"minutes"`
	Resolution       string `json:"resolution"`
}

type GraceLogDTO struct {
	ID                 string     `json:"id"`
	MemberID           string     `json:"member_id"`
	AllowanceTypeID    string     `json:"allowance_type_id"`
	MinutesRequested   int64      `json:"minutes_requested"`
	MinutesGranted     int64      `json:"minutes_granted"`
	Reason             string     `json:"reason,omitempty"`
	Resolution         string     `json:"resolution"`
	Repayment          string     `json:"repayment"`
	ApproverID         string     `json:"approver_id,omitempty"`
	RequestedAt        time.Time  `json:"requested_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	RepaymentUpdatedAt *time.Time `json:"repayment_updated_at,omitempty"`
}

type GraceStatusDTO struct {
	CanRequestGrace         bool             `json:"can_request_grace"`
	CurrentBalance          int64            `json:"current_balance"`
	BorrowedMinutes         int64            `json:"borrowed_minutes"`
	LowBalanceWarning       bool             `json:"low_balance_warning"`
	RemainingDailyRequests  int              `json:"remaining_daily_requests"`
	RemainingWeeklyRequests int              `json:"remaining_weekly_requests"`
	NextResetTime           time.Time        `json:"next_reset_time"`
	Settings                GraceSettingsDTO `json:"settings"`
}

type GraceSettingsDTO struct {
	MaxGraceMinutes          int64      `json:"max_grace_minutes"`
	DefaultGrantMinutes      int64      `json:"default_grant_minutes"`
	MaxRequestsPerDay        int        `json:"max_requests_per_day"`
	MaxRequestsPerWeek       int        `json:"max_requests_per_week"`
	LowBalanceWarningMinutes int64      `json:"low_balance_warning_minutes"`
	AutoApprove              bool       `json:"auto_approve"`
	AutoApproveMaxMinutes    int64      `json:"auto_approve_max_minutes"`
	RequireGuardianApproval  bool       `json:"require_guardian_approval"`
	UpdatedBy                string     `json:"updated_by,omitempty"`
	UpdatedAt                *time.Time `json:"updated_at,omitempty"`
}

// =============================================================================
// BUDGETS
// =============================================================================

type CreateBudgetRequest struct {
	MemberID   string          `json:"member_id"`
	Category   string          `json:"category"`
	PeriodType string          `json:"period_type"`
	Limit      decimal.Decimal `json:"limit"`
}

type BudgetDTO struct {
	ID         string          `json:"id"`
	MemberID   string          `json:"member_id"`
	Category   string          `json:"category"`
	PeriodType string          `json:"period_type"`
	Limit      decimal.Decimal `json:"limit"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SpendRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type BudgetPeriodDTO struct {
	PeriodKey string          `json:"period_key"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	Spent     decimal.Decimal `json:"spent"`
}

type EvaluateBudgetRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type BudgetEvaluationDTO struct {
	Status         string          `json:"status"`
	ProjectedSpent decimal.Decimal `json:"projected_spent"`
	Remaining      decimal.Decimal `json:"remaining"`
	PercentageUsed int64           `json:"percentage_used"`
	ShouldWarn     bool            `json:"should_warn"`
	Period         BudgetPeriodDTO `json:"period"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
	// Window is set on QUOTA_EXCEEDED: "daily" or "weekly".
	Window string `json:"window,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b generic.Balance) BalanceDTO {
	return BalanceDTO{
		MemberID:        b.MemberID,
		AllowanceTypeID: b.AllowanceTypeID,
		Current:         b.Current,
		LastResetAt:     b.LastResetAt,
	}
}

func toConsumptionEventDTOs(events []generic.ConsumptionEvent) []ConsumptionEventDTO {
	out := make([]ConsumptionEventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, ConsumptionEventDTO{
			ID:              e.ID,
			AllowanceTypeID: e.AllowanceTypeID,
			Minutes:         e.Minutes,
			Device:          e.Device,
			Metadata:        e.Metadata,
			At:              e.At,
		})
	}
	return out
}

func toAllowanceTypeDTO(a screentime.AllowanceType) AllowanceTypeDTO {
	return AllowanceTypeDTO{
		ID:           a.ID,
		FamilyID:     a.FamilyID,
		Name:         a.Name,
		DailyMinutes: a.DailyMinutes,
		ResetPeriod:  string(a.ResetPeriod),
		Active:       a.Active,
		CreatedAt:    a.CreatedAt,
	}
}

func toGraceLogDTO(g screentime.GraceLog) GraceLogDTO {
	return GraceLogDTO{
		ID:                 g.ID,
		MemberID:           g.MemberID,
		AllowanceTypeID:    g.AllowanceTypeID,
		MinutesRequested:   g.MinutesRequested,
		MinutesGranted:     g.MinutesGranted(),
		Reason:             g.Reason,
		Resolution:         string(g.Resolution),
		Repayment:          string(g.Repayment),
		ApproverID:         g.ApproverID,
		RequestedAt:        g.RequestedAt,
		ResolvedAt:         g.ResolvedAt,
		RepaymentUpdatedAt: g.RepaymentUpdatedAt,
	}
}

func toGraceLogDTOs(logs []screentime.GraceLog) []GraceLogDTO {
	out := make([]GraceLogDTO, 0, len(logs))
	for _, g := range logs {
		out = append(out, toGraceLogDTO(g))
	}
	return out
}

func toGraceSettingsDTO(s screentime.GraceSettings) GraceSettingsDTO {
	dto := GraceSettingsDTO{
		MaxGraceMinutes:          s.MaxGraceMinutes,
		DefaultGrantMinutes:      s.DefaultGrantMinutes,
		MaxRequestsPerDay:        s.MaxRequestsPerDay,
		MaxRequestsPerWeek:       s.MaxRequestsPerWeek,
		LowBalanceWarningMinutes: s.LowBalanceWarningMinutes,
		AutoApprove:              s.AutoApprove,
		AutoApproveMaxMinutes:    s.AutoApproveMaxMinutes,
		RequireGuardianApproval:  s.RequireGuardianApproval,
		UpdatedBy:                s.UpdatedBy,
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

func (d GraceSettingsDTO) toSettings(memberID string) screentime.GraceSettings {
	return screentime.GraceSettings{
		MemberID:                 memberID,
		MaxGraceMinutes:          d.MaxGraceMinutes,
		DefaultGrantMinutes:      d.DefaultGrantMinutes,
		MaxRequestsPerDay:        d.MaxRequestsPerDay,
		MaxRequestsPerWeek:       d.MaxRequestsPerWeek,
		LowBalanceWarningMinutes: d.LowBalanceWarningMinutes,
		AutoApprove:              d.AutoApprove,
		AutoApproveMaxMinutes:    d.AutoApproveMaxMinutes,
		RequireGuardianApproval:  d.RequireGuardianApproval,
	}
}

func toBudgetDTO(b budget.Budget) BudgetDTO {
	return BudgetDTO{
		ID:         b.ID,
		MemberID:   b.MemberID,
		Category:   b.Category,
		PeriodType: string(b.PeriodType),
		Limit:      b.Limit,
		Active:     b.Active,
		CreatedAt:  b.CreatedAt,
	}
}

func toBudgetPeriodDTO(p budget.Period) BudgetPeriodDTO {
	return BudgetPeriodDTO{PeriodKey: p.PeriodKey, Start: p.Start, End: p.End, Spent: p.Spent}
}
