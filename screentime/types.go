/*
Package screentime implements screen-time allowances with borrowing.

PURPOSE:
  Each family defines allowance types (e.g. "Games", "Video") with a daily
  minute baseline. Members log sessions against them; when a balance runs
  low or negative they can borrow a fixed number of minutes ("grace"),
  subject to daily and weekly request caps and, above a configured size,
  guardian approval.

KEY CONCEPTS IN THIS FILE (types.go):
  - AllowanceType: category of consumable minutes, scoped to a family
  - GraceLog:      one borrow request and its resolution/repayment state
  - Resolution:    AUTO_APPROVED | PENDING_APPROVAL | APPROVED | REJECTED | EXPIRED
  - Repayment:     PENDING | REPAID | WAIVED
  - Decision:      approve | reject | expire

STATE MACHINE (per GraceLog):
  REQUESTED ──▶ AUTO_APPROVED                          (granted, terminal)
            └─▶ PENDING_APPROVAL ──▶ APPROVED          (granted, terminal)
                                 ├─▶ REJECTED          (denied, terminal)
                                 └─▶ EXPIRED           (denied, terminal)

  Once granted, repayment moves independently: PENDING ──▶ REPAID | WAIVED

SEE ALSO:
  - settings.go: GraceSettings policy
  - grace.go: GraceEngine (eligibility + workflow)
  - service.go: operations exposed to the HTTP layer
*/
package screentime

import (
	"time"

	"github.com/warp/allowance-engine/generic"
)

// =============================================================================
// ALLOWANCE TYPE
// =============================================================================

// AllowanceType is a named bucket of minutes. Archived (Active=false) rather
// than deleted once it has usage history.
type AllowanceType struct {
	ID           string
	FamilyID     string
	Name         string
	DailyMinutes int64
	ResetPeriod  generic.PeriodType
	Active       bool
	CreatedAt    time.Time
}

// Policy returns the balance refill rules for this type in cal.
func (a AllowanceType) Policy(cal generic.Calendar) generic.BalancePolicy {
	return generic.BalancePolicy{
		Baseline:    a.DailyMinutes,
		ResetPeriod: a.ResetPeriod,
		Calendar:    cal,
	}
}

// =============================================================================
// GRACE LOG
// =============================================================================

// GraceLogKind is the subject kind used for workflow transitions and audit.
const GraceLogKind = "grace_log"

type Resolution string

const (
	ResolutionAutoApproved    Resolution = "AUTO_APPROVED"
	ResolutionPendingApproval Resolution = "PENDING_APPROVAL"
	ResolutionApproved        Resolution = "APPROVED"
	ResolutionRejected        Resolution = "REJECTED"
	ResolutionExpired         Resolution = "EXPIRED"
)

// Granted reports whether minutes were credited for this resolution.
func (r Resolution) Granted() bool {
	return r == ResolutionAutoApproved || r == ResolutionApproved
}

// Terminal reports whether no further resolution transition is possible.
func (r Resolution) Terminal() bool {
	return r != ResolutionPendingApproval
}

type Repayment string

const (
	RepaymentPending Repayment = "PENDING"
	RepaymentRepaid  Repayment = "REPAID"
	RepaymentWaived  Repayment = "WAIVED"
)

// GraceLog is a borrow request. Resolution changes exactly once from
// PENDING_APPROVAL; AUTO_APPROVED rows are born terminal.
type GraceLog struct {
	ID                 string
	MemberID           string
	AllowanceTypeID    string
	MinutesRequested   int64
	Reason             string
	Resolution         Resolution
	Repayment          Repayment
	ApproverID         string
	RequestedAt        time.Time
	ResolvedAt         *time.Time
	RepaymentUpdatedAt *time.Time
}

// MinutesGranted is the credited amount: the requested minutes once granted, else zero.
func (g GraceLog) MinutesGranted() int64 {
	if g.Resolution.Granted() {
		return g.MinutesRequested
	}
	return 0
}

// Outstanding reports whether the log still counts as borrowed time.
func (g GraceLog) Outstanding() bool {
	return g.Resolution.Granted() && g.Repayment == RepaymentPending
}

// Decision is a guardian's (or the expiry job's) answer to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionExpire  Decision = "expire"
)

// Resolution maps the decision to its terminal state.
func (d Decision) Resolution() (Resolution, bool) {
	switch d {
	case DecisionApprove:
		return ResolutionApproved, true
	case DecisionReject:
		return ResolutionRejected, true
	case DecisionExpire:
		return ResolutionExpired, true
	}
	return "", false
}

// IsStale is the expiry scan predicate: the request has waited longer than timeout.
// A non-positive timeout disables expiry.
func IsStale(now, requestedAt time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(requestedAt) > timeout
}
