package screentime

import (
	"fmt"
	"time"

	"github.com/warp/allowance-engine/generic"
)

// GraceSettings is the per-member borrowing policy. One row per member,
// created with defaults on first access and edited by guardians.
type GraceSettings struct {
	MemberID string

	// MaxGraceMinutes caps a single grant.
	MaxGraceMinutes int64

	// DefaultGrantMinutes is what one request grants (not caller-supplied).
	DefaultGrantMinutes int64

	MaxRequestsPerDay  int
	MaxRequestsPerWeek int

	// LowBalanceWarningMinutes is advisory only; it never gates eligibility.
	LowBalanceWarningMinutes int64

	// AutoApprove grants requests of at most AutoApproveMaxMinutes immediately.
	AutoApprove           bool
	AutoApproveMaxMinutes int64

	// RequireGuardianApproval routes grants above the auto-approve cap to a
	// guardian. When false they are granted immediately as well.
	RequireGuardianApproval bool

	UpdatedBy string
	UpdatedAt time.Time
}

// DefaultGraceSettings is the system default used when a member has no row
// and config does not override it.
func DefaultGraceSettings() GraceSettings {
	return GraceSettings{
		MaxGraceMinutes:          30,
		DefaultGrantMinutes:      15,
		MaxRequestsPerDay:        2,
		MaxRequestsPerWeek:       5,
		LowBalanceWarningMinutes: 10,
		AutoApprove:              true,
		AutoApproveMaxMinutes:    15,
		RequireGuardianApproval:  true,
	}
}

// ForMember returns a copy of the defaults bound to memberID.
func (s GraceSettings) ForMember(memberID string, at time.Time) GraceSettings {
	s.MemberID = memberID
	s.UpdatedBy = "system"
	s.UpdatedAt = at
	return s
}

// Validate rejects settings that would make borrowing unbounded or impossible to reason about.
func (s GraceSettings) Validate() error {
	switch {
	case s.MaxGraceMinutes <= 0:
		return fmt.Errorf("%w: max grace minutes must be positive", generic.ErrInvalidInput)
	case s.DefaultGrantMinutes <= 0:
		return fmt.Errorf("%w: default grant minutes must be positive", generic.ErrInvalidInput)
	case s.MaxRequestsPerDay < 0 || s.MaxRequestsPerWeek < 0:
		return fmt.Errorf("%w: request caps cannot be negative", generic.ErrInvalidInput)
	case s.MaxRequestsPerDay > s.MaxRequestsPerWeek:
		return fmt.Errorf("%w: daily cap %d exceeds weekly cap %d",
			generic.ErrInvalidInput, s.MaxRequestsPerDay, s.MaxRequestsPerWeek)
	case s.LowBalanceWarningMinutes < 0 || s.AutoApproveMaxMinutes < 0:
		return fmt.Errorf("%w: minute thresholds cannot be negative", generic.ErrInvalidInput)
	}
	return nil
}

// GrantMinutes is the amount one request borrows.
func (s GraceSettings) GrantMinutes() int64 {
	if s.DefaultGrantMinutes > s.MaxGraceMinutes {
		return s.MaxGraceMinutes
	}
	return s.DefaultGrantMinutes
}

// AutoApproves reports whether a grant of minutes skips guardian approval.
func (s GraceSettings) AutoApproves(minutes int64) bool {
	if s.AutoApprove && minutes <= s.AutoApproveMaxMinutes {
		return true
	}
	return !s.RequireGuardianApproval
}

// IsLowBalance is the advisory low-balance signal.
func IsLowBalance(b generic.Balance, s GraceSettings) bool {
	return b.Current < s.LowBalanceWarningMinutes
}
