package screentime

import (
	"context"
	"time"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
)

// Store is everything the screen-time engine reads and writes.
// Lookups return generic.ErrNotFound for missing rows.
type Store interface {
	family.Directory
	generic.BalanceStore
	generic.TransitionStore
	generic.AuditLog

	GetAllowanceType(ctx context.Context, id string) (AllowanceType, error)
	SaveAllowanceType(ctx context.Context, a AllowanceType) error
	ListAllowanceTypes(ctx context.Context, familyID string) ([]AllowanceType, error)

	GetGraceSettings(ctx context.Context, memberID string) (GraceSettings, error)
	// InsertGraceSettings creates the row if absent and returns the stored row.
	InsertGraceSettings(ctx context.Context, s GraceSettings) (GraceSettings, error)
	SaveGraceSettings(ctx context.Context, s GraceSettings) error

	InsertGraceLog(ctx context.Context, g GraceLog) error
	GetGraceLog(ctx context.Context, id string) (GraceLog, error)
	// CountGraceLogs counts a member's requests with RequestedAt in [from, to],
	// whatever their resolution.
	CountGraceLogs(ctx context.Context, memberID string, from, to time.Time) (int, error)
	ListGraceLogs(ctx context.Context, filter GraceLogFilter) ([]GraceLog, error)
	// SetRepayment moves repayment from -> to atomically; a mismatch returns
	// a *generic.TransitionError.
	SetRepayment(ctx context.Context, id string, from, to Repayment, at time.Time) error

	ListConsumption(ctx context.Context, key generic.BalanceKey, from, to time.Time) ([]generic.ConsumptionEvent, error)
}

// TxStore runs fn against a transactional view of the store.
// If fn returns an error, everything it wrote is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// GraceLogFilter narrows ListGraceLogs. Zero fields match everything.
type GraceLogFilter struct {
	MemberID        string
	AllowanceTypeID string
	FamilyID        string
	Resolution      Resolution
	Repayment       Repayment
	Limit           int
}
