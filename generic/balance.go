package generic

import "time"

// =============================================================================
// BALANCE - One running counter per (member, allowance type)
// =============================================================================

// BalanceKey identifies a balance row.
type BalanceKey struct {
	MemberID        string
	AllowanceTypeID string
}

func (k BalanceKey) String() string {
	return k.MemberID + "/" + k.AllowanceTypeID
}

// Balance is the remaining minutes for a member on one allowance type.
// Current may be negative; borrowing is what brings it back up.
// Version increments on every write and guards compare-and-set updates.
type Balance struct {
	MemberID        string
	AllowanceTypeID string
	Current         int64
	LastResetAt     time.Time
	Version         int64
	UpdatedAt       time.Time
}

// Key returns the row's identity.
func (b Balance) Key() BalanceKey {
	return BalanceKey{MemberID: b.MemberID, AllowanceTypeID: b.AllowanceTypeID}
}

// BalancePolicy describes how a balance refills.
type BalancePolicy struct {
	// Baseline is the value the balance resets to at each period start.
	Baseline int64

	// ResetPeriod defaults to daily when empty.
	ResetPeriod PeriodType

	// Calendar places period boundaries at local midnight of the family.
	Calendar Calendar
}

func (p BalancePolicy) resetPeriod() PeriodType {
	if p.ResetPeriod == "" {
		return PeriodDaily
	}
	return p.ResetPeriod
}

// =============================================================================
// CONSUMPTION EVENT - Append-only usage record
// =============================================================================

// ConsumptionEvent records one logged session. Never updated or deleted.
type ConsumptionEvent struct {
	ID              string
	MemberID        string
	AllowanceTypeID string
	Minutes         int64
	Device          string
	Metadata        map[string]string
	At              time.Time
}

// Key returns the balance the event debits.
func (e ConsumptionEvent) Key() BalanceKey {
	return BalanceKey{MemberID: e.MemberID, AllowanceTypeID: e.AllowanceTypeID}
}
