/*
store.go - Persistence interfaces used by the engine

PURPOSE:
  Defines the narrow read/write contracts the ledger and the approval
  workflow need from an ACID store. Implementations live in store/sqlite
  (production) and store/memory (tests, dev).

CONDITIONAL WRITES:
  Both mutable rows in the engine are written with compare-and-set:
  - SwapBalance:         WHERE version = expected
  - CompareAndSetStatus: WHERE id = X AND status = from
  A mismatch is reported as ErrConflict / ErrAlreadyProcessed, never as a
  silent no-op.

APPEND-ONLY:
  Consumption events and audit entries have no Update or Delete.

SEE ALSO:
  - ledger.go: BalanceLedger over BalanceStore
  - approval.go: ApprovalWorkflow over TransitionStore + AuditLog
*/
package generic

import (
	"context"
	"time"
)

// BalanceStore persists balance rows and consumption events.
type BalanceStore interface {
	// GetBalance returns ErrNotFound if the row does not exist yet.
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)

	// InsertBalance creates the row if absent and returns the stored row.
	// Two concurrent inserts both observe the winner's row.
	InsertBalance(ctx context.Context, b Balance) (Balance, error)

	// SwapBalance writes next only if the stored version equals expectedVersion,
	// appending event (when non-nil) in the same transaction.
	// Returns ErrConflict on version mismatch.
	SwapBalance(ctx context.Context, expectedVersion int64, next Balance, event *ConsumptionEvent) error
}

// TransitionStore performs atomic status transitions on workflow rows.
type TransitionStore interface {
	// CompareAndSetStatus sets status=to where id matches and status=from.
	// Returns ErrNotFound if the row is missing and a *TransitionError
	// (wrapping ErrAlreadyProcessed) if the current status differs.
	CompareAndSetStatus(ctx context.Context, kind, id, from, to, actorID string, at time.Time) error
}

// =============================================================================
// AUDIT LOG - Separate from balances, tracks who did what when
// =============================================================================

// AuditEntry records one state change.
type AuditEntry struct {
	ID          string
	At          time.Time
	ActorID     string
	Action      AuditAction
	SubjectKind string
	SubjectID   string
	From        string
	To          string
	Payload     map[string]string
}

type AuditAction string

const (
	AuditGraceRequested   AuditAction = "grace_requested"
	AuditStatusTransition AuditAction = "status_transition"
	AuditRepayment        AuditAction = "repayment"
	AuditSettingsChanged  AuditAction = "settings_changed"
	AuditBalanceReset     AuditAction = "balance_reset"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	SubjectKind string
	SubjectID   string
	ActorID     string
	From        *time.Time
	To          *time.Time
	Limit       int
}
