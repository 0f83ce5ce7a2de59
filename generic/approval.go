/*
approval.go - Generic pending -> approved/rejected workflow

PURPOSE:
  Moves a workflow row from one status to another with a single-writer
  guarantee. Grace requests use it today; any other approval flow
  (reward redemptions, chore sign-off) can reuse it unchanged.

TRANSITION FLOW:
  ┌─────────┐   CompareAndSetStatus(id, from, to)   ┌──────────┐
  │  from   │ ────────────────────────────────────▶ │    to    │
  └─────────┘                                       └──────────┘
        │  status != from at write time
        ▼
  TransitionError (errors.Is ErrAlreadyProcessed)

GUARANTEES:
  1. The status check and the write are one conditional update, so of two
     concurrent resolutions exactly one wins.
  2. The loser gets ErrAlreadyProcessed, never a silent success.
  3. Every successful transition is appended to the audit log with actor
     and timestamp.

SEE ALSO:
  - store.go: TransitionStore, AuditLog
  - screentime/grace.go: ResolveRequest
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transition is one requested status change.
type Transition struct {
	Kind    string
	ID      string
	From    string
	To      string
	ActorID string
	At      time.Time
	Payload map[string]string
}

// ApprovalWorkflow performs audited compare-and-set transitions.
type ApprovalWorkflow struct {
	Store TransitionStore
	Audit AuditLog // optional
}

func NewApprovalWorkflow(store TransitionStore, audit AuditLog) *ApprovalWorkflow {
	return &ApprovalWorkflow{Store: store, Audit: audit}
}

// Transition applies t atomically. The audit entry is written through the
// same store, so inside a store transaction both commit or neither does.
func (w *ApprovalWorkflow) Transition(ctx context.Context, t Transition) error {
	if t.ID == "" || t.From == "" || t.To == "" {
		return fmt.Errorf("%w: transition requires id, from and to", ErrInvalidInput)
	}
	if t.From == t.To {
		return fmt.Errorf("%w: transition %s -> %s is a no-op", ErrInvalidInput, t.From, t.To)
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	if err := w.Store.CompareAndSetStatus(ctx, t.Kind, t.ID, t.From, t.To, t.ActorID, t.At); err != nil {
		return err
	}

	if w.Audit == nil {
		return nil
	}
	entry := AuditEntry{
		ID:          uuid.NewString(),
		At:          t.At,
		ActorID:     t.ActorID,
		Action:      AuditStatusTransition,
		SubjectKind: t.Kind,
		SubjectID:   t.ID,
		From:        t.From,
		To:          t.To,
		Payload:     t.Payload,
	}
	if err := w.Audit.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to audit transition of %s %s: %w", t.Kind, t.ID, err)
	}
	return nil
}
