package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
)

// =============================================================================
// DIRECTORY (family.Directory, family.Writer)
// =============================================================================

func (q *queries) SaveFamily(ctx context.Context, f family.Family) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO families (id, name, timezone, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, timezone = excluded.timezone
	`, f.ID, f.Name, f.Timezone, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

func (q *queries) GetFamily(ctx context.Context, id string) (family.Family, error) {
	var f family.Family
	var createdAt string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, timezone, created_at FROM families WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.Timezone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Family{}, generic.ErrNotFound
	}
	if err != nil {
		return family.Family{}, fmt.Errorf("failed to get family: %w", err)
	}
	f.CreatedAt, err = parseTime(createdAt)
	return f, err
}

func (q *queries) SaveMember(ctx context.Context, m family.Member) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO members (id, family_id, name, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
	`, m.ID, m.FamilyID, m.Name, string(m.Role), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (q *queries) GetMember(ctx context.Context, id string) (family.Member, error) {
	var m family.Member
	var role, createdAt string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, family_id, name, role, created_at FROM members WHERE id = ?`, id,
	).Scan(&m.ID, &m.FamilyID, &m.Name, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return family.Member{}, generic.ErrNotFound
	}
	if err != nil {
		return family.Member{}, fmt.Errorf("failed to get member: %w", err)
	}
	m.Role = family.Role(role)
	m.CreatedAt, err = parseTime(createdAt)
	return m, err
}

// =============================================================================
// BALANCE STORE (generic.BalanceStore interface)
// =============================================================================

func (q *queries) GetBalance(ctx context.Context, key generic.BalanceKey) (generic.Balance, error) {
	var b generic.Balance
	var lastReset, updated string
	err := q.db.QueryRowContext(ctx, `
		SELECT member_id, allowance_type_id, current, last_reset_at, version, updated_at
		FROM balances
		WHERE member_id = ? AND allowance_type_id = ?
	`, key.MemberID, key.AllowanceTypeID).Scan(
		&b.MemberID, &b.AllowanceTypeID, &b.Current, &lastReset, &b.Version, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Balance{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if b.LastResetAt, err = parseTime(lastReset); err != nil {
		return generic.Balance{}, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return generic.Balance{}, err
	}
	return b, nil
}

// InsertBalance creates the row unless another writer got there first.
func (q *queries) InsertBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO balances (member_id, allowance_type_id, current, last_reset_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id, allowance_type_id) DO NOTHING
	`, b.MemberID, b.AllowanceTypeID, b.Current, formatTime(b.LastResetAt), b.Version, formatTime(b.UpdatedAt))
	if err != nil {
		return generic.Balance{}, fmt.Errorf("failed to insert balance: %w", err)
	}
	return q.GetBalance(ctx, b.Key())
}

// SwapBalance must run inside a transaction so the event insert and the
// balance update commit together. Store.SwapBalance opens one.
func (q *queries) SwapBalance(ctx context.Context, expectedVersion int64, next generic.Balance, event *generic.ConsumptionEvent) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE balances
		SET current = ?, last_reset_at = ?, version = ?, updated_at = ?
		WHERE member_id = ? AND allowance_type_id = ? AND version = ?
	`, next.Current, formatTime(next.LastResetAt), next.Version, formatTime(next.UpdatedAt),
		next.MemberID, next.AllowanceTypeID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: balance %s moved past version %d", generic.ErrConflict, next.Key(), expectedVersion)
	}

	if event == nil {
		return nil
	}
	return q.insertEvent(ctx, *event)
}

func (s *Store) SwapBalance(ctx context.Context, expectedVersion int64, next generic.Balance, event *generic.ConsumptionEvent) error {
	return s.inTx(ctx, func(q *queries) error {
		return q.SwapBalance(ctx, expectedVersion, next, event)
	})
}

func (q *queries) insertEvent(ctx context.Context, e generic.ConsumptionEvent) error {
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO consumption_events (id, member_id, allowance_type_id, minutes, device, metadata_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MemberID, e.AllowanceTypeID, e.Minutes, nullString(e.Device), meta, formatTime(e.At))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: consumption event %s already recorded", generic.ErrInvalidInput, e.ID)
		}
		return fmt.Errorf("failed to insert consumption event: %w", err)
	}
	return nil
}

func (q *queries) ListConsumption(ctx context.Context, key generic.BalanceKey, from, to time.Time) ([]generic.ConsumptionEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, member_id, allowance_type_id, minutes, device, metadata_json, at
		FROM consumption_events
		WHERE member_id = ? AND allowance_type_id = ? AND at >= ? AND at <= ?
		ORDER BY at ASC, id ASC
	`, key.MemberID, key.AllowanceTypeID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption: %w", err)
	}
	defer rows.Close()

	var out []generic.ConsumptionEvent
	for rows.Next() {
		var e generic.ConsumptionEvent
		var device, meta sql.NullString
		var at string
		if err := rows.Scan(&e.ID, &e.MemberID, &e.AllowanceTypeID, &e.Minutes, &device, &meta, &at); err != nil {
			return nil, err
		}
		e.Device = device.String
		if e.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (generic.AuditLog interface)
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, subject_kind, subject_id, from_state, to_state, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.At), e.ActorID, string(e.Action), e.SubjectKind, e.SubjectID,
		nullString(e.From), nullString(e.To), payload)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (q *queries) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	query := `
		SELECT id, at, actor_id, action, subject_kind, subject_id, from_state, to_state, payload_json
		FROM audit_log
		WHERE 1 = 1`
	var args []any
	if f.SubjectKind != "" {
		query += ` AND subject_kind = ?`
		args = append(args, f.SubjectKind)
	}
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.From != nil {
		query += ` AND at >= ?`
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		query += ` AND at <= ?`
		args = append(args, formatTime(*f.To))
	}
	query += ` ORDER BY at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var e generic.AuditEntry
		var at, action string
		var from, to, payload sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &action, &e.SubjectKind, &e.SubjectID, &from, &to, &payload); err != nil {
			return nil, err
		}
		e.Action = generic.AuditAction(action)
		e.From, e.To = from.String, to.String
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if e.Payload, err = unmarshalMap(payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
