package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
)

// =============================================================================
// ALLOWANCE TYPES
// =============================================================================

func (q *queries) SaveAllowanceType(ctx context.Context, a screentime.AllowanceType) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO allowance_types (id, family_id, name, daily_minutes, reset_period, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			daily_minutes = excluded.daily_minutes,
			reset_period = excluded.reset_period,
			active = excluded.active
	`, a.ID, a.FamilyID, a.Name, a.DailyMinutes, string(a.ResetPeriod), a.Active, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save allowance type: %w", err)
	}
	return nil
}

const allowanceTypeColumns = `id, family_id, name, daily_minutes, reset_period, active, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAllowanceType(row scanner) (screentime.AllowanceType, error) {
	var a screentime.AllowanceType
	var period, createdAt string
	if err := row.Scan(&a.ID, &a.FamilyID, &a.Name, &a.DailyMinutes, &period, &a.Active, &createdAt); err != nil {
		return screentime.AllowanceType{}, err
	}
	a.ResetPeriod = generic.PeriodType(period)
	var err error
	a.CreatedAt, err = parseTime(createdAt)
	return a, err
}

func (q *queries) GetAllowanceType(ctx context.Context, id string) (screentime.AllowanceType, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+allowanceTypeColumns+` FROM allowance_types WHERE id = ?`, id)
	a, err := scanAllowanceType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return screentime.AllowanceType{}, generic.ErrNotFound
	}
	if err != nil {
		return screentime.AllowanceType{}, fmt.Errorf("failed to get allowance type: %w", err)
	}
	return a, nil
}

func (q *queries) ListAllowanceTypes(ctx context.Context, familyID string) ([]screentime.AllowanceType, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+allowanceTypeColumns+` FROM allowance_types WHERE family_id = ? ORDER BY created_at ASC, id ASC`,
		familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allowance types: %w", err)
	}
	defer rows.Close()

	var out []screentime.AllowanceType
	for rows.Next() {
		a, err := scanAllowanceType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// GRACE SETTINGS
// =============================================================================

const graceSettingsColumns = `member_id, max_grace_minutes, default_grant_minutes,
	max_requests_per_day, max_requests_per_week, low_balance_warning_minutes,
	auto_approve, auto_approve_max_minutes, require_guardian_approval,
	updated_by, updated_at`

func (q *queries) GetGraceSettings(ctx context.Context, memberID string) (screentime.GraceSettings, error) {
	var s screentime.GraceSettings
	var updatedAt string
	err := q.db.QueryRowContext(ctx,
		`SELECT `+graceSettingsColumns+` FROM grace_settings WHERE member_id = ?`, memberID,
	).Scan(
		&s.MemberID, &s.MaxGraceMinutes, &s.DefaultGrantMinutes,
		&s.MaxRequestsPerDay, &s.MaxRequestsPerWeek, &s.LowBalanceWarningMinutes,
		&s.AutoApprove, &s.AutoApproveMaxMinutes, &s.RequireGuardianApproval,
		&s.UpdatedBy, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return screentime.GraceSettings{}, generic.ErrNotFound
	}
	if err != nil {
		return screentime.GraceSettings{}, fmt.Errorf("failed to get grace settings: %w", err)
	}
	s.UpdatedAt, err = parseTime(updatedAt)
	return s, err
}

func (q *queries) writeGraceSettings(ctx context.Context, s screentime.GraceSettings, onConflict string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO grace_settings (`+graceSettingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id) `+onConflict,
		s.MemberID, s.MaxGraceMinutes, s.DefaultGrantMinutes,
		s.MaxRequestsPerDay, s.MaxRequestsPerWeek, s.LowBalanceWarningMinutes,
		s.AutoApprove, s.AutoApproveMaxMinutes, s.RequireGuardianApproval,
		s.UpdatedBy, formatTime(s.UpdatedAt),
	)
	return err
}

func (q *queries) InsertGraceSettings(ctx context.Context, s screentime.GraceSettings) (screentime.GraceSettings, error) {
	if err := q.writeGraceSettings(ctx, s, `DO NOTHING`); err != nil {
		return screentime.GraceSettings{}, fmt.Errorf("failed to insert grace settings: %w", err)
	}
	return q.GetGraceSettings(ctx, s.MemberID)
}

func (q *queries) SaveGraceSettings(ctx context.Context, s screentime.GraceSettings) error {
	err := q.writeGraceSettings(ctx, s, `DO UPDATE SET
		max_grace_minutes = excluded.max_grace_minutes,
		default_grant_minutes = excluded.default_grant_minutes,
		max_requests_per_day = excluded.max_requests_per_day,
		max_requests_per_week = excluded.max_requests_per_week,
		low_balance_warning_minutes = excluded.low_balance_warning_minutes,
		auto_approve = excluded.auto_approve,
		auto_approve_max_minutes = excluded.auto_approve_max_minutes,
		require_guardian_approval = excluded.require_guardian_approval,
		updated_by = excluded.updated_by,
		updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to save grace settings: %w", err)
	}
	return nil
}

// =============================================================================
// GRACE LOGS
// =============================================================================

const graceLogColumns = `g.id, g.member_id, g.allowance_type_id, g.minutes_requested, g.reason,
	g.resolution, g.repayment, g.approver_id, g.requested_at, g.resolved_at, g.repayment_updated_at`

func (q *queries) InsertGraceLog(ctx context.Context, g screentime.GraceLog) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO grace_logs
		(id, member_id, allowance_type_id, minutes_requested, reason, resolution, repayment,
		 approver_id, requested_at, resolved_at, repayment_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.MemberID, g.AllowanceTypeID, g.MinutesRequested, nullString(g.Reason),
		string(g.Resolution), string(g.Repayment), nullString(g.ApproverID),
		formatTime(g.RequestedAt), formatNullTime(g.ResolvedAt), formatNullTime(g.RepaymentUpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: grace log %s already exists", generic.ErrInvalidInput, g.ID)
		}
		return fmt.Errorf("failed to insert grace log: %w", err)
	}
	return nil
}

func scanGraceLog(row scanner) (screentime.GraceLog, error) {
	var g screentime.GraceLog
	var reason, approver, resolvedAt, repaidAt sql.NullString
	var resolution, repayment, requestedAt string
	if err := row.Scan(&g.ID, &g.MemberID, &g.AllowanceTypeID, &g.MinutesRequested, &reason,
		&resolution, &repayment, &approver, &requestedAt, &resolvedAt, &repaidAt); err != nil {
		return screentime.GraceLog{}, err
	}
	g.Reason = reason.String
	g.ApproverID = approver.String
	g.Resolution = screentime.Resolution(resolution)
	g.Repayment = screentime.Repayment(repayment)

	var err error
	if g.RequestedAt, err = parseTime(requestedAt); err != nil {
		return screentime.GraceLog{}, err
	}
	if g.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return screentime.GraceLog{}, err
	}
	if g.RepaymentUpdatedAt, err = parseNullTime(repaidAt); err != nil {
		return screentime.GraceLog{}, err
	}
	return g, nil
}

func (q *queries) GetGraceLog(ctx context.Context, id string) (screentime.GraceLog, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+graceLogColumns+` FROM grace_logs g WHERE g.id = ?`, id)
	g, err := scanGraceLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return screentime.GraceLog{}, generic.ErrNotFound
	}
	if err != nil {
		return screentime.GraceLog{}, fmt.Errorf("failed to get grace log: %w", err)
	}
	return g, nil
}

// CountGraceLogs uses idx_grace_logs_member_requested.
func (q *queries) CountGraceLogs(ctx context.Context, memberID string, from, to time.Time) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM grace_logs
		WHERE member_id = ? AND requested_at >= ? AND requested_at <= ?
	`, memberID, formatTime(from), formatTime(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count grace logs: %w", err)
	}
	return n, nil
}

func (q *queries) ListGraceLogs(ctx context.Context, f screentime.GraceLogFilter) ([]screentime.GraceLog, error) {
	query := `SELECT ` + graceLogColumns + ` FROM grace_logs g`
	var args []any
	if f.FamilyID != "" {
		query += ` JOIN members m ON m.id = g.member_id AND m.family_id = ?`
		args = append(args, f.FamilyID)
	}
	query += ` WHERE 1 = 1`
	if f.MemberID != "" {
		query += ` AND g.member_id = ?`
		args = append(args, f.MemberID)
	}
	if f.AllowanceTypeID != "" {
		query += ` AND g.allowance_type_id = ?`
		args = append(args, f.AllowanceTypeID)
	}
	if f.Resolution != "" {
		query += ` AND g.resolution = ?`
		args = append(args, string(f.Resolution))
	}
	if f.Repayment != "" {
		query += ` AND g.repayment = ?`
		args = append(args, string(f.Repayment))
	}
	query += ` ORDER BY g.requested_at DESC, g.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grace logs: %w", err)
	}
	defer rows.Close()

	var out []screentime.GraceLog
	for rows.Next() {
		g, err := scanGraceLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// =============================================================================
// CONDITIONAL TRANSITIONS
// =============================================================================

// CompareAndSetStatus is the workflow write for grace logs: one UPDATE
// guarded by the expected resolution.
func (q *queries) CompareAndSetStatus(ctx context.Context, kind, id, from, to, actorID string, at time.Time) error {
	if kind != screentime.GraceLogKind {
		return fmt.Errorf("%w: unsupported workflow kind %q", generic.ErrInvalidInput, kind)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE grace_logs
		SET resolution = ?, approver_id = ?, resolved_at = ?
		WHERE id = ? AND resolution = ?
	`, to, nullString(actorID), formatTime(at), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition grace log: %w", err)
	}
	return q.checkTransition(ctx, res, id, from, "resolution")
}

func (q *queries) SetRepayment(ctx context.Context, id string, from, to screentime.Repayment, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE grace_logs
		SET repayment = ?, repayment_updated_at = ?
		WHERE id = ? AND repayment = ?
	`, string(to), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update repayment: %w", err)
	}
	return q.checkTransition(ctx, res, id, string(from), "repayment")
}

// checkTransition turns zero affected rows into ErrNotFound or a TransitionError.
// column is one of two constants, never user input.
func (q *queries) checkTransition(ctx context.Context, res sql.Result, id, from, column string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var actual string
	err = q.db.QueryRowContext(ctx, `SELECT `+column+` FROM grace_logs WHERE id = ?`, id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read grace log state: %w", err)
	}
	return &generic.TransitionError{Kind: screentime.GraceLogKind, ID: id, From: from, Actual: actual}
}
