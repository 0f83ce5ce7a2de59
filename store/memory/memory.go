// Package memory provides an in-memory store for tests and local development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store implements screentime.TxStore and budget.Store. All methods hold
// one mutex; WithTx holds it for the whole callback.
type Store struct {
	mu sync.Mutex
	st *state
}

var (
	_ screentime.TxStore = (*Store)(nil)
	_ budget.Store       = (*Store)(nil)
	_ family.Writer      = (*Store)(nil)
)

func New() *Store {
	return &Store{st: newState()}
}

// WithTx executes fn within a transaction, simulated with a snapshot and
// rollback on error. fn must only use the view it is given.
func (m *Store) WithTx(ctx context.Context, fn func(screentime.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func lock[T any](m *Store, fn func(*state) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func lockErr(m *Store, fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Store) SaveFamily(ctx context.Context, f family.Family) error {
	return lockErr(m, func(s *state) error { return s.SaveFamily(ctx, f) })
}

func (m *Store) SaveMember(ctx context.Context, mem family.Member) error {
	return lockErr(m, func(s *state) error { return s.SaveMember(ctx, mem) })
}

func (m *Store) GetFamily(ctx context.Context, id string) (family.Family, error) {
	return lock(m, func(s *state) (family.Family, error) { return s.GetFamily(ctx, id) })
}

func (m *Store) GetMember(ctx context.Context, id string) (family.Member, error) {
	return lock(m, func(s *state) (family.Member, error) { return s.GetMember(ctx, id) })
}

func (m *Store) GetBalance(ctx context.Context, key generic.BalanceKey) (generic.Balance, error) {
	return lock(m, func(s *state) (generic.Balance, error) { return s.GetBalance(ctx, key) })
}

func (m *Store) InsertBalance(ctx context.Context, b generic.Balance) (generic.Balance, error) {
	return lock(m, func(s *state) (generic.Balance, error) { return s.InsertBalance(ctx, b) })
}

func (m *Store) SwapBalance(ctx context.Context, expectedVersion int64, next generic.Balance, event *generic.ConsumptionEvent) error {
	return lockErr(m, func(s *state) error { return s.SwapBalance(ctx, expectedVersion, next, event) })
}

func (m *Store) ListConsumption(ctx context.Context, key generic.BalanceKey, from, to time.Time) ([]generic.ConsumptionEvent, error) {
	return lock(m, func(s *state) ([]generic.ConsumptionEvent, error) { return s.ListConsumption(ctx, key, from, to) })
}

func (m *Store) CompareAndSetStatus(ctx context.Context, kind, id, from, to, actorID string, at time.Time) error {
	return lockErr(m, func(s *state) error { return s.CompareAndSetStatus(ctx, kind, id, from, to, actorID, at) })
}

func (m *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	return lockErr(m, func(s *state) error { return s.AppendAudit(ctx, e) })
}

func (m *Store) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	return lock(m, func(s *state) ([]generic.AuditEntry, error) { return s.ListAudit(ctx, f) })
}

func (m *Store) GetAllowanceType(ctx context.Context, id string) (screentime.AllowanceType, error) {
	return lock(m, func(s *state) (screentime.AllowanceType, error) { return s.GetAllowanceType(ctx, id) })
}

func (m *Store) SaveAllowanceType(ctx context.Context, a screentime.AllowanceType) error {
	return lockErr(m, func(s *state) error { return s.SaveAllowanceType(ctx, a) })
}

func (m *Store) ListAllowanceTypes(ctx context.Context, familyID string) ([]screentime.AllowanceType, error) {
	return lock(m, func(s *state) ([]screentime.AllowanceType, error) { return s.ListAllowanceTypes(ctx, familyID) })
}

func (m *Store) GetGraceSettings(ctx context.Context, memberID string) (screentime.GraceSettings, error) {
	return lock(m, func(s *state) (screentime.GraceSettings, error) { return s.GetGraceSettings(ctx, memberID) })
}

func (m *Store) InsertGraceSettings(ctx context.Context, gs screentime.GraceSettings) (screentime.GraceSettings, error) {
	return lock(m, func(s *state) (screentime.GraceSettings, error) { return s.InsertGraceSettings(ctx, gs) })
}

func (m *Store) SaveGraceSettings(ctx context.Context, gs screentime.GraceSettings) error {
	return lockErr(m, func(s *state) error { return s.SaveGraceSettings(ctx, gs) })
}

func (m *Store) InsertGraceLog(ctx context.Context, g screentime.GraceLog) error {
	return lockErr(m, func(s *state) error { return s.InsertGraceLog(ctx, g) })
}

func (m *Store) GetGraceLog(ctx context.Context, id string) (screentime.GraceLog, error) {
	return lock(m, func(s *state) (screentime.GraceLog, error) { return s.GetGraceLog(ctx, id) })
}

func (m *Store) CountGraceLogs(ctx context.Context, memberID string, from, to time.Time) (int, error) {
	return lock(m, func(s *state) (int, error) { return s.CountGraceLogs(ctx, memberID, from, to) })
}

func (m *Store) ListGraceLogs(ctx context.Context, f screentime.GraceLogFilter) ([]screentime.GraceLog, error) {
	return lock(m, func(s *state) ([]screentime.GraceLog, error) { return s.ListGraceLogs(ctx, f) })
}

func (m *Store) SetRepayment(ctx context.Context, id string, from, to screentime.Repayment, at time.Time) error {
	return lockErr(m, func(s *state) error { return s.SetRepayment(ctx, id, from, to, at) })
}

func (m *Store) GetBudget(ctx context.Context, id string) (budget.Budget, error) {
	return lock(m, func(s *state) (budget.Budget, error) { return s.GetBudget(ctx, id) })
}

func (m *Store) SaveBudget(ctx context.Context, b budget.Budget) error {
	return lockErr(m, func(s *state) error { return s.SaveBudget(ctx, b) })
}

func (m *Store) ListBudgets(ctx context.Context, memberID string) ([]budget.Budget, error) {
	return lock(m, func(s *state) ([]budget.Budget, error) { return s.ListBudgets(ctx, memberID) })
}

func (m *Store) GetBudgetPeriod(ctx context.Context, budgetID, periodKey string) (budget.Period, error) {
	return lock(m, func(s *state) (budget.Period, error) { return s.GetBudgetPeriod(ctx, budgetID, periodKey) })
}

func (m *Store) AddBudgetSpend(ctx context.Context, p budget.Period, amount decimal.Decimal) (budget.Period, error) {
	return lock(m, func(s *state) (budget.Period, error) { return s.AddBudgetSpend(ctx, p, amount) })
}

// =============================================================================
// STATE - unlocked; also serves as the transactional view
// =============================================================================

type periodKey struct {
	budgetID string
	key      string
}

type state struct {
	families  map[string]family.Family
	members   map[string]family.Member
	balances  map[generic.BalanceKey]generic.Balance
	events    []generic.ConsumptionEvent
	types     map[string]screentime.AllowanceType
	settings  map[string]screentime.GraceSettings
	graceLogs map[string]screentime.GraceLog
	audit     []generic.AuditEntry
	budgets   map[string]budget.Budget
	periods   map[periodKey]budget.Period
}

func newState() *state {
	return &state{
		families:  make(map[string]family.Family),
		members:   make(map[string]family.Member),
		balances:  make(map[generic.BalanceKey]generic.Balance),
		types:     make(map[string]screentime.AllowanceType),
		settings:  make(map[string]screentime.GraceSettings),
		graceLogs: make(map[string]screentime.GraceLog),
		budgets:   make(map[string]budget.Budget),
		periods:   make(map[periodKey]budget.Period),
	}
}

// clone copies every map and slice. Records are values; the only shared
// references are event metadata and audit payload maps, which are never
// mutated after insert.
func (s *state) clone() *state {
	return &state{
		families:  maps.Clone(s.families),
		members:   maps.Clone(s.members),
		balances:  maps.Clone(s.balances),
		events:    append([]generic.ConsumptionEvent(nil), s.events...),
		types:     maps.Clone(s.types),
		settings:  maps.Clone(s.settings),
		graceLogs: maps.Clone(s.graceLogs),
		audit:     append([]generic.AuditEntry(nil), s.audit...),
		budgets:   maps.Clone(s.budgets),
		periods:   maps.Clone(s.periods),
	}
}

// Directory

func (s *state) SaveFamily(_ context.Context, f family.Family) error {
	s.families[f.ID] = f
	return nil
}

func (s *state) SaveMember(_ context.Context, m family.Member) error {
	s.members[m.ID] = m
	return nil
}

func (s *state) GetFamily(_ context.Context, id string) (family.Family, error) {
	f, ok := s.families[id]
	if !ok {
		return family.Family{}, generic.ErrNotFound
	}
	return f, nil
}

func (s *state) GetMember(_ context.Context, id string) (family.Member, error) {
	m, ok := s.members[id]
	if !ok {
		return family.Member{}, generic.ErrNotFound
	}
	return m, nil
}

// Balances

func (s *state) GetBalance(_ context.Context, key generic.BalanceKey) (generic.Balance, error) {
	b, ok := s.balances[key]
	if !ok {
		return generic.Balance{}, generic.ErrNotFound
	}
	return b, nil
}

func (s *state) InsertBalance(_ context.Context, b generic.Balance) (generic.Balance, error) {
	if existing, ok := s.balances[b.Key()]; ok {
		return existing, nil
	}
	s.balances[b.Key()] = b
	return b, nil
}

func (s *state) SwapBalance(_ context.Context, expectedVersion int64, next generic.Balance, event *generic.ConsumptionEvent) error {
	cur, ok := s.balances[next.Key()]
	if !ok {
		return generic.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: balance %s at version %d, expected %d",
			generic.ErrConflict, next.Key(), cur.Version, expectedVersion)
	}
	s.balances[next.Key()] = next
	if event != nil {
		s.events = append(s.events, *event)
	}
	return nil
}

func (s *state) ListConsumption(_ context.Context, key generic.BalanceKey, from, to time.Time) ([]generic.ConsumptionEvent, error) {
	var out []generic.ConsumptionEvent
	for _, e := range s.events {
		if e.Key() == key && !e.At.Before(from) && !e.At.After(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Workflow

func (s *state) CompareAndSetStatus(_ context.Context, kind, id, from, to, actorID string, at time.Time) error {
	if kind != screentime.GraceLogKind {
		return fmt.Errorf("%w: unsupported workflow kind %q", generic.ErrInvalidInput, kind)
	}
	g, ok := s.graceLogs[id]
	if !ok {
		return generic.ErrNotFound
	}
	if string(g.Resolution) != from {
		return &generic.TransitionError{Kind: kind, ID: id, From: from, Actual: string(g.Resolution)}
	}
	g.Resolution = screentime.Resolution(to)
	g.ApproverID = actorID
	g.ResolvedAt = &at
	s.graceLogs[id] = g
	return nil
}

func (s *state) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

func (s *state) ListAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var out []generic.AuditEntry
	for _, e := range s.audit {
		switch {
		case f.SubjectKind != "" && e.SubjectKind != f.SubjectKind,
			f.SubjectID != "" && e.SubjectID != f.SubjectID,
			f.ActorID != "" && e.ActorID != f.ActorID,
			f.From != nil && e.At.Before(*f.From),
			f.To != nil && e.At.After(*f.To):
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Allowance types

func (s *state) GetAllowanceType(_ context.Context, id string) (screentime.AllowanceType, error) {
	a, ok := s.types[id]
	if !ok {
		return screentime.AllowanceType{}, generic.ErrNotFound
	}
	return a, nil
}

func (s *state) SaveAllowanceType(_ context.Context, a screentime.AllowanceType) error {
	s.types[a.ID] = a
	return nil
}

func (s *state) ListAllowanceTypes(_ context.Context, familyID string) ([]screentime.AllowanceType, error) {
	var out []screentime.AllowanceType
	for _, a := range s.types {
		if a.FamilyID == familyID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Grace settings

func (s *state) GetGraceSettings(_ context.Context, memberID string) (screentime.GraceSettings, error) {
	gs, ok := s.settings[memberID]
	if !ok {
		return screentime.GraceSettings{}, generic.ErrNotFound
	}
	return gs, nil
}

func (s *state) InsertGraceSettings(_ context.Context, gs screentime.GraceSettings) (screentime.GraceSettings, error) {
	if existing, ok := s.settings[gs.MemberID]; ok {
		return existing, nil
	}
	s.settings[gs.MemberID] = gs
	return gs, nil
}

func (s *state) SaveGraceSettings(_ context.Context, gs screentime.GraceSettings) error {
	s.settings[gs.MemberID] = gs
	return nil
}

// Grace logs

func (s *state) InsertGraceLog(_ context.Context, g screentime.GraceLog) error {
	if _, ok := s.graceLogs[g.ID]; ok {
		return fmt.Errorf("%w: grace log %s already exists", generic.ErrInvalidInput, g.ID)
	}
	s.graceLogs[g.ID] = g
	return nil
}

func (s *state) GetGraceLog(_ context.Context, id string) (screentime.GraceLog, error) {
	g, ok := s.graceLogs[id]
	if !ok {
		return screentime.GraceLog{}, generic.ErrNotFound
	}
	return g, nil
}

func (s *state) CountGraceLogs(_ context.Context, memberID string, from, to time.Time) (int, error) {
	n := 0
	for _, g := range s.graceLogs {
		if g.MemberID == memberID && !g.RequestedAt.Before(from) && !g.RequestedAt.After(to) {
			n++
		}
	}
	return n, nil
}

func (s *state) ListGraceLogs(_ context.Context, f screentime.GraceLogFilter) ([]screentime.GraceLog, error) {
	var out []screentime.GraceLog
	for _, g := range s.graceLogs {
		switch {
		case f.MemberID != "" && g.MemberID != f.MemberID,
			f.AllowanceTypeID != "" && g.AllowanceTypeID != f.AllowanceTypeID,
			f.Resolution != "" && g.Resolution != f.Resolution,
			f.Repayment != "" && g.Repayment != f.Repayment,
			f.FamilyID != "" && s.members[g.MemberID].FamilyID != f.FamilyID:
			continue
		}
		out = append(out, g)
	}
	// Newest first, as the sqlite store orders them.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *state) SetRepayment(_ context.Context, id string, from, to screentime.Repayment, at time.Time) error {
	g, ok := s.graceLogs[id]
	if !ok {
		return generic.ErrNotFound
	}
	if g.Repayment != from {
		return &generic.TransitionError{Kind: screentime.GraceLogKind, ID: id, From: string(from), Actual: string(g.Repayment)}
	}
	g.Repayment = to
	g.RepaymentUpdatedAt = &at
	s.graceLogs[id] = g
	return nil
}

// Budgets

func (s *state) GetBudget(_ context.Context, id string) (budget.Budget, error) {
	b, ok := s.budgets[id]
	if !ok {
		return budget.Budget{}, generic.ErrNotFound
	}
	return b, nil
}

func (s *state) SaveBudget(_ context.Context, b budget.Budget) error {
	s.budgets[b.ID] = b
	return nil
}

func (s *state) ListBudgets(_ context.Context, memberID string) ([]budget.Budget, error) {
	var out []budget.Budget
	for _, b := range s.budgets {
		if b.MemberID == memberID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *state) GetBudgetPeriod(_ context.Context, budgetID, key string) (budget.Period, error) {
	p, ok := s.periods[periodKey{budgetID, key}]
	if !ok {
		return budget.Period{}, generic.ErrNotFound
	}
	return p, nil
}

func (s *state) AddBudgetSpend(_ context.Context, p budget.Period, amount decimal.Decimal) (budget.Period, error) {
	k := periodKey{p.BudgetID, p.PeriodKey}
	if cur, ok := s.periods[k]; ok {
		cur.Spent = cur.Spent.Add(amount)
		cur.UpdatedAt = p.UpdatedAt
		s.periods[k] = cur
		return cur, nil
	}
	p.Spent = amount
	s.periods[k] = p
	return p, nil
}
