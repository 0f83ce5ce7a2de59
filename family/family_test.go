package family_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/store/memory"
)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SaveFamily(ctx, family.Family{ID: "f-1", Timezone: "Europe/Paris"}))
	require.NoError(t, s.SaveFamily(ctx, family.Family{ID: "f-2"}))
	for _, m := range []family.Member{
		{ID: "parent", FamilyID: "f-1", Role: family.RoleGuardian},
		{ID: "kid", FamilyID: "f-1", Role: family.RoleChild},
		{ID: "sibling", FamilyID: "f-1", Role: family.RoleChild},
		{ID: "neighbour", FamilyID: "f-2", Role: family.RoleGuardian},
	} {
		require.NoError(t, s.SaveMember(ctx, m))
	}
	return s
}

func TestCalendarFor_UsesFamilyTimezone(t *testing.T) {
	dir := seeded(t)

	m, cal, err := family.CalendarFor(context.Background(), dir, "kid")
	require.NoError(t, err)
	assert.Equal(t, "f-1", m.FamilyID)

	// 23:30 UTC on March 10 is already March 11 in Paris.
	key, err := cal.Key(time.Date(2025, time.March, 10, 23, 30, 0, 0, time.UTC), generic.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", key)

	_, _, err = family.CalendarFor(context.Background(), dir, "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestRequireGuardianOf(t *testing.T) {
	ctx := context.Background()
	dir := seeded(t)

	tests := []struct {
		name    string
		actor   string
		member  string
		wantErr error
	}{
		{"guardian of own family", "parent", "kid", nil},
		{"guardian of self", "parent", "parent", nil},
		{"child", "sibling", "kid", generic.ErrForbidden},
		{"guardian of another family", "neighbour", "kid", generic.ErrForbidden},
		{"unknown actor", "ghost", "kid", generic.ErrForbidden},
		{"unknown member", "parent", "ghost", generic.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := family.RequireGuardianOf(ctx, dir, tt.actor, tt.member)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRequireSelfOrGuardian(t *testing.T) {
	ctx := context.Background()
	dir := seeded(t)

	assert.NoError(t, family.RequireSelfOrGuardian(ctx, dir, "kid", "kid"))
	assert.NoError(t, family.RequireSelfOrGuardian(ctx, dir, "parent", "kid"))
	assert.ErrorIs(t, family.RequireSelfOrGuardian(ctx, dir, "sibling", "kid"), generic.ErrForbidden)
	assert.ErrorIs(t, family.RequireSelfOrGuardian(ctx, dir, "ghost", "ghost"), generic.ErrNotFound)
}
