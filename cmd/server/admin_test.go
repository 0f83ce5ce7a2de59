package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
	"github.com/warp/allowance-engine/store/memory"
)

func TestSeed(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: The demo family is seeded
	// THEN: The child can log time against the seeded allowance right away

	ctx := context.Background()
	store := memory.New()
	svc := screentime.NewService(store, screentime.DefaultGraceSettings(), nil, nil)

	ids, err := seed(ctx, store, svc, "Europe/London")
	require.NoError(t, err)

	f, err := store.GetFamily(ctx, ids.family)
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", f.Timezone)

	guardian, err := store.GetMember(ctx, ids.guardian)
	require.NoError(t, err)
	assert.True(t, guardian.IsGuardian())

	res, err := svc.LogConsumption(ctx, screentime.LogConsumptionInput{
		MemberID:        ids.child,
		AllowanceTypeID: ids.allowanceType,
		Minutes:         20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Balance.Current)
}

func TestSeed_UnknownTimezone(t *testing.T) {
	store := memory.New()
	svc := screentime.NewService(store, screentime.DefaultGraceSettings(), nil, nil)

	_, err := seed(context.Background(), store, svc, "Mars/Olympus_Mons")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}
