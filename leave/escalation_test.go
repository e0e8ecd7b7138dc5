package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/toil-engine/hr"
	"github.com/warp/toil-engine/leave"
)

func TestFindEscalations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.now

	f.now = start.Add(-4 * 24 * time.Hour)
	old := f.apply(t, e2, "AL")
	oldApproved := f.apply(t, e1, "FLEX")
	require.Equal(t, hr.RequestApproved, oldApproved.Status)

	f.now = start.Add(-2 * 24 * time.Hour)
	recent := f.apply(t, e1, "AL")

	f.now = start
	got, err := f.svc.FindEscalations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].Request.ID)
	assert.Equal(t, 4, got[0].AgeDays)

	for _, e := range got {
		assert.NotEqual(t, recent.ID, e.Request.ID)
		assert.NotEqual(t, oldApproved.ID, e.Request.ID)
	}
}

func TestFindEscalationsOrdersOldestFirst(t *testing.T) {
	f := newFixture(t)
	start := f.now

	f.now = start.Add(-5 * 24 * time.Hour)
	oldest := f.apply(t, e2, "AL")
	f.now = start.Add(-4 * 24 * time.Hour)
	next := f.apply(t, e1, "AL")

	f.now = start
	got, err := f.svc.FindEscalations(context.Background(), leave.DefaultEscalationDays)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, oldest.ID, got[0].Request.ID)
	assert.Equal(t, next.ID, got[1].Request.ID)
}

func TestFindEscalationsDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	start := f.now
	f.now = start.Add(-10 * 24 * time.Hour)
	req := f.apply(t, e2, "AL")
	f.now = start

	_, err := f.svc.FindEscalations(context.Background(), 3)
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, hr.RequestPending, got.Status)
	assert.Equal(t, req.Version, got.Version)
}

func TestFindEscalationsRejectsNegativeThreshold(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FindEscalations(context.Background(), -1)
	assert.True(t, hr.IsKind(err, hr.KindValidation))
}

func TestFindEscalationsZeroThresholdMeansAnyAge(t *testing.T) {
	f := newFixture(t)
	start := f.now

	f.now = start.Add(-time.Hour)
	req := f.apply(t, e2, "AL")
	f.now = start

	got, err := f.svc.FindEscalations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, req.ID, got[0].Request.ID)
	assert.Equal(t, 0, got[0].AgeDays)

	got, err = f.svc.FindEscalations(context.Background(), leave.DefaultEscalationDays)
	require.NoError(t, err)
	assert.Empty(t, got)
}
