package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePlan(t *testing.T) {
	tests := []struct {
		in   string
		want Plan
	}{
		{in: "free", want: PlanFree},
		{in: "basic", want: PlanBasic},
		{in: " PRO ", want: PlanPro},
		{in: "MASTER", want: PlanMaster},
		{in: "enterprise", want: PlanFree},
		{in: "", want: PlanFree},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePlan(tt.in), tt.in)
	}
}

func TestPolicyExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Nil(t, PolicyFor(PlanMaster).ExpiresAt(now))

	exp := PolicyFor(PlanPro).ExpiresAt(now)
	require.NotNil(t, exp)
	assert.Equal(t, now.Add(30*24*time.Hour), *exp)

	require.NotNil(t, PolicyFor(PlanFree).ExpiresAt(now))
}

func TestPolicyClamp(t *testing.T) {
	master := PolicyFor(PlanMaster)

	granted, dropped := master.Clamp(2900, 1500)
	assert.Equal(t, int64(100), granted)
	assert.Equal(t, int64(1400), dropped)

	granted, dropped = master.Clamp(3000, 10)
	assert.Equal(t, int64(0), granted)
	assert.Equal(t, int64(10), dropped)

	granted, dropped = master.Clamp(3500, 10)
	assert.Equal(t, int64(0), granted)
	assert.Equal(t, int64(10), dropped)

	granted, dropped = master.Clamp(0, 1500)
	assert.Equal(t, int64(1500), granted)
	assert.Zero(t, dropped)

	granted, dropped = PolicyFor(PlanBasic).Clamp(1_000_000, 300)
	assert.Equal(t, int64(300), granted)
	assert.Zero(t, dropped)
}

func TestRank(t *testing.T) {
	assert.Less(t, Rank(PlanFree), Rank(PlanBasic))
	assert.Less(t, Rank(PlanBasic), Rank(PlanPro))
	assert.Less(t, Rank(PlanPro), Rank(PlanMaster))
}
