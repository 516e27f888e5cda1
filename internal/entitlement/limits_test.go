package entitlement

import (
	"context"
	"testing"

	"guild-entitlements/internal/benefits"
	"guild-entitlements/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const guild store.GuildID = 600

	v, err := h.engine.ResolveLimit(ctx, guild, benefits.Panels)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Number)

	require.NoError(t, h.store.PutGuildEntitlement(ctx, store.GuildEntitlement{Guild: guild, HasPremium: true}))
	v, err = h.engine.ResolveLimit(ctx, guild, benefits.Panels)
	require.NoError(t, err)
	assert.Equal(t, int64(25), v.Number)

	v, err = h.engine.ResolveLimit(ctx, guild, benefits.ExitSurveys)
	require.NoError(t, err)
	assert.Equal(t, benefits.Flag(true), v)

	_, err = h.engine.ResolveLimit(ctx, guild, "teleporters")
	assert.ErrorIs(t, err, ErrUnknownBenefit)
	assert.Equal(t, ErrorTypeValidation, TypeOf(err))
}

func TestLimitOverrideTakesPrecedence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const guild store.GuildID = 601
	require.NoError(t, h.store.PutGuildEntitlement(ctx, store.GuildEntitlement{Guild: guild, HasPremium: true}))

	// An override below the tier value still wins.
	low := benefits.Number(2)
	require.NoError(t, h.engine.SetLimitOverride(ctx, guild, benefits.Panels, &low))
	v, err := h.engine.ResolveLimit(ctx, guild, benefits.Panels)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Number)

	all, err := h.engine.LimitOverrides(ctx, guild)
	require.NoError(t, err)
	assert.Equal(t, map[string]benefits.Value{benefits.Panels: low}, all)

	require.NoError(t, h.engine.SetLimitOverride(ctx, guild, benefits.Panels, nil))
	v, err = h.engine.ResolveLimit(ctx, guild, benefits.Panels)
	require.NoError(t, err)
	assert.Equal(t, int64(25), v.Number)
}

func TestSetLimitOverrideValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	flag := benefits.Flag(true)
	err := h.engine.SetLimitOverride(ctx, 602, benefits.Panels, &flag)
	assert.ErrorIs(t, err, ErrInvalidInput)

	n := benefits.Number(1)
	err = h.engine.SetLimitOverride(ctx, 602, "teleporters", &n)
	assert.ErrorIs(t, err, ErrUnknownBenefit)

	all, err := h.engine.LimitOverrides(ctx, 602)
	require.NoError(t, err)
	assert.Empty(t, all)
}
