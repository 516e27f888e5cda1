package entitlement

import (
	"context"
	"testing"

	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionKeyRespectsQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 1
	h.billing.set(owner, Units{Premium: 2})

	var values []string
	for i := 0; i < 3; i++ {
		v, err := h.engine.ProvisionKey(ctx, owner, license.ClassPremium)
		require.NoError(t, err)
		assert.True(t, license.WellFormed(v))
		values = append(values, v)
	}

	assert.False(t, h.disabled(t, values[0]))
	assert.False(t, h.disabled(t, values[1]))
	assert.True(t, h.disabled(t, values[2]))
}

func TestProvisionKeyParksKeyWhenBillingFails(t *testing.T) {
	h := newHarness(t)
	h.billing.err = errUnavailable

	value, err := h.engine.ProvisionKey(context.Background(), 2, license.ClassCustom)
	require.Error(t, err)
	assert.Equal(t, ErrorTypeExternal, TypeOf(err))
	require.NotEmpty(t, value)
	assert.True(t, h.disabled(t, value))
}

func TestProvisionKeyRetriesCollisions(t *testing.T) {
	calls := 0
	gen := func(c license.Class) (string, error) {
		calls++
		if calls < 3 {
			return c.Prefix() + "00000000000000000000", nil
		}
		return license.NewKey(c)
	}
	h := newHarness(t, WithKeyGenerator(gen))
	ctx := context.Background()
	h.billing.set(3, Units{Premium: 5})

	_, err := h.store.InsertKey(ctx, store.LicenseKey{Value: "pk_00000000000000000000", Class: license.ClassPremium, Owner: 9})
	require.NoError(t, err)

	value, err := h.engine.ProvisionKey(ctx, 3, license.ClassPremium)
	require.NoError(t, err)
	assert.NotEqual(t, "pk_00000000000000000000", value)
	assert.Equal(t, 3, calls)
}

func TestProvisionKeyGivesUpAfterRepeatedCollisions(t *testing.T) {
	gen := func(c license.Class) (string, error) { return c.Prefix() + "11111111111111111111", nil }
	h := newHarness(t, WithKeyGenerator(gen))
	ctx := context.Background()
	_, err := h.store.InsertKey(ctx, store.LicenseKey{Value: "ck_11111111111111111111", Class: license.ClassCustom, Owner: 9})
	require.NoError(t, err)

	_, err = h.engine.ProvisionKey(ctx, 4, license.ClassCustom)
	assert.ErrorIs(t, err, store.ErrKeyCollision)
}

func TestProvisionKeyRejectsUnknownClass(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ProvisionKey(context.Background(), 1, license.Class("gold"))
	assert.Equal(t, ErrorTypeValidation, TypeOf(err))
	assert.Zero(t, h.billing.calls)
}

func TestDeleteKeyOfAnotherUserIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.insertKey(t, 5, license.ClassPremium)

	require.NoError(t, h.engine.DeleteKey(ctx, 6, key.Value))
	_, err := h.store.GetKey(ctx, key.Value)
	assert.NoError(t, err)

	require.NoError(t, h.engine.DeleteKey(ctx, 5, key.Value))
	_, err = h.store.GetKey(ctx, key.Value)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteBoundKeyRecalculatesGuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 7
	const guild store.GuildID = 70
	h.directory.setGuild(guild, owner, nil)

	key := h.insertKey(t, owner, license.ClassPremium)
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, key.Value))
	require.True(t, h.entitlement(t, guild).HasPremium)

	require.NoError(t, h.engine.DeleteKey(ctx, owner, key.Value))
	assert.False(t, h.entitlement(t, guild).HasPremium)
}

func TestBindKeyErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 8
	const guild, other store.GuildID = 80, 81
	h.directory.setGuild(guild, owner, map[store.UserID]PermissionLevel{9: PermissionManage})
	h.directory.setGuild(other, owner, nil)

	bound := h.insertKey(t, owner, license.ClassPremium)
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, bound.Value))

	off := h.insertKey(t, owner, license.ClassPremium)
	_, err := h.store.SetKeyDisabled(ctx, off.Value, true)
	require.NoError(t, err)

	tests := []struct {
		name    string
		actor   store.UserID
		guild   store.GuildID
		value   string
		typ     ErrorType
		wantErr error
	}{
		{"unknown key", owner, guild, "pk_ffffffffffffffffffff", ErrorTypeValidation, ErrKeyNotFound},
		{"disabled key", owner, guild, off.Value, ErrorTypeValidation, ErrKeyDisabled},
		{"bound elsewhere", owner, other, bound.Value, ErrorTypeConflict, ErrKeyInUse},
		{"bound here again", owner, guild, bound.Value, ErrorTypeConflict, ErrKeyInUse},
		{"no permission", 10, guild, bound.Value, ErrorTypePermission, ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.engine.BindKey(ctx, tt.actor, tt.guild, tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.typ, TypeOf(err))
			msg, ok := UserMessage(err)
			assert.True(t, ok)
			assert.Equal(t, tt.wantErr.Error(), msg)
		})
	}
	assert.False(t, h.entitlement(t, other).HasPremium)
}

func TestBindKeyByManager(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner, manager store.UserID = 11, 12
	const guild store.GuildID = 110
	h.directory.setGuild(guild, owner, map[store.UserID]PermissionLevel{manager: PermissionManage})

	key := h.insertKey(t, owner, license.ClassCustom)
	require.NoError(t, h.engine.BindKey(ctx, manager, guild, "  "+key.Value+" "))
	assert.True(t, h.entitlement(t, guild).HasCustom)

	// Raising the dashboard level locks the manager out.
	h.directory.mu.Lock()
	h.directory.guilds[guild].level = PermissionAdmin
	h.directory.mu.Unlock()
	err := h.engine.UnbindKey(ctx, manager, guild, key.Value)
	assert.Equal(t, ErrorTypePermission, TypeOf(err))
}

func TestUnbindKeyAlwaysRecalculates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 13
	const guild store.GuildID = 130
	h.directory.setGuild(guild, owner, nil)

	// Stored state is stale: the guild has no keys but is marked premium.
	require.NoError(t, h.store.PutGuildEntitlement(ctx, store.GuildEntitlement{Guild: guild, HasPremium: true}))

	require.NoError(t, h.engine.UnbindKey(ctx, owner, guild, "pk_not_bound"))
	assert.False(t, h.entitlement(t, guild).HasPremium)
}

func TestSetKeyDisabledRecalculatesBoundGuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 14
	const guild store.GuildID = 140
	h.directory.setGuild(guild, owner, nil)

	key := h.insertKey(t, owner, license.ClassPremium)
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, key.Value))

	info, err := h.engine.SetKeyDisabled(ctx, key.Value, true)
	require.NoError(t, err)
	assert.True(t, info.Disabled)
	assert.True(t, info.Bound)
	assert.Equal(t, guild, info.Guild)
	assert.False(t, h.entitlement(t, guild).HasPremium)

	_, err = h.engine.SetKeyDisabled(ctx, "pk_missing", false)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestListKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.insertKey(t, 15, license.ClassPremium)
	second := h.insertKey(t, 15, license.ClassCustom)
	h.insertKey(t, 16, license.ClassCustom)

	keys, err := h.engine.ListKeys(ctx, 15)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, first.Value, keys[0].Value)
	assert.Equal(t, second.Value, keys[1].Value)
}

// Three guilds move through premium and custom transitions as the owner's
// subscription changes.
func TestEntitlementLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 100
	const g1, g2, g3 store.GuildID = 1001, 1002, 1003
	for _, g := range []store.GuildID{g1, g2, g3} {
		h.directory.setGuild(g, owner, nil)
	}
	h.billing.set(owner, Units{Premium: 2, Custom: 1})

	p1, err := h.engine.ProvisionKey(ctx, owner, license.ClassPremium)
	require.NoError(t, err)
	p2, err := h.engine.ProvisionKey(ctx, owner, license.ClassPremium)
	require.NoError(t, err)
	c1, err := h.engine.ProvisionKey(ctx, owner, license.ClassCustom)
	require.NoError(t, err)

	require.NoError(t, h.engine.BindKey(ctx, owner, g1, p1))
	require.NoError(t, h.engine.BindKey(ctx, owner, g2, p2))
	require.NoError(t, h.engine.BindKey(ctx, owner, g3, c1))
	require.NoError(t, h.engine.SetCustomToken(ctx, owner, g3, "custom-token"))
	h.engine.Wait()
	assert.Len(t, h.notifier.messages(), 3)
	h.notifier.reset()

	// Downgrade to one premium unit and no custom units.
	h.billing.set(owner, Units{Premium: 1})
	require.NoError(t, h.engine.ReconcileUserKeys(ctx, owner))
	h.engine.Wait()

	assert.True(t, h.entitlement(t, g1).HasPremium)
	assert.False(t, h.entitlement(t, g2).HasPremium)
	assert.False(t, h.entitlement(t, g3).HasCustom)
	_, found, err := h.store.CustomToken(ctx, g3)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, h.notifier.messages(), 2)

	// Upgrade restores everything.
	h.notifier.reset()
	h.billing.set(owner, Units{Premium: 2, Custom: 1})
	require.NoError(t, h.engine.ReconcileUserKeys(ctx, owner))
	h.engine.Wait()

	assert.True(t, h.entitlement(t, g2).HasPremium)
	assert.True(t, h.entitlement(t, g3).HasCustom)
	assert.Len(t, h.notifier.messages(), 2)
}

func TestMalformedKeyValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 17
	const guild store.GuildID = 170
	h.directory.setGuild(guild, owner, nil)

	for _, value := range []string{"", "pk_", "xx_00000000000000000000", "pk_ABCDEF0000000000000", "ck_0000"} {
		err := h.engine.BindKey(ctx, owner, guild, value)
		assert.ErrorIs(t, err, ErrKeyNotFound, value)
		assert.Equal(t, ErrorTypeValidation, TypeOf(err), value)

		_, err = h.engine.SetKeyDisabled(ctx, value, true)
		assert.ErrorIs(t, err, ErrKeyNotFound, value)

		_, err = h.engine.LookupKey(ctx, value)
		assert.ErrorIs(t, err, ErrKeyNotFound, value)

		assert.NoError(t, h.engine.DeleteKey(ctx, owner, value), value)
	}
}

func TestLookupKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.insertKey(t, 18, license.ClassCustom)

	got, err := h.engine.LookupKey(ctx, " "+key.Value+" ")
	require.NoError(t, err)
	assert.Equal(t, key.Value, got.Value)
	assert.Equal(t, store.UserID(18), got.Owner)

	_, err = h.engine.LookupKey(ctx, "ck_00000000000000000000")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCheckAdministrator(t *testing.T) {
	h := newHarness(t)
	h.directory.admins[19] = true

	assert.NoError(t, h.engine.CheckAdministrator(context.Background(), 19))
	err := h.engine.CheckAdministrator(context.Background(), 20)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, ErrorTypePermission, TypeOf(err))
}
