package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecalculateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 20
	const guild store.GuildID = 200
	h.directory.setGuild(guild, owner, nil)

	key := h.insertKey(t, owner, license.ClassPremium)
	require.NoError(t, h.store.BindKey(ctx, key.Value, guild))

	require.NoError(t, h.engine.RecalculateGuildEntitlement(ctx, guild))
	h.engine.Wait()
	require.Len(t, h.notifier.messages(), 1)
	assert.True(t, h.entitlement(t, guild).HasPremium)

	require.NoError(t, h.engine.RecalculateGuildEntitlement(ctx, guild))
	h.engine.Wait()
	assert.Len(t, h.notifier.messages(), 1, "second call must not have side effects")
}

func TestRecalculateWithoutServingClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 21
	const guild store.GuildID = 201
	h.directory.setGuild(guild, owner, nil)
	h.directory.setServed(guild, false)

	key := h.insertKey(t, owner, license.ClassCustom)
	require.NoError(t, h.store.BindKey(ctx, key.Value, guild))
	require.NoError(t, h.engine.RecalculateGuildEntitlement(ctx, guild))
	require.NoError(t, h.store.SetCustomToken(ctx, guild, "token"))

	_, err := h.store.SetKeyDisabled(ctx, key.Value, true)
	require.NoError(t, err)
	require.NoError(t, h.engine.RecalculateGuildEntitlement(ctx, guild))
	h.engine.Wait()

	assert.False(t, h.entitlement(t, guild).HasCustom, "state is recorded without a client")
	assert.Empty(t, h.notifier.messages())
	_, found, err := h.store.CustomToken(ctx, guild)
	require.NoError(t, err)
	assert.True(t, found, "no teardown without a serving client")
}

func TestTokenTeardownOnCustomLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 22
	const guild store.GuildID = 202
	h.directory.setGuild(guild, owner, nil)
	h.billing.set(owner, Units{Custom: 1})

	sub := h.tokens.Subscribe()
	value, err := h.engine.ProvisionKey(ctx, owner, license.ClassCustom)
	require.NoError(t, err)
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, value))
	require.True(t, h.entitlement(t, guild).HasCustom)
	require.NoError(t, h.engine.SetCustomToken(ctx, owner, guild, "bot-token"))

	ev := <-sub.C
	require.NotNil(t, ev.Token)
	assert.Equal(t, "bot-token", *ev.Token)

	require.NoError(t, h.engine.DeleteKey(ctx, owner, value))
	h.engine.Wait()

	assert.False(t, h.entitlement(t, guild).HasCustom)
	_, found, err := h.store.CustomToken(ctx, guild)
	require.NoError(t, err)
	assert.False(t, found)

	select {
	case ev := <-sub.C:
		assert.Equal(t, guild, ev.Guild)
		assert.Nil(t, ev.Token)
	case <-time.After(time.Second):
		t.Fatal("expected a teardown event")
	}
}

func TestTeardownRunsWhenNotificationsFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 23
	const guild store.GuildID = 203
	h.directory.setGuild(guild, owner, nil)
	h.notifier.fail[owner] = true

	key := h.insertKey(t, owner, license.ClassCustom)
	require.NoError(t, h.store.BindKey(ctx, key.Value, guild))
	require.NoError(t, h.store.PutGuildEntitlement(ctx, store.GuildEntitlement{Guild: guild, HasCustom: true}))
	require.NoError(t, h.store.SetCustomToken(ctx, guild, "bot-token"))

	sub := h.tokens.Subscribe()
	require.NoError(t, h.engine.UnbindKey(ctx, owner, guild, key.Value))
	h.engine.Wait()

	ev := <-sub.C
	assert.Nil(t, ev.Token)
	_, found, err := h.store.CustomToken(ctx, guild)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTeardownRunsWhenNotifierPanics(t *testing.T) {
	h := newHarness(t)
	h.engine.notifier = panicNotifier{}
	ctx := context.Background()
	const owner store.UserID = 24
	const guild store.GuildID = 204
	h.directory.setGuild(guild, owner, nil)

	require.NoError(t, h.store.PutGuildEntitlement(ctx, store.GuildEntitlement{Guild: guild, HasCustom: true}))
	require.NoError(t, h.store.SetCustomToken(ctx, guild, "bot-token"))

	require.NoError(t, h.engine.RecalculateGuildEntitlement(ctx, guild))
	h.engine.Wait()

	_, found, err := h.store.CustomToken(ctx, guild)
	require.NoError(t, err)
	assert.False(t, found)
}

// gatedNotifier holds every direct message until release is closed.
type gatedNotifier struct {
	release chan struct{}
}

func (g gatedNotifier) SendDirectMessage(ctx context.Context, _ ClientRef, _ store.UserID, _ string) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDelayedTeardownKeepsTokenOfRegainedCustom(t *testing.T) {
	h := newHarness(t)
	gate := gatedNotifier{release: make(chan struct{})}
	h.engine.notifier = gate
	ctx := context.Background()
	const owner store.UserID = 25
	const guild store.GuildID = 205
	h.directory.setGuild(guild, owner, nil)

	key := h.insertKey(t, owner, license.ClassCustom)
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, key.Value))
	// Custom is lost; its teardown waits behind the held messages.
	require.NoError(t, h.engine.UnbindKey(ctx, owner, guild, key.Value))
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, key.Value))
	require.True(t, h.entitlement(t, guild).HasCustom)

	sub := h.tokens.Subscribe()
	defer h.tokens.Unsubscribe(sub.ID)
	require.NoError(t, h.engine.SetCustomToken(ctx, owner, guild, "fresh-token"))

	close(gate.release)
	h.engine.Wait()

	token, found, err := h.store.CustomToken(ctx, guild)
	require.NoError(t, err)
	require.True(t, found, "token of a guild holding custom must survive")
	assert.Equal(t, "fresh-token", token)

	require.Len(t, sub.C, 1)
	ev := <-sub.C
	require.NotNil(t, ev.Token)
	assert.Equal(t, "fresh-token", *ev.Token)
}

type panicNotifier struct{}

func (panicNotifier) SendDirectMessage(context.Context, ClientRef, store.UserID, string) error {
	panic("boom")
}

func TestRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 30
	const guild store.GuildID = 300
	yes, no := true, false

	h.directory.setGuild(guild, owner, map[store.UserID]PermissionLevel{
		31: PermissionAdmin,  // opted in
		32: PermissionAdmin,  // never set, default off
		33: PermissionManage, // opted in but below the configured level
		34: PermissionAdmin,  // opted out
	})
	h.directory.guilds[guild].level = PermissionAdmin
	require.NoError(t, h.store.SetPreferences(ctx, 31, store.UserPreferences{NotifyManagedGuild: &yes}))
	require.NoError(t, h.store.SetPreferences(ctx, 33, store.UserPreferences{NotifyManagedGuild: &yes}))
	require.NoError(t, h.store.SetPreferences(ctx, 34, store.UserPreferences{NotifyManagedGuild: &no}))

	got := h.engine.recipients(ctx, guild)
	assert.ElementsMatch(t, []store.UserID{owner, 31}, got)

	// Owner opting out of owned-guild notices is respected.
	require.NoError(t, h.store.SetPreferences(ctx, owner, store.UserPreferences{NotifyOwnedGuild: &no, NotifyManagedGuild: &yes}))
	got = h.engine.recipients(ctx, guild)
	assert.ElementsMatch(t, []store.UserID{31}, got)
}

func TestOneRecipientFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 40
	const guild store.GuildID = 400
	yes := true
	h.directory.setGuild(guild, owner, map[store.UserID]PermissionLevel{41: PermissionManage, 42: PermissionManage})
	require.NoError(t, h.store.SetPreferences(ctx, 41, store.UserPreferences{NotifyManagedGuild: &yes}))
	require.NoError(t, h.store.SetPreferences(ctx, 42, store.UserPreferences{NotifyManagedGuild: &yes}))
	h.notifier.fail[41] = true

	key := h.insertKey(t, owner, license.ClassPremium)
	require.NoError(t, h.engine.BindKey(ctx, owner, guild, key.Value))
	h.engine.Wait()

	var users []store.UserID
	for _, m := range h.notifier.messages() {
		users = append(users, m.user)
	}
	assert.ElementsMatch(t, []store.UserID{owner, 42}, users)
}

func TestConcurrentRecalculationsNotifyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner store.UserID = 50
	const guild store.GuildID = 500
	h.directory.setGuild(guild, owner, nil)

	key := h.insertKey(t, owner, license.ClassPremium)
	require.NoError(t, h.store.BindKey(ctx, key.Value, guild))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.RecalculateGuildEntitlement(ctx, guild))
		}()
	}
	wg.Wait()
	h.engine.Wait()

	assert.Len(t, h.notifier.messages(), 1)
	assert.Zero(t, h.engine.locks.size())
}

func TestComposeMessage(t *testing.T) {
	c := change{
		guild:  7,
		before: store.GuildEntitlement{HasPremium: false, HasCustom: true},
		after:  store.GuildEntitlement{HasPremium: true, HasCustom: false},
	}
	msg := composeMessage(c)
	assert.Contains(t, msg, "server 7")
	assert.Contains(t, msg, "Premium has been activated.")
	assert.Contains(t, msg, "The custom bot has been deactivated")
	assert.NotContains(t, msg, "Premium has been deactivated.")

	assert.Empty(t, composeMessage(change{guild: 7}))

	c = change{before: store.GuildEntitlement{HasPremium: true}, after: store.GuildEntitlement{HasCustom: true}}
	msg = composeMessage(c)
	assert.Contains(t, msg, "Premium has been deactivated.")
	assert.Contains(t, msg, "The custom bot has been activated.")
}
