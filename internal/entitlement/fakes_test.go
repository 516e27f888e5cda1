package entitlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"guild-entitlements/internal/broadcast"
	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"

	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("upstream unavailable")

type fakeBilling struct {
	mu    sync.Mutex
	units map[store.UserID]Units
	err   error
	calls int
}

func (f *fakeBilling) PurchasedUnits(_ context.Context, owner store.UserID) (Units, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Units{}, f.err
	}
	return f.units[owner], nil
}

func (f *fakeBilling) set(owner store.UserID, u Units) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[owner] = u
}

type fakeGuild struct {
	owner   store.UserID
	level   PermissionLevel
	members map[store.UserID]PermissionLevel
	client  *ClientRef
}

type fakeDirectory struct {
	mu     sync.Mutex
	admins map[store.UserID]bool
	guilds map[store.GuildID]*fakeGuild
	err    error
}

func (f *fakeDirectory) guild(id store.GuildID) *fakeGuild {
	g, ok := f.guilds[id]
	if !ok {
		g = &fakeGuild{level: PermissionManage, members: map[store.UserID]PermissionLevel{}}
		f.guilds[id] = g
	}
	return g
}

func (f *fakeDirectory) ServingClient(_ context.Context, guild store.GuildID) (ClientRef, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ClientRef{}, false, f.err
	}
	g := f.guild(guild)
	if g.client == nil {
		return ClientRef{}, false, nil
	}
	return *g.client, true, nil
}

func (f *fakeDirectory) IsAdministrator(_ context.Context, user store.UserID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[user], nil
}

func (f *fakeDirectory) DashboardPermissionLevel(_ context.Context, guild store.GuildID) (PermissionLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guild(guild).level, nil
}

func (f *fakeDirectory) MemberPermission(_ context.Context, guild store.GuildID, user store.UserID) (PermissionLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.guild(guild)
	if user == g.owner {
		return PermissionOwner, nil
	}
	return g.members[user], nil
}

func (f *fakeDirectory) GuildOwner(_ context.Context, guild store.GuildID) (store.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guild(guild).owner, nil
}

func (f *fakeDirectory) ManagersWithPermission(_ context.Context, guild store.GuildID, level PermissionLevel) ([]store.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.guild(guild)
	out := []store.UserID{g.owner}
	for u, l := range g.members {
		if l >= level {
			out = append(out, u)
		}
	}
	return out, nil
}

// setGuild configures a guild served by a bot, owned by owner.
func (f *fakeDirectory) setGuild(id store.GuildID, owner store.UserID, members map[store.UserID]PermissionLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.guild(id)
	g.owner = owner
	g.client = &ClientRef{BotID: 1}
	for u, l := range members {
		g.members[u] = l
	}
}

func (f *fakeDirectory) setServed(id store.GuildID, served bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.guild(id)
	if served {
		g.client = &ClientRef{BotID: 1}
	} else {
		g.client = nil
	}
}

type sentMessage struct {
	user    store.UserID
	content string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[store.UserID]bool
}

func (f *fakeNotifier) SendDirectMessage(_ context.Context, _ ClientRef, user store.UserID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[user] {
		return errors.New("cannot send messages to this user")
	}
	f.sent = append(f.sent, sentMessage{user: user, content: content})
	return nil
}

func (f *fakeNotifier) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeNotifier) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type harness struct {
	engine    *Engine
	store     *store.BBoltStore
	billing   *fakeBilling
	directory *fakeDirectory
	notifier  *fakeNotifier
	tokens    *broadcast.Broadcaster[TokenChange]
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	h := &harness{
		store:     st,
		billing:   &fakeBilling{units: map[store.UserID]Units{}},
		directory: &fakeDirectory{admins: map[store.UserID]bool{}, guilds: map[store.GuildID]*fakeGuild{}},
		notifier:  &fakeNotifier{fail: map[store.UserID]bool{}},
		tokens:    broadcast.New[TokenChange](16),
	}
	h.engine = New(st, h.billing, h.directory, h.notifier, h.tokens, opts...)
	t.Cleanup(func() {
		_ = h.engine.Close()
		h.tokens.Close()
		_ = st.Close()
	})
	return h
}

// insertKey adds a key directly to the store, bypassing reconciliation.
func (h *harness) insertKey(t *testing.T, owner store.UserID, class license.Class) store.LicenseKey {
	t.Helper()
	value, err := license.NewKey(class)
	require.NoError(t, err)
	key, err := h.store.InsertKey(context.Background(), store.LicenseKey{Value: value, Class: class, Owner: owner})
	require.NoError(t, err)
	return key
}

func (h *harness) disabled(t *testing.T, value string) bool {
	t.Helper()
	key, err := h.store.GetKey(context.Background(), value)
	require.NoError(t, err)
	return key.Disabled
}

func (h *harness) entitlement(t *testing.T, guild store.GuildID) store.GuildEntitlement {
	t.Helper()
	ent, err := h.store.GuildEntitlement(context.Background(), guild)
	require.NoError(t, err)
	return ent
}
