package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"guild-entitlements/internal/benefits"
	"guild-entitlements/internal/license"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrKeyInUse     = errors.New("key already bound to a guild")
	ErrKeyDisabled  = errors.New("key is disabled")
	ErrKeyCollision = errors.New("key collision, try again")
)

// UserID and GuildID are chat-platform snowflakes.
type (
	UserID  uint64
	GuildID uint64
)

func (u UserID) String() string  { return strconv.FormatUint(uint64(u), 10) }
func (g GuildID) String() string { return strconv.FormatUint(uint64(g), 10) }

func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return UserID(n), err
}

func ParseGuildID(s string) (GuildID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	return GuildID(n), err
}

type LicenseKey struct {
	Value     string        `json:"value"`
	Class     license.Class `json:"class"`
	Owner     UserID        `json:"owner,string"`
	Disabled  bool          `json:"disabled"`
	Sequence  uint64        `json:"sequence"`
	CreatedAt time.Time     `json:"created_at"`
}

// KeyInfo is a key together with its binding, if any.
type KeyInfo struct {
	LicenseKey
	Guild GuildID `json:"guild,string,omitempty"`
	Bound bool    `json:"bound"`
}

// KeyChange records a key whose disabled flag was flipped by reconciliation.
type KeyChange struct {
	Key   LicenseKey
	Guild GuildID
	Bound bool
}

type GuildEntitlement struct {
	Guild      GuildID   `json:"guild,string"`
	HasPremium bool      `json:"has_premium"`
	HasCustom  bool      `json:"has_custom"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Same compares the entitlement flags only.
func (e GuildEntitlement) Same(o GuildEntitlement) bool {
	return e.HasPremium == o.HasPremium && e.HasCustom == o.HasCustom
}

// UserPreferences holds per-user notification settings. Nil means unset.
type UserPreferences struct {
	NotifyOwnedGuild   *bool `json:"notify_owned_guild,omitempty"`
	NotifyManagedGuild *bool `json:"notify_managed_guild,omitempty"`
}

// NotifyOwned defaults to true when unset.
func (p UserPreferences) NotifyOwned() bool {
	return p.NotifyOwnedGuild == nil || *p.NotifyOwnedGuild
}

// NotifyManaged defaults to false when unset.
func (p UserPreferences) NotifyManaged() bool {
	return p.NotifyManagedGuild != nil && *p.NotifyManagedGuild
}

// DecideFunc receives an owner's keys oldest-first and returns the desired
// disabled flag for each, index-aligned.
type DecideFunc func(keys []LicenseKey) []bool

type Store interface {
	Close() error

	InsertKey(ctx context.Context, key LicenseKey) (LicenseKey, error)
	GetKey(ctx context.Context, value string) (LicenseKey, error)
	ListOwnerKeys(ctx context.Context, owner UserID) ([]KeyInfo, error)
	DeleteKey(ctx context.Context, owner UserID, value string) (deleted bool, binding *GuildID, err error)
	SetKeyDisabled(ctx context.Context, value string, disabled bool) (KeyInfo, error)
	ReconcileOwnerKeys(ctx context.Context, owner UserID, decide DecideFunc) ([]KeyChange, error)

	BindKey(ctx context.Context, value string, guild GuildID) error
	UnbindKey(ctx context.Context, guild GuildID, value string) (bool, error)
	EnabledGuildKeys(ctx context.Context, guild GuildID) ([]LicenseKey, error)

	GuildEntitlement(ctx context.Context, guild GuildID) (GuildEntitlement, error)
	PutGuildEntitlement(ctx context.Context, ent GuildEntitlement) error

	LimitOverride(ctx context.Context, guild GuildID, benefit string) (benefits.Value, bool, error)
	SetLimitOverride(ctx context.Context, guild GuildID, benefit string, value *benefits.Value) error
	LimitOverrides(ctx context.Context, guild GuildID) (map[string]benefits.Value, error)

	CustomToken(ctx context.Context, guild GuildID) (string, bool, error)
	SetCustomToken(ctx context.Context, guild GuildID, token string) error
	DeleteCustomToken(ctx context.Context, guild GuildID) (bool, error)

	Preferences(ctx context.Context, user UserID) (UserPreferences, error)
	SetPreferences(ctx context.Context, user UserID, prefs UserPreferences) error
}
