package entitlement

import (
	"context"
	"fmt"
	"strings"

	"guild-entitlements/internal/store"
)

// Units is the number of purchased subscription units per key class.
type Units struct {
	Premium int `json:"premium"`
	Custom  int `json:"custom"`
}

// ClientRef identifies the bot process currently serving a guild.
type ClientRef struct {
	BotID  uint64 `json:"bot_id,string"`
	Custom bool   `json:"custom"`
}

// PermissionLevel is ordered: a higher level satisfies every lower one.
type PermissionLevel uint8

const (
	PermissionNone PermissionLevel = iota
	PermissionManage
	PermissionAdmin
	PermissionOwner
)

func (l PermissionLevel) String() string {
	switch l {
	case PermissionManage:
		return "manage"
	case PermissionAdmin:
		return "admin"
	case PermissionOwner:
		return "owner"
	default:
		return "none"
	}
}

func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return PermissionNone, nil
	case "manage", "manage_guild":
		return PermissionManage, nil
	case "admin":
		return PermissionAdmin, nil
	case "owner", "owner_only":
		return PermissionOwner, nil
	default:
		return PermissionNone, fmt.Errorf("unknown permission level %q", s)
	}
}

// TokenChange announces a new custom-client token for a guild. A nil Token
// means the custom client must be torn down.
type TokenChange struct {
	Guild store.GuildID `json:"guild,string"`
	Token *string       `json:"token"`
}

type Billing interface {
	PurchasedUnits(ctx context.Context, owner store.UserID) (Units, error)
}

type Directory interface {
	ServingClient(ctx context.Context, guild store.GuildID) (ClientRef, bool, error)
	IsAdministrator(ctx context.Context, user store.UserID) (bool, error)
	DashboardPermissionLevel(ctx context.Context, guild store.GuildID) (PermissionLevel, error)
	MemberPermission(ctx context.Context, guild store.GuildID, user store.UserID) (PermissionLevel, error)
	GuildOwner(ctx context.Context, guild store.GuildID) (store.UserID, error)
	ManagersWithPermission(ctx context.Context, guild store.GuildID, level PermissionLevel) ([]store.UserID, error)
}

// Notifier delivers a direct message on a best-effort basis.
type Notifier interface {
	SendDirectMessage(ctx context.Context, via ClientRef, user store.UserID, content string) error
}

type TokenPublisher interface {
	Publish(ctx context.Context, ev TokenChange) error
}
