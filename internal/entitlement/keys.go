package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"
)

// ProvisionKey creates an enabled key of class for owner and reconciles the
// owner's keys before returning, so the key is only active if the owner's
// units allow it. If reconciliation fails the new key is left disabled and
// the error is returned alongside the key value.
func (e *Engine) ProvisionKey(ctx context.Context, owner store.UserID, class license.Class) (string, error) {
	const op = "provision key"
	if !class.Valid() {
		return "", newError(ErrorTypeValidation, op, fmt.Errorf("%w: unknown key class %q", ErrInvalidInput, class))
	}

	var key store.LicenseKey
	for attempt := 0; ; attempt++ {
		value, err := e.newKey(class)
		if err != nil {
			return "", newError(ErrorTypeExternal, op, err)
		}
		key, err = e.store.InsertKey(ctx, store.LicenseKey{Value: value, Class: class, Owner: owner})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrKeyCollision) || attempt+1 >= provisionAttempts {
			return "", newError(ErrorTypeExternal, op, err)
		}
	}
	e.logger.Info().Stringer("owner", owner).Str("key_class", string(class)).Uint64("sequence", key.Sequence).Msg("key provisioned")

	if err := e.ReconcileUserKeys(ctx, owner); err != nil {
		if _, derr := e.store.SetKeyDisabled(context.WithoutCancel(ctx), key.Value, true); derr != nil {
			e.logger.Error().Err(derr).Stringer("owner", owner).Msg("could not park unreconciled key")
		}
		return key.Value, err
	}
	return key.Value, nil
}

// DeleteKey removes owner's key. Deleting a key owner does not hold is a
// no-op. Only the guild the key was bound to is recalculated.
func (e *Engine) DeleteKey(ctx context.Context, owner store.UserID, value string) error {
	value = strings.TrimSpace(value)
	if !license.WellFormed(value) {
		return nil
	}
	deleted, bound, err := e.store.DeleteKey(ctx, owner, value)
	if err != nil {
		return newError(ErrorTypeExternal, "delete key", err)
	}
	if !deleted {
		return nil
	}
	e.logger.Info().Stringer("owner", owner).Msg("key deleted")
	if bound == nil {
		return nil
	}
	return e.RecalculateGuildEntitlement(ctx, *bound)
}

// BindKey binds key to guild on behalf of actor.
func (e *Engine) BindKey(ctx context.Context, actor store.UserID, guild store.GuildID, value string) error {
	const op = "bind key"
	value = strings.TrimSpace(value)
	if !license.WellFormed(value) {
		return newError(ErrorTypeValidation, op, ErrKeyNotFound)
	}
	if err := e.checkPermission(ctx, op, actor, guild); err != nil {
		return err
	}

	err := e.store.BindKey(ctx, value, guild)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return newError(ErrorTypeValidation, op, ErrKeyNotFound)
	case errors.Is(err, store.ErrKeyDisabled):
		return newError(ErrorTypeValidation, op, ErrKeyDisabled)
	case errors.Is(err, store.ErrKeyInUse):
		return newError(ErrorTypeConflict, op, ErrKeyInUse)
	default:
		return newError(ErrorTypeExternal, op, err)
	}
	e.logger.Info().Stringer("actor", actor).Stringer("guild", guild).Msg("key bound")
	return e.RecalculateGuildEntitlement(ctx, guild)
}

// UnbindKey removes key's binding to guild, if any, and recalculates guild.
func (e *Engine) UnbindKey(ctx context.Context, actor store.UserID, guild store.GuildID, value string) error {
	const op = "unbind key"
	if err := e.checkPermission(ctx, op, actor, guild); err != nil {
		return err
	}
	removed, err := e.store.UnbindKey(ctx, guild, strings.TrimSpace(value))
	if err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if removed {
		e.logger.Info().Stringer("actor", actor).Stringer("guild", guild).Msg("key unbound")
	}
	return e.RecalculateGuildEntitlement(ctx, guild)
}

// ListKeys returns owner's keys oldest-first.
func (e *Engine) ListKeys(ctx context.Context, owner store.UserID) ([]store.KeyInfo, error) {
	keys, err := e.store.ListOwnerKeys(ctx, owner)
	if err != nil {
		return nil, newError(ErrorTypeExternal, "list keys", err)
	}
	return keys, nil
}

// SetKeyDisabled is the explicit admin switch for a key. The next
// reconciliation of the owner may flip it again.
func (e *Engine) SetKeyDisabled(ctx context.Context, value string, disabled bool) (store.KeyInfo, error) {
	const op = "set key disabled"
	value = strings.TrimSpace(value)
	if !license.WellFormed(value) {
		return store.KeyInfo{}, newError(ErrorTypeValidation, op, ErrKeyNotFound)
	}
	info, err := e.store.SetKeyDisabled(ctx, value, disabled)
	if errors.Is(err, store.ErrNotFound) {
		return store.KeyInfo{}, newError(ErrorTypeValidation, op, ErrKeyNotFound)
	}
	if err != nil {
		return store.KeyInfo{}, newError(ErrorTypeExternal, op, err)
	}
	if info.Bound {
		if err := e.RecalculateGuildEntitlement(ctx, info.Guild); err != nil {
			return info, err
		}
	}
	return info, nil
}

// LookupKey returns the stored key with the given value.
func (e *Engine) LookupKey(ctx context.Context, value string) (store.LicenseKey, error) {
	const op = "lookup key"
	value = strings.TrimSpace(value)
	if !license.WellFormed(value) {
		return store.LicenseKey{}, newError(ErrorTypeValidation, op, ErrKeyNotFound)
	}
	key, err := e.store.GetKey(ctx, value)
	if errors.Is(err, store.ErrNotFound) {
		return store.LicenseKey{}, newError(ErrorTypeValidation, op, ErrKeyNotFound)
	}
	if err != nil {
		return store.LicenseKey{}, newError(ErrorTypeExternal, op, err)
	}
	return key, nil
}

// CheckAdministrator fails with a permission error unless actor is a
// service administrator.
func (e *Engine) CheckAdministrator(ctx context.Context, actor store.UserID) error {
	const op = "check administrator"
	admin, err := e.directory.IsAdministrator(ctx, actor)
	if err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if !admin {
		return newError(ErrorTypePermission, op, ErrPermissionDenied)
	}
	return nil
}

func (e *Engine) checkPermission(ctx context.Context, op string, actor store.UserID, guild store.GuildID) error {
	required, err := e.directory.DashboardPermissionLevel(ctx, guild)
	if err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if required < PermissionManage {
		required = PermissionManage
	}
	held, err := e.directory.MemberPermission(ctx, guild, actor)
	if err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if held < required {
		return newError(ErrorTypePermission, op, ErrPermissionDenied)
	}
	return nil
}
