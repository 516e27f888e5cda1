package entitlement

import (
	"context"
	"fmt"
	"strings"

	"guild-entitlements/internal/store"
)

// SetCustomToken registers the custom client token for guild and announces
// it. The guild must currently hold the custom entitlement.
func (e *Engine) SetCustomToken(ctx context.Context, actor store.UserID, guild store.GuildID, token string) error {
	const op = "set custom token"
	if err := e.checkPermission(ctx, op, actor, guild); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return newError(ErrorTypeValidation, op, fmt.Errorf("%w: token is empty", ErrInvalidInput))
	}

	unlock := e.locks.Lock(guild)
	defer unlock()

	ent, err := e.store.GuildEntitlement(ctx, guild)
	if err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if !ent.HasCustom {
		return newError(ErrorTypeValidation, op, ErrCustomRequired)
	}
	if err := e.store.SetCustomToken(ctx, guild, token); err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if err := e.tokens.Publish(ctx, TokenChange{Guild: guild, Token: &token}); err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	e.logger.Info().Stringer("actor", actor).Stringer("guild", guild).Msg("custom token set")
	return nil
}

// HasCustomToken reports whether a custom client token is registered for
// guild. The token itself is never returned.
func (e *Engine) HasCustomToken(ctx context.Context, guild store.GuildID) (bool, error) {
	_, found, err := e.store.CustomToken(ctx, guild)
	if err != nil {
		return false, newError(ErrorTypeExternal, "get custom token", err)
	}
	return found, nil
}

// RemoveCustomToken deletes guild's custom client token and announces the
// teardown.
func (e *Engine) RemoveCustomToken(ctx context.Context, actor store.UserID, guild store.GuildID) error {
	const op = "remove custom token"
	if err := e.checkPermission(ctx, op, actor, guild); err != nil {
		return err
	}

	unlock := e.locks.Lock(guild)
	defer unlock()

	existed, err := e.store.DeleteCustomToken(ctx, guild)
	if err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	if !existed {
		return nil
	}
	if err := e.tokens.Publish(ctx, TokenChange{Guild: guild}); err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	e.logger.Info().Stringer("actor", actor).Stringer("guild", guild).Msg("custom token removed")
	return nil
}
