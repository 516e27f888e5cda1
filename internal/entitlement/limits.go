package entitlement

import (
	"context"
	"fmt"

	"guild-entitlements/internal/benefits"
	"guild-entitlements/internal/store"
)

// ResolveLimit returns guild's override for benefit if one is set, else the
// value for the guild's tier. A guild with no stored state is Free.
func (e *Engine) ResolveLimit(ctx context.Context, guild store.GuildID, benefit string) (benefits.Value, error) {
	const op = "resolve limit"
	v, found, err := e.store.LimitOverride(ctx, guild, benefit)
	if err != nil {
		return benefits.Value{}, newError(ErrorTypeExternal, op, err)
	}
	if found {
		return v, nil
	}

	ent, err := e.store.GuildEntitlement(ctx, guild)
	if err != nil {
		return benefits.Value{}, newError(ErrorTypeExternal, op, err)
	}
	v, ok := e.benefits.Lookup(benefits.TierFor(ent.HasPremium), benefit)
	if !ok {
		return benefits.Value{}, newError(ErrorTypeValidation, op, fmt.Errorf("%w %q", ErrUnknownBenefit, benefit))
	}
	return v, nil
}

// SetLimitOverride stores value for (guild, benefit). A nil value removes
// the override. The value's kind must match the benefit's.
func (e *Engine) SetLimitOverride(ctx context.Context, guild store.GuildID, benefit string, value *benefits.Value) error {
	const op = "set limit override"
	def, ok := e.benefits.Lookup(benefits.TierFree, benefit)
	if !ok {
		return newError(ErrorTypeValidation, op, fmt.Errorf("%w %q", ErrUnknownBenefit, benefit))
	}
	if value != nil && value.Kind != def.Kind {
		return newError(ErrorTypeValidation, op, fmt.Errorf("%w: %s takes a value like %s", ErrInvalidInput, benefit, def))
	}
	if err := e.store.SetLimitOverride(ctx, guild, benefit, value); err != nil {
		return newError(ErrorTypeExternal, op, err)
	}
	evt := e.logger.Info().Stringer("guild", guild).Str("benefit", benefit)
	if value == nil {
		evt.Msg("limit override cleared")
	} else {
		evt.Stringer("value", value).Msg("limit override set")
	}
	return nil
}

func (e *Engine) LimitOverrides(ctx context.Context, guild store.GuildID) (map[string]benefits.Value, error) {
	out, err := e.store.LimitOverrides(ctx, guild)
	if err != nil {
		return nil, newError(ErrorTypeExternal, "list limit overrides", err)
	}
	return out, nil
}
