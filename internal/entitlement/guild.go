package entitlement

import (
	"context"

	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"
)

// change is one observed transition of a guild's entitlement flags.
type change struct {
	guild  store.GuildID
	before store.GuildEntitlement
	after  store.GuildEntitlement
	client ClientRef
}

func (c change) premiumGained() bool { return !c.before.HasPremium && c.after.HasPremium }
func (c change) premiumLost() bool   { return c.before.HasPremium && !c.after.HasPremium }
func (c change) customGained() bool  { return !c.before.HasCustom && c.after.HasCustom }
func (c change) customLost() bool    { return c.before.HasCustom && !c.after.HasCustom }

// RecalculateGuildEntitlement derives guild's flags from its enabled bound
// keys and persists them when they differ from the stored state. If a bot
// currently serves the guild, notifications and custom token teardown run
// in the background; their outcome never reaches the caller.
//
// Calls for the same guild are serialised.
func (e *Engine) RecalculateGuildEntitlement(ctx context.Context, guild store.GuildID) error {
	const op = "recalculate guild entitlement"
	unlock := e.locks.Lock(guild)
	defer unlock()

	keys, err := e.store.EnabledGuildKeys(ctx, guild)
	if err != nil {
		e.metrics.recalculations.WithLabelValues("error").Inc()
		return newError(ErrorTypeExternal, op, err)
	}
	next := store.GuildEntitlement{Guild: guild}
	for _, k := range keys {
		switch k.Class {
		case license.ClassPremium:
			next.HasPremium = true
		case license.ClassCustom:
			next.HasCustom = true
		}
	}

	prev, err := e.store.GuildEntitlement(ctx, guild)
	if err != nil {
		e.metrics.recalculations.WithLabelValues("error").Inc()
		return newError(ErrorTypeExternal, op, err)
	}
	if prev.Same(next) {
		e.metrics.recalculations.WithLabelValues("unchanged").Inc()
		return nil
	}

	client, found, err := e.directory.ServingClient(ctx, guild)
	if err != nil {
		e.logger.Warn().Err(err).Stringer("guild", guild).Msg("serving client lookup failed, skipping side effects")
		found = false
	}

	if err := e.store.PutGuildEntitlement(ctx, next); err != nil {
		e.metrics.recalculations.WithLabelValues("error").Inc()
		return newError(ErrorTypeExternal, op, err)
	}
	e.metrics.recalculations.WithLabelValues("changed").Inc()
	e.logger.Info().
		Stringer("guild", guild).
		Bool("premium", next.HasPremium).
		Bool("custom", next.HasCustom).
		Bool("was_premium", prev.HasPremium).
		Bool("was_custom", prev.HasCustom).
		Msg("guild entitlement changed")

	if !found {
		return nil
	}

	c := change{guild: guild, before: prev, after: next, client: client}
	detached := context.WithoutCancel(ctx)
	e.spawn("guild entitlement side effects", func() {
		e.applySideEffects(detached, c)
	})
	return nil
}

// GuildEntitlement returns the stored flags for guild.
func (e *Engine) GuildEntitlement(ctx context.Context, guild store.GuildID) (store.GuildEntitlement, error) {
	ent, err := e.store.GuildEntitlement(ctx, guild)
	if err != nil {
		return store.GuildEntitlement{}, newError(ErrorTypeExternal, "get guild entitlement", err)
	}
	return ent, nil
}
