package entitlement

import (
	"context"

	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"
)

// ReconcileUserKeys enables the oldest keys of each class up to the owner's
// purchased units and disables the rest. Administrators are exempt: their
// disabled keys are enabled and none of their keys is ever disabled here.
//
// A billing or store failure aborts before anything is written. Guild
// recalculation failures afterwards are logged and do not fail the call.
func (e *Engine) ReconcileUserKeys(ctx context.Context, owner store.UserID) error {
	const op = "reconcile user keys"
	logger := e.logger.With().Stringer("owner", owner).Logger()

	admin, err := e.directory.IsAdministrator(ctx, owner)
	if err != nil {
		e.metrics.reconciliations.WithLabelValues("error").Inc()
		return newError(ErrorTypeExternal, op, err)
	}

	var decide store.DecideFunc
	if admin {
		decide = func(keys []store.LicenseKey) []bool {
			return make([]bool, len(keys))
		}
	} else {
		units, err := e.billing.PurchasedUnits(ctx, owner)
		if err != nil {
			e.metrics.reconciliations.WithLabelValues("error").Inc()
			return newError(ErrorTypeExternal, op, err)
		}
		decide = func(keys []store.LicenseKey) []bool {
			return selectDisabled(keys, units)
		}
	}

	changes, err := e.store.ReconcileOwnerKeys(ctx, owner, decide)
	if err != nil {
		e.metrics.reconciliations.WithLabelValues("error").Inc()
		return newError(ErrorTypeExternal, op, err)
	}
	if len(changes) == 0 {
		e.metrics.reconciliations.WithLabelValues("unchanged").Inc()
		return nil
	}
	e.metrics.reconciliations.WithLabelValues("changed").Inc()

	var guilds []store.GuildID
	seen := make(map[store.GuildID]struct{})
	for _, c := range changes {
		action := "enabled"
		if c.Key.Disabled {
			action = "disabled"
		}
		e.metrics.keyChanges.WithLabelValues(action).Inc()
		logger.Info().Str("key_class", string(c.Key.Class)).Uint64("sequence", c.Key.Sequence).Str("action", action).Msg("key state reconciled")

		if !c.Bound {
			continue
		}
		if _, ok := seen[c.Guild]; ok {
			continue
		}
		seen[c.Guild] = struct{}{}
		guilds = append(guilds, c.Guild)
	}

	for _, guild := range guilds {
		if err := e.RecalculateGuildEntitlement(ctx, guild); err != nil {
			logger.Warn().Err(err).Stringer("guild", guild).Msg("guild recalculation after reconcile failed")
		}
	}
	return nil
}

// selectDisabled walks keys oldest-first and keeps the first quota keys of
// each class active. The result is the desired disabled flag per key.
func selectDisabled(keys []store.LicenseKey, units Units) []bool {
	remaining := map[license.Class]int{
		license.ClassPremium: units.Premium,
		license.ClassCustom:  units.Custom,
	}
	out := make([]bool, len(keys))
	for i, key := range keys {
		if remaining[key.Class] > 0 {
			remaining[key.Class]--
			continue
		}
		out[i] = true
	}
	return out
}
