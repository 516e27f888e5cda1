package entitlement

import (
	"context"
	"fmt"
	"strings"

	"guild-entitlements/internal/store"

	"golang.org/x/sync/errgroup"
)

// applySideEffects notifies recipients about c and, whatever happens while
// notifying, tears down the custom token if the custom entitlement was lost.
func (e *Engine) applySideEffects(ctx context.Context, c change) {
	defer func() {
		if c.customLost() {
			e.teardownCustomToken(ctx, c.guild)
		}
	}()

	msg := composeMessage(c)
	if msg == "" {
		return
	}
	e.deliver(ctx, c.client, e.recipients(ctx, c.guild), msg)
}

// recipients returns the guild owner if they want owned-guild notices, and
// every other member at the configured dashboard level who opted in to
// managed-guild notices.
func (e *Engine) recipients(ctx context.Context, guild store.GuildID) []store.UserID {
	logger := e.logger.With().Stringer("guild", guild).Logger()
	var out []store.UserID
	seen := make(map[store.UserID]struct{})

	owner, err := e.directory.GuildOwner(ctx, guild)
	if err != nil {
		logger.Warn().Err(err).Msg("guild owner lookup failed")
	} else {
		seen[owner] = struct{}{}
		prefs, err := e.store.Preferences(ctx, owner)
		if err != nil {
			logger.Warn().Err(err).Stringer("user", owner).Msg("preferences lookup failed")
		} else if prefs.NotifyOwned() {
			out = append(out, owner)
		}
	}

	level, err := e.directory.DashboardPermissionLevel(ctx, guild)
	if err != nil {
		logger.Warn().Err(err).Msg("dashboard permission lookup failed")
		return out
	}
	managers, err := e.directory.ManagersWithPermission(ctx, guild, level)
	if err != nil {
		logger.Warn().Err(err).Msg("manager lookup failed")
		return out
	}
	for _, m := range managers {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		prefs, err := e.store.Preferences(ctx, m)
		if err != nil {
			logger.Warn().Err(err).Stringer("user", m).Msg("preferences lookup failed")
			continue
		}
		if prefs.NotifyManaged() {
			out = append(out, m)
		}
	}
	return out
}

// deliver sends msg to every recipient. A failed or panicking send is
// logged and does not affect the others.
func (e *Engine) deliver(ctx context.Context, via ClientRef, recipients []store.UserID, msg string) {
	var g errgroup.Group
	g.SetLimit(e.notifyConcurrency)
	for _, user := range recipients {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.metrics.notifications.WithLabelValues("failed").Inc()
					e.logger.Error().Stringer("user", user).Interface("panic", r).Msg("direct message panicked")
				}
			}()
			if err := e.notifier.SendDirectMessage(ctx, via, user, msg); err != nil {
				e.metrics.notifications.WithLabelValues("failed").Inc()
				e.logger.Debug().Err(err).Stringer("user", user).Msg("direct message not delivered")
				return nil
			}
			e.metrics.notifications.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// teardownCustomToken removes guild's custom token unless the guild has
// regained the custom entitlement since the change that triggered it.
func (e *Engine) teardownCustomToken(ctx context.Context, guild store.GuildID) {
	logger := e.logger.With().Stringer("guild", guild).Logger()
	unlock := e.locks.Lock(guild)
	defer unlock()

	ent, err := e.store.GuildEntitlement(ctx, guild)
	if err != nil {
		logger.Error().Err(err).Msg("entitlement lookup before token teardown failed")
		return
	}
	if ent.HasCustom {
		logger.Info().Msg("custom entitlement regained, keeping token")
		return
	}

	if _, err := e.store.DeleteCustomToken(ctx, guild); err != nil {
		logger.Error().Err(err).Msg("custom token delete failed")
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()
	if err := e.tokens.Publish(pubCtx, TokenChange{Guild: guild}); err != nil {
		logger.Error().Err(err).Msg("custom token teardown publish failed")
		return
	}
	e.metrics.tokenTeardowns.Inc()
	logger.Info().Msg("custom client token torn down")
}

// composeMessage describes every transition in c, or returns "" if none.
func composeMessage(c change) string {
	var lines []string
	if c.premiumGained() {
		lines = append(lines, "Premium has been activated.")
	}
	if c.premiumLost() {
		lines = append(lines, "Premium has been deactivated.")
	}
	if c.customGained() {
		lines = append(lines, "The custom bot has been activated. You can now set up your custom bot token.")
	}
	if c.customLost() {
		lines = append(lines, "The custom bot has been deactivated and its token removed.")
	}
	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Premium status changed for server %s:\n", c.guild)
	for _, l := range lines {
		b.WriteString("• ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
