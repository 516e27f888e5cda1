package entitlement

import (
	"context"

	"guild-entitlements/internal/store"
)

func (e *Engine) Preferences(ctx context.Context, user store.UserID) (store.UserPreferences, error) {
	prefs, err := e.store.Preferences(ctx, user)
	if err != nil {
		return store.UserPreferences{}, newError(ErrorTypeExternal, "get preferences", err)
	}
	return prefs, nil
}

func (e *Engine) SetPreferences(ctx context.Context, user store.UserID, prefs store.UserPreferences) error {
	if err := e.store.SetPreferences(ctx, user, prefs); err != nil {
		return newError(ErrorTypeExternal, "set preferences", err)
	}
	return nil
}
