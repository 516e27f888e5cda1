// Package httpapi exposes the entitlement engine to the dashboard and
// command services.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"guild-entitlements/internal/benefits"
	"guild-entitlements/internal/entitlement"
	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	actorHeader  = "X-Actor-ID"
	maxBodyBytes = 64 << 10
)

// Service is the engine surface served over HTTP.
type Service interface {
	ProvisionKey(ctx context.Context, owner store.UserID, class license.Class) (string, error)
	ListKeys(ctx context.Context, owner store.UserID) ([]store.KeyInfo, error)
	DeleteKey(ctx context.Context, owner store.UserID, value string) error
	ReconcileUserKeys(ctx context.Context, owner store.UserID) error
	SetKeyDisabled(ctx context.Context, value string, disabled bool) (store.KeyInfo, error)
	LookupKey(ctx context.Context, value string) (store.LicenseKey, error)
	CheckAdministrator(ctx context.Context, actor store.UserID) error
	Benefits() benefits.Table
	BindKey(ctx context.Context, actor store.UserID, guild store.GuildID, value string) error
	UnbindKey(ctx context.Context, actor store.UserID, guild store.GuildID, value string) error
	GuildEntitlement(ctx context.Context, guild store.GuildID) (store.GuildEntitlement, error)
	RecalculateGuildEntitlement(ctx context.Context, guild store.GuildID) error
	ResolveLimit(ctx context.Context, guild store.GuildID, benefit string) (benefits.Value, error)
	SetLimitOverride(ctx context.Context, guild store.GuildID, benefit string, value *benefits.Value) error
	LimitOverrides(ctx context.Context, guild store.GuildID) (map[string]benefits.Value, error)
	SetCustomToken(ctx context.Context, actor store.UserID, guild store.GuildID, token string) error
	RemoveCustomToken(ctx context.Context, actor store.UserID, guild store.GuildID) error
	HasCustomToken(ctx context.Context, guild store.GuildID) (bool, error)
	Preferences(ctx context.Context, user store.UserID) (store.UserPreferences, error)
	SetPreferences(ctx context.Context, user store.UserID, prefs store.UserPreferences) error
}

type API struct {
	svc      Service
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
}

type Option func(*API)

func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

func New(svc Service, opts ...Option) *API {
	a := &API{svc: svc, logger: zerolog.Nop(), gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "http").Logger()
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.accessLog)
	r.Use(a.recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{user}", func(r chi.Router) {
			r.Post("/keys", a.handleProvision)
			r.Get("/keys", a.handleListKeys)
			r.Delete("/keys/{key}", a.handleDeleteKey)
			r.Post("/reconcile", a.handleReconcile)
			r.Get("/preferences", a.handleGetPreferences)
			r.Put("/preferences", a.handleSetPreferences)
		})
		r.Get("/benefits", a.handleBenefits)
		// Key administration and limit overrides are reserved for
		// service administrators.
		r.With(a.requireAdmin).Get("/keys/{key}", a.handleLookupKey)
		r.With(a.requireAdmin).Put("/keys/{key}/disabled", a.handleSetDisabled)
		r.Route("/guilds/{guild}", func(r chi.Router) {
			r.Post("/keys", a.handleBind)
			r.Delete("/keys/{key}", a.handleUnbind)
			r.Get("/entitlement", a.handleEntitlement)
			r.Post("/recalculate", a.handleRecalculate)
			r.Get("/limits", a.handleListLimits)
			r.Get("/limits/{benefit}", a.handleResolveLimit)
			r.With(a.requireAdmin).Put("/limits/{benefit}", a.handleSetLimit)
			r.With(a.requireAdmin).Delete("/limits/{benefit}", a.handleClearLimit)
			r.Get("/custom-token", a.handleTokenStatus)
			r.Put("/custom-token", a.handleSetToken)
			r.Delete("/custom-token", a.handleRemoveToken)
		})
	})
	return r
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Key   string `json:"key,omitempty"`
}

type provisionReq struct {
	Class string `json:"class"`
}

type provisionResp struct {
	Key string `json:"key"`
}

func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.userParam(w, r)
	if !ok {
		return
	}
	var req provisionReq
	if !a.decode(w, r, &req) {
		return
	}
	class, err := license.ParseClass(req.Class)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	value, err := a.svc.ProvisionKey(r.Context(), owner, class)
	if err != nil {
		// The key exists but was parked disabled.
		if value != "" {
			status, code, msg := a.classify(r, err)
			writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Key: value})
			return
		}
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, provisionResp{Key: value})
}

type keysResp struct {
	Keys []store.KeyInfo `json:"keys"`
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.userParam(w, r)
	if !ok {
		return
	}
	keys, err := a.svc.ListKeys(r.Context(), owner)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []store.KeyInfo{}
	}
	writeJSON(w, http.StatusOK, keysResp{Keys: keys})
}

func (a *API) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.userParam(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteKey(r.Context(), owner, chi.URLParam(r, "key")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.userParam(w, r)
	if !ok {
		return
	}
	if err := a.svc.ReconcileUserKeys(r.Context(), owner); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := a.userParam(w, r)
	if !ok {
		return
	}
	prefs, err := a.svc.Preferences(r.Context(), user)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (a *API) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := a.userParam(w, r)
	if !ok {
		return
	}
	var prefs store.UserPreferences
	if !a.decode(w, r, &prefs) {
		return
	}
	if err := a.svc.SetPreferences(r.Context(), user, prefs); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type benefitsResp struct {
	Keys  []string       `json:"keys"`
	Tiers benefits.Table `json:"tiers"`
}

func (a *API) handleBenefits(w http.ResponseWriter, r *http.Request) {
	table := a.svc.Benefits()
	writeJSON(w, http.StatusOK, benefitsResp{Keys: table.Keys(), Tiers: table})
}

func (a *API) handleLookupKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.svc.LookupKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type disabledReq struct {
	Disabled *bool `json:"disabled"`
}

func (a *API) handleSetDisabled(w http.ResponseWriter, r *http.Request) {
	var req disabledReq
	if !a.decode(w, r, &req) {
		return
	}
	if req.Disabled == nil {
		writeError(w, http.StatusBadRequest, "validation", "disabled is required")
		return
	}
	info, err := a.svc.SetKeyDisabled(r.Context(), chi.URLParam(r, "key"), *req.Disabled)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type bindReq struct {
	Key string `json:"key"`
}

func (a *API) handleBind(w http.ResponseWriter, r *http.Request) {
	actor, guild, ok := a.actorAndGuild(w, r)
	if !ok {
		return
	}
	var req bindReq
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.BindKey(r.Context(), actor, guild, req.Key); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeEntitlement(w, r, guild)
}

func (a *API) handleUnbind(w http.ResponseWriter, r *http.Request) {
	actor, guild, ok := a.actorAndGuild(w, r)
	if !ok {
		return
	}
	if err := a.svc.UnbindKey(r.Context(), actor, guild, chi.URLParam(r, "key")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeEntitlement(w, r, guild)
}

func (a *API) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	a.writeEntitlement(w, r, guild)
}

func (a *API) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	if err := a.svc.RecalculateGuildEntitlement(r.Context(), guild); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeEntitlement(w, r, guild)
}

type limitResp struct {
	Benefit string         `json:"benefit"`
	Value   benefits.Value `json:"value"`
}

type limitReq struct {
	Value *benefits.Value `json:"value"`
}

func (a *API) handleListLimits(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	overrides, err := a.svc.LimitOverrides(r.Context(), guild)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if overrides == nil {
		overrides = map[string]benefits.Value{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

func (a *API) handleResolveLimit(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	benefit := chi.URLParam(r, "benefit")
	v, err := a.svc.ResolveLimit(r.Context(), guild, benefit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limitResp{Benefit: benefit, Value: v})
}

func (a *API) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	var req limitReq
	if !a.decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "validation", "value is required")
		return
	}
	benefit := chi.URLParam(r, "benefit")
	if err := a.svc.SetLimitOverride(r.Context(), guild, benefit, req.Value); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limitResp{Benefit: benefit, Value: *req.Value})
}

func (a *API) handleClearLimit(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	if err := a.svc.SetLimitOverride(r.Context(), guild, chi.URLParam(r, "benefit"), nil); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tokenStatusResp struct {
	Configured bool `json:"configured"`
}

func (a *API) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	guild, ok := a.guildParam(w, r)
	if !ok {
		return
	}
	configured, err := a.svc.HasCustomToken(r.Context(), guild)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenStatusResp{Configured: configured})
}

type tokenReq struct {
	Token string `json:"token"`
}

func (a *API) handleSetToken(w http.ResponseWriter, r *http.Request) {
	actor, guild, ok := a.actorAndGuild(w, r)
	if !ok {
		return
	}
	var req tokenReq
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.SetCustomToken(r.Context(), actor, guild, req.Token); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	actor, guild, ok := a.actorAndGuild(w, r)
	if !ok {
		return
	}
	if err := a.svc.RemoveCustomToken(r.Context(), actor, guild); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeEntitlement(w http.ResponseWriter, r *http.Request, guild store.GuildID) {
	ent, err := a.svc.GuildEntitlement(r.Context(), guild)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	ent.Guild = guild
	writeJSON(w, http.StatusOK, ent)
}

func (a *API) userParam(w http.ResponseWriter, r *http.Request) (store.UserID, bool) {
	id, err := store.ParseUserID(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid user id")
		return 0, false
	}
	return id, true
}

func (a *API) guildParam(w http.ResponseWriter, r *http.Request) (store.GuildID, bool) {
	id, err := store.ParseGuildID(chi.URLParam(r, "guild"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid guild id")
		return 0, false
	}
	return id, true
}

func (a *API) actor(w http.ResponseWriter, r *http.Request) (store.UserID, bool) {
	raw := strings.TrimSpace(r.Header.Get(actorHeader))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "validation", actorHeader+" header is required")
		return 0, false
	}
	actor, err := store.ParseUserID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid "+actorHeader)
		return 0, false
	}
	return actor, true
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.actor(w, r)
		if !ok {
			return
		}
		if err := a.svc.CheckAdministrator(r.Context(), actor); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) actorAndGuild(w http.ResponseWriter, r *http.Request) (store.UserID, store.GuildID, bool) {
	actor, ok := a.actor(w, r)
	if !ok {
		return 0, 0, false
	}
	guild, ok := a.guildParam(w, r)
	return actor, guild, ok
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return false
	}
	return true
}

// classify maps an engine error to a status, code and displayable message.
func (a *API) classify(r *http.Request, err error) (int, string, string) {
	msg, displayable := entitlement.UserMessage(err)
	switch entitlement.TypeOf(err) {
	case entitlement.ErrorTypeValidation:
		return http.StatusBadRequest, "validation", msg
	case entitlement.ErrorTypePermission:
		return http.StatusForbidden, "permission", msg
	case entitlement.ErrorTypeConflict:
		return http.StatusConflict, "conflict", msg
	}
	a.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	if entitlement.TypeOf(err) == entitlement.ErrorTypeExternal {
		if !displayable {
			msg = "upstream or storage failure"
		}
		return http.StatusBadGateway, "external", msg
	}
	return http.StatusInternalServerError, "internal_error", "an unexpected error occurred"
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := a.classify(r, err)
	writeError(w, status, code, msg)
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered in handler")
				writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
