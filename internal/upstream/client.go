// Package upstream talks to the platform services that own billing, guild
// membership and bot placement.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guild-entitlements/internal/entitlement"
	"guild-entitlements/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 10 * time.Second
	maxAttempts    = 3
	maxBodyBytes   = 1 << 20
)

// ErrNotFound is returned for a 404 on endpoints where absence is an error.
var ErrNotFound = errors.New("upstream: not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s %s: status %d", e.Method, e.Path, e.Code)
}

// Client implements entitlement.Billing and entitlement.Directory over the
// upstream HTTP API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	admins  map[store.UserID]struct{}
	logger  zerolog.Logger

	newBackOff func() backoff.BackOff
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithAdministrators sets the users IsAdministrator reports as exempt.
func WithAdministrators(ids []uint64) Option {
	return func(cl *Client) {
		for _, id := range ids {
			cl.admins[store.UserID(id)] = struct{}{}
		}
	}
}

// WithRetryInterval sets the first retry delay.
func WithRetryInterval(d time.Duration) Option {
	return func(cl *Client) {
		cl.newBackOff = func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = d
			eb.MaxInterval = 8 * d
			return eb
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		admins:  make(map[store.UserID]struct{}),
		logger:  zerolog.Nop(),
	}
	WithRetryInterval(200 * time.Millisecond)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var (
	_ entitlement.Billing   = (*Client)(nil)
	_ entitlement.Directory = (*Client)(nil)
)

type unitsResponse struct {
	Premium int `json:"premium"`
	Custom  int `json:"custom"`
}

func (c *Client) PurchasedUnits(ctx context.Context, owner store.UserID) (entitlement.Units, error) {
	var resp unitsResponse
	if _, err := c.get(ctx, "/users/"+owner.String()+"/purchased-units", nil, &resp); err != nil {
		return entitlement.Units{}, err
	}
	return entitlement.Units{Premium: resp.Premium, Custom: resp.Custom}, nil
}

// ServingClient reports (zero, false, nil) when no bot serves guild.
func (c *Client) ServingClient(ctx context.Context, guild store.GuildID) (entitlement.ClientRef, bool, error) {
	var ref entitlement.ClientRef
	found, err := c.get(ctx, "/guilds/"+guild.String()+"/serving-client", nil, &ref)
	if err != nil || !found {
		return entitlement.ClientRef{}, false, err
	}
	return ref, true, nil
}

func (c *Client) IsAdministrator(_ context.Context, user store.UserID) (bool, error) {
	_, ok := c.admins[user]
	return ok, nil
}

type levelResponse struct {
	Level string `json:"level"`
}

func (c *Client) DashboardPermissionLevel(ctx context.Context, guild store.GuildID) (entitlement.PermissionLevel, error) {
	return c.level(ctx, "/guilds/"+guild.String()+"/dashboard-permission")
}

func (c *Client) MemberPermission(ctx context.Context, guild store.GuildID, user store.UserID) (entitlement.PermissionLevel, error) {
	return c.level(ctx, "/guilds/"+guild.String()+"/members/"+user.String()+"/permission")
}

func (c *Client) level(ctx context.Context, path string) (entitlement.PermissionLevel, error) {
	var resp levelResponse
	found, err := c.get(ctx, path, nil, &resp)
	if err != nil {
		return entitlement.PermissionNone, err
	}
	if !found {
		return entitlement.PermissionNone, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return entitlement.ParsePermissionLevel(resp.Level)
}

type ownerResponse struct {
	OwnerID store.UserID `json:"owner_id,string"`
}

func (c *Client) GuildOwner(ctx context.Context, guild store.GuildID) (store.UserID, error) {
	var resp ownerResponse
	path := "/guilds/" + guild.String() + "/owner"
	found, err := c.get(ctx, path, nil, &resp)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return resp.OwnerID, nil
}

type managersResponse struct {
	UserIDs []string `json:"user_ids"`
}

func (c *Client) ManagersWithPermission(ctx context.Context, guild store.GuildID, level entitlement.PermissionLevel) ([]store.UserID, error) {
	var resp managersResponse
	q := url.Values{"level": {level.String()}}
	if _, err := c.get(ctx, "/guilds/"+guild.String()+"/managers", q, &resp); err != nil {
		return nil, err
	}
	out := make([]store.UserID, 0, len(resp.UserIDs))
	for _, s := range resp.UserIDs {
		id, err := store.ParseUserID(s)
		if err != nil {
			return nil, fmt.Errorf("manager id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// get decodes a 2xx body into dst and reports false on 404. Transport
// errors and 5xx responses are retried; anything else is permanent.
func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) (bool, error) {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()
	target := u.String()

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxAttempts-1), ctx)
	attempt := 0
	found, err := backoff.RetryWithData(func() (bool, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("upstream request failed")
			return false, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		case resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			c.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("upstream server error")
			return false, &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode}
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, backoff.Permanent(&StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode})
		}

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(dst); err != nil {
			return false, backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return true, nil
	}, b)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Int("attempts", attempt).Msg("upstream call failed")
		return false, err
	}
	return found, nil
}
