// Package entitlement decides which license keys are active, derives each
// guild's premium and custom flags from its bound keys, and applies the
// consequences of a change.
package entitlement

import (
	"sync"
	"time"

	"guild-entitlements/internal/benefits"
	"guild-entitlements/internal/license"
	"guild-entitlements/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultNotifyConcurrency = 4
	defaultPublishTimeout    = 30 * time.Second
	provisionAttempts        = 3
)

type Engine struct {
	store     store.Store
	billing   Billing
	directory Directory
	notifier  Notifier
	tokens    TokenPublisher

	benefits          benefits.Table
	logger            zerolog.Logger
	metrics           *metrics
	locks             *guildLocks
	notifyConcurrency int
	publishTimeout    time.Duration
	newKey            func(license.Class) (string, error)

	tasks sync.WaitGroup
}

type options struct {
	logger            zerolog.Logger
	registerer        prometheus.Registerer
	benefits          benefits.Table
	notifyConcurrency int
	publishTimeout    time.Duration
	newKey            func(license.Class) (string, error)
}

// Option configures an Engine.
type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the engine's metrics. Without it the metrics are
// collected but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

func WithBenefits(t benefits.Table) Option {
	return func(o *options) { o.benefits = t }
}

// WithNotifyConcurrency bounds parallel direct messages per change.
func WithNotifyConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.notifyConcurrency = n
		}
	}
}

// WithPublishTimeout bounds how long a token teardown waits on subscribers.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

// WithKeyGenerator replaces license.NewKey.
func WithKeyGenerator(fn func(license.Class) (string, error)) Option {
	return func(o *options) { o.newKey = fn }
}

func New(st store.Store, billing Billing, directory Directory, notifier Notifier, tokens TokenPublisher, opts ...Option) *Engine {
	o := options{
		logger:            zerolog.Nop(),
		benefits:          benefits.Default(),
		notifyConcurrency: defaultNotifyConcurrency,
		publishTimeout:    defaultPublishTimeout,
		newKey:            license.NewKey,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		store:             st,
		billing:           billing,
		directory:         directory,
		notifier:          notifier,
		tokens:            tokens,
		benefits:          o.benefits,
		logger:            o.logger.With().Str("component", "entitlement").Logger(),
		metrics:           newMetrics(o.registerer),
		locks:             newGuildLocks(),
		notifyConcurrency: o.notifyConcurrency,
		publishTimeout:    o.publishTimeout,
		newKey:            o.newKey,
	}
}

// Benefits returns the table limits are resolved against.
func (e *Engine) Benefits() benefits.Table { return e.benefits }

// spawn runs fn detached from the caller. Panics are logged, never raised.
func (e *Engine) spawn(name string, fn func()) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().Str("task", name).Interface("panic", r).Msg("detached task panicked")
			}
		}()
		fn()
	}()
}

// Wait blocks until every detached side effect started so far has finished.
func (e *Engine) Wait() { e.tasks.Wait() }

// Close waits for detached side effects. It does not close the store.
func (e *Engine) Close() error {
	e.Wait()
	return nil
}
