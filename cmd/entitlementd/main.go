package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guild-entitlements/internal/benefits"
	"guild-entitlements/internal/broadcast"
	"guild-entitlements/internal/config"
	"guild-entitlements/internal/entitlement"
	"guild-entitlements/internal/httpapi"
	"guild-entitlements/internal/logging"
	"guild-entitlements/internal/store"
	"guild-entitlements/internal/telegram"
	"guild-entitlements/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "entitlementd",
	Short:         "Guild premium entitlement service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the operator bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <user ID>...",
	Short: "Reconcile the keys of one or more users and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), func(ctx context.Context, eng *entitlement.Engine) error {
			var errs []error
			for _, raw := range args {
				user, err := store.ParseUserID(raw)
				if err != nil {
					errs = append(errs, fmt.Errorf("user %q: %w", raw, err))
					continue
				}
				if err := eng.ReconcileUserKeys(ctx, user); err != nil {
					errs = append(errs, fmt.Errorf("user %s: %w", user, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconciled %s\n", user)
			}
			return errors.Join(errs...)
		})
	},
}

var recalcCmd = &cobra.Command{
	Use:   "recalc <guild ID>...",
	Short: "Recalculate the entitlement of one or more guilds and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), func(ctx context.Context, eng *entitlement.Engine) error {
			var errs []error
			for _, raw := range args {
				guild, err := store.ParseGuildID(raw)
				if err != nil {
					errs = append(errs, fmt.Errorf("guild %q: %w", raw, err))
					continue
				}
				if err := eng.RecalculateGuildEntitlement(ctx, guild); err != nil {
					errs = append(errs, fmt.Errorf("guild %s: %w", guild, err))
					continue
				}
				ent, err := eng.GuildEntitlement(ctx, guild)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "guild %s premium=%t custom=%t\n", guild, ent.HasPremium, ent.HasCustom)
			}
			return errors.Join(errs...)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "entitlementd %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	rootCmd.AddCommand(serveCmd, reconcileCmd, recalcCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything built from the configuration.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	store  *store.BBoltStore
	tokens *broadcast.Broadcaster[entitlement.TokenChange]
	bot    *telegram.Bot
	engine *entitlement.Engine
}

func setup(registerer prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})

	table, err := benefits.Load(cfg.BenefitsFile)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenBBolt(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	client, err := upstream.New(cfg.UpstreamURL,
		upstream.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		upstream.WithAdministrators(cfg.AdminUserIDs),
		upstream.WithLogger(logger.With().Str("component", "upstream").Logger()),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bot, err := telegram.NewBot(cfg.BotToken, cfg.AdminChatID, telegram.WithLogger(logger))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tokens := broadcast.New[entitlement.TokenChange](16)
	eng := entitlement.New(st, client, client, bot, tokens,
		entitlement.WithLogger(logger),
		entitlement.WithRegisterer(registerer),
		entitlement.WithBenefits(table),
		entitlement.WithNotifyConcurrency(cfg.NotifyConcurrency),
	)
	return &app{cfg: cfg, logger: logger, store: st, tokens: tokens, bot: bot, engine: eng}, nil
}

// close waits for in-flight side effects before releasing the store.
func (a *app) close() {
	_ = a.engine.Close()
	a.tokens.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("db close")
	}
}

func runOnce(ctx context.Context, fn func(context.Context, *entitlement.Engine) error) error {
	a, err := setup(nil)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a.engine)
}

func runServe(ctx context.Context) error {
	a, err := setup(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Token changes go to the client fleet; until it subscribes they are
	// recorded in the log.
	sub := a.tokens.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				a.tokens.Unsubscribe(sub.ID)
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				a.logger.Info().Stringer("guild", ev.Guild).Bool("teardown", ev.Token == nil).Msg("custom token change published")
			}
		}
	}()

	api := httpapi.New(a.engine, httpapi.WithLogger(a.logger), httpapi.WithGatherer(prometheus.DefaultGatherer))
	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	go func() {
		if err := a.bot.Run(ctx, a.engine); err != nil {
			a.logger.Error().Err(err).Msg("bot error")
			cancel()
		}
	}()

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return httpServer.Shutdown(shutdownCtx)
}
