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

	"github.com/MarcoPoloResearchLab/erdcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/chat"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/broadcast"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/mutation"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/presence"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/router"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/task"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/config"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/database"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/erd"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/ids"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/logging"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/projects"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/pubsub"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/server"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "erdcollab-api",
		Short: "ERD collaboration server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed to connect (default: any)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("issuer", defaults.GetString("auth.issuer"), "Expected token issuer")
	cmd.PersistentFlags().String("bus-driver", defaults.GetString("bus.driver"), "Message bus driver (memory, redis, nats)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis bus")
	cmd.PersistentFlags().StringSlice("nats-servers", defaults.GetStringSlice("nats.servers"), "NATS servers for the nats bus")
	cmd.PersistentFlags().Duration("cursor-relay-interval", defaults.GetDuration("collab.cursor_relay_interval"), "Cursor push interval (0 disables the relay)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
	bindFlag(cmd, "bus.driver", "bus-driver")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "nats.servers", "nats-servers")
	bindFlag(cmd, "collab.cursor_relay_interval", "cursor-relay-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newIssueTokenCommand mints a token for local testing against the gateway.
func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a collaboration token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.Identity{UserID: userID, Email: email, DisplayName: displayName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id placed in the token")
	cmd.Flags().StringVar(&email, "email", "", "User email placed in the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name placed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	projectStore, err := projects.NewStore(db)
	if err != nil {
		return err
	}
	erdStore, err := erd.NewStore(db)
	if err != nil {
		return err
	}
	archive, err := chat.NewArchive(chat.ArchiveConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := pubsub.Open(signalCtx, appConfig.Bus, logger)
	if err != nil {
		return err
	}
	defer bus.Close() //nolint:errcheck

	registry := session.NewRegistry()
	publisher, err := broadcast.NewPublisher(broadcast.PublisherConfig{
		Bus:         bus,
		Registry:    registry,
		TopicPrefix: appConfig.TopicPrefix,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	tasks := task.NewGroup(logger, appConfig.TaskTimeout)
	dispatcher, err := router.NewDefault(router.HandlerConfig{
		Sessions:  registry,
		Publisher: publisher,
		Archive:   archive,
		IDs:       ids.NewUUIDProvider(),
		Tasks:     tasks,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Registry:       registry,
		Publisher:      publisher,
		Subscriptions:  publisher,
		Dispatcher:     dispatcher,
		Tasks:          tasks,
		OutboundBuffer: appConfig.OutboundBuffer,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if appConfig.CursorRelayInterval > 0 {
		relay, err := presence.NewCursorRelay(presence.CursorRelayConfig{
			Registry:  registry,
			Publisher: publisher,
			Interval:  appConfig.CursorRelayInterval,
			Clock:     time.Now,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		go relay.Run(signalCtx)
	}
	broadcaster, err := mutation.NewBroadcaster(mutation.Config{
		Tables:    erdStore,
		Schemas:   erdStore,
		Publisher: publisher,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokens,
		Profiles:       profiles,
		Access:         projectStore,
		Presence:       presenceService,
		Mutations:      broadcaster,
		ChatHistory:    archive,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("bus_driver", appConfig.Bus.Driver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		// Websocket connections are hijacked and outlive httpServer.Shutdown.
		// Closing them runs their cleanup, which queues the LEAVE publishes.
		// Draining is only safe once no connection can start another task.
		if closeErr := handler.Shutdown(shutdownCtx); closeErr != nil {
			logger.Warn("collaboration connections still open at shutdown", zap.Error(closeErr))
			return err
		}
		if waitErr := tasks.WaitContext(shutdownCtx); waitErr != nil {
			logger.Warn("background tasks still running at shutdown", zap.Error(waitErr))
		}
		return err
	case err := <-errCh:
		return err
	}
}
