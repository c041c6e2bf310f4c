package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/auth"
	"github.com/MarcoPoloResearchLab/nebula/internal/config"
	"github.com/MarcoPoloResearchLab/nebula/internal/database"
	"github.com/MarcoPoloResearchLab/nebula/internal/eventbus"
	"github.com/MarcoPoloResearchLab/nebula/internal/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/logging"
	"github.com/MarcoPoloResearchLab/nebula/internal/mutations"
	"github.com/MarcoPoloResearchLab/nebula/internal/server"
	"github.com/MarcoPoloResearchLab/nebula/internal/storage"
	"github.com/MarcoPoloResearchLab/nebula/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	serviceName     = "nebula-api"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Nebula synchronization server",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Access token lifetime")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("host-id", "", "Host identifier used by the event mirror")
	cmd.PersistentFlags().String("broadcast-dsn", "", "Postgres DSN used to mirror events across hosts")
	cmd.PersistentFlags().String("broadcast-channel", defaults.GetString("bus.broadcast_channel"), "Postgres NOTIFY channel")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "bus.host_id", "host-id")
	bindFlag(cmd, "bus.broadcast_dsn", "broadcast-dsn")
	bindFlag(cmd, "bus.broadcast_channel", "broadcast-channel")
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

func newTokenManager(appConfig config.AppConfig) (*auth.TokenManager, error) {
	return auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newIssueTokenCommand() *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue an access token for a workspace member",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := newTokenManager(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := tokens.IssueToken(cmd.Context(), identity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return err
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "Member user id")
	cmd.Flags().StringVar(&identity.WorkspaceID, "workspace-id", "", "Workspace id")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Member email")
	cmd.Flags().StringVar(&identity.Name, "name", "", "Member display name")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("workspace-id")
	return cmd
}

func newBus(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*events.Bus, error) {
	var broadcaster eventbus.Broadcaster
	if strings.TrimSpace(appConfig.BroadcastDSN) != "" {
		postgres, err := eventbus.NewPostgresBroadcaster(eventbus.PostgresBroadcasterConfig{
			DSN:     appConfig.BroadcastDSN,
			Channel: appConfig.BroadcastChannel,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		broadcaster = postgres
	}
	bus, err := events.NewBus(appConfig.HostID, broadcaster, eventbus.Config[events.Event]{Logger: logger})
	if err != nil {
		if broadcaster != nil {
			_ = broadcaster.Close()
		}
		return nil, err
	}
	if err := bus.Init(ctx); err != nil {
		bus.Destroy()
		return nil, err
	}
	return bus, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serviceName, appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, storage.Schema(), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := newBus(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer bus.Destroy()

	tokenManager, err := newTokenManager(appConfig)
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Bus:      bus,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	mutationService, err := mutations.NewService(mutations.ServiceConfig{
		Database: db,
		Bus:      bus,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hub, err := server.NewRealtimeHub(server.RealtimeHubConfig{
		Database: db,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenManager,
		Users:     userService,
		Mutations: mutationService,
		Realtime:  hub,
		Logger:    logger,
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
			zap.String("host_id", appConfig.HostID),
			zap.Bool("mirrored", appConfig.BroadcastDSN != ""))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
