package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/query"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/radar"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/workspace"
	"github.com/MarcoPoloResearchLab/nebula/internal/config"
	"github.com/MarcoPoloResearchLab/nebula/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "nebula-agent"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Nebula local replica agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print pending and failed mutations of the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyAgentDefaults(viper.GetViper())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Base URL of the nebula-api server")
	cmd.PersistentFlags().String("token", "", "Access token (overrides env)")
	cmd.PersistentFlags().String("workspace-id", "", "Workspace id")
	cmd.PersistentFlags().String("user-id", "", "Local user id")
	cmd.PersistentFlags().String("database-path", viper.GetString("database.path"), "SQLite replica path")
	cmd.PersistentFlags().String("cursors-path", viper.GetString("cursors.path"), "Cursor store directory")
	cmd.PersistentFlags().String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "workspace.id", "workspace-id")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cursors.path", "cursors-path")
	bindFlag(cmd, "log.level", "log-level")
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

func openWorkspace() (*workspace.Workspace, *zap.Logger, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(serviceName, agentConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	runtime, err := workspace.New(workspace.Config{Agent: agentConfig, Logger: logger})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return runtime, logger, nil
}

func runAgent(ctx context.Context) error {
	runtime, logger, err := openWorkspace()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer runtime.Destroy()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failures := runtime.Bus().Subscribe(func(event events.Event) {
		if failed, ok := event.(events.MutationFailed); ok {
			logger.Warn("mutation rejected",
				zap.String("mutation_id", failed.Failure.ID),
				zap.String("type", failed.Failure.Type),
				zap.Int("status", failed.Failure.Status),
				zap.String("reason", failed.Failure.Reason))
		}
	})
	defer runtime.Bus().Unsubscribe(failures)

	if err := runtime.Init(signalCtx); err != nil {
		return err
	}

	initial, err := query.Subscribe[query.RadarDataGetInput, radar.Data](signalCtx, runtime.Queries(), query.TypeRadarDataGet,
		query.NewRadarDataGetHandler(runtime.Radar()), query.RadarDataGetInput{}, func(data radar.Data) {
			logger.Info("radar changed", zap.Bool("has_unread", data.HasUnread), zap.Int64("unread_count", data.UnreadCount))
		})
	if err != nil {
		return err
	}
	defer runtime.Queries().Unsubscribe(query.TypeRadarDataGet)
	logger.Info("agent running", zap.Bool("has_unread", initial.HasUnread), zap.Int64("unread_count", initial.UnreadCount))

	<-signalCtx.Done()
	return nil
}

func printStatus(cmd *cobra.Command) error {
	runtime, logger, err := openWorkspace()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer runtime.Destroy()

	pending, err := runtime.Outbox().Pending(cmd.Context())
	if err != nil {
		return err
	}
	var failures []localdb.MutationFailure
	if err := runtime.Database().WithContext(cmd.Context()).Order("failed_at ASC").Find(&failures).Error; err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintf(out, "pending mutations: %d\nfailed mutations: %d\n", pending, len(failures)); err != nil {
		return err
	}
	for _, failure := range failures {
		if _, err := fmt.Fprintf(out, "  %s %s status=%d retries=%d %s\n",
			failure.ID, failure.Type, failure.Status, failure.Retries, failure.Reason); err != nil {
			return err
		}
	}
	return nil
}
