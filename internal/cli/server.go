package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trellisnet/trellisd/internal/config"
	"github.com/trellisnet/trellisd/internal/daemon"
)

// serverCmd starts the daemon (the default action).
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the trellisd daemon",
	Long: `Start the trellisd daemon: listen for peer connections, authorize
them through the trust handshake, route circuit messages, and run the
journal services configured for this node's circuits.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Running trellisd with no subcommand starts the server.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case configDir != "":
		cfg, err = config.LoadFromDir(configDir)
	case configFile != "":
		cfg, err = config.Load(config.Paths{Main: configFile})
	default:
		cfg, err = config.Load(config.DefaultPaths())
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting trellisd",
		zap.String("node_id", cfg.Node.ID),
		zap.String("endpoint", cfg.Network.Endpoint),
		zap.String("config", cfg.ConfigPath()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.New(logger, cfg).Run(ctx)
}
