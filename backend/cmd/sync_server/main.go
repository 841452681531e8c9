package main

import (
	"fmt"
	"os"

	"termcollab/backend/config"
	"termcollab/backend/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 所有子命令共享的运行时状态，由 PersistentPreRunE 填充
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "sync_server",
		Short: "Collaborative terminal session sync server",
		Long: `Synchronizes shared terminal sessions between participants.

  sync_server serve                          # run the websocket + HTTP server
  sync_server share create --session s1      # issue a share token
  sync_server share list --output yaml       # list local shares`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if a.logLevel != "" {
				level = a.logLevel
			}
			logger, err := logging.New(level, cfg.Log.Development)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to collabConfig.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(a), newShareCmd(a), newTokenCmd(a))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
