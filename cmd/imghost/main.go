package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"imghost/internal/server/config"
	"imghost/internal/server/logging"
)

var (
	envFiles []string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "imghost",
	Short:         "Self-hosted image hosting server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(envFiles...)
		if err != nil {
			return err
		}
		_, err = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			JSON:   cfg.Log.JSON,
			Writer: cmd.ErrOrStderr(),
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.AddCommand(serveCmd, migrateCmd, inviteCmd, uploadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
