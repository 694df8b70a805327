package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rewards daemon",
	Long: `Run the rewards daemon: fetch issuers, keep the token pool topped up,
retry queued confirmations, redeem payment tokens and serve the local API.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := daemon.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, homeDir(cmd), cfg, nil, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer d.Close()

	return d.Run(ctx)
}
