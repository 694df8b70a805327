// Package cli implements the adrewards command line: the daemon itself and
// thin clients for its local HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/adrewards/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "adrewards",
	Short: "Ad rewards token engine",
	Long: `adrewards earns privacy-preserving ad rewards. It keeps a pool of blinded
confirmation tokens, confirms ad interactions anonymously, redeems the
resulting payment tokens on a schedule and reports a statement of accounts.

Run 'adrewards serve' to start the daemon. The other commands talk to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("home", "", "Data directory (default $ADREWARDS_HOME or ~/.adrewards)")
	rootCmd.PersistentFlags().String("addr", "", "Daemon API address (default from config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// homeDir resolves --home.
func homeDir(cmd *cobra.Command) string {
	if h, _ := cmd.Flags().GetString("home"); h != "" {
		return h
	}
	return daemon.HomeDir()
}

// loadConfig loads the configuration under --home.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	return daemon.LoadConfig(homeDir(cmd))
}

// newClient builds an API client for --addr, falling back to the configured
// listen address.
func newClient(cmd *cobra.Command) (*apiClient, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Addr()
	}
	return newAPIClient("http://" + addr), nil
}
