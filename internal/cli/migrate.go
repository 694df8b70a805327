package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/app/migration"
	"github.com/tutu-network/adrewards/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(migrateLegacyCmd)
}

var migrateLegacyCmd = &cobra.Command{
	Use:   "migrate-legacy FILE",
	Short: "Import a legacy rewards state document",
	Long: `Import the payments and transaction history of a legacy rewards state
document into the ledger. A profile is migrated at most once; later runs
are no-ops. Stop the daemon first.`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrateLegacy,
}

func runMigrateLegacy(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read legacy state: %w", err)
	}

	db, err := sqlite.Open(homeDir(cmd))
	if err != nil {
		return err
	}
	defer db.Close()

	migrated, err := migration.NewMigrator(db, zap.NewNop()).Migrate(cmd.Context(), data, time.Now())
	if err != nil {
		return err
	}
	if !migrated {
		fmt.Fprintln(cmd.OutOrStdout(), "Already migrated, nothing to do.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Legacy rewards migrated.")
	return nil
}
