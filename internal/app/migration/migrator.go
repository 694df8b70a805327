package migration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/domain"
)

// Store imports transactions guarded by a one-shot preference flag.
type Store interface {
	ImportTransactionsOnce(ctx context.Context, flagKey string, txs []domain.Transaction) (bool, error)
}

// Migrator runs the legacy import at most once per profile.
type Migrator struct {
	store  Store
	logger *zap.Logger
}

// NewMigrator creates a migrator.
func NewMigrator(store Store, logger *zap.Logger) *Migrator {
	return &Migrator{store: store, logger: logger.Named("migration")}
}

// Migrate imports the legacy state document data. Empty data means there is
// no legacy state; the profile is still marked as migrated. The import and
// the flag commit together, so Migrate is safe to call on every start. It
// returns false when the profile was already migrated.
func (m *Migrator) Migrate(ctx context.Context, data []byte, now time.Time) (bool, error) {
	var txs []domain.Transaction
	if len(data) > 0 {
		var err error
		txs, err = BuildTransactionsFromJSON(data, now)
		if err != nil {
			m.logger.Error("failed to migrate legacy rewards", zap.Error(err))
			return false, err
		}
	}

	migrated, err := m.store.ImportTransactionsOnce(ctx, domain.PrefLegacyRewardsMigrated, txs)
	if err != nil {
		return false, fmt.Errorf("import legacy transactions: %w", err)
	}
	if !migrated {
		m.logger.Debug("legacy rewards already migrated")
		return false, nil
	}
	m.logger.Info("migrated legacy rewards", zap.Int("transactions", len(txs)))
	return true, nil
}
