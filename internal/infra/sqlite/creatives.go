package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Creative Ads ───────────────────────────────────────────────────────────

// SetCreativeAd inserts or updates a catalog entry.
func (db *DB) SetCreativeAd(ctx context.Context, ad domain.CreativeAd) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO creative_ads (creative_instance_id, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(creative_instance_id) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, ad.CreativeInstanceID, ad.Value, time.Now().UTC().UnixMicro())
	return err
}

// GetCreativeAd returns the catalog entry for creativeInstanceID.
func (db *DB) GetCreativeAd(ctx context.Context, creativeInstanceID string) (domain.CreativeAd, error) {
	ad := domain.CreativeAd{CreativeInstanceID: creativeInstanceID}
	err := db.db.QueryRowContext(ctx,
		`SELECT value FROM creative_ads WHERE creative_instance_id = ?`, creativeInstanceID,
	).Scan(&ad.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CreativeAd{}, fmt.Errorf("creative %s: %w", creativeInstanceID, domain.ErrCreativeAdNotFound)
	}
	return ad, err
}

// ─── Wallet State ───────────────────────────────────────────────────────────

// ResetWalletState discards everything scoped to the current wallet: both
// token pools, the confirmation queue, the scheduled redemption and any
// pending captcha. The transaction ledger and issuers are kept.
func (db *DB) ResetWalletState(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM unblinded_tokens`,
			`DELETE FROM unblinded_payment_tokens`,
			`DELETE FROM confirmation_queue`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM preferences WHERE key IN (?, ?)`,
			domain.PrefNextTokenRedemptionAt, domain.PrefCaptchaID)
		return err
	})
}

// ─── Legacy Import ──────────────────────────────────────────────────────────

// ImportTransactionsOnce appends txs and sets the boolean preference flagKey
// in one SQL transaction. If the flag is already set nothing is written and
// false is returned.
func (db *DB) ImportTransactionsOnce(ctx context.Context, flagKey string, txs []domain.Transaction) (bool, error) {
	imported := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		done, err := getPreference(ctx, tx, flagKey)
		if err != nil {
			return err
		}
		if done == "true" {
			return nil
		}
		for _, t := range txs {
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		imported = true
		return setPreference(ctx, tx, flagKey, "true")
	})
	return imported, err
}
