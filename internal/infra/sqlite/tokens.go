package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Unblinded Tokens ───────────────────────────────────────────────────────

// CountUnblindedTokens returns the size of the spendable token pool.
func (db *DB) CountUnblindedTokens(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unblinded_tokens`).Scan(&n)
	return n, err
}

// AddUnblindedTokens inserts tokens in one transaction. Tokens already in the
// pool are ignored.
func (db *DB) AddUnblindedTokens(ctx context.Context, tokens []domain.UnblindedToken) error {
	if len(tokens) == 0 {
		return nil
	}
	now := time.Now().UTC().UnixMicro()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO unblinded_tokens (token, public_key, value, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, t := range tokens {
			if _, err := stmt.ExecContext(ctx, t.Token, t.PublicKey, t.Value, encodeTime(t.ExpiresAt), now+int64(i)); err != nil {
				return fmt.Errorf("insert unblinded token: %w", err)
			}
		}
		return nil
	})
}

// GetNextUnblindedToken withdraws the oldest spendable token signed by one of
// publicKeys. The select and delete run in one transaction, so a token is
// handed out at most once. Expired tokens encountered on the way are purged.
// Returns domain.ErrNoUnblindedTokens when the pool has nothing usable.
func (db *DB) GetNextUnblindedToken(ctx context.Context, publicKeys []string, now time.Time) (domain.UnblindedToken, error) {
	var token domain.UnblindedToken
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		token, err = withdrawUnblindedToken(ctx, tx, publicKeys, now)
		return err
	})
	return token, err
}

// DeleteAllUnblindedTokens empties the pool.
func (db *DB) DeleteAllUnblindedTokens(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM unblinded_tokens`)
	return err
}

// ListUnblindedTokens returns the pool oldest first.
func (db *DB) ListUnblindedTokens(ctx context.Context) ([]domain.UnblindedToken, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT token, public_key, value, expires_at
		FROM unblinded_tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.UnblindedToken
	for rows.Next() {
		t, err := scanUnblindedToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func withdrawUnblindedToken(ctx context.Context, tx *sql.Tx, publicKeys []string, now time.Time) (domain.UnblindedToken, error) {
	if len(publicKeys) == 0 {
		return domain.UnblindedToken{}, domain.ErrNoUnblindedTokens
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM unblinded_tokens WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().UnixMicro(),
	); err != nil {
		return domain.UnblindedToken{}, fmt.Errorf("purge expired tokens: %w", err)
	}

	args := make([]any, len(publicKeys))
	for i, k := range publicKeys {
		args[i] = k
	}
	row := tx.QueryRowContext(ctx, `
		SELECT token, public_key, value, expires_at
		FROM unblinded_tokens
		WHERE public_key IN (`+placeholders(len(publicKeys))+`)
		ORDER BY created_at
		LIMIT 1
	`, args...)

	token, err := scanUnblindedToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UnblindedToken{}, domain.ErrNoUnblindedTokens
	}
	if err != nil {
		return domain.UnblindedToken{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM unblinded_tokens WHERE token = ?`, token.Token); err != nil {
		return domain.UnblindedToken{}, fmt.Errorf("delete unblinded token: %w", err)
	}
	return token, nil
}

// ─── Unblinded Payment Tokens ───────────────────────────────────────────────

// CountUnblindedPaymentTokens returns the number of tokens awaiting redemption.
func (db *DB) CountUnblindedPaymentTokens(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unblinded_payment_tokens`).Scan(&n)
	return n, err
}

// GetAllUnblindedPaymentTokens returns every token awaiting redemption,
// oldest first.
func (db *DB) GetAllUnblindedPaymentTokens(ctx context.Context) ([]domain.UnblindedPaymentToken, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT token, public_key, value, transaction_id, ad_type, confirmation_type, created_at
		FROM unblinded_payment_tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.UnblindedPaymentToken
	for rows.Next() {
		var t domain.UnblindedPaymentToken
		var createdAt sql.NullInt64
		if err := rows.Scan(&t.Token, &t.PublicKey, &t.Value, &t.TransactionID,
			&t.AdType, &t.ConfirmationType, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = decodeTime(createdAt)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RedeemUnblindedPaymentTokens removes a redeemed batch and marks the
// transactions it paid for as redeemed at redeemedAt, in one transaction.
// A transaction that is already redeemed keeps its original redeemed_at.
// Returns the number of transactions newly marked.
func (db *DB) RedeemUnblindedPaymentTokens(ctx context.Context, tokens []domain.UnblindedPaymentToken, redeemedAt time.Time) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	var marked int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tokens {
			if _, err := tx.ExecContext(ctx, `DELETE FROM unblinded_payment_tokens WHERE token = ?`, t.Token); err != nil {
				return fmt.Errorf("delete payment token: %w", err)
			}
			n, err := markRedeemed(ctx, tx, t.TransactionID, redeemedAt)
			if err != nil {
				return err
			}
			marked += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// DeleteAllUnblindedPaymentTokens empties the payment token table.
func (db *DB) DeleteAllUnblindedPaymentTokens(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM unblinded_payment_tokens`)
	return err
}

func insertUnblindedPaymentToken(ctx context.Context, q execer, t domain.UnblindedPaymentToken) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO unblinded_payment_tokens
			(token, public_key, value, transaction_id, ad_type, confirmation_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Token, t.PublicKey, t.Value, t.TransactionID, string(t.AdType), string(t.ConfirmationType),
		t.CreatedAt.UTC().UnixMicro())
	return err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnblindedToken(row rowScanner) (domain.UnblindedToken, error) {
	var t domain.UnblindedToken
	var expiresAt sql.NullInt64
	if err := row.Scan(&t.Token, &t.PublicKey, &t.Value, &expiresAt); err != nil {
		return domain.UnblindedToken{}, err
	}
	t.ExpiresAt = decodeTime(expiresAt)
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
