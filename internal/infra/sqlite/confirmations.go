package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Confirmation Queue ─────────────────────────────────────────────────────
// A confirmation row exists from the moment its token is withdrawn until the
// reward server either accepts it or definitively rejects it. Rows that
// survive a failed submission (or a crash mid-flight) are the retry queue.

const confirmationColumns = `id, transaction_id, creative_instance_id, ad_type, confirmation_type,
	token, token_public_key, token_value, token_expires_at,
	payment_token, blinded_payment_token, payload, credential,
	value, created_at, attempts, last_error`

// EnqueueConfirmation withdraws the next spendable token signed by one of
// publicKeys, hands it to build and persists the resulting confirmation. The
// withdrawal and the insert commit together; if build fails the token stays
// in the pool.
func (db *DB) EnqueueConfirmation(ctx context.Context, publicKeys []string, now time.Time, build domain.ConfirmationBuilder) (domain.Confirmation, error) {
	var confirmation domain.Confirmation
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		token, err := withdrawUnblindedToken(ctx, tx, publicKeys, now)
		if err != nil {
			return err
		}
		confirmation, err = build(token)
		if err != nil {
			return err
		}
		return insertConfirmation(ctx, tx, confirmation)
	})
	return confirmation, err
}

// ListQueuedConfirmations returns the queue oldest first.
func (db *DB) ListQueuedConfirmations(ctx context.Context) ([]domain.Confirmation, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+confirmationColumns+` FROM confirmation_queue ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountQueuedConfirmations returns the retry queue depth.
func (db *DB) CountQueuedConfirmations(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM confirmation_queue`).Scan(&n)
	return n, err
}

// RecordConfirmationFailure bumps the attempt counter of a queued
// confirmation and stores the failure reason.
func (db *DB) RecordConfirmationFailure(ctx context.Context, id string, reason string) error {
	_, err := db.db.ExecContext(ctx, `
		UPDATE confirmation_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?
	`, reason, id)
	return err
}

// RemoveQueuedConfirmation drops a confirmation without crediting it.
func (db *DB) RemoveQueuedConfirmation(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM confirmation_queue WHERE id = ?`, id)
	return err
}

// CompleteConfirmation settles an accepted confirmation: the queue row is
// removed, the earned payment token stored and the transaction appended, all
// in one SQL transaction. Replaying a completion is harmless.
func (db *DB) CompleteConfirmation(ctx context.Context, id string, paymentToken domain.UnblindedPaymentToken, txn domain.Transaction) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM confirmation_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("dequeue confirmation: %w", err)
		}
		if err := insertUnblindedPaymentToken(ctx, tx, paymentToken); err != nil {
			return fmt.Errorf("insert payment token: %w", err)
		}
		return insertTransaction(ctx, tx, txn)
	})
}

// DeleteAllQueuedConfirmations empties the queue.
func (db *DB) DeleteAllQueuedConfirmations(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM confirmation_queue`)
	return err
}

func insertConfirmation(ctx context.Context, q execer, c domain.Confirmation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO confirmation_queue (`+confirmationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TransactionID, c.CreativeInstanceID, string(c.AdType), string(c.Type),
		c.Token.Token, c.Token.PublicKey, c.Token.Value, encodeTime(c.Token.ExpiresAt),
		c.PaymentToken, c.BlindedPaymentToken, c.Payload, c.Credential,
		c.Value, c.CreatedAt.UTC().UnixMicro(), c.Attempts, c.LastError)
	if err != nil {
		return fmt.Errorf("enqueue confirmation %s: %w", c.ID, err)
	}
	return nil
}

func scanConfirmation(row rowScanner) (domain.Confirmation, error) {
	var c domain.Confirmation
	var tokenExpiresAt, createdAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.TransactionID, &c.CreativeInstanceID, &c.AdType, &c.Type,
		&c.Token.Token, &c.Token.PublicKey, &c.Token.Value, &tokenExpiresAt,
		&c.PaymentToken, &c.BlindedPaymentToken, &c.Payload, &c.Credential,
		&c.Value, &createdAt, &c.Attempts, &c.LastError); err != nil {
		return domain.Confirmation{}, err
	}
	c.Token.ExpiresAt = decodeTime(tokenExpiresAt)
	c.CreatedAt = decodeTime(createdAt)
	return c, nil
}
