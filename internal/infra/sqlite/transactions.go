package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Transaction Ledger ─────────────────────────────────────────────────────
// Append-only. The only mutation after insert is setting redeemed_at, and
// that happens at most once per row.

const transactionColumns = `id, creative_instance_id, value, ad_type, confirmation_type, created_at, redeemed_at`

// AppendTransactions inserts transactions in one SQL transaction. A row whose
// id already exists is left untouched.
func (db *DB) AppendTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range txs {
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTransaction looks up one transaction by id.
func (db *DB) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, domain.ErrTransactionNotFound)
	}
	return t, err
}

// GetAllTransactions returns the whole ledger ordered by creation time.
func (db *DB) GetAllTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return db.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY created_at, id`)
}

// GetTransactionsForDateRange returns transactions created in [from, to],
// both ends inclusive.
func (db *DB) GetTransactionsForDateRange(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	return db.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at, id
	`, from.UTC().UnixMicro(), to.UTC().UnixMicro())
}

// MarkTransactionRedeemed sets redeemed_at on a pending transaction. It
// reports false when the transaction was already redeemed.
func (db *DB) MarkTransactionRedeemed(ctx context.Context, id string, redeemedAt time.Time) (bool, error) {
	if _, err := db.GetTransaction(ctx, id); err != nil {
		return false, err
	}
	n, err := markRedeemed(ctx, db.db, id, redeemedAt)
	return n == 1, err
}

func (db *DB) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func insertTransaction(ctx context.Context, q execer, t domain.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.CreativeInstanceID, t.Value, string(t.AdType), string(t.ConfirmationType),
		t.CreatedAt.UTC().UnixMicro(), encodeTime(t.RedeemedAt))
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

// markRedeemed never moves redeemed_at before created_at and never touches
// a row that is already redeemed.
func markRedeemed(ctx context.Context, q execer, id string, redeemedAt time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE transactions SET redeemed_at = MAX(created_at, ?)
		WHERE id = ? AND redeemed_at IS NULL
	`, redeemedAt.UTC().UnixMicro(), id)
	if err != nil {
		return 0, fmt.Errorf("mark transaction %s redeemed: %w", id, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var createdAt, redeemedAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.CreativeInstanceID, &t.Value, &t.AdType,
		&t.ConfirmationType, &createdAt, &redeemedAt); err != nil {
		return domain.Transaction{}, err
	}
	t.CreatedAt = decodeTime(createdAt)
	t.RedeemedAt = decodeTime(redeemedAt)
	return t, nil
}
