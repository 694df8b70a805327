package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Issuers ────────────────────────────────────────────────────────────────

// GetIssuers loads the persisted issuer set. An empty table yields an empty
// IssuersInfo.
func (db *DB) GetIssuers(ctx context.Context) (domain.IssuersInfo, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT type, public_key, denomination FROM issuers ORDER BY type, public_key`)
	if err != nil {
		return domain.IssuersInfo{}, err
	}
	defer rows.Close()

	var info domain.IssuersInfo
	byType := map[domain.IssuerType]int{}
	for rows.Next() {
		var (
			typ          domain.IssuerType
			key          string
			denomination float64
		)
		if err := rows.Scan(&typ, &key, &denomination); err != nil {
			return domain.IssuersInfo{}, err
		}
		i, ok := byType[typ]
		if !ok {
			i = len(info.Issuers)
			byType[typ] = i
			info.Issuers = append(info.Issuers, domain.Issuer{Type: typ, PublicKeys: map[string]float64{}})
		}
		info.Issuers[i].PublicKeys[key] = denomination
	}
	if err := rows.Err(); err != nil {
		return domain.IssuersInfo{}, err
	}

	ping, err := getPreference(ctx, db.db, domain.PrefIssuerPing)
	if err != nil {
		return domain.IssuersInfo{}, err
	}
	if ping != "" {
		ms, err := strconv.ParseInt(ping, 10, 64)
		if err != nil {
			return domain.IssuersInfo{}, fmt.Errorf("issuer ping: %w", err)
		}
		info.Ping = time.Duration(ms) * time.Millisecond
	}
	return info, nil
}

// SaveIssuers replaces the persisted issuer set wholesale.
func (db *DB) SaveIssuers(ctx context.Context, info domain.IssuersInfo) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM issuers`); err != nil {
			return err
		}
		for _, issuer := range info.Issuers {
			for key, denomination := range issuer.PublicKeys {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO issuers (type, public_key, denomination) VALUES (?, ?, ?)`,
					string(issuer.Type), key, denomination,
				); err != nil {
					return fmt.Errorf("insert issuer key: %w", err)
				}
			}
		}
		return setPreference(ctx, tx, domain.PrefIssuerPing,
			strconv.FormatInt(info.Ping.Milliseconds(), 10))
	})
}
