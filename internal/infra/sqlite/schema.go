package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Spendable confirmation credits
		`CREATE TABLE IF NOT EXISTS unblinded_tokens (
			token      TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			value      REAL NOT NULL DEFAULT 0,
			expires_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unblinded_tokens_created ON unblinded_tokens(created_at)`,

		// Post-confirmation value awaiting redemption
		`CREATE TABLE IF NOT EXISTS unblinded_payment_tokens (
			token             TEXT PRIMARY KEY,
			public_key        TEXT NOT NULL,
			value             REAL NOT NULL DEFAULT 0,
			transaction_id    TEXT NOT NULL,
			ad_type           TEXT NOT NULL,
			confirmation_type TEXT NOT NULL,
			created_at        INTEGER NOT NULL
		)`,

		// Transaction ledger
		`CREATE TABLE IF NOT EXISTS transactions (
			id                   TEXT PRIMARY KEY,
			creative_instance_id TEXT NOT NULL DEFAULT '',
			value                REAL NOT NULL DEFAULT 0,
			ad_type              TEXT NOT NULL DEFAULT '',
			confirmation_type    TEXT NOT NULL DEFAULT '',
			created_at           INTEGER NOT NULL,
			redeemed_at          INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(redeemed_at, created_at)`,

		// Issuer public keys, replaced wholesale
		`CREATE TABLE IF NOT EXISTS issuers (
			type         TEXT NOT NULL,
			public_key   TEXT NOT NULL,
			denomination REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (type, public_key)
		)`,

		// In-flight and failed confirmations (retry queue)
		`CREATE TABLE IF NOT EXISTS confirmation_queue (
			id                    TEXT PRIMARY KEY,
			transaction_id        TEXT NOT NULL,
			creative_instance_id  TEXT NOT NULL,
			ad_type               TEXT NOT NULL,
			confirmation_type     TEXT NOT NULL,
			token                 TEXT NOT NULL,
			token_public_key      TEXT NOT NULL,
			token_value           REAL NOT NULL DEFAULT 0,
			token_expires_at      INTEGER,
			payment_token         TEXT NOT NULL,
			blinded_payment_token TEXT NOT NULL,
			payload               TEXT NOT NULL,
			credential            TEXT NOT NULL,
			value                 REAL NOT NULL DEFAULT 0,
			created_at            INTEGER NOT NULL,
			attempts              INTEGER NOT NULL DEFAULT 0,
			last_error            TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmation_queue_created ON confirmation_queue(created_at)`,

		// Client preferences
		`CREATE TABLE IF NOT EXISTS preferences (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Creative ad catalog
		`CREATE TABLE IF NOT EXISTS creative_ads (
			creative_instance_id TEXT PRIMARY KEY,
			value                REAL NOT NULL DEFAULT 0,
			updated_at           INTEGER NOT NULL
		)`,
	}
}
