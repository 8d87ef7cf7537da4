package sqlstore

// dialect holds the statements that differ between SQLite and MySQL.
type dialect struct {
	name          string
	migrations    []string
	upsertSession string
	lockSuffix    string // appended to the session SELECT in LockSession
}

const sessionColumns = `id, training_type, name, scheduled_at, max_participants, status, created_at`

var sqliteDialect = &dialect{
	name: "sqlite3",
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			training_type    TEXT NOT NULL,
			name             TEXT NOT NULL DEFAULT '',
			scheduled_at     TEXT NOT NULL,
			max_participants INTEGER NOT NULL CHECK (max_participants >= 0),
			status           TEXT NOT NULL DEFAULT 'scheduled',
			created_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL REFERENCES sessions(id),
			user_id         TEXT NOT NULL,
			children        INTEGER NOT NULL CHECK (children > 0),
			payment_method  TEXT NOT NULL,
			entitlement_id  TEXT,
			payment_ref     TEXT,
			amount_value    TEXT NOT NULL,
			amount_currency TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			cancelled_at    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_session ON bookings(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_cancelling ON bookings(status, cancelled_at)`,
		`CREATE TABLE IF NOT EXISTS season_tickets (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			training_type TEXT NOT NULL,
			total         INTEGER NOT NULL CHECK (total > 0),
			used          INTEGER NOT NULL DEFAULT 0,
			purchased_at  TEXT NOT NULL,
			expires_at    TEXT NOT NULL,
			version       INTEGER NOT NULL DEFAULT 0,
			CHECK (used >= 0 AND used <= total)
		)`,
		`CREATE TABLE IF NOT EXISTS credits (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			training_type     TEXT NOT NULL,
			children          INTEGER NOT NULL CHECK (children > 0),
			status            TEXT NOT NULL,
			source_booking_id TEXT,
			consumed_by       TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entitlement_transactions (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			kind            TEXT NOT NULL,
			entitlement_id  TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			booking_id      TEXT,
			delta_value     TEXT NOT NULL,
			delta_unit      TEXT NOT NULL,
			tx_type         TEXT NOT NULL,
			reason          TEXT,
			idempotency_key TEXT UNIQUE,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_entitlement ON entitlement_transactions(kind, entitlement_id)`,
		`CREATE TABLE IF NOT EXISTS compensations (
			booking_id      TEXT PRIMARY KEY REFERENCES bookings(id),
			outcome         TEXT NOT NULL,
			refund_id       TEXT,
			refund_error    TEXT,
			ticket_id       TEXT,
			credit_id       TEXT,
			children        INTEGER NOT NULL,
			amount_value    TEXT NOT NULL,
			amount_currency TEXT NOT NULL,
			created_at      TEXT NOT NULL
		)`,
	},
	upsertSession: `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			training_type = excluded.training_type,
			name = excluded.name,
			scheduled_at = excluded.scheduled_at,
			max_participants = excluded.max_participants`,
}

// MySQL needs bounded VARCHAR columns for keys and indexes.
var mysqlDialect = &dialect{
	name: "mysql",
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id               VARCHAR(64) PRIMARY KEY,
			training_type    VARCHAR(64) NOT NULL,
			name             VARCHAR(255) NOT NULL DEFAULT '',
			scheduled_at     VARCHAR(32) NOT NULL,
			max_participants INT NOT NULL CHECK (max_participants >= 0),
			status           VARCHAR(16) NOT NULL DEFAULT 'scheduled',
			created_at       VARCHAR(32) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id              VARCHAR(64) PRIMARY KEY,
			session_id      VARCHAR(64) NOT NULL,
			user_id         VARCHAR(64) NOT NULL,
			children        INT NOT NULL CHECK (children > 0),
			payment_method  VARCHAR(16) NOT NULL,
			entitlement_id  VARCHAR(64) NULL,
			payment_ref     VARCHAR(255) NULL,
			amount_value    VARCHAR(32) NOT NULL,
			amount_currency VARCHAR(8) NOT NULL,
			status          VARCHAR(16) NOT NULL,
			created_at      VARCHAR(32) NOT NULL,
			cancelled_at    VARCHAR(32) NULL,
			INDEX idx_bookings_session (session_id, status),
			INDEX idx_bookings_cancelling (status, cancelled_at),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS season_tickets (
			id            VARCHAR(64) PRIMARY KEY,
			user_id       VARCHAR(64) NOT NULL,
			training_type VARCHAR(64) NOT NULL,
			total         INT NOT NULL CHECK (total > 0),
			used          INT NOT NULL DEFAULT 0,
			purchased_at  VARCHAR(32) NOT NULL,
			expires_at    VARCHAR(32) NOT NULL,
			version       INT NOT NULL DEFAULT 0,
			CHECK (used >= 0 AND used <= total)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS credits (
			id                VARCHAR(64) PRIMARY KEY,
			user_id           VARCHAR(64) NOT NULL,
			training_type     VARCHAR(64) NOT NULL,
			children          INT NOT NULL CHECK (children > 0),
			status            VARCHAR(16) NOT NULL,
			source_booking_id VARCHAR(64) NULL,
			consumed_by       VARCHAR(64) NULL,
			created_at        VARCHAR(32) NOT NULL,
			updated_at        VARCHAR(32) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS entitlement_transactions (
			seq             BIGINT AUTO_INCREMENT PRIMARY KEY,
			id              VARCHAR(64) NOT NULL UNIQUE,
			kind            VARCHAR(16) NOT NULL,
			entitlement_id  VARCHAR(64) NOT NULL,
			user_id         VARCHAR(64) NOT NULL,
			booking_id      VARCHAR(64) NULL,
			delta_value     VARCHAR(32) NOT NULL,
			delta_unit      VARCHAR(16) NOT NULL,
			tx_type         VARCHAR(16) NOT NULL,
			reason          VARCHAR(255) NULL,
			idempotency_key VARCHAR(191) NULL UNIQUE,
			created_at      VARCHAR(32) NOT NULL,
			INDEX idx_transactions_entitlement (kind, entitlement_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS compensations (
			booking_id      VARCHAR(64) PRIMARY KEY,
			outcome         VARCHAR(32) NOT NULL,
			refund_id       VARCHAR(255) NULL,
			refund_error    VARCHAR(1024) NULL,
			ticket_id       VARCHAR(64) NULL,
			credit_id       VARCHAR(64) NULL,
			children        INT NOT NULL,
			amount_value    VARCHAR(32) NOT NULL,
			amount_currency VARCHAR(8) NOT NULL,
			created_at      VARCHAR(32) NOT NULL,
			FOREIGN KEY (booking_id) REFERENCES bookings(id)
		) ENGINE=InnoDB`,
	},
	upsertSession: `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			training_type = VALUES(training_type),
			name = VALUES(name),
			scheduled_at = VALUES(scheduled_at),
			max_participants = VALUES(max_participants)`,
	lockSuffix: ` FOR UPDATE`,
}
