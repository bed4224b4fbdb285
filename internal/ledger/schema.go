package ledger

import _ "embed"

var (
	//go:embed migrations/postgres.sql
	postgresSchema string

	//go:embed migrations/sqlite.sql
	sqliteSchema string
)
