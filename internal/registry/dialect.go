package registry

import "fmt"

// Dialect hides the handful of places SQL differs across the three
// backends the store supports. It deliberately stays tiny — the store
// issues hand-written statements, not a generated query builder — which
// matches the teacher's own style of embedding literal SQL in methods
// (see the original internal/ha/cluster.go and cmd/dplaned/schema.go).
type Dialect interface {
	// Name identifies the dialect for logging and the driver registry.
	Name() string
	// Placeholder returns the positional parameter marker for the n-th
	// (1-based) bound argument in a statement.
	Placeholder(n int) string
	// NowExpr is a SQL expression returning the database's own clock as
	// whole seconds since the epoch (spec §4.1 read_db_time).
	NowExpr() string
	// ForUpdate is appended to a SELECT that must take the table-wide
	// lock described in spec §5. SQLite has no row-level locking, so it
	// returns "" there; its BeginWrite is "" as well, so no lock is taken
	// up front on SQLite.
	ForUpdate() string
	// BeginWrite returns the statement (if any) that must run immediately
	// after BEGIN to acquire a writer lock up front, avoiding "database is
	// locked" surprises partway through a transaction.
	BeginWrite() string
	// InsertNodeSQL returns the statement used to insert a brand-new node
	// row, matching each dialect's conflict-free insert.
	InsertNodeSQL() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                  { return "sqlite3" }
func (sqliteDialect) Placeholder(int) string        { return "?" }
func (sqliteDialect) NowExpr() string                { return "CAST(strftime('%s','now') AS INTEGER)" }
func (sqliteDialect) ForUpdate() string              { return "" }
func (sqliteDialect) BeginWrite() string             { return "" }
func (sqliteDialect) InsertNodeSQL() string {
	return `INSERT INTO ha_node (ha_nodeid, name, status, lastaccess, address, port, ha_sessionid)
		VALUES (?, ?, ?, ?, '', 0, '')`
}

type postgresDialect struct{}

func (postgresDialect) Name() string           { return "postgres" }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) NowExpr() string          { return "CAST(EXTRACT(EPOCH FROM now()) AS BIGINT)" }
func (postgresDialect) ForUpdate() string        { return " FOR UPDATE" }
func (postgresDialect) BeginWrite() string       { return "" }
func (postgresDialect) InsertNodeSQL() string {
	return `INSERT INTO ha_node (ha_nodeid, name, status, lastaccess, address, port, ha_sessionid)
		VALUES ($1, $2, $3, $4, '', 0, '')`
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string           { return "mysql" }
func (mysqlDialect) Placeholder(int) string { return "?" }
func (mysqlDialect) NowExpr() string        { return "UNIX_TIMESTAMP()" }
func (mysqlDialect) ForUpdate() string      { return " FOR UPDATE" }
func (mysqlDialect) BeginWrite() string     { return "" }
func (mysqlDialect) InsertNodeSQL() string {
	return `INSERT INTO ha_node (ha_nodeid, name, status, lastaccess, address, port, ha_sessionid)
		VALUES (?, ?, ?, ?, '', 0, '')`
}

// DialectFor resolves a driver name ("sqlite3", "pgx", "mysql") to its
// Dialect. The driver name, not a separate config knob, selects the
// dialect — one fewer thing for an operator to get out of sync.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3":
		return sqliteDialect{}, nil
	case "pgx", "postgres", "postgresql":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("registry: unsupported driver %q", driver)
	}
}
