// Package registry is the Registry Store (spec §4.1): a thin transactional
// wrapper around the shared ha_node/config tables. It distinguishes a
// retryable "offline" failure (connection dropped, query timed out) from a
// "fatal" one (syntax error, committed-state violation) by returning
// *haerr.Error of the matching Kind from Begin and every Tx method.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"hamanager/internal/haerr"
)

// Store owns the *sql.DB and the dialect used to talk to it.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens the database with the given driver ("sqlite3", "pgx",
// "mysql") and DSN, and returns a Store bound to the matching Dialect.
// It does not create the schema — call EnsureSchema for that.
func Open(driver, dsn string) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", driver, err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Dialect exposes the resolved dialect, mostly for logging.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying *sql.DB for callers that need a transaction
// independent of the current one — namely audit.Emitter.RecordImmediate,
// which must commit a security-relevant entry even when the caller's own
// transaction is about to roll back.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the ha_node, config, and audit_log tables if they
// do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry: schema: %w", err)
		}
	}
	return nil
}

// Tx is a single Registry Store transaction. All mutating methods take
// effect only on Commit; Rollback (including the implicit rollback from
// an abandoned Tx) discards them and any audit entries recorded against
// them, per spec §4.6.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Begin starts a transaction. reconnect is attempted lazily here: if the
// underlying *sql.DB has lost its connection, sql.DB.BeginTx itself
// retries dialing, so a successful Begin after an earlier Offline is
// evidence the database is back.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	if stmt := s.dialect.BeginWrite(); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, classify(err)
		}
	}
	return &Tx{tx: tx, dialect: s.dialect}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Rollback discards the transaction. Safe to call after Commit (no-op).
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify(err)
	}
	return nil
}

// ReadNodes returns every node row ordered by node_id (spec §4.1). With
// lock=true the read takes the table-wide lock state transitions require
// (spec §5). On SQLite ForUpdate() and BeginWrite() are both empty, so
// this is a plain read there and takes no lock up front.
func (t *Tx) ReadNodes(ctx context.Context, lock bool) ([]Node, error) {
	q := "SELECT ha_nodeid, name, status, lastaccess, address, port, ha_sessionid FROM ha_node ORDER BY ha_nodeid"
	if lock {
		q += t.dialect.ForUpdate()
	}
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var status int
		if err := rows.Scan(&n.NodeID, &n.Name, &status, &n.LastAccess, &n.Address, &n.Port, &n.SessionID); err != nil {
			return nil, classify(err)
		}
		n.Status = Status(status)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return nodes, nil
}

// ReadDBTime returns the database server's own clock in whole seconds
// (spec §4.1), so liveness math is immune to clock skew between nodes.
func (t *Tx) ReadDBTime(ctx context.Context) (int64, error) {
	var now int64
	if err := t.tx.QueryRowContext(ctx, "SELECT "+t.dialect.NowExpr()).Scan(&now); err != nil {
		return 0, classify(err)
	}
	return now, nil
}

// ReadConfig returns the global failover_delay and auditlog_enabled settings.
func (t *Tx) ReadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	var enabled int
	err := t.tx.QueryRowContext(ctx,
		"SELECT ha_failover_delay, auditlog_enabled FROM config WHERE configid = 1").
		Scan(&cfg.FailoverDelay, &enabled)
	if err != nil {
		return Config{}, classify(err)
	}
	cfg.AuditLogEnabled = enabled != 0
	return cfg, nil
}

// InsertNode creates a new node row in status stopped, lastaccess=now
// (spec §3's "created" lifecycle step).
func (t *Tx) InsertNode(ctx context.Context, id, name string, now int64) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.InsertNodeSQL(), id, name, int(StatusStopped), now)
	if err != nil {
		return classify(err)
	}
	return nil
}

// UpdateNode writes any non-nil subset of fields onto the row identified
// by id (spec §4.1 update_node). Returns a Fatal error if no row matched
// — the caller's own row disappearing mid-transaction is not retryable.
func (t *Tx) UpdateNode(ctx context.Context, id string, fields NodeFields) error {
	set := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = %s", col, t.dialect.Placeholder(len(args))))
	}
	if fields.Status != nil {
		add("status", int(*fields.Status))
	}
	if fields.LastAccess != nil {
		add("lastaccess", *fields.LastAccess)
	}
	if fields.Address != nil {
		add("address", *fields.Address)
	}
	if fields.Port != nil {
		add("port", *fields.Port)
	}
	if fields.SessionID != nil {
		add("ha_sessionid", *fields.SessionID)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE ha_node SET %s WHERE ha_nodeid = %s",
		joinComma(set), t.dialect.Placeholder(len(args)))
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return haerr.Fatal("registry: no node row for id %s", id)
	}
	return nil
}

// DeleteNode removes a node row (spec §3: only via RemoveNode, and only
// when its status is not active/standby — that check belongs to the
// caller, not the store).
func (t *Tx) DeleteNode(ctx context.Context, id string) error {
	q := fmt.Sprintf("DELETE FROM ha_node WHERE ha_nodeid = %s", t.dialect.Placeholder(1))
	res, err := t.tx.ExecContext(ctx, q, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return haerr.Fatal("registry: no node row for id %s", id)
	}
	return nil
}

// UpdateFailoverDelay updates the global failover_delay with a single
// UPDATE statement and no preceding read, so there is no separate
// read-then-update race window. It takes no lock beyond the one the
// database applies to the updated row.
func (t *Tx) UpdateFailoverDelay(ctx context.Context, seconds int) error {
	q := fmt.Sprintf("UPDATE config SET ha_failover_delay = %s WHERE configid = 1", t.dialect.Placeholder(1))
	_, err := t.tx.ExecContext(ctx, q, seconds)
	if err != nil {
		return classify(err)
	}
	return nil
}

// SQL is exposed so the audit package can record entries on the same
// *sql.Tx without this package importing audit (which would be a cycle —
// audit depends on the row shapes this package defines).
func (t *Tx) SQL() *sql.Tx { return t.tx }

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// classify maps a driver error to a *haerr.Error, choosing Offline for
// connectivity problems and Fatal for everything else (syntax errors,
// constraint violations, unexpected row counts).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driverBadConn) {
		return haerr.Offline(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return haerr.Offline(err)
	}
	if isConnRefusedOrReset(err) {
		return haerr.Offline(err)
	}
	var already *haerr.Error
	if errors.As(err, &already) {
		return err
	}
	return haerr.FatalErr(err, "registry operation failed")
}
