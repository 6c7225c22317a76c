package registry

// schemaStatements returns the DDL needed to create the ha_node and
// config tables for the given dialect (spec §6). Safe to run on every
// startup — each statement is idempotent.
func schemaStatements(d Dialect) []string {
	switch d.Name() {
	case "sqlite3":
		return []string{
			`CREATE TABLE IF NOT EXISTS ha_node (
				ha_nodeid     TEXT PRIMARY KEY,
				name          TEXT NOT NULL DEFAULT '',
				status        INTEGER NOT NULL DEFAULT 1,
				lastaccess    INTEGER NOT NULL DEFAULT 0,
				address       TEXT NOT NULL DEFAULT '',
				port          INTEGER NOT NULL DEFAULT 0,
				ha_sessionid  TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ha_node_name_uidx ON ha_node(name) WHERE name != ''`,
			`CREATE TABLE IF NOT EXISTS config (
				configid         INTEGER PRIMARY KEY CHECK (configid = 1),
				ha_failover_delay INTEGER NOT NULL DEFAULT 60,
				auditlog_enabled  INTEGER NOT NULL DEFAULT 1
			)`,
			`INSERT OR IGNORE INTO config (configid, ha_failover_delay, auditlog_enabled) VALUES (1, 60, 1)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp  INTEGER NOT NULL,
				action     TEXT NOT NULL,
				entity     TEXT NOT NULL,
				entity_id  TEXT NOT NULL,
				changes    TEXT NOT NULL DEFAULT '',
				prev_hash  TEXT NOT NULL DEFAULT '',
				row_hash   TEXT NOT NULL DEFAULT ''
			)`,
		}
	case "postgres":
		return []string{
			`CREATE TABLE IF NOT EXISTS ha_node (
				ha_nodeid     CHAR(25) PRIMARY KEY,
				name          VARCHAR(128) NOT NULL DEFAULT '',
				status        INTEGER NOT NULL DEFAULT 1,
				lastaccess    BIGINT NOT NULL DEFAULT 0,
				address       VARCHAR(255) NOT NULL DEFAULT '',
				port          INTEGER NOT NULL DEFAULT 0,
				ha_sessionid  CHAR(25) NOT NULL DEFAULT ''
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ha_node_name_uidx ON ha_node(name) WHERE name != ''`,
			`CREATE TABLE IF NOT EXISTS config (
				configid          INTEGER PRIMARY KEY CHECK (configid = 1),
				ha_failover_delay INTEGER NOT NULL DEFAULT 60,
				auditlog_enabled  BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`INSERT INTO config (configid, ha_failover_delay, auditlog_enabled) VALUES (1, 60, TRUE) ON CONFLICT (configid) DO NOTHING`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id         BIGSERIAL PRIMARY KEY,
				timestamp  BIGINT NOT NULL,
				action     VARCHAR(16) NOT NULL,
				entity     VARCHAR(16) NOT NULL,
				entity_id  VARCHAR(128) NOT NULL,
				changes    TEXT NOT NULL DEFAULT '',
				prev_hash  VARCHAR(64) NOT NULL DEFAULT '',
				row_hash   VARCHAR(64) NOT NULL DEFAULT ''
			)`,
		}
	case "mysql":
		return []string{
			`CREATE TABLE IF NOT EXISTS ha_node (
				ha_nodeid     CHAR(25) PRIMARY KEY,
				name          VARCHAR(128) NOT NULL DEFAULT '',
				status        INT NOT NULL DEFAULT 1,
				lastaccess    BIGINT NOT NULL DEFAULT 0,
				address       VARCHAR(255) NOT NULL DEFAULT '',
				port          INT NOT NULL DEFAULT 0,
				ha_sessionid  CHAR(25) NOT NULL DEFAULT ''
			)`,
			// MySQL has no partial/filtered unique index, so the
			// "unique when non-empty" half of invariant I1 is not
			// enforced by the schema here. The lease engine only
			// rejects a same-name row that is live; a second row with
			// the name of a dead node is not prevented on this backend.
			`CREATE TABLE IF NOT EXISTS config (
				configid          INT PRIMARY KEY,
				ha_failover_delay INT NOT NULL DEFAULT 60,
				auditlog_enabled  TINYINT(1) NOT NULL DEFAULT 1
			)`,
			`INSERT IGNORE INTO config (configid, ha_failover_delay, auditlog_enabled) VALUES (1, 60, 1)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id         BIGINT PRIMARY KEY AUTO_INCREMENT,
				timestamp  BIGINT NOT NULL,
				action     VARCHAR(16) NOT NULL,
				entity     VARCHAR(16) NOT NULL,
				entity_id  VARCHAR(128) NOT NULL,
				changes    TEXT NOT NULL,
				prev_hash  VARCHAR(64) NOT NULL DEFAULT '',
				row_hash   VARCHAR(64) NOT NULL DEFAULT ''
			)`,
		}
	default:
		return nil
	}
}
