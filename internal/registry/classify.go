package registry

import (
	"database/sql/driver"
	"strings"
)

// driverBadConn lets classify() use errors.Is against database/sql/driver's
// sentinel for a connection sql.DB has already decided to discard.
var driverBadConn = driver.ErrBadConn

// connErrSubstrings are fragments of driver-specific error text that
// indicate the database is unreachable rather than the query being
// malformed. Matching on text is unfortunate but unavoidable here: none
// of mattn/go-sqlite3, jackc/pgx, or go-sql-driver/mysql export a shared
// "connection lost" sentinel type.
var connErrSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"database is locked",
	"no such host",
	"i/o timeout",
	"invalid connection",
	"bad connection",
	"server closed the connection",
	"EOF",
}

func isConnRefusedOrReset(err error) bool {
	msg := err.Error()
	for _, frag := range connErrSubstrings {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
