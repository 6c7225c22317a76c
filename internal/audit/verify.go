package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// VerifyChain walks the audit_log table in id order and recomputes each
// row's HMAC, generalized from the teacher's handlers/audit_verify.go.
// It reports the id of the first row whose stored row_hash does not match
// what computeRowHash produces from its own columns plus the previous
// row's hash — a mismatch means the table was edited outside the
// manager, or the key changed.
func VerifyChain(ctx context.Context, db *sql.DB, hmacKey []byte) (ok bool, brokenAt int64, err error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, timestamp, action, entity, entity_id, changes, prev_hash, row_hash
		 FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return false, 0, fmt.Errorf("audit: verify query: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	for rows.Next() {
		var id int64
		var ts int64
		var action, entity, entityID, changes, storedPrev, storedRow string
		if err := rows.Scan(&id, &ts, &action, &entity, &entityID, &changes, &storedPrev, &storedRow); err != nil {
			return false, 0, fmt.Errorf("audit: verify scan: %w", err)
		}
		if storedPrev != prevHash {
			return false, id, nil
		}
		want := computeRowHash(hmacKey, prevHash, ts, action, entity, entityID, changes)
		if want != storedRow {
			return false, id, nil
		}
		prevHash = storedRow
	}
	if err := rows.Err(); err != nil {
		return false, 0, fmt.Errorf("audit: verify rows: %w", err)
	}
	return true, 0, nil
}
