// Package audit is the Audit Emitter (spec §4.6): it records node and
// settings mutations as structured, HMAC-chained entries that commit (or
// roll back) atomically with the change they describe.
//
// This supersedes the teacher's internal/audit, which batched entries in
// memory and flushed on a timer (internal/audit/buffered_logger.go). That
// design fit a NAS daemon logging thousands of file operations, but it
// cannot satisfy spec §4.6's requirement that an entry is discarded
// exactly when its transaction rolls back — a buffer surviving past the
// transaction boundary would leak entries for mutations that never
// committed. Every entry here is therefore written with the same *sql.Tx
// as the change it describes, never buffered.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"hamanager/internal/registry"
)

// Action is the kind of mutation an Event records.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"

	// ActionSessionTakeover and ActionAdmissionRejected mark
	// security-relevant conditions the lease engine refused. These are
	// always recorded immediately, outside the transaction that detected
	// them — the detecting transaction always rolls back (the condition
	// is a Fatal error), so writing the entry on that same transaction
	// would lose it exactly when it matters most. See Emitter.RecordImmediate.
	ActionSessionTakeover   Action = "session_takeover"
	ActionAdmissionRejected Action = "admission_rejected"
)

// Entity is what was mutated.
type Entity string

const (
	EntityNode     Entity = "node"
	EntitySettings Entity = "settings"
)

// Event is one audit entry (spec §4.6: {action, entity, entity_id, field_changes}).
type Event struct {
	Timestamp int64
	Action    Action
	Entity    Entity
	EntityID  string
	Changes   map[string]any
}

// Emitter writes Events onto the same *sql.Tx as the change they
// describe. When enabled is false, Record is a no-op (spec §4.6: "writes
// are skipped entirely when auditlog_enabled is false").
type Emitter struct {
	dialect registry.Dialect
	hmacKey []byte
	enabled bool
}

// NewEmitter builds an Emitter bound to dialect, so the audit_log INSERT
// it issues uses the same placeholder syntax as every other statement
// registry.Tx runs against that backend. hmacKey may be nil to disable
// row chaining while still writing plain entries.
func NewEmitter(dialect registry.Dialect, hmacKey []byte, enabled bool) *Emitter {
	return &Emitter{dialect: dialect, hmacKey: hmacKey, enabled: enabled}
}

// SetEnabled flips the enabled flag. Nothing in this module calls it:
// the manager reads auditlog_enabled from the config row but does not
// apply it to the Emitter.
func (e *Emitter) SetEnabled(enabled bool) { e.enabled = enabled }

// Record writes one audit entry on tx. Call it before tx.Commit(); if the
// caller later rolls back, the entry never existed, per spec §4.6.
func (e *Emitter) Record(ctx context.Context, tx *sql.Tx, ev Event) error {
	if !e.enabled {
		return nil
	}
	changesJSON, err := json.Marshal(ev.Changes)
	if err != nil {
		return fmt.Errorf("audit: marshal changes: %w", err)
	}

	var prevHash string
	if e.hmacKey != nil {
		_ = tx.QueryRowContext(ctx, `SELECT COALESCE(row_hash, '') FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	}
	rowHash := computeRowHash(e.hmacKey, prevHash, ev.Timestamp, string(ev.Action), string(ev.Entity), ev.EntityID, string(changesJSON))

	q := fmt.Sprintf(`
		INSERT INTO audit_log (timestamp, action, entity, entity_id, changes, prev_hash, row_hash)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		e.dialect.Placeholder(1), e.dialect.Placeholder(2), e.dialect.Placeholder(3),
		e.dialect.Placeholder(4), e.dialect.Placeholder(5), e.dialect.Placeholder(6), e.dialect.Placeholder(7))
	_, err = tx.ExecContext(ctx, q,
		ev.Timestamp, string(ev.Action), string(ev.Entity), ev.EntityID, string(changesJSON), prevHash, rowHash)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// RecordImmediate writes ev in its own short-lived transaction against
// db directly, independent of whatever transaction detected the
// condition being recorded. Use this for security-relevant events
// (ActionSessionTakeover, ActionAdmissionRejected) that are discovered
// inside a transaction that is about to roll back — Record would lose
// the entry along with everything else in that transaction, which is
// exactly backwards for an event whose entire purpose is to survive the
// failure it describes.
func (e *Emitter) RecordImmediate(ctx context.Context, db *sql.DB, ev Event) error {
	if !e.enabled {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin immediate: %w", err)
	}
	if err := e.Record(ctx, tx, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit immediate: %w", err)
	}
	return nil
}
