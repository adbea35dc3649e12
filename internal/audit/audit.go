// Package audit persists the append-only audit log. Every policy decision
// and every mutation lands here, independent of the account store lifecycle.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/models"
)

// Logger appends audit entries. Append failures fail the surrounding
// operation: a mutation that cannot be traced must not commit.
type Logger interface {
	Append(ctx context.Context, entry models.AuditLogEntry) error
}

// Store writes audit entries to postgres and mirrors them as structured
// AUDIT log lines.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewStore returns an audit store over db.
func NewStore(db *sql.DB, log *logrus.Logger) *Store {
	return &Store{db: db, log: log}
}

// Execer is the SQL surface Insert writes through. Both *sql.DB and *sql.Tx
// satisfy it, so an audit row can ride inside the transaction whose mutation
// it records.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert writes one audit row through execer, assigning event ID and
// timestamp when unset. Rows in audit_log are never updated or deleted.
func Insert(ctx context.Context, execer Execer, entry models.AuditLogEntry) error {
	if entry.EventID == "" {
		entry.EventID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to encode audit context: %w", err)
	}

	_, err = execer.ExecContext(ctx, `
		INSERT INTO audit_log (event_id, event_type, identity, permission, decision, policy_applied, timestamp, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.EventID, entry.EventType, entry.Identity, entry.Permission,
		entry.Decision, entry.PolicyApplied, entry.Timestamp, contextJSON)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Append inserts the entry and mirrors it as a structured AUDIT log line.
func (s *Store) Append(ctx context.Context, entry models.AuditLogEntry) error {
	if entry.EventID == "" {
		entry.EventID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := Insert(ctx, s.db, entry); err != nil {
		return err
	}

	line, _ := json.Marshal(entry)
	s.log.WithFields(logrus.Fields{
		"event_id":   entry.EventID,
		"event_type": entry.EventType,
	}).Infof("AUDIT: %s", line)
	return nil
}

// Recent returns the newest entries for the admin surface.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, identity, permission, decision, policy_applied, timestamp, context
		FROM audit_log
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var entry models.AuditLogEntry
		var contextJSON []byte
		if err := rows.Scan(&entry.EventID, &entry.EventType, &entry.Identity,
			&entry.Permission, &entry.Decision, &entry.PolicyApplied,
			&entry.Timestamp, &contextJSON); err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
				return nil, fmt.Errorf("failed to decode audit context: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
