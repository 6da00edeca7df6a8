package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteLog persists the audit log to SQLite, the durable audit sink.
// Sequence assignment and hash chaining happen inside a single transaction
// per append, so entries are atomic and strictly ordered per case.
type SQLiteLog struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteLog creates the log and runs the schema migration.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *SQLiteLog) WithClock(clock func() time.Time) *SQLiteLog {
	l.clock = clock
	return l
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id     TEXT PRIMARY KEY,
		case_id      TEXT NOT NULL,
		revision     TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		stage        TEXT NOT NULL,
		actor        TEXT NOT NULL,
		rule_version TEXT,
		inputs_hash  TEXT,
		summary      JSON,
		timestamp    TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		entry_hash   TEXT NOT NULL,
		UNIQUE (case_id, seq)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts the entry under a transaction. The UNIQUE(case_id, seq)
// constraint rejects concurrent writers racing on the same case, which the
// caller retries; the per-revision pipeline lock makes that rare.
func (l *SQLiteLog) Append(ctx context.Context, e Entry) (*Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	var head sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM audit_entries WHERE case_id = ? ORDER BY seq DESC LIMIT 1`,
		e.CaseID)
	if err := row.Scan(&seq, &head); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit append: read head: %w", err)
	}

	e.EntryID = uuid.New().String()
	e.Seq = seq + 1
	e.Timestamp = l.clock().UTC()
	e.PrevHash = genesisHash
	if head.Valid {
		e.PrevHash = head.String
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}

	hash, err := computeEntryHash(&e)
	if err != nil {
		return nil, err
	}
	e.EntryHash = hash

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries
			(entry_id, case_id, revision, seq, stage, actor, rule_version, inputs_hash, summary, timestamp, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.CaseID, e.Revision, e.Seq, e.Stage, e.Actor, e.RuleVersion,
		e.InputsHash, string(e.Summary), e.Timestamp.Format(time.RFC3339Nano),
		e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("audit append: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit append: commit: %w", err)
	}
	return &e, nil
}

// ReadAll returns a case's entries in sequence order.
func (l *SQLiteLog) ReadAll(ctx context.Context, caseID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, case_id, revision, seq, stage, actor, rule_version, inputs_hash, summary, timestamp, prev_hash, entry_hash
		FROM audit_entries WHERE case_id = ? ORDER BY seq ASC`,
		caseID)
	if err != nil {
		return nil, fmt.Errorf("audit read: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ruleVersion, inputsHash, summary sql.NullString
		var ts string
		if err := rows.Scan(&e.EntryID, &e.CaseID, &e.Revision, &e.Seq, &e.Stage, &e.Actor,
			&ruleVersion, &inputsHash, &summary, &ts, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("audit read: scan: %w", err)
		}
		e.RuleVersion = ruleVersion.String
		e.InputsHash = inputsHash.String
		if summary.Valid {
			e.Summary = []byte(summary.String)
		}
		e.Timestamp = parseTime(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit read: %w", err)
	}
	return entries, nil
}

// VerifyChain replays a case's chain from storage and recomputes every hash.
func (l *SQLiteLog) VerifyChain(ctx context.Context, caseID string) error {
	entries, err := l.ReadAll(ctx, caseID)
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
