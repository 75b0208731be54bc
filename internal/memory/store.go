package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kestrelsec/kestrel/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound reports a lookup for an investigation that was never created.
var ErrNotFound = errors.New("investigation not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS investigations (
	id             TEXT PRIMARY KEY,
	objective      TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	confidence     REAL,
	findings_count INTEGER NOT NULL DEFAULT 0,
	metadata       TEXT
);

CREATE TABLE IF NOT EXISTS actions (
	investigation_id TEXT NOT NULL REFERENCES investigations(id),
	seq              INTEGER NOT NULL,
	timestamp        TIMESTAMP NOT NULL,
	kind             TEXT NOT NULL,
	payload          TEXT,
	PRIMARY KEY (investigation_id, seq)
);

CREATE TABLE IF NOT EXISTS findings (
	investigation_id TEXT NOT NULL REFERENCES investigations(id),
	statement        TEXT NOT NULL,
	confidence       REAL NOT NULL,
	sources          TEXT
);

CREATE INDEX IF NOT EXISTS idx_investigations_status ON investigations(status, created_at);
CREATE INDEX IF NOT EXISTS idx_findings_investigation ON findings(investigation_id);
`

// SQLiteStore is the durable investigation memory backed by an embedded SQLite
// database. The action log is append-only; sequence numbers are allocated
// under a single writer lock since the driver serializes writes anyway.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	nextSeq map[string]int64
}

var _ schemas.MemoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	// The sqlite driver does not tolerate concurrent writers on one connection
	// pool; a single connection keeps the append-only log strictly ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying memory store schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		logger:  logger.Named("memory"),
		nextSeq: make(map[string]int64),
	}, nil
}

func (s *SQLiteStore) CreateInvestigation(ctx context.Context, inv schemas.Investigation) error {
	meta, err := json.Marshal(inv.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO investigations (id, objective, status, created_at, completed_at, confidence, findings_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Objective, string(inv.Status), inv.CreatedAt.UTC(),
		nullableTime(inv.CompletedAt), inv.Confidence, inv.FindingsCount, string(meta))
	if err != nil {
		return fmt.Errorf("creating investigation %s: %w", inv.ID, err)
	}
	s.logger.Debug("Investigation created", zap.String("id", inv.ID), zap.String("objective", inv.Objective))
	return nil
}

func (s *SQLiteStore) GetInvestigation(ctx context.Context, id string) (schemas.Investigation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, objective, status, created_at, completed_at, confidence, findings_count, metadata
		FROM investigations WHERE id = ?`, id)
	return scanInvestigation(row)
}

func (s *SQLiteStore) UpdateInvestigationStatus(ctx context.Context, id string, status schemas.InvestigationStatus) error {
	var completedAt any
	if status == schemas.InvestigationCompleted || status == schemas.InvestigationFailed {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE investigations SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), completedAt, id)
	if err != nil {
		return fmt.Errorf("updating investigation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating investigation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateInvestigationOutcome(ctx context.Context, id string, confidence float64, findings int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE investigations SET confidence = ?, findings_count = ? WHERE id = ?`,
		confidence, findings, id)
	if err != nil {
		return fmt.Errorf("recording outcome for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording outcome for %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendAction writes one record to the action log, allocating the next
// sequence number for the investigation. Payloads are stored as JSON.
func (s *SQLiteStore) AppendAction(ctx context.Context, id string, kind schemas.ActionKind, payload any) (schemas.ActionRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return schemas.ActionRecord{}, fmt.Errorf("marshaling action payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.nextSeq[id]
	if !ok {
		row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM actions WHERE investigation_id = ?`, id)
		if err := row.Scan(&seq); err != nil {
			return schemas.ActionRecord{}, fmt.Errorf("reading action sequence for %s: %w", id, err)
		}
	}
	seq++

	rec := schemas.ActionRecord{
		InvestigationID: id,
		Seq:             seq,
		Timestamp:       time.Now().UTC(),
		Kind:            kind,
		Payload:         raw,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (investigation_id, seq, timestamp, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		rec.InvestigationID, rec.Seq, rec.Timestamp, string(rec.Kind), string(raw))
	if err != nil {
		return schemas.ActionRecord{}, fmt.Errorf("appending action for %s: %w", id, err)
	}
	s.nextSeq[id] = seq
	return rec, nil
}

// Actions returns the most recent limit records in chronological order;
// limit <= 0 returns the full log.
func (s *SQLiteStore) Actions(ctx context.Context, id string, limit int) ([]schemas.ActionRecord, error) {
	query := `SELECT investigation_id, seq, timestamp, kind, payload FROM actions WHERE investigation_id = ? ORDER BY seq`
	args := []any{id}
	if limit > 0 {
		// Take the tail by sequence, then flip back to chronological order.
		query = `SELECT investigation_id, seq, timestamp, kind, payload FROM (
			SELECT investigation_id, seq, timestamp, kind, payload FROM actions
			WHERE investigation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading actions for %s: %w", id, err)
	}
	defer rows.Close()

	var records []schemas.ActionRecord
	for rows.Next() {
		var rec schemas.ActionRecord
		var kind, payload string
		if err := rows.Scan(&rec.InvestigationID, &rec.Seq, &rec.Timestamp, &kind, &payload); err != nil {
			return nil, err
		}
		rec.Kind = schemas.ActionKind(kind)
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) SaveFinding(ctx context.Context, f schemas.Finding) error {
	sources, err := json.Marshal(f.Sources)
	if err != nil {
		return fmt.Errorf("marshaling finding sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO findings (investigation_id, statement, confidence, sources) VALUES (?, ?, ?, ?)`,
		f.InvestigationID, f.Statement, f.Confidence, string(sources))
	if err != nil {
		return fmt.Errorf("saving finding for %s: %w", f.InvestigationID, err)
	}
	return nil
}

func (s *SQLiteStore) Findings(ctx context.Context, id string) ([]schemas.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT investigation_id, statement, confidence, sources FROM findings
		WHERE investigation_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("reading findings for %s: %w", id, err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var f schemas.Finding
		var sources string
		if err := rows.Scan(&f.InvestigationID, &f.Statement, &f.Confidence, &sources); err != nil {
			return nil, err
		}
		if sources != "" && sources != "null" {
			if err := json.Unmarshal([]byte(sources), &f.Sources); err != nil {
				return nil, fmt.Errorf("decoding finding sources: %w", err)
			}
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// ListInvestigations returns investigations newest first, optionally filtered
// by status. limit <= 0 returns all.
func (s *SQLiteStore) ListInvestigations(ctx context.Context, status schemas.InvestigationStatus, limit int) ([]schemas.Investigation, error) {
	query := `SELECT id, objective, status, created_at, completed_at, confidence, findings_count, metadata
		FROM investigations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing investigations: %w", err)
	}
	defer rows.Close()

	var investigations []schemas.Investigation
	for rows.Next() {
		inv, err := scanInvestigation(rows)
		if err != nil {
			return nil, err
		}
		investigations = append(investigations, inv)
	}
	return investigations, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvestigation(row rowScanner) (schemas.Investigation, error) {
	var inv schemas.Investigation
	var status, meta string
	var completedAt sql.NullTime
	var confidence sql.NullFloat64

	err := row.Scan(&inv.ID, &inv.Objective, &status, &inv.CreatedAt, &completedAt, &confidence, &inv.FindingsCount, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return schemas.Investigation{}, ErrNotFound
	}
	if err != nil {
		return schemas.Investigation{}, err
	}

	inv.Status = schemas.InvestigationStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		inv.CompletedAt = &t
	}
	if confidence.Valid {
		c := confidence.Float64
		inv.Confidence = &c
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &inv.Metadata); err != nil {
			return schemas.Investigation{}, fmt.Errorf("decoding investigation metadata: %w", err)
		}
	}
	return inv, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
