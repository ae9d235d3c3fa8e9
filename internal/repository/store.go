// Package repository persists extraction outcomes: finished field values, the
// review queue, and the append-only correction log that feeds template
// improvement. SQLite is the default backend; Postgres serves multi-instance
// deployments.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
)

// ReviewItem is one queued field awaiting human review.
type ReviewItem struct {
	DocumentID uuid.UUID          `json:"document_id"`
	FormType   constants.FormType `json:"form_type"`
	Field      string             `json:"field"`
	Value      string             `json:"value"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Store is the persistence boundary for the pipeline and review surface.
type Store interface {
	SaveExtraction(ctx context.Context, doc *document.Document, results []document.ExtractionResult) error
	EnqueueReview(ctx context.Context, item ReviewItem) error
	ReviewQueue(ctx context.Context) ([]ReviewItem, error)
	DequeueReview(ctx context.Context, documentID uuid.UUID, field string) error
	AppendCorrection(ctx context.Context, c document.ReviewCorrection) error
	Corrections(ctx context.Context, documentID uuid.UUID) ([]document.ReviewCorrection, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects the configured backend and ensures the schema exists.
func Open(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "postgres":
		return openPostgres(ctx, cfg, logger)
	case "sqlite":
		return openSQLite(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS extractions (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	form_type   TEXT NOT NULL,
	field       TEXT NOT NULL,
	value       TEXT NOT NULL,
	raw         TEXT NOT NULL,
	confidence  REAL NOT NULL,
	engines     TEXT NOT NULL,
	source      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extractions_document ON extractions (document_id);

CREATE TABLE IF NOT EXISTS review_queue (
	document_id TEXT NOT NULL,
	form_type   TEXT NOT NULL,
	field       TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	reason      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (document_id, field)
);

CREATE TABLE IF NOT EXISTS corrections (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL,
	form_type       TEXT NOT NULL,
	field           TEXT NOT NULL,
	original_value  TEXT NOT NULL,
	corrected_value TEXT NOT NULL,
	reviewer        TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_corrections_document ON corrections (document_id);
`

// sqlStore serves both backends through database/sql; rebind converts the
// "?" placeholders for Postgres.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" | "postgres"
	onClose func()
	logger  *slog.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string, onClose func(), logger *slog.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: dialect, onClose: onClose, logger: logger}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	logger.Info("store.ready", "dialect", dialect)
	return s, nil
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *sqlStore) SaveExtraction(ctx context.Context, doc *document.Document, results []document.ExtractionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := s.rebind(`INSERT INTO extractions
		(id, document_id, form_type, field, value, raw, confidence, engines, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	now := time.Now().UTC()
	for _, r := range results {
		value, err := json.Marshal(r.Value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q,
			uuid.NewString(), doc.ID.String(), string(doc.FormType),
			r.Field, string(value), r.Raw, r.Confidence,
			strings.Join(r.Engines, ","), r.Source, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) EnqueueReview(ctx context.Context, item ReviewItem) error {
	var q string
	if s.dialect == "postgres" {
		q = s.rebind(`INSERT INTO review_queue
			(document_id, form_type, field, value, confidence, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (document_id, field) DO NOTHING`)
	} else {
		q = `INSERT OR IGNORE INTO review_queue
			(document_id, form_type, field, value, confidence, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
	}
	_, err := s.db.ExecContext(ctx, q,
		item.DocumentID.String(), string(item.FormType), item.Field,
		item.Value, item.Confidence, item.Reason, item.CreatedAt.UTC(),
	)
	return err
}

func (s *sqlStore) ReviewQueue(ctx context.Context) ([]ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, form_type, field, value, confidence, reason, created_at
		FROM review_queue ORDER BY created_at, document_id, field`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewItem
	for rows.Next() {
		var (
			item  ReviewItem
			docID string
			ft    string
		)
		if err := rows.Scan(&docID, &ft, &item.Field, &item.Value, &item.Confidence, &item.Reason, &item.CreatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(docID)
		if err != nil {
			return nil, err
		}
		item.DocumentID = id
		item.FormType = constants.FormType(ft)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *sqlStore) DequeueReview(ctx context.Context, documentID uuid.UUID, field string) error {
	q := s.rebind(`DELETE FROM review_queue WHERE document_id = ? AND field = ?`)
	_, err := s.db.ExecContext(ctx, q, documentID.String(), field)
	return err
}

func (s *sqlStore) AppendCorrection(ctx context.Context, c document.ReviewCorrection) error {
	q := s.rebind(`INSERT INTO corrections
		(id, document_id, form_type, field, original_value, corrected_value, reviewer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		c.ID.String(), c.DocumentID.String(), string(c.FormType),
		c.Field, c.OriginalValue, c.CorrectedValue, c.Reviewer, c.CreatedAt.UTC(),
	)
	return err
}

func (s *sqlStore) Corrections(ctx context.Context, documentID uuid.UUID) ([]document.ReviewCorrection, error) {
	q := s.rebind(`SELECT id, document_id, form_type, field, original_value, corrected_value, reviewer, created_at
		FROM corrections WHERE document_id = ? ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, q, documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.ReviewCorrection
	for rows.Next() {
		var (
			c        document.ReviewCorrection
			id, doc  string
			formType string
		)
		if err := rows.Scan(&id, &doc, &formType, &c.Field, &c.OriginalValue, &c.CorrectedValue, &c.Reviewer, &c.CreatedAt); err != nil {
			return nil, err
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if c.DocumentID, err = uuid.Parse(doc); err != nil {
			return nil, err
		}
		c.FormType = constants.FormType(formType)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	s.logger.Info("store.closed", "dialect", s.dialect)
	return err
}
