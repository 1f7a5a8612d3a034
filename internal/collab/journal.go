package collab

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// journalSchema holds per-document operation logs. Operations are appended
// in commit order and replayed on rejoin.
const journalSchema = `
CREATE TABLE IF NOT EXISTS document_ops (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	op_json TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_document_ops_doc ON document_ops(document_id, id);

CREATE TABLE IF NOT EXISTS documents (
	document_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Journal durably stores document operations in SQLite
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenJournal opens (or creates) the journal database at dbPath
func OpenJournal(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db, path: dbPath}, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

// RegisterDocument records a document's identity; idempotent
func (j *Journal) RegisterDocument(documentID, projectID, filePath string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO documents (document_id, project_id, file_path) VALUES (?, ?, ?)`,
		documentID, projectID, filePath)
	if err != nil {
		return fmt.Errorf("failed to register document %s: %w", documentID, err)
	}
	return nil
}

// Append durably stores ops for a document in commit order
func (j *Journal) Append(documentID string, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO document_ops (document_id, op_json) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode op: %w", err)
		}
		if _, err := stmt.Exec(documentID, string(raw)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to append op for %s: %w", documentID, err)
		}
	}
	return tx.Commit()
}

// Load replays all ops for a document in the order they were committed
func (j *Journal) Load(documentID string) ([]Op, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT op_json FROM document_ops WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ops for %s: %w", documentID, err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan op row: %w", err)
		}
		var op Op
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("failed to decode op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Purge removes a document and its ops, for explicit teardown
func (j *Journal) Purge(documentID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec(`DELETE FROM document_ops WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to purge ops for %s: %w", documentID, err)
	}
	if _, err := j.db.Exec(`DELETE FROM documents WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to purge document %s: %w", documentID, err)
	}
	return nil
}
