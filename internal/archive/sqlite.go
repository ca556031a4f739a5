package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dbredin/switchboard/internal/crypto"
)

// SQLiteArchive stores exchanges as blobs in a SQLite database, kept
// separate from the history database.
type SQLiteArchive struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

// NewSQLiteArchive creates a new SQLite-backed archive.
// Use ":memory:" for in-memory storage, or a file path for persistence.
func NewSQLiteArchive(dsn string, sealer *crypto.Sealer) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	migration := `CREATE TABLE IF NOT EXISTS exchanges (
		job_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		sealed INTEGER NOT NULL DEFAULT 0,
		archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteArchive{db: db, sealer: sealer}, nil
}

func (a *SQLiteArchive) Put(ctx context.Context, ex *Exchange) error {
	data, err := marshalExchange(ex, a.sealer)
	if err != nil {
		return err
	}

	sealed := 0
	if a.sealer != nil {
		sealed = 1
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO exchanges (job_id, data, sealed, archived_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET data = excluded.data,
		   sealed = excluded.sealed, archived_at = excluded.archived_at`,
		ex.JobID, data, sealed, ex.ArchivedAt)
	return err
}

func (a *SQLiteArchive) Get(ctx context.Context, jobID string) (*Exchange, error) {
	var data []byte
	var sealed int
	err := a.db.QueryRowContext(ctx,
		`SELECT data, sealed FROM exchanges WHERE job_id = ?`, jobID).Scan(&data, &sealed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalExchange(data, sealed == 1, a.sealer)
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
