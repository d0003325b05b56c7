package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/habbes/quickbyte-sub000/internal/recovery/migrations"
)

// dbtx is the subset of database/sql used by the repository.
// Both *sql.DB and *sql.Tx satisfy it.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx dbtx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

// Migrate applies the embedded schema migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate recovery database: %w", err)
	}
	return nil
}

// OpenSQLite opens the SQLite database at dsn, applies migrations and
// returns a repository backed by it.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open recovery database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLiteRepository(db), nil
}

// SQLiteRepository stores recovery records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an already migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) PutTransfer(ctx context.Context, t Transfer) error {
	files, err := json.Marshal(t.Files)
	if err != nil {
		return fmt.Errorf("encode transfer files: %w", err)
	}
	dirs, err := json.Marshal(t.Directories)
	if err != nil {
		return fmt.Errorf("encode transfer directories: %w", err)
	}

	query := `INSERT INTO transfers (id, name, direction, total_size, block_size, files, directories)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			direction = excluded.direction,
			total_size = excluded.total_size,
			block_size = excluded.block_size,
			files = excluded.files,
			directories = excluded.directories`
	if _, err := r.db.ExecContext(ctx, query, t.ID, t.Name, string(t.Direction), t.TotalSize, t.BlockSize, string(files), string(dirs)); err != nil {
		return fmt.Errorf("upsert transfer: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	query := `SELECT id, name, direction, total_size, block_size, files, directories FROM transfers WHERE id = ?`
	t, err := scanTransfer(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *SQLiteRepository) ListTransfers(ctx context.Context) ([]Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, direction, total_size, block_size, files, directories FROM transfers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select transfers: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) DeleteTransfer(ctx context.Context, id string) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx dbtx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blocks WHERE file_id IN (SELECT id FROM files WHERE transfer_id = ?)`, id); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE transfer_id = ?`, id); err != nil {
			return fmt.Errorf("delete files: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete transfer: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) PutFile(ctx context.Context, f TrackedFile) error {
	parts, err := json.Marshal(f.ProviderParts)
	if err != nil {
		return fmt.Errorf("encode provider parts: %w", err)
	}

	query := `INSERT INTO files (id, transfer_id, filename, size, block_size, completed, provider_session_id, provider_parts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			transfer_id = excluded.transfer_id,
			filename = excluded.filename,
			size = excluded.size,
			block_size = excluded.block_size,
			completed = excluded.completed,
			provider_session_id = excluded.provider_session_id,
			provider_parts = excluded.provider_parts`
	_, err = r.db.ExecContext(ctx, query,
		f.ID, f.TransferID, f.Filename, f.Size, f.BlockSize, f.Completed, f.ProviderSessionID, string(parts))
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetFile(ctx context.Context, id string) (TrackedFile, error) {
	query := `SELECT id, transfer_id, filename, size, block_size, completed, provider_session_id, provider_parts
		FROM files WHERE id = ?`
	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedFile{}, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, err
}

func (r *SQLiteRepository) ListFiles(ctx context.Context) ([]TrackedFile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, transfer_id, filename, size, block_size, completed,
		provider_session_id, provider_parts FROM files ORDER BY transfer_id, filename`)
	if err != nil {
		return nil, fmt.Errorf("select files: %w", err)
	}
	defer rows.Close()

	var out []TrackedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select files: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) PutBlocks(ctx context.Context, blocks []TrackedBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(ctx context.Context, tx dbtx) error {
		for _, b := range blocks {
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO blocks (id, file_id, block_index, token) VALUES (?, ?, ?, ?)`,
				b.ID, b.FileID, b.Index, b.Token)
			if err != nil {
				return fmt.Errorf("insert block %d of %s: %w", b.Index, b.FileID, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) ListBlocks(ctx context.Context) ([]TrackedBlock, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, file_id, block_index, token FROM blocks ORDER BY file_id, block_index`)
	if err != nil {
		return nil, fmt.Errorf("select blocks: %w", err)
	}
	defer rows.Close()

	var out []TrackedBlock
	for rows.Next() {
		var b TrackedBlock
		if err := rows.Scan(&b.ID, &b.FileID, &b.Index, &b.Token); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select blocks: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) CompleteFile(ctx context.Context, id string) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx dbtx) error {
		res, err := tx.ExecContext(ctx, `UPDATE files SET completed = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("mark file completed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("file %s: %w", id, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE file_id = ?`, id); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) ResetFile(ctx context.Context, id string) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx dbtx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE files SET provider_session_id = '', provider_parts = 'null' WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("reset file: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("file %s: %w", id, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE file_id = ?`, id); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (Transfer, error) {
	var (
		t           Transfer
		direction   string
		files, dirs string
	)
	if err := s.Scan(&t.ID, &t.Name, &direction, &t.TotalSize, &t.BlockSize, &files, &dirs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transfer{}, err
		}
		return Transfer{}, fmt.Errorf("scan transfer: %w", err)
	}
	t.Direction = Direction(direction)
	if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
		return Transfer{}, fmt.Errorf("decode transfer files: %w", err)
	}
	if err := json.Unmarshal([]byte(dirs), &t.Directories); err != nil {
		return Transfer{}, fmt.Errorf("decode transfer directories: %w", err)
	}
	return t, nil
}

func scanFile(s scanner) (TrackedFile, error) {
	var (
		f     TrackedFile
		parts string
	)
	err := s.Scan(&f.ID, &f.TransferID, &f.Filename, &f.Size, &f.BlockSize, &f.Completed, &f.ProviderSessionID, &parts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TrackedFile{}, err
		}
		return TrackedFile{}, fmt.Errorf("scan file: %w", err)
	}
	if parts != "" {
		if err := json.Unmarshal([]byte(parts), &f.ProviderParts); err != nil {
			return TrackedFile{}, fmt.Errorf("decode provider parts: %w", err)
		}
	}
	return f, nil
}
