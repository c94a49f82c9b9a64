package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/princekumarofficial/uploads-service/internal/config"
	"github.com/princekumarofficial/uploads-service/internal/storage"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

// Postgres is the durable object index. The primary key on content_hash is
// what makes concurrent commits of the same content converge on one record.
type Postgres struct {
	Db *sql.DB
}

func NewPostgres(cfg *config.Config) (*Postgres, error) {
	return Open(cfg.PGSQL.DSN())
}

// Open connects to dsn and creates the schema
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("Connected to Postgres database")

	pg := &Postgres{Db: db}
	if err := pg.CreateTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return pg, nil
}

func (p *Postgres) CreateTables() error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS stored_objects (
			content_hash CHAR(64) PRIMARY KEY,
			size BIGINT NOT NULL CHECK (size >= 0),
			storage_path TEXT NOT NULL,
			public_path TEXT NOT NULL,
			first_stored_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		`,
	}

	for _, q := range queries {
		if _, err := p.Db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

func (p *Postgres) Close() error {
	return p.Db.Close()
}

func (p *Postgres) Lookup(ctx context.Context, contentHash string) (*types.StoredObject, error) {
	var obj types.StoredObject
	query := `
	SELECT content_hash, size, storage_path, public_path, first_stored_at
	FROM stored_objects WHERE content_hash = $1
	`

	err := p.Db.QueryRowContext(ctx, query, contentHash).Scan(
		&obj.ContentHash, &obj.Size, &obj.StoragePath, &obj.PublicPath, &obj.FirstStoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrObjectNotFound
	}
	if err != nil {
		return nil, &types.StorageError{Op: "lookup object", Err: err}
	}

	return &obj, nil
}

func (p *Postgres) InsertIfAbsent(ctx context.Context, obj types.StoredObject) (types.StoredObject, bool, error) {
	query := `
	INSERT INTO stored_objects (content_hash, size, storage_path, public_path, first_stored_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (content_hash) DO NOTHING
	RETURNING first_stored_at
	`

	err := p.Db.QueryRowContext(ctx, query,
		obj.ContentHash, obj.Size, obj.StoragePath, obj.PublicPath, obj.FirstStoredAt).Scan(&obj.FirstStoredAt)
	if err == nil {
		return obj, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.StoredObject{}, false, &types.StorageError{Op: "insert object", Err: err}
	}

	// lost the race; the winner's row is committed
	existing, err := p.Lookup(ctx, obj.ContentHash)
	if err != nil {
		return types.StoredObject{}, false, err
	}
	return *existing, false, nil
}

var _ storage.ObjectIndex = (*Postgres)(nil)
