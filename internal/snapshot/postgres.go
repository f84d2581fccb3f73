package snapshot

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/chatstream/internal/projection"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps snapshots in the projection_snapshots table, one row
// per projection name.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle. The
// schema must already exist; see Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn, applies pending migrations, and returns a
// ready store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: postgres open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: postgres connection failed: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("snapshot: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("snapshot: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("snapshot: migrate up: %w", err)
	}
	return nil
}

// Load returns the named snapshot, or nil if there is none.
func (s *PostgresStore) Load(ctx context.Context, name string) (*projection.State, error) {
	const query = `SELECT state FROM projection_snapshots WHERE name = $1`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: select %s: %w", name, err)
	}
	st, err := projection.DecodeState(data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Save upserts the named snapshot. A snapshot older than the stored one is
// ignored, so a slow writer cannot move the stored position backwards.
func (s *PostgresStore) Save(ctx context.Context, name string, st projection.State) error {
	data, err := st.Encode()
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO projection_snapshots (name, position, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET position = EXCLUDED.position, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		WHERE projection_snapshots.position <= EXCLUDED.position`

	if _, err := s.db.ExecContext(ctx, query, name, int64(st.Position), data); err != nil {
		return fmt.Errorf("snapshot: upsert %s: %w", name, err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
