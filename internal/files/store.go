package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
	"github.com/cuongbtq/thumbnailer/shared/postgresql"
)

// ErrStateNotFound is returned when no state was persisted for a URI
var ErrStateNotFound = errors.New("thumbnail state not found")

// StateRecord is the last persisted thumbnail state of a file.
type StateRecord struct {
	URI       string                 `db:"uri"`
	State     thumbnailer.ThumbState `db:"state"`
	UpdatedAt time.Time              `db:"updated_at"`
}

// Store persists thumbnail state history in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

func NewStore(pg *postgresql.Client) *Store {
	return &Store{
		db: pg.GetDB(),
	}
}

// Migrate creates the thumbnail_states table.
func (s *Store) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS thumbnail_states (
			uri        TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create thumbnail_states table: %w", err)
	}

	return nil
}

// SaveState upserts the state of a file. Older records never overwrite newer ones.
func (s *Store) SaveState(ctx context.Context, rec StateRecord) error {
	query := `
		INSERT INTO thumbnail_states (uri, state, updated_at)
		VALUES (:uri, :state, :updated_at)
		ON CONFLICT (uri) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		WHERE thumbnail_states.updated_at <= EXCLUDED.updated_at
	`

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save thumbnail state: %w", err)
	}

	return nil
}

// GetState returns the last persisted state of a file.
func (s *Store) GetState(ctx context.Context, uri string) (*StateRecord, error) {
	var rec StateRecord
	query := `
		SELECT uri, state, updated_at
		FROM thumbnail_states
		WHERE uri = $1
	`

	err := s.db.GetContext(ctx, &rec, query, uri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbnail state: %w", err)
	}

	return &rec, nil
}
