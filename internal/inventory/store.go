package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/printgate/internal/device"
)

// timeFormat is used for created_at and updated_at.
const timeFormat = time.RFC3339Nano

// Store is a SQLite-backed registration store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store over an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SaveRegistration inserts or replaces the registration for id.
// created_at is preserved across updates.
func (s *Store) SaveRegistration(ctx context.Context, id device.Identity, ann device.Announcement) error {
	meta, err := encodeMeta(ann.Meta)
	if err != nil {
		return err
	}
	source := ann.Source
	if source == "" {
		source = "api"
	}
	now := s.now().UTC().Format(timeFormat)

	const query = `INSERT INTO registrations
		(identity, kind, address, name, model, meta, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			kind = excluded.kind,
			address = excluded.address,
			name = excluded.name,
			model = excluded.model,
			meta = excluded.meta,
			source = excluded.source,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		string(id), string(ann.Kind), ann.Address, ann.Name, ann.Model, meta, source, now, now)
	if err != nil {
		return fmt.Errorf("saving registration %s: %w", id, err)
	}
	return nil
}

// DeleteRegistration removes the registration for id.
// Deleting an identity that was never stored is not an error: discovered
// devices pass through here too when they are removed.
func (s *Store) DeleteRegistration(ctx context.Context, id device.Identity) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM registrations WHERE identity = ?", string(id)); err != nil {
		return fmt.Errorf("deleting registration %s: %w", id, err)
	}
	return nil
}

// Get returns the stored announcement for id.
func (s *Store) Get(ctx context.Context, id device.Identity) (device.Announcement, error) {
	const query = `SELECT identity, kind, address, name, model, meta, updated_at
		FROM registrations WHERE identity = ?`
	ann, err := scanRegistration(s.db.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return device.Announcement{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ann, err
}

// Registrations returns every stored device as an announcement, ordered by
// identity. It implements discovery.Provider.
func (s *Store) Registrations(ctx context.Context) ([]device.Announcement, error) {
	const query = `SELECT identity, kind, address, name, model, meta, updated_at
		FROM registrations ORDER BY identity`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()

	var anns []device.Announcement
	for rows.Next() {
		ann, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		anns = append(anns, ann)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registrations: %w", err)
	}
	return anns, nil
}

// Count returns the number of stored registrations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM registrations").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting registrations: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (device.Announcement, error) {
	var (
		ann               device.Announcement
		identity, kind    string
		metaJSON, updated string
	)
	if err := row.Scan(&identity, &kind, &ann.Address, &ann.Name, &ann.Model, &metaJSON, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ann, err
		}
		return ann, fmt.Errorf("scanning registration: %w", err)
	}
	ann.Identity = device.Identity(identity)
	ann.Kind = device.Kind(kind)
	ann.Source = "inventory"
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &ann.Meta); err != nil {
			return ann, fmt.Errorf("decoding meta for %s: %w", identity, err)
		}
	}
	ann.SeenAt, _ = time.Parse(timeFormat, updated) //nolint:errcheck // written by SaveRegistration
	return ann, nil
}

func encodeMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding meta: %w", err)
	}
	return string(b), nil
}
