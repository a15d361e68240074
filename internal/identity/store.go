package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reeflabs/reefbridge-core/internal/infrastructure/database"
)

// Store persists the identity map and migration markers in SQLite.
type Store struct {
	db *database.DB
}

// NewStore wraps an open database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Load returns all persisted identities for a controller slug, keyed by
// device key.
func (s *Store) Load(ctx context.Context, slug string) (map[string]Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_key, unique_id, kind FROM identity_map WHERE slug = ?`, slug)
	if err != nil {
		return nil, fmt.Errorf("loading identity map: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Identity)
	for rows.Next() {
		var id Identity
		var kind string
		if err := rows.Scan(&id.Key, &id.UniqueID, &kind); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		id.Slug = slug
		id.Kind = Kind(kind)
		out[id.Key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading identity rows: %w", err)
	}
	return out, nil
}

// Save upserts one identity.
func (s *Store) Save(ctx context.Context, id Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_map (slug, device_key, unique_id, kind, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug, device_key) DO UPDATE SET unique_id = excluded.unique_id, kind = excluded.kind`,
		id.Slug, id.Key, id.UniqueID, string(id.Kind), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving identity %s/%s: %w", id.Slug, id.Key, err)
	}
	return nil
}

// MigrationApplied reports whether a named one-time migration already ran
// for this controller.
func (s *Store) MigrationApplied(ctx context.Context, slug, name string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM identity_migrations WHERE slug = ? AND name = ?`, slug, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking migration marker %s/%s: %w", slug, name, err)
	}
	return true, nil
}

// slugPrefixMigration is the one-time rewrite of pre-slug identities.
const slugPrefixMigration = "20260815_slug_prefix"

// ApplySlugPrefixMigration rewrites persisted identities whose unique id
// lacks the controller-slug prefix into the prefixed form, then records the
// marker. The whole step runs in one transaction and is a no-op when the
// marker already exists, so it is applied at most once per controller.
func (s *Store) ApplySlugPrefixMigration(ctx context.Context, slug string) (migrated int, err error) {
	applied, err := s.MigrationApplied(ctx, slug, slugPrefixMigration)
	if err != nil {
		return 0, err
	}
	if applied {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	prefix := slug + "_"
	res, err := tx.ExecContext(ctx,
		`UPDATE identity_map SET unique_id = ? || unique_id
		 WHERE slug = ? AND unique_id NOT LIKE ? || '%'`,
		prefix, slug, prefix)
	if err != nil {
		return 0, fmt.Errorf("prefixing identities for %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identity_migrations (slug, name, applied_at) VALUES (?, ?, ?)`,
		slug, slugPrefixMigration, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return 0, fmt.Errorf("recording migration marker for %s: %w", slug, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing identity migration: %w", err)
	}
	return int(n), nil
}
