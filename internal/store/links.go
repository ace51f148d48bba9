package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwaller/outpost/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Links persists ServerLink rows.
type Links struct {
	db *pgxpool.Pool
}

// NewLinks creates a Links store.
func NewLinks(db *pgxpool.Pool) *Links {
	return &Links{db: db}
}

// Upsert inserts a link or, when one already exists for the same
// (endpoint, player identity), updates its credentials and display name.
// Re-pairing therefore never duplicates a link.
func (s *Links) Upsert(ctx context.Context, link *model.ServerLink) (*model.ServerLink, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO server_links (owner_user_id, endpoint, player_id, player_token, display_name, created_at, last_viewed_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (endpoint, player_id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			player_token = excluded.player_token,
			display_name = excluded.display_name
		RETURNING id, owner_user_id, endpoint, player_id, player_token, display_name, last_viewed_at, created_at
	`, link.OwnerUserID, link.Endpoint, link.PlayerID, link.PlayerToken, link.DisplayName)

	var out model.ServerLink
	if err := row.Scan(&out.ID, &out.OwnerUserID, &out.Endpoint, &out.PlayerID,
		&out.PlayerToken, &out.DisplayName, &out.LastViewedAt, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert server link: %w", err)
	}
	return &out, nil
}

// Get returns a link by id.
func (s *Links) Get(ctx context.Context, id int64) (*model.ServerLink, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_user_id, endpoint, player_id, player_token, display_name, last_viewed_at, created_at
		FROM server_links WHERE id = $1
	`, id)

	var out model.ServerLink
	if err := row.Scan(&out.ID, &out.OwnerUserID, &out.Endpoint, &out.PlayerID,
		&out.PlayerToken, &out.DisplayName, &out.LastViewedAt, &out.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get server link: %w", err)
	}
	return &out, nil
}

// ListByOwner returns all links paired by a user.
func (s *Links) ListByOwner(ctx context.Context, userID string) ([]model.ServerLink, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_user_id, endpoint, player_id, player_token, display_name, last_viewed_at, created_at
		FROM server_links WHERE owner_user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list server links: %w", err)
	}
	defer rows.Close()

	var links []model.ServerLink
	for rows.Next() {
		var l model.ServerLink
		if err := rows.Scan(&l.ID, &l.OwnerUserID, &l.Endpoint, &l.PlayerID,
			&l.PlayerToken, &l.DisplayName, &l.LastViewedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan server link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// Delete removes a link permanently.
func (s *Links) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM server_links WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete server link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchViewed updates the last-viewed timestamp.
func (s *Links) TouchViewed(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE server_links SET last_viewed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch server link: %w", err)
	}
	return nil
}
