package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwaller/outpost/internal/model"
)

// Credentials persists push credentials and device tokens.
type Credentials struct {
	db *pgxpool.Pool
}

// NewCredentials creates a Credentials store.
func NewCredentials(db *pgxpool.Pool) *Credentials {
	return &Credentials{db: db}
}

// Save stores the user's push credential. The user_id primary key keeps
// the one-credential-per-user invariant: a new device registration
// replaces the old one instead of accumulating.
func (s *Credentials) Save(ctx context.Context, cred *model.PushCredential) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO push_credentials (user_id, device_identity, registration_token, last_registered_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			device_identity = excluded.device_identity,
			registration_token = excluded.registration_token,
			last_registered_at = now()
	`, cred.UserID, cred.DeviceIdentity, cred.RegistrationToken)
	if err != nil {
		return fmt.Errorf("save push credential: %w", err)
	}
	return nil
}

// Get returns the user's push credential.
func (s *Credentials) Get(ctx context.Context, userID string) (*model.PushCredential, error) {
	row := s.db.QueryRow(ctx, `
		SELECT user_id, device_identity, registration_token, last_registered_at
		FROM push_credentials WHERE user_id = $1
	`, userID)

	var out model.PushCredential
	if err := row.Scan(&out.UserID, &out.DeviceIdentity, &out.RegistrationToken, &out.LastRegisteredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get push credential: %w", err)
	}
	return &out, nil
}

// TouchRegistered records a successful re-registration with the provider.
func (s *Credentials) TouchRegistered(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE push_credentials SET last_registered_at = now() WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("touch push credential: %w", err)
	}
	return nil
}

// DeviceTokensByUser returns the FCM device tokens registered for a user.
// Passthrough notifications are multicast to these.
func (s *Credentials) DeviceTokensByUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT token FROM device_tokens WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// SaveDeviceToken registers a device token for multicast delivery.
func (s *Credentials) SaveDeviceToken(ctx context.Context, userID, token string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_tokens (user_id, token, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (token) DO UPDATE SET user_id = excluded.user_id
	`, userID, token)
	if err != nil {
		return fmt.Errorf("save device token: %w", err)
	}
	return nil
}

// DeleteDeviceToken removes a token the provider reported as dead.
func (s *Credentials) DeleteDeviceToken(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete device token: %w", err)
	}
	return nil
}
