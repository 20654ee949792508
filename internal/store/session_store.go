package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sessionTokenPrefix = "cs_sess_"

var ErrSessionNotFound = errors.New("session not found")

type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `
	id,
	user_id,
	token,
	expires_at,
	revoked_at,
	created_at
`

// Create mints a cs_sess_ token for a user and persists it.
func (s *SessionStore) Create(ctx context.Context, userID string, ttl time.Duration) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if !uuidRegex.MatchString(userID) {
		return nil, fmt.Errorf("invalid user_id")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be greater than zero")
	}

	token, err := generateSessionToken(32)
	if err != nil {
		return nil, err
	}

	session := &Session{}
	err = s.db.QueryRowContext(
		ctx,
		`INSERT INTO sessions (user_id, token, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING `+sessionColumns,
		userID,
		sessionTokenPrefix+token,
		time.Now().UTC().Add(ttl),
	).Scan(
		&session.ID,
		&session.UserID,
		&session.Token,
		&session.ExpiresAt,
		&session.RevokedAt,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Validate returns the live session for a token. Expired or revoked tokens
// come back as ErrSessionNotFound.
func (s *SessionStore) Validate(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSessionNotFound
	}

	session := &Session{}
	err := s.db.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+`
		   FROM sessions
		  WHERE token = $1
		    AND revoked_at IS NULL
		    AND expires_at > NOW()`,
		token,
	).Scan(
		&session.ID,
		&session.UserID,
		&session.Token,
		&session.ExpiresAt,
		&session.RevokedAt,
		&session.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Revoke marks a session token unusable.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrSessionNotFound
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET revoked_at = NOW() WHERE token = $1 AND revoked_at IS NULL`,
		token,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteExpired removes sessions past their expiry.
func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func generateSessionToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
