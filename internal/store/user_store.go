package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type User struct {
	ID          string    `json:"id"`
	Issuer      string    `json:"issuer"`
	Subject     string    `json:"subject"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Upsert finds or creates the user identified by (issuer, subject).
func (s *UserStore) Upsert(ctx context.Context, issuer, subject, displayName string) (*User, error) {
	issuer = strings.TrimSpace(issuer)
	subject = strings.TrimSpace(subject)
	if issuer == "" || subject == "" {
		return nil, fmt.Errorf("issuer and subject are required")
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = subject
	}

	user := &User{}
	var email sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO users (issuer, subject, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (issuer, subject)
		 DO UPDATE SET updated_at = NOW()
		 RETURNING id, issuer, subject, display_name, email, created_at, updated_at`,
		issuer,
		subject,
		strings.TrimSpace(displayName),
	).Scan(
		&user.ID,
		&user.Issuer,
		&user.Subject,
		&user.DisplayName,
		&email,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	return user, nil
}

// Get returns one user by id.
func (s *UserStore) Get(ctx context.Context, id string) (*User, error) {
	id = strings.TrimSpace(id)
	if !uuidRegex.MatchString(id) {
		return nil, ErrNotFound
	}

	user := &User{}
	var email sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, issuer, subject, display_name, email, created_at, updated_at
		   FROM users
		  WHERE id = $1`,
		id,
	).Scan(
		&user.ID,
		&user.Issuer,
		&user.Subject,
		&user.DisplayName,
		&email,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	return user, nil
}
