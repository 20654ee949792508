package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	AuthRequestStatusPending   = "pending"
	AuthRequestStatusCompleted = "completed"
	AuthRequestStatusExpired   = "expired"
)

type AuthRequest struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Status      string     `json:"status"`
	RequestIP   string     `json:"request_ip"`
	UserAgent   string     `json:"user_agent"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type AuthRequestStore struct {
	db *sql.DB
}

func NewAuthRequestStore(db *sql.DB) *AuthRequestStore {
	return &AuthRequestStore{db: db}
}

type CreateAuthRequestInput struct {
	State     string
	ExpiresAt time.Time
	RequestIP string
	UserAgent string
}

func (s *AuthRequestStore) Create(ctx context.Context, input CreateAuthRequestInput) (string, error) {
	state := strings.TrimSpace(input.State)
	if state == "" {
		return "", fmt.Errorf("state is required")
	}
	if input.ExpiresAt.IsZero() {
		return "", fmt.Errorf("expires_at is required")
	}

	var id string
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO auth_requests (state, expires_at, request_ip, user_agent)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		state,
		input.ExpiresAt.UTC(),
		strings.TrimSpace(input.RequestIP),
		strings.TrimSpace(input.UserAgent),
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *AuthRequestStore) Get(ctx context.Context, id string) (*AuthRequest, error) {
	id = strings.TrimSpace(id)
	if !uuidRegex.MatchString(id) {
		return nil, ErrNotFound
	}

	rec := &AuthRequest{}
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, state, status, request_ip, user_agent, expires_at, completed_at, created_at
		   FROM auth_requests
		  WHERE id = $1`,
		id,
	).Scan(
		&rec.ID,
		&rec.State,
		&rec.Status,
		&rec.RequestIP,
		&rec.UserAgent,
		&rec.ExpiresAt,
		&rec.CompletedAt,
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *AuthRequestStore) MarkExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE auth_requests SET status = 'expired', updated_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}

func (s *AuthRequestStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE auth_requests SET status = 'completed', updated_at = NOW(), completed_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}
