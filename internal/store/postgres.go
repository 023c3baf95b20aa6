package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arohealth/teleconsult/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect caption store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping caption store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveCaption(ctx context.Context, ev domain.CaptionEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO caption_events (consultation_id, speaker, original_text, translated_text, generated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(ev.Consultation), ev.Speaker.String(), ev.OriginalText, ev.Translated, ev.GeneratedAt)
	return err
}

func (s *PostgresStore) Close() { s.pool.Close() }

var _ CaptionStore = (*PostgresStore)(nil)
