package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists participant profiles in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participant_profiles (
			participant_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			native_language TEXT NOT NULL,
			voice_id TEXT NOT NULL DEFAULT '',
			formal_tone BOOLEAN NOT NULL DEFAULT FALSE,
			preserve_emotion BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Resolve(ctx context.Context, participantID string) (Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT participant_id, display_name, native_language, voice_id, formal_tone, preserve_emotion
		 FROM participant_profiles WHERE participant_id=$1`,
		participantID,
	).Scan(&p.ParticipantID, &p.DisplayName, &p.NativeLanguage, &p.VoiceID,
		&p.Preferences.FormalTone, &p.Preferences.PreserveEmotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("resolve profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participant_profiles (participant_id, display_name, native_language, voice_id, formal_tone, preserve_emotion, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (participant_id) DO UPDATE SET
			display_name=EXCLUDED.display_name,
			native_language=EXCLUDED.native_language,
			voice_id=EXCLUDED.voice_id,
			formal_tone=EXCLUDED.formal_tone,
			preserve_emotion=EXCLUDED.preserve_emotion,
			updated_at=now()`,
		p.ParticipantID,
		p.DisplayName,
		p.NativeLanguage,
		p.VoiceID,
		p.Preferences.FormalTone,
		p.Preferences.PreserveEmotion,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
