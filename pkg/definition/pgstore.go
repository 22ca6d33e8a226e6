package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entrhq/monkey/pkg/types"
)

// Schema creates the definitions table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS monkey_server_definitions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	definition JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGStore keeps definitions in PostgreSQL, one row per server.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPGStore connects to dsn, checks the connection and ensures the schema.
func OpenPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) List(ctx context.Context) ([]Server, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, definition
		FROM monkey_server_definitions
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	var errs []error
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		srv, err := Parse(raw, FormatJSON)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %s: %w", id, err))
			continue
		}
		out = append(out, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, errors.Join(errs...)
}

func (s *PGStore) Get(ctx context.Context, id string) (Server, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT definition FROM monkey_server_definitions WHERE id=$1
	`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Server{}, types.Errorf(types.KindNotFound, "server definition %q not found", id)
	}
	if err != nil {
		return Server{}, err
	}
	return Parse(raw, FormatJSON)
}

func (s *PGStore) Save(ctx context.Context, srv Server) error {
	srv = srv.Normalize()
	if err := srv.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", srv.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO monkey_server_definitions (id, name, definition)
		VALUES ($1,$2,$3::jsonb)
		ON CONFLICT (id) DO UPDATE SET
		  name=EXCLUDED.name,
		  definition=EXCLUDED.definition,
		  updated_at=now()
	`, srv.ID, srv.Name, string(raw))
	return err
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM monkey_server_definitions WHERE id=$1`, id)
	return err
}
