// Package store is the narrow durable-storage surface the persistence
// workers reconcile into. It covers only the reads and writes the workers
// need; the full CRUD API for workspaces, notes and views lives in another
// service.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type Note struct {
	ID        string
	Title     string
	Content   string
	UpdatedAt time.Time
	UpdatedBy string
}

type View struct {
	ID        string
	Type      string
	Data      string
	CreatedBy string
	UpdatedBy string
}

type ViewObject struct {
	ID        string
	ViewID    string
	Name      string
	Type      string
	Data      string
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) FindNote(ctx context.Context, id string) (Note, error) {
	var n Note
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, content, updated_at, updated_by FROM notes WHERE id = $1`, id,
	).Scan(&n.ID, &n.Title, &n.Content, &n.UpdatedAt, &n.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("finding note %s: %w", id, err)
	}
	return n, nil
}

func (s *Store) UpdateNote(ctx context.Context, id, title, content string, updatedAt time.Time, updatedBy string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notes SET title = $2, content = $3, updated_at = $4, updated_by = $5 WHERE id = $1`,
		id, title, content, updatedAt, updatedBy,
	)
	if err != nil {
		return fmt.Errorf("updating note %s: %w", id, err)
	}
	return nil
}

func (s *Store) FindView(ctx context.Context, id string) (View, error) {
	var v View
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, data, created_by, updated_by FROM views WHERE id = $1`, id,
	).Scan(&v.ID, &v.Type, &v.Data, &v.CreatedBy, &v.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return View{}, ErrNotFound
	}
	if err != nil {
		return View{}, fmt.Errorf("finding view %s: %w", id, err)
	}
	return v, nil
}

func (s *Store) UpdateViewData(ctx context.Context, id, data string, updatedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE views SET data = $2, updated_at = $3 WHERE id = $1`,
		id, data, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating view %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListViewObjects(ctx context.Context, viewID string) ([]ViewObject, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, view_id, name, type, data, created_by, updated_by, created_at, updated_at
		 FROM view_objects WHERE view_id = $1`, viewID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing view objects for %s: %w", viewID, err)
	}
	defer rows.Close()

	var objects []ViewObject
	for rows.Next() {
		var o ViewObject
		if err := rows.Scan(&o.ID, &o.ViewID, &o.Name, &o.Type, &o.Data,
			&o.CreatedBy, &o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning view object: %w", err)
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

func (s *Store) FindViewObject(ctx context.Context, id string) (ViewObject, error) {
	var o ViewObject
	err := s.pool.QueryRow(ctx,
		`SELECT id, view_id, name, type, data, created_by, updated_by, created_at, updated_at
		 FROM view_objects WHERE id = $1`, id,
	).Scan(&o.ID, &o.ViewID, &o.Name, &o.Type, &o.Data,
		&o.CreatedBy, &o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ViewObject{}, ErrNotFound
	}
	if err != nil {
		return ViewObject{}, fmt.Errorf("finding view object %s: %w", id, err)
	}
	return o, nil
}

func (s *Store) CreateViewObject(ctx context.Context, o ViewObject) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO view_objects (id, view_id, name, type, data, created_by, updated_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ViewID, o.Name, o.Type, o.Data, o.CreatedBy, o.UpdatedBy, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating view object %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) UpdateViewObject(ctx context.Context, id, name, objType, data, updatedBy string, updatedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE view_objects SET name = $2, type = $3, data = $4, updated_by = $5, updated_at = $6 WHERE id = $1`,
		id, name, objType, data, updatedBy, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating view object %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteViewObject(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM view_objects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting view object %s: %w", id, err)
	}
	return nil
}
